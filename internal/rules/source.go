package rules

import (
	"io/fs"
	"path"
	"path/filepath"
	"strings"
)

// skipDirs are never searched for student sources.
var skipDirs = map[string]bool{
	".git": true, "__pycache__": true, "node_modules": true,
	"venv": true, ".venv": true, "env": true, "site-packages": true,
}

// cleanPath turns a rule-supplied path into an fs.FS name.
func cleanPath(p string) string {
	p = filepath.ToSlash(strings.TrimSpace(p))
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return "."
	}
	return path.Clean(p)
}

func readFile(root fs.FS, name string) (string, error) {
	data, err := fs.ReadFile(root, cleanPath(name))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func exists(root fs.FS, name string) bool {
	_, err := fs.Stat(root, cleanPath(name))
	return err == nil
}

// findFiles returns every file whose name satisfies keep, in lexical order.
func findFiles(root fs.FS, keep func(name string) bool) ([]string, error) {
	var out []string
	err := fs.WalkDir(root, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != "." && skipDirs[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		if keep(p) {
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

func hasExt(exts ...string) func(string) bool {
	return func(name string) bool {
		ext := strings.ToLower(path.Ext(name))
		for _, e := range exts {
			if ext == e {
				return true
			}
		}
		return false
	}
}

// concatSources joins the contents of files, skipping unreadable ones.
func concatSources(root fs.FS, files []string) string {
	var b strings.Builder
	for _, f := range files {
		data, err := fs.ReadFile(root, f)
		if err != nil {
			continue
		}
		b.Write(data)
		b.WriteByte('\n')
	}
	return b.String()
}
