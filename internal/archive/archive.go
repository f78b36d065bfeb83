// Package archive unpacks uploaded project archives into isolated temporary
// directories.
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

var (
	// ErrTooLarge is returned when the archive or its extracted contents
	// exceed the configured limits.
	ErrTooLarge = errors.New("archive too large")
	// ErrInvalid is returned for unreadable archives and unsafe entry names.
	ErrInvalid = errors.New("invalid archive")
)

// Workspace is an extracted archive. Dir is the temporary directory that
// Cleanup removes; Root is the project root inside it.
type Workspace struct {
	Dir   string
	Root  string
	Files int
	Bytes int64
}

// Cleanup removes the workspace directory and everything under it.
func (w *Workspace) Cleanup() error {
	if w == nil || w.Dir == "" {
		return nil
	}
	return os.RemoveAll(w.Dir)
}

// Extract unpacks the zip at zipPath into a fresh temporary directory. A limit
// of zero disables the corresponding check. When every entry lives under a
// single top-level directory, Root points inside it.
func Extract(zipPath string, maxArchive, maxExtracted int64) (*Workspace, error) {
	info, err := os.Stat(zipPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if maxArchive > 0 && info.Size() > maxArchive {
		return nil, fmt.Errorf("%w: archive is %d bytes, limit %d", ErrTooLarge, info.Size(), maxArchive)
	}

	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	defer r.Close()

	dir, err := os.MkdirTemp("", "flaskgrader-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}
	ws := &Workspace{Dir: dir, Root: dir}

	if err := extractAll(r.File, ws, maxExtracted); err != nil {
		_ = ws.Cleanup()
		return nil, err
	}
	ws.Root = projectRoot(dir)
	return ws, nil
}

func extractAll(files []*zip.File, ws *Workspace, maxExtracted int64) error {
	for _, f := range files {
		name := strings.ReplaceAll(f.Name, "\\", "/")
		if skipEntry(name) {
			continue
		}
		clean := path.Clean(name)
		if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			return fmt.Errorf("%w: entry %q escapes the archive root", ErrInvalid, f.Name)
		}
		target := filepath.Join(ws.Dir, filepath.FromSlash(clean))

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("creating %s: %w", clean, err)
			}
			continue
		}
		if !f.Mode().IsRegular() {
			continue
		}

		n, err := extractFile(f, target, maxExtracted-ws.Bytes, maxExtracted > 0)
		ws.Bytes += n
		if err != nil {
			return err
		}
		ws.Files++
	}
	return nil
}

func extractFile(f *zip.File, target string, remaining int64, limited bool) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return 0, fmt.Errorf("creating directory for %s: %w", f.Name, err)
	}
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: opening %s: %v", ErrInvalid, f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", f.Name, err)
	}
	defer out.Close()

	var src io.Reader = rc
	if limited {
		// one extra byte distinguishes "exactly at the limit" from "over it"
		src = io.LimitReader(rc, remaining+1)
	}
	n, err := io.Copy(out, src)
	if err != nil {
		return n, fmt.Errorf("%w: extracting %s: %v", ErrInvalid, f.Name, err)
	}
	if limited && n > remaining {
		return n, fmt.Errorf("%w: extracted contents exceed limit", ErrTooLarge)
	}
	return n, nil
}

func skipEntry(name string) bool {
	return name == "" || strings.HasPrefix(name, "__MACOSX/") || path.Base(name) == ".DS_Store"
}

// projectRoot descends through directories that are the only entry of their
// parent, so "project/app.py" archives resolve to "project".
func projectRoot(dir string) string {
	root := dir
	for {
		entries, err := os.ReadDir(root)
		if err != nil || len(entries) != 1 || !entries[0].IsDir() {
			return root
		}
		root = filepath.Join(root, entries[0].Name())
	}
}
