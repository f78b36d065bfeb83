package rules

import (
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"strings"

	"github.com/spachava753/flaskgrader/internal/models"
)

var (
	appAssignRe   = regexp.MustCompile(`\bapp\s*=\s*Flask\(`)
	routeDecorRe  = regexp.MustCompile(`@app\.route\(['"][/\w\-_]*['"]`)
	viewFuncRe    = regexp.MustCompile(`def\s+\w+\s*\(.*\):`)
	renderRetRe   = regexp.MustCompile(`return\s+render_template`)
	redirectRetRe = regexp.MustCompile(`return\s+redirect`)
	templateRefRe = regexp.MustCompile(`render_template\(['"](.*?)['"]`)
)

// preferredEntries are tried in order before falling back to any file that
// constructs or runs a Flask app.
var preferredEntries = []string{"app.py", "main.py", "server.py", "run.py"}

// FindFlaskFiles returns every Python file that mentions Flask.
func FindFlaskFiles(root fs.FS) ([]string, error) {
	pyFiles, err := findFiles(root, hasExt(".py"))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, f := range pyFiles {
		data, err := fs.ReadFile(root, f)
		if err != nil {
			continue
		}
		src := string(data)
		if strings.Contains(src, "Flask") || strings.Contains(src, "from flask import") {
			out = append(out, f)
		}
	}
	return out, nil
}

// FindMainApp picks the application entry file.
func FindMainApp(root fs.FS) (string, bool) {
	flaskFiles, err := FindFlaskFiles(root)
	if err != nil {
		return "", false
	}
	isFlask := make(map[string]bool, len(flaskFiles))
	for _, f := range flaskFiles {
		isFlask[f] = true
	}
	for _, name := range preferredEntries {
		if isFlask[name] {
			return name, true
		}
	}
	for _, f := range flaskFiles {
		data, err := fs.ReadFile(root, f)
		if err != nil {
			continue
		}
		if appAssignRe.Match(data) || strings.Contains(string(data), "app.run(") {
			return f, true
		}
	}
	return "", false
}

// FindTemplates returns every .html file below a templates directory.
func FindTemplates(root fs.FS) ([]string, error) {
	return findFiles(root, func(name string) bool {
		return hasExt(".html", ".htm")(name) && strings.Contains("/"+name, "/templates/")
	})
}

type signal struct {
	name   string
	needle string
	points int
}

func check(name string, passed bool, points int, msg string) models.ValidationResult {
	r := models.ValidationResult{Name: name, Passed: passed, MaxPoints: points, Message: msg}
	if passed {
		r.Points = points
	}
	return r
}

// GenericChecks runs the rule-free Flask heuristics over a project tree.
func GenericChecks(root fs.FS) Report {
	var rep Report

	flaskFiles, err := FindFlaskFiles(root)
	if err != nil {
		rep.add(models.ValidationResult{Name: "Flask files", MaxPoints: 15, Message: err.Error(), HardError: true})
		return rep
	}
	rep.add(check("Flask files", len(flaskFiles) > 0, 15, fmt.Sprintf("found %d Flask file(s)", len(flaskFiles))))

	mainApp, ok := FindMainApp(root)
	rep.add(check("Main application", ok, 10, mainAppMessage(mainApp, ok)))

	reqs, _ := findFiles(root, func(name string) bool {
		base := path.Base(name)
		return strings.HasSuffix(base, ".txt") && (strings.HasPrefix(base, "requirements") || strings.HasPrefix(base, "dependencies"))
	})
	reqResult := check("Requirements file", len(reqs) > 0, 5, strings.Join(reqs, ", "))
	if len(reqs) == 0 {
		reqResult.Message = "no requirements file found"
	}
	rep.add(reqResult)

	templates, _ := FindTemplates(root)
	tplResult := check("Templates", len(templates) > 0, 10, fmt.Sprintf("found %d template(s)", len(templates)))
	if len(templates) == 0 {
		tplResult.Message = "no templates directory found"
	}
	rep.add(tplResult)

	src := concatSources(root, flaskFiles)

	signals := []signal{
		{"Imports flask", "from flask import", 8},
		{"Creates Flask app", "Flask(", 5},
		{"Uses render_template", "render_template", 5},
		{"Uses request", "request", 3},
		{"Uses redirect", "redirect", 3},
		{"Uses flask_sqlalchemy", "flask_sqlalchemy", 5},
		{"Uses werkzeug.security", "werkzeug.security", 5},
		{"Hashes passwords", "generate_password_hash", 3},
		{"Checks password hashes", "check_password_hash", 3},
		{"Uses session", "session[", 8},
		{"Branches on request.method", "request.method", 5},
		{"Reads form fields", "request.form[", 5},
		{"Flashes messages", "flash(", 3},
		{"Sets SECRET_KEY", "SECRET_KEY", 5},
		{"Runs the app", "app.run(", 5},
		{"Creates tables", "create_all()", 5},
	}
	for _, s := range signals {
		found := strings.Contains(src, s.needle)
		msg := fmt.Sprintf("found %q", s.needle)
		if !found {
			msg = fmt.Sprintf("%q not found", s.needle)
		}
		rep.add(check(s.name, found, s.points, msg))
	}

	patterns := []struct {
		name   string
		re     *regexp.Regexp
		points int
	}{
		{"Route decorators", routeDecorRe, 10},
		{"View functions", viewFuncRe, 5},
		{"Returns render_template", renderRetRe, 5},
		{"Returns redirect", redirectRetRe, 3},
	}
	for _, p := range patterns {
		n := len(p.re.FindAllStringIndex(src, -1))
		rep.add(check(p.name, n > 0, p.points, fmt.Sprintf("%d match(es)", n)))
	}

	var missing []string
	refs := templateRefRe.FindAllStringSubmatch(src, -1)
	seen := map[string]bool{}
	for _, m := range refs {
		ref := m[1]
		if seen[ref] {
			continue
		}
		seen[ref] = true
		if !templateExists(root, templates, ref) {
			missing = append(missing, ref)
		}
	}
	if len(refs) > 0 {
		r := check("Template references", len(missing) == 0, 5, fmt.Sprintf("%d template reference(s) resolved", len(seen)))
		if len(missing) > 0 {
			r.Message = "missing templates: " + strings.Join(missing, ", ")
			r.HardError = true
		}
		rep.add(r)
	}

	rep.finish()
	return rep
}

func templateExists(root fs.FS, templates []string, ref string) bool {
	for _, t := range templates {
		if strings.HasSuffix(t, "templates/"+ref) {
			return true
		}
	}
	return exists(root, path.Join("templates", ref))
}

func mainAppMessage(name string, ok bool) string {
	if !ok {
		return "no main Flask application file found"
	}
	return "main application: " + name
}
