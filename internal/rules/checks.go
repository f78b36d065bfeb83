package rules

import (
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"strings"

	"github.com/spachava753/flaskgrader/internal/models"
)

func (in *Interpreter) checkHTML(r models.Rule, root fs.FS) models.ValidationResult {
	if r.File == "" {
		return hardFail(r, "html rule is missing the 'file' field")
	}
	doc, err := readFile(root, r.File)
	if err != nil {
		return hardFail(r, fmt.Sprintf("cannot read %s: %v", r.File, err))
	}

	var problems []string
	collect := func(label string, items []string, present func(string) bool) {
		var missing []string
		for _, it := range items {
			if !present(it) {
				missing = append(missing, it)
			}
		}
		if len(missing) > 0 {
			problems = append(problems, fmt.Sprintf("missing %s: %s", label, strings.Join(missing, ", ")))
		}
	}
	collect("elements", r.MustHaveElements, func(p string) bool { return in.matcher.HasElement(doc, p) })
	collect("classes", r.MustHaveClasses, func(c string) bool { return in.matcher.HasClass(doc, c) })
	collect("content", r.MustHaveContent, func(s string) bool { return strings.Contains(doc, s) })
	collect("inputs", r.MustHaveInputs, func(n string) bool { return in.matcher.HasInput(doc, n) })

	if len(problems) > 0 {
		return fail(r, strings.Join(problems, "; "))
	}
	n := len(r.MustHaveElements) + len(r.MustHaveClasses) + len(r.MustHaveContent) + len(r.MustHaveInputs)
	return pass(r, fmt.Sprintf("%s: all %d HTML checks passed", r.File, n))
}

var (
	pathTokenRe = regexp.MustCompile(`^[\w\-]+\.[A-Za-z0-9]{1,5}$`)
	dirWords    = map[string]bool{"folder": true, "directory": true, "dir": true}
)

// StructurePaths resolves the paths a structure rule requires: the explicit
// paths list, or else path-like tokens picked out of the free-text checks.
func StructurePaths(r models.Rule) []string {
	if len(r.Paths) > 0 {
		return r.Paths
	}
	var out []string
	seen := map[string]bool{}
	addPath := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, c := range r.Checks {
		words := strings.Fields(c)
		for i, w := range words {
			tok := strings.Trim(w, "\"'`,;:()[]")
			if strings.Contains(tok, "://") {
				continue
			}
			tok = strings.TrimSuffix(tok, ".")
			switch {
			case strings.Contains(tok, "/"):
				addPath(tok)
			case pathTokenRe.MatchString(tok):
				addPath(tok)
			case i+1 < len(words) && dirWords[strings.ToLower(strings.Trim(words[i+1], ".,;:"))]:
				addPath(tok)
			}
		}
	}
	return out
}

func (in *Interpreter) checkStructure(r models.Rule, root fs.FS) models.ValidationResult {
	paths := StructurePaths(r)
	if len(paths) == 0 {
		if name, ok := FindMainApp(root); ok {
			return pass(r, "main application found: "+name)
		}
		return hardFail(r, "no main Flask application file found (expected app.py)")
	}

	var missing []string
	for _, p := range paths {
		if !exists(root, p) {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return hardFail(r, "missing required paths: "+strings.Join(missing, ", "))
	}
	return pass(r, fmt.Sprintf("all %d required paths present", len(paths)))
}

func (in *Interpreter) checkRequirements(r models.Rule, root fs.FS) models.ValidationResult {
	file := r.File
	if file == "" {
		file = "requirements.txt"
	}
	text, err := readFile(root, file)
	if err != nil {
		return hardFail(r, fmt.Sprintf("requirements file not found: %s", file))
	}
	lower := strings.ToLower(text)

	var missing []string
	for _, pkg := range r.MustHavePackages {
		if !strings.Contains(lower, strings.ToLower(pkg)) {
			missing = append(missing, pkg)
		}
	}
	if len(missing) > 0 {
		return fail(r, "missing packages: "+strings.Join(missing, ", "))
	}
	return pass(r, fmt.Sprintf("%s lists all %d required packages", file, len(r.MustHavePackages)))
}

var databaseExt = hasExt(".db", ".sqlite", ".sqlite3")

func (in *Interpreter) checkDatabase(r models.Rule, root fs.FS) models.ValidationResult {
	if !r.RequiresExistence() {
		return pass(r, "database presence not required")
	}
	if r.File != "" {
		if exists(root, r.File) {
			return pass(r, "database file found: "+r.File)
		}
		return hardFail(r, "database file not found: "+r.File)
	}
	dbs, err := findFiles(root, databaseExt)
	if err != nil {
		return hardFail(r, fmt.Sprintf("searching for database files: %v", err))
	}
	if len(dbs) == 0 {
		return hardFail(r, "no database file (*.db, *.sqlite, *.sqlite3) found")
	}
	return pass(r, "database file found: "+dbs[0])
}

// securitySignatures maps each security feature to source substrings any of
// which counts as evidence of it.
var securitySignatures = map[string][]string{
	"password hashing":   {"generate_password_hash", "check_password_hash", "bcrypt", "hashpw", "pbkdf2"},
	"session management": {"session[", "session.get(", "login_user", "flask_login"},
	"user validation":    {"check_password_hash", "login_required", "current_user", ".query.filter_by("},
	"secret key":         {"SECRET_KEY", "secret_key"},
	"csrf protection":    {"CSRFProtect", "csrf_token", "flask_wtf"},
	"input validation":   {"request.form.get(", ".strip(", "validators.", "if not "},
	"error handling":     {"try:", "except", "errorhandler", "abort("},
}

// SecurityFeatures is the vocabulary accepted by mustHaveSecurity.
var SecurityFeatures = []string{
	"password hashing",
	"session management",
	"user validation",
	"secret key",
	"csrf protection",
	"input validation",
	"error handling",
}

// pythonSource returns the rule's file, or every Python file when no file is
// named.
func pythonSource(r models.Rule, root fs.FS) (string, string, error) {
	if r.File != "" {
		src, err := readFile(root, r.File)
		return src, r.File, err
	}
	files, err := findFiles(root, hasExt(".py"))
	if err != nil {
		return "", "", err
	}
	return concatSources(root, files), fmt.Sprintf("%d Python file(s)", len(files)), nil
}

func (in *Interpreter) checkSecurity(r models.Rule, root fs.FS) models.ValidationResult {
	src, where, err := pythonSource(r, root)
	if err != nil {
		return hardFail(r, fmt.Sprintf("cannot read source: %v", err))
	}

	var missing []string
	for _, feature := range r.MustHaveSecurity {
		sigs, ok := securitySignatures[strings.ToLower(strings.TrimSpace(feature))]
		if !ok {
			sigs = []string{feature}
		}
		found := false
		for _, s := range sigs {
			if strings.Contains(src, s) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, feature)
		}
	}
	if len(missing) > 0 {
		return fail(r, "missing security features: "+strings.Join(missing, ", "))
	}
	return pass(r, fmt.Sprintf("%s: all %d security features present", where, len(r.MustHaveSecurity)))
}

func routeRe(route string) *regexp.Regexp {
	return regexp.MustCompile(`@\w+\.route\(\s*['"]` + regexp.QuoteMeta(route) + `['"]`)
}

func (in *Interpreter) checkRuntime(r models.Rule, root fs.FS) models.ValidationResult {
	src, where, err := pythonSource(r, root)
	if err != nil {
		return hardFail(r, fmt.Sprintf("cannot read source: %v", err))
	}
	var missing []string
	for _, route := range r.MustHaveRoutes {
		if !routeRe(route).MatchString(src) {
			missing = append(missing, route)
		}
	}
	if len(missing) > 0 {
		return fail(r, "missing routes: "+strings.Join(missing, ", "))
	}
	return pass(r, fmt.Sprintf("%s: all %d routes declared", where, len(r.MustHaveRoutes)))
}

const (
	jsFuncDeclRe = `function\s+%s\s*\(`
	jsFuncExprRe = `\b%s\s*=\s*(?:function\b|async\b|\([^)]*\)\s*=>|\w+\s*=>)`
)

func (in *Interpreter) checkBoilerplate(r models.Rule, root fs.FS) models.ValidationResult {
	if r.File == "" {
		return hardFail(r, "boilerplate rule is missing the 'file' field")
	}
	doc, err := readFile(root, r.File)
	if err != nil {
		return hardFail(r, fmt.Sprintf("cannot read %s: %v", r.File, err))
	}

	var problems []string
	if len(r.ExpectedStructure) > 0 {
		spec, err := ParseStructure(r.ExpectedStructure)
		if err != nil {
			return hardFail(r, fmt.Sprintf("invalid expected_structure: %v", err))
		}
		if mismatch := MatchStructure(doc, spec); mismatch != "" {
			problems = append(problems, "structure mismatch: "+mismatch)
		}
	}

	var missingClasses []string
	for _, c := range r.RequiredClasses {
		if !in.matcher.HasClass(doc, c) {
			missingClasses = append(missingClasses, c)
		}
	}
	if len(missingClasses) > 0 {
		problems = append(problems, "missing classes: "+strings.Join(missingClasses, ", "))
	}

	if len(r.RequiredFunctions) > 0 {
		jsFiles, _ := findFiles(root, hasExt(".js"))
		js := concatSources(root, jsFiles)
		var missingFuncs []string
		for _, fn := range r.RequiredFunctions {
			name := regexp.QuoteMeta(strings.TrimSuffix(strings.TrimSpace(fn), "()"))
			decl := regexp.MustCompile(fmt.Sprintf(jsFuncDeclRe, name))
			expr := regexp.MustCompile(fmt.Sprintf(jsFuncExprRe, name))
			if !decl.MatchString(js) && !expr.MatchString(js) {
				missingFuncs = append(missingFuncs, fn)
			}
		}
		if len(missingFuncs) > 0 {
			where := "no .js files found"
			if len(jsFiles) > 0 {
				where = "searched " + strings.Join(baseNames(jsFiles), ", ")
			}
			problems = append(problems, fmt.Sprintf("missing JavaScript functions: %s (%s)", strings.Join(missingFuncs, ", "), where))
		}
	}

	if len(problems) > 0 {
		return fail(r, strings.Join(problems, "; "))
	}
	return pass(r, r.File+": boilerplate matches")
}

func baseNames(files []string) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = path.Base(f)
	}
	return out
}
