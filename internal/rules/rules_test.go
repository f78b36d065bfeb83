package rules

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/spachava753/flaskgrader/internal/models"
)

const appPy = `from flask import Flask, render_template, request, redirect, session
from werkzeug.security import generate_password_hash

app = Flask(__name__)
app.config["SECRET_KEY"] = "dev"

@app.route('/')
def index():
    return render_template('index.html')

@app.route("/login", methods=["GET", "POST"])
def login():
    if request.method == "POST":
        session["user"] = request.form["username"]
        return redirect("/")
    return render_template("login.html")

if __name__ == "__main__":
    app.run(debug=True)
`

const indexHTML = `<!DOCTYPE html>
<html>
<head><title>Home</title></head>
<body>
  <div class="container main">
    <h1>Welcome</h1>
    <form action="/login" method="post">
      <input type="text" name="username" class="form-control">
      <input type="password" name="password">
      <button type="submit" class="btn btn-primary">Login</button>
    </form>
  </div>
</body>
</html>
`

func project() fstest.MapFS {
	return fstest.MapFS{
		"app.py":               {Data: []byte(appPy)},
		"requirements.txt":     {Data: []byte("Flask==3.0.0\nflask-sqlalchemy\n")},
		"templates/index.html": {Data: []byte(indexHTML)},
		"templates/login.html": {Data: []byte("<form><input name=\"username\"></form>")},
		"instance/app.db":      {Data: []byte("SQLite format 3\x00")},
		"static/js/app.js":     {Data: []byte("function toggleMenu() {}\nconst save = (x) => x;\n")},
	}
}

func TestStructureMissingEntryFile(t *testing.T) {
	fsys := project()
	delete(fsys, "app.py")

	rep := New(nil).EvaluateAll(models.RuleSet{{
		Type:   models.RuleStructure,
		Paths:  []string{"app.py", "templates/"},
		Points: 10,
	}}, fsys)

	if rep.Success() {
		t.Fatal("expected static validation to fail")
	}
	if rep.Score != 0 || rep.MaxScore != 10 {
		t.Errorf("expected 0/10, got %d/%d", rep.Score, rep.MaxScore)
	}
	if !strings.Contains(rep.Message, "app.py") {
		t.Errorf("expected message to name app.py, got %q", rep.Message)
	}
}

func TestHTMLContentPasses(t *testing.T) {
	r := models.Rule{Type: models.RuleHTML, File: "templates/index.html", MustHaveContent: []string{"Welcome"}, Points: 10}

	res := New(nil).Evaluate(r, project())
	if !res.Passed || res.Points != 10 || res.MaxPoints != 10 {
		t.Fatalf("expected full points, got %+v", res)
	}
}

func TestHTMLRule(t *testing.T) {
	tests := []struct {
		name     string
		rule     models.Rule
		passed   bool
		hard     bool
		contains string
	}{
		{
			name:     "missing file field",
			rule:     models.Rule{Type: models.RuleHTML, MustHaveContent: []string{"x"}, Points: 5},
			hard:     true,
			contains: "missing the 'file' field",
		},
		{
			name:     "file not found",
			rule:     models.Rule{Type: models.RuleHTML, File: "templates/nope.html", Points: 5},
			hard:     true,
			contains: "templates/nope.html",
		},
		{
			name: "all categories present",
			rule: models.Rule{
				Type:             models.RuleHTML,
				File:             "./templates/index.html",
				MustHaveElements: []string{"form", "button.btn-primary", "input[type=password]"},
				MustHaveClasses:  []string{"container"},
				MustHaveContent:  []string{"Welcome"},
				MustHaveInputs:   []string{"username", "password"},
				Points:           10,
			},
			passed: true,
		},
		{
			name: "every failing category reported",
			rule: models.Rule{
				Type:             models.RuleHTML,
				File:             "templates/index.html",
				MustHaveElements: []string{"table"},
				MustHaveClasses:  []string{"navbar"},
				MustHaveContent:  []string{"Goodbye"},
				MustHaveInputs:   []string{"email"},
				Points:           10,
			},
			contains: "missing elements: table; missing classes: navbar; missing content: Goodbye; missing inputs: email",
		},
	}

	in := New(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := in.Evaluate(tt.rule, project())
			if res.Passed != tt.passed {
				t.Fatalf("passed = %v, want %v (%s)", res.Passed, tt.passed, res.Message)
			}
			if res.HardError != tt.hard {
				t.Errorf("hard error = %v, want %v", res.HardError, tt.hard)
			}
			if tt.contains != "" && !strings.Contains(res.Message, tt.contains) {
				t.Errorf("message %q does not contain %q", res.Message, tt.contains)
			}
			if !res.Passed && res.Points != 0 {
				t.Errorf("failed rule awarded %d points", res.Points)
			}
		})
	}
}

func TestMatchers(t *testing.T) {
	matchers := map[string]ElementMatcher{"regex": RegexMatcher{}, "dom": DOMMatcher{}}
	elements := map[string]bool{
		"form":                 true,
		"button.btn-primary":   true,
		"input[type=password]": true,
		"div.container":        true,
		"input[name=email]":    false,
		"section":              false,
		"div.navbar":           false,
	}

	for name, m := range matchers {
		t.Run(name, func(t *testing.T) {
			for pattern, want := range elements {
				if got := m.HasElement(indexHTML, pattern); got != want {
					t.Errorf("HasElement(%q) = %v, want %v", pattern, got, want)
				}
			}
			if !m.HasClass(indexHTML, "main") || m.HasClass(indexHTML, "missing") {
				t.Error("HasClass mismatch")
			}
			if !m.HasInput(indexHTML, "username") || m.HasInput(indexHTML, "email") {
				t.Error("HasInput mismatch")
			}
		})
	}
}

func TestClassMatchesOnWordBoundary(t *testing.T) {
	doc := `<button class="btn-primary">Go</button>`
	matchers := map[string]ElementMatcher{"regex": RegexMatcher{}, "dom": DOMMatcher{}}
	for name, m := range matchers {
		t.Run(name, func(t *testing.T) {
			if !m.HasClass(doc, "btn") {
				t.Error("expected btn to match btn-primary")
			}
			if !m.HasElement(doc, "button.btn") {
				t.Error("expected button.btn to match btn-primary")
			}
			if m.HasClass(doc, "bt") {
				t.Error("expected bt not to match inside a word")
			}
		})
	}

	rule := models.Rule{Type: models.RuleHTML, File: "index.html", MustHaveClasses: []string{"btn"}, Points: 5}
	res := New(DOMMatcher{}).Evaluate(rule, fstest.MapFS{"index.html": {Data: []byte(doc)}})
	if !res.Passed {
		t.Errorf("expected html rule to pass with the parser matcher, got %q", res.Message)
	}
}

func TestSyntaxCheck(t *testing.T) {
	tests := []struct {
		doc  string
		want []string
	}{
		{"<html><body><div></div></body></html>", nil},
		{"<img src=x><br/><input name=a><hr>", nil},
		{"<div><p>text</div>", nil},
		{"<ul><li>one<li>two</ul>", nil},
		{"<div><span>text</div>", []string{"<span> closed by </div>"}},
		{"<div>", []string{"unclosed <div>"}},
		{"</section>", []string{"unexpected closing tag </section>"}},
	}

	for _, tt := range tests {
		t.Run(tt.doc, func(t *testing.T) {
			got := SyntaxCheck(tt.doc)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SyntaxCheck = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSyntaxScoredSeparately(t *testing.T) {
	fsys := project()
	fsys["templates/broken.html"] = &fstest.MapFile{Data: []byte("<div><h1>Welcome</div>")}

	rep := New(nil).EvaluateAll(models.RuleSet{{
		Type:            models.RuleHTML,
		File:            "templates/broken.html",
		MustHaveContent: []string{"Welcome"},
		Points:          10,
		SyntaxPoints:    5,
	}}, fsys)

	if len(rep.Results) != 2 {
		t.Fatalf("expected rule and syntax results, got %d", len(rep.Results))
	}
	if !rep.Results[0].Passed || rep.Results[1].Passed {
		t.Errorf("expected content pass and syntax fail, got %+v", rep.Results)
	}
	if !rep.Success() {
		t.Error("syntax problems must not make static validation unsuccessful")
	}
	if rep.Score != 10 || rep.MaxScore != 15 {
		t.Errorf("expected 10/15, got %d/%d", rep.Score, rep.MaxScore)
	}
	if len(rep.Warnings) != 1 {
		t.Errorf("expected one warning, got %v", rep.Warnings)
	}
}

func TestStructurePathsFromChecks(t *testing.T) {
	r := models.Rule{Type: models.RuleStructure, Checks: []string{
		"Create app.py in the root",
		"Add a templates folder",
		"static/css/style.css should exist",
	}}
	want := []string{"app.py", "templates", "static/css/style.css"}
	if got := StructurePaths(r); !reflect.DeepEqual(got, want) {
		t.Errorf("StructurePaths = %v, want %v", got, want)
	}
}

func TestStructureWithoutPathsNeedsMainApp(t *testing.T) {
	r := models.Rule{Type: models.RuleStructure, Points: 10}
	if res := New(nil).Evaluate(r, project()); !res.Passed {
		t.Errorf("expected pass with app.py present: %s", res.Message)
	}
	if res := New(nil).Evaluate(r, fstest.MapFS{"README.md": {}}); res.Passed || !res.HardError {
		t.Errorf("expected hard failure without an app, got %+v", res)
	}
}

func TestOtherRuleTypes(t *testing.T) {
	mustExist, optional := true, false
	tests := []struct {
		name   string
		rule   models.Rule
		passed bool
		hard   bool
	}{
		{"requirements case-insensitive", models.Rule{Type: models.RuleRequirements, MustHavePackages: []string{"flask", "Flask-SQLAlchemy"}}, true, false},
		{"requirements missing package", models.Rule{Type: models.RuleRequirements, MustHavePackages: []string{"requests"}}, false, false},
		{"requirements missing file", models.Rule{Type: models.RuleRequirements, File: "deps.txt", MustHavePackages: []string{"flask"}}, false, true},
		{"database discovered", models.Rule{Type: models.RuleDatabase, MustExist: &mustExist}, true, false},
		{"database named file missing", models.Rule{Type: models.RuleDatabase, File: "db.sqlite", MustExist: &mustExist}, false, true},
		{"database not required", models.Rule{Type: models.RuleDatabase, File: "db.sqlite", MustExist: &optional}, true, false},
		{"security present", models.Rule{Type: models.RuleSecurity, File: "app.py", MustHaveSecurity: []string{"password hashing", "Secret Key", "session management"}}, true, false},
		{"security missing csrf", models.Rule{Type: models.RuleSecurity, MustHaveSecurity: []string{"csrf protection"}}, false, false},
		{"runtime routes", models.Rule{Type: models.RuleRuntime, File: "app.py", MustHaveRoutes: []string{"/", "/login"}}, true, false},
		{"runtime missing route", models.Rule{Type: models.RuleRuntime, MustHaveRoutes: []string{"/logout"}}, false, false},
	}

	in := New(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.rule.Points = 5
			res := in.Evaluate(tt.rule, project())
			if res.Passed != tt.passed || res.HardError != tt.hard {
				t.Errorf("got passed=%v hard=%v (%s), want passed=%v hard=%v", res.Passed, res.HardError, res.Message, tt.passed, tt.hard)
			}
		})
	}
}

func TestBoilerplate(t *testing.T) {
	fsys := project()
	fsys["templates/base.html"] = &fstest.MapFile{Data: []byte(`<html><body>
<div class="container"><nav class="navbar"><a href="/">Home</a></nav><main><h1>Title</h1></main></div>
</body></html>`)}

	in := New(nil)
	ok := models.Rule{
		Type:              models.RuleBoilerplate,
		File:              "templates/base.html",
		ExpectedStructure: json.RawMessage(`{"div": {"class": "container", "nav": {"class": "navbar"}, "main": {"h1": {"text": "Title"}}}}`),
		RequiredClasses:   []string{"navbar"},
		RequiredFunctions: []string{"toggleMenu", "save()"},
		Points:            30,
	}
	if res := in.Evaluate(ok, fsys); !res.Passed || res.Points != 30 {
		t.Fatalf("expected boilerplate to pass, got %+v", res)
	}

	bad := ok
	bad.ExpectedStructure = json.RawMessage(`{"div": {"class": "container", "footer": {}}}`)
	bad.RequiredFunctions = []string{"deleteItem"}
	res := in.Evaluate(bad, fsys)
	if res.Passed {
		t.Fatal("expected boilerplate mismatch")
	}
	if !strings.Contains(res.Message, "<footer> not found") {
		t.Errorf("expected deepest mismatch to name footer, got %q", res.Message)
	}
	if !strings.Contains(res.Message, "deleteItem") {
		t.Errorf("expected missing function in message, got %q", res.Message)
	}
}

func TestParseStructureKeepsOrder(t *testing.T) {
	nodes, err := ParseStructure(json.RawMessage(`{"header": {}, "main": {"id": "content", "section": {}}, "footer": null}`))
	if err != nil {
		t.Fatalf("ParseStructure: %v", err)
	}
	var tags []string
	for _, n := range nodes {
		tags = append(tags, n.Tag)
	}
	if !reflect.DeepEqual(tags, []string{"header", "main", "footer"}) {
		t.Errorf("unexpected order %v", tags)
	}
	main := nodes[1]
	if len(main.Attrs) != 1 || main.Attrs[0] != (StructAttr{Key: "id", Value: "content"}) {
		t.Errorf("unexpected attrs %+v", main.Attrs)
	}
	if len(main.Children) != 1 || main.Children[0].Tag != "section" {
		t.Errorf("unexpected children %+v", main.Children)
	}
}

func TestMalformedRules(t *testing.T) {
	var rs models.RuleSet
	if err := json.Unmarshal([]byte(`[{"type": "html", "points": "ten"}, {"type": "css", "points": 3}]`), &rs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	rep := New(nil).EvaluateAll(rs, project())
	if len(rep.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(rep.Results))
	}
	for _, r := range rep.Results {
		if r.Passed || !r.HardError || !strings.HasPrefix(r.Name, "Rule execution error") {
			t.Errorf("expected rule execution error, got %+v", r)
		}
	}
	if !strings.Contains(rep.Results[1].Message, `unknown rule type "css"`) {
		t.Errorf("unexpected message %q", rep.Results[1].Message)
	}
}

func TestEvaluateIdempotent(t *testing.T) {
	fsys := project()
	in := New(nil)
	rules := models.RuleSet{
		{Type: models.RuleHTML, File: "templates/index.html", MustHaveElements: []string{"form", "table"}, Points: 10},
		{Type: models.RuleSecurity, MustHaveSecurity: []string{"password hashing", "csrf protection"}, Points: 15},
		{Type: models.RuleStructure, Checks: []string{"app.py and templates/ exist"}, Points: 10},
	}
	first := in.EvaluateAll(rules, fsys)
	second := in.EvaluateAll(rules, fsys)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("repeated evaluation differs:\n%+v\n%+v", first, second)
	}
	if first.Score > first.MaxScore {
		t.Errorf("score %d exceeds max %d", first.Score, first.MaxScore)
	}
}

func TestFindMainApp(t *testing.T) {
	tests := []struct {
		name string
		fsys fstest.MapFS
		want string
		ok   bool
	}{
		{"prefers app.py", project(), "app.py", true},
		{"preferred order", fstest.MapFS{
			"run.py":  {Data: []byte("from flask import Flask\n")},
			"main.py": {Data: []byte("from flask import Flask\n")},
		}, "main.py", true},
		{"falls back to app assignment", fstest.MapFS{
			"helpers.py":        {Data: []byte("from flask import Flask\n")},
			"src/web_server.py": {Data: []byte("from flask import Flask\napp = Flask(__name__)\n")},
		}, "src/web_server.py", true},
		{"no flask", fstest.MapFS{"main.py": {Data: []byte("print('hi')\n")}}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FindMainApp(tt.fsys)
			if got != tt.want || ok != tt.ok {
				t.Errorf("FindMainApp = %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestGenericChecks(t *testing.T) {
	rep := GenericChecks(project())
	if !rep.Success() {
		t.Fatalf("expected no errors, got %v", rep.Errors)
	}
	byName := map[string]models.ValidationResult{}
	for _, r := range rep.Results {
		byName[r.Name] = r
	}
	for _, name := range []string{"Flask files", "Main application", "Requirements file", "Templates", "Route decorators", "Sets SECRET_KEY", "Template references"} {
		if !byName[name].Passed {
			t.Errorf("expected %s to pass: %+v", name, byName[name])
		}
	}
	if byName["Creates tables"].Passed {
		t.Error("expected create_all() check to fail")
	}

	fsys := project()
	delete(fsys, "templates/login.html")
	rep = GenericChecks(fsys)
	if rep.Success() {
		t.Fatal("expected missing template reference to be an error")
	}
	if !strings.Contains(strings.Join(rep.Errors, "\n"), "login.html") {
		t.Errorf("expected login.html in errors, got %v", rep.Errors)
	}
}

func TestLint(t *testing.T) {
	for _, rt := range models.RuleTypes {
		r, err := Template(rt)
		if err != nil {
			t.Fatalf("Template(%s): %v", rt, err)
		}
		if problems := Lint(r); len(problems) != 0 {
			t.Errorf("template for %s has lint problems: %v", rt, problems)
		}
	}

	problems := Lint(models.Rule{Type: models.RuleSecurity, MustHaveSecurity: []string{"magic"}})
	joined := strings.Join(problems, "\n")
	for _, want := range []string{"file", "points", `unknown security feature "magic"`} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected %q in lint output %v", want, problems)
		}
	}

	if _, err := Template("css"); err == nil {
		t.Error("expected error for unknown template type")
	}
}
