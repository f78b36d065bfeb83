package grader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/spachava753/flaskgrader/internal/browser"
	"github.com/spachava753/flaskgrader/internal/config"
	"github.com/spachava753/flaskgrader/internal/environment"
	"github.com/spachava753/flaskgrader/internal/models"
	"github.com/spachava753/flaskgrader/internal/progress"
	"github.com/spachava753/flaskgrader/internal/records"
)

const appPy = `from flask import Flask, render_template, request, redirect

app = Flask(__name__)

@app.route("/")
def index():
    return render_template("index.html")

@app.route("/add", methods=["POST"])
def add():
    return redirect("/")

if __name__ == "__main__":
    app.run()
`

const indexHTML = `<!DOCTYPE html>
<html><head><title>Blog</title></head>
<body><h1>Welcome</h1></body></html>
`

// fakeApp serves a test HTTP server in place of a student process.
type fakeApp struct {
	url     string
	exited  chan struct{}
	exitErr error
	stopped bool
	mu      sync.Mutex
}

func (a *fakeApp) ID() string              { return "fake" }
func (a *fakeApp) BaseURL() string         { return a.url }
func (a *fakeApp) Exited() <-chan struct{} { return a.exited }
func (a *fakeApp) ExitErr() error          { return a.exitErr }
func (a *fakeApp) Stop(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	return nil
}

type fakeProvider struct {
	url     string
	exitErr error
	startFn func()
	mu      sync.Mutex
	apps    []*fakeApp
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Start(_ context.Context, opts environment.StartOptions) (environment.App, error) {
	if p.startFn != nil {
		p.startFn()
	}
	app := &fakeApp{url: p.url, exited: make(chan struct{}), exitErr: p.exitErr}
	if p.exitErr != nil {
		app.url = "http://127.0.0.1:1"
		close(app.exited)
	}
	p.mu.Lock()
	p.apps = append(p.apps, app)
	p.mu.Unlock()
	return app, nil
}

type fakePage struct {
	texts map[string][]string
}

func (p *fakePage) Navigate(context.Context, string) (int, error)    { return http.StatusOK, nil }
func (p *fakePage) Fill(context.Context, string, string) error       { return nil }
func (p *fakePage) Click(context.Context, string) error              { return nil }
func (p *fakePage) Count(_ context.Context, sel string) (int, error) { return len(p.texts[sel]), nil }
func (p *fakePage) Texts(_ context.Context, sel string) ([]string, error) {
	return p.texts[sel], nil
}
func (p *fakePage) Content(context.Context) (string, error) { return indexHTML, nil }
func (p *fakePage) URL(context.Context) (string, error)     { return "http://app/", nil }
func (p *fakePage) Title(context.Context) (string, error)   { return "Blog", nil }
func (p *fakePage) Screenshot(_ context.Context, path string) error {
	return os.WriteFile(path, []byte("png"), 0644)
}
func (p *fakePage) Close() error { return nil }

type fakeDriver struct {
	page   *fakePage
	closed bool
}

func (d *fakeDriver) NewPage(context.Context) (browser.Page, error) { return d.page, nil }
func (d *fakeDriver) Close() error {
	d.closed = true
	return nil
}

func testConfig(t *testing.T) models.GraderConfig {
	t.Helper()
	cfg := config.DefaultGraderConfig()
	cfg.LogsDir = filepath.Join(t.TempDir(), "logs")
	cfg.ScreenshotsDir = filepath.Join(cfg.LogsDir, "screenshots")
	cfg.StartupTimeout = 2 * time.Second
	cfg.PollInterval = 20 * time.Millisecond
	cfg.Browser.Settle = 0
	return cfg
}

func writeProject(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func writeZip(t *testing.T, files map[string]string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "submission.zip")
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return p
}

func testProject() *models.ProjectConfig {
	return &models.ProjectConfig{
		Project: "Student Blog",
		Tasks: []models.Task{
			{
				ID:   1,
				Name: "Project skeleton",
				ValidationRules: models.RuleSet{
					{Type: models.RuleStructure, Paths: []string{"app.py", "templates/index.html"}, Points: 10},
				},
				UnlockCondition: models.UnlockCondition{MinScore: 10},
			},
			{
				ID:   2,
				Name: "Home page",
				ValidationRules: models.RuleSet{
					{Type: models.RuleHTML, File: "templates/index.html", MustHaveContent: []string{"Welcome"}, Points: 10},
				},
				UnlockCondition: models.UnlockCondition{MinScore: 10, RequiredTasks: []int{1}},
			},
			{
				ID:            3,
				Name:          "Browser check",
				RequiredFiles: []string{"app.py"},
				PlaywrightTest: &models.BrowserTest{
					Route:    "/",
					Validate: []models.Assertion{{Type: models.AssertTextPresent, Value: "Welcome", Tag: "h1"}},
					Points:   15,
				},
				UnlockCondition: models.UnlockCondition{MinScore: 15, RequiredTasks: []int{1, 2}},
			},
		},
	}
}

func hasErrorType(res *models.TaskResult, t models.ErrorType) bool {
	for _, e := range res.Errors {
		if e.Type == t {
			return true
		}
	}
	return false
}

func TestValidateTaskMissingAppFile(t *testing.T) {
	cfg := testConfig(t)
	store := progress.NewFileStore(cfg.LogsDir)
	v := NewValidator(cfg, &fakeProvider{}, store)
	dir := writeProject(t, map[string]string{"templates/index.html": indexHTML})

	res, err := v.ValidateTask(context.Background(), Request{Project: testProject(), TaskID: 1, StudentID: "alice", Dir: dir})
	if err != nil {
		t.Fatalf("ValidateTask: %v", err)
	}

	if res.StaticValidation.Success {
		t.Error("expected static validation to fail")
	}
	if res.TaskPassed || res.Success {
		t.Error("expected task to fail")
	}
	if !strings.Contains(res.Message, "app.py") {
		t.Errorf("expected message to name app.py, got %q", res.Message)
	}
	if !slices.Contains(res.States, models.StateSkipDynamic) || res.State() != models.StatePersisted {
		t.Errorf("unexpected states %v", res.States)
	}
	if _, err := os.Stat(res.JSONFile); err != nil {
		t.Errorf("expected result JSON: %v", err)
	}
	if len(res.LogTail) == 0 {
		t.Error("expected log tail")
	}

	p, err := store.Get(context.Background(), "alice", "student_blog")
	if err != nil {
		t.Fatal(err)
	}
	if len(p.CompletedTasks) != 0 {
		t.Errorf("failed task must not advance progress, got %v", p.CompletedTasks)
	}
}

func TestValidateTaskArchivePasses(t *testing.T) {
	cfg := testConfig(t)
	store := progress.NewFileStore(cfg.LogsDir)
	recs := records.NewMemoryStore()
	v := NewValidator(cfg, &fakeProvider{}, store, WithRecords(recs))
	archive := writeZip(t, map[string]string{
		"blog/app.py":               appPy,
		"blog/templates/index.html": indexHTML,
	})

	res, err := v.ValidateTask(context.Background(), Request{Project: testProject(), TaskID: 2, StudentID: "alice", Archive: archive})
	if err != nil {
		t.Fatalf("ValidateTask: %v", err)
	}
	if !res.TaskPassed || !res.StaticValidation.Success {
		t.Fatalf("expected pass, got %q (%v)", res.Message, res.ErrorDetails)
	}
	if res.StaticValidation.Score != 10 || res.TotalScore != 10 {
		t.Errorf("expected full points, got static %d total %d", res.StaticValidation.Score, res.TotalScore)
	}
	if res.Message != "Validation completed successfully" {
		t.Errorf("unexpected message %q", res.Message)
	}
	if res.Durations.ExtractSec == nil || res.Durations.AppSec != nil {
		t.Errorf("unexpected durations %+v", res.Durations)
	}

	p, err := store.Get(context.Background(), "alice", "student_blog")
	if err != nil {
		t.Fatal(err)
	}
	if !p.Completed(2) || p.TotalScore != 10 {
		t.Errorf("expected task 2 recorded, got %+v", p)
	}

	list, err := recs.List(context.Background(), records.Filter{StudentID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].TaskID != 2 || !list[0].Passed {
		t.Errorf("unexpected records %+v", list)
	}
}

func TestValidateTaskNamesFailedRuleBelowMinScore(t *testing.T) {
	cfg := testConfig(t)
	v := NewValidator(cfg, &fakeProvider{}, progress.NewFileStore(cfg.LogsDir))
	dir := writeProject(t, map[string]string{
		"app.py":               appPy,
		"templates/index.html": "<html><body><h1>Hello</h1></body></html>",
	})

	res, err := v.ValidateTask(context.Background(), Request{Project: testProject(), TaskID: 2, StudentID: "alice", Dir: dir})
	if err != nil {
		t.Fatalf("ValidateTask: %v", err)
	}
	if !res.StaticValidation.Success {
		t.Errorf("content mismatch must not be a hard error, got %v", res.StaticValidation.Errors)
	}
	if res.TaskPassed {
		t.Fatal("expected task to fail below min_score")
	}
	for _, want := range []string{"missing content: Welcome", "Score 0/10 below required 10"} {
		if !strings.Contains(res.Message, want) {
			t.Errorf("expected message to contain %q, got %q", want, res.Message)
		}
	}
	if !slices.ContainsFunc(res.ErrorDetails, func(d string) bool { return strings.Contains(d, "Welcome") }) {
		t.Errorf("expected failed rule in error details, got %v", res.ErrorDetails)
	}
}

func TestValidateTaskUnknownRuleType(t *testing.T) {
	cfg := testConfig(t)
	v := NewValidator(cfg, &fakeProvider{}, progress.NewFileStore(cfg.LogsDir))
	project := &models.ProjectConfig{
		Project: "Student Blog",
		Tasks: []models.Task{{
			ID:              1,
			Name:            "Mystery",
			ValidationRules: models.RuleSet{{Type: models.RuleType("mystery"), Points: 5}},
		}},
	}

	res, err := v.ValidateTask(context.Background(), Request{Project: project, TaskID: 1, StudentID: "carol", Dir: writeProject(t, map[string]string{"app.py": appPy})})
	if err != nil {
		t.Fatalf("ValidateTask: %v", err)
	}
	if res.TaskPassed || res.StaticValidation.Success {
		t.Error("expected an unusable rule to fail the task")
	}
	if !hasErrorType(res, models.ErrRuleExecutionFailed) {
		t.Errorf("expected rule_execution_failed, got %+v", res.Errors)
	}
	if !strings.Contains(res.Message, `unknown rule type "mystery"`) {
		t.Errorf("unexpected message %q", res.Message)
	}
}

func TestValidateTaskTaskNotFound(t *testing.T) {
	cfg := testConfig(t)
	v := NewValidator(cfg, &fakeProvider{}, progress.NewFileStore(cfg.LogsDir))

	res, err := v.ValidateTask(context.Background(), Request{Project: testProject(), TaskID: 42, StudentID: "bob", Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("ValidateTask: %v", err)
	}
	if res.TaskPassed || !hasErrorType(res, models.ErrTaskNotFound) {
		t.Errorf("expected task_not_found failure, got %+v", res.Errors)
	}
}

func TestValidateTaskBrowser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(indexHTML))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	provider := &fakeProvider{url: srv.URL}
	driver := &fakeDriver{page: &fakePage{texts: map[string][]string{"h1": {"Welcome"}}}}
	v := NewValidator(cfg, provider, progress.NewFileStore(cfg.LogsDir),
		WithDriverFactory(func(context.Context) (browser.Driver, error) { return driver, nil }))
	dir := writeProject(t, map[string]string{"app.py": appPy, "templates/index.html": indexHTML})

	res, err := v.ValidateTask(context.Background(), Request{Project: testProject(), TaskID: 3, StudentID: "carol", Dir: dir})
	if err != nil {
		t.Fatalf("ValidateTask: %v", err)
	}

	pw := res.PlaywrightValidation
	if !pw.Success || pw.Score != 15 || pw.MaxScore != 15 {
		t.Fatalf("unexpected browser validation %+v", pw)
	}
	if res.TotalScore != 15 || !res.TaskPassed {
		t.Errorf("expected 15 points and a pass, got %d (%s)", res.TotalScore, res.Message)
	}
	if len(res.Screenshots) == 0 {
		t.Error("expected screenshots")
	}
	for _, s := range []models.RunState{models.StateAppStarting, models.StateAppReady, models.StateBrowserValidating} {
		if !slices.Contains(res.States, s) {
			t.Errorf("missing state %s in %v", s, res.States)
		}
	}
	if len(provider.apps) != 1 || !provider.apps[0].stopped {
		t.Error("expected the app to be stopped")
	}
	if !driver.closed {
		t.Error("expected the browser to be closed")
	}
}

func TestValidateTaskAppExited(t *testing.T) {
	cfg := testConfig(t)
	cfg.StartupTimeout = 10 * time.Second
	v := NewValidator(cfg, &fakeProvider{exitErr: errors.New("exit status 1")}, progress.NewFileStore(cfg.LogsDir))
	dir := writeProject(t, map[string]string{"app.py": appPy})

	start := time.Now()
	res, err := v.ValidateTask(context.Background(), Request{Project: testProject(), TaskID: 3, StudentID: "dave", Dir: dir})
	if err != nil {
		t.Fatalf("ValidateTask: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("reachability wait did not stop when the app exited")
	}

	if !hasErrorType(res, models.ErrAppExited) {
		t.Errorf("expected app_exited, got %+v", res.Errors)
	}
	if !strings.Contains(res.Message, "did not start") {
		t.Errorf("unexpected message %q", res.Message)
	}
	if len(res.StaticValidation.Results) == 0 || !res.StaticValidation.Success {
		t.Errorf("static results should be unaffected, got %+v", res.StaticValidation)
	}
	if res.PlaywrightValidation.Score != 0 || res.PlaywrightValidation.MaxScore != 15 {
		t.Errorf("unexpected browser validation %+v", res.PlaywrightValidation)
	}
	if res.TaskPassed {
		t.Error("expected task to fail")
	}
}

func TestValidateTaskNoBrowser(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	cfg := testConfig(t)
	v := NewValidator(cfg, &fakeProvider{url: srv.URL}, progress.NewFileStore(cfg.LogsDir))
	dir := writeProject(t, map[string]string{"app.py": appPy})

	res, err := v.ValidateTask(context.Background(), Request{Project: testProject(), TaskID: 3, StudentID: "erin", Dir: dir})
	if err != nil {
		t.Fatalf("ValidateTask: %v", err)
	}
	if !hasErrorType(res, models.ErrBrowserUnavailable) {
		t.Errorf("expected browser_unavailable, got %+v", res.Errors)
	}
}

func TestSafeValidate(t *testing.T) {
	cfg := testConfig(t)

	t.Run("error", func(t *testing.T) {
		v := NewValidator(cfg, &fakeProvider{}, nil)
		res := SafeValidate(context.Background(), v, Request{TaskID: 1, StudentID: "x"})
		if res.Success || res.Error == "" || !hasErrorType(res, models.ErrInternalError) {
			t.Errorf("expected internal failure, got %+v", res)
		}
	})

	t.Run("panic", func(t *testing.T) {
		provider := &fakeProvider{startFn: func() { panic("boom") }}
		v := NewValidator(cfg, provider, nil, WithDriverFactory(func(context.Context) (browser.Driver, error) {
			return &fakeDriver{page: &fakePage{}}, nil
		}))
		dir := writeProject(t, map[string]string{"app.py": appPy})
		res := SafeValidate(context.Background(), v, Request{Project: testProject(), TaskID: 3, StudentID: "x", Dir: dir})
		if res.Success || !strings.Contains(res.Error, "boom") || res.Traceback == "" {
			t.Errorf("expected recovered panic, got error %q", res.Error)
		}
	})
}

func TestReserve(t *testing.T) {
	dir := t.TempDir()
	first, err := reserve(dir, "validation_1_20250101_120000")
	if err != nil {
		t.Fatal(err)
	}
	second, err := reserve(dir, "validation_1_20250101_120000")
	if err != nil {
		t.Fatal(err)
	}
	if first == second || !strings.HasSuffix(second, "_1") {
		t.Errorf("expected a suffixed second name, got %s and %s", first, second)
	}
}

func TestBatchOrchestrator(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = 4
	store := progress.NewFileStore(cfg.LogsDir)
	v := NewValidator(cfg, &fakeProvider{}, store)
	project := testProject()

	good := writeZip(t, map[string]string{"app.py": appPy, "templates/index.html": indexHTML})
	bad := writeZip(t, map[string]string{"templates/index.html": indexHTML})
	subs := []models.Submission{
		{StudentID: "alice", TaskID: 1, Archive: good},
		{StudentID: "alice", TaskID: 2, Archive: good},
		{StudentID: "bob", TaskID: 1, Archive: bad},
	}

	orch := NewBatchOrchestrator(v, project, "week1")
	if orch.Workers() != 1 {
		t.Errorf("local provider must run one submission at a time, got %d", orch.Workers())
	}
	br, err := orch.Run(context.Background(), subs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if br.Total != 3 || br.Passed != 2 || br.Failed != 1 || br.Skipped != 0 {
		t.Errorf("unexpected totals %+v", br)
	}
	if br.Tasks[1].Total != 2 || br.Tasks[1].Passed != 1 {
		t.Errorf("unexpected task 1 summary %+v", br.Tasks[1])
	}
	if _, err := os.Stat(filepath.Join(cfg.LogsDir, "batches", "week1.json")); err != nil {
		t.Errorf("expected batch result file: %v", err)
	}

	// Tasks 1 and 2 done, task 3 becomes current and unlocked
	p, err := store.Get(context.Background(), "alice", project.ProjectID())
	if err != nil {
		t.Fatal(err)
	}
	if p.CurrentTask != 3 || !progress.Unlocked(project, p, 3) {
		t.Errorf("expected task 3 current and unlocked, got %+v", p)
	}

	if _, err := orch.Run(context.Background(), subs); err == nil {
		t.Error("expected refusal to overwrite an existing batch")
	}
}

func TestBatchOrchestratorCancelled(t *testing.T) {
	cfg := testConfig(t)
	v := NewValidator(cfg, &fakeProvider{}, progress.NewFileStore(cfg.LogsDir))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	br, err := NewBatchOrchestrator(v, testProject(), "").Run(ctx, []models.Submission{
		{StudentID: "alice", TaskID: 1, Archive: "a.zip"},
		{StudentID: "bob", TaskID: 1, Archive: "b.zip"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if br.Skipped != 2 || !br.Cancelled || len(br.Results) != 0 {
		t.Errorf("expected everything skipped, got %+v", br)
	}
}

func TestRunRulesFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/", "/add":
			w.Write([]byte(indexHTML))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cfg := testConfig(t)
	v := NewValidator(cfg, &fakeProvider{url: srv.URL}, nil)
	dir := writeProject(t, map[string]string{"app.py": appPy, "templates/index.html": indexHTML})
	rf := &models.RulesFile{Rules: models.RuleSet{
		{Type: models.RuleHTML, File: "templates/index.html", MustHaveContent: []string{"Welcome"}, Points: 10},
	}}

	run, err := v.RunRulesFile(context.Background(), rf, dir, RulesRunOptions{StudentID: "alice", Dynamic: true})
	if err != nil {
		t.Fatalf("RunRulesFile: %v", err)
	}
	if run.Checks[0].Points != 10 {
		t.Errorf("expected the html rule to pass, got %+v", run.Checks[0])
	}
	if !slices.Contains(run.Endpoints, "/add") {
		t.Errorf("expected /add to be discovered, got %v", run.Endpoints)
	}
	if len(run.CRUD) == 0 {
		t.Error("expected CRUD probes")
	}
	if run.Score > run.MaxScore || run.MaxScore < 10 {
		t.Errorf("unexpected score %d/%d", run.Score, run.MaxScore)
	}
	if _, err := os.Stat(run.JSONFile); err != nil {
		t.Errorf("expected summary file: %v", err)
	}
}
