package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/spachava753/flaskgrader/internal/config"
	"github.com/spachava753/flaskgrader/internal/models"
)

func TestLoadGraderConfigYAML(t *testing.T) {
	graderYaml := `log_level: debug
logs_dir: out
port: 5055
startup_timeout: 20s
poll_interval: 250ms
provider: docker
workers: 3
browser:
  headless: false
  settle: 1s
docker:
  image: python:3.11
progress:
  backend: file
`

	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "flaskgrader.yaml")
	if err := os.WriteFile(tmpFile, []byte(graderYaml), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}

	cfg, err := config.LoadGraderConfig(tmpFile)
	if err != nil {
		t.Fatalf("LoadGraderConfig failed: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("expected log_level debug, got %s", cfg.LogLevel)
	}
	if cfg.LogsDir != "out" {
		t.Errorf("expected logs_dir out, got %s", cfg.LogsDir)
	}
	if cfg.ScreenshotsDir != filepath.Join("out", "screenshots") {
		t.Errorf("expected screenshots under logs dir, got %s", cfg.ScreenshotsDir)
	}
	if cfg.Port != 5055 {
		t.Errorf("expected port 5055, got %d", cfg.Port)
	}
	if cfg.StartupTimeout != 20*time.Second {
		t.Errorf("expected startup_timeout 20s, got %s", cfg.StartupTimeout)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Errorf("expected poll_interval 250ms, got %s", cfg.PollInterval)
	}
	if cfg.Provider != models.ProviderDocker {
		t.Errorf("expected provider docker, got %s", cfg.Provider)
	}
	if cfg.Workers != 3 {
		t.Errorf("expected workers 3, got %d", cfg.Workers)
	}
	if cfg.Browser.Headless {
		t.Error("expected headless false to be honoured")
	}
	if cfg.Browser.Settle != time.Second {
		t.Errorf("expected settle 1s, got %s", cfg.Browser.Settle)
	}
	// Unset values keep their defaults
	if cfg.Browser.Timeout != 15*time.Second {
		t.Errorf("expected default browser timeout, got %s", cfg.Browser.Timeout)
	}
	if cfg.StopGrace != 3*time.Second {
		t.Errorf("expected default stop_grace 3s, got %s", cfg.StopGrace)
	}
	if cfg.Docker.Image != "python:3.11" {
		t.Errorf("expected docker image python:3.11, got %s", cfg.Docker.Image)
	}
}

func TestLoadGraderConfigTOML(t *testing.T) {
	graderToml := `log_level = "warn"
port = 6000
startup_timeout_sec = 7.5

[browser]
timeout = "30s"

[api]
addr = ":9090"
`

	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "flaskgrader.toml")
	if err := os.WriteFile(tmpFile, []byte(graderToml), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}

	cfg, err := config.LoadGraderConfig(tmpFile)
	if err != nil {
		t.Fatalf("LoadGraderConfig failed: %v", err)
	}

	if cfg.LogLevel != "warn" {
		t.Errorf("expected log_level warn, got %s", cfg.LogLevel)
	}
	if cfg.Port != 6000 {
		t.Errorf("expected port 6000, got %d", cfg.Port)
	}
	if cfg.StartupTimeout != 7500*time.Millisecond {
		t.Errorf("expected legacy startup_timeout_sec to apply, got %s", cfg.StartupTimeout)
	}
	if cfg.Browser.Timeout != 30*time.Second {
		t.Errorf("expected browser timeout 30s, got %s", cfg.Browser.Timeout)
	}
	if !cfg.Browser.Headless {
		t.Error("expected default headless true")
	}
	if cfg.API.Addr != ":9090" {
		t.Errorf("expected api addr :9090, got %s", cfg.API.Addr)
	}
}

func TestLoadGraderConfigRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"provider":      "provider: kubernetes\n",
		"redis backend": "progress:\n  backend: redis\n",
		"size":          "max_archive_size: huge\n",
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			tmpFile := filepath.Join(t.TempDir(), "flaskgrader.yaml")
			if err := os.WriteFile(tmpFile, []byte(body), 0644); err != nil {
				t.Fatalf("writing temp file: %v", err)
			}
			if _, err := config.LoadGraderConfig(tmpFile); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadGraderConfigEnvOverride(t *testing.T) {
	t.Setenv("FLASKGRADER_PORT", "5123")
	t.Setenv("FLASKGRADER_LOGS_DIR", "/var/flaskgrader")

	cfg, err := config.LoadGraderConfig("")
	if err != nil {
		t.Fatalf("LoadGraderConfig failed: %v", err)
	}
	if cfg.Port != 5123 {
		t.Errorf("expected env port 5123, got %d", cfg.Port)
	}
	if cfg.LogsDir != "/var/flaskgrader" {
		t.Errorf("expected env logs dir, got %s", cfg.LogsDir)
	}
}

func TestDefaultGraderConfig(t *testing.T) {
	cfg := config.DefaultGraderConfig()

	if cfg.StartupTimeout != 12*time.Second {
		t.Errorf("expected default startup_timeout 12s, got %s", cfg.StartupTimeout)
	}
	if cfg.PollInterval != 500*time.Millisecond {
		t.Errorf("expected default poll_interval 500ms, got %s", cfg.PollInterval)
	}
	if cfg.RequestTimeout != 4*time.Second {
		t.Errorf("expected default request_timeout 4s, got %s", cfg.RequestTimeout)
	}
	if cfg.Provider != models.ProviderLocal {
		t.Errorf("expected default provider local, got %s", cfg.Provider)
	}
	if cfg.Port != 5000 {
		t.Errorf("expected default port 5000, got %d", cfg.Port)
	}
}

const projectJSON = `{
  "project": "Student Blog",
  "description": "Build a small blog",
  "tasks": [
    {
      "id": 1,
      "name": "Project skeleton",
      "required_files": ["app.py", "templates/index.html"],
      "validation_rules": {"type": "structure", "paths": ["app.py"], "points": 10},
      "unlock_condition": {"min_score": 10, "required_tasks": []}
    },
    {
      "id": 2,
      "name": "Home page",
      "validation_rules": [
        {"type": "html", "file": "templates/index.html", "mustHaveContent": ["Welcome"], "points": 10},
        {"type": "runtime", "file": "app.py", "mustHaveRoutes": ["/"], "points": "twenty"}
      ],
      "playwright_test": {
        "route": "/",
        "actions": [{"selector_type": "name", "selector_value": "q", "input_variants": ["", "hello"]}],
        "validate": [{"type": "status_code", "value": 200}, {"type": "text_present", "value": "Welcome", "tag": "h1"}],
        "points": 15
      },
      "unlock_condition": {"min_score": 50, "required_tasks": [1, 7]}
    }
  ]
}`

func TestLoadProjectConfig(t *testing.T) {
	fsys := fstest.MapFS{
		"project.json": &fstest.MapFile{Data: []byte(projectJSON)},
	}

	cfg, err := config.LoadProjectConfig(fsys, "project.json")
	if err != nil {
		t.Fatalf("LoadProjectConfig failed: %v", err)
	}

	if cfg.ProjectID() != "student_blog" {
		t.Errorf("expected project id student_blog, got %s", cfg.ProjectID())
	}
	if len(cfg.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(cfg.Tasks))
	}

	first := cfg.Tasks[0]
	if len(first.ValidationRules) != 1 || first.ValidationRules[0].Type != models.RuleStructure {
		t.Errorf("expected single object rule to decode as one structure rule, got %+v", first.ValidationRules)
	}

	second := cfg.Tasks[1]
	if len(second.ValidationRules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(second.ValidationRules))
	}
	if second.ValidationRules[0].DecodeError != "" {
		t.Errorf("expected first rule to decode, got %s", second.ValidationRules[0].DecodeError)
	}
	if second.ValidationRules[1].DecodeError == "" {
		t.Error("expected malformed rule to carry a decode error")
	}

	pt := second.PlaywrightTest
	if pt == nil {
		t.Fatal("expected playwright test")
	}
	if got := pt.Actions[0].FillValue(); got != "hello" {
		t.Errorf("expected first non-empty variant, got %q", got)
	}
	asserts := pt.Assertions()
	if len(asserts) != 2 || asserts[0].Value != "200" {
		t.Errorf("expected numeric status value to decode as \"200\", got %+v", asserts)
	}
}

func TestProjectWarnings(t *testing.T) {
	cfg, err := config.ParseProjectConfig([]byte(projectJSON))
	if err != nil {
		t.Fatalf("ParseProjectConfig failed: %v", err)
	}

	warnings := config.ProjectWarnings(cfg)
	var sawMinScore, sawUnknown bool
	for _, w := range warnings {
		if strings.Contains(w, "min_score 50 exceeds maximum achievable score 25") {
			sawMinScore = true
		}
		if strings.Contains(w, "unknown task 7") {
			sawUnknown = true
		}
	}
	if !sawMinScore {
		t.Errorf("expected infeasible min_score warning, got %v", warnings)
	}
	if !sawUnknown {
		t.Errorf("expected unknown prerequisite warning, got %v", warnings)
	}
}

func TestParseProjectConfigRejectsDuplicateIDs(t *testing.T) {
	data := `{"project": "p", "tasks": [{"id": 1, "name": "a"}, {"id": 1, "name": "b"}]}`
	if _, err := config.ParseProjectConfig([]byte(data)); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestLoadSubmissions(t *testing.T) {
	manifest := `name: week1
project: project.json
submissions:
  - student_id: alice
    task_id: 1
    archive: uploads/alice.zip
  - student_id: bob
    task_id: 2
    archive: /srv/bob.zip
`
	dir := t.TempDir()
	path := filepath.Join(dir, "batch.yaml")
	if err := os.WriteFile(path, []byte(manifest), 0644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}

	m, err := config.LoadSubmissions(path)
	if err != nil {
		t.Fatalf("LoadSubmissions failed: %v", err)
	}
	if m.Name != "week1" || m.Project != filepath.Join(dir, "project.json") {
		t.Errorf("unexpected manifest header %+v", m)
	}
	if len(m.Submissions) != 2 {
		t.Fatalf("expected 2 submissions, got %d", len(m.Submissions))
	}
	if m.Submissions[0].Archive != filepath.Join(dir, "uploads", "alice.zip") {
		t.Errorf("expected relative archive resolved, got %s", m.Submissions[0].Archive)
	}
	if m.Submissions[1].Archive != "/srv/bob.zip" {
		t.Errorf("expected absolute archive kept, got %s", m.Submissions[1].Archive)
	}
}

func TestLoadSubmissionsRejectsIncomplete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.yaml")
	if err := os.WriteFile(path, []byte("submissions:\n  - student_id: alice\n    archive: a.zip\n"), 0644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}
	if _, err := config.LoadSubmissions(path); err == nil {
		t.Fatal("expected missing task_id error")
	}
}
