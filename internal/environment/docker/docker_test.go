package docker

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spachava753/flaskgrader/internal/environment"
	"github.com/spachava753/flaskgrader/internal/models"
)

func TestRunArgs(t *testing.T) {
	dir := t.TempDir()
	p := NewProvider(models.DockerConfig{Image: "python:3.12-slim", Memory: "512m"}, 3*time.Second)

	args, err := p.RunArgs("flaskgrader-test", environment.StartOptions{
		Dir:   dir,
		Entry: "app.py",
		Host:  "127.0.0.1",
		Port:  5001,
	})
	if err != nil {
		t.Fatalf("RunArgs: %v", err)
	}
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"run -d --name flaskgrader-test",
		"-p 127.0.0.1:5001:5001",
		"-v " + dir + ":/app",
		"-w /app",
		"--memory 512m",
		"-e FLASK_RUN_PORT=5001",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected %q in %q", want, joined)
		}
	}

	tail := args[len(args)-4:]
	if tail[0] != "python:3.12-slim" || tail[1] != "sh" || tail[2] != "-c" {
		t.Fatalf("unexpected command tail %q", tail)
	}
	if tail[3] != "pip install -r requirements.txt >/dev/null 2>&1; python app.py" {
		t.Errorf("unexpected shell script %q", tail[3])
	}
}

func TestRunArgsCustomCommand(t *testing.T) {
	p := NewProvider(models.DockerConfig{Image: "img", Command: "flask --app {entry} run --host {host} --port {port}"}, time.Second)
	args, err := p.RunArgs("c", environment.StartOptions{Dir: ".", Entry: filepath.Join("src", "app.py"), Host: "127.0.0.1", Port: 5002})
	if err != nil {
		t.Fatalf("RunArgs: %v", err)
	}
	want := "img flask --app src/app.py run --host 0.0.0.0 --port 5002"
	if got := strings.Join(args[len(args)-9:], " "); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
