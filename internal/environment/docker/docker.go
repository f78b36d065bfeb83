// Package docker runs student applications inside throwaway containers using
// the docker CLI.
package docker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
	"github.com/google/uuid"

	"github.com/spachava753/flaskgrader/internal/environment"
	"github.com/spachava753/flaskgrader/internal/models"
	"github.com/spachava753/flaskgrader/internal/runlog"
)

// DefaultCommand installs the project's requirements and runs the entry file.
const DefaultCommand = `sh -c "pip install -r requirements.txt >/dev/null 2>&1; python {entry}"`

// Provider implements the Docker application provider.
type Provider struct {
	cfg       models.DockerConfig
	stopGrace time.Duration
}

// NewProvider creates a new Docker provider.
func NewProvider(cfg models.DockerConfig, stopGrace time.Duration) *Provider {
	return &Provider{cfg: cfg, stopGrace: stopGrace}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "docker"
}

// PullImage pulls the configured image so the first Start does not pay for it
// inside the reachability timeout.
func (p *Provider) PullImage(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "docker", "pull", p.cfg.Image)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pulling docker image: %w: %s", err, stderr.String())
	}
	return nil
}

// RunArgs builds the "docker run" argument list for a container named name.
func (p *Provider) RunArgs(name string, opts environment.StartOptions) ([]string, error) {
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolving project dir: %w", err)
	}
	port := strconv.Itoa(opts.Port)

	args := []string{
		"run",
		"-d",
		"--name", name,
		"-p", fmt.Sprintf("%s:%s:%s", opts.Host, port, port),
		"-v", dir + ":/app",
		"-w", "/app",
		"-e", "PYTHONUNBUFFERED=1",
		"-e", "FLASK_RUN_HOST=0.0.0.0",
		"-e", "FLASK_RUN_PORT=" + port,
		"-e", "PORT=" + port,
	}

	// Add resource constraints
	if p.cfg.CPUs != "" {
		args = append(args, "--cpus", p.cfg.CPUs)
	}
	if p.cfg.Memory != "" {
		args = append(args, "--memory", p.cfg.Memory)
	}
	for k, v := range opts.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}

	command := p.cfg.Command
	if command == "" {
		command = DefaultCommand
	}
	cmdArgs, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parsing docker command: %w", err)
	}
	r := strings.NewReplacer("{entry}", filepath.ToSlash(opts.Entry), "{port}", port, "{host}", "0.0.0.0")
	for i, a := range cmdArgs {
		cmdArgs[i] = r.Replace(a)
	}

	args = append(args, p.cfg.Image)
	return append(args, cmdArgs...), nil
}

// Start creates and starts a container serving the project.
func (p *Provider) Start(ctx context.Context, opts environment.StartOptions) (environment.App, error) {
	name := "flaskgrader-" + uuid.NewString()[:8]
	args, err := p.RunArgs(name, opts)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("creating docker container: %w: %s", err, stderr.String())
	}

	c := &Container{
		name:    name,
		baseURL: fmt.Sprintf("http://%s:%d", opts.Host, opts.Port),
		exited:  make(chan struct{}),
		grace:   p.stopGrace,
		log:     opts.Log,
	}
	opts.Log.Info("started container %s (%s)", name, strings.TrimSpace(stdout.String()))
	c.followLogs()
	go c.wait()
	return c, nil
}

// Container is a running application container.
type Container struct {
	name    string
	baseURL string
	exited  chan struct{}
	exitErr error
	grace   time.Duration
	log     *runlog.Logger
	logs    *exec.Cmd
	readers sync.WaitGroup

	stopOnce sync.Once
	stopErr  error
}

// ID returns the container name.
func (c *Container) ID() string {
	return c.name
}

func (c *Container) BaseURL() string         { return c.baseURL }
func (c *Container) Exited() <-chan struct{} { return c.exited }

func (c *Container) ExitErr() error {
	select {
	case <-c.exited:
		return c.exitErr
	default:
		return nil
	}
}

// followLogs streams "docker logs -f" into the validation log.
func (c *Container) followLogs() {
	cmd := exec.Command("docker", "logs", "-f", c.name)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.log.Warn("attaching to container logs: %v", err)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		c.log.Warn("attaching to container logs: %v", err)
		return
	}
	if err := cmd.Start(); err != nil {
		c.log.Warn("following container logs: %v", err)
		return
	}
	c.logs = cmd
	c.readers.Go(func() { drain(stdout, "stdout", c.log) })
	c.readers.Go(func() { drain(stderr, "stderr", c.log) })
}

func drain(r io.Reader, stream string, log *runlog.Logger) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		log.App("[%s] %s", stream, sc.Text())
	}
}

// wait blocks on "docker wait" and records the container exit code.
func (c *Container) wait() {
	out, err := exec.Command("docker", "wait", c.name).Output()
	switch {
	case err != nil:
		c.exitErr = fmt.Errorf("waiting for container: %w", err)
	case strings.TrimSpace(string(out)) != "0":
		c.exitErr = fmt.Errorf("container exited with code %s", strings.TrimSpace(string(out)))
	}
	close(c.exited)
}

// Stop stops and removes the container.
func (c *Container) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		c.stopErr = c.stop(ctx)
	})
	return c.stopErr
}

func (c *Container) stop(ctx context.Context) error {
	secs := strconv.Itoa(int(c.grace.Seconds()))
	if err := exec.CommandContext(ctx, "docker", "stop", "-t", secs, c.name).Run(); err != nil {
		c.log.Warn("stopping container %s: %v", c.name, err)
	}
	// Force remove the container
	var stderr bytes.Buffer
	rm := exec.CommandContext(ctx, "docker", "rm", "-f", c.name)
	rm.Stderr = &stderr
	if err := rm.Run(); err != nil && !strings.Contains(stderr.String(), "No such container") {
		return fmt.Errorf("removing container: %w: %s", err, stderr.String())
	}

	select {
	case <-c.exited:
	case <-time.After(c.grace + 5*time.Second):
		return fmt.Errorf("container %s not confirmed stopped", c.name)
	}

	c.readers.Wait()
	if c.logs != nil {
		_ = c.logs.Wait()
	}
	c.log.Info("removed container %s", c.name)
	return nil
}
