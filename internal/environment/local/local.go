// Package local runs student applications as child processes of the grader.
package local

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"

	"github.com/spachava753/flaskgrader/internal/environment"
	"github.com/spachava753/flaskgrader/internal/runlog"
)

// killWait bounds how long Stop waits for the exit status after SIGKILL.
const killWait = 5 * time.Second

// Provider starts applications with the host Python interpreter. Only one
// application may be active at a time.
type Provider struct {
	Python     string
	Command    string
	StopGrace  time.Duration
	ReaderJoin time.Duration

	mu     sync.Mutex
	active *Process
}

// NewProvider creates a local provider. command, when non-empty, replaces
// "<python> <entry>" and may use {entry}, {host} and {port} placeholders.
func NewProvider(python, command string, stopGrace, readerJoin time.Duration) *Provider {
	return &Provider{Python: python, Command: command, StopGrace: stopGrace, ReaderJoin: readerJoin}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "local"
}

// CommandLine resolves the argv used to launch entry.
func CommandLine(python, command string, opts environment.StartOptions) ([]string, error) {
	if command == "" {
		if python == "" {
			python = "python3"
		}
		return []string{python, opts.Entry}, nil
	}
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parsing app command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("app command is empty")
	}
	r := strings.NewReplacer("{entry}", opts.Entry, "{host}", opts.Host, "{port}", strconv.Itoa(opts.Port))
	for i, a := range args {
		args[i] = r.Replace(a)
	}
	return args, nil
}

// Start launches the entry file. It returns environment.ErrBusy while a
// previous process has not been confirmed stopped.
func (p *Provider) Start(ctx context.Context, opts environment.StartOptions) (environment.App, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active != nil {
		return nil, fmt.Errorf("%w: pid %s", environment.ErrBusy, p.active.ID())
	}

	argv, err := CommandLine(p.Python, p.Command, opts)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(opts.Dir, opts.Entry)); err != nil && p.Command == "" {
		return nil, fmt.Errorf("entry file: %w", err)
	}

	// Not CommandContext: the process outlives Start and is ended by Stop.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(),
		"PYTHONUNBUFFERED=1",
		"FLASK_RUN_HOST="+opts.Host,
		"FLASK_RUN_PORT="+strconv.Itoa(opts.Port),
		"PORT="+strconv.Itoa(opts.Port),
	)
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	setProcessGroup(cmd)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{stdoutR, stdoutW, stderrR, stderrW} {
			f.Close()
		}
		return nil, fmt.Errorf("starting %s: %w", strings.Join(argv, " "), err)
	}
	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()

	proc := &Process{
		cmd:     cmd,
		baseURL: fmt.Sprintf("http://%s:%d", opts.Host, opts.Port),
		exited:  make(chan struct{}),
		pipes:   []*os.File{stdoutR, stderrR},
		grace:   p.StopGrace,
		join:    p.ReaderJoin,
		log:     opts.Log,
	}
	proc.onStop = func() {
		p.mu.Lock()
		if p.active == proc {
			p.active = nil
		}
		p.mu.Unlock()
	}
	proc.readers.Go(func() { drain(stdoutR, "stdout", opts.Log) })
	proc.readers.Go(func() { drain(stderrR, "stderr", opts.Log) })
	go func() {
		proc.exitErr = cmd.Wait()
		close(proc.exited)
	}()

	opts.Log.Info("started %s (pid %d) in %s", strings.Join(argv, " "), cmd.Process.Pid, opts.Dir)
	p.active = proc
	return proc, nil
}

func drain(r io.Reader, stream string, log *runlog.Logger) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		log.App("[%s] %s", stream, sc.Text())
	}
}

// Process is a running child process.
type Process struct {
	cmd     *exec.Cmd
	baseURL string
	exited  chan struct{}
	exitErr error
	pipes   []*os.File
	readers sync.WaitGroup
	grace   time.Duration
	join    time.Duration
	log     *runlog.Logger
	onStop  func()

	stopOnce sync.Once
	stopErr  error
}

func (p *Process) ID() string              { return strconv.Itoa(p.cmd.Process.Pid) }
func (p *Process) BaseURL() string         { return p.baseURL }
func (p *Process) Exited() <-chan struct{} { return p.exited }

func (p *Process) ExitErr() error {
	select {
	case <-p.exited:
		return p.exitErr
	default:
		return nil
	}
}

// Stop sends SIGTERM to the process group, waits for the grace period and
// then sends SIGKILL. Reader goroutines are joined with a bound.
func (p *Process) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.stopErr = p.stop(ctx)
	})
	return p.stopErr
}

func (p *Process) stop(ctx context.Context) error {
	select {
	case <-p.exited:
		// Reap anything the app left behind in its group, e.g. a reloader child.
		_ = kill(p.cmd)
	default:
		if err := terminate(p.cmd); err != nil {
			p.log.Warn("terminate pid %s: %v", p.ID(), err)
		}
		select {
		case <-p.exited:
			_ = kill(p.cmd)
		case <-time.After(p.grace):
			p.log.Warn("pid %s did not exit within %s, killing", p.ID(), p.grace)
			_ = kill(p.cmd)
		case <-ctx.Done():
			_ = kill(p.cmd)
		}
		select {
		case <-p.exited:
		case <-time.After(killWait):
			return fmt.Errorf("pid %s still running after kill", p.ID())
		}
	}

	joined := make(chan struct{})
	go func() {
		p.readers.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(p.join):
		p.log.Warn("output readers did not finish within %s", p.join)
		for _, f := range p.pipes {
			f.Close()
		}
	}

	p.log.Info("stopped pid %s (%v)", p.ID(), p.exitErr)
	p.onStop()
	return nil
}
