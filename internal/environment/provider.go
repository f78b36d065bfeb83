package environment

import (
	"context"
	"errors"

	"github.com/spachava753/flaskgrader/internal/runlog"
)

var (
	// ErrExited means the application terminated before it became reachable.
	ErrExited = errors.New("application exited before becoming reachable")
	// ErrTimeout means the reachability wait ran out of time.
	ErrTimeout = errors.New("application did not become reachable in time")
	// ErrBusy is returned by Start while a previous application has not been
	// confirmed stopped. The student port is exclusive to one run.
	ErrBusy = errors.New("a previous application is still running")
)

// App is a running student application.
type App interface {
	// ID returns a provider-specific identifier (pid or container name).
	ID() string

	// BaseURL is the origin the application serves, e.g. http://127.0.0.1:5000.
	BaseURL() string

	// Exited is closed once the application process has terminated.
	Exited() <-chan struct{}

	// ExitErr returns the exit status after Exited is closed, nil before.
	ExitErr() error

	// Stop terminates the application, escalating to a forced kill after the
	// grace period, and returns only once termination is confirmed. It is
	// safe to call more than once.
	Stop(ctx context.Context) error
}

// StartOptions configures how an application is launched.
type StartOptions struct {
	// Dir is the project root on the host.
	Dir string
	// Entry is the entry file relative to Dir.
	Entry string
	Host  string
	Port  int
	Env   map[string]string
	// Log receives the application's stdout and stderr at APP level.
	Log *runlog.Logger
}

// Provider launches student applications.
type Provider interface {
	// Name returns the provider name ("local" or "docker").
	Name() string

	// Start launches the application and returns without waiting for it to
	// become reachable.
	Start(ctx context.Context, opts StartOptions) (App, error)
}
