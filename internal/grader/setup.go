package grader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spachava753/flaskgrader/internal/artifacts"
	"github.com/spachava753/flaskgrader/internal/browser"
	"github.com/spachava753/flaskgrader/internal/environment"
	"github.com/spachava753/flaskgrader/internal/environment/docker"
	"github.com/spachava753/flaskgrader/internal/environment/local"
	"github.com/spachava753/flaskgrader/internal/models"
	"github.com/spachava753/flaskgrader/internal/progress"
	"github.com/spachava753/flaskgrader/internal/records"
)

// Services bundles a Validator with the stores it was built from.
type Services struct {
	Validator *Validator
	Progress  progress.Store
	Records   records.Store
	closers   []func() error
}

// Close releases every backing connection.
func (s *Services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// NewProvider returns the application provider selected by cfg.
func NewProvider(ctx context.Context, cfg models.GraderConfig) (environment.Provider, error) {
	switch cfg.Provider {
	case models.ProviderLocal, "":
		return local.NewProvider(cfg.Python, cfg.AppCommand, cfg.StopGrace, cfg.ReaderJoin), nil
	case models.ProviderDocker:
		p := docker.NewProvider(cfg.Docker, cfg.StopGrace)
		if err := p.PullImage(ctx); err != nil {
			slog.Warn("pre-pulling docker image failed", "image", cfg.Docker.Image, "error", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

// Setup wires the provider, stores, uploader and browser driver described by
// cfg into a Validator.
func Setup(ctx context.Context, cfg models.GraderConfig) (*Services, error) {
	s := &Services{}
	fail := func(err error) (*Services, error) {
		_ = s.Close()
		return nil, err
	}

	provider, err := NewProvider(ctx, cfg)
	if err != nil {
		return fail(err)
	}

	switch cfg.Progress.Backend {
	case "redis":
		rs, err := progress.NewRedisStore(ctx, cfg.Progress.RedisAddr, cfg.Progress.RedisPassword, cfg.Progress.RedisDB)
		if err != nil {
			return fail(fmt.Errorf("connecting progress store: %w", err))
		}
		s.Progress = rs
		s.closers = append(s.closers, rs.Close)
	default:
		s.Progress = progress.NewFileStore(cfg.LogsDir)
	}

	if cfg.Records.PostgresDSN != "" {
		ps, err := records.NewPostgresStore(ctx, cfg.Records.PostgresDSN, cfg.Records.MaxConns)
		if err != nil {
			return fail(fmt.Errorf("connecting records store: %w", err))
		}
		s.Records = ps
	} else {
		s.Records = records.NewMemoryStore()
	}
	s.closers = append(s.closers, s.Records.Close)

	opts := []Option{
		WithRecords(s.Records),
		WithDriverFactory(func(ctx context.Context) (browser.Driver, error) {
			d, err := browser.NewChromeDriver(ctx, cfg.Browser)
			if err != nil {
				return nil, err
			}
			return d, nil
		}),
	}
	if cfg.Artifacts.Enabled() {
		up, err := artifacts.NewMinIOUploader(ctx, cfg.Artifacts)
		if err != nil {
			return fail(fmt.Errorf("connecting artifact store: %w", err))
		}
		opts = append(opts, WithUploader(up))
	}

	s.Validator = NewValidator(cfg, provider, s.Progress, opts...)
	slog.Debug("grader ready", "provider", provider.Name(), "progress", cfg.Progress.Backend, "postgres", cfg.Records.PostgresDSN != "", "artifacts", cfg.Artifacts.Enabled())
	return s, nil
}
