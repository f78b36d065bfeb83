package grader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/spachava753/flaskgrader/internal/browser"
	"github.com/spachava753/flaskgrader/internal/crud"
	"github.com/spachava753/flaskgrader/internal/dbinspect"
	"github.com/spachava753/flaskgrader/internal/discovery"
	"github.com/spachava753/flaskgrader/internal/environment"
	"github.com/spachava753/flaskgrader/internal/models"
	"github.com/spachava753/flaskgrader/internal/rules"
	"github.com/spachava753/flaskgrader/internal/runlog"
	"github.com/spachava753/flaskgrader/internal/util"
)

// startApp launches the project's entry file and waits until it answers
// HTTP. On success the caller owns stopping the returned app.
func (v *Validator) startApp(ctx context.Context, root string, port int, log *runlog.Logger) (environment.App, models.ErrorType, error) {
	entry, ok := rules.FindMainApp(os.DirFS(root))
	if !ok {
		return nil, models.ErrAppEntryNotFound, errors.New("Flask application did not start: no entry file found (looked for app.py, main.py, server.py, run.py)")
	}
	log.Info("Starting Flask app from %s with the %s provider", entry, v.provider.Name())

	app, err := v.provider.Start(ctx, environment.StartOptions{
		Dir:   root,
		Entry: entry,
		Host:  v.cfg.Host,
		Port:  port,
		Log:   log,
	})
	if err != nil {
		return nil, models.ErrAppStartFailed, fmt.Errorf("Flask application did not start: %w", err)
	}

	if err := environment.WaitReachable(ctx, app, v.cfg.StartupTimeout, v.cfg.PollInterval, nil); err != nil {
		stopApp(app, log)
		if errors.Is(err, environment.ErrExited) {
			return nil, models.ErrAppExited, fmt.Errorf("Flask application did not start: %w", err)
		}
		return nil, models.ErrAppNotReachable, fmt.Errorf("Flask application did not start: %w", err)
	}
	log.App("Flask app reachable at %s", app.BaseURL())
	return app, "", nil
}

func (v *Validator) port(req Request) int {
	if req.Port > 0 {
		return req.Port
	}
	return v.cfg.Port
}

// stopApp stops app even when the run's context is already cancelled.
func stopApp(app environment.App, log *runlog.Logger) {
	if err := app.Stop(context.Background()); err != nil {
		log.Warn("stopping app %s: %v", app.ID(), err)
		return
	}
	log.Info("Flask app %s stopped", app.ID())
}

// runDynamic starts the app, optionally probes its endpoints, runs the
// task's browser script and always stops the app before returning.
func (v *Validator) runDynamic(ctx context.Context, req Request, res *models.TaskResult, task *models.Task, root string, log *runlog.Logger) models.BrowserValidation {
	points := task.PlaywrightTest.Points
	fail := func(t models.ErrorType, err error) models.BrowserValidation {
		msg := err.Error()
		res.Fail(t, msg)
		log.Error("%s", msg)
		return models.BrowserValidation{
			Status:      string(browser.StatusError),
			MaxScore:    points,
			Screenshots: []string{},
			Message:     msg,
			Errors:      []string{msg},
		}
	}

	res.Enter(models.StateAppStarting)
	appStart := time.Now()
	res.Timestamps.AppStartedAt = &appStart
	app, etype, err := v.startApp(ctx, root, v.port(req), log)
	appSec := time.Since(appStart).Seconds()
	res.Durations.AppSec = &appSec
	if err != nil {
		return fail(etype, err)
	}
	defer stopApp(app, log)

	ready := time.Now()
	res.Timestamps.AppReadyAt = &ready
	res.Enter(models.StateAppReady)

	if v.cfg.ProbeEndpoints {
		res.Endpoints, res.Probes = v.probe(ctx, root, app.BaseURL(), log)
	}

	res.Enter(models.StateBrowserValidating)
	browserStart := time.Now()
	res.Timestamps.BrowserStartedAt = &browserStart
	defer func() {
		end := time.Now()
		res.Timestamps.BrowserEndedAt = &end
		sec := end.Sub(browserStart).Seconds()
		res.Durations.BrowserSec = &sec
	}()

	if v.newDriver == nil {
		return fail(models.ErrBrowserUnavailable, errors.New("browser unavailable: no browser driver configured"))
	}
	driver, err := v.newDriver(ctx)
	if err != nil {
		return fail(models.ErrBrowserUnavailable, fmt.Errorf("browser unavailable: %w", err))
	}
	defer func() {
		if err := driver.Close(); err != nil {
			log.Warn("closing browser: %v", err)
		}
	}()

	dir := filepath.Join(v.cfg.ScreenshotsDir, util.SafeSegment(req.StudentID), fmt.Sprintf("task_%d_%s", res.TaskID, res.Timestamp))
	runner := browser.NewRunner(driver, v.cfg.Browser.Settle, log)
	sr := runner.RunScript(ctx, app.BaseURL(), task.PlaywrightTest, dir, v.cfg.Browser.Timeout)
	if sr.Status == browser.StatusError {
		res.Fail(models.ErrBrowserScriptFailed, sr.Message)
	}
	bv := sr.Validation(points)
	res.Screenshots = append(res.Screenshots, bv.Screenshots...)
	return bv
}

// probe discovers the running app's endpoints and exercises each one.
func (v *Validator) probe(ctx context.Context, root, baseURL string, log *runlog.Logger) ([]string, []models.ProbeRecord) {
	fsys := os.DirFS(root)
	client := crud.NewClient(v.cfg.RequestTimeout)

	files, err := rules.FindFlaskFiles(fsys)
	if err != nil {
		log.Warn("listing Flask files: %v", err)
	}
	endpoints := discovery.New(client, log).Discover(ctx, fsys, files, baseURL)
	log.Info("Discovered %d endpoints", len(endpoints))

	schemas, errs := dbinspect.InspectAll(ctx, root)
	for _, err := range errs {
		log.Warn("inspecting database: %v", err)
	}
	for _, s := range schemas {
		log.Info("Database %s: %d tables", s.Path, len(s.Tables))
	}

	prober := &crud.Prober{
		Client:  client,
		Limiter: newLimiter(v.cfg.ProbeRate),
		Log:     log,
		Schemas: schemas,
	}
	return endpoints, prober.Probe(ctx, baseURL, endpoints)
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}
