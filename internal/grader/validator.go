// Package grader runs the per-task validation pipeline and batches of
// submissions.
package grader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/spachava753/flaskgrader/internal/archive"
	"github.com/spachava753/flaskgrader/internal/browser"
	"github.com/spachava753/flaskgrader/internal/config"
	"github.com/spachava753/flaskgrader/internal/environment"
	"github.com/spachava753/flaskgrader/internal/models"
	"github.com/spachava753/flaskgrader/internal/progress"
	"github.com/spachava753/flaskgrader/internal/records"
	"github.com/spachava753/flaskgrader/internal/rules"
	"github.com/spachava753/flaskgrader/internal/runlog"
	"github.com/spachava753/flaskgrader/internal/util"
)

// TimestampLayout names result and log files.
const TimestampLayout = "20060102_150405"

const logTailLines = 50

// DriverFactory launches a browser for one validation run.
type DriverFactory func(ctx context.Context) (browser.Driver, error)

// Uploader copies a persisted result and its screenshots elsewhere.
type Uploader interface {
	Upload(ctx context.Context, r *models.TaskResult) ([]string, error)
}

// Validator validates one (student, task) submission at a time.
type Validator struct {
	cfg         models.GraderConfig
	provider    environment.Provider
	progress    progress.Store
	newDriver   DriverFactory
	records     records.Store
	uploader    Uploader
	interpreter *rules.Interpreter
}

// Option configures a Validator.
type Option func(*Validator)

func WithDriverFactory(f DriverFactory) Option { return func(v *Validator) { v.newDriver = f } }
func WithRecords(s records.Store) Option       { return func(v *Validator) { v.records = s } }
func WithUploader(u Uploader) Option           { return func(v *Validator) { v.uploader = u } }

// WithInterpreter replaces the default rule interpreter.
func WithInterpreter(in *rules.Interpreter) Option {
	return func(v *Validator) { v.interpreter = in }
}

// NewValidator creates a Validator. Without a driver factory, browser tests
// fail with browser_unavailable.
func NewValidator(cfg models.GraderConfig, provider environment.Provider, store progress.Store, opts ...Option) *Validator {
	v := &Validator{
		cfg:         cfg,
		provider:    provider,
		progress:    store,
		interpreter: rules.New(rules.DOMMatcher{}),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Config returns the grader configuration.
func (v *Validator) Config() models.GraderConfig {
	return v.cfg
}

// Progress returns the progress store.
func (v *Validator) Progress() progress.Store {
	return v.progress
}

// Request identifies one submission. Exactly one of Archive and Dir is set;
// Dir validates an already extracted tree in place.
type Request struct {
	Project   *models.ProjectConfig
	TaskID    int
	StudentID string
	Archive   string
	Dir       string
	// Port overrides the configured application port.
	Port int
}

// ValidateTask runs the full pipeline for req and persists its TaskResult.
// Validation failures are reported inside the result; an error is returned
// only when the result itself could not be set up.
func (v *Validator) ValidateTask(ctx context.Context, req Request) (*models.TaskResult, error) {
	if req.Project == nil {
		return nil, errors.New("no project configuration")
	}
	start := time.Now()
	res := &models.TaskResult{
		RunID:        uuid.NewString(),
		ProjectID:    req.Project.ProjectID(),
		TaskID:       req.TaskID,
		StudentID:    req.StudentID,
		Timestamp:    start.Format(TimestampLayout),
		Screenshots:  []string{},
		ErrorDetails: []string{},
		Timestamps:   models.Timestamps{StartedAt: start},
	}
	res.Enter(models.StateNotStarted)
	res.PlaywrightValidation = models.BrowserValidation{Screenshots: []string{}}
	res.StaticValidation = models.StaticValidation{Errors: []string{}, Warnings: []string{}}

	base, err := reserve(filepath.Join(v.cfg.LogsDir, util.SafeSegment(req.StudentID)), fmt.Sprintf("validation_%d_%s", req.TaskID, res.Timestamp))
	if err != nil {
		return nil, fmt.Errorf("reserving result files: %w", err)
	}
	res.JSONFile = base + ".json"
	res.LogFile = base + ".log"

	log, err := runlog.Create(res.LogFile)
	if err != nil {
		return nil, fmt.Errorf("creating validation log: %w", err)
	}
	defer log.Close()
	log.Info("Validating task %d for student %s (run %s)", req.TaskID, req.StudentID, res.RunID)

	task, ok := req.Project.Task(req.TaskID)
	if !ok {
		msg := fmt.Sprintf("Task %d not found", req.TaskID)
		res.Fail(models.ErrTaskNotFound, msg)
		res.StaticValidation.Errors = []string{msg}
		res.StaticValidation.Message = msg
		log.Error("%s", msg)
		v.score(res, nil, log)
		v.persist(ctx, req, res, log)
		return res, nil
	}
	res.TaskName = task.Name
	res.MinRequired = task.UnlockCondition.MinScore
	if w := config.MinScoreWarning(task); w != "" {
		res.Warnings = append(res.Warnings, w)
		log.Warn("%s", w)
	}

	// Extraction
	res.Enter(models.StateExtracting)
	extractStart := time.Now()
	root, cleanup, etype, err := v.prepare(req, log)
	extractSec := time.Since(extractStart).Seconds()
	res.Durations.ExtractSec = &extractSec
	if cleanup != nil {
		defer cleanup()
	}

	if err != nil {
		msg := err.Error()
		res.Fail(etype, msg)
		res.StaticValidation = models.StaticValidation{
			Errors:   []string{msg},
			Warnings: []string{},
			MaxScore: task.Rules().MaxPoints(),
			Message:  "Validation failed: " + msg,
			Results:  []models.ValidationResult{},
		}
		log.Error("%s", msg)
	} else {
		v.runStatic(res, task, root, log)
		if task.HasBrowserTest() {
			res.PlaywrightValidation = v.runDynamic(ctx, req, res, task, root, log)
		} else {
			res.Enter(models.StateSkipDynamic)
			res.PlaywrightValidation = models.BrowserValidation{
				Success:     true,
				Screenshots: []string{},
				Message:     "No browser test configured for this task",
			}
		}
	}

	v.score(res, task, log)
	v.persist(ctx, req, res, log)
	return res, nil
}

// prepare resolves the project root, extracting the archive when given.
func (v *Validator) prepare(req Request, log *runlog.Logger) (string, func(), models.ErrorType, error) {
	if req.Archive == "" {
		if req.Dir == "" {
			return "", nil, models.ErrArchiveInvalid, errors.New("no archive or directory to validate")
		}
		if st, err := os.Stat(req.Dir); err != nil || !st.IsDir() {
			return "", nil, models.ErrArchiveInvalid, fmt.Errorf("project directory %s not found", req.Dir)
		}
		return req.Dir, nil, "", nil
	}

	maxArchive, err := util.ParseSize(v.cfg.MaxArchiveSize)
	if err != nil {
		return "", nil, models.ErrConfigInvalid, fmt.Errorf("invalid max_archive_size: %w", err)
	}
	maxExtracted, err := util.ParseSize(v.cfg.MaxExtractedSize)
	if err != nil {
		return "", nil, models.ErrConfigInvalid, fmt.Errorf("invalid max_extracted_size: %w", err)
	}

	ws, err := archive.Extract(req.Archive, maxArchive, maxExtracted)
	if err != nil {
		if errors.Is(err, archive.ErrTooLarge) {
			return "", nil, models.ErrArchiveTooLarge, fmt.Errorf("archive rejected: %w", err)
		}
		return "", nil, models.ErrArchiveInvalid, fmt.Errorf("could not extract archive: %w", err)
	}
	log.Info("Extracted %d files (%s) into %s", ws.Files, util.FormatSize(ws.Bytes), ws.Root)
	cleanup := func() {
		if err := ws.Cleanup(); err != nil {
			log.Warn("removing workspace %s: %v", ws.Dir, err)
		}
	}
	return ws.Root, cleanup, "", nil
}

func (v *Validator) runStatic(res *models.TaskResult, task *models.Task, root string, log *runlog.Logger) {
	res.Enter(models.StateStaticValidating)
	res.Timestamps.StaticStartedAt = time.Now()

	rep := v.interpreter.EvaluateAll(task.Rules(), os.DirFS(root))
	for _, r := range rep.Results {
		logCheck(log, r)
		if r.ExecutionError {
			res.Fail(models.ErrRuleExecutionFailed, fmt.Sprintf("%s: %s", r.Name, r.Message))
		}
	}
	res.StaticValidation = rep.Static()

	res.Timestamps.StaticEndedAt = time.Now()
	staticSec := res.Timestamps.StaticEndedAt.Sub(res.Timestamps.StaticStartedAt).Seconds()
	res.Durations.StaticSec = &staticSec
	log.Result("Static validation: %d/%d (%s)", rep.Score, rep.MaxScore, rep.Message)
}

func logCheck(log *runlog.Logger, r models.ValidationResult) {
	status := "PASS"
	if !r.Passed {
		status = "FAIL"
	}
	log.Check("[%s] %s: %s (%d/%d)", status, r.Name, r.Message, r.Points, r.MaxPoints)
}

// score totals both phases and decides the outcome. A task passes only when
// static validation has no hard errors and the total meets min_score.
func (v *Validator) score(res *models.TaskResult, task *models.Task, log *runlog.Logger) {
	res.Enter(models.StateScoring)
	st, pw := res.StaticValidation, res.PlaywrightValidation
	if task != nil && task.HasBrowserTest() && pw.MaxScore == 0 {
		pw.MaxScore = task.PlaywrightTest.Points
		res.PlaywrightValidation.MaxScore = pw.MaxScore
	}

	res.TotalScore = st.Score + pw.Score
	res.MaxScore = st.MaxScore + pw.MaxScore
	staticOK := len(st.Errors) == 0 && task != nil
	res.StaticValidation.Success = staticOK
	res.TaskPassed = staticOK && res.TotalScore >= res.MinRequired
	res.Success = res.TaskPassed

	for _, e := range st.Errors {
		addDetail(res, e)
	}
	// A failed task also lists checks that only cost points.
	if !res.TaskPassed {
		for _, w := range st.Warnings {
			addDetail(res, w)
		}
	}
	if !pw.Success && pw.Message != "" {
		addDetail(res, pw.Message)
	}

	if res.TaskPassed {
		res.Message = "Validation completed successfully"
	} else {
		reasons := slices.Clone(res.ErrorDetails)
		if res.TotalScore < res.MinRequired || len(reasons) == 0 {
			reasons = append(reasons, fmt.Sprintf("Score %d/%d below required %d", res.TotalScore, res.MaxScore, res.MinRequired))
		}
		res.Message = "Validation failed: " + strings.Join(reasons, "; ")
	}
	log.Result("Task %d: %d/%d (min %d) passed=%t", res.TaskID, res.TotalScore, res.MaxScore, res.MinRequired, res.TaskPassed)
}

func addDetail(res *models.TaskResult, msg string) {
	if !slices.Contains(res.ErrorDetails, msg) {
		res.ErrorDetails = append(res.ErrorDetails, msg)
	}
}
