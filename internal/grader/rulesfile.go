package grader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/spachava753/flaskgrader/internal/browser"
	"github.com/spachava753/flaskgrader/internal/crud"
	"github.com/spachava753/flaskgrader/internal/models"
	"github.com/spachava753/flaskgrader/internal/rules"
	"github.com/spachava753/flaskgrader/internal/runlog"
	"github.com/spachava753/flaskgrader/internal/util"
)

// RulesRunOptions controls a rules-file run.
type RulesRunOptions struct {
	StudentID string
	// Generic adds the generic Flask checks to the rule results.
	Generic bool
	// Dynamic starts the app even when the file has no ui_tests.
	Dynamic bool
}

// RulesRun is the summary written for one rules-file run.
type RulesRun struct {
	RunID     string                    `json:"run_id"`
	StudentID string                    `json:"student_id"`
	Timestamp string                    `json:"timestamp"`
	Checks    []models.ValidationResult `json:"checks"`
	Score     int                       `json:"score"`
	MaxScore  int                       `json:"max_score"`
	Endpoints []string                  `json:"endpoints"`
	CRUD      []models.ProbeRecord      `json:"crud"`
	UI        []browser.CaseResult      `json:"ui"`
	Message   string                    `json:"message"`
	LogFile   string                    `json:"log_file,omitempty"`
	JSONFile  string                    `json:"json_file,omitempty"`
}

func (r *RulesRun) add(checks ...models.ValidationResult) {
	for _, c := range checks {
		r.Checks = append(r.Checks, c)
		r.Score += c.Points
		r.MaxScore += c.MaxPoints
	}
}

// RunRulesFile evaluates a standalone rules document against the project
// tree at root, optionally running the app for endpoint probing and ui_tests.
func (v *Validator) RunRulesFile(ctx context.Context, rf *models.RulesFile, root string, opts RulesRunOptions) (*RulesRun, error) {
	start := time.Now()
	run := &RulesRun{
		RunID:     uuid.NewString(),
		StudentID: opts.StudentID,
		Timestamp: start.Format(TimestampLayout),
		Checks:    []models.ValidationResult{},
		Endpoints: []string{},
		CRUD:      []models.ProbeRecord{},
		UI:        []browser.CaseResult{},
	}

	base, err := reserve(filepath.Join(v.cfg.LogsDir, util.SafeSegment(opts.StudentID)), "rules_run_"+run.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("reserving result files: %w", err)
	}
	run.JSONFile, run.LogFile = base+".json", base+".log"
	log, err := runlog.Create(run.LogFile)
	if err != nil {
		return nil, fmt.Errorf("creating validation log: %w", err)
	}
	defer log.Close()

	fsys := os.DirFS(root)
	rep := v.interpreter.EvaluateAll(rf.Rules, fsys)
	run.add(rep.Results...)
	if opts.Generic {
		run.add(rules.GenericChecks(fsys).Results...)
	}
	for _, c := range run.Checks {
		logCheck(log, c)
	}

	if len(rf.UITests) > 0 || opts.Dynamic {
		v.runRulesDynamic(ctx, rf, root, run, log)
	}

	run.Message = fmt.Sprintf("Score %d/%d", run.Score, run.MaxScore)
	log.Result("Rules run %s: %s", run.RunID, run.Message)
	if err := writeJSON(run.JSONFile, run); err != nil {
		return run, err
	}
	return run, nil
}

func (v *Validator) runRulesDynamic(ctx context.Context, rf *models.RulesFile, root string, run *RulesRun, log *runlog.Logger) {
	app, _, err := v.startApp(ctx, root, v.cfg.Port, log)
	if err != nil {
		log.Error("%v", err)
		run.add(models.ValidationResult{Name: "Flask application startup", Message: err.Error()})
		return
	}
	defer stopApp(app, log)

	run.Endpoints, run.CRUD = v.probe(ctx, root, app.BaseURL(), log)
	run.add(crud.Checks(run.CRUD)...)

	if len(rf.UITests) == 0 {
		return
	}
	if v.newDriver == nil {
		log.Warn("ui_tests skipped: no browser driver configured")
		return
	}
	driver, err := v.newDriver(ctx)
	if err != nil {
		log.Error("browser unavailable: %v", err)
		run.add(models.ValidationResult{Name: "Browser startup", Message: err.Error()})
		return
	}
	defer driver.Close()

	dir := filepath.Join(v.cfg.ScreenshotsDir, util.SafeSegment(run.StudentID), "rules_"+run.Timestamp)
	runner := browser.NewRunner(driver, v.cfg.Browser.Settle, log)
	run.UI = runner.RunSuite(ctx, app.BaseURL(), rf.UITests, dir)
	run.add(browser.SuiteChecks(run.UI)...)
}
