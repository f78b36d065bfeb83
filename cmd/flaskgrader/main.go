package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spachava753/flaskgrader/internal/api"
	"github.com/spachava753/flaskgrader/internal/archive"
	"github.com/spachava753/flaskgrader/internal/config"
	"github.com/spachava753/flaskgrader/internal/grader"
	"github.com/spachava753/flaskgrader/internal/models"
	"github.com/spachava753/flaskgrader/internal/progress"
	"github.com/spachava753/flaskgrader/internal/rules"
	"github.com/spachava753/flaskgrader/internal/util"
)

const usage = `usage: flaskgrader <command> [flags]

commands:
  validate   validate one submission against a task
  batch      validate every submission listed in a manifest
  rules      lint | template | run standalone rule files
  progress   show a student's progress through a project
  serve      run the HTTP intake service
`

// errFailed signals a completed run whose outcome should exit non-zero.
var errFailed = errors.New("validation failed")

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	// Setup context with manual signal handling
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	defer func() {
		signal.Stop(sigChan)
		cancel()
	}()

	go func() {
		sig := <-sigChan
		slog.Info("interrupt received, shutting down gracefully...", "signal", sig)
		cancel()
	}()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "validate":
		err = runValidate(ctx, args)
	case "batch":
		err = runBatch(ctx, args)
	case "rules":
		err = runRules(ctx, args)
	case "progress":
		err = runProgress(ctx, args)
	case "serve":
		err = runServe(ctx, args)
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if errors.Is(err, errFailed) {
		cancel()
		os.Exit(1)
	}
	if err != nil {
		slog.Error("command failed", "error", err)
		cancel()
		os.Exit(1)
	}
}

// loadConfig reads the grader config and installs the process logger.
// Without an explicit path, ./flaskgrader.yaml is used when present.
func loadConfig(path string) (models.GraderConfig, error) {
	if path == "" {
		if _, err := os.Stat("flaskgrader.yaml"); err == nil {
			path = "flaskgrader.yaml"
		}
	}
	cfg, err := config.LoadGraderConfig(path)
	if err != nil {
		return cfg, err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return cfg, nil
}

func loadProject(path string) (*models.ProjectConfig, error) {
	if path == "" {
		return nil, errors.New("-project is required")
	}
	project, err := config.LoadProjectFile(path)
	if err != nil {
		return nil, err
	}
	for _, w := range config.ProjectWarnings(project) {
		slog.Warn("project config", "warning", w)
	}
	return project, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runValidate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", "", "grader config file (yaml or toml)")
	projectPath := fs.String("project", "", "project configuration JSON")
	taskID := fs.Int("task", 0, "task id")
	student := fs.String("student", "", "student id")
	archivePath := fs.String("archive", "", "submission zip")
	dir := fs.String("dir", "", "already extracted project directory")
	generic := fs.Bool("generic", false, "run the generic Flask checks instead of a task")
	fs.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if (*archivePath == "") == (*dir == "") {
		return errors.New("exactly one of -archive and -dir is required")
	}

	svc, err := grader.Setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	if *generic {
		root := *dir
		if *archivePath != "" {
			maxArchive, _ := util.ParseSize(cfg.MaxArchiveSize)
			maxExtracted, _ := util.ParseSize(cfg.MaxExtractedSize)
			ws, err := archive.Extract(*archivePath, maxArchive, maxExtracted)
			if err != nil {
				return err
			}
			defer ws.Cleanup()
			root = ws.Root
		}
		run, err := svc.Validator.RunRulesFile(ctx, &models.RulesFile{}, root, grader.RulesRunOptions{StudentID: *student, Generic: true})
		if err != nil {
			return err
		}
		return printJSON(run)
	}

	project, err := loadProject(*projectPath)
	if err != nil {
		return err
	}
	if *student == "" || *taskID <= 0 {
		return errors.New("-student and -task are required")
	}

	res := grader.SafeValidate(ctx, svc.Validator, grader.Request{
		Project:   project,
		TaskID:    *taskID,
		StudentID: *student,
		Archive:   *archivePath,
		Dir:       *dir,
	})
	if err := printJSON(res); err != nil {
		return err
	}
	if !res.TaskPassed {
		return errFailed
	}
	return nil
}

func runBatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	cfgPath := fs.String("config", "", "grader config file (yaml or toml)")
	projectPath := fs.String("project", "", "project configuration JSON (overrides the manifest)")
	manifestPath := fs.String("manifest", "", "submissions manifest (yaml)")
	name := fs.String("name", "", "batch name (defaults to manifest name or start time)")
	fs.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if *manifestPath == "" {
		return errors.New("-manifest is required")
	}
	m, err := config.LoadSubmissions(*manifestPath)
	if err != nil {
		return err
	}
	if *projectPath == "" {
		*projectPath = m.Project
	}
	if *name == "" {
		*name = m.Name
	}
	project, err := loadProject(*projectPath)
	if err != nil {
		return err
	}

	svc, err := grader.Setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	orch := grader.NewBatchOrchestrator(svc.Validator, project, *name)
	slog.Info("starting batch", "submissions", len(m.Submissions), "workers", orch.Workers())
	result, err := orch.Run(ctx, m.Submissions)
	if err != nil {
		return err
	}

	// Print summary
	fmt.Printf("\nBatch: %s\n", result.Name)
	fmt.Printf("Total submissions: %d\n", result.Total)
	fmt.Printf("Passed: %d\n", result.Passed)
	fmt.Printf("Failed: %d\n", result.Failed)
	fmt.Printf("Errored: %d\n", result.Errored)
	fmt.Printf("Skipped: %d\n", result.Skipped)
	fmt.Printf("Pass rate: %.2f%%\n", result.PassRate*100)
	fmt.Printf("Mean score: %.2f\n", result.MeanScore)
	fmt.Printf("Duration: %.2fs\n", result.TotalDurationSec)

	if result.Errored > 0 || result.Cancelled {
		return errFailed
	}
	return nil
}

func runRules(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: flaskgrader rules lint <file> | template <type> | run [flags]")
	}
	switch args[0] {
	case "lint":
		if len(args) < 2 {
			return errors.New("usage: flaskgrader rules lint <file>")
		}
		rf, err := config.LoadRulesFile(args[1])
		if err != nil {
			return err
		}
		issues := 0
		for i, r := range rf.Rules {
			for _, msg := range rules.Lint(r) {
				fmt.Printf("rule %d (%s): %s\n", i, r.Label(), msg)
				issues++
			}
		}
		if issues > 0 {
			return errFailed
		}
		fmt.Printf("%d rules OK\n", len(rf.Rules))
		return nil

	case "template":
		if len(args) < 2 {
			types := make([]string, len(models.RuleTypes))
			for i, t := range models.RuleTypes {
				types[i] = string(t)
			}
			return fmt.Errorf("usage: flaskgrader rules template <%s>", strings.Join(types, "|"))
		}
		r, err := rules.Template(models.RuleType(args[1]))
		if err != nil {
			return err
		}
		return printJSON(r)

	case "run":
		fs := flag.NewFlagSet("rules run", flag.ExitOnError)
		cfgPath := fs.String("config", "", "grader config file (yaml or toml)")
		rulesPath := fs.String("rules", "", "rules file (JSON)")
		dir := fs.String("dir", "", "project directory")
		student := fs.String("student", "", "student id")
		generic := fs.Bool("generic", false, "add the generic Flask checks")
		dynamic := fs.Bool("dynamic", false, "start the app even without ui_tests")
		fs.Parse(args[1:])

		cfg, err := loadConfig(*cfgPath)
		if err != nil {
			return err
		}
		if *rulesPath == "" || *dir == "" {
			return errors.New("-rules and -dir are required")
		}
		rf, err := config.LoadRulesFile(*rulesPath)
		if err != nil {
			return err
		}
		svc, err := grader.Setup(ctx, cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		run, err := svc.Validator.RunRulesFile(ctx, rf, *dir, grader.RulesRunOptions{
			StudentID: *student,
			Generic:   *generic,
			Dynamic:   *dynamic,
		})
		if err != nil {
			return err
		}
		return printJSON(run)
	}
	return fmt.Errorf("unknown rules command %q", args[0])
}

func runProgress(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "show" {
		return errors.New("usage: flaskgrader progress show -project <file> -student <id>")
	}
	fs := flag.NewFlagSet("progress show", flag.ExitOnError)
	cfgPath := fs.String("config", "", "grader config file (yaml or toml)")
	projectPath := fs.String("project", "", "project configuration JSON")
	student := fs.String("student", "", "student id")
	fs.Parse(args[1:])

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	project, err := loadProject(*projectPath)
	if err != nil {
		return err
	}
	if *student == "" {
		return errors.New("-student is required")
	}

	var store progress.Store
	switch cfg.Progress.Backend {
	case "redis":
		rs, err := progress.NewRedisStore(ctx, cfg.Progress.RedisAddr, cfg.Progress.RedisPassword, cfg.Progress.RedisDB)
		if err != nil {
			return err
		}
		defer rs.Close()
		store = rs
	default:
		store = progress.NewFileStore(cfg.LogsDir)
	}

	p, err := store.Get(ctx, *student, project.ProjectID())
	if err != nil {
		return err
	}
	fmt.Printf("Student: %s\nProject: %s\nTotal score: %d\nCurrent task: %d\n\n", p.StudentID, project.Project, p.TotalScore, p.CurrentTask)
	for _, s := range progress.Statuses(project, p) {
		state := "locked"
		switch {
		case s.Completed:
			state = "completed"
		case s.Unlocked:
			state = "unlocked"
		}
		marker := " "
		if s.Current {
			marker = "*"
		}
		fmt.Printf("%s %3d  %-10s %s\n", marker, s.ID, state, s.Name)
	}
	return nil
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", "", "grader config file (yaml or toml)")
	projectPath := fs.String("project", "", "default project configuration JSON")
	fs.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	var project *models.ProjectConfig
	if *projectPath != "" {
		if project, err = loadProject(*projectPath); err != nil {
			return err
		}
	}

	svc, err := grader.Setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	return api.NewServer(svc.Validator, project, svc.Records).Run(ctx)
}
