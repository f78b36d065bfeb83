package grader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/spachava753/flaskgrader/internal/models"
)

// BatchOrchestrator grades many submissions against one project.
// Submissions of the same student run sequentially in manifest order so
// progress advances the way it would interactively; different students run
// concurrently up to the configured worker count.
type BatchOrchestrator struct {
	validator *Validator
	project   *models.ProjectConfig
	name      string
}

// NewBatchOrchestrator creates a batch orchestrator. An empty name is
// replaced by the start time.
func NewBatchOrchestrator(v *Validator, project *models.ProjectConfig, name string) *BatchOrchestrator {
	return &BatchOrchestrator{validator: v, project: project, name: name}
}

// Workers returns the effective concurrency. The local provider binds the
// single configured port, so it always runs one submission at a time.
func (o *BatchOrchestrator) Workers() int {
	cfg := o.validator.Config()
	if cfg.Provider == models.ProviderLocal || cfg.Workers <= 0 {
		return 1
	}
	return cfg.Workers
}

// Run grades every submission and writes the aggregate to
// <logs_dir>/batches/<name>.json. Submissions not started before ctx is
// cancelled are counted as skipped.
func (o *BatchOrchestrator) Run(ctx context.Context, subs []models.Submission) (*models.BatchResult, error) {
	startTime := time.Now()
	cfg := o.validator.Config()

	name := o.name
	if name == "" {
		name = startTime.Format("2006-01-02__15-04-05")
	}
	batchDir := filepath.Join(cfg.LogsDir, "batches")
	if err := os.MkdirAll(batchDir, 0755); err != nil {
		return nil, fmt.Errorf("creating batch directory: %w", err)
	}
	outPath := filepath.Join(batchDir, name+".json")
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("batch result %s already exists (will not overwrite existing results)", outPath)
	}
	if err != nil {
		return nil, fmt.Errorf("creating batch result: %w", err)
	}
	defer out.Close()

	// Group by student, keeping first-seen order
	var students []string
	byStudent := make(map[string][]models.Submission)
	for _, s := range subs {
		if _, ok := byStudent[s.StudentID]; !ok {
			students = append(students, s.StudentID)
		}
		byStudent[s.StudentID] = append(byStudent[s.StudentID], s)
	}

	workers := o.Workers()
	ports := make(chan int, workers)
	for i := range workers {
		ports <- cfg.Port + i
	}

	var (
		mu      sync.Mutex
		results []*models.TaskResult
		skipped int
	)
	g := new(errgroup.Group)
	g.SetLimit(workers)
	for _, student := range students {
		queue := byStudent[student]
		g.Go(func() error {
			port := <-ports
			defer func() { ports <- port }()

			for i, s := range queue {
				if ctx.Err() != nil {
					mu.Lock()
					skipped += len(queue) - i
					mu.Unlock()
					return nil
				}
				req := Request{
					Project:   o.project,
					TaskID:    s.TaskID,
					StudentID: s.StudentID,
					Archive:   s.Archive,
				}
				if workers > 1 {
					req.Port = port
				}
				res := SafeValidate(ctx, o.validator, req)
				slog.Info("graded submission", "student", s.StudentID, "task", s.TaskID, "passed", res.TaskPassed, "score", res.TotalScore)

				mu.Lock()
				results = append(results, res)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	br := aggregate(name, subs, results, startTime)
	br.Skipped = skipped
	br.Cancelled = skipped > 0

	data, err := json.MarshalIndent(br, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling batch result: %w", err)
	}
	if _, err := out.Write(data); err != nil {
		return nil, fmt.Errorf("writing batch result: %w", err)
	}
	return br, nil
}

func aggregate(name string, subs []models.Submission, results []*models.TaskResult, startTime time.Time) *models.BatchResult {
	br := &models.BatchResult{
		Name:      name,
		Total:     len(subs),
		StartedAt: startTime,
		EndedAt:   time.Now(),
		Tasks:     make(map[int]models.TaskBatchSummary),
		Results:   make([]models.SubmissionSummary, 0, len(results)),
	}
	br.TotalDurationSec = br.EndedAt.Sub(br.StartedAt).Seconds()

	archives := make(map[string]string)
	for _, s := range subs {
		archives[fmt.Sprintf("%s/%d", s.StudentID, s.TaskID)] = s.Archive
	}

	type acc struct {
		total, passed, score int
	}
	perTask := make(map[int]*acc)
	var totalScore int
	for _, r := range results {
		a := perTask[r.TaskID]
		if a == nil {
			a = &acc{}
			perTask[r.TaskID] = a
		}
		a.total++
		a.score += r.TotalScore
		totalScore += r.TotalScore

		switch {
		case r.Error != "":
			br.Errored++
		case r.TaskPassed:
			br.Passed++
			a.passed++
		default:
			br.Failed++
		}

		br.Results = append(br.Results, models.SubmissionSummary{
			StudentID:  r.StudentID,
			TaskID:     r.TaskID,
			Archive:    archives[fmt.Sprintf("%s/%d", r.StudentID, r.TaskID)],
			Passed:     r.TaskPassed,
			TotalScore: r.TotalScore,
			MaxScore:   r.MaxScore,
			Error:      r.Error,
			JSONFile:   r.JSONFile,
		})
	}

	slices.SortStableFunc(br.Results, func(a, b models.SubmissionSummary) int {
		if c := strings.Compare(a.StudentID, b.StudentID); c != 0 {
			return c
		}
		return a.TaskID - b.TaskID
	})

	if n := len(results); n > 0 {
		br.PassRate = float64(br.Passed) / float64(n)
		br.MeanScore = float64(totalScore) / float64(n)
	}
	for id, a := range perTask {
		br.Tasks[id] = models.TaskBatchSummary{
			Total:     a.total,
			Passed:    a.passed,
			PassRate:  float64(a.passed) / float64(a.total),
			MeanScore: float64(a.score) / float64(a.total),
		}
	}
	return br
}
