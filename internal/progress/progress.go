// Package progress persists each student's progress through a project and
// decides which tasks are unlocked.
package progress

import (
	"context"
	"slices"
	"time"

	"github.com/spachava753/flaskgrader/internal/models"
)

// Store reads and writes StudentProgress. Get returns a fresh zero-state
// progress when nothing has been saved yet.
type Store interface {
	Get(ctx context.Context, studentID, projectID string) (*models.StudentProgress, error)
	Save(ctx context.Context, p *models.StudentProgress) error
	// Update applies fn to the current progress and saves the result as one
	// read-modify-write.
	Update(ctx context.Context, studentID, projectID string, fn func(*models.StudentProgress) error) (*models.StudentProgress, error)
}

// Advance records a passed task on p: the id is appended once, its score
// added once, and the current task moves to the first incomplete task whose
// prerequisites are all completed.
func Advance(p *models.StudentProgress, cfg *models.ProjectConfig, taskID, score int) {
	if !p.Completed(taskID) {
		p.CompletedTasks = append(p.CompletedTasks, taskID)
		p.TotalScore += score
	}
	if next, ok := NextTask(p, cfg); ok {
		p.CurrentTask = next
	}
	p.LastUpdated = time.Now().UTC()
}

// NextTask returns the first task in declaration order that is not completed
// and whose required tasks are.
func NextTask(p *models.StudentProgress, cfg *models.ProjectConfig) (int, bool) {
	for _, t := range cfg.Tasks {
		if p.Completed(t.ID) {
			continue
		}
		if prerequisitesMet(p, &t) {
			return t.ID, true
		}
	}
	return 0, false
}

func prerequisitesMet(p *models.StudentProgress, t *models.Task) bool {
	for _, req := range t.UnlockCondition.RequiredTasks {
		if !slices.Contains(p.CompletedTasks, req) {
			return false
		}
	}
	return true
}

// Unlocked reports whether taskID's required tasks are completed and the
// student's total score meets its min_score.
func Unlocked(cfg *models.ProjectConfig, p *models.StudentProgress, taskID int) bool {
	t, ok := cfg.Task(taskID)
	if !ok {
		return false
	}
	return prerequisitesMet(p, t) && p.TotalScore >= t.UnlockCondition.MinScore
}

// TaskStatus summarises one task for display.
type TaskStatus struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Completed bool   `json:"completed"`
	Unlocked  bool   `json:"unlocked"`
	Current   bool   `json:"current"`
}

// Statuses lists every task of cfg with its state for p.
func Statuses(cfg *models.ProjectConfig, p *models.StudentProgress) []TaskStatus {
	out := make([]TaskStatus, 0, len(cfg.Tasks))
	for _, t := range cfg.Tasks {
		out = append(out, TaskStatus{
			ID:        t.ID,
			Name:      t.Name,
			Completed: p.Completed(t.ID),
			Unlocked:  Unlocked(cfg, p, t.ID),
			Current:   p.CurrentTask == t.ID,
		})
	}
	return out
}
