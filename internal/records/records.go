// Package records keeps the history of validation attempts.
package records

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spachava753/flaskgrader/internal/models"
)

// Record is the stored summary of one TaskResult.
type Record struct {
	RunID      string          `json:"run_id"`
	StudentID  string          `json:"student_id"`
	ProjectID  string          `json:"project_id"`
	TaskID     int             `json:"task_id"`
	TaskName   string          `json:"task_name"`
	Passed     bool            `json:"task_passed"`
	TotalScore int             `json:"total_score"`
	MaxScore   int             `json:"max_score"`
	CreatedAt  time.Time       `json:"created_at"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// FromResult builds a Record carrying the full result document.
func FromResult(r *models.TaskResult) (Record, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return Record{}, fmt.Errorf("marshaling result: %w", err)
	}
	created := r.Timestamps.EndedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return Record{
		RunID:      r.RunID,
		StudentID:  r.StudentID,
		ProjectID:  r.ProjectID,
		TaskID:     r.TaskID,
		TaskName:   r.TaskName,
		Passed:     r.TaskPassed,
		TotalScore: r.TotalScore,
		MaxScore:   r.MaxScore,
		CreatedAt:  created,
		Result:     raw,
	}, nil
}

// Filter narrows a listing. Zero values match everything.
type Filter struct {
	StudentID string
	ProjectID string
	TaskID    int
	Limit     int
}

func (f Filter) match(r Record) bool {
	return (f.StudentID == "" || r.StudentID == f.StudentID) &&
		(f.ProjectID == "" || r.ProjectID == f.ProjectID) &&
		(f.TaskID == 0 || r.TaskID == f.TaskID)
}

// Store persists records. List returns newest first.
type Store interface {
	Add(ctx context.Context, r Record) error
	List(ctx context.Context, f Filter) ([]Record, error)
	Close() error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Add(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0)
	for _, r := range s.records {
		if f.match(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
