package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spachava753/flaskgrader/internal/models"
	"github.com/spachava753/flaskgrader/internal/util"
)

// FileStore keeps progress as JSON files under
// <dir>/<student>/progress_<project>.json.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a FileStore rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Path returns the progress file for a student and project. Both IDs are
// reduced to single path elements, matching where result files are written.
func (s *FileStore) Path(studentID, projectID string) string {
	return filepath.Join(s.dir, util.SafeSegment(studentID), fmt.Sprintf("progress_%s.json", util.SafeSegment(projectID)))
}

func (s *FileStore) Get(ctx context.Context, studentID, projectID string) (*models.StudentProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(studentID, projectID)
}

func (s *FileStore) read(studentID, projectID string) (*models.StudentProgress, error) {
	data, err := os.ReadFile(s.Path(studentID, projectID))
	if errors.Is(err, os.ErrNotExist) {
		return models.NewStudentProgress(studentID, projectID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading progress: %w", err)
	}

	var p models.StudentProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing progress: %w", err)
	}
	if p.CompletedTasks == nil {
		p.CompletedTasks = []int{}
	}
	return &p, nil
}

func (s *FileStore) Save(ctx context.Context, p *models.StudentProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(p)
}

// write replaces the progress file atomically.
func (s *FileStore) write(p *models.StudentProgress) error {
	path := s.Path(p.StudentID, p.ProjectID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating progress dir: %w", err)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling progress: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".progress-*.json")
	if err != nil {
		return fmt.Errorf("creating temp progress file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing progress: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing progress: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing progress file: %w", err)
	}
	return nil
}

func (s *FileStore) Update(ctx context.Context, studentID, projectID string, fn func(*models.StudentProgress) error) (*models.StudentProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.read(studentID, projectID)
	if err != nil {
		return nil, err
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	if err := s.write(p); err != nil {
		return nil, err
	}
	return p, nil
}
