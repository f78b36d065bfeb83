package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/spachava753/flaskgrader/internal/models"
)

// SubmissionManifest lists the archives a batch run grades.
type SubmissionManifest struct {
	Name        string              `yaml:"name,omitempty"`
	Project     string              `yaml:"project,omitempty"`
	Submissions []models.Submission `yaml:"submissions"`
}

// LoadSubmissions reads a batch manifest. Relative archive and project paths
// are resolved against the manifest's directory.
func LoadSubmissions(path string) (*SubmissionManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading submissions manifest: %w", err)
	}

	var m SubmissionManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing submissions manifest: %w", err)
	}

	base := filepath.Dir(path)
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	m.Project = resolve(m.Project)
	for i, s := range m.Submissions {
		if s.StudentID == "" {
			return nil, fmt.Errorf("submission[%d]: student_id is required", i)
		}
		if s.TaskID <= 0 {
			return nil, fmt.Errorf("submission[%d]: task_id must be a positive integer", i)
		}
		if s.Archive == "" {
			return nil, fmt.Errorf("submission[%d]: archive is required", i)
		}
		m.Submissions[i].Archive = resolve(s.Archive)
	}
	return &m, nil
}
