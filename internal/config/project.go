package config

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spachava753/flaskgrader/internal/models"
)

// LoadProjectConfig loads and parses a project configuration document from the
// given filesystem.
func LoadProjectConfig(fsys fs.FS, name string) (*models.ProjectConfig, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("reading project config: %w", err)
	}
	return ParseProjectConfig(data)
}

// LoadProjectFile loads a project configuration document from disk.
func LoadProjectFile(path string) (*models.ProjectConfig, error) {
	return LoadProjectConfig(os.DirFS(filepath.Dir(path)), filepath.Base(path))
}

// ParseProjectConfig decodes a project configuration document and checks that
// its task ids are usable.
func ParseProjectConfig(data []byte) (*models.ProjectConfig, error) {
	var cfg models.ProjectConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing project config: %w", err)
	}

	seen := make(map[int]bool, len(cfg.Tasks))
	for i, t := range cfg.Tasks {
		if t.ID <= 0 {
			return nil, fmt.Errorf("task[%d]: id must be a positive integer", i)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("task[%d]: duplicate id %d", i, t.ID)
		}
		seen[t.ID] = true
	}
	return &cfg, nil
}

// ProjectWarnings reports configuration inconsistencies that do not prevent
// grading but make a task unpassable or unreachable.
func ProjectWarnings(cfg *models.ProjectConfig) []string {
	var warnings []string
	ids := make(map[int]bool, len(cfg.Tasks))
	for _, t := range cfg.Tasks {
		ids[t.ID] = true
	}

	for i := range cfg.Tasks {
		t := &cfg.Tasks[i]
		if w := MinScoreWarning(t); w != "" {
			warnings = append(warnings, w)
		}
		for _, req := range t.UnlockCondition.RequiredTasks {
			if !ids[req] {
				warnings = append(warnings, fmt.Sprintf("task %d requires unknown task %d", t.ID, req))
			}
			if req == t.ID {
				warnings = append(warnings, fmt.Sprintf("task %d requires itself", t.ID))
			}
		}
	}
	return warnings
}

// MinScoreWarning returns a message when the task's min_score exceeds what a
// perfect submission can earn, or "" when the threshold is feasible.
func MinScoreWarning(t *models.Task) string {
	maxScore := t.MaxAchievable()
	if t.UnlockCondition.MinScore > maxScore {
		return fmt.Sprintf("task %d (%s): min_score %d exceeds maximum achievable score %d; the task cannot be passed",
			t.ID, t.Name, t.UnlockCondition.MinScore, maxScore)
	}
	return ""
}

// LoadRulesFile loads a standalone {"rules": [...], "ui_tests": [...]} document.
func LoadRulesFile(path string) (*models.RulesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}

	var rf models.RulesFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing rules file: %w", err)
	}
	return &rf, nil
}
