package models

import "time"

// Submission is one archive to grade against one task.
type Submission struct {
	StudentID string `json:"student_id" yaml:"student_id"`
	TaskID    int    `json:"task_id" yaml:"task_id"`
	Archive   string `json:"archive" yaml:"archive"`
}

// BatchResult contains aggregate metrics across all submissions of a batch.
type BatchResult struct {
	Name             string                   `json:"name"`
	Cancelled        bool                     `json:"cancelled"`
	Total            int                      `json:"total"`
	Passed           int                      `json:"passed"`
	Failed           int                      `json:"failed"`
	Errored          int                      `json:"errored"`
	Skipped          int                      `json:"skipped"`
	PassRate         float64                  `json:"pass_rate"`
	MeanScore        float64                  `json:"mean_score"`
	TotalDurationSec float64                  `json:"total_duration_sec"`
	StartedAt        time.Time                `json:"started_at"`
	EndedAt          time.Time                `json:"ended_at"`
	Tasks            map[int]TaskBatchSummary `json:"tasks"`
	Results          []SubmissionSummary      `json:"results"`
}

type TaskBatchSummary struct {
	Total     int     `json:"total"`
	Passed    int     `json:"passed"`
	PassRate  float64 `json:"pass_rate"`
	MeanScore float64 `json:"mean_score"`
}

type SubmissionSummary struct {
	StudentID  string `json:"student_id"`
	TaskID     int    `json:"task_id"`
	Archive    string `json:"archive"`
	Passed     bool   `json:"passed"`
	TotalScore int    `json:"total_score"`
	MaxScore   int    `json:"max_score"`
	Error      string `json:"error,omitempty"`
	JSONFile   string `json:"json_file,omitempty"`
}
