package models

import "time"

// ValidationResult is the outcome of one check. It is never mutated after it
// is appended to a result log.
type ValidationResult struct {
	Name      string `json:"name"`
	Passed    bool   `json:"passed"`
	Points    int    `json:"points"`
	MaxPoints int    `json:"max_points"`
	Message   string `json:"message"`
	// HardError marks failures that make static validation unsuccessful
	// regardless of score: missing files, unusable rules.
	HardError bool `json:"hard_error,omitempty"`
	// ExecutionError marks rules that could not be run at all.
	ExecutionError bool `json:"execution_error,omitempty"`
}

// RunState is a step in the per-task validation state machine.
type RunState string

const (
	StateNotStarted        RunState = "NOT_STARTED"
	StateExtracting        RunState = "EXTRACTING"
	StateStaticValidating  RunState = "STATIC_VALIDATING"
	StateSkipDynamic       RunState = "SKIP_DYNAMIC"
	StateAppStarting       RunState = "APP_STARTING"
	StateAppReady          RunState = "APP_READY"
	StateBrowserValidating RunState = "BROWSER_VALIDATING"
	StateScoring           RunState = "SCORING"
	StatePersisted         RunState = "PERSISTED"
)

// StaticValidation summarises the static rule phase.
type StaticValidation struct {
	Success  bool               `json:"success"`
	Score    int                `json:"score"`
	MaxScore int                `json:"max_score"`
	Errors   []string           `json:"errors"`
	Warnings []string           `json:"warnings"`
	Message  string             `json:"message"`
	Results  []ValidationResult `json:"validation_results"`
}

// BrowserValidation summarises the browser script phase.
type BrowserValidation struct {
	Success     bool               `json:"success"`
	Status      string             `json:"status,omitempty"`
	Score       int                `json:"score"`
	MaxScore    int                `json:"max_score"`
	Screenshots []string           `json:"screenshots"`
	Message     string             `json:"message"`
	Errors      []string           `json:"errors,omitempty"`
	Results     []ValidationResult `json:"validation_results,omitempty"`
}

// ProbeRecord is one endpoint probe recorded on a TaskResult.
type ProbeRecord struct {
	Endpoint        string         `json:"endpoint"`
	URL             string         `json:"url"`
	Action          string         `json:"action"`
	StatusCode      int            `json:"status_code"`
	OK              bool           `json:"ok"`
	Payload         map[string]any `json:"payload,omitempty"`
	ResponseSnippet string         `json:"response_snippet,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// TaskResult aggregates static and browser validation for one
// (student, task) pair. One is written per validation attempt.
type TaskResult struct {
	Success              bool              `json:"success"`
	RunID                string            `json:"run_id"`
	ProjectID            string            `json:"project_id"`
	TaskID               int               `json:"task_id"`
	TaskName             string            `json:"task_name"`
	StudentID            string            `json:"student_id"`
	Timestamp            string            `json:"timestamp"`
	StaticValidation     StaticValidation  `json:"static_validation"`
	PlaywrightValidation BrowserValidation `json:"playwright_validation"`
	TotalScore           int               `json:"total_score"`
	MaxScore             int               `json:"max_score"`
	MinRequired          int               `json:"min_required"`
	TaskPassed           bool              `json:"task_passed"`
	Screenshots          []string          `json:"screenshots"`
	Message              string            `json:"message"`
	ErrorDetails         []string          `json:"error_details"`
	Errors               []ErrorDetail     `json:"errors,omitempty"`
	Warnings             []string          `json:"warnings,omitempty"`
	Endpoints            []string          `json:"endpoints,omitempty"`
	Probes               []ProbeRecord     `json:"probes,omitempty"`
	States               []RunState        `json:"states"`
	LogFile              string            `json:"log_file,omitempty"`
	LogTail              []string          `json:"log_tail,omitempty"`
	JSONFile             string            `json:"json_file,omitempty"`
	Durations            Durations         `json:"durations"`
	Timestamps           Timestamps        `json:"timestamps"`

	// Populated only when validation aborted at the outer boundary.
	Error     string `json:"error,omitempty"`
	Traceback string `json:"traceback,omitempty"`
}

// Fail appends a typed error and its message to the error details.
func (r *TaskResult) Fail(t ErrorType, msg string) {
	r.Errors = append(r.Errors, ErrorDetail{Type: t, Message: msg})
	r.ErrorDetails = append(r.ErrorDetails, msg)
}

// Enter records a state transition.
func (r *TaskResult) Enter(s RunState) {
	r.States = append(r.States, s)
}

// State returns the most recent state.
func (r *TaskResult) State() RunState {
	if len(r.States) == 0 {
		return StateNotStarted
	}
	return r.States[len(r.States)-1]
}

type Durations struct {
	TotalSec   float64  `json:"total_sec"`
	ExtractSec *float64 `json:"extract_sec"`
	StaticSec  *float64 `json:"static_sec"`
	AppSec     *float64 `json:"app_startup_sec"`
	BrowserSec *float64 `json:"browser_sec"`
}

type Timestamps struct {
	StartedAt        time.Time  `json:"started_at"`
	StaticStartedAt  time.Time  `json:"static_started_at"`
	StaticEndedAt    time.Time  `json:"static_ended_at"`
	AppStartedAt     *time.Time `json:"app_started_at"`
	AppReadyAt       *time.Time `json:"app_ready_at"`
	BrowserStartedAt *time.Time `json:"browser_started_at"`
	BrowserEndedAt   *time.Time `json:"browser_ended_at"`
	EndedAt          time.Time  `json:"ended_at"`
}

// StudentProgress tracks one student's progress through one project.
type StudentProgress struct {
	StudentID      string    `json:"student_id"`
	ProjectID      string    `json:"project_id"`
	CompletedTasks []int     `json:"completed_tasks"`
	CurrentTask    int       `json:"current_task"`
	TotalScore     int       `json:"total_score"`
	LastUpdated    time.Time `json:"last_updated"`
}

// NewStudentProgress returns the zero-state progress used on first read.
func NewStudentProgress(studentID, projectID string) *StudentProgress {
	return &StudentProgress{
		StudentID:      studentID,
		ProjectID:      projectID,
		CompletedTasks: []int{},
		CurrentTask:    1,
		LastUpdated:    time.Now().UTC(),
	}
}

// Completed reports whether taskID is in the completed set.
func (p *StudentProgress) Completed(taskID int) bool {
	for _, id := range p.CompletedTasks {
		if id == taskID {
			return true
		}
	}
	return false
}
