package models

// ErrorType identifies the category of error that occurred.
type ErrorType string

const (
	// Archive phase
	ErrArchiveInvalid  ErrorType = "archive_invalid"
	ErrArchiveTooLarge ErrorType = "archive_too_large"

	// Configuration
	ErrConfigInvalid       ErrorType = "config_invalid"
	ErrTaskNotFound        ErrorType = "task_not_found"
	ErrRuleExecutionFailed ErrorType = "rule_execution_failed"

	// Application lifecycle
	ErrAppEntryNotFound ErrorType = "app_entry_not_found"
	ErrAppStartFailed   ErrorType = "app_start_failed"
	ErrAppNotReachable  ErrorType = "app_not_reachable"
	ErrAppExited        ErrorType = "app_exited"

	// Browser phase
	ErrBrowserUnavailable  ErrorType = "browser_unavailable"
	ErrBrowserScriptFailed ErrorType = "browser_script_failed"

	// Persistence
	ErrProgressUpdateFailed ErrorType = "progress_update_failed"
	ErrResultWriteFailed    ErrorType = "result_write_failed"

	// Catch-all
	ErrInternalError ErrorType = "internal_error"
)

// ErrorDetail is a typed, human-readable failure attached to a TaskResult.
type ErrorDetail struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
}
