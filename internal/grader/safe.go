package grader

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/spachava753/flaskgrader/internal/models"
)

// SafeValidate runs ValidateTask and never fails: an error or panic becomes
// an unsuccessful TaskResult carrying the message and a stack trace.
func SafeValidate(ctx context.Context, v *Validator, req Request) (res *models.TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			res = internalFailure(req, fmt.Sprintf("panic during validation: %v", r), string(debug.Stack()))
		}
	}()

	res, err := v.ValidateTask(ctx, req)
	if err != nil {
		return internalFailure(req, err.Error(), string(debug.Stack()))
	}
	return res
}

func internalFailure(req Request, msg, trace string) *models.TaskResult {
	res := &models.TaskResult{
		TaskID:       req.TaskID,
		StudentID:    req.StudentID,
		Timestamp:    time.Now().Format(TimestampLayout),
		Screenshots:  []string{},
		ErrorDetails: []string{},
		Message:      "Validation failed: " + msg,
		Error:        msg,
		Traceback:    trace,
	}
	if req.Project != nil {
		res.ProjectID = req.Project.ProjectID()
		if t, ok := req.Project.Task(req.TaskID); ok {
			res.TaskName = t.Name
			res.MinRequired = t.UnlockCondition.MinScore
		}
	}
	res.StaticValidation = models.StaticValidation{Errors: []string{}, Warnings: []string{}}
	res.PlaywrightValidation = models.BrowserValidation{Screenshots: []string{}}
	res.Fail(models.ErrInternalError, msg)
	return res
}
