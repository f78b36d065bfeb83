package grader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spachava753/flaskgrader/internal/models"
	"github.com/spachava753/flaskgrader/internal/progress"
	"github.com/spachava753/flaskgrader/internal/records"
	"github.com/spachava753/flaskgrader/internal/runlog"
)

// reserve claims <dir>/<name>.json exclusively, adding a numeric suffix when
// the name is taken, and returns the path without extension. Result files
// are never overwritten.
func reserve(dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	for i := 0; i < 1000; i++ {
		base := filepath.Join(dir, name)
		if i > 0 {
			base = fmt.Sprintf("%s_%d", base, i)
		}
		f, err := os.OpenFile(base+".json", os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		f.Close()
		return base, nil
	}
	return "", fmt.Errorf("no free result name for %s", name)
}


// persist updates progress on a pass, writes the result JSON, then records
// and uploads it. Only the first two can change the result.
func (v *Validator) persist(ctx context.Context, req Request, res *models.TaskResult, log *runlog.Logger) {
	if res.TaskPassed && v.progress != nil {
		p, err := v.progress.Update(ctx, req.StudentID, res.ProjectID, func(p *models.StudentProgress) error {
			progress.Advance(p, req.Project, res.TaskID, res.TotalScore)
			return nil
		})
		if err != nil {
			res.Fail(models.ErrProgressUpdateFailed, fmt.Sprintf("updating progress: %v", err))
			log.Error("updating progress: %v", err)
		} else {
			log.Info("Progress updated: completed %v, current task %d, total score %d", p.CompletedTasks, p.CurrentTask, p.TotalScore)
		}
	}

	res.Enter(models.StatePersisted)
	res.Timestamps.EndedAt = time.Now()
	res.Durations.TotalSec = res.Timestamps.EndedAt.Sub(res.Timestamps.StartedAt).Seconds()
	log.Result("%s", res.Message)
	res.LogTail = tail(log.Lines(), logTailLines)

	if err := writeJSON(res.JSONFile, res); err != nil {
		res.Fail(models.ErrResultWriteFailed, err.Error())
		log.Error("%v", err)
	}

	if v.records != nil {
		rec, err := records.FromResult(res)
		if err == nil {
			err = v.records.Add(ctx, rec)
		}
		if err != nil {
			log.Warn("recording result: %v", err)
		}
	}
	if v.uploader != nil {
		keys, err := v.uploader.Upload(ctx, res)
		if err != nil {
			log.Warn("uploading artifacts: %v", err)
		} else {
			log.Info("Uploaded %d artifacts", len(keys))
		}
	}
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}
	return nil
}

func tail(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
