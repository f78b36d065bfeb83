package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/spachava753/flaskgrader/internal/config"
	"github.com/spachava753/flaskgrader/internal/grader"
	"github.com/spachava753/flaskgrader/internal/models"
	"github.com/spachava753/flaskgrader/internal/progress"
	"github.com/spachava753/flaskgrader/internal/records"
	"github.com/spachava753/flaskgrader/internal/util"
)

// Response helpers

type apiResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := apiResponse{Error: &apiError{Code: code, Message: message}}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleSubmit accepts a multipart upload with fields archive, student_id,
// task_id and an optional project_config file, validates it and returns the
// TaskResult.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	maxArchive, err := util.ParseSize(s.cfg.MaxArchiveSize)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "config_invalid", "invalid max_archive_size")
		return
	}
	if maxArchive > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxArchive+1<<20)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			respondError(w, http.StatusRequestEntityTooLarge, string(models.ErrArchiveTooLarge), fmt.Sprintf("upload exceeds %s", util.FormatSize(maxArchive)))
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", "expected a multipart form")
		return
	}

	studentID := r.FormValue("student_id")
	if studentID == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "student_id is required")
		return
	}
	taskID, err := strconv.Atoi(r.FormValue("task_id"))
	if err != nil || taskID <= 0 {
		respondError(w, http.StatusBadRequest, "validation_error", "task_id must be a positive integer")
		return
	}

	project, err := s.submittedProject(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, string(models.ErrConfigInvalid), err.Error())
		return
	}

	path, err := s.saveUpload(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, string(models.ErrArchiveInvalid), err.Error())
		return
	}
	defer os.Remove(path)

	select {
	case s.slot <- struct{}{}:
		defer func() { <-s.slot }()
	case <-r.Context().Done():
		respondError(w, http.StatusServiceUnavailable, "busy", "request cancelled while waiting for the grader")
		return
	}

	res := grader.SafeValidate(r.Context(), s.validator, grader.Request{
		Project:   project,
		TaskID:    taskID,
		StudentID: studentID,
		Archive:   path,
	})
	slog.Info("submission graded", "student", studentID, "task", taskID, "passed", res.TaskPassed, "score", res.TotalScore)
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) submittedProject(r *http.Request) (*models.ProjectConfig, error) {
	f, _, err := r.FormFile("project_config")
	if errors.Is(err, http.ErrMissingFile) {
		if s.project == nil {
			return nil, errors.New("no project configured; upload project_config")
		}
		return s.project, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading project_config: %w", err)
	}
	return config.ParseProjectConfig(data)
}

func (s *Server) saveUpload(r *http.Request) (string, error) {
	f, _, err := r.FormFile("archive")
	if err != nil {
		return "", fmt.Errorf("archive is required: %w", err)
	}
	defer f.Close()

	if err := os.MkdirAll(s.uploadDir, 0755); err != nil {
		return "", fmt.Errorf("creating upload dir: %w", err)
	}
	path := filepath.Join(s.uploadDir, uuid.NewString()+".zip")
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("storing upload: %w", err)
	}
	if _, err := io.Copy(out, f); err != nil {
		out.Close()
		os.Remove(path)
		return "", fmt.Errorf("storing upload: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("storing upload: %w", err)
	}
	return path, nil
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := records.Filter{
		StudentID: chi.URLParam(r, "student"),
		ProjectID: q.Get("project"),
	}
	if f.StudentID == "" {
		f.StudentID = q.Get("student")
	}
	for key, dst := range map[string]*int{"task": &f.TaskID, "limit": &f.Limit} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "validation_error", key+" must be a non-negative integer")
			return
		}
		*dst = n
	}

	list, err := s.records.List(r.Context(), f)
	if err != nil {
		slog.Error("failed to list records", "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to list records")
		return
	}
	if list == nil {
		list = []records.Record{}
	}
	respondJSON(w, http.StatusOK, list)
}

type progressResponse struct {
	Progress *models.StudentProgress `json:"progress"`
	Tasks    []progress.TaskStatus   `json:"tasks,omitempty"`
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	student := chi.URLParam(r, "student")
	projectID := chi.URLParam(r, "project")

	store := s.validator.Progress()
	if store == nil {
		respondError(w, http.StatusServiceUnavailable, "not_configured", "no progress store configured")
		return
	}
	p, err := store.Get(r.Context(), student, projectID)
	if err != nil {
		slog.Error("failed to read progress", "student", student, "project", projectID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to read progress")
		return
	}

	resp := progressResponse{Progress: p}
	if s.project != nil && s.project.ProjectID() == projectID {
		resp.Tasks = progress.Statuses(s.project, p)
	}
	respondJSON(w, http.StatusOK, resp)
}
