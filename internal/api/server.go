// Package api exposes the grader over HTTP: archive intake, validation
// records and student progress.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/spachava753/flaskgrader/internal/grader"
	"github.com/spachava753/flaskgrader/internal/models"
	"github.com/spachava753/flaskgrader/internal/records"
)

// Server is the HTTP intake service.
type Server struct {
	cfg       models.GraderConfig
	validator *grader.Validator
	project   *models.ProjectConfig
	records   records.Store
	limiters  *limiterSet
	router    *chi.Mux
	uploadDir string
	// slot admits one validation at a time; the student port is exclusive.
	slot chan struct{}
}

// NewServer creates a Server grading submissions against project.
func NewServer(v *grader.Validator, project *models.ProjectConfig, recs records.Store) *Server {
	cfg := v.Config()
	s := &Server{
		cfg:       cfg,
		validator: v,
		project:   project,
		records:   recs,
		limiters:  newLimiterSet(cfg.API.RateLimit, cfg.API.Burst),
		uploadDir: filepath.Join(cfg.LogsDir, "uploads"),
		slot:      make(chan struct{}, 1),
	}
	s.setupRouter()
	return s
}

// Router returns the configured router.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.With(s.rateLimit).Post("/submit", s.handleSubmit)

		r.Route("/records", func(r chi.Router) {
			r.Get("/", s.handleListRecords)
			r.Get("/{student}", s.handleListRecords)
		})

		r.Get("/progress/{student}/{project}", s.handleGetProgress)
	})

	s.router = r
}

// loggingMiddleware logs HTTP requests using slog
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			slog.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
				"remote_addr", r.RemoteAddr,
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully. Uploads are
// kept under <logs_dir>/uploads while they are validated.
func (s *Server) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.uploadDir, 0755); err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              s.cfg.API.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api listening", "addr", s.cfg.API.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down api: %w", err)
	}
	return nil
}
