// Package api exposes read-only run status over HTTP: health, stored
// reports, and a live SSE event stream for the watch UI.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/latticeci/lattice/internal/events"
	"github.com/latticeci/lattice/internal/storage"
)

// ReportStore is the slice of run history the API needs.
type ReportStore interface {
	Report(ctx context.Context, runID string) ([]byte, error)
	LatestRunID(ctx context.Context) (string, error)
}

// Server is the status HTTP server.
type Server struct {
	listen    string
	reports   ReportStore
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates the status server.
func New(listen string, reports ReportStore, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		listen:    listen,
		reports:   reports,
		hub:       hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.listen,
		Handler:     s.routes(),
		ReadTimeout: 10 * time.Second,
		// SSE connections are long-lived; no write timeout.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("status server starting", "listen", s.listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("status server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/report", s.handleLatestReport)
	r.Get("/report/{runID}", s.handleReport)
	r.Get("/events", s.handleEvents)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleLatestReport(w http.ResponseWriter, r *http.Request) {
	runID, err := s.reports.LatestRunID(r.Context())
	if errors.Is(err, storage.ErrRunNotFound) {
		s.writeError(w, http.StatusNotFound, "no runs recorded")
		return
	}
	if err != nil {
		s.logger.Error("latest run lookup failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load run history")
		return
	}
	s.serveReport(w, r, runID)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	s.serveReport(w, r, chi.URLParam(r, "runID"))
}

func (s *Server) serveReport(w http.ResponseWriter, r *http.Request, runID string) {
	raw, err := s.reports.Report(r.Context(), runID)
	if errors.Is(err, storage.ErrRunNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("report load failed", "run_id", runID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load report")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{"error": message})
}
