// Package server handles HTTP endpoints and the optional in-process schedule.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"review-notifier/pkg/reviews"
	"review-notifier/poll"
	"review-notifier/storage"
)

// Poller interface for triggering checks.
type Poller interface {
	RunAll(ctx context.Context) (*poll.Report, error)
}

// SnapshotLoader interface for reading stored snapshots.
type SnapshotLoader interface {
	Load(ctx context.Context, project string, date time.Time) ([]reviews.Review, error)
}

// Server handles HTTP requests.
type Server struct {
	poller    Poller
	snapshots SnapshotLoader
	metrics   http.Handler
	logger    *slog.Logger
	loc       *time.Location
	now       func() time.Time
	mu        sync.Mutex // held while a run is in flight
}

// Config holds server configuration.
type Config struct {
	Poller    Poller
	Snapshots SnapshotLoader
	Metrics   http.Handler
	Logger    *slog.Logger
	Location  *time.Location
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Server{
		poller:    cfg.Poller,
		snapshots: cfg.Snapshots,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		loc:       loc,
		now:       time.Now,
	}
}

// Handler returns the routes of the service.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	mux.HandleFunc("/snapshots", s.handleSnapshot)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// ListenAndServe starts the server and, when interval is positive, runs checks on a ticker.
// It returns when ctx is cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context, port string, interval time.Duration) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Minute, // A /pollz run covers every project
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if interval > 0 {
		go s.schedule(ctx, interval)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port, "interval", interval.String())
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) schedule(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, ran, _ := s.run(ctx); !ran {
				s.logger.Warn("Skipping scheduled check, previous run still in progress")
			}
		}
	}
}

// run executes one check unless another one is in flight.
func (s *Server) run(ctx context.Context) (report *poll.Report, ran bool, err error) {
	if !s.mu.TryLock() {
		return nil, false, nil
	}
	defer s.mu.Unlock()

	report, err = s.poller.RunAll(ctx)
	if err != nil {
		s.logger.Error("Review check finished with errors", "error", err)
	}
	return report, true, err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
		return
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered")

	// The run outlives a client that hangs up.
	report, ran, err := s.run(context.WithoutCancel(r.Context()))
	if !ran {
		http.Error(w, "Check already in progress", http.StatusConflict)
		return
	}

	status := http.StatusOK
	if err != nil {
		status = http.StatusInternalServerError
	}
	s.writeJSON(w, status, report)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	project := r.URL.Query().Get("project")
	date := s.now().In(s.loc)
	if d := r.URL.Query().Get("date"); d != "" {
		parsed, err := time.ParseInLocation(time.DateOnly, d, s.loc)
		if err != nil {
			http.Error(w, "Invalid date, want YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		date = parsed
	}
	if storage.SnapshotKey(project, date) == "" {
		http.Error(w, "Invalid project", http.StatusBadRequest)
		return
	}

	revs, err := s.snapshots.Load(r.Context(), project, date)
	if errors.Is(err, reviews.ErrSnapshotNotFound) {
		http.Error(w, "Snapshot not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("Failed to load snapshot", "project", project, "date", date.Format(time.DateOnly), "error", err)
		http.Error(w, "Failed to load snapshot", http.StatusInternalServerError)
		return
	}

	data, err := storage.Encode(revs)
	if err != nil {
		http.Error(w, "Failed to encode snapshot", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("Failed to write snapshot response", "error", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
