package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"review-notifier/metrics"
	"review-notifier/pkg/reviews"
	"review-notifier/poll"
	"review-notifier/storage"
)

type fakePoller struct {
	report  *poll.Report
	err     error
	started chan struct{}
	release chan struct{}
	ctxErr  error
}

func (p *fakePoller) RunAll(ctx context.Context) (*poll.Report, error) {
	if p.started != nil {
		close(p.started)
		<-p.release
	}
	p.ctxErr = ctx.Err()
	return p.report, p.err
}

func newTestServer(t *testing.T, p Poller) (*Server, *storage.Store) {
	t.Helper()
	store := storage.New(nil, "", t.TempDir(), slog.Default())
	s := New(&Config{
		Poller:    p,
		Snapshots: store,
		Metrics:   metrics.New().Handler(),
		Logger:    slog.Default(),
		Location:  time.FixedZone("MSK", 3*60*60),
	})
	s.now = func() time.Time { return time.Date(2025, 10, 13, 12, 0, 0, 0, time.UTC) }
	return s, store
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, &fakePoller{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("GET /health = %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /health = %d, want 405", rec.Code)
	}
}

func TestPoll(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		err        error
		wantStatus int
	}{
		{"success", http.MethodPost, nil, http.StatusOK},
		{"run failures", http.MethodPost, errors.New("project project1 failed"), http.StatusInternalServerError},
		{"wrong method", http.MethodGet, nil, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePoller{report: &poll.Report{Date: "2025-10-13", New: 2, Notified: 2}, err: tt.err}
			s, _ := newTestServer(t, p)

			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(tt.method, "/pollz", nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.method != http.MethodPost {
				return
			}
			var got poll.Report
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatalf("decode report: %v", err)
			}
			if got.Notified != 2 || got.Date != "2025-10-13" {
				t.Errorf("report = %+v", got)
			}
		})
	}
}

func TestPollRejectsConcurrentRun(t *testing.T) {
	p := &fakePoller{report: &poll.Report{}, started: make(chan struct{}), release: make(chan struct{})}
	s, _ := newTestServer(t, p)
	h := s.Handler()

	done := make(chan int)
	go func() {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pollz", nil))
		done <- rec.Code
	}()
	<-p.started

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pollz", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("concurrent POST /pollz = %d, want 409", rec.Code)
	}

	close(p.release)
	if code := <-done; code != http.StatusOK {
		t.Errorf("first POST /pollz = %d, want 200", code)
	}
}

func TestPollSurvivesClientDisconnect(t *testing.T) {
	p := &fakePoller{report: &poll.Report{}, started: make(chan struct{}), release: make(chan struct{})}
	s, _ := newTestServer(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pollz", nil).WithContext(ctx))
	}()
	<-p.started
	cancel()
	close(p.release)
	<-done

	if p.ctxErr != nil {
		t.Errorf("run context error after client disconnect = %v, want nil", p.ctxErr)
	}
}

func TestSnapshots(t *testing.T) {
	s, store := newTestServer(t, &fakePoller{})
	day := time.Date(2025, 10, 13, 0, 0, 0, 0, time.FixedZone("MSK", 3*60*60))
	revs := []reviews.Review{{ProductID: 100, DisplayName: "Чайник", Comment: "bad", Rating: 3, PublishedAt: day.Add(10 * time.Hour)}}
	if err := store.Save(context.Background(), "project1", day, revs); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantBody   string
	}{
		{"explicit date", "?project=project1&date=2025-10-13", http.StatusOK, "Чайник"},
		{"defaults to today", "?project=project1", http.StatusOK, `"reviews"`},
		{"missing day", "?project=project1&date=2025-10-12", http.StatusNotFound, ""},
		{"bad date", "?project=project1&date=13.10.2025", http.StatusBadRequest, ""},
		{"missing project", "", http.StatusBadRequest, ""},
		{"path traversal", "?project=../etc", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/snapshots"+tt.query, nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %s, want containing %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, &fakePoller{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Errorf("GET /metrics = %d", rec.Code)
	}
}
