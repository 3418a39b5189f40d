// Package poll runs the review check: fetch, filter, diff against today's snapshot, notify and save.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"review-notifier/filter"
	"review-notifier/metrics"
	"review-notifier/ozon"
	"review-notifier/pkg/reviews"
	"review-notifier/sheets"
	"review-notifier/storage"
)

// Fetcher interface for reading reviews of a seller account.
type Fetcher interface {
	Fetch(ctx context.Context, project string, creds ozon.Credentials) ([]reviews.RawReview, error)
}

// ReferenceSource interface for loading product names and the active product set of a group.
type ReferenceSource interface {
	Load(ctx context.Context, src sheets.Source) (*reviews.ReferenceData, error)
}

// Store interface for snapshot persistence.
type Store interface {
	Load(ctx context.Context, project string, date time.Time) ([]reviews.Review, error)
	Save(ctx context.Context, project string, date time.Time, revs []reviews.Review) error
}

// Notifier interface for the team and admin channels.
type Notifier interface {
	ReviewAlert(ctx context.Context, project string, r reviews.Review) error
	AdminReport(ctx context.Context, scope string, err error)
}

// Project is one seller account.
type Project struct {
	Name        string
	Credentials ozon.Credentials
}

// Group is a set of projects sharing one reference data source.
type Group struct {
	Name     string
	Source   sheets.Source
	Projects []Project
}

// Failure is one error surfaced during a run.
type Failure struct {
	Scope string `json:"scope"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// Report summarizes one run.
type Report struct {
	StartedAt        time.Time `json:"started_at"`
	Date             string    `json:"date"`
	DurationMS       int64     `json:"duration_ms"`
	Groups           int       `json:"groups"`
	Projects         int       `json:"projects"`
	Fetched          int       `json:"fetched"`
	Kept             int       `json:"kept"`
	Skipped          int       `json:"skipped"`
	New              int       `json:"new"`
	Notified         int       `json:"notified"`
	DeliveryFailures int       `json:"delivery_failures"`
	Failures         []Failure `json:"failures,omitempty"`
}

// FailuresByKind counts failures per error kind.
func (r *Report) FailuresByKind() map[string]int {
	out := make(map[string]int)
	for _, f := range r.Failures {
		out[f.Kind]++
	}
	return out
}

// Monitor handles review polling logic.
type Monitor struct {
	fetcher  Fetcher
	refs     ReferenceSource
	store    Store
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	loc      *time.Location
	now      func() time.Time
	groups   []Group
	timeout  time.Duration
}

// New creates a new poll monitor. timeout bounds every single network call.
func New(fetcher Fetcher, refs ReferenceSource, store Store, notifier Notifier, groups []Group, loc *time.Location, timeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *Monitor {
	return &Monitor{
		fetcher:  fetcher,
		refs:     refs,
		store:    store,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
		loc:      loc,
		now:      time.Now,
		groups:   groups,
		timeout:  timeout,
	}
}

// RunAll checks every group sequentially. A failing group or project does not stop the others;
// each failure is reported to the admin channel and collected into the report.
// The returned error joins all failures and is nil when the run was clean.
func (m *Monitor) RunAll(ctx context.Context) (*Report, error) {
	start := m.now()
	refDate := today(start, m.loc)
	report := &Report{StartedAt: start, Date: refDate.Format(time.DateOnly)}

	m.logger.Info("Starting review check", "groups", len(m.groups), "date", report.Date)

	var errs []error
	for _, g := range m.groups {
		if err := ctx.Err(); err != nil {
			m.logger.Info("Context cancelled, stopping review check", "error", err)
			break
		}
		errs = append(errs, m.runGroup(ctx, g, refDate, report)...)
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	if report.DeliveryFailures > 0 {
		errs = append(errs, fmt.Errorf("%d review alerts not delivered", report.DeliveryFailures))
	}

	finished := m.now()
	report.DurationMS = finished.Sub(start).Milliseconds()
	m.metrics.RecordRun(finished.Sub(start), finished, len(errs) == 0)

	m.logger.Info("Review check completed",
		"groups", report.Groups,
		"projects", report.Projects,
		"fetched", report.Fetched,
		"kept", report.Kept,
		"new", report.New,
		"notified", report.Notified,
		"failures", len(report.Failures),
		"duration_ms", report.DurationMS)

	return report, errors.Join(errs...)
}

func (m *Monitor) runGroup(ctx context.Context, g Group, refDate time.Time, report *Report) []error {
	src := g.Source
	src.Group = g.Name

	refCtx, cancel := context.WithTimeout(ctx, m.timeout)
	ref, err := m.refs.Load(refCtx, src)
	cancel()
	if err != nil {
		m.logger.Error("Reference data unavailable, skipping group",
			"group", g.Name,
			"projects", len(g.Projects),
			"error", err)
		m.fail(ctx, report, "group "+g.Name, err)
		return []error{err}
	}
	report.Groups++

	var errs []error
	for _, p := range g.Projects {
		if ctx.Err() != nil {
			break
		}
		if err := m.runProject(ctx, p, ref, refDate, report); err != nil {
			if ctx.Err() != nil {
				// RunAll reports the cancellation once.
				break
			}
			m.logger.Error("Project check failed", "group", g.Name, "project", p.Name, "error", err)
			m.fail(ctx, report, "project "+p.Name, err)
			errs = append(errs, err)
			continue
		}
		report.Projects++
	}
	return errs
}

func (m *Monitor) runProject(ctx context.Context, p Project, ref *reviews.ReferenceData, refDate time.Time, report *Report) error {
	var counts metrics.ProjectCounts
	defer func() {
		m.metrics.RecordProject(p.Name, counts)
	}()

	fetchCtx, cancel := context.WithTimeout(ctx, m.timeout)
	raw, err := m.fetcher.Fetch(fetchCtx, p.Name, p.Credentials)
	cancel()
	if err != nil {
		if ozon.IsAuthError(err) {
			m.logger.Error("Review API rejected credentials", "project", p.Name, "client_id", p.Credentials.ClientID)
		}
		return err
	}
	counts.Fetched = len(raw)
	report.Fetched += len(raw)

	res := filter.Filter(raw, ref.Names, ref.Active, refDate, m.loc)
	for _, skipped := range res.Skipped {
		m.logger.Warn("Skipping review with bad data", "project", p.Name, "sku", skipped.SKU, "reason", skipped.Reason, "error", skipped.Err)
		m.metrics.RecordError(reviews.KindData)
	}
	counts.Kept, counts.Skipped = len(res.Reviews), len(res.Skipped)
	report.Kept += len(res.Reviews)
	report.Skipped += len(res.Skipped)

	loadCtx, cancel := context.WithTimeout(ctx, m.timeout)
	previous, err := m.store.Load(loadCtx, p.Name, refDate)
	cancel()
	found := true
	switch {
	case errors.Is(err, reviews.ErrSnapshotNotFound):
		found = false
		m.logger.Info("No snapshot yet today, every kept review is new", "project", p.Name, "date", report.Date)
	case err != nil:
		// Saving now would hide the reviews that were never notified.
		return err
	}

	fresh := storage.Diff(res.Reviews, previous, found)
	counts.New = len(fresh)
	report.New += len(fresh)

	m.logger.Info("Reviews compared with snapshot",
		"project", p.Name,
		"fetched", len(raw),
		"kept", len(res.Reviews),
		"previous", len(previous),
		"new", len(fresh))

	for _, r := range fresh {
		alertCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err := m.notifier.ReviewAlert(alertCtx, p.Name, r)
		cancel()
		if err != nil {
			counts.Failed++
			report.DeliveryFailures++
			report.Failures = append(report.Failures, Failure{
				Scope: fmt.Sprintf("project %s sku %d", p.Name, r.ProductID),
				Kind:  reviews.Kind(err),
				Error: err.Error(),
			})
			m.metrics.RecordError(reviews.Kind(err))
			continue
		}
		counts.Notified++
		report.Notified++
	}

	// A snapshot written after a cancelled alert loop would hide the unsent reviews from the next run.
	if err := ctx.Err(); err != nil {
		m.logger.Warn("Run cancelled, snapshot not saved", "project", p.Name, "error", err)
		return err
	}

	saveCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err = m.store.Save(saveCtx, p.Name, refDate, res.Reviews)
	cancel()
	if err != nil {
		return err
	}

	m.logger.Info("Project check completed",
		"project", p.Name,
		"notified", counts.Notified,
		"delivery_failures", counts.Failed)
	return nil
}

func (m *Monitor) fail(ctx context.Context, report *Report, scope string, err error) {
	kind := reviews.Kind(err)
	report.Failures = append(report.Failures, Failure{Scope: scope, Kind: kind, Error: err.Error()})
	m.metrics.RecordError(kind)
	m.notifier.AdminReport(ctx, scope, err)
}

// today returns midnight of now's calendar day in loc.
func today(now time.Time, loc *time.Location) time.Time {
	y, mo, d := now.In(loc).Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, loc)
}
