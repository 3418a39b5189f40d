package poll

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"review-notifier/metrics"
	"review-notifier/ozon"
	"review-notifier/pkg/reviews"
	"review-notifier/sheets"
	"review-notifier/storage"
)

var moscow = time.FixedZone("MSK", 3*60*60)

type fakeFetcher struct {
	reviews map[string][]reviews.RawReview
	errs    map[string]error
	calls   []string
}

func (f *fakeFetcher) Fetch(_ context.Context, project string, _ ozon.Credentials) ([]reviews.RawReview, error) {
	f.calls = append(f.calls, project)
	if err := f.errs[project]; err != nil {
		return nil, err
	}
	return f.reviews[project], nil
}

type fakeRefs struct {
	data *reviews.ReferenceData
	err  error
}

func (f *fakeRefs) Load(context.Context, sheets.Source) (*reviews.ReferenceData, error) {
	return f.data, f.err
}

type memStore struct {
	mu      sync.Mutex
	data    map[string][]reviews.Review
	loadErr map[string]error
	saveErr map[string]error
	saves   int
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]reviews.Review)}
}

func (s *memStore) Load(_ context.Context, project string, date time.Time) ([]reviews.Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadErr[project]; err != nil {
		return nil, err
	}
	revs, ok := s.data[storage.SnapshotKey(project, date)]
	if !ok {
		return nil, reviews.ErrSnapshotNotFound
	}
	return revs, nil
}

func (s *memStore) Save(_ context.Context, project string, date time.Time, revs []reviews.Review) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.saveErr[project]; err != nil {
		return err
	}
	s.saves++
	s.data[storage.SnapshotKey(project, date)] = append([]reviews.Review(nil), revs...)
	return nil
}

type alert struct {
	project string
	review  reviews.Review
}

type report struct {
	scope string
	err   error
}

type fakeNotifier struct {
	alerts  []alert
	reports []report
	fail    error
	onAlert func()
}

func (n *fakeNotifier) ReviewAlert(ctx context.Context, project string, r reviews.Review) error {
	if n.fail != nil {
		return &reviews.FetchError{Service: "team channel", Project: project, Err: n.fail}
	}
	if err := ctx.Err(); err != nil {
		return &reviews.FetchError{Service: "team channel", Project: project, Err: err}
	}
	n.alerts = append(n.alerts, alert{project, r})
	if n.onAlert != nil {
		n.onAlert()
	}
	return nil
}

func (n *fakeNotifier) AdminReport(_ context.Context, scope string, err error) {
	n.reports = append(n.reports, report{scope, err})
}

func raw(sku int64, rating int, text, publishedAt string) reviews.RawReview {
	return reviews.RawReview{SKU: sku, Rating: rating, Text: text, PublishedAt: publishedAt, Status: "PROCESSED"}
}

func testGroups() []Group {
	return []Group{{
		Name:   "p_1_3",
		Source: sheets.Source{NamesSpreadsheetID: "names", SalesSpreadsheetID: "sales"},
		Projects: []Project{
			{Name: "project1", Credentials: ozon.Credentials{ClientID: "1", APIKey: "k1"}},
			{Name: "project3", Credentials: ozon.Credentials{ClientID: "3", APIKey: "k3"}},
		},
	}}
}

func testRefs() *fakeRefs {
	return &fakeRefs{data: &reviews.ReferenceData{
		Names:  reviews.ProductNameIndex{100: "Чайник", 200: "Утюг"},
		Active: reviews.ActiveProductSet{100: 20, 200: 13},
	}}
}

func newTestMonitor(f *fakeFetcher, refs *fakeRefs, store Store, n *fakeNotifier) *Monitor {
	m := New(f, refs, store, n, testGroups(), moscow, time.Second, metrics.New(), slog.Default())
	m.now = func() time.Time { return time.Date(2025, 10, 13, 12, 0, 0, 0, moscow) }
	return m
}

func TestRunAllFirstRunNotifiesAndSaves(t *testing.T) {
	f := &fakeFetcher{reviews: map[string][]reviews.RawReview{
		"project1": {raw(100, 3, "bad", "2025-10-13T07:00:00Z")},
	}}
	store := newMemStore()
	n := &fakeNotifier{}
	m := newTestMonitor(f, testRefs(), store, n)

	rep, err := m.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll() error = %v", err)
	}

	if len(n.alerts) != 1 || n.alerts[0].project != "project1" || n.alerts[0].review.ProductID != 100 {
		t.Fatalf("alerts = %+v, want one for product 100", n.alerts)
	}
	if n.alerts[0].review.DisplayName != "Чайник" {
		t.Errorf("DisplayName = %q", n.alerts[0].review.DisplayName)
	}

	saved := store.data[storage.SnapshotKey("project1", time.Date(2025, 10, 13, 0, 0, 0, 0, moscow))]
	if len(saved) != 1 || !saved[0].Equal(n.alerts[0].review) {
		t.Errorf("saved snapshot = %+v", saved)
	}
	// project3 had no reviews but still gets an empty snapshot.
	if store.saves != 2 {
		t.Errorf("saves = %d, want 2", store.saves)
	}
	if rep.Date != "2025-10-13" || rep.Groups != 1 || rep.Projects != 2 || rep.New != 1 || rep.Notified != 1 {
		t.Errorf("report = %+v", rep)
	}
}

func TestRunAllSecondRunNotifiesOnlyNew(t *testing.T) {
	f := &fakeFetcher{reviews: map[string][]reviews.RawReview{
		"project1": {raw(100, 3, "bad", "2025-10-13T07:00:00Z")},
	}}
	store := newMemStore()
	n := &fakeNotifier{}
	m := newTestMonitor(f, testRefs(), store, n)

	if _, err := m.RunAll(context.Background()); err != nil {
		t.Fatalf("first RunAll() error = %v", err)
	}

	f.reviews["project1"] = []reviews.RawReview{
		raw(200, 2, "worse", "2025-10-13T08:00:00Z"),
		raw(100, 3, "bad", "2025-10-13T07:00:00Z"),
	}
	n.alerts = nil

	rep, err := m.RunAll(context.Background())
	if err != nil {
		t.Fatalf("second RunAll() error = %v", err)
	}
	if len(n.alerts) != 1 || n.alerts[0].review.ProductID != 200 || n.alerts[0].review.Comment != "worse" {
		t.Fatalf("alerts = %+v, want only product 200", n.alerts)
	}
	if rep.Kept != 2 || rep.New != 1 {
		t.Errorf("report = %+v", rep)
	}

	// Unchanged third run sends nothing.
	n.alerts = nil
	if _, err := m.RunAll(context.Background()); err != nil {
		t.Fatalf("third RunAll() error = %v", err)
	}
	if len(n.alerts) != 0 {
		t.Errorf("alerts on unchanged rerun = %+v", n.alerts)
	}
}

func TestRunAllFilters(t *testing.T) {
	f := &fakeFetcher{reviews: map[string][]reviews.RawReview{
		"project1": {
			raw(300, 1, "inactive product", "2025-10-13T07:00:00Z"),
			raw(100, 5, "five stars", "2025-10-13T07:00:00Z"),
			raw(100, 2, "yesterday", "2025-10-12T20:00:00Z"),
			raw(100, 2, "no date", ""),
			raw(100, 2, "garbage date", "13.10.2025"),
			raw(200, 4, "kept", "2025-10-12T21:30:00Z"), // 00:30 MSK
		},
	}}
	n := &fakeNotifier{}
	m := newTestMonitor(f, testRefs(), newMemStore(), n)

	rep, err := m.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll() error = %v", err)
	}
	if len(n.alerts) != 1 || n.alerts[0].review.Comment != "kept" {
		t.Fatalf("alerts = %+v, want only the kept review", n.alerts)
	}
	if rep.Skipped != 2 {
		t.Errorf("Skipped = %d, want 2", rep.Skipped)
	}
	if len(rep.Failures) != 0 || len(n.reports) != 0 {
		t.Errorf("data issues must not be run failures: %+v %+v", rep.Failures, n.reports)
	}
}

func TestRunAllSnapshotLoadFailure(t *testing.T) {
	f := &fakeFetcher{reviews: map[string][]reviews.RawReview{
		"project1": {raw(100, 3, "bad", "2025-10-13T07:00:00Z")},
		"project3": {raw(200, 1, "awful", "2025-10-13T07:00:00Z")},
	}}
	store := newMemStore()
	store.loadErr = map[string]error{
		"project1": &reviews.PersistenceError{Op: "load", Project: "project1", Err: errors.New("disk on fire")},
	}
	n := &fakeNotifier{}
	m := newTestMonitor(f, testRefs(), store, n)

	rep, err := m.RunAll(context.Background())
	if err == nil {
		t.Fatal("RunAll() error = nil, want persistence error")
	}

	for _, a := range n.alerts {
		if a.project == "project1" {
			t.Errorf("project1 must not notify when its snapshot cannot be read: %+v", a)
		}
	}
	if _, ok := store.data[storage.SnapshotKey("project1", time.Date(2025, 10, 13, 0, 0, 0, 0, moscow))]; ok {
		t.Error("project1 snapshot must not be overwritten")
	}
	if len(n.alerts) != 1 || n.alerts[0].project != "project3" {
		t.Errorf("sibling project should still notify: %+v", n.alerts)
	}
	if len(n.reports) != 1 || n.reports[0].scope != "project project1" || reviews.Kind(n.reports[0].err) != reviews.KindPersistence {
		t.Errorf("admin reports = %+v", n.reports)
	}
	if rep.FailuresByKind()[reviews.KindPersistence] != 1 {
		t.Errorf("failures = %+v", rep.Failures)
	}
}

func TestRunAllReferenceFailureAbortsGroup(t *testing.T) {
	f := &fakeFetcher{}
	refs := &fakeRefs{err: &reviews.ReferenceError{Group: "p_1_3", Sheet: "Продажи", Err: errors.New("403")}}
	store := newMemStore()
	n := &fakeNotifier{}
	m := newTestMonitor(f, refs, store, n)

	rep, err := m.RunAll(context.Background())
	if err == nil {
		t.Fatal("RunAll() error = nil, want reference error")
	}
	if len(f.calls) != 0 {
		t.Errorf("no project of the group should be fetched, got %v", f.calls)
	}
	if store.saves != 0 {
		t.Errorf("saves = %d, want 0", store.saves)
	}
	if len(n.reports) != 1 || n.reports[0].scope != "group p_1_3" || reviews.Kind(n.reports[0].err) != reviews.KindReference {
		t.Errorf("admin reports = %+v", n.reports)
	}
	if rep.Groups != 0 || rep.Projects != 0 {
		t.Errorf("report = %+v", rep)
	}
}

func TestRunAllFetchFailureIsolatedToProject(t *testing.T) {
	f := &fakeFetcher{
		reviews: map[string][]reviews.RawReview{
			"project3": {raw(200, 1, "awful", "2025-10-13T07:00:00Z")},
		},
		errs: map[string]error{
			"project1": &reviews.FetchError{Service: "review api", Project: "project1", Err: errors.New("502")},
		},
	}
	n := &fakeNotifier{}
	m := newTestMonitor(f, testRefs(), newMemStore(), n)

	rep, err := m.RunAll(context.Background())
	if err == nil {
		t.Fatal("RunAll() error = nil, want fetch error")
	}
	if len(f.calls) != 2 {
		t.Errorf("fetch calls = %v, want both projects", f.calls)
	}
	if len(n.alerts) != 1 || n.alerts[0].project != "project3" {
		t.Errorf("alerts = %+v", n.alerts)
	}
	if len(n.reports) != 1 || !strings.Contains(n.reports[0].scope, "project1") {
		t.Errorf("admin reports = %+v", n.reports)
	}
	if rep.Projects != 1 || rep.FailuresByKind()[reviews.KindTransient] != 1 {
		t.Errorf("report = %+v", rep)
	}
}

func TestRunAllDeliveryFailureStillSaves(t *testing.T) {
	f := &fakeFetcher{reviews: map[string][]reviews.RawReview{
		"project1": {raw(100, 3, "bad", "2025-10-13T07:00:00Z")},
	}}
	store := newMemStore()
	n := &fakeNotifier{fail: errors.New("telegram down")}
	m := newTestMonitor(f, testRefs(), store, n)

	rep, err := m.RunAll(context.Background())
	if err == nil {
		t.Fatal("RunAll() error = nil, want delivery error")
	}
	if rep.DeliveryFailures != 1 || rep.Notified != 0 {
		t.Errorf("report = %+v", rep)
	}
	if saved := store.data[storage.SnapshotKey("project1", time.Date(2025, 10, 13, 0, 0, 0, 0, moscow))]; len(saved) != 1 {
		t.Errorf("snapshot should be saved despite delivery failure, got %+v", saved)
	}
}

func TestRunAllSaveFailureReported(t *testing.T) {
	f := &fakeFetcher{reviews: map[string][]reviews.RawReview{
		"project1": {raw(100, 3, "bad", "2025-10-13T07:00:00Z")},
	}}
	store := newMemStore()
	store.saveErr = map[string]error{
		"project1": &reviews.PersistenceError{Op: "save", Project: "project1", Err: errors.New("read-only")},
	}
	n := &fakeNotifier{}
	m := newTestMonitor(f, testRefs(), store, n)

	if _, err := m.RunAll(context.Background()); err == nil {
		t.Fatal("RunAll() error = nil, want save error")
	}
	if len(n.reports) != 1 || reviews.Kind(n.reports[0].err) != reviews.KindPersistence {
		t.Errorf("admin reports = %+v", n.reports)
	}
}

func TestRunAllWithLocalStore(t *testing.T) {
	store := storage.New(nil, "", t.TempDir(), slog.Default())
	f := &fakeFetcher{reviews: map[string][]reviews.RawReview{
		"project1": {raw(100, 3, "Протекает «носик»", "2025-10-13T07:00:00.123Z")},
	}}
	n := &fakeNotifier{}
	m := newTestMonitor(f, testRefs(), store, n)

	for i := range 2 {
		if _, err := m.RunAll(context.Background()); err != nil {
			t.Fatalf("RunAll() #%d error = %v", i+1, err)
		}
	}
	if len(n.alerts) != 1 {
		t.Errorf("alerts after two identical runs = %d, want 1", len(n.alerts))
	}
}

func TestRunAllCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := &fakeFetcher{}
	m := newTestMonitor(f, testRefs(), newMemStore(), &fakeNotifier{})

	if _, err := m.RunAll(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("RunAll() error = %v, want context.Canceled", err)
	}
	if len(f.calls) != 0 {
		t.Errorf("fetch calls = %v, want none", f.calls)
	}
}

func TestRunAllCancelledDuringAlertsKeepsSnapshot(t *testing.T) {
	store := storage.New(nil, "", t.TempDir(), slog.Default())
	f := &fakeFetcher{reviews: map[string][]reviews.RawReview{
		"project1": {
			raw(100, 3, "Протекает", "2025-10-13T07:00:00Z"),
			raw(200, 2, "Не греет", "2025-10-13T08:00:00Z"),
		},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := &fakeNotifier{onAlert: cancel}
	m := newTestMonitor(f, testRefs(), store, n)

	if _, err := m.RunAll(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("RunAll() error = %v, want context.Canceled", err)
	}
	if len(n.alerts) != 1 {
		t.Fatalf("alerts before cancel = %d, want 1", len(n.alerts))
	}
	if _, err := store.Load(context.Background(), "project1", time.Date(2025, 10, 13, 0, 0, 0, 0, moscow)); !errors.Is(err, reviews.ErrSnapshotNotFound) {
		t.Fatalf("snapshot after cancelled run: error = %v, want ErrSnapshotNotFound", err)
	}
	if len(n.reports) != 0 {
		t.Errorf("admin reports = %+v, want none for cancellation", n.reports)
	}

	n.onAlert = nil
	if _, err := m.RunAll(context.Background()); err != nil {
		t.Fatalf("rerun error = %v", err)
	}
	delivered := make(map[int64]int)
	for _, a := range n.alerts {
		delivered[a.review.ProductID]++
	}
	if delivered[200] != 1 || delivered[100] != 2 {
		t.Errorf("alerts per sku = %v, want review 200 delivered on rerun", delivered)
	}
}

func TestToday(t *testing.T) {
	// 22:30 UTC on the 12th is already the 13th in Moscow.
	got := today(time.Date(2025, 10, 12, 22, 30, 0, 0, time.UTC), moscow)
	want := time.Date(2025, 10, 13, 0, 0, 0, 0, moscow)
	if !got.Equal(want) {
		t.Errorf("today() = %v, want %v", got, want)
	}
}
