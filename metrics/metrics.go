// Package metrics exposes Prometheus collectors for review runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one process. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ReviewsFetched   *prometheus.CounterVec
	ReviewsKept      *prometheus.CounterVec
	ReviewsNew       *prometheus.CounterVec
	ReviewsSkipped   *prometheus.CounterVec
	AlertsSent       *prometheus.CounterVec
	AlertFailures    *prometheus.CounterVec
	Errors           *prometheus.CounterVec
	RunDuration      prometheus.Histogram
	LastRunTimestamp *prometheus.GaugeVec
}

// New registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ReviewsFetched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "review_notifier_reviews_fetched_total",
			Help: "Reviews returned by the review API",
		}, []string{"project"}),
		ReviewsKept: f.NewCounterVec(prometheus.CounterOpts{
			Name: "review_notifier_reviews_kept_total",
			Help: "Reviews passing the date, rating and active product filter",
		}, []string{"project"}),
		ReviewsNew: f.NewCounterVec(prometheus.CounterOpts{
			Name: "review_notifier_reviews_new_total",
			Help: "Reviews not present in the previous snapshot",
		}, []string{"project"}),
		ReviewsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "review_notifier_reviews_skipped_total",
			Help: "Reviews skipped because of missing or malformed data",
		}, []string{"project"}),
		AlertsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "review_notifier_alerts_sent_total",
			Help: "Review alerts delivered to the team channel",
		}, []string{"project"}),
		AlertFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "review_notifier_alert_failures_total",
			Help: "Review alerts that could not be delivered",
		}, []string{"project"}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "review_notifier_errors_total",
			Help: "Run errors by kind",
		}, []string{"kind"}), // kind: transient, data, reference, persistence, unknown
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "review_notifier_run_duration_seconds",
			Help:    "Duration of a full run over all groups",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4m
		}),
		LastRunTimestamp: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "review_notifier_last_run_timestamp_seconds",
			Help: "Unix time of the last finished run",
		}, []string{"status"}), // status: success, failed
	}
}

// ProjectCounts are the per-project numbers of one run.
type ProjectCounts struct {
	Fetched  int
	Kept     int
	New      int
	Skipped  int
	Notified int
	Failed   int
}

// RecordProject adds the counts of one processed project.
func (m *Metrics) RecordProject(project string, c ProjectCounts) {
	if m == nil {
		return
	}
	m.ReviewsFetched.WithLabelValues(project).Add(float64(c.Fetched))
	m.ReviewsKept.WithLabelValues(project).Add(float64(c.Kept))
	m.ReviewsNew.WithLabelValues(project).Add(float64(c.New))
	m.ReviewsSkipped.WithLabelValues(project).Add(float64(c.Skipped))
	m.AlertsSent.WithLabelValues(project).Add(float64(c.Notified))
	m.AlertFailures.WithLabelValues(project).Add(float64(c.Failed))
}

// RecordError counts one error of the given kind.
func (m *Metrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(kind).Inc()
}

// RecordRun records the duration and completion time of a run.
func (m *Metrics) RecordRun(duration time.Duration, finished time.Time, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	m.RunDuration.Observe(duration.Seconds())
	m.LastRunTimestamp.WithLabelValues(status).Set(float64(finished.Unix()))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
