// Package metrics exposes Prometheus metrics for pipeline runs, record flow,
// conflicts and alerts.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/prospect-sync/internal/model"
)

const namespace = "prospect_sync"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	staged        *prometheus.CounterVec
	quarantined   *prometheus.CounterVec
	loaded        prometheus.Counter
	conflicts     *prometheus.CounterVec
	manualReview  prometheus.Counter
	alerts        *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	qualityScore  prometheus.Gauge
	lastRunUnix   prometheus.Gauge
}

// Option configures New.
type Option func(*options)

type options struct {
	registry *prometheus.Registry
	buckets  []float64
}

// WithRegistry registers collectors on r instead of a fresh registry.
func WithRegistry(r *prometheus.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithBuckets overrides the phase duration histogram buckets, in seconds.
func WithBuckets(b []float64) Option {
	return func(o *options) { o.buckets = b }
}

// New creates and registers the collectors.
func New(opts ...Option) *Metrics {
	o := options{buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}
	auto := promauto.With(o.registry)

	return &Metrics{
		registry: o.registry,
		runs: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished pipeline runs by final status.",
		}, []string{"status"}),
		staged: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_staged_total",
			Help:      "Staging records appended by source.",
		}, []string{"source"}),
		quarantined: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_quarantined_total",
			Help:      "Records quarantined by source.",
		}, []string{"source"}),
		loaded: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_loaded_total",
			Help:      "Canonical field writes committed.",
		}),
		conflicts: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Tolerance-exceeding conflicts by field and resolution rule.",
		}, []string{"field", "rule"}),
		manualReview: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manual_review_total",
			Help:      "Conflicts left for manual review.",
		}),
		alerts: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_raised_total",
			Help:      "Alerts raised by severity and type.",
		}, []string{"severity", "type"}),
		phaseDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Phase wall time by phase and outcome.",
			Buckets:   o.buckets,
		}, []string{"phase", "status"}),
		qualityScore: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quality_score",
			Help:      "Overall quality score of the last published run.",
		}),
		lastRunUnix: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_finished_unix",
			Help:      "Unix time the last run finished.",
		}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RunFinished counts a finished run.
func (m *Metrics) RunFinished(status model.RunStatus, at time.Time) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(status)).Inc()
	m.lastRunUnix.Set(float64(at.Unix()))
}

// Staged counts staged records for a source.
func (m *Metrics) Staged(src model.Source, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.staged.WithLabelValues(string(src)).Add(float64(n))
}

// Quarantined counts quarantined records for a source.
func (m *Metrics) Quarantined(src model.Source, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.quarantined.WithLabelValues(string(src)).Add(float64(n))
}

// Loaded counts committed field writes.
func (m *Metrics) Loaded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.loaded.Add(float64(n))
}

// Conflict counts one conflict record.
func (m *Metrics) Conflict(c *model.ConflictRecord) {
	if m == nil || c == nil {
		return
	}
	m.conflicts.WithLabelValues(c.FieldName, c.ResolutionRule).Inc()
	if c.RequiresManualReview {
		m.manualReview.Inc()
	}
}

// AlertRaised counts a newly persisted alert.
func (m *Metrics) AlertRaised(a model.Alert) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(string(a.Severity), string(a.Type)).Inc()
}

// Phase observes one phase's duration.
func (m *Metrics) Phase(p model.Phase, status model.PhaseStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(string(p), string(status)).Observe(d.Seconds())
}

// QualityScore records the overall score of a published run.
func (m *Metrics) QualityScore(v float64) {
	if m == nil {
		return
	}
	m.qualityScore.Set(v)
}
