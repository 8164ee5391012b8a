// Package metrics holds the Prometheus instruments of a calsync process.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every recorder is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	events            *prometheus.CounterVec
	fetchFailures     prometheus.Counter
	partitionFailures prometheus.Counter
	participants      prometheus.Counter
	runs              *prometheus.CounterVec
	runDuration       prometheus.Histogram
	lastRun           prometheus.Gauge
}

// New registers every instrument on a private registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "calsync",
		Name:      "events_total",
		Help:      "Reconciled events by subject kind and outcome",
	}, []string{"kind", "op"})
	m.fetchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "calsync",
		Name:      "fetch_failures_total",
		Help:      "Week views that could not be fetched",
	})
	m.partitionFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "calsync",
		Name:      "partition_failures_total",
		Help:      "Partitions rolled back because of store errors",
	})
	m.participants = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "calsync",
		Name:      "participants_linked_total",
		Help:      "Participant links written by enrichment",
	})
	m.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "calsync",
		Name:      "runs_total",
		Help:      "Completed sync runs by mode",
	}, []string{"mode"})
	m.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "calsync",
		Name:      "run_duration_seconds",
		Help:      "Wall time of a sync run",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
	})
	m.lastRun = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "calsync",
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix time of the last completed sync run",
	})

	m.registry.MustRegister(
		m.events, m.fetchFailures, m.partitionFailures, m.participants,
		m.runs, m.runDuration, m.lastRun,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Events adds n events of subject kind with outcome op
// (added, updated, deleted, unchanged, skipped).
func (m *Metrics) Events(kind, op string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.events.WithLabelValues(kind, op).Add(float64(n))
}

func (m *Metrics) FetchFailed() {
	if m == nil {
		return
	}
	m.fetchFailures.Inc()
}

func (m *Metrics) PartitionFailed() {
	if m == nil {
		return
	}
	m.partitionFailures.Inc()
}

func (m *Metrics) ParticipantsLinked(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.participants.Add(float64(n))
}

// RunFinished records a completed run.
func (m *Metrics) RunFinished(mode string, elapsed time.Duration, at time.Time) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(mode).Inc()
	m.runDuration.Observe(elapsed.Seconds())
	m.lastRun.Set(float64(at.Unix()))
}
