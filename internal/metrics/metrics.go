package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus counters and histograms for the scheduler.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry            *prometheus.Registry
	claimsTotal         *prometheus.CounterVec
	claimConflictsTotal prometheus.Counter
	jobFinishedTotal    *prometheus.CounterVec
	jobDurationSeconds  *prometheus.HistogramVec
	anomaliesTotal      *prometheus.CounterVec
	dbResetsTotal       prometheus.Counter
}

// New constructs a metrics registry and registers all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	claimsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "boardsched",
			Subsystem: "match",
			Name:      "polls_total",
			Help:      "Job polls by outcome (claimed, none).",
		},
		[]string{"result"},
	)
	claimConflictsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "boardsched",
			Subsystem: "match",
			Name:      "claim_conflicts_total",
			Help:      "Claim attempts lost to another device.",
		},
	)
	jobFinishedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "boardsched",
			Subsystem: "job",
			Name:      "finished_total",
			Help:      "Jobs reaching a final status.",
		},
		[]string{"status"},
	)
	jobDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "boardsched",
			Subsystem: "job",
			Name:      "duration_seconds",
			Help:      "Job runtime from claim to completion.",
			Buckets:   []float64{5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200, 14400},
		},
		[]string{"status"},
	)
	anomaliesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "boardsched",
			Name:      "anomalies_total",
			Help:      "Unexpected device or job states recovered to a default.",
		},
		[]string{"kind"},
	)
	dbResetsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "boardsched",
			Subsystem: "db",
			Name:      "resets_total",
			Help:      "Connection pool resets after a lost database connection.",
		},
	)

	registry.MustRegister(
		claimsTotal,
		claimConflictsTotal,
		jobFinishedTotal,
		jobDurationSeconds,
		anomaliesTotal,
		dbResetsTotal,
	)

	return &Metrics{
		registry:            registry,
		claimsTotal:         claimsTotal,
		claimConflictsTotal: claimConflictsTotal,
		jobFinishedTotal:    jobFinishedTotal,
		jobDurationSeconds:  jobDurationSeconds,
		anomaliesTotal:      anomaliesTotal,
		dbResetsTotal:       dbResetsTotal,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncPoll(claimed bool) {
	if m == nil {
		return
	}
	result := "none"
	if claimed {
		result = "claimed"
	}
	m.claimsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncClaimConflict() {
	if m == nil {
		return
	}
	m.claimConflictsTotal.Inc()
}

func (m *Metrics) IncJobFinished(status string) {
	if m == nil {
		return
	}
	m.jobFinishedTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveJobDuration(status string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		return
	}
	m.jobDurationSeconds.WithLabelValues(status).Observe(seconds)
}

func (m *Metrics) IncAnomaly(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.anomaliesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncDBReset() {
	if m == nil {
		return
	}
	m.dbResetsTotal.Inc()
}
