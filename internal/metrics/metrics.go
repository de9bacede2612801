package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the orchestrator collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	jobsTotal          *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	findingsTotal      *prometheus.CounterVec
	enrichmentWarnings *prometheus.CounterVec
	persistRetries     prometheus.Counter
	requestsTotal      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{Registry: prometheus.NewRegistry()}
	m.jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darkstar_jobs_total",
			Help: "Scan jobs that reached a terminal state",
		},
		[]string{"scanner", "state"},
	)
	m.jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "darkstar_job_duration_seconds",
			Help:    "Wall-clock duration of scan jobs",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"scanner"},
	)
	m.findingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darkstar_findings_total",
			Help: "Canonical findings produced, after deduplication",
		},
		[]string{"type"},
	)
	m.enrichmentWarnings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darkstar_enrichment_warnings_total",
			Help: "Enrichment lookups degraded to unknown",
		},
		[]string{"field"},
	)
	m.persistRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "darkstar_persist_retries_total",
		Help: "Persistence retries of conflicted fingerprints",
	})
	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darkstar_requests_total",
			Help: "Scan requests by final status",
		},
		[]string{"status"},
	)
	m.Registry.MustRegister(m.jobsTotal, m.jobDuration, m.findingsTotal, m.enrichmentWarnings, m.persistRetries, m.requestsTotal)
	return m
}

func (m *Metrics) JobFinished(scanner, state string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(scanner, state).Inc()
	m.jobDuration.WithLabelValues(scanner).Observe(d.Seconds())
}

func (m *Metrics) Finding(typ string) {
	if m == nil {
		return
	}
	m.findingsTotal.WithLabelValues(typ).Inc()
}

func (m *Metrics) EnrichmentWarning(field string) {
	if m == nil {
		return
	}
	m.enrichmentWarnings.WithLabelValues(field).Inc()
}

func (m *Metrics) PersistRetry() {
	if m == nil {
		return
	}
	m.persistRetries.Inc()
}

func (m *Metrics) RequestFinished(status string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
