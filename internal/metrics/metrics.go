package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the tenant database manager.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheOpens     *prometheus.CounterVec
	CacheEvictions *prometheus.CounterVec
	CacheResident  prometheus.Gauge
	CloseErrors    prometheus.Counter
	Provisions     *prometheus.CounterVec
	HealthChecks   *prometheus.CounterVec
	HealthLatency  prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "tenantdb_cache_hits_total",
			Help: "Total number of connection cache hits",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "tenantdb_cache_misses_total",
			Help: "Total number of connection cache misses",
		}),
		CacheOpens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tenantdb_cache_opens_total",
			Help: "Total number of physical tenant connection attempts",
		}, []string{"result"}),
		CacheEvictions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tenantdb_cache_evictions_total",
			Help: "Total number of evicted tenant handles",
		}, []string{"reason"}),
		CacheResident: f.NewGauge(prometheus.GaugeOpts{
			Name: "tenantdb_cache_resident_handles",
			Help: "Number of open tenant handles held by the cache",
		}),
		CloseErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "tenantdb_cache_close_errors_total",
			Help: "Total number of handles that failed to close cleanly",
		}),
		Provisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tenantdb_provisions_total",
			Help: "Total number of provisioning runs by outcome",
		}, []string{"outcome"}),
		HealthChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tenantdb_health_checks_total",
			Help: "Total number of tenant database health probes by result",
		}, []string{"result"}),
		HealthLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tenantdb_health_check_duration_seconds",
			Help:    "Latency of tenant database health probes",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Hit counts a cache lookup that found an open handle.
func (m *Metrics) Hit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

// Miss counts an acquire that had to open or join an open.
func (m *Metrics) Miss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

// Open counts a physical connection attempt by result.
func (m *Metrics) Open(result string) {
	if m != nil {
		m.CacheOpens.WithLabelValues(result).Inc()
	}
}

// Evicted counts n handles removed for reason.
func (m *Metrics) Evicted(reason string, n int) {
	if m != nil && n > 0 {
		m.CacheEvictions.WithLabelValues(reason).Add(float64(n))
	}
}

// Resident sets the number of open handles.
func (m *Metrics) Resident(n int) {
	if m != nil {
		m.CacheResident.Set(float64(n))
	}
}

// CloseFailed counts a handle that did not close cleanly.
func (m *Metrics) CloseFailed() {
	if m != nil {
		m.CloseErrors.Inc()
	}
}

// Provisioned counts a provisioning run by outcome.
func (m *Metrics) Provisioned(outcome string) {
	if m != nil {
		m.Provisions.WithLabelValues(outcome).Inc()
	}
}

// HealthChecked records one probe and its latency in seconds.
func (m *Metrics) HealthChecked(success bool, seconds float64) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.HealthChecks.WithLabelValues(result).Inc()
	m.HealthLatency.Observe(seconds)
}
