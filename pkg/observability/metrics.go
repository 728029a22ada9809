package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for pgmasq.
type Metrics struct {
	// Counters
	SessionsTotal      *prometheus.CounterVec
	QueriesTotal       *prometheus.CounterVec
	AuthFailuresTotal  *prometheus.CounterVec
	BackendErrorsTotal *prometheus.CounterVec
	PoolExhaustedTotal prometheus.Counter

	// Gauges
	SessionsActive       *prometheus.GaugeVec
	PoolConnectionsTotal prometheus.Gauge
	PoolConnectionsIdle  prometheus.Gauge

	// Histograms
	QueryDuration *prometheus.HistogramVec
}

// DefaultMetrics creates a new Metrics instance with all metrics registered.
func DefaultMetrics() *Metrics {
	return &Metrics{
		SessionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgmasq_sessions_total",
				Help: "Total number of client sessions accepted",
			},
			[]string{"dialect"},
		),
		QueriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgmasq_queries_total",
				Help: "Total number of client statements received",
			},
			[]string{"dialect", "class"},
		),
		AuthFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgmasq_auth_failures_total",
				Help: "Total number of failed client logins",
			},
			[]string{"dialect"},
		),
		BackendErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgmasq_backend_errors_total",
				Help: "Total number of backend errors relayed to clients",
			},
			[]string{"dialect", "sqlstate"},
		),
		PoolExhaustedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pgmasq_pool_exhausted_total",
				Help: "Total number of acquisitions refused because the pool was full",
			},
		),

		SessionsActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgmasq_sessions_active",
				Help: "Number of active client sessions",
			},
			[]string{"dialect"},
		),
		PoolConnectionsTotal: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pgmasq_pool_connections_total",
				Help: "Total connections in the backend pool",
			},
		),
		PoolConnectionsIdle: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pgmasq_pool_connections_idle",
				Help: "Idle connections in the backend pool",
			},
		),

		QueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgmasq_query_duration_seconds",
				Help:    "Statement execution duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
			},
			[]string{"dialect", "class"},
		),
	}
}

// SessionOpened increments the session counter and gauge.
func (m *Metrics) SessionOpened(dialect string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(dialect).Inc()
	m.SessionsActive.WithLabelValues(dialect).Inc()
}

// SessionClosed decrements the active sessions gauge.
func (m *Metrics) SessionClosed(dialect string) {
	if m == nil {
		return
	}
	m.SessionsActive.WithLabelValues(dialect).Dec()
}

// QueryReceived counts one client statement by class.
func (m *Metrics) QueryReceived(dialect, class string) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(dialect, class).Inc()
}

// RecordQueryDuration observes one statement's execution time.
func (m *Metrics) RecordQueryDuration(dialect, class string, seconds float64) {
	if m == nil {
		return
	}
	m.QueryDuration.WithLabelValues(dialect, class).Observe(seconds)
}

// AuthFailed counts one rejected login.
func (m *Metrics) AuthFailed(dialect string) {
	if m == nil {
		return
	}
	m.AuthFailuresTotal.WithLabelValues(dialect).Inc()
}

// BackendError counts one mapped backend error.
func (m *Metrics) BackendError(dialect, sqlstate string) {
	if m == nil {
		return
	}
	m.BackendErrorsTotal.WithLabelValues(dialect, sqlstate).Inc()
}

// PoolExhausted counts one refused acquisition.
func (m *Metrics) PoolExhausted() {
	if m == nil {
		return
	}
	m.PoolExhaustedTotal.Inc()
}

// UpdatePoolStats updates the backend pool gauges.
func (m *Metrics) UpdatePoolStats(total, idle int32) {
	if m == nil {
		return
	}
	m.PoolConnectionsTotal.Set(float64(total))
	m.PoolConnectionsIdle.Set(float64(idle))
}
