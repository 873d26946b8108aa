// Package metrics exposes the edge's Prometheus metrics: request totals,
// current connections, health transitions, and Store write latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is a small Prometheus registry wired to the edge's request path.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	CurrentConnections *prometheus.GaugeVec
	BackendHealthy     *prometheus.GaugeVec
	HealthTransitions  *prometheus.CounterVec
	StoreWriteDuration *prometheus.HistogramVec
	NoBackendsTotal    *prometheus.CounterVec
	TCPBytesTotal      *prometheus.CounterVec
}

// New builds a fresh registry with all edge metrics registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_requests_total",
			Help: "Total proxied requests by pool and status class.",
		}, []string{"pool", "status_class"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edge_request_duration_seconds",
			Help:    "Proxied request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"pool"}),
		CurrentConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edge_backend_current_connections",
			Help: "In-flight connections per backend.",
		}, []string{"pool", "backend"}),
		BackendHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edge_backend_healthy",
			Help: "Backend health as seen by the last probe (1=healthy, 0=unhealthy).",
		}, []string{"pool", "backend"}),
		HealthTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_health_transitions_total",
			Help: "Backend health flips by direction.",
		}, []string{"pool", "backend", "direction"}),
		StoreWriteDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edge_store_write_duration_seconds",
			Help:    "Store Put latency in seconds, by table.",
			Buckets: prometheus.DefBuckets,
		}, []string{"table"}),
		NoBackendsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_no_backends_total",
			Help: "Requests that found no healthy backend, by pool.",
		}, []string{"pool"}),
		TCPBytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_tcp_bytes_total",
			Help: "Bytes spliced through a TCP passthrough connection, by pool, backend, and direction.",
		}, []string{"pool", "backend", "direction"}),
	}
}

// Handler returns the Prometheus exposition HTTP handler for /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StatusClass buckets an HTTP status code into the low-cardinality label
// used by RequestsTotal ("2xx", "4xx", "5xx", ...).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
