package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the token service.
type Metrics struct {
	registry        *prometheus.Registry
	requestDuration *prometheus.HistogramVec
	tokensIssued    *prometheus.CounterVec
}

// NewMetrics registers the collectors on a private registry so tests can run
// multiple instances without collisions.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authd_http_request_duration_seconds",
			Help:    "HTTP request latency by path and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path", "status"}),
		tokensIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authd_tokens_issued_total",
			Help: "Token endpoint outcomes by grant type.",
		}, []string{"grant_type", "outcome"}),
	}
}

// ObserveRequest records one request.
func (m *Metrics) ObserveRequest(path, status string, dur time.Duration) {
	m.requestDuration.WithLabelValues(path, status).Observe(dur.Seconds())
}

// CountToken records one token endpoint outcome. outcome is "issued" or the
// OAuth error code.
func (m *Metrics) CountToken(grantType, outcome string) {
	m.tokensIssued.WithLabelValues(grantType, outcome).Inc()
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
