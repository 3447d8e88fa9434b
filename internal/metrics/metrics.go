// Package metrics provides Prometheus instrumentation for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts inbound completion requests by outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total completion requests by outcome.",
		},
		[]string{"status"}, // "success", "error", "unavailable"
	)

	// RequestLatency tracks end-to-end completion latency in seconds.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_latency_seconds",
			Help:    "End-to-end completion latency in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "stream"},
	)

	// UpstreamRetriesTotal counts credential-rotation retries.
	UpstreamRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_upstream_retries_total",
			Help: "Total retries triggered by rate-limited upstream calls.",
		},
	)

	// PoolCredentials tracks credential pool composition.
	PoolCredentials = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_pool_credentials",
			Help: "Credential pool composition by state.",
		},
		[]string{"state"}, // "total", "available", "cooldown"
	)

	// TokenUsageTotal counts tokens reported by the upstream.
	TokenUsageTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_token_usage_total",
			Help: "Total tokens reported by the upstream.",
		},
		[]string{"provider", "direction"}, // direction: "input" or "output"
	)
)

// SetPoolStats updates the pool gauges from a stats snapshot.
func SetPoolStats(total, available, cooldown int) {
	PoolCredentials.WithLabelValues("total").Set(float64(total))
	PoolCredentials.WithLabelValues("available").Set(float64(available))
	PoolCredentials.WithLabelValues("cooldown").Set(float64(cooldown))
}
