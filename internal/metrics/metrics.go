// Package metrics holds the process-wide Prometheus collectors. Collectors
// register on the default registry; the HTTP layer serves them via the
// standard promhttp handler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp_requests_total",
		Help: "JSON-RPC requests relayed, by method and outcome.",
	}, []string{"method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mcp_request_duration_seconds",
		Help:    "Wall time from receiving a JSON-RPC request to its terminal response.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcp_active_sessions",
		Help: "Currently open event-stream sessions.",
	})
)

// Outcome labels for ObserveRequest.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ObserveRequest records one terminal request outcome.
func ObserveRequest(method, status string, elapsed time.Duration) {
	requestsTotal.WithLabelValues(method, status).Inc()
	requestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// SessionOpened increments the live session gauge.
func SessionOpened() { activeSessions.Inc() }

// SessionClosed decrements the live session gauge.
func SessionClosed() { activeSessions.Dec() }
