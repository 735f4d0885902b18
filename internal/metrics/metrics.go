// Package metrics provides Prometheus instrumentation for the casino backend.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "casino",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "casino",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// PlaysTotal counts play transactions by outcome.
	PlaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "casino",
			Name:      "plays_total",
			Help:      "Total play transactions by outcome (win, loss, rejected).",
		},
		[]string{"outcome"},
	)

	// SignatureFailuresTotal counts rejected signatures by scheme.
	SignatureFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "casino",
			Name:      "signature_failures_total",
			Help:      "Total rejected request signatures by scheme.",
		},
		[]string{"scheme"},
	)

	// WebhooksTotal counts processed webhooks by result.
	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "casino",
			Name:      "webhooks_total",
			Help:      "Total order webhooks by result (credited, skipped, rejected).",
		},
		[]string{"result"},
	)

	// InstallsTotal counts completed OAuth installs.
	InstallsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "casino",
		Name:      "installs_total",
		Help:      "Total completed OAuth installs (including reinstalls).",
	})

	// JackpotCents tracks the last observed jackpot per shop.
	JackpotCents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "casino",
			Name:      "jackpot_cents",
			Help:      "Last observed jackpot accumulator in minor currency units.",
		},
		[]string{"shop"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "casino",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PlaysTotal,
		SignatureFailuresTotal,
		WebhooksTotal,
		InstallsTotal,
		JackpotCents,
		ActiveWebSocketClients,
	)
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
