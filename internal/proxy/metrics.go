package proxy

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgeproxy",
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Total number of upstream requests",
		},
		[]string{"backend", "status"},
	)

	upstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgeproxy",
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Duration of upstream requests",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"backend"},
	)

	upstreamErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgeproxy",
			Subsystem: "upstream",
			Name:      "errors_total",
			Help:      "Total number of upstream errors",
		},
		[]string{"backend", "error_type"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgeproxy",
			Subsystem: "upstream",
			Name:      "retries_total",
			Help:      "Total number of retried upstream requests",
		},
		[]string{"route"},
	)

	websocketConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "edgeproxy",
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of active WebSocket connections",
		},
		[]string{"route"},
	)
)

func recordUpstreamRequest(backend string, status int, duration time.Duration) {
	upstreamRequestsTotal.WithLabelValues(backend, strconv.Itoa(status)).Inc()
	upstreamDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

func recordUpstreamError(backend, errorType string) {
	upstreamErrorsTotal.WithLabelValues(backend, errorType).Inc()
}

func recordRetry(route string) {
	retriesTotal.WithLabelValues(route).Inc()
}
