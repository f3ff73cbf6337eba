package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	panicsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edgeproxy_panics_recovered_total",
			Help: "Total number of panics recovered by middleware",
		},
	)

	breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeproxy_gateway_breaker_transitions_total",
			Help: "Total number of gateway circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	breakerRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edgeproxy_gateway_breaker_rejections_total",
			Help: "Total number of requests rejected by the gateway circuit breaker",
		},
	)
)
