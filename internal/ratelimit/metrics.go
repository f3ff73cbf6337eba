package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeproxy_ratelimit_decisions_total",
			Help: "Total number of rate limit decisions by policy",
		},
		[]string{"policy", "decision"},
	)

	redisOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeproxy_ratelimit_redis_operations_total",
			Help: "Total number of Redis rate limit operations",
		},
		[]string{"operation", "status"},
	)

	redisOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edgeproxy_ratelimit_redis_operation_duration_seconds",
			Help:    "Duration of Redis rate limit operations in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)

	redisFallbackTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edgeproxy_ratelimit_redis_fallback_total",
			Help: "Total number of times the local fallback limiter was used",
		},
	)

	redisHealthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edgeproxy_ratelimit_redis_healthy",
			Help: "Whether the Redis rate limit store is healthy (1) or not (0)",
		},
	)
)
