package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// breakerState shows the current state of circuit breakers.
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edgeproxy_backend_circuit_breaker_state",
			Help: "Current state of the backend circuit breaker (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	// breakerRequestsTotal counts total requests through circuit breakers.
	breakerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeproxy_backend_circuit_breaker_requests_total",
			Help: "Total number of requests through backend circuit breakers",
		},
		[]string{"name", "result"},
	)

	// breakerFailuresTotal counts failures recorded by circuit breakers.
	breakerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeproxy_backend_circuit_breaker_failures_total",
			Help: "Total number of failures recorded by backend circuit breakers",
		},
		[]string{"name"},
	)

	// breakerSuccessesTotal counts successes recorded by circuit breakers.
	breakerSuccessesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeproxy_backend_circuit_breaker_successes_total",
			Help: "Total number of successes recorded by backend circuit breakers",
		},
		[]string{"name"},
	)

	// breakerStateChangesTotal counts state changes.
	breakerStateChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeproxy_backend_circuit_breaker_state_changes_total",
			Help: "Total number of backend circuit breaker state changes",
		},
		[]string{"name", "from", "to"},
	)

	// breakerRejectedTotal counts rejected requests due to open circuit.
	breakerRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeproxy_backend_circuit_breaker_rejected_total",
			Help: "Total number of requests rejected due to open circuit",
		},
		[]string{"name"},
	)
)

// RecordState records the current state of a circuit breaker.
func RecordState(name string, state State) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordRequest records a request through a circuit breaker.
func RecordRequest(name string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "rejected"
		breakerRejectedTotal.WithLabelValues(name).Inc()
	}
	breakerRequestsTotal.WithLabelValues(name, result).Inc()
}

// RecordFailure records a failure.
func RecordFailure(name string) {
	breakerFailuresTotal.WithLabelValues(name).Inc()
}

// RecordSuccess records a success.
func RecordSuccess(name string) {
	breakerSuccessesTotal.WithLabelValues(name).Inc()
}

// RecordStateChange records a state change.
func RecordStateChange(name string, from, to State) {
	breakerStateChangesTotal.WithLabelValues(name, from.String(), to.String()).Inc()
	RecordState(name, to)
}

// MetricsOnStateChange returns a callback for recording state changes.
func MetricsOnStateChange() func(name string, from, to State) {
	return func(name string, from, to State) {
		RecordStateChange(name, from, to)
	}
}
