package middleware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/valmatov/edgeproxy/internal/config"
	"github.com/valmatov/edgeproxy/internal/observability"
)

// cbTracer records circuit breaker state transitions as span events.
var cbTracer = otel.Tracer("edgeproxy/circuitbreaker")

// BreakerStateFunc is called on state transitions with the breaker name
// and the new state encoded as 0=closed, 1=open, 2=half-open, matching
// the state gauge.
type BreakerStateFunc func(name string, state int)

// breakerStateValue maps a gobreaker state onto the gauge encoding.
// gobreaker numbers half-open before open, the gauge documents
// 0=closed, 1=open, 2=half-open.
func breakerStateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// GatewayBreaker guards the whole listener with a sony/gobreaker circuit
// breaker keyed on 5xx response ratio.
type GatewayBreaker struct {
	cb            *gobreaker.CircuitBreaker
	logger        observability.Logger
	stateCallback BreakerStateFunc
}

// GatewayBreakerOption configures the gateway breaker.
type GatewayBreakerOption func(*GatewayBreaker)

// WithBreakerLogger sets the logger for the gateway breaker.
func WithBreakerLogger(logger observability.Logger) GatewayBreakerOption {
	return func(gb *GatewayBreaker) {
		if logger != nil {
			gb.logger = logger
		}
	}
}

// WithBreakerStateCallback registers a callback for state transitions.
func WithBreakerStateCallback(fn BreakerStateFunc) GatewayBreakerOption {
	return func(gb *GatewayBreaker) {
		gb.stateCallback = fn
	}
}

// NewGatewayBreaker creates a gateway-level circuit breaker. It trips
// when at least threshold requests in the interval fail with 5xx and the
// failure ratio reaches one half.
func NewGatewayBreaker(
	name string,
	threshold int,
	maxRequests int,
	interval, timeout time.Duration,
	opts ...GatewayBreakerOption,
) *GatewayBreaker {
	gb := &GatewayBreaker{
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(gb)
	}

	thresholdU32 := safeIntToUint32(threshold)

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: safeIntToUint32(maxRequests),
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= thresholdU32 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			gb.logger.Info("circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)

			breakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()

			// Record the transition as a span event so it shows up
			// in traces alongside the requests that caused it.
			_, span := cbTracer.Start(context.Background(),
				"circuitbreaker.state_change",
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			span.AddEvent("state_change", trace.WithAttributes(
				attribute.String("circuitbreaker.name", name),
				attribute.String("circuitbreaker.from", from.String()),
				attribute.String("circuitbreaker.to", to.String()),
			))
			span.End()

			if gb.stateCallback != nil {
				gb.stateCallback(name, breakerStateValue(to))
			}
		},
	}

	gb.cb = gobreaker.NewCircuitBreaker(settings)
	return gb
}

// safeIntToUint32 clamps n into the uint32 range.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}

// State returns the current breaker state.
func (gb *GatewayBreaker) State() gobreaker.State {
	return gb.cb.State()
}

// serverError marks a 5xx response as a breaker failure.
type serverError struct {
	status int
}

func (e *serverError) Error() string {
	return fmt.Sprintf("server error: %d", e.status)
}

// statusWriter captures the status code for the breaker decision.
type statusWriter struct {
	http.ResponseWriter
	status        int
	headerWritten bool
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.headerWritten = true
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.headerWritten = true
	return sw.ResponseWriter.Write(b)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// CircuitBreaker returns a middleware that rejects requests with 503
// while the gateway breaker is open. 5xx responses count as failures.
func CircuitBreaker(gb *GatewayBreaker) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// WebSocket upgrades need the raw connection and cannot
			// run under the status capturing writer.
			if isWebSocketUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			_, err := gb.cb.Execute(func() (interface{}, error) {
				next.ServeHTTP(sw, r)

				if sw.status >= http.StatusInternalServerError {
					return nil, &serverError{status: sw.status}
				}
				return nil, nil
			})

			if err == nil {
				return
			}

			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				breakerRejections.Inc()

				gb.logger.Warn("circuit breaker rejected request",
					observability.String("path", r.URL.Path),
					observability.String("state", gb.State().String()),
				)

				if !sw.headerWritten {
					w.Header().Set(HeaderContentType, ContentTypeJSON)
					w.WriteHeader(http.StatusServiceUnavailable)
					_, _ = io.WriteString(w, ErrServiceUnavailable)
				}
				return
			}
			// On server errors the handler already wrote the response.
		})
	}
}

// CircuitBreakerFromConfig builds the gateway breaker middleware from
// configuration. A nil or disabled config yields a pass-through.
func CircuitBreakerFromConfig(
	cfg *config.ProxyBreakerConfig,
	logger observability.Logger,
	opts ...GatewayBreakerOption,
) Middleware {
	if cfg == nil || !cfg.Enabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	threshold := cfg.FailureThreshold
	if threshold < 1 {
		threshold = 5
	}
	maxRequests := cfg.MaxRequests
	if maxRequests < 1 {
		maxRequests = 1
	}
	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	allOpts := append([]GatewayBreakerOption{WithBreakerLogger(logger)}, opts...)

	gb := NewGatewayBreaker(
		"gateway",
		threshold,
		maxRequests,
		cfg.Interval.Duration(),
		timeout,
		allOpts...,
	)

	return CircuitBreaker(gb)
}
