package proxy

import (
	"errors"
	"fmt"
)

// Sentinel errors for proxy operations.
var (
	// ErrNoBackend indicates that no backend is configured for a route.
	ErrNoBackend = errors.New("no backend configured")

	// ErrBackendUnavailable indicates that no healthy host is available.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrUpstreamTimeout indicates that the upstream request timed out.
	ErrUpstreamTimeout = errors.New("upstream request timed out")

	// ErrRetriesExhausted indicates that all retry attempts failed.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// ProxyError carries context about a failed proxy operation.
type ProxyError struct {
	Op     string
	Route  string
	Target string
	Cause  error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	msg := fmt.Sprintf("proxy error [%s]", e.Op)
	if e.Route != "" {
		msg += " route=" + e.Route
	}
	if e.Target != "" {
		msg += " target=" + e.Target
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new ProxyError.
func NewProxyError(op, route, target string, cause error) *ProxyError {
	return &ProxyError{
		Op:     op,
		Route:  route,
		Target: target,
		Cause:  cause,
	}
}
