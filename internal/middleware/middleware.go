// Package middleware provides HTTP middleware for the gateway listeners.
package middleware

import (
	"net/http"
	"strings"
)

// Middleware wraps an http.Handler with additional behavior.
type Middleware func(http.Handler) http.Handler

// Chain composes middlewares so the first one listed is the outermost.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// isWebSocketUpgrade checks if the request is a WebSocket upgrade request.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// Header and content type constants.
const (
	HeaderContentType = "Content-Type"
	HeaderRetryAfter  = "Retry-After"
	HeaderXRequestID  = "X-Request-ID"

	ContentTypeJSON = "application/json"
)

// Error response bodies.
const (
	ErrGatewayTimeout      = `{"error":"gateway timeout"}`
	ErrServiceUnavailable  = `{"error":"service unavailable","message":"circuit breaker open"}`
	ErrInternalServerError = `{"error":"internal server error"}`
)
