package ratelimit

import (
	"net/http"
	"strings"

	"github.com/valmatov/edgeproxy/internal/config"
)

// KeyFunc extracts a rate limit key from an HTTP request.
type KeyFunc func(r *http.Request) string

// IPKeyFunc uses the client IP as the rate limit key.
func IPKeyFunc(r *http.Request) string {
	return ClientIP(r)
}

// HeaderKeyFunc returns a KeyFunc keyed on a header value, falling back
// to the client IP when the header is absent.
func HeaderKeyFunc(header string) KeyFunc {
	return func(r *http.Request) string {
		if value := r.Header.Get(header); value != "" {
			return value
		}
		return ClientIP(r)
	}
}

// KeyFuncFromConfig builds a KeyFunc from a policy key configuration.
// A nil configuration keys on the client IP.
func KeyFuncFromConfig(cfg *config.RateLimitKeyConfig) KeyFunc {
	if cfg == nil {
		return IPKeyFunc
	}
	switch strings.ToLower(cfg.Type) {
	case "header":
		return HeaderKeyFunc(cfg.Header)
	default:
		return IPKeyFunc
	}
}

// ClientIP extracts the client IP from forwarding headers or RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, found := strings.Cut(xff, ","); found || first != "" {
			return strings.TrimSpace(first)
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}

	// IPv6 addresses in RemoteAddr carry brackets
	ip = strings.TrimPrefix(ip, "[")
	ip = strings.TrimSuffix(ip, "]")

	return ip
}
