package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valmatov/edgeproxy/internal/config"
	"github.com/valmatov/edgeproxy/internal/ratelimit"
)

func TestReverseProxy_RateLimit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	limits := ratelimit.NewRegistry(nil)
	require.NoError(t, limits.LoadFromConfig([]config.RateLimitConfig{{
		Name:      "strict",
		Algorithm: "fixed_window",
		Requests:  2,
		Window:    config.Duration(time.Minute),
	}}))
	t.Cleanup(func() { _ = limits.Close() })

	route := proxyRoute("api", "/api", "api-backend")
	route.RateLimitRef = "strict"

	p := newProxyFixture(t,
		[]config.RouteConfig{route},
		[]config.BackendConfig{backendConfigFor(t, "api-backend", srv)})
	WithRateLimits(limits)(p)

	var hits []string
	WithRateLimitHitFunc(func(route string) { hits = append(hits, route) })(p)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
		req.RemoteAddr = "192.0.2.9:1234"
		p.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, "request %d should pass", i+1)
	}
	assert.Empty(t, hits)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.RemoteAddr = "192.0.2.9:1234"
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Contains(t, rec.Body.String(), "rate limit exceeded")
	assert.Equal(t, []string{"api"}, hits)
}

func TestReverseProxy_RateLimitDifferentClients(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	limits := ratelimit.NewRegistry(nil)
	require.NoError(t, limits.LoadFromConfig([]config.RateLimitConfig{{
		Name:     "per-ip",
		Requests: 1,
		Window:   config.Duration(time.Minute),
		Burst:    1,
	}}))
	t.Cleanup(func() { _ = limits.Close() })

	route := proxyRoute("api", "/api", "api-backend")
	route.RateLimitRef = "per-ip"

	p := newProxyFixture(t,
		[]config.RouteConfig{route},
		[]config.BackendConfig{backendConfigFor(t, "api-backend", srv)})
	WithRateLimits(limits)(p)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.RemoteAddr = "192.0.2.1:1000"
	p.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api", nil)
	req.RemoteAddr = "192.0.2.1:2000"
	p.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "same IP different port shares the limit")

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api", nil)
	req.RemoteAddr = "192.0.2.2:1000"
	p.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "other clients are unaffected")
}

func TestReverseProxy_UnknownRateLimitPolicyFailsOpen(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	route := proxyRoute("api", "/api", "api-backend")
	route.RateLimitRef = "ghost"

	p := newProxyFixture(t,
		[]config.RouteConfig{route},
		[]config.BackendConfig{backendConfigFor(t, "api-backend", srv)})
	WithRateLimits(ratelimit.NewRegistry(nil))(p)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
