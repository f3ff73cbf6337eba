package gateway

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valmatov/edgeproxy/internal/config"
	"github.com/valmatov/edgeproxy/internal/health"
)

// freePort reserves an ephemeral port and releases it for the listener
// under test to claim.
func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func testConfig(t *testing.T, upstream *httptest.Server) *config.Config {
	t.Helper()

	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	cfg := &config.Config{
		Proxy: config.ProxyConfig{
			Name: "test-gateway",
			Listeners: []config.ListenerConfig{
				{Name: "http", Address: "127.0.0.1", Port: freePort(t), Protocol: "HTTP"},
			},
		},
		Routes: []config.RouteConfig{
			{
				Name:        "api",
				PathMatch:   config.PathMatchConfig{Type: config.MatchTypePathPrefix, Value: "/api"},
				BackendRefs: []config.BackendRefConfig{{Name: "api-backend"}},
			},
		},
		Backends: []config.BackendConfig{
			{
				Name: "api-backend",
				Endpoints: []config.EndpointConfig{
					{Address: u.Hostname(), Port: port},
				},
			},
		},
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func startGateway(t *testing.T, cfg *config.Config, opts ...Option) *Gateway {
	t.Helper()

	g, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(func() {
		if g.IsRunning() {
			require.NoError(t, g.Stop(context.Background()))
		}
	})
	return g
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestNew_NilConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	assert.Error(t, err)
}

func TestGateway_StartStop(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("upstream"))
	}))
	defer upstream.Close()

	g := startGateway(t, testConfig(t, upstream))

	assert.True(t, g.IsRunning())
	assert.Equal(t, StateRunning, g.State())
	assert.Len(t, g.Listeners(), 1)

	// Starting twice is rejected.
	assert.Error(t, g.Start(context.Background()))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	req.RemoteAddr = "192.0.2.5:1234"
	g.serveHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "upstream", rec.Body.String())

	assert.Greater(t, g.Uptime(), time.Duration(0))

	require.NoError(t, g.Stop(context.Background()))
	assert.Equal(t, StateStopped, g.State())
	assert.Error(t, g.Stop(context.Background()))
}

func TestGateway_ServeBeforeStart(t *testing.T) {
	t.Parallel()

	g, err := New(&config.Config{})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	g.serveHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGateway_Reload(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("upstream"))
	}))
	defer upstream.Close()

	g := startGateway(t, testConfig(t, upstream))

	// The initial config routes /api only.
	rec := httptest.NewRecorder()
	g.serveHTTP(rec, httptest.NewRequest(http.MethodGet, "/v2/orders", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	newCfg := testConfig(t, upstream)
	newCfg.Routes[0].Name = "v2"
	newCfg.Routes[0].PathMatch.Value = "/v2"
	require.NoError(t, g.Reload(context.Background(), newCfg))

	rec = httptest.NewRecorder()
	g.serveHTTP(rec, httptest.NewRequest(http.MethodGet, "/v2/orders", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	g.serveHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGateway_ReloadInvalidConfigKeepsOldPlane(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("upstream"))
	}))
	defer upstream.Close()

	g := startGateway(t, testConfig(t, upstream))

	bad := testConfig(t, upstream)
	bad.Routes[0].BackendRefs = nil
	assert.Error(t, g.Reload(context.Background(), bad))

	// Old plane still serves.
	rec := httptest.NewRecorder()
	g.serveHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGateway_HealthChecks(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	checker := health.NewChecker("test")
	g := startGateway(t, testConfig(t, upstream), WithHealthChecker(checker))

	readiness := checker.Readiness()
	assert.Equal(t, health.StatusHealthy, readiness.Status)
	assert.Contains(t, readiness.Checks, "backends")
	assert.Contains(t, readiness.Checks, "ratelimit")

	// Stop flips the checker to draining before listeners close.
	require.NoError(t, g.Stop(context.Background()))
	assert.Equal(t, health.StatusDraining, checker.Readiness().Status)
}

func TestListenersChanged(t *testing.T) {
	t.Parallel()

	a := []config.ListenerConfig{{Name: "http", Port: 8080, Protocol: "HTTP"}}

	assert.False(t, listenersChanged(a, []config.ListenerConfig{{Name: "http", Port: 8080, Protocol: "HTTP"}}))
	assert.True(t, listenersChanged(a, nil))
	assert.True(t, listenersChanged(a, []config.ListenerConfig{{Name: "http", Port: 9090, Protocol: "HTTP"}}))
	assert.True(t, listenersChanged(a, []config.ListenerConfig{{Name: "http", Port: 8080, Protocol: "HTTPS"}}))
}
