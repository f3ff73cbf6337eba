package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
proxy:
  name: test-proxy
  shutdownTimeout: 15s
  listeners:
    - name: http
      port: 8080
      protocol: HTTP
      readTimeout: 10s

routes:
  - name: api
    hostnames:
      - api.example.com
    pathMatch:
      type: PathPrefix
      value: /api
    methods: [GET, POST]
    timeout: 5s
    backendRefs:
      - name: api-backend
        weight: 1

backends:
  - name: api-backend
    endpoints:
      - address: 10.0.0.1
        port: 8080
        weight: 2
      - address: 10.0.0.2
        port: 8080
        weight: 1
    loadBalancer:
      algorithm: WeightedRoundRobin
    healthCheck:
      interval: 5s
      timeout: 1s
      unhealthyThreshold: 3
      healthyThreshold: 2
      http:
        path: /healthz
    circuitBreaker:
      enabled: true
      consecutiveFailures: 5
      timeout: 30s

rateLimits:
  - name: api-limit
    algorithm: token_bucket
    requests: 100
    window: 1m
    burst: 20
`

func TestLoadFromReader(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "test-proxy", cfg.Proxy.Name)
	assert.Equal(t, 15*time.Second, cfg.Proxy.ShutdownTimeout.Duration())

	require.Len(t, cfg.Proxy.Listeners, 1)
	assert.Equal(t, 10*time.Second, cfg.Proxy.Listeners[0].ReadTimeout.Duration())
	// Unset timeouts receive defaults.
	assert.Equal(t, DefaultWriteTimeout, cfg.Proxy.Listeners[0].WriteTimeout)

	require.Len(t, cfg.Routes, 1)
	route := cfg.Routes[0]
	assert.Equal(t, []string{"api.example.com"}, route.Hostnames)
	assert.Equal(t, "PathPrefix", route.PathMatch.Type)
	assert.Equal(t, 5*time.Second, route.Timeout.Duration())

	require.Len(t, cfg.Backends, 1)
	backend := cfg.Backends[0]
	require.Len(t, backend.Endpoints, 2)
	assert.Equal(t, 2, backend.Endpoints[0].Weight)
	require.NotNil(t, backend.HealthCheck)
	assert.Equal(t, 5*time.Second, backend.HealthCheck.Interval.Duration())
	require.NotNil(t, backend.CircuitBreaker)
	assert.True(t, backend.CircuitBreaker.Enabled)
	assert.Equal(t, 5, backend.CircuitBreaker.ConsecutiveFailures)

	require.Len(t, cfg.RateLimits, 1)
	assert.Equal(t, time.Minute, cfg.RateLimits[0].Window.Duration())
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test-proxy", cfg.Proxy.Name)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadInvalidYAML(t *testing.T) {
	t.Parallel()

	_, err := LoadFromReader(strings.NewReader("proxy: [not: valid"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadValidationFailure(t *testing.T) {
	t.Parallel()

	_, err := LoadFromReader(strings.NewReader(`
proxy:
  name: ""
  listeners:
    - name: http
      port: 8080
      protocol: HTTP
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "proxy name is required")
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("EDGEPROXY_TEST_NAME", "env-proxy")

	yaml := `
proxy:
  name: ${EDGEPROXY_TEST_NAME}
  listeners:
    - name: http
      port: ${EDGEPROXY_TEST_PORT:-8080}
      protocol: HTTP
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	require.NoError(t, err)

	assert.Equal(t, "env-proxy", cfg.Proxy.Name)
	assert.Equal(t, 8080, cfg.Proxy.Listeners[0].Port)
}

func TestSubstituteEnvVarsEscaping(t *testing.T) {
	t.Parallel()

	result := substituteEnvVars("cost: $$5")
	assert.Equal(t, "cost: $5", result)
}

func TestSubstituteEnvVarsUnsetWithoutDefault(t *testing.T) {
	t.Parallel()

	result := substituteEnvVars("value: ${EDGEPROXY_DEFINITELY_UNSET}")
	assert.Equal(t, "value: ", result)
}
