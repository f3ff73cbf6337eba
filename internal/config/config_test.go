package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Name: "test-proxy",
			Listeners: []ListenerConfig{
				{Name: "http", Port: 8080, Protocol: "HTTP"},
			},
		},
		Routes: []RouteConfig{
			{
				Name:        "api",
				PathMatch:   PathMatchConfig{Type: "PathPrefix", Value: "/api"},
				BackendRefs: []BackendRefConfig{{Name: "api-backend"}},
			},
		},
		Backends: []BackendConfig{
			{
				Name: "api-backend",
				Endpoints: []EndpointConfig{
					{Address: "10.0.0.1", Port: 8080},
				},
			},
		},
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, validConfig().Validate())
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing proxy name",
			mutate:  func(c *Config) { c.Proxy.Name = "" },
			wantErr: "proxy name is required",
		},
		{
			name:    "no listeners",
			mutate:  func(c *Config) { c.Proxy.Listeners = nil },
			wantErr: "at least one listener is required",
		},
		{
			name: "duplicate listener port",
			mutate: func(c *Config) {
				c.Proxy.Listeners = append(c.Proxy.Listeners,
					ListenerConfig{Name: "other", Port: 8080, Protocol: "HTTP"})
			},
			wantErr: "duplicate listener port",
		},
		{
			name: "invalid listener protocol",
			mutate: func(c *Config) {
				c.Proxy.Listeners[0].Protocol = "FTP"
			},
			wantErr: "invalid listener protocol",
		},
		{
			name: "https without tls",
			mutate: func(c *Config) {
				c.Proxy.Listeners[0].Protocol = "HTTPS"
			},
			wantErr: "TLS configuration is required",
		},
		{
			name: "duplicate route name",
			mutate: func(c *Config) {
				c.Routes = append(c.Routes, c.Routes[0])
			},
			wantErr: "duplicate route name",
		},
		{
			name: "unknown backend reference",
			mutate: func(c *Config) {
				c.Routes[0].BackendRefs[0].Name = "missing"
			},
			wantErr: "references unknown backend",
		},
		{
			name: "unknown rate limit reference",
			mutate: func(c *Config) {
				c.Routes[0].RateLimitRef = "missing"
			},
			wantErr: "references unknown rate limit",
		},
		{
			name: "invalid path match type",
			mutate: func(c *Config) {
				c.Routes[0].PathMatch.Type = "Glob"
			},
			wantErr: "invalid path match type",
		},
		{
			name: "invalid path regex",
			mutate: func(c *Config) {
				c.Routes[0].PathMatch = PathMatchConfig{
					Type:  "RegularExpression",
					Value: "[invalid",
				}
			},
			wantErr: "invalid regular expression",
		},
		{
			name: "route without action",
			mutate: func(c *Config) {
				c.Routes[0].BackendRefs = nil
			},
			wantErr: "must define backendRefs",
		},
		{
			name: "route with two actions",
			mutate: func(c *Config) {
				c.Routes[0].DirectResponse = &DirectResponseConfig{StatusCode: 200}
			},
			wantErr: "only one of",
		},
		{
			name: "invalid method",
			mutate: func(c *Config) {
				c.Routes[0].Methods = []string{"FETCH"}
			},
			wantErr: "invalid HTTP method",
		},
		{
			name: "backend without endpoints",
			mutate: func(c *Config) {
				c.Backends[0].Endpoints = nil
			},
			wantErr: "at least one endpoint is required",
		},
		{
			name: "endpoint with bad port",
			mutate: func(c *Config) {
				c.Backends[0].Endpoints[0].Port = 70000
			},
			wantErr: "port must be between",
		},
		{
			name: "invalid lb algorithm",
			mutate: func(c *Config) {
				c.Backends[0].LoadBalancer = &LoadBalancerConfig{Algorithm: "Sticky"}
			},
			wantErr: "invalid load balancer algorithm",
		},
		{
			name: "health check without type",
			mutate: func(c *Config) {
				c.Backends[0].HealthCheck = &HealthCheckConfig{
					Interval:           Duration(5 * time.Second),
					Timeout:            Duration(time.Second),
					UnhealthyThreshold: 3,
					HealthyThreshold:   2,
				}
			},
			wantErr: "at least one health check type",
		},
		{
			name: "breaker with bad failure ratio",
			mutate: func(c *Config) {
				c.Backends[0].CircuitBreaker = &BackendBreakerConfig{
					Enabled:      true,
					FailureRatio: 1.5,
				}
			},
			wantErr: "failureRatio must be between 0 and 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRateLimitValidate(t *testing.T) {
	t.Parallel()

	valid := RateLimitConfig{
		Name:      "api-limit",
		Algorithm: "token_bucket",
		Requests:  100,
		Window:    Duration(time.Minute),
	}
	require.NoError(t, valid.Validate())

	t.Run("invalid algorithm", func(t *testing.T) {
		t.Parallel()

		rl := valid
		rl.Algorithm = "leaky_bucket"
		assert.ErrorContains(t, rl.Validate(), "invalid rate limit algorithm")
	})

	t.Run("header key without header name", func(t *testing.T) {
		t.Parallel()

		rl := valid
		rl.Key = &RateLimitKeyConfig{Type: "Header"}
		assert.ErrorContains(t, rl.Validate(), "key header name is required")
	})

	t.Run("redis store without address", func(t *testing.T) {
		t.Parallel()

		rl := valid
		rl.Store = &RateLimitStoreConfig{Type: "redis"}
		assert.ErrorContains(t, rl.Validate(), "redis address is required")
	})
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.ApplyDefaults()

	assert.Equal(t, DefaultShutdownTimeout, cfg.Proxy.ShutdownTimeout)
	assert.Equal(t, DefaultReadTimeout, cfg.Proxy.Listeners[0].ReadTimeout)
	assert.Equal(t, DefaultIdleTimeout, cfg.Proxy.Listeners[0].IdleTimeout)
	assert.Equal(t, DefaultLogLevel, cfg.Observability.LogLevel)
	assert.Equal(t, DefaultMetricsAddr, cfg.Observability.MetricsAddr)
	assert.Equal(t, DefaultTracingSampleRate, cfg.Observability.TracingSampleRate)
}

func TestConfigLookups(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.RateLimits = []RateLimitConfig{
		{Name: "api-limit", Algorithm: "fixed_window", Requests: 10, Window: Duration(time.Second)},
	}

	require.NotNil(t, cfg.Backend("api-backend"))
	assert.Nil(t, cfg.Backend("missing"))

	require.NotNil(t, cfg.RateLimit("api-limit"))
	assert.Nil(t, cfg.RateLimit("missing"))
}

func TestDurationYAML(t *testing.T) {
	t.Parallel()

	var d Duration
	err := d.UnmarshalYAML(func(v interface{}) error {
		*(v.(*string)) = "1h30m"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d.Duration())

	out, err := d.MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "1h30m0s", out)
}

func TestDurationJSON(t *testing.T) {
	t.Parallel()

	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"250ms"`)))
	assert.Equal(t, 250*time.Millisecond, d.Duration())

	require.NoError(t, d.UnmarshalJSON([]byte(`null`)))
	assert.Equal(t, time.Duration(0), d.Duration())

	d = Duration(5 * time.Second)
	b, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"5s"`, string(b))
}
