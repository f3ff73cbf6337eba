// Package config provides configuration management for the edge proxy.
// Configuration is loaded from YAML files with environment variable
// substitution and validated before use.
package config

import "time"

// Config is the root configuration for the edge proxy.
type Config struct {
	// Proxy defines proxy-level settings including listeners
	Proxy ProxyConfig `yaml:"proxy"`

	// Routes defines the routing rules
	Routes []RouteConfig `yaml:"routes"`

	// Backends defines the backend services
	Backends []BackendConfig `yaml:"backends"`

	// RateLimits defines rate limiting policies
	RateLimits []RateLimitConfig `yaml:"rateLimits"`

	// Observability defines logging, metrics, and tracing settings
	Observability ObservabilityConfig `yaml:"observability"`
}

// ProxyConfig defines proxy-level configuration.
type ProxyConfig struct {
	// Name is the unique identifier for this proxy instance
	Name string `yaml:"name"`

	// Listeners defines the network listeners
	Listeners []ListenerConfig `yaml:"listeners"`

	// ShutdownTimeout is the graceful shutdown drain timeout
	ShutdownTimeout Duration `yaml:"shutdownTimeout,omitempty"`

	// RequestTimeout is an overall deadline applied to every request
	// before routing, zero disables it
	RequestTimeout Duration `yaml:"requestTimeout,omitempty"`

	// CircuitBreaker defines the proxy-level circuit breaker applied
	// as middleware in front of all routes
	CircuitBreaker *ProxyBreakerConfig `yaml:"circuitBreaker,omitempty"`
}

// ProxyBreakerConfig defines the proxy-level circuit breaker.
type ProxyBreakerConfig struct {
	// Enabled indicates whether the breaker is active
	Enabled bool `yaml:"enabled"`

	// MaxRequests is the number of requests allowed in half-open state
	MaxRequests int `yaml:"maxRequests,omitempty"`

	// Interval is the cyclic period for clearing counts in closed state
	Interval Duration `yaml:"interval,omitempty"`

	// Timeout is the open state duration before transitioning to half-open
	Timeout Duration `yaml:"timeout,omitempty"`

	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int `yaml:"failureThreshold,omitempty"`
}

// ListenerConfig defines a network listener.
type ListenerConfig struct {
	// Name is the unique identifier for this listener
	Name string `yaml:"name"`

	// Address is the listen address, defaults to all interfaces
	Address string `yaml:"address,omitempty"`

	// Port is the port number to listen on
	Port int `yaml:"port"`

	// Protocol is the protocol to use (HTTP, HTTPS)
	Protocol string `yaml:"protocol"`

	// ReadTimeout is the maximum duration for reading a request
	ReadTimeout Duration `yaml:"readTimeout,omitempty"`

	// WriteTimeout is the maximum duration for writing a response
	WriteTimeout Duration `yaml:"writeTimeout,omitempty"`

	// IdleTimeout is the maximum idle time for keep-alive connections
	IdleTimeout Duration `yaml:"idleTimeout,omitempty"`

	// TLS contains TLS configuration, required for HTTPS
	TLS *ListenerTLSConfig `yaml:"tls,omitempty"`
}

// ListenerTLSConfig defines TLS termination for a listener.
type ListenerTLSConfig struct {
	// CertFile is the path to the PEM certificate
	CertFile string `yaml:"certFile"`

	// KeyFile is the path to the PEM private key
	KeyFile string `yaml:"keyFile"`

	// CAFile is the path to the client CA bundle for mutual TLS
	CAFile string `yaml:"caFile,omitempty"`

	// MinVersion is the minimum TLS version (1.2, 1.3)
	MinVersion string `yaml:"minVersion,omitempty"`

	// MaxVersion is the maximum TLS version (1.2, 1.3)
	MaxVersion string `yaml:"maxVersion,omitempty"`
}

// RouteConfig defines a routing rule.
type RouteConfig struct {
	// Name is the unique identifier for this route
	Name string `yaml:"name"`

	// Hostnames is the list of hostnames to match, supports a
	// leading wildcard label like *.example.com
	Hostnames []string `yaml:"hostnames,omitempty"`

	// PathMatch defines how to match the request path
	PathMatch PathMatchConfig `yaml:"pathMatch"`

	// Methods is the list of HTTP methods to match
	Methods []string `yaml:"methods,omitempty"`

	// Headers defines header matching rules
	Headers []HeaderMatchConfig `yaml:"headers,omitempty"`

	// QueryParams defines query parameter matching rules
	QueryParams []QueryParamMatchConfig `yaml:"queryParams,omitempty"`

	// Expression is an optional CEL expression evaluated against the
	// request for advanced matching
	Expression string `yaml:"expression,omitempty"`

	// BackendRefs defines the backend services to route to
	BackendRefs []BackendRefConfig `yaml:"backendRefs,omitempty"`

	// Filters defines request/response filters to apply
	Filters []FilterConfig `yaml:"filters,omitempty"`

	// DirectResponse serves a fixed response instead of proxying
	DirectResponse *DirectResponseConfig `yaml:"directResponse,omitempty"`

	// Redirect redirects the request instead of proxying
	Redirect *RedirectConfig `yaml:"redirect,omitempty"`

	// RateLimitRef references a rate limit policy by name
	RateLimitRef string `yaml:"rateLimitRef,omitempty"`

	// Timeout is the upstream request timeout for this route
	Timeout Duration `yaml:"timeout,omitempty"`

	// Retries defines retry behavior for this route
	Retries *RetryConfig `yaml:"retries,omitempty"`

	// WebSocket enables WebSocket proxying on this route
	WebSocket bool `yaml:"websocket,omitempty"`
}

// Match type names used by path, header and query matching.
const (
	MatchTypeExact             = "Exact"
	MatchTypePathPrefix        = "PathPrefix"
	MatchTypeRegularExpression = "RegularExpression"
)

// PathMatchConfig defines path matching configuration.
type PathMatchConfig struct {
	// Type is the type of path match (Exact, PathPrefix, RegularExpression)
	Type string `yaml:"type"`

	// Value is the path value to match
	Value string `yaml:"value"`
}

// HeaderMatchConfig defines header matching configuration.
type HeaderMatchConfig struct {
	// Name is the header name to match
	Name string `yaml:"name"`

	// Type is the type of match (Exact, RegularExpression)
	Type string `yaml:"type,omitempty"`

	// Value is the header value to match
	Value string `yaml:"value"`
}

// QueryParamMatchConfig defines query parameter matching configuration.
type QueryParamMatchConfig struct {
	// Name is the query parameter name to match
	Name string `yaml:"name"`

	// Type is the type of match (Exact, RegularExpression)
	Type string `yaml:"type,omitempty"`

	// Value is the query parameter value to match
	Value string `yaml:"value"`
}

// BackendRefConfig references a backend service.
type BackendRefConfig struct {
	// Name is the name of the backend
	Name string `yaml:"name"`

	// Weight is the traffic weight for this backend
	Weight int `yaml:"weight,omitempty"`
}

// FilterConfig defines a request/response filter.
type FilterConfig struct {
	// Type is the filter type (RequestHeaderModifier,
	// ResponseHeaderModifier, URLRewrite)
	Type string `yaml:"type"`

	// RequestHeaderModifier modifies request headers
	RequestHeaderModifier *HeaderModifierConfig `yaml:"requestHeaderModifier,omitempty"`

	// ResponseHeaderModifier modifies response headers
	ResponseHeaderModifier *HeaderModifierConfig `yaml:"responseHeaderModifier,omitempty"`

	// URLRewrite rewrites the request URL
	URLRewrite *URLRewriteConfig `yaml:"urlRewrite,omitempty"`
}

// HeaderModifierConfig defines header modification configuration.
type HeaderModifierConfig struct {
	// Set sets headers, overwriting existing values
	Set []HeaderConfig `yaml:"set,omitempty"`

	// Add adds headers, appending to existing values
	Add []HeaderConfig `yaml:"add,omitempty"`

	// Remove removes headers by name
	Remove []string `yaml:"remove,omitempty"`
}

// HeaderConfig defines a header name-value pair.
type HeaderConfig struct {
	// Name is the header name
	Name string `yaml:"name"`

	// Value is the header value
	Value string `yaml:"value"`
}

// URLRewriteConfig defines URL rewrite configuration.
type URLRewriteConfig struct {
	// Hostname is the new Host header value
	Hostname string `yaml:"hostname,omitempty"`

	// Path is the path rewrite configuration
	Path *PathRewriteConfig `yaml:"path,omitempty"`
}

// PathRewriteConfig defines path rewrite configuration.
type PathRewriteConfig struct {
	// Type is the rewrite type (ReplacePrefixMatch, ReplaceFullPath)
	Type string `yaml:"type"`

	// ReplacePrefixMatch is the new prefix
	ReplacePrefixMatch string `yaml:"replacePrefixMatch,omitempty"`

	// ReplaceFullPath is the new full path
	ReplaceFullPath string `yaml:"replaceFullPath,omitempty"`
}

// DirectResponseConfig serves a fixed response without proxying.
type DirectResponseConfig struct {
	// StatusCode is the HTTP status code to return
	StatusCode int `yaml:"statusCode"`

	// Body is the response body
	Body string `yaml:"body,omitempty"`

	// ContentType is the response content type
	ContentType string `yaml:"contentType,omitempty"`
}

// RedirectConfig defines request redirect configuration.
type RedirectConfig struct {
	// Scheme is the redirect scheme (http, https)
	Scheme string `yaml:"scheme,omitempty"`

	// Hostname is the redirect hostname
	Hostname string `yaml:"hostname,omitempty"`

	// Port is the redirect port
	Port int `yaml:"port,omitempty"`

	// StatusCode is the HTTP status code for the redirect
	StatusCode int `yaml:"statusCode,omitempty"`
}

// RetryConfig defines retry behavior for a route.
type RetryConfig struct {
	// NumRetries is the number of retries
	NumRetries int `yaml:"numRetries"`

	// RetryOn is the conditions to retry on
	// (connect-failure, 5xx, gateway-error, retriable-status-codes)
	RetryOn []string `yaml:"retryOn,omitempty"`

	// RetriableStatusCodes is the explicit status codes to retry on
	RetriableStatusCodes []int `yaml:"retriableStatusCodes,omitempty"`

	// PerTryTimeout is the timeout per retry attempt
	PerTryTimeout Duration `yaml:"perTryTimeout,omitempty"`

	// BackoffBaseInterval is the base interval for exponential backoff
	BackoffBaseInterval Duration `yaml:"backoffBaseInterval,omitempty"`

	// BackoffMaxInterval is the maximum interval for exponential backoff
	BackoffMaxInterval Duration `yaml:"backoffMaxInterval,omitempty"`
}

// BackendConfig defines a backend service.
type BackendConfig struct {
	// Name is the unique identifier for this backend
	Name string `yaml:"name"`

	// Endpoints defines the backend endpoints
	Endpoints []EndpointConfig `yaml:"endpoints"`

	// Protocol is the protocol to use (HTTP, HTTPS)
	Protocol string `yaml:"protocol,omitempty"`

	// LoadBalancer defines the load balancing configuration
	LoadBalancer *LoadBalancerConfig `yaml:"loadBalancer,omitempty"`

	// HealthCheck defines active health checking
	HealthCheck *HealthCheckConfig `yaml:"healthCheck,omitempty"`

	// CircuitBreaker defines the per-backend circuit breaker
	CircuitBreaker *BackendBreakerConfig `yaml:"circuitBreaker,omitempty"`

	// TLS defines TLS for backend connections
	TLS *BackendTLSConfig `yaml:"tls,omitempty"`

	// ConnectionPool tunes the upstream connection pool
	ConnectionPool *ConnectionPoolConfig `yaml:"connectionPool,omitempty"`
}

// EndpointConfig defines a backend endpoint.
type EndpointConfig struct {
	// Address is the endpoint hostname or IP
	Address string `yaml:"address"`

	// Port is the endpoint port
	Port int `yaml:"port"`

	// Weight is the traffic weight for this endpoint
	Weight int `yaml:"weight,omitempty"`
}

// LoadBalancerConfig defines load balancing configuration.
type LoadBalancerConfig struct {
	// Algorithm is the load balancing algorithm (RoundRobin,
	// WeightedRoundRobin, LeastConnections, Random, ConsistentHash)
	Algorithm string `yaml:"algorithm"`

	// ConsistentHash defines consistent hash configuration
	ConsistentHash *ConsistentHashConfig `yaml:"consistentHash,omitempty"`
}

// ConsistentHashConfig defines consistent hash configuration.
type ConsistentHashConfig struct {
	// Header is the header to hash on
	Header string `yaml:"header,omitempty"`

	// Cookie is the cookie to hash on
	Cookie string `yaml:"cookie,omitempty"`

	// SourceIP hashes on the client source IP
	SourceIP bool `yaml:"sourceIP,omitempty"`
}

// HealthCheckConfig defines active health checking.
type HealthCheckConfig struct {
	// Interval is the probe interval
	Interval Duration `yaml:"interval"`

	// Timeout is the per-probe timeout
	Timeout Duration `yaml:"timeout"`

	// UnhealthyThreshold is the number of consecutive failures before
	// marking an endpoint unhealthy
	UnhealthyThreshold int `yaml:"unhealthyThreshold"`

	// HealthyThreshold is the number of consecutive successes before
	// marking an endpoint healthy again
	HealthyThreshold int `yaml:"healthyThreshold"`

	// HTTP defines HTTP probing
	HTTP *HTTPHealthCheckConfig `yaml:"http,omitempty"`

	// GRPC defines gRPC health protocol probing
	GRPC *GRPCHealthCheckConfig `yaml:"grpc,omitempty"`

	// TCP defines plain TCP connect probing
	TCP *TCPHealthCheckConfig `yaml:"tcp,omitempty"`
}

// HTTPHealthCheckConfig defines HTTP probing.
type HTTPHealthCheckConfig struct {
	// Path is the probe path
	Path string `yaml:"path"`

	// Method is the HTTP method (GET, HEAD)
	Method string `yaml:"method,omitempty"`

	// ExpectedStatuses is the list of status codes treated as healthy,
	// defaults to any 2xx
	ExpectedStatuses []int `yaml:"expectedStatuses,omitempty"`
}

// GRPCHealthCheckConfig defines gRPC health protocol probing.
type GRPCHealthCheckConfig struct {
	// Service is the gRPC service name to check
	Service string `yaml:"service,omitempty"`
}

// TCPHealthCheckConfig defines TCP connect probing.
type TCPHealthCheckConfig struct{}

// BackendBreakerConfig defines the per-backend circuit breaker.
type BackendBreakerConfig struct {
	// Enabled indicates whether the breaker is active
	Enabled bool `yaml:"enabled"`

	// MaxRequests is the number of probe requests allowed in half-open
	MaxRequests int `yaml:"maxRequests,omitempty"`

	// Interval is the cyclic period for clearing counts in closed state
	Interval Duration `yaml:"interval,omitempty"`

	// Timeout is the open state duration before half-open
	Timeout Duration `yaml:"timeout,omitempty"`

	// ConsecutiveFailures opens the breaker after this many failures
	// in a row
	ConsecutiveFailures int `yaml:"consecutiveFailures,omitempty"`

	// FailureRatio opens the breaker when the failure ratio over the
	// interval exceeds this value
	FailureRatio float64 `yaml:"failureRatio,omitempty"`

	// MinRequests is the minimum request volume before FailureRatio
	// is evaluated
	MinRequests int `yaml:"minRequests,omitempty"`
}

// BackendTLSConfig defines TLS for backend connections.
type BackendTLSConfig struct {
	// InsecureSkipVerify skips certificate verification
	InsecureSkipVerify bool `yaml:"insecureSkipVerify,omitempty"`

	// CAFile is the CA bundle for verification
	CAFile string `yaml:"caFile,omitempty"`

	// SNI is the server name for the TLS handshake
	SNI string `yaml:"sni,omitempty"`
}

// ConnectionPoolConfig tunes the upstream connection pool.
type ConnectionPoolConfig struct {
	// MaxIdleConns is the total idle connection limit
	MaxIdleConns int `yaml:"maxIdleConns,omitempty"`

	// MaxIdleConnsPerHost is the per-host idle connection limit
	MaxIdleConnsPerHost int `yaml:"maxIdleConnsPerHost,omitempty"`

	// MaxConnsPerHost is the per-host total connection limit
	MaxConnsPerHost int `yaml:"maxConnsPerHost,omitempty"`

	// IdleConnTimeout is the idle connection timeout
	IdleConnTimeout Duration `yaml:"idleConnTimeout,omitempty"`
}

// RateLimitConfig defines a rate limiting policy.
type RateLimitConfig struct {
	// Name is the unique identifier for this policy
	Name string `yaml:"name"`

	// Algorithm is the rate limiting algorithm
	// (token_bucket, sliding_window, fixed_window)
	Algorithm string `yaml:"algorithm"`

	// Requests is the number of requests allowed per window
	Requests int `yaml:"requests"`

	// Window is the time window
	Window Duration `yaml:"window"`

	// Burst is the burst size for token bucket
	Burst int `yaml:"burst,omitempty"`

	// Key defines how clients are identified
	Key *RateLimitKeyConfig `yaml:"key,omitempty"`

	// Store selects the counter store (memory, redis)
	Store *RateLimitStoreConfig `yaml:"store,omitempty"`
}

// RateLimitKeyConfig defines how clients are identified.
type RateLimitKeyConfig struct {
	// Type is the key type (IP, Header)
	Type string `yaml:"type"`

	// Header is the header name when type is Header
	Header string `yaml:"header,omitempty"`
}

// RateLimitStoreConfig selects the rate limit counter store.
type RateLimitStoreConfig struct {
	// Type is the store type (memory, redis)
	Type string `yaml:"type"`

	// Redis configures the Redis store
	Redis *RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig defines a Redis connection.
type RedisConfig struct {
	// Address is the Redis server address
	Address string `yaml:"address"`

	// Password is the Redis password
	Password string `yaml:"password,omitempty"`

	// DB is the Redis database number
	DB int `yaml:"db,omitempty"`
}

// ObservabilityConfig defines logging, metrics, and tracing settings.
type ObservabilityConfig struct {
	// LogLevel is the minimum log level (debug, info, warn, error)
	LogLevel string `yaml:"logLevel,omitempty"`

	// LogFormat is the log output format (json, console)
	LogFormat string `yaml:"logFormat,omitempty"`

	// LogOutput is the log destination (stdout, stderr)
	LogOutput string `yaml:"logOutput,omitempty"`

	// AccessLogEnabled enables per-request access logging
	AccessLogEnabled bool `yaml:"accessLogEnabled,omitempty"`

	// MetricsEnabled enables the Prometheus metrics endpoint
	MetricsEnabled bool `yaml:"metricsEnabled,omitempty"`

	// MetricsAddr is the admin server listen address
	MetricsAddr string `yaml:"metricsAddr,omitempty"`

	// MetricsPath is the metrics endpoint path
	MetricsPath string `yaml:"metricsPath,omitempty"`

	// TracingEnabled enables OpenTelemetry tracing
	TracingEnabled bool `yaml:"tracingEnabled,omitempty"`

	// OTLPEndpoint is the OTLP gRPC collector endpoint
	OTLPEndpoint string `yaml:"otlpEndpoint,omitempty"`

	// TracingSampleRate is the trace sampling ratio from 0 to 1
	TracingSampleRate float64 `yaml:"tracingSampleRate,omitempty"`
}

// Default values applied by ApplyDefaults.
const (
	DefaultShutdownTimeout   = Duration(30 * time.Second)
	DefaultReadTimeout       = Duration(30 * time.Second)
	DefaultWriteTimeout      = Duration(30 * time.Second)
	DefaultIdleTimeout       = Duration(120 * time.Second)
	DefaultMetricsAddr       = ":9091"
	DefaultMetricsPath       = "/metrics"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultLogOutput         = "stdout"
	DefaultTracingSampleRate = 1.0
)

// ApplyDefaults fills in zero-valued fields with defaults.
func (c *Config) ApplyDefaults() {
	if c.Proxy.ShutdownTimeout == 0 {
		c.Proxy.ShutdownTimeout = DefaultShutdownTimeout
	}

	for i := range c.Proxy.Listeners {
		l := &c.Proxy.Listeners[i]
		if l.ReadTimeout == 0 {
			l.ReadTimeout = DefaultReadTimeout
		}
		if l.WriteTimeout == 0 {
			l.WriteTimeout = DefaultWriteTimeout
		}
		if l.IdleTimeout == 0 {
			l.IdleTimeout = DefaultIdleTimeout
		}
	}

	o := &c.Observability
	if o.LogLevel == "" {
		o.LogLevel = DefaultLogLevel
	}
	if o.LogFormat == "" {
		o.LogFormat = DefaultLogFormat
	}
	if o.LogOutput == "" {
		o.LogOutput = DefaultLogOutput
	}
	if o.MetricsAddr == "" {
		o.MetricsAddr = DefaultMetricsAddr
	}
	if o.MetricsPath == "" {
		o.MetricsPath = DefaultMetricsPath
	}
	if o.TracingSampleRate == 0 {
		o.TracingSampleRate = DefaultTracingSampleRate
	}
}

// Backend returns the backend with the given name, or nil.
func (c *Config) Backend(name string) *BackendConfig {
	for i := range c.Backends {
		if c.Backends[i].Name == name {
			return &c.Backends[i]
		}
	}
	return nil
}

// RateLimit returns the rate limit policy with the given name, or nil.
func (c *Config) RateLimit(name string) *RateLimitConfig {
	for i := range c.RateLimits {
		if c.RateLimits[i].Name == name {
			return &c.RateLimits[i]
		}
	}
	return nil
}
