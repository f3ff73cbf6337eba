package backend

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valmatov/edgeproxy/internal/circuitbreaker"
	"github.com/valmatov/edgeproxy/internal/config"
	"github.com/valmatov/edgeproxy/internal/observability"
)

// Status is the health status of a host.
type Status int32

// Host health statuses.
const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
	StatusDraining
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	case StatusDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Host is a single upstream endpoint.
type Host struct {
	Address string
	Port    int
	Weight  int

	status      atomic.Int32
	activeConns atomic.Int64
	lastUsed    atomic.Int64
}

// NewHost creates a host with the given address, port and weight. A
// weight below 1 defaults to 1.
func NewHost(address string, port, weight int) *Host {
	if weight < 1 {
		weight = 1
	}
	return &Host{Address: address, Port: port, Weight: weight}
}

// Addr returns the host:port address.
func (h *Host) Addr() string {
	return net.JoinHostPort(h.Address, strconv.Itoa(h.Port))
}

// URL returns the base URL for the host using the given scheme.
func (h *Host) URL(scheme string) string {
	return scheme + "://" + h.Addr()
}

// Status returns the current health status.
func (h *Host) Status() Status {
	return Status(h.status.Load())
}

// SetStatus updates the health status.
func (h *Host) SetStatus(s Status) {
	h.status.Store(int32(s))
}

// Healthy reports whether the host is available for traffic.
func (h *Host) Healthy() bool {
	return h.Status() == StatusHealthy
}

// IncActive increments the active connection count and records the
// last use time.
func (h *Host) IncActive() {
	h.activeConns.Add(1)
	h.lastUsed.Store(time.Now().UnixNano())
}

// DecActive decrements the active connection count.
func (h *Host) DecActive() {
	h.activeConns.Add(-1)
}

// ActiveConns returns the current active connection count.
func (h *Host) ActiveConns() int64 {
	return h.activeConns.Load()
}

// LastUsed returns the time of the last request sent to the host.
func (h *Host) LastUsed() time.Time {
	return time.Unix(0, h.lastUsed.Load())
}

// ServiceBackend is a named set of upstream hosts with load balancing,
// health checking and circuit breaking.
type ServiceBackend struct {
	name     string
	scheme   string
	hosts    []*Host
	balancer LoadBalancer
	hashCfg  *config.ConsistentHashConfig
	checker  *HealthChecker
	breaker  *circuitbreaker.CircuitBreaker
	pool     *ConnectionPool
	logger   observability.Logger
	statusFn HealthStatusFunc

	mu      sync.Mutex
	started bool
}

// Option configures a ServiceBackend.
type Option func(*ServiceBackend)

// WithLogger sets the backend logger.
func WithLogger(logger observability.Logger) Option {
	return func(b *ServiceBackend) {
		b.logger = logger
	}
}

// WithHealthStatusFunc sets a callback invoked when a host transitions
// between healthy and unhealthy.
func WithHealthStatusFunc(fn HealthStatusFunc) Option {
	return func(b *ServiceBackend) {
		b.statusFn = fn
	}
}

// New creates a backend from its configuration.
func New(cfg config.BackendConfig, opts ...Option) (*ServiceBackend, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("backend %s has no endpoints", cfg.Name)
	}

	hosts := make([]*Host, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		hosts = append(hosts, NewHost(ep.Address, ep.Port, ep.Weight))
	}

	scheme := "http"
	if strings.EqualFold(cfg.Protocol, "HTTPS") {
		scheme = "https"
	}

	b := &ServiceBackend{
		name:   cfg.Name,
		scheme: scheme,
		hosts:  hosts,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}

	algorithm := ""
	if cfg.LoadBalancer != nil {
		algorithm = cfg.LoadBalancer.Algorithm
		b.hashCfg = cfg.LoadBalancer.ConsistentHash
	}
	balancer, err := NewLoadBalancer(algorithm, hosts)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", cfg.Name, err)
	}
	b.balancer = balancer

	tlsConfig, err := BuildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", cfg.Name, err)
	}
	b.pool = NewConnectionPool(PoolConfigFromConfig(cfg.ConnectionPool), tlsConfig)

	if cfg.CircuitBreaker != nil && cfg.CircuitBreaker.Enabled {
		b.breaker = circuitbreaker.New(cfg.Name, breakerConfig(cfg.CircuitBreaker), b.logger)
	}

	if cfg.HealthCheck != nil {
		checkerOpts := []CheckerOption{
			WithCheckerLogger(b.logger),
			WithProbeScheme(scheme),
		}
		if tlsConfig != nil {
			checkerOpts = append(checkerOpts, WithProbeTLS(tlsConfig))
		}
		if b.statusFn != nil {
			checkerOpts = append(checkerOpts, WithStatusFunc(b.statusFn))
		}
		b.checker = NewHealthChecker(cfg.Name, hosts, cfg.HealthCheck, checkerOpts...)
	}

	return b, nil
}

// breakerConfig maps the YAML breaker settings onto the circuit breaker
// configuration.
func breakerConfig(cfg *config.BackendBreakerConfig) *circuitbreaker.Config {
	bc := circuitbreaker.DefaultConfig()
	if cfg.ConsecutiveFailures > 0 {
		bc.MaxFailures = cfg.ConsecutiveFailures
	}
	if cfg.Timeout > 0 {
		bc.Timeout = cfg.Timeout.Duration()
	}
	if cfg.MaxRequests > 0 {
		bc.HalfOpenMax = cfg.MaxRequests
	}
	if cfg.FailureRatio > 0 {
		bc.FailureRatio = cfg.FailureRatio
	}
	if cfg.MinRequests > 0 {
		bc.MinRequests = cfg.MinRequests
	}
	if cfg.Interval > 0 {
		bc.SamplingDuration = cfg.Interval.Duration()
	}
	return bc
}

// Start marks all hosts healthy and starts the health checker if one is
// configured. Hosts start healthy so that traffic flows immediately and
// the checker demotes failing hosts.
func (b *ServiceBackend) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return nil
	}

	for _, h := range b.hosts {
		h.SetStatus(StatusHealthy)
		if b.statusFn != nil {
			b.statusFn(b.name, h.Addr(), true)
		}
	}

	if b.checker != nil {
		b.checker.Start(ctx)
	}

	b.started = true
	b.logger.Info("backend started",
		observability.String("backend", b.name),
		observability.Int("hosts", len(b.hosts)))
	return nil
}

// Stop stops the health checker and closes idle connections.
func (b *ServiceBackend) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		return
	}

	if b.checker != nil {
		b.checker.Stop()
	}
	b.pool.CloseIdleConnections()
	b.started = false

	b.logger.Info("backend stopped", observability.String("backend", b.name))
}

// Pick selects a host for the given request. Consistent hash backends
// use the request affinity key, all others ignore the request.
func (b *ServiceBackend) Pick(r *http.Request) (*Host, error) {
	if keyed, ok := b.balancer.(KeyedBalancer); ok {
		if key := HashKeyFromRequest(r, b.hashCfg); key != "" {
			return keyed.NextForKey(key)
		}
	}
	return b.balancer.Next()
}

// Name returns the backend name.
func (b *ServiceBackend) Name() string {
	return b.name
}

// Scheme returns the upstream URL scheme.
func (b *ServiceBackend) Scheme() string {
	return b.scheme
}

// Hosts returns the host set.
func (b *ServiceBackend) Hosts() []*Host {
	return b.hosts
}

// Breaker returns the per-backend circuit breaker, or nil when circuit
// breaking is not configured.
func (b *ServiceBackend) Breaker() *circuitbreaker.CircuitBreaker {
	return b.breaker
}

// Transport returns the pooled HTTP transport for upstream requests.
func (b *ServiceBackend) Transport() *http.Transport {
	return b.pool.Transport()
}

// Client returns the pooled HTTP client for upstream requests.
func (b *ServiceBackend) Client() *http.Client {
	return b.pool.Client()
}

// HealthyHostCount returns the number of hosts currently accepting
// traffic.
func (b *ServiceBackend) HealthyHostCount() int {
	return len(healthyHosts(b.hosts))
}

// Registry holds named backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]*ServiceBackend
	logger   observability.Logger
}

// NewRegistry creates an empty backend registry.
func NewRegistry(logger observability.Logger) *Registry {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Registry{
		backends: make(map[string]*ServiceBackend),
		logger:   logger,
	}
}

// Register adds a backend to the registry.
func (r *Registry) Register(b *ServiceBackend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[b.Name()]; exists {
		return fmt.Errorf("backend %s already registered", b.Name())
	}
	r.backends[b.Name()] = b
	return nil
}

// Get returns the backend with the given name.
func (r *Registry) Get(name string) (*ServiceBackend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[name]
	return b, ok
}

// List returns all registered backends.
func (r *Registry) List() []*ServiceBackend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	backends := make([]*ServiceBackend, 0, len(r.backends))
	for _, b := range r.backends {
		backends = append(backends, b)
	}
	return backends
}

// LoadFromConfig builds and registers backends from configuration.
func (r *Registry) LoadFromConfig(cfgs []config.BackendConfig, opts ...Option) error {
	for _, cfg := range cfgs {
		opts := append([]Option{WithLogger(r.logger)}, opts...)
		b, err := New(cfg, opts...)
		if err != nil {
			return err
		}
		if err := r.Register(b); err != nil {
			return err
		}
	}
	return nil
}

// StartAll starts every registered backend.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, b := range r.List() {
		if err := b.Start(ctx); err != nil {
			return fmt.Errorf("starting backend %s: %w", b.Name(), err)
		}
	}
	return nil
}

// StopAll stops every registered backend.
func (r *Registry) StopAll() {
	for _, b := range r.List() {
		b.Stop()
	}
}
