// Package gateway wires configuration, routing, backends, rate limits,
// and middleware into running listeners.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/valmatov/edgeproxy/internal/backend"
	"github.com/valmatov/edgeproxy/internal/config"
	"github.com/valmatov/edgeproxy/internal/health"
	"github.com/valmatov/edgeproxy/internal/middleware"
	"github.com/valmatov/edgeproxy/internal/observability"
	"github.com/valmatov/edgeproxy/internal/proxy"
	"github.com/valmatov/edgeproxy/internal/ratelimit"
	"github.com/valmatov/edgeproxy/internal/router"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// State represents the gateway lifecycle state.
type State int32

const (
	// StateStopped indicates the gateway is stopped.
	StateStopped State = iota
	// StateStarting indicates the gateway is starting.
	StateStarting
	// StateRunning indicates the gateway is running.
	StateRunning
	// StateStopping indicates the gateway is stopping.
	StateStopping
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// dataPlane bundles everything rebuilt on a configuration reload. The
// listeners stay up across reloads and always serve the current plane.
type dataPlane struct {
	backends *backend.Registry
	routes   *router.Router
	limits   *ratelimit.Registry
	handler  http.Handler
}

// stop releases the plane's resources.
func (dp *dataPlane) stop(logger observability.Logger) {
	dp.backends.StopAll()
	if err := dp.limits.Close(); err != nil {
		logger.Warn("closing rate limiters", observability.Error(err))
	}
}

// Gateway is the running edge proxy instance.
type Gateway struct {
	logger  observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	checker *health.Checker

	engine    *gin.Engine
	listeners []*Listener
	plane     atomic.Pointer[dataPlane]

	state           atomic.Int32
	startTime       time.Time
	shutdownTimeout time.Duration

	mu  sync.RWMutex
	cfg *config.Config
}

// Option is a functional option for configuring the gateway.
type Option func(*Gateway)

// WithLogger sets the logger for the gateway.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder. Backend health, breaker state,
// and per-request metrics are wired through it.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = metrics
	}
}

// WithTracer enables the tracing middleware.
func WithTracer(tracer *observability.Tracer) Option {
	return func(g *Gateway) {
		g.tracer = tracer
	}
}

// WithHealthChecker wires readiness checks for backends and rate limit
// stores into the given checker.
func WithHealthChecker(checker *health.Checker) Option {
	return func(g *Gateway) {
		g.checker = checker
	}
}

// New creates a gateway from validated configuration.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}

	g := &Gateway{
		cfg:             cfg,
		logger:          observability.NopLogger(),
		shutdownTimeout: cfg.Proxy.ShutdownTimeout.Duration(),
	}
	if g.shutdownTimeout <= 0 {
		g.shutdownTimeout = 30 * time.Second
	}

	for _, opt := range opts {
		opt(g)
	}

	g.state.Store(int32(StateStopped))

	return g, nil
}

// Start builds the data plane and starts all listeners.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("gateway is not in stopped state")
	}

	cfg := g.Config()
	g.logger.Info("starting gateway",
		observability.String("name", cfg.Proxy.Name),
	)

	plane, err := g.buildPlane(cfg)
	if err != nil {
		g.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to build data plane: %w", err)
	}
	if err := plane.backends.StartAll(ctx); err != nil {
		plane.stop(g.logger)
		g.state.Store(int32(StateStopped))
		return err
	}
	g.plane.Store(plane)

	g.engine = gin.New()
	g.engine.Use(gin.Recovery())
	g.engine.NoRoute(gin.WrapH(http.HandlerFunc(g.serveHTTP)))

	if err := g.createListeners(cfg); err != nil {
		g.teardownPlane()
		g.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to create listeners: %w", err)
	}

	for _, listener := range g.listeners {
		if err := listener.Start(ctx); err != nil {
			g.stopListeners(ctx)
			g.teardownPlane()
			g.state.Store(int32(StateStopped))
			return fmt.Errorf("failed to start listener %s: %w", listener.Name(), err)
		}
	}

	g.registerHealthChecks()

	g.startTime = time.Now()
	g.state.Store(int32(StateRunning))

	g.logger.Info("gateway started",
		observability.String("name", cfg.Proxy.Name),
		observability.Int("listeners", len(g.listeners)),
		observability.Int("routes", len(cfg.Routes)),
		observability.Int("backends", len(cfg.Backends)),
	)

	return nil
}

// Stop drains the listeners and releases the data plane.
func (g *Gateway) Stop(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return fmt.Errorf("gateway is not running")
	}

	g.logger.Info("stopping gateway")

	if g.checker != nil {
		g.checker.SetDraining(true)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.shutdownTimeout)
		defer cancel()
	}

	g.stopListeners(ctx)
	g.teardownPlane()

	g.state.Store(int32(StateStopped))
	g.logger.Info("gateway stopped")

	return nil
}

// Reload swaps in a data plane built from the new configuration. The
// listeners keep serving throughout, in-flight requests finish on the
// old plane. Listener set changes require a restart and are logged.
func (g *Gateway) Reload(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is required")
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	g.logger.Info("reloading gateway configuration",
		observability.String("name", cfg.Proxy.Name),
	)

	plane, err := g.buildPlane(cfg)
	if err != nil {
		return fmt.Errorf("failed to build data plane: %w", err)
	}
	if err := plane.backends.StartAll(ctx); err != nil {
		plane.stop(g.logger)
		return err
	}

	old := g.plane.Swap(plane)

	g.mu.Lock()
	previous := g.cfg
	g.cfg = cfg
	g.mu.Unlock()

	if old != nil {
		old.stop(g.logger)
	}

	if listenersChanged(previous.Proxy.Listeners, cfg.Proxy.Listeners) {
		g.logger.Warn("listener changes require a restart to take effect")
	}
	for _, l := range g.listeners {
		if err := l.ReloadCertificate(); err != nil {
			g.logger.Error("failed to reload listener certificate",
				observability.String("listener", l.Name()),
				observability.Error(err),
			)
		}
	}

	g.logger.Info("gateway configuration reloaded",
		observability.Int("routes", len(cfg.Routes)),
		observability.Int("backends", len(cfg.Backends)),
	)

	return nil
}

// serveHTTP dispatches to whichever data plane is current.
func (g *Gateway) serveHTTP(w http.ResponseWriter, r *http.Request) {
	plane := g.plane.Load()
	if plane == nil {
		http.Error(w, "gateway is not ready", http.StatusServiceUnavailable)
		return
	}
	plane.handler.ServeHTTP(w, r)
}

// buildPlane constructs backends, routes, rate limits, the proxy, and
// the middleware chain from configuration.
func (g *Gateway) buildPlane(cfg *config.Config) (*dataPlane, error) {
	backends := backend.NewRegistry(g.logger)
	var backendOpts []backend.Option
	if g.metrics != nil {
		backendOpts = append(backendOpts, backend.WithHealthStatusFunc(g.metrics.SetBackendHealth))
	}
	if err := backends.LoadFromConfig(cfg.Backends, backendOpts...); err != nil {
		return nil, fmt.Errorf("loading backends: %w", err)
	}

	routes := router.New()
	if err := routes.LoadRoutes(cfg.Routes); err != nil {
		return nil, fmt.Errorf("loading routes: %w", err)
	}

	limits := ratelimit.NewRegistry(g.logger)
	if err := limits.LoadFromConfig(cfg.RateLimits); err != nil {
		if closeErr := limits.Close(); closeErr != nil {
			g.logger.Warn("closing rate limiters", observability.Error(closeErr))
		}
		return nil, fmt.Errorf("loading rate limits: %w", err)
	}

	proxyOpts := []proxy.ProxyOption{
		proxy.WithProxyLogger(g.logger),
		proxy.WithRateLimits(limits),
	}
	if g.metrics != nil {
		proxyOpts = append(proxyOpts, proxy.WithRateLimitHitFunc(g.metrics.RecordRateLimitHit))
	}
	p := proxy.NewReverseProxy(routes, backends, proxyOpts...)

	return &dataPlane{
		backends: backends,
		routes:   routes,
		limits:   limits,
		handler:  middleware.Chain(p, g.middlewares(cfg)...),
	}, nil
}

// middlewares assembles the gateway-wide chain, outermost first.
func (g *Gateway) middlewares(cfg *config.Config) []middleware.Middleware {
	mws := []middleware.Middleware{
		middleware.RequestID(),
		middleware.Recovery(g.logger),
	}
	if cfg.Observability.AccessLogEnabled {
		mws = append(mws, middleware.AccessLog(g.logger))
	}
	if g.tracer != nil {
		mws = append(mws, observability.TracingMiddleware(g.tracer))
	}
	if g.metrics != nil {
		mws = append(mws, observability.MetricsMiddleware(g.metrics))
	}
	if timeout := cfg.Proxy.RequestTimeout.Duration(); timeout > 0 {
		mws = append(mws, middleware.Timeout(timeout, g.logger))
	}

	var breakerOpts []middleware.GatewayBreakerOption
	if g.metrics != nil {
		breakerOpts = append(breakerOpts,
			middleware.WithBreakerStateCallback(g.metrics.SetCircuitBreakerState))
	}
	mws = append(mws, middleware.CircuitBreakerFromConfig(cfg.Proxy.CircuitBreaker, g.logger, breakerOpts...))

	return mws
}

// registerHealthChecks feeds readiness from the current data plane so
// reloads are picked up without re-registering.
func (g *Gateway) registerHealthChecks() {
	if g.checker == nil {
		return
	}

	g.checker.RegisterCheck("backends", func() health.Check {
		plane := g.plane.Load()
		if plane == nil {
			return health.Check{Status: health.StatusUnhealthy, Message: "data plane not built"}
		}
		return health.BackendsCheck(plane.backends)()
	})

	g.checker.RegisterCheck("ratelimit", func() health.Check {
		plane := g.plane.Load()
		if plane == nil {
			return health.Check{Status: health.StatusUnhealthy, Message: "data plane not built"}
		}
		if degraded := plane.limits.Unhealthy(); len(degraded) > 0 {
			return health.Check{
				Status:  health.StatusDegraded,
				Message: fmt.Sprintf("rate limit stores on fallback: %v", degraded),
			}
		}
		return health.Check{Status: health.StatusHealthy}
	})
}

// createListeners builds a listener per configuration entry.
func (g *Gateway) createListeners(cfg *config.Config) error {
	g.listeners = make([]*Listener, 0, len(cfg.Proxy.Listeners))

	for _, listenerCfg := range cfg.Proxy.Listeners {
		listener, err := NewListener(listenerCfg, g.engine, WithListenerLogger(g.logger))
		if err != nil {
			return fmt.Errorf("failed to create listener %s: %w", listenerCfg.Name, err)
		}
		g.listeners = append(g.listeners, listener)
	}

	return nil
}

// stopListeners shuts down all listeners in parallel.
func (g *Gateway) stopListeners(ctx context.Context) {
	var wg sync.WaitGroup
	for _, listener := range g.listeners {
		wg.Add(1)
		go func(l *Listener) {
			defer wg.Done()
			if err := l.Stop(ctx); err != nil {
				g.logger.Error("failed to stop listener",
					observability.String("name", l.Name()),
					observability.Error(err),
				)
			}
		}(listener)
	}
	wg.Wait()
}

// teardownPlane releases the current data plane.
func (g *Gateway) teardownPlane() {
	if plane := g.plane.Swap(nil); plane != nil {
		plane.stop(g.logger)
	}
}

// listenersChanged reports whether the listener set differs between two
// configurations.
func listenersChanged(a, b []config.ListenerConfig) bool {
	if len(a) != len(b) {
		return true
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Port != b[i].Port ||
			a[i].Address != b[i].Address || a[i].Protocol != b[i].Protocol {
			return true
		}
	}
	return false
}

// State returns the current gateway state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// IsRunning reports whether the gateway is running.
func (g *Gateway) IsRunning() bool {
	return g.State() == StateRunning
}

// Uptime returns how long the gateway has been running.
func (g *Gateway) Uptime() time.Duration {
	if g.startTime.IsZero() {
		return 0
	}
	return time.Since(g.startTime)
}

// Config returns the current configuration.
func (g *Gateway) Config() *config.Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// Listeners returns the running listeners.
func (g *Gateway) Listeners() []*Listener {
	return g.listeners
}
