package backend

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/valmatov/edgeproxy/internal/config"
	"github.com/valmatov/edgeproxy/internal/observability"
)

// Default health check settings.
const (
	DefaultHealthInterval     = 10 * time.Second
	DefaultHealthTimeout      = 5 * time.Second
	DefaultUnhealthyThreshold = 3
	DefaultHealthyThreshold   = 2
	DefaultHealthCheckPath    = "/health"
	DefaultHealthCheckMethod  = http.MethodGet
)

// HealthStatusFunc is invoked when a host transitions between healthy
// and unhealthy.
type HealthStatusFunc func(backend, host string, healthy bool)

// HealthChecker actively probes backend hosts and flips their status
// after the configured number of consecutive results.
type HealthChecker struct {
	backendName        string
	hosts              []*Host
	interval           time.Duration
	timeout            time.Duration
	unhealthyThreshold int
	healthyThreshold   int

	httpCfg *config.HTTPHealthCheckConfig
	grpcCfg *config.GRPCHealthCheckConfig
	tcpCfg  *config.TCPHealthCheckConfig

	scheme    string
	tlsConfig *tls.Config
	client    *http.Client

	grpcMu    sync.Mutex
	grpcConns map[string]*grpc.ClientConn

	countsMu        sync.Mutex
	healthyCounts   map[*Host]int
	unhealthyCounts map[*Host]int

	statusFn HealthStatusFunc
	logger   observability.Logger

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// CheckerOption configures a HealthChecker.
type CheckerOption func(*HealthChecker)

// WithCheckerLogger sets the checker logger.
func WithCheckerLogger(logger observability.Logger) CheckerOption {
	return func(c *HealthChecker) {
		c.logger = logger
	}
}

// WithStatusFunc sets the status transition callback.
func WithStatusFunc(fn HealthStatusFunc) CheckerOption {
	return func(c *HealthChecker) {
		c.statusFn = fn
	}
}

// WithProbeScheme sets the URL scheme for HTTP probes.
func WithProbeScheme(scheme string) CheckerOption {
	return func(c *HealthChecker) {
		c.scheme = scheme
	}
}

// WithProbeTLS sets the TLS configuration for HTTPS and gRPC probes.
func WithProbeTLS(tlsConfig *tls.Config) CheckerOption {
	return func(c *HealthChecker) {
		c.tlsConfig = tlsConfig
	}
}

// NewHealthChecker creates a health checker for the given hosts.
func NewHealthChecker(backendName string, hosts []*Host, cfg *config.HealthCheckConfig, opts ...CheckerOption) *HealthChecker {
	c := &HealthChecker{
		backendName:        backendName,
		hosts:              hosts,
		interval:           DefaultHealthInterval,
		timeout:            DefaultHealthTimeout,
		unhealthyThreshold: DefaultUnhealthyThreshold,
		healthyThreshold:   DefaultHealthyThreshold,
		scheme:             "http",
		grpcConns:          make(map[string]*grpc.ClientConn),
		healthyCounts:      make(map[*Host]int),
		unhealthyCounts:    make(map[*Host]int),
		logger:             observability.NopLogger(),
		stopCh:             make(chan struct{}),
		stoppedCh:          make(chan struct{}),
	}

	if cfg != nil {
		if cfg.Interval > 0 {
			c.interval = cfg.Interval.Duration()
		}
		if cfg.Timeout > 0 {
			c.timeout = cfg.Timeout.Duration()
		}
		if cfg.UnhealthyThreshold > 0 {
			c.unhealthyThreshold = cfg.UnhealthyThreshold
		}
		if cfg.HealthyThreshold > 0 {
			c.healthyThreshold = cfg.HealthyThreshold
		}
		c.httpCfg = cfg.HTTP
		c.grpcCfg = cfg.GRPC
		c.tcpCfg = cfg.TCP
	}

	for _, opt := range opts {
		opt(c)
	}

	c.client = &http.Client{
		Timeout: c.timeout,
		Transport: &http.Transport{
			TLSClientConfig:   c.tlsConfig,
			DisableKeepAlives: true,
		},
	}

	return c
}

// Start begins periodic probing.
func (c *HealthChecker) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.started.Store(true)
		go c.run(ctx)
	})
}

// Stop halts probing and closes probe connections.
func (c *HealthChecker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		if c.started.Load() {
			<-c.stoppedCh
		}

		c.grpcMu.Lock()
		for addr, conn := range c.grpcConns {
			_ = conn.Close()
			delete(c.grpcConns, addr)
		}
		c.grpcMu.Unlock()
	})
}

func (c *HealthChecker) run(ctx context.Context) {
	defer close(c.stoppedCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.checkAll(ctx)

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkAll(ctx)
		}
	}
}

func (c *HealthChecker) checkAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, host := range c.hosts {
		wg.Add(1)
		go func(h *Host) {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			c.record(h, c.probe(probeCtx, h))
		}(host)
	}
	wg.Wait()
}

func (c *HealthChecker) probe(ctx context.Context, host *Host) error {
	switch {
	case c.grpcCfg != nil:
		return c.probeGRPC(ctx, host)
	case c.tcpCfg != nil:
		return c.probeTCP(host)
	default:
		return c.probeHTTP(ctx, host)
	}
}

func (c *HealthChecker) probeHTTP(ctx context.Context, host *Host) error {
	path := DefaultHealthCheckPath
	method := DefaultHealthCheckMethod
	var expected []int
	if c.httpCfg != nil {
		if c.httpCfg.Path != "" {
			path = c.httpCfg.Path
		}
		if c.httpCfg.Method != "" {
			method = c.httpCfg.Method
		}
		expected = c.httpCfg.ExpectedStatuses
	}

	url := host.URL(c.scheme) + path
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return fmt.Errorf("building probe request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if len(expected) == 0 {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	for _, code := range expected {
		if resp.StatusCode == code {
			return nil
		}
	}
	return fmt.Errorf("unexpected status %d", resp.StatusCode)
}

func (c *HealthChecker) probeGRPC(ctx context.Context, host *Host) error {
	conn, err := c.grpcConn(host.Addr())
	if err != nil {
		return err
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{
		Service: c.grpcCfg.Service,
	})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("grpc health status %s", resp.GetStatus())
	}
	return nil
}

// grpcConn returns a pooled client connection for the address, creating
// or replacing it when the existing one has shut down.
func (c *HealthChecker) grpcConn(addr string) (*grpc.ClientConn, error) {
	c.grpcMu.Lock()
	defer c.grpcMu.Unlock()

	if conn, ok := c.grpcConns[addr]; ok {
		if conn.GetState() != connectivity.Shutdown {
			return conn, nil
		}
		_ = conn.Close()
		delete(c.grpcConns, addr)
	}

	creds := insecure.NewCredentials()
	if c.tlsConfig != nil {
		creds = credentials.NewTLS(c.tlsConfig)
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("creating grpc connection to %s: %w", addr, err)
	}
	c.grpcConns[addr] = conn
	return conn, nil
}

func (c *HealthChecker) probeTCP(host *Host) error {
	conn, err := net.DialTimeout("tcp", host.Addr(), c.timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

// record applies the probe result with threshold hysteresis. Status
// flips only after the configured number of consecutive results, and
// the callback fires only on transitions.
func (c *HealthChecker) record(host *Host, probeErr error) {
	c.countsMu.Lock()
	defer c.countsMu.Unlock()

	if probeErr == nil {
		c.unhealthyCounts[host] = 0
		c.healthyCounts[host]++

		if !host.Healthy() && c.healthyCounts[host] >= c.healthyThreshold {
			host.SetStatus(StatusHealthy)
			c.logger.Info("host healthy",
				observability.String("backend", c.backendName),
				observability.String("host", host.Addr()))
			if c.statusFn != nil {
				c.statusFn(c.backendName, host.Addr(), true)
			}
		}
		return
	}

	c.healthyCounts[host] = 0
	c.unhealthyCounts[host]++

	if host.Healthy() && c.unhealthyCounts[host] >= c.unhealthyThreshold {
		host.SetStatus(StatusUnhealthy)
		c.logger.Warn("host unhealthy",
			observability.String("backend", c.backendName),
			observability.String("host", host.Addr()),
			observability.Error(probeErr))
		if c.statusFn != nil {
			c.statusFn(c.backendName, host.Addr(), false)
		}
	}
}
