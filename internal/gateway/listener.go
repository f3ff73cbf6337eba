package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/valmatov/edgeproxy/internal/config"
	"github.com/valmatov/edgeproxy/internal/observability"
	gwtls "github.com/valmatov/edgeproxy/internal/tls"
)

// Listener is one HTTP or HTTPS listener serving the gateway handler.
type Listener struct {
	config     config.ListenerConfig
	handler    http.Handler
	logger     observability.Logger
	server     *http.Server
	tlsManager *gwtls.Manager
	running    atomic.Bool
}

// ListenerOption is a functional option for configuring a listener.
type ListenerOption func(*Listener)

// WithListenerLogger sets the logger for the listener.
func WithListenerLogger(logger observability.Logger) ListenerOption {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewListener creates a listener. HTTPS listeners load their
// certificate immediately so misconfiguration fails at startup.
func NewListener(cfg config.ListenerConfig, handler http.Handler, opts ...ListenerOption) (*Listener, error) {
	l := &Listener{
		config:  cfg,
		handler: handler,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}

	server := &http.Server{
		Addr:              l.Address(),
		Handler:           l.handler,
		ReadTimeout:       cfg.ReadTimeout.Duration(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout.Duration(),
		IdleTimeout:       cfg.IdleTimeout.Duration(),
		MaxHeaderBytes:    1 << 20,
	}

	if l.isTLS() {
		tlsConfig, manager, err := gwtls.BuildServerConfig(cfg.TLS, l.logger)
		if err != nil {
			return nil, fmt.Errorf("listener %s: %w", cfg.Name, err)
		}
		server.TLSConfig = tlsConfig
		l.tlsManager = manager
	}

	l.server = server
	return l, nil
}

// Name returns the listener name.
func (l *Listener) Name() string {
	return l.config.Name
}

// Address returns the listen address.
func (l *Listener) Address() string {
	addr := l.config.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", addr, l.config.Port)
}

func (l *Listener) isTLS() bool {
	return strings.EqualFold(l.config.Protocol, "HTTPS")
}

// Start binds the listen socket and begins serving in the background.
func (l *Listener) Start(ctx context.Context) error {
	if l.running.Load() {
		return fmt.Errorf("listener %s is already running", l.config.Name)
	}

	addr := l.Address()

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	l.running.Store(true)

	l.logger.Info("listener started",
		observability.String("name", l.config.Name),
		observability.String("address", addr),
		observability.String("protocol", l.config.Protocol),
	)

	go l.serve(ln)

	return nil
}

// serve runs the accept loop until the server is shut down.
func (l *Listener) serve(ln net.Listener) {
	var err error
	if l.isTLS() {
		// Certificate comes from the TLS config GetCertificate callback.
		err = l.server.ServeTLS(ln, "", "")
	} else {
		err = l.server.Serve(ln)
	}

	if err != nil && err != http.ErrServerClosed {
		l.logger.Error("listener error",
			observability.String("name", l.config.Name),
			observability.Error(err),
		)
	}
	l.running.Store(false)
}

// ReloadCertificate re-reads the certificate files for an HTTPS
// listener. New handshakes pick up the rotated certificate.
func (l *Listener) ReloadCertificate() error {
	if l.tlsManager == nil {
		return nil
	}
	return l.tlsManager.Reload()
}

// Stop drains in-flight requests and closes the listen socket.
func (l *Listener) Stop(ctx context.Context) error {
	if !l.running.Load() {
		return nil
	}

	l.logger.Info("stopping listener",
		observability.String("name", l.config.Name),
	)

	if err := l.server.Shutdown(ctx); err != nil {
		if closeErr := l.server.Close(); closeErr != nil {
			return fmt.Errorf("failed to close listener: %w", closeErr)
		}
		return fmt.Errorf("failed to shutdown listener gracefully: %w", err)
	}

	l.running.Store(false)

	l.logger.Info("listener stopped",
		observability.String("name", l.config.Name),
	)

	return nil
}

// IsRunning reports whether the listener is serving.
func (l *Listener) IsRunning() bool {
	return l.running.Load()
}
