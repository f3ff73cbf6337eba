// Package observability provides logging, metrics, and tracing for the
// edge proxy, plus the admin HTTP server that exposes them.
package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Config holds configuration for observability.
type Config struct {
	// Service information
	ServiceName    string
	ServiceVersion string

	// Logging configuration
	Log LogConfig

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Metrics configuration
	MetricsEnabled bool
	MetricsAddr    string
	MetricsPath    string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "edgeproxy",
		ServiceVersion: "dev",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		TracingEnabled:    false,
		OTLPEndpoint:      "localhost:4317",
		TracingSampleRate: 1.0,
		MetricsEnabled:    true,
		MetricsAddr:       ":9091",
		MetricsPath:       "/metrics",
	}
}

// Observability manages all observability components.
type Observability struct {
	config  *Config
	logger  Logger
	metrics *Metrics
	tracer  *Tracer

	adminServer *http.Server
	adminErrCh  chan error

	// extraHandlers are mounted on the admin server alongside the
	// metrics endpoint, used for health and readiness probes.
	extraHandlers map[string]http.Handler
}

// New creates a new Observability instance.
func New(config *Config) (*Observability, error) {
	if config == nil {
		config = DefaultConfig()
	}

	logger, err := NewLogger(config.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	SetGlobalLogger(logger)

	tracer, err := NewTracer(TracerConfig{
		ServiceName:    config.ServiceName,
		ServiceVersion: config.ServiceVersion,
		OTLPEndpoint:   config.OTLPEndpoint,
		SamplingRate:   config.TracingSampleRate,
		Enabled:        config.TracingEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	return &Observability{
		config:        config,
		logger:        logger,
		metrics:       NewMetrics(config.ServiceName),
		tracer:        tracer,
		extraHandlers: make(map[string]http.Handler),
	}, nil
}

// Handle mounts an additional handler on the admin server. Must be
// called before Start.
func (o *Observability) Handle(pattern string, handler http.Handler) {
	o.extraHandlers[pattern] = handler
}

// Start starts the admin HTTP server serving metrics and probes.
func (o *Observability) Start(ctx context.Context) error {
	o.logger.Info("initializing observability",
		String("service", o.config.ServiceName),
		String("version", o.config.ServiceVersion),
	)

	if !o.config.MetricsEnabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(o.config.MetricsPath, o.metrics.Handler())
	for pattern, handler := range o.extraHandlers {
		mux.Handle(pattern, handler)
	}

	o.adminServer = &http.Server{
		Addr:         o.config.MetricsAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	o.adminErrCh = make(chan error, 1)

	go func() {
		if err := o.adminServer.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			o.logger.Error("admin server error", Error(err))
			select {
			case o.adminErrCh <- err:
			default:
			}
		}
	}()

	// Give the listener a moment to surface bind errors.
	select {
	case err := <-o.adminErrCh:
		return fmt.Errorf("admin server failed to start: %w", err)
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}

	o.logger.Info("admin server started",
		String("addr", o.config.MetricsAddr),
		String("metrics_path", o.config.MetricsPath),
	)
	return nil
}

// Stop shuts down all observability components.
func (o *Observability) Stop(ctx context.Context) error {
	o.logger.Info("stopping observability")

	var errs []error

	if o.adminServer != nil {
		if err := o.adminServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop admin server: %w", err))
		}
	}

	if o.tracer != nil {
		if err := o.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop tracer: %w", err))
		}
	}

	if o.logger != nil {
		if err := o.logger.Sync(); err != nil {
			// Sync errors on stdout/stderr are expected and ignored.
			if o.config.Log.Output != "stdout" && o.config.Log.Output != "stderr" {
				errs = append(errs, fmt.Errorf("failed to sync logger: %w", err))
			}
		}
	}

	return errors.Join(errs...)
}

// Logger returns the logger.
func (o *Observability) Logger() Logger {
	return o.logger
}

// Metrics returns the metrics instance.
func (o *Observability) Metrics() *Metrics {
	return o.metrics
}

// Tracer returns the tracer.
func (o *Observability) Tracer() *Tracer {
	return o.tracer
}

// AdminError returns any error from the admin server after startup.
// Returns nil if no error occurred.
func (o *Observability) AdminError() error {
	if o.adminErrCh == nil {
		return nil
	}
	select {
	case err := <-o.adminErrCh:
		select {
		case o.adminErrCh <- err:
		default:
		}
		return err
	default:
		return nil
	}
}
