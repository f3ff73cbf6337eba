package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/valmatov/edgeproxy/internal/config"
	"github.com/valmatov/edgeproxy/internal/observability"
)

// Policy pairs a limiter with the key extraction for one named policy.
type Policy struct {
	name    string
	limiter Limiter
	keyFn   KeyFunc
}

// Name returns the policy name.
func (p *Policy) Name() string {
	return p.name
}

// Check extracts the key from the request and consults the limiter.
func (p *Policy) Check(ctx context.Context, r *http.Request) (*Result, error) {
	result, err := p.limiter.Allow(ctx, p.keyFn(r))
	if err != nil {
		decisionsTotal.WithLabelValues(p.name, "error").Inc()
		return nil, err
	}

	if result.Allowed {
		decisionsTotal.WithLabelValues(p.name, "allowed").Inc()
	} else {
		decisionsTotal.WithLabelValues(p.name, "denied").Inc()
	}

	return result, nil
}

// Registry holds the named rate limit policies for the gateway.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	logger   observability.Logger
}

// NewRegistry creates an empty policy registry.
func NewRegistry(logger observability.Logger) *Registry {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Registry{
		policies: make(map[string]*Policy),
		logger:   logger,
	}
}

// LoadFromConfig builds a policy for every configured rate limit.
func (reg *Registry) LoadFromConfig(cfgs []config.RateLimitConfig) error {
	for i := range cfgs {
		cfg := &cfgs[i]
		if cfg.Name == "" {
			return fmt.Errorf("rate limit policy %d: name is required", i)
		}

		limiter, err := NewLimiter(cfg, reg.logger)
		if err != nil {
			return fmt.Errorf("failed to build rate limit policy %s: %w", cfg.Name, err)
		}

		if err := reg.register(&Policy{
			name:    cfg.Name,
			limiter: limiter,
			keyFn:   KeyFuncFromConfig(cfg.Key),
		}); err != nil {
			return err
		}

		reg.logger.Info("rate limit policy loaded",
			observability.String("policy", cfg.Name),
			observability.String("algorithm", cfg.Algorithm),
			observability.Int("requests", cfg.Requests),
		)
	}

	return nil
}

// register adds a policy, rejecting duplicate names.
func (reg *Registry) register(p *Policy) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.policies[p.name]; exists {
		return fmt.Errorf("duplicate rate limit policy: %s", p.name)
	}
	reg.policies[p.name] = p
	return nil
}

// Get returns the policy with the given name, or nil.
func (reg *Registry) Get(name string) *Policy {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.policies[name]
}

// Unhealthy returns the names of policies whose limiter reports an
// unhealthy store, currently serving from local fallback.
func (reg *Registry) Unhealthy() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var names []string
	for name, p := range reg.policies {
		if hc, ok := p.limiter.(interface{ Healthy() bool }); ok && !hc.Healthy() {
			names = append(names, name)
		}
	}
	return names
}

// Close releases limiter resources such as cleanup goroutines and Redis
// connections.
func (reg *Registry) Close() error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var errs []error
	for name, p := range reg.policies {
		if closer, ok := p.limiter.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("policy %s: %w", name, err))
			}
		}
	}
	reg.policies = make(map[string]*Policy)

	return errors.Join(errs...)
}
