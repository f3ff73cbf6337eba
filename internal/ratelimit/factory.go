package ratelimit

import (
	"fmt"
	"strings"
	"time"

	"github.com/valmatov/edgeproxy/internal/config"
	"github.com/valmatov/edgeproxy/internal/observability"
)

// NewLimiter builds a limiter from a rate limit policy configuration.
func NewLimiter(cfg *config.RateLimitConfig, logger observability.Logger) (Limiter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("rate limit config is required")
	}

	algorithm, err := parseAlgorithm(cfg.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", cfg.Name, err)
	}

	requests := cfg.Requests
	if requests < 1 {
		requests = 1
	}
	window := cfg.Window.Duration()
	if window <= 0 {
		window = time.Minute
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = requests
	}

	storeType := "memory"
	if cfg.Store != nil && cfg.Store.Type != "" {
		storeType = strings.ToLower(cfg.Store.Type)
	}

	switch storeType {
	case "memory":
		switch algorithm {
		case AlgorithmSlidingWindow:
			return NewSlidingWindowLimiter(requests, window, logger), nil
		case AlgorithmFixedWindow:
			return NewFixedWindowLimiter(requests, window, logger), nil
		default:
			return NewTokenBucketLimiter(requests, window, burst, logger), nil
		}

	case "redis":
		if cfg.Store.Redis == nil {
			return nil, fmt.Errorf("policy %s: redis store requires a redis configuration", cfg.Name)
		}
		return NewRedisLimiter(&RedisLimiterConfig{
			Algorithm:       algorithm,
			Requests:        requests,
			Window:          window,
			Burst:           burst,
			Address:         cfg.Store.Redis.Address,
			Password:        cfg.Store.Redis.Password,
			DB:              cfg.Store.Redis.DB,
			Prefix:          defaultRedisPrefix + cfg.Name + ":",
			FallbackEnabled: true,
		}, logger)

	default:
		return nil, fmt.Errorf("policy %s: unknown store type %q", cfg.Name, storeType)
	}
}

// parseAlgorithm normalizes the configured algorithm name.
func parseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(name) {
	case "", string(AlgorithmTokenBucket):
		return AlgorithmTokenBucket, nil
	case string(AlgorithmSlidingWindow):
		return AlgorithmSlidingWindow, nil
	case string(AlgorithmFixedWindow):
		return AlgorithmFixedWindow, nil
	default:
		return "", fmt.Errorf("unknown rate limit algorithm %q", name)
	}
}
