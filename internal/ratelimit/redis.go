package ratelimit

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/valmatov/edgeproxy/internal/circuitbreaker"
	"github.com/valmatov/edgeproxy/internal/observability"
	"github.com/valmatov/edgeproxy/internal/retry"
)

var (
	_ Limiter   = (*RedisLimiter)(nil)
	_ io.Closer = (*RedisLimiter)(nil)
)

// Redis limiter defaults.
const (
	defaultRedisPrefix         = "ratelimit:"
	defaultHealthCheckInterval = 5 * time.Second
	redisDialTimeout           = 5 * time.Second
	redisOpTimeout             = 2 * time.Second
	redisConnectRetries        = 3
	redisConnectBaseInterval   = 200 * time.Millisecond
)

// tokenBucketScript atomically refills and drains a token bucket.
// Returns: allowed (0 or 1), remaining tokens, reset time in ms.
var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])

	local data = redis.call('HMGET', key, 'tokens', 'last_update')
	local tokens = tonumber(data[1])
	local last_update = tonumber(data[2])

	if tokens == nil then
		tokens = burst
		last_update = now
	end

	local elapsed = (now - last_update) / 1000.0
	tokens = math.min(burst, tokens + (elapsed * rate))

	local allowed = 0
	if tokens >= requested then
		tokens = tokens - requested
		allowed = 1
	end

	redis.call('HMSET', key, 'tokens', tokens, 'last_update', now)
	redis.call('EXPIRE', key, math.ceil(burst / rate) + 1)

	local reset_ms = math.ceil((burst - tokens) / rate * 1000)

	return {allowed, math.floor(tokens), reset_ms}
`)

// slidingWindowScript atomically maintains a sorted set of request times.
// Returns: allowed (0 or 1), remaining, reset time in ms.
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window_ms = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])

	local window_start = now - window_ms
	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

	local count = redis.call('ZCARD', key)

	local allowed = 0
	if count + requested <= limit then
		for i = 1, requested do
			redis.call('ZADD', key, now, now .. ':' .. i .. ':' .. math.random())
		end
		count = count + requested
		allowed = 1
	end

	redis.call('EXPIRE', key, math.ceil(window_ms / 1000) + 1)

	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local reset_ms = window_ms
	if #oldest > 0 then
		reset_ms = tonumber(oldest[2]) + window_ms - now
	end

	return {allowed, limit - count, reset_ms}
`)

// fixedWindowScript atomically increments a per-window counter.
// Returns: allowed (0 or 1), remaining, reset time in ms.
var fixedWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window_ms = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])

	local window_start = math.floor(now / window_ms) * window_ms
	local window_key = key .. ':' .. window_start

	local count = tonumber(redis.call('GET', window_key) or '0')

	local allowed = 0
	if count + requested <= limit then
		count = redis.call('INCRBY', window_key, requested)
		if count == requested then
			redis.call('PEXPIRE', window_key, window_ms)
		end
		allowed = 1
	end

	local reset_ms = window_start + window_ms - now

	return {allowed, limit - count, reset_ms}
`)

// RedisLimiterConfig holds configuration for the distributed rate limiter.
type RedisLimiterConfig struct {
	// Algorithm selects the rate limiting algorithm.
	Algorithm Algorithm

	// Requests is the maximum number of requests allowed per window.
	Requests int

	// Window is the time window for the limit.
	Window time.Duration

	// Burst is the maximum burst size for the token bucket algorithm.
	Burst int

	// Address is the Redis server address.
	Address string

	// Password is the Redis password.
	Password string

	// DB is the Redis database number.
	DB int

	// Prefix is prepended to every rate limit key.
	Prefix string

	// Breaker configures the circuit breaker guarding Redis calls.
	Breaker *circuitbreaker.Config

	// FallbackEnabled enables a local in-memory limiter when Redis
	// is unavailable.
	FallbackEnabled bool

	// HealthCheckInterval is the interval between Redis health probes.
	HealthCheckInterval time.Duration
}

// RedisLimiter implements distributed rate limiting on Redis using atomic
// Lua scripts. Redis calls run behind a circuit breaker; when the breaker
// is open or Redis errors, an optional local limiter takes over so a Redis
// outage degrades to per-instance limiting instead of failing requests.
type RedisLimiter struct {
	config   *RedisLimiterConfig
	client   *redis.Client
	breaker  *circuitbreaker.CircuitBreaker
	fallback Limiter
	logger   observability.Logger

	healthy    atomic.Bool
	stopHealth chan struct{}
	healthOnce sync.Once
}

// NewRedisLimiter creates a distributed rate limiter backed by Redis.
// It verifies connectivity before returning.
func NewRedisLimiter(cfg *RedisLimiterConfig, logger observability.Logger) (*RedisLimiter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis limiter config is required")
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	if cfg.Requests < 1 {
		cfg.Requests = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Burst < 1 {
		cfg.Burst = cfg.Requests
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultRedisPrefix
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = defaultHealthCheckInterval
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Redis may still be coming up when the gateway starts, so the
	// initial ping is retried with backoff before giving up.
	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	err := retry.Do(ctx, &retry.Config{
		MaxRetries:   redisConnectRetries,
		BaseInterval: redisConnectBaseInterval,
		MaxInterval:  redisDialTimeout,
	}, func() error {
		pingCtx, pingCancel := context.WithTimeout(ctx, redisOpTimeout)
		defer pingCancel()
		return client.Ping(pingCtx).Err()
	}, &retry.Options{
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			logger.Warn("redis connection attempt failed",
				observability.String("address", cfg.Address),
				observability.Int("attempt", attempt),
				observability.Duration("backoff", backoff),
				observability.Error(err),
			)
		},
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}

	breakerCfg := cfg.Breaker
	if breakerCfg == nil {
		breakerCfg = circuitbreaker.DefaultConfig()
	}

	l := &RedisLimiter{
		config:     cfg,
		client:     client,
		breaker:    circuitbreaker.New("redis-ratelimit", breakerCfg, logger),
		logger:     logger,
		stopHealth: make(chan struct{}),
	}

	l.healthy.Store(true)
	redisHealthy.Set(1)

	if cfg.FallbackEnabled {
		l.fallback = newLocalLimiter(cfg.Algorithm, cfg.Requests, cfg.Window, cfg.Burst, logger)
	}

	go l.healthLoop()

	logger.Info("redis rate limiter created",
		observability.String("algorithm", string(cfg.Algorithm)),
		observability.String("address", cfg.Address),
		observability.Int("requests", cfg.Requests),
		observability.Duration("window", cfg.Window),
		observability.Bool("fallback_enabled", cfg.FallbackEnabled),
	)

	return l, nil
}

// newLocalLimiter builds the in-memory limiter matching the algorithm.
func newLocalLimiter(algorithm Algorithm, requests int, window time.Duration, burst int, logger observability.Logger) Limiter {
	switch algorithm {
	case AlgorithmSlidingWindow:
		return NewSlidingWindowLimiter(requests, window, logger)
	case AlgorithmFixedWindow:
		return NewFixedWindowLimiter(requests, window, logger)
	default:
		return NewTokenBucketLimiter(requests, window, burst, logger)
	}
}

// healthLoop pings Redis on an interval and tracks availability.
func (l *RedisLimiter) healthLoop() {
	ticker := time.NewTicker(l.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.checkHealth()
		case <-l.stopHealth:
			return
		}
	}
}

// checkHealth pings Redis and updates the health state on transitions.
func (l *RedisLimiter) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	err := l.client.Ping(ctx).Err()
	wasHealthy := l.healthy.Load()

	if err != nil {
		l.healthy.Store(false)
		redisHealthy.Set(0)
		if wasHealthy {
			l.logger.Warn("redis rate limit store unavailable", observability.Error(err))
		}
		return
	}

	l.healthy.Store(true)
	redisHealthy.Set(1)
	if !wasHealthy {
		l.logger.Info("redis rate limit store recovered")
	}
}

// Healthy reports whether the last Redis health probe succeeded.
func (l *RedisLimiter) Healthy() bool {
	return l.healthy.Load()
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	return l.AllowN(ctx, key, 1)
}

// AllowN implements Limiter.
func (l *RedisLimiter) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	start := time.Now()

	var result *Result
	execErr := l.breaker.Execute(ctx, func() error {
		var err error
		result, err = l.allowRedis(ctx, key, n)
		return err
	})

	redisOperationDuration.WithLabelValues("allow").Observe(time.Since(start).Seconds())

	if execErr != nil {
		redisOperationsTotal.WithLabelValues("allow", "error").Inc()

		if l.fallback != nil {
			redisFallbackTotal.Inc()
			l.logger.Debug("using local fallback limiter",
				observability.String("key", key),
				observability.Error(execErr),
			)
			return l.fallback.AllowN(ctx, key, n)
		}

		return nil, fmt.Errorf("redis rate limit failed: %w", execErr)
	}

	redisOperationsTotal.WithLabelValues("allow", "success").Inc()
	return result, nil
}

// allowRedis runs the Lua script for the configured algorithm.
func (l *RedisLimiter) allowRedis(ctx context.Context, key string, n int) (*Result, error) {
	now := time.Now().UnixMilli()
	windowMs := l.config.Window.Milliseconds()
	prefixed := l.config.Prefix + key

	var (
		raw   interface{}
		err   error
		limit int
	)

	switch l.config.Algorithm {
	case AlgorithmSlidingWindow:
		raw, err = slidingWindowScript.Run(ctx, l.client,
			[]string{prefixed}, l.config.Requests, windowMs, now, n).Result()
		limit = l.config.Requests
	case AlgorithmFixedWindow:
		raw, err = fixedWindowScript.Run(ctx, l.client,
			[]string{prefixed}, l.config.Requests, windowMs, now, n).Result()
		limit = l.config.Requests
	default:
		ratePerSec := float64(l.config.Requests) / l.config.Window.Seconds()
		raw, err = tokenBucketScript.Run(ctx, l.client,
			[]string{prefixed}, ratePerSec, l.config.Burst, now, n).Result()
		limit = l.config.Burst
	}

	if err != nil {
		return nil, fmt.Errorf("rate limit script error: %w", err)
	}

	return parseScriptResult(raw, limit)
}

// parseScriptResult decodes the common [allowed, remaining, reset_ms]
// reply shared by all three scripts.
func parseScriptResult(raw interface{}, limit int) (*Result, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) < 3 {
		return nil, fmt.Errorf("unexpected script result: %v", raw)
	}

	allowed := false
	if v, ok := values[0].(int64); ok && v == 1 {
		allowed = true
	}

	remaining := 0
	if v, ok := values[1].(int64); ok && v > 0 {
		remaining = int(v)
	}

	var resetMs int64
	if v, ok := values[2].(int64); ok {
		resetMs = v
	}

	resetAfter := time.Duration(resetMs) * time.Millisecond
	var retryAfter time.Duration
	if !allowed {
		retryAfter = resetAfter
	}

	return &Result{
		Allowed:    allowed,
		Limit:      limit,
		Remaining:  remaining,
		ResetAfter: resetAfter,
		RetryAfter: retryAfter,
	}, nil
}

// GetLimit implements Limiter.
func (l *RedisLimiter) GetLimit(_ string) *Limit {
	return &Limit{
		Requests: l.config.Requests,
		Window:   l.config.Window,
		Burst:    l.config.Burst,
	}
}

// Reset implements Limiter.
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	start := time.Now()

	err := l.breaker.Execute(ctx, func() error {
		// Sliding window state lives directly at the prefixed key,
		// fixed window counters at per-window suffixes.
		prefixed := l.config.Prefix + key
		windowMs := l.config.Window.Milliseconds()
		windowStart := (time.Now().UnixMilli() / windowMs) * windowMs
		return l.client.Del(ctx, prefixed, fmt.Sprintf("%s:%d", prefixed, windowStart)).Err()
	})

	redisOperationDuration.WithLabelValues("reset").Observe(time.Since(start).Seconds())

	if l.fallback != nil {
		_ = l.fallback.Reset(ctx, key)
	}

	if err != nil {
		redisOperationsTotal.WithLabelValues("reset", "error").Inc()
		return fmt.Errorf("failed to reset rate limit: %w", err)
	}

	redisOperationsTotal.WithLabelValues("reset", "success").Inc()
	return nil
}

// BreakerState returns the state of the circuit breaker guarding Redis.
func (l *RedisLimiter) BreakerState() circuitbreaker.State {
	return l.breaker.State()
}

// Close implements io.Closer.
func (l *RedisLimiter) Close() error {
	l.healthOnce.Do(func() {
		close(l.stopHealth)
	})

	if closer, ok := l.fallback.(io.Closer); ok {
		_ = closer.Close()
	}

	return l.client.Close()
}
