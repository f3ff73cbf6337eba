package ratelimit

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/valmatov/edgeproxy/internal/observability"
)

// Cleanup defaults for in-memory limiters.
const (
	defaultCleanupInterval = 5 * time.Minute
	defaultEntryTTL        = 10 * time.Minute
)

var (
	_ Limiter   = (*TokenBucketLimiter)(nil)
	_ io.Closer = (*TokenBucketLimiter)(nil)
)

// TokenBucketLimiter implements per-key token bucket rate limiting in memory.
// Each key gets its own rate.Limiter; idle entries are evicted after a TTL.
type TokenBucketLimiter struct {
	requests int
	window   time.Duration
	rate     rate.Limit
	burst    int
	logger   observability.Logger

	buckets         sync.Map
	cleanupInterval time.Duration
	entryTTL        time.Duration
	stopCleanup     chan struct{}
	cleanupOnce     sync.Once
}

// tokenBucket pairs a limiter with its last access time for TTL eviction.
type tokenBucket struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// NewTokenBucketLimiter creates an in-memory token bucket limiter allowing
// requests per window with the given burst size.
func NewTokenBucketLimiter(requests int, window time.Duration, burst int, logger observability.Logger) *TokenBucketLimiter {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if requests < 1 {
		requests = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	if burst < 1 {
		burst = requests
	}

	l := &TokenBucketLimiter{
		requests:        requests,
		window:          window,
		rate:            rate.Limit(float64(requests) / window.Seconds()),
		burst:           burst,
		logger:          logger,
		cleanupInterval: defaultCleanupInterval,
		entryTTL:        defaultEntryTTL,
		stopCleanup:     make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// Allow implements Limiter.
func (l *TokenBucketLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	return l.AllowN(ctx, key, 1)
}

// AllowN implements Limiter.
func (l *TokenBucketLimiter) AllowN(_ context.Context, key string, n int) (*Result, error) {
	now := time.Now()
	tb := l.bucket(key)
	tb.lastSeen.Store(now.UnixNano())

	res := tb.limiter.ReserveN(now, n)
	if !res.OK() {
		// n exceeds the burst size, the request can never succeed
		return &Result{
			Allowed:    false,
			Limit:      l.requests,
			Remaining:  l.remaining(tb.limiter, now),
			ResetAfter: l.resetAfter(tb.limiter, now),
			RetryAfter: l.window,
		}, nil
	}

	delay := res.DelayFrom(now)
	allowed := delay == 0
	if !allowed {
		res.CancelAt(now)
	}

	result := &Result{
		Allowed:    allowed,
		Limit:      l.requests,
		Remaining:  l.remaining(tb.limiter, now),
		ResetAfter: l.resetAfter(tb.limiter, now),
	}
	if !allowed {
		result.RetryAfter = delay
	}

	return result, nil
}

// bucket retrieves or creates the token bucket for a key.
func (l *TokenBucketLimiter) bucket(key string) *tokenBucket {
	if value, ok := l.buckets.Load(key); ok {
		return value.(*tokenBucket)
	}

	tb := &tokenBucket{limiter: rate.NewLimiter(l.rate, l.burst)}
	value, _ := l.buckets.LoadOrStore(key, tb)
	return value.(*tokenBucket)
}

// remaining returns the whole tokens currently available.
func (l *TokenBucketLimiter) remaining(lim *rate.Limiter, now time.Time) int {
	tokens := int(lim.TokensAt(now))
	if tokens < 0 {
		return 0
	}
	return tokens
}

// resetAfter returns the time until the bucket refills completely.
func (l *TokenBucketLimiter) resetAfter(lim *rate.Limiter, now time.Time) time.Duration {
	missing := float64(l.burst) - lim.TokensAt(now)
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / float64(l.rate) * float64(time.Second))
}

// GetLimit implements Limiter.
func (l *TokenBucketLimiter) GetLimit(_ string) *Limit {
	return &Limit{
		Requests: l.requests,
		Window:   l.window,
		Burst:    l.burst,
	}
}

// Reset implements Limiter.
func (l *TokenBucketLimiter) Reset(_ context.Context, key string) error {
	l.buckets.Delete(key)
	return nil
}

// cleanupLoop periodically evicts buckets idle longer than the TTL.
func (l *TokenBucketLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle(l.entryTTL)
		case <-l.stopCleanup:
			return
		}
	}
}

// evictIdle removes buckets not used within maxIdle.
func (l *TokenBucketLimiter) evictIdle(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle).UnixNano()
	evicted := 0

	l.buckets.Range(func(key, value any) bool {
		tb := value.(*tokenBucket)
		if tb.lastSeen.Load() < cutoff {
			l.buckets.Delete(key)
			evicted++
		}
		return true
	})

	if evicted > 0 {
		l.logger.Debug("evicted idle rate limit buckets",
			observability.Int("count", evicted),
		)
	}
}

// Close implements io.Closer and stops the cleanup goroutine.
func (l *TokenBucketLimiter) Close() error {
	l.cleanupOnce.Do(func() {
		close(l.stopCleanup)
	})
	return nil
}
