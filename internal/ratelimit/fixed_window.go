package ratelimit

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/valmatov/edgeproxy/internal/observability"
)

var (
	_ Limiter   = (*FixedWindowLimiter)(nil)
	_ io.Closer = (*FixedWindowLimiter)(nil)
)

// FixedWindowLimiter counts requests in fixed time windows in memory.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration
	logger observability.Logger

	counters    sync.Map
	stopCleanup chan struct{}
	cleanupOnce sync.Once
}

// windowCounter tracks the request count for one key in the current window.
type windowCounter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
}

// NewFixedWindowLimiter creates an in-memory fixed window limiter.
func NewFixedWindowLimiter(limit int, window time.Duration, logger observability.Logger) *FixedWindowLimiter {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}

	l := &FixedWindowLimiter{
		limit:       limit,
		window:      window,
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// Allow implements Limiter.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	return l.AllowN(ctx, key, 1)
}

// AllowN implements Limiter.
func (l *FixedWindowLimiter) AllowN(_ context.Context, key string, n int) (*Result, error) {
	now := time.Now()
	windowStart := l.windowStart(now)

	value, _ := l.counters.LoadOrStore(key, &windowCounter{windowStart: windowStart})
	wc := value.(*windowCounter)

	wc.mu.Lock()
	defer wc.mu.Unlock()

	if !wc.windowStart.Equal(windowStart) {
		wc.count = 0
		wc.windowStart = windowStart
	}

	allowed := wc.count+n <= l.limit
	if allowed {
		wc.count += n
	}

	remaining := l.limit - wc.count
	if remaining < 0 {
		remaining = 0
	}

	resetAfter := windowStart.Add(l.window).Sub(now)
	if resetAfter < 0 {
		resetAfter = 0
	}

	var retryAfter time.Duration
	if !allowed {
		retryAfter = resetAfter
	}

	return &Result{
		Allowed:    allowed,
		Limit:      l.limit,
		Remaining:  remaining,
		ResetAfter: resetAfter,
		RetryAfter: retryAfter,
	}, nil
}

// windowStart truncates t to the start of its window.
func (l *FixedWindowLimiter) windowStart(t time.Time) time.Time {
	windowNanos := l.window.Nanoseconds()
	return time.Unix(0, (t.UnixNano()/windowNanos)*windowNanos)
}

// GetLimit implements Limiter.
func (l *FixedWindowLimiter) GetLimit(_ string) *Limit {
	return &Limit{
		Requests: l.limit,
		Window:   l.window,
		Burst:    l.limit,
	}
}

// Reset implements Limiter.
func (l *FixedWindowLimiter) Reset(_ context.Context, key string) error {
	l.counters.Delete(key)
	return nil
}

// cleanupLoop periodically removes counters from past windows.
func (l *FixedWindowLimiter) cleanupLoop() {
	ticker := time.NewTicker(defaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictStale()
		case <-l.stopCleanup:
			return
		}
	}
}

// evictStale removes counters whose window has already ended.
func (l *FixedWindowLimiter) evictStale() {
	current := l.windowStart(time.Now())

	l.counters.Range(func(key, value any) bool {
		wc := value.(*windowCounter)
		wc.mu.Lock()
		stale := wc.windowStart.Before(current)
		wc.mu.Unlock()

		if stale {
			l.counters.Delete(key)
		}
		return true
	})
}

// Close implements io.Closer and stops the cleanup goroutine.
func (l *FixedWindowLimiter) Close() error {
	l.cleanupOnce.Do(func() {
		close(l.stopCleanup)
	})
	return nil
}
