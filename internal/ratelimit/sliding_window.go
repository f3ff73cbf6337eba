package ratelimit

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/valmatov/edgeproxy/internal/observability"
)

var (
	_ Limiter   = (*SlidingWindowLimiter)(nil)
	_ io.Closer = (*SlidingWindowLimiter)(nil)
)

// SlidingWindowLimiter counts request timestamps over a rolling window in
// memory. It is more accurate than fixed windows at the cost of keeping one
// timestamp per admitted request.
type SlidingWindowLimiter struct {
	limit  int
	window time.Duration
	logger observability.Logger

	windows     sync.Map
	stopCleanup chan struct{}
	cleanupOnce sync.Once
}

// windowState holds the admitted request timestamps for one key.
type windowState struct {
	mu       sync.Mutex
	requests []time.Time
}

// NewSlidingWindowLimiter creates an in-memory sliding window limiter.
func NewSlidingWindowLimiter(limit int, window time.Duration, logger observability.Logger) *SlidingWindowLimiter {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}

	l := &SlidingWindowLimiter{
		limit:       limit,
		window:      window,
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// Allow implements Limiter.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	return l.AllowN(ctx, key, 1)
}

// AllowN implements Limiter.
func (l *SlidingWindowLimiter) AllowN(_ context.Context, key string, n int) (*Result, error) {
	now := time.Now()

	value, _ := l.windows.LoadOrStore(key, &windowState{})
	ws := value.(*windowState)

	ws.mu.Lock()
	defer ws.mu.Unlock()

	l.dropExpired(ws, now)

	current := len(ws.requests)
	allowed := current+n <= l.limit
	if allowed {
		for i := 0; i < n; i++ {
			ws.requests = append(ws.requests, now)
		}
		current += n
	}

	remaining := l.limit - current
	if remaining < 0 {
		remaining = 0
	}

	return &Result{
		Allowed:    allowed,
		Limit:      l.limit,
		Remaining:  remaining,
		ResetAfter: l.resetAfter(ws, now),
		RetryAfter: l.retryAfter(ws, now, current, n, allowed),
	}, nil
}

// dropExpired removes timestamps older than the window.
func (l *SlidingWindowLimiter) dropExpired(ws *windowState, now time.Time) {
	windowStart := now.Add(-l.window)
	valid := ws.requests[:0]
	for _, t := range ws.requests {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}
	ws.requests = valid
}

// resetAfter returns the time until the oldest admitted request expires.
func (l *SlidingWindowLimiter) resetAfter(ws *windowState, now time.Time) time.Duration {
	if len(ws.requests) == 0 {
		return l.window
	}

	reset := ws.requests[0].Add(l.window).Sub(now)
	if reset < 0 {
		reset = 0
	}
	return reset
}

// retryAfter returns the time until enough requests expire for a retry of
// size n to succeed. Zero when the request was allowed.
func (l *SlidingWindowLimiter) retryAfter(ws *windowState, now time.Time, current, n int, allowed bool) time.Duration {
	if allowed || len(ws.requests) == 0 {
		return 0
	}

	excess := current + n - l.limit
	if excess <= 0 || excess > len(ws.requests) {
		return 0
	}

	retry := ws.requests[excess-1].Add(l.window).Sub(now)
	if retry < 0 {
		retry = 0
	}
	return retry
}

// GetLimit implements Limiter.
func (l *SlidingWindowLimiter) GetLimit(_ string) *Limit {
	return &Limit{
		Requests: l.limit,
		Window:   l.window,
		Burst:    l.limit,
	}
}

// Reset implements Limiter.
func (l *SlidingWindowLimiter) Reset(_ context.Context, key string) error {
	l.windows.Delete(key)
	return nil
}

// cleanupLoop periodically removes keys with no live requests.
func (l *SlidingWindowLimiter) cleanupLoop() {
	ticker := time.NewTicker(defaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictEmpty()
		case <-l.stopCleanup:
			return
		}
	}
}

// evictEmpty removes keys whose timestamps have all expired.
func (l *SlidingWindowLimiter) evictEmpty() {
	now := time.Now()

	l.windows.Range(func(key, value any) bool {
		ws := value.(*windowState)
		ws.mu.Lock()
		l.dropExpired(ws, now)
		empty := len(ws.requests) == 0
		ws.mu.Unlock()

		if empty {
			l.windows.Delete(key)
		}
		return true
	})
}

// Close implements io.Closer and stops the cleanup goroutine.
func (l *SlidingWindowLimiter) Close() error {
	l.cleanupOnce.Do(func() {
		close(l.stopCleanup)
	})
	return nil
}
