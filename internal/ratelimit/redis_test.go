package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLimiter(t *testing.T, algorithm Algorithm, requests, burst int, window time.Duration) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	l, err := NewRedisLimiter(&RedisLimiterConfig{
		Algorithm:       algorithm,
		Requests:        requests,
		Window:          window,
		Burst:           burst,
		Address:         mr.Addr(),
		FallbackEnabled: true,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	return l, mr
}

func TestRedisLimiterTokenBucket(t *testing.T) {
	t.Parallel()

	l, _ := newRedisLimiter(t, AlgorithmTokenBucket, 60, 3, time.Minute)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		result, err := l.Allow(ctx, "client-a")
		require.NoError(t, err)
		assert.True(t, result.Allowed, "request %d should be allowed", i+1)
	}

	result, err := l.Allow(ctx, "client-a")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Greater(t, result.RetryAfter, time.Duration(0))
}

func TestRedisLimiterFixedWindow(t *testing.T) {
	t.Parallel()

	l, _ := newRedisLimiter(t, AlgorithmFixedWindow, 2, 0, time.Minute)

	ctx := context.Background()

	result, err := l.Allow(ctx, "client-a")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 1, result.Remaining)

	result, err = l.Allow(ctx, "client-a")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)

	result, err = l.Allow(ctx, "client-a")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
}

func TestRedisLimiterSlidingWindow(t *testing.T) {
	t.Parallel()

	l, _ := newRedisLimiter(t, AlgorithmSlidingWindow, 2, 0, time.Minute)

	ctx := context.Background()

	for i := 0; i < 2; i++ {
		result, err := l.Allow(ctx, "client-b")
		require.NoError(t, err)
		assert.True(t, result.Allowed, "request %d should be allowed", i+1)
	}

	result, err := l.Allow(ctx, "client-b")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
}

func TestRedisLimiterKeysAreIndependent(t *testing.T) {
	t.Parallel()

	l, _ := newRedisLimiter(t, AlgorithmFixedWindow, 1, 0, time.Minute)

	ctx := context.Background()

	result, err := l.Allow(ctx, "client-a")
	require.NoError(t, err)
	require.True(t, result.Allowed)

	result, err = l.Allow(ctx, "client-a")
	require.NoError(t, err)
	require.False(t, result.Allowed)

	result, err = l.Allow(ctx, "client-b")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestRedisLimiterReset(t *testing.T) {
	t.Parallel()

	l, _ := newRedisLimiter(t, AlgorithmFixedWindow, 1, 0, time.Minute)

	ctx := context.Background()

	result, err := l.Allow(ctx, "client-a")
	require.NoError(t, err)
	require.True(t, result.Allowed)

	require.NoError(t, l.Reset(ctx, "client-a"))

	result, err = l.Allow(ctx, "client-a")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestRedisLimiterFallsBackWhenRedisDown(t *testing.T) {
	t.Parallel()

	l, mr := newRedisLimiter(t, AlgorithmTokenBucket, 60, 5, time.Minute)

	mr.Close()

	result, err := l.Allow(context.Background(), "client-a")
	require.NoError(t, err)
	assert.True(t, result.Allowed, "fallback limiter should serve the request")
}

func TestRedisLimiterConnectFailure(t *testing.T) {
	t.Parallel()

	_, err := NewRedisLimiter(&RedisLimiterConfig{
		Algorithm: AlgorithmTokenBucket,
		Requests:  10,
		Window:    time.Minute,
		Address:   "127.0.0.1:1",
	}, nil)
	assert.Error(t, err)
}

func TestRedisLimiterNilConfig(t *testing.T) {
	t.Parallel()

	_, err := NewRedisLimiter(nil, nil)
	assert.Error(t, err)
}

func TestParseScriptResult(t *testing.T) {
	t.Parallel()

	result, err := parseScriptResult([]interface{}{int64(1), int64(7), int64(1500)}, 10)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 10, result.Limit)
	assert.Equal(t, 7, result.Remaining)
	assert.Equal(t, 1500*time.Millisecond, result.ResetAfter)
	assert.Equal(t, time.Duration(0), result.RetryAfter)

	result, err = parseScriptResult([]interface{}{int64(0), int64(-2), int64(900)}, 10)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining, "negative remaining is clamped")
	assert.Equal(t, 900*time.Millisecond, result.RetryAfter)

	_, err = parseScriptResult("bogus", 10)
	assert.Error(t, err)
}
