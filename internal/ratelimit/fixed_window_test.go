package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedWindowAllowsUpToLimit(t *testing.T) {
	t.Parallel()

	l := NewFixedWindowLimiter(3, time.Minute, nil)
	defer l.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		result, err := l.Allow(ctx, "client-a")
		require.NoError(t, err)
		assert.True(t, result.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 3, result.Limit)
	}

	result, err := l.Allow(ctx, "client-a")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)
	assert.Greater(t, result.RetryAfter, time.Duration(0))
}

func TestFixedWindowResetsOnNewWindow(t *testing.T) {
	t.Parallel()

	l := NewFixedWindowLimiter(1, 50*time.Millisecond, nil)
	defer l.Close()

	ctx := context.Background()

	result, err := l.Allow(ctx, "client-a")
	require.NoError(t, err)
	require.True(t, result.Allowed)

	result, err = l.Allow(ctx, "client-a")
	require.NoError(t, err)
	require.False(t, result.Allowed)

	time.Sleep(60 * time.Millisecond)

	result, err = l.Allow(ctx, "client-a")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestFixedWindowAllowN(t *testing.T) {
	t.Parallel()

	l := NewFixedWindowLimiter(5, time.Minute, nil)
	defer l.Close()

	ctx := context.Background()

	result, err := l.AllowN(ctx, "client-a", 4)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 1, result.Remaining)

	result, err = l.AllowN(ctx, "client-a", 2)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
}

func TestFixedWindowReset(t *testing.T) {
	t.Parallel()

	l := NewFixedWindowLimiter(1, time.Minute, nil)
	defer l.Close()

	ctx := context.Background()

	result, err := l.Allow(ctx, "client-a")
	require.NoError(t, err)
	require.True(t, result.Allowed)

	require.NoError(t, l.Reset(ctx, "client-a"))

	result, err = l.Allow(ctx, "client-a")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestFixedWindowEvictStale(t *testing.T) {
	t.Parallel()

	l := NewFixedWindowLimiter(5, 10*time.Millisecond, nil)
	defer l.Close()

	_, err := l.Allow(context.Background(), "client-a")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	l.evictStale()

	_, ok := l.counters.Load("client-a")
	assert.False(t, ok)
}

func TestFixedWindowGetLimit(t *testing.T) {
	t.Parallel()

	l := NewFixedWindowLimiter(50, 30*time.Second, nil)
	defer l.Close()

	limit := l.GetLimit("any")
	assert.Equal(t, 50, limit.Requests)
	assert.Equal(t, 30*time.Second, limit.Window)
}
