package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopLimiterAllowsEverything(t *testing.T) {
	t.Parallel()

	var l NoopLimiter
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		result, err := l.Allow(ctx, "any")
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}

	result, err := l.AllowN(ctx, "any", 100)
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	assert.Equal(t, -1, l.GetLimit("any").Requests)
	assert.NoError(t, l.Reset(ctx, "any"))
}
