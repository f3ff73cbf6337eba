package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()

	assert.Equal(t, "edgeproxy", cfg.ServiceName)
	assert.True(t, cfg.MetricsEnabled)
	assert.Equal(t, "/metrics", cfg.MetricsPath)
	assert.False(t, cfg.TracingEnabled)
}

func TestNewObservability(t *testing.T) {
	obs, err := New(nil)
	require.NoError(t, err)
	require.NotNil(t, obs)

	assert.NotNil(t, obs.Logger())
	assert.NotNil(t, obs.Metrics())
	assert.NotNil(t, obs.Tracer())
}

func TestObservabilityStartStopMetricsDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MetricsEnabled = false

	obs, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, obs.Start(ctx))
	require.NoError(t, obs.AdminError())
	require.NoError(t, obs.Stop(ctx))
}

func TestObservabilityStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MetricsAddr = "127.0.0.1:0"

	obs, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, obs.Start(ctx))
	require.NoError(t, obs.Stop(ctx))
}

func TestObservabilityNewWithInvalidLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "bogus"

	obs, err := New(cfg)
	require.Error(t, err)
	assert.Nil(t, obs)
}

