package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		MaxFailures:      3,
		Timeout:          50 * time.Millisecond,
		HalfOpenMax:      2,
		SuccessThreshold: 2,
		MinRequests:      10,
		SamplingDuration: time.Minute,
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestBreakerStartsClosed(t *testing.T) {
	t.Parallel()

	cb := New("test", testConfig(), nil)
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	cb := New("test", testConfig(), nil)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestBreakerSuccessResetsConsecutiveFailures(t *testing.T) {
	t.Parallel()

	cb := New("test", testConfig(), nil)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerOpensOnFailureRatio(t *testing.T) {
	t.Parallel()

	cfg := testConfig().
		WithMaxFailures(100).
		WithFailureRatio(0.5).
		WithMinRequests(10)
	cb := New("test", cfg, nil)

	// 5 successes then 6 failures: ratio crosses 0.5 after the volume
	// threshold is met.
	for i := 0; i < 5; i++ {
		cb.RecordSuccess()
	}
	for i := 0; i < 6; i++ {
		cb.RecordFailure()
	}

	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerHalfOpenAfterTimeout(t *testing.T) {
	t.Parallel()

	cb := New("test", testConfig(), nil)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(60 * time.Millisecond)

	assert.True(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestBreakerHalfOpenLimitsRequests(t *testing.T) {
	t.Parallel()

	cb := New("test", testConfig(), nil)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)

	// HalfOpenMax is 2: first Allow transitions and counts one probe.
	assert.True(t, cb.Allow())
	assert.True(t, cb.Allow())
	assert.False(t, cb.Allow())
}

func TestBreakerClosesFromHalfOpen(t *testing.T) {
	t.Parallel()

	cb := New("test", testConfig(), nil)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)
	require.True(t, cb.Allow())

	cb.RecordSuccess()
	cb.RecordSuccess()

	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerReopensFromHalfOpenOnFailure(t *testing.T) {
	t.Parallel()

	cb := New("test", testConfig(), nil)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)
	require.True(t, cb.Allow())
	require.Equal(t, StateHalfOpen, cb.State())

	cb.RecordFailure()

	assert.Equal(t, StateOpen, cb.State())
}

func TestExecute(t *testing.T) {
	t.Parallel()

	cb := New("test", testConfig(), nil)

	err := cb.Execute(context.Background(), func() error { return nil })
	require.NoError(t, err)

	wantErr := errors.New("backend down")
	err = cb.Execute(context.Background(), func() error { return wantErr })
	require.ErrorIs(t, err, wantErr)
}

func TestExecuteRejectsWhenOpen(t *testing.T) {
	t.Parallel()

	cb := New("test", testConfig(), nil)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	called := false
	err := cb.Execute(context.Background(), func() error {
		called = true
		return nil
	})

	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestExecuteWithFallback(t *testing.T) {
	t.Parallel()

	cb := New("test", testConfig(), nil)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	err := cb.ExecuteWithFallback(context.Background(),
		func() error { return nil },
		func(err error) error {
			assert.ErrorIs(t, err, ErrCircuitOpen)
			return nil
		},
	)

	require.NoError(t, err)
}

func TestIsSuccessfulCustom(t *testing.T) {
	t.Parallel()

	ignorable := errors.New("ignorable")
	cfg := testConfig().WithIsSuccessful(func(err error) bool {
		return err == nil || errors.Is(err, ignorable)
	})
	cb := New("test", cfg, nil)

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func() error { return ignorable })
	}

	assert.Equal(t, StateClosed, cb.State())
}

func TestOnStateChangeCallback(t *testing.T) {
	t.Parallel()

	changed := make(chan struct{}, 1)
	cfg := testConfig().WithOnStateChange(func(name string, from, to State) {
		assert.Equal(t, "test", name)
		assert.Equal(t, StateClosed, from)
		assert.Equal(t, StateOpen, to)
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	cb := New("test", cfg, nil)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("state change callback not invoked")
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	cb := New("test", testConfig(), nil)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()

	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestStats(t *testing.T) {
	t.Parallel()

	cb := New("test", testConfig(), nil)

	cb.RecordSuccess()
	cb.RecordFailure()

	stats := cb.Stats()
	assert.Equal(t, 1, stats.Successes)
	assert.Equal(t, 1, stats.Failures)
	assert.Equal(t, 2, stats.TotalRequests)
	assert.InDelta(t, 0.5, stats.FailureRatio(), 0.001)

	empty := Stats{}
	assert.Zero(t, empty.FailureRatio())
}

func TestConfigValidateNormalizes(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		MaxFailures:  -1,
		FailureRatio: 2.0,
	}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5, cfg.MaxFailures)
	assert.Zero(t, cfg.FailureRatio)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 3, cfg.HalfOpenMax)
}
