// Package retry provides exponential backoff retry functionality.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Default retry configuration constants.
const (
	// DefaultMaxRetries is the default maximum number of retry attempts.
	DefaultMaxRetries = 3

	// DefaultBaseInterval is the default initial backoff duration.
	DefaultBaseInterval = 100 * time.Millisecond

	// DefaultMaxInterval is the default maximum backoff duration.
	DefaultMaxInterval = 30 * time.Second

	// DefaultJitterFactor is the default jitter factor (25%).
	DefaultJitterFactor = 0.25

	// MaxJitterFactor is the maximum allowed jitter factor.
	MaxJitterFactor = 1.0
)

// Config contains retry configuration parameters.
type Config struct {
	// MaxRetries is the maximum number of retry attempts.
	MaxRetries int

	// BaseInterval is the initial backoff duration.
	BaseInterval time.Duration

	// MaxInterval is the maximum backoff duration.
	MaxInterval time.Duration

	// JitterFactor adds randomness to backoff, 0.0 to 1.0.
	JitterFactor float64
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:   DefaultMaxRetries,
		BaseInterval: DefaultBaseInterval,
		MaxInterval:  DefaultMaxInterval,
		JitterFactor: DefaultJitterFactor,
	}
}

// GetMaxRetries returns the effective max retries.
func (c *Config) GetMaxRetries() int {
	if c == nil || c.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return c.MaxRetries
}

// GetBaseInterval returns the effective base interval.
func (c *Config) GetBaseInterval() time.Duration {
	if c == nil || c.BaseInterval <= 0 {
		return DefaultBaseInterval
	}
	return c.BaseInterval
}

// GetMaxInterval returns the effective max interval.
func (c *Config) GetMaxInterval() time.Duration {
	if c == nil || c.MaxInterval <= 0 {
		return DefaultMaxInterval
	}
	return c.MaxInterval
}

// GetJitterFactor returns the effective jitter factor.
func (c *Config) GetJitterFactor() float64 {
	if c == nil || c.JitterFactor <= 0 {
		return DefaultJitterFactor
	}
	if c.JitterFactor > MaxJitterFactor {
		return MaxJitterFactor
	}
	return c.JitterFactor
}

// RetryableFunc is a function that can be retried.
type RetryableFunc func() error

// ShouldRetryFunc determines if an error should trigger a retry.
type ShouldRetryFunc func(error) bool

// OnRetryFunc is called before each retry attempt.
type OnRetryFunc func(attempt int, err error, backoff time.Duration)

// Options contains optional retry behavior configuration.
type Options struct {
	// ShouldRetry determines if an error should trigger a retry.
	// If nil, all errors are retried.
	ShouldRetry ShouldRetryFunc

	// OnRetry is called before each retry attempt.
	OnRetry OnRetryFunc
}

// Do executes a function with retry logic.
func Do(ctx context.Context, cfg *Config, fn RetryableFunc, opts *Options) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	maxRetries := cfg.GetMaxRetries()
	baseInterval := cfg.GetBaseInterval()
	maxInterval := cfg.GetMaxInterval()
	jitterFactor := cfg.GetJitterFactor()

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if opts != nil && opts.ShouldRetry != nil && !opts.ShouldRetry(lastErr) {
			return lastErr
		}

		// No sleep after the final attempt.
		if attempt < maxRetries {
			backoff := Backoff(attempt, baseInterval, maxInterval, jitterFactor)

			if opts != nil && opts.OnRetry != nil {
				opts.OnRetry(attempt+1, lastErr, backoff)
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return lastErr
}

// Backoff calculates the backoff duration for a given attempt using
// exponential growth with jitter to avoid thundering herds.
func Backoff(attempt int, baseInterval, maxInterval time.Duration, jitterFactor float64) time.Duration {
	backoff := float64(baseInterval) * math.Pow(2, float64(attempt))

	//nolint:gosec // G404: jitter for retry timing is not security-sensitive
	jitter := backoff * jitterFactor * rand.Float64()
	backoff += jitter

	if backoff > float64(maxInterval) {
		backoff = float64(maxInterval)
	}

	return time.Duration(backoff)
}
