// Package ratelimit provides client rate limiting for the gateway.
package ratelimit

import (
	"context"
	"time"
)

// Algorithm identifies a rate limiting algorithm.
type Algorithm string

const (
	// AlgorithmTokenBucket refills tokens at a steady rate and allows bursts.
	AlgorithmTokenBucket Algorithm = "token_bucket"

	// AlgorithmSlidingWindow counts requests over a rolling window.
	AlgorithmSlidingWindow Algorithm = "sliding_window"

	// AlgorithmFixedWindow counts requests in fixed time windows.
	AlgorithmFixedWindow Algorithm = "fixed_window"
)

// Limit describes the configured limit for a key.
type Limit struct {
	// Requests is the maximum number of requests allowed per window.
	Requests int

	// Window is the time window for the limit.
	Window time.Duration

	// Burst is the maximum burst size.
	Burst int
}

// Result is the outcome of a rate limit check.
type Result struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Limit is the configured request limit.
	Limit int

	// Remaining is the number of requests left in the current window.
	Remaining int

	// ResetAfter is the time until the limit fully resets.
	ResetAfter time.Duration

	// RetryAfter is the time until a denied request may be retried.
	// Zero when the request was allowed.
	RetryAfter time.Duration
}

// Limiter decides whether requests identified by a key may proceed.
type Limiter interface {
	// Allow checks whether a single request for the key may proceed.
	Allow(ctx context.Context, key string) (*Result, error)

	// AllowN checks whether n requests for the key may proceed.
	AllowN(ctx context.Context, key string, n int) (*Result, error)

	// GetLimit returns the configured limit for the key.
	GetLimit(key string) *Limit

	// Reset clears the rate limit state for the key.
	Reset(ctx context.Context, key string) error
}

// NoopLimiter allows every request. Used when a route references no policy.
type NoopLimiter struct{}

// Allow implements Limiter.
func (NoopLimiter) Allow(_ context.Context, _ string) (*Result, error) {
	return &Result{Allowed: true, Limit: -1, Remaining: -1}, nil
}

// AllowN implements Limiter.
func (NoopLimiter) AllowN(_ context.Context, _ string, _ int) (*Result, error) {
	return &Result{Allowed: true, Limit: -1, Remaining: -1}, nil
}

// GetLimit implements Limiter.
func (NoopLimiter) GetLimit(_ string) *Limit {
	return &Limit{Requests: -1}
}

// Reset implements Limiter.
func (NoopLimiter) Reset(_ context.Context, _ string) error {
	return nil
}
