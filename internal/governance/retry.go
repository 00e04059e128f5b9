package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrRetriesExhausted is returned when every attempt failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

// retryableError marks an error as worth another attempt.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable wraps err so ExecuteWithRetry tries again.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// RetryConfig defines attempts and backoff.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration
	// BackoffMultiplier is the growth factor between delays.
	BackoffMultiplier float64
	// Jitter adds up to 25% random delay.
	Jitter bool
}

// DefaultRetryConfig returns the token flow defaults: ten attempts starting
// at 200ms, capped at 3s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       10,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        3 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryPolicy runs operations with exponential backoff.
type RetryPolicy struct {
	config RetryConfig
	sleep  func(context.Context, time.Duration) error
}

// NewRetryPolicy creates a retry policy, filling unset fields with defaults.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	defaults := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}
	return &RetryPolicy{config: config, sleep: sleepContext}
}

// Config returns a copy of the retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// CalculateBackoff returns the delay after the given zero-based attempt.
func (rp *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)))
	if backoff > rp.config.MaxBackoff || backoff <= 0 {
		backoff = rp.config.MaxBackoff
	}
	if rp.config.Jitter && backoff >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		backoff += time.Duration(rand.Int63n(int64(backoff / 4)))
	}
	return backoff
}

// ExecuteWithRetry calls fn until it succeeds, returns an error not marked
// Retryable, the attempts run out or ctx ends. fn receives the zero-based
// attempt number.
func (rp *RetryPolicy) ExecuteWithRetry(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	var lastErr error
	for attempt := 0; attempt < rp.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}

		if attempt < rp.config.MaxAttempts-1 {
			if err := rp.sleep(ctx, rp.CalculateBackoff(attempt)); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, rp.config.MaxAttempts, errors.Unwrap(lastErr))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
