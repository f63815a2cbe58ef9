package service

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"rentalhub-sale-api/internal/model"
)

const (
	defaultRetryAttempts  = 2
	defaultRetryBaseDelay = 10 * time.Millisecond
	defaultJitterFactor   = 0.3
)

// ErrInvalidMaxAttempts is returned when max attempts are not positive.
var ErrInvalidMaxAttempts = errors.New("max attempts must be positive")

type retryConfig struct {
	maxAttempts  int
	baseDelay    time.Duration
	jitterFactor float64
}

// RetryOption configures retryOnVersionConflict.
type RetryOption func(*retryConfig) error

// WithMaxAttempts sets the total number of attempts, the first included.
func WithMaxAttempts(attempts int) RetryOption {
	return func(c *retryConfig) error {
		if attempts <= 0 {
			return ErrInvalidMaxAttempts
		}
		c.maxAttempts = attempts
		return nil
	}
}

// WithBaseDelay sets the delay before the first retry; later retries double it.
func WithBaseDelay(delay time.Duration) RetryOption {
	return func(c *retryConfig) error {
		c.baseDelay = delay
		return nil
	}
}

// retryOnVersionConflict runs fn and retries it with exponential backoff when
// it fails with model.ErrVersionConflict. By default a single retry is made.
// Every other error fails fast.
func retryOnVersionConflict(ctx context.Context, fn func(ctx context.Context) error, opts ...RetryOption) error {
	cfg := &retryConfig{
		maxAttempts:  defaultRetryAttempts,
		baseDelay:    defaultRetryBaseDelay,
		jitterFactor: defaultJitterFactor,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return err
		}
	}

	var lastErr error
	for attempt := 0; attempt < cfg.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := cfg.baseDelay * time.Duration(1<<(attempt-1))
			delay += time.Duration(rand.Float64() * float64(delay) * cfg.jitterFactor) //nolint:gosec // jitter only
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil || !errors.Is(lastErr, model.ErrVersionConflict) {
			return lastErr
		}
	}
	return lastErr
}
