package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	apperrors "barreplay/internal/errors"
)

// RetryConfig represents retry configuration
type RetryConfig struct {
	MaxRetries  int           `yaml:"max_retries"`
	InitialWait time.Duration `yaml:"initial_wait"`
	MaxWait     time.Duration `yaml:"max_wait"`
	Factor      float64       `yaml:"factor"`
	Jitter      float64       `yaml:"jitter"`
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:  3,
		InitialWait: 100 * time.Millisecond,
		MaxWait:     5 * time.Second,
		Factor:      2.0,
		Jitter:      0.1,
	}
}

// Backoff returns the wait before the given retry (1 based): InitialWait
// grown by Factor per attempt, capped at MaxWait, spread by Jitter.
func (c *RetryConfig) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	wait := c.InitialWait
	if wait <= 0 {
		wait = 100 * time.Millisecond
	}
	factor := c.Factor
	if factor < 1 {
		factor = 1
	}

	for i := 1; i < attempt; i++ {
		wait = time.Duration(float64(wait) * factor)
		if c.MaxWait > 0 && wait >= c.MaxWait {
			wait = c.MaxWait
			break
		}
	}

	if c.Jitter > 0 {
		jitter := 1.0 + (c.Jitter * (2*rand.Float64() - 1))
		wait = time.Duration(float64(wait) * jitter)
	}
	if c.MaxWait > 0 && wait > c.MaxWait {
		wait = c.MaxWait
	}
	return wait
}

// RetryableFunc represents a function that can be retried
type RetryableFunc func(ctx context.Context) error

// IsRetryableError determines if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr.IsRetryable()
	}
	return false
}

// WithRetry runs fn until it succeeds, returns a non retryable error, or
// the retries run out.
func WithRetry(ctx context.Context, fn RetryableFunc, config *RetryConfig) error {
	_, err := RetryWithResult(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, config)
	return err
}

// RetryWithResult wraps a function that returns a result with retry logic
func RetryWithResult[T any](ctx context.Context, fn func(context.Context) (T, error), config *RetryConfig) (T, error) {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var (
		result T
		err    error
	)

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}

		if !IsRetryableError(err) {
			return result, err
		}

		if attempt == config.MaxRetries {
			return result, fmt.Errorf("max retries exceeded: %w", err)
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(config.Backoff(attempt + 1)):
		}
	}

	return result, err
}
