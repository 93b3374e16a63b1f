package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "barreplay/internal/errors"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := &RetryConfig{InitialWait: 100 * time.Millisecond, MaxWait: time.Second, Factor: 2}

	assert.Equal(t, 100*time.Millisecond, cfg.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, cfg.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, cfg.Backoff(3))
	assert.Equal(t, time.Second, cfg.Backoff(10))
	assert.Equal(t, 100*time.Millisecond, cfg.Backoff(0))
}

func TestBackoffJitterStaysInBand(t *testing.T) {
	cfg := &RetryConfig{InitialWait: time.Second, MaxWait: time.Minute, Factor: 2, Jitter: 0.1}

	for i := 0; i < 100; i++ {
		d := cfg.Backoff(1)
		assert.GreaterOrEqual(t, d, 900*time.Millisecond)
		assert.LessOrEqual(t, d, 1100*time.Millisecond)
	}
}

func TestWithRetryRetriesRetryableErrors(t *testing.T) {
	cfg := &RetryConfig{MaxRetries: 3, InitialWait: time.Millisecond, MaxWait: time.Millisecond, Factor: 1}

	calls := 0
	err := WithRetry(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return apperrors.NewAppError(apperrors.ErrCodeDBConnection, "down", nil)
		}
		return nil
	}, cfg)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func(context.Context) error {
		calls++
		return fmt.Errorf("permanent")
	}, DefaultRetryConfig())

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryWithResultExhausts(t *testing.T) {
	cfg := &RetryConfig{MaxRetries: 2, InitialWait: time.Millisecond, MaxWait: time.Millisecond, Factor: 1}

	calls := 0
	_, err := RetryWithResult(context.Background(), func(context.Context) (int, error) {
		calls++
		return 0, apperrors.NewAppError(apperrors.ErrCodeCacheConnection, "down", nil)
	}, cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.Equal(t, 3, calls)
}

func TestRetryWithResultHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := &RetryConfig{MaxRetries: 5, InitialWait: time.Second, Factor: 1}

	_, err := RetryWithResult(ctx, func(context.Context) (int, error) {
		return 0, apperrors.NewAppError(apperrors.ErrCodeDBConnection, "down", nil)
	}, cfg)

	assert.ErrorIs(t, err, context.Canceled)
}
