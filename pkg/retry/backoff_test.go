package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(maxRetries int) BackoffConfig {
	return BackoffConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
		MaxRetries:      maxRetries,
	}
}

func TestExponentialBackoffGrowsAndCaps(t *testing.T) {
	backoff := ExponentialBackoff(BackoffConfig{
		InitialInterval: time.Second,
		MaxInterval:     8 * time.Second,
		Multiplier:      2.0,
	})

	var prev time.Duration
	for attempt := 1; attempt <= 6; attempt++ {
		d := backoff(attempt)
		assert.GreaterOrEqual(t, d, prev, "delay must be non-decreasing")
		assert.LessOrEqual(t, d, 8*time.Second)
		prev = d
	}
	assert.Equal(t, 8*time.Second, backoff(10))
}

func TestExponentialBackoffJitterStaysInRange(t *testing.T) {
	backoff := ExponentialBackoff(BackoffConfig{
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		Multiplier:      2.0,
		Jitter:          true,
	})

	for i := 0; i < 100; i++ {
		d := backoff(3) // base 4s
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 4*time.Second)
	}
}

func TestWithRetryEventualSuccess(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, fastConfig(5))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryExhaustsBudget(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return errors.New("always")
	}, fastConfig(2))

	require.Error(t, err)
	assert.Equal(t, 3, calls) // initial attempt plus two retries
}

func TestWithRetryStop(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return Stop(fatal)
	}, fastConfig(5))

	assert.Equal(t, 1, calls)
	assert.Equal(t, fatal, err)
}

func TestWithRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithRetry(ctx, func() error {
		return errors.New("transient")
	}, fastConfig(5))

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
