package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:   maxRetries,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetry_SucceedsAfterTransientApplyError(t *testing.T) {
	// Given: an index apply that fails twice then succeeds
	attempts := 0
	fn := func() error {
		attempts++
		if attempts < 3 {
			return New(ErrCodeIndexApply, "bleve batch failed", nil)
		}
		return nil
	}

	// When: retrying
	err := Retry(context.Background(), fastRetry(5), fn)

	// Then: succeeds on the third attempt
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_FailsAfterMaxRetries(t *testing.T) {
	// Given: a function that always fails
	attempts := 0
	cause := errors.New("persistent error")
	fn := func() error {
		attempts++
		return cause
	}

	// When: retrying with two retries
	err := Retry(context.Background(), fastRetry(2), fn)

	// Then: the last error is wrapped
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 retries")
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, 3, attempts) // Initial + 2 retries
}

func TestRetry_RetryIfStopsOnPermanentError(t *testing.T) {
	// Given: a predicate that only retries retryable codes
	cfg := fastRetry(5)
	cfg.RetryIf = IsRetryable

	attempts := 0
	fn := func() error {
		attempts++
		return DimensionError(4, 3)
	}

	// When: the function returns a validation-class error
	err := Retry(context.Background(), cfg, fn)

	// Then: it is returned unwrapped after one attempt
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, IsDimension(err))
	assert.NotContains(t, err.Error(), "retries")
}

func TestRetry_RespectsContextCancellation(t *testing.T) {
	// Given: a context cancelled while waiting between attempts
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	cfg := DefaultRetryConfig()
	cfg.InitialDelay = 500 * time.Millisecond

	start := time.Now()
	err := Retry(ctx, cfg, func() error { return errors.New("error") })

	// Then: returns context error quickly
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestRetry_CapsAtMaxDelay(t *testing.T) {
	// Given: a function that records timing
	var timestamps []time.Time
	fn := func() error {
		timestamps = append(timestamps, time.Now())
		if len(timestamps) < 5 {
			return errors.New("error")
		}
		return nil
	}

	cfg := RetryConfig{
		MaxRetries:   10,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     15 * time.Millisecond,
		Multiplier:   4.0,
	}

	// When: retrying
	require.NoError(t, Retry(context.Background(), cfg, fn))

	// Then: no gap grossly exceeds the cap
	for i := 1; i < len(timestamps); i++ {
		assert.LessOrEqual(t, timestamps[i].Sub(timestamps[i-1]).Milliseconds(), int64(60))
	}
}

func TestRetryWithResult(t *testing.T) {
	t.Run("returns value", func(t *testing.T) {
		attempts := 0
		result, err := RetryWithResult(context.Background(), fastRetry(3), func() (int, error) {
			attempts++
			if attempts < 2 {
				return 0, errors.New("error")
			}
			return 42, nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 42, result)
	})

	t.Run("returns zero on failure", func(t *testing.T) {
		result, err := RetryWithResult(context.Background(), fastRetry(1), func() (string, error) {
			return "partial", errors.New("error")
		})

		assert.Error(t, err)
		assert.Equal(t, "", result)
	})
}

func TestDefaultRetryConfig_HasSensibleDefaults(t *testing.T) {
	cfg := DefaultRetryConfig()

	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 50*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 2*time.Second, cfg.MaxDelay)
	assert.Equal(t, 2.0, cfg.Multiplier)
	assert.Nil(t, cfg.RetryIf)
}
