package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

func fastPolicy(maxRetries int) *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:   maxRetries,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestBackoffRetryer_Success(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, callCount, "应该只调用一次")
}

func TestBackoffRetryer_RetryAndSuccess(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		if callCount < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, callCount)
}

func TestBackoffRetryer_MaxRetriesExceeded(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(2), zap.NewNop())
	testErr := errors.New("persistent error")

	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		return testErr
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, testErr)
	assert.Contains(t, err.Error(), "重试 2 次后仍失败")
	assert.Equal(t, 3, callCount, "初始 + 2 次重试")
}

func TestBackoffRetryer_NoRetriesReturnsErrorUnwrapped(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(0), zap.NewNop())
	testErr := errors.New("boom")

	err := retryer.Do(context.Background(), func() error { return testErr })
	assert.Same(t, testErr, err)
}

func TestBackoffRetryer_ContextCanceled(t *testing.T) {
	policy := fastPolicy(5)
	policy.InitialDelay = 100 * time.Millisecond
	policy.MaxDelay = time.Second
	retryer := NewBackoffRetryer(policy, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	callCount := 0
	err := retryer.Do(ctx, func() error {
		callCount++
		return errors.New("error")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, callCount)
}

func TestBackoffRetryer_ShouldRetry(t *testing.T) {
	retryableErr := errors.New("retryable")
	fatalErr := errors.New("fatal")

	policy := fastPolicy(3)
	policy.ShouldRetry = func(err error) bool { return errors.Is(err, retryableErr) }
	retryer := NewBackoffRetryer(policy, zap.NewNop())

	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		if callCount == 1 {
			return retryableErr
		}
		return fatalErr
	})

	assert.Same(t, fatalErr, err)
	assert.Equal(t, 2, callCount, "不可重试错误立即返回")
}

func TestBackoffRetryer_OnRetryCallback(t *testing.T) {
	var attempts []int
	policy := fastPolicy(2)
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}
	retryer := NewBackoffRetryer(policy, zap.NewNop())

	_ = retryer.Do(context.Background(), func() error { return errors.New("x") })
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestBackoffRetryer_PolicyNormalization(t *testing.T) {
	r := NewBackoffRetryer(&RetryPolicy{MaxRetries: -1, Multiplier: 0.5}, nil).(*backoffRetryer)
	assert.Equal(t, 0, r.policy.MaxRetries)
	assert.Equal(t, 2.0, r.policy.Multiplier)
	assert.Positive(t, r.policy.InitialDelay)
	assert.GreaterOrEqual(t, r.policy.MaxDelay, r.policy.InitialDelay)
}

func TestCalculateDelay_Bounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		initial := time.Duration(rapid.IntRange(1, 1000).Draw(t, "initial")) * time.Millisecond
		maxDelay := initial * time.Duration(rapid.IntRange(1, 50).Draw(t, "factor"))
		r := NewBackoffRetryer(&RetryPolicy{
			MaxRetries:   5,
			InitialDelay: initial,
			MaxDelay:     maxDelay,
			Multiplier:   rapid.Float64Range(1, 4).Draw(t, "mult"),
			Jitter:       rapid.Bool().Draw(t, "jitter"),
		}, nil).(*backoffRetryer)

		attempt := rapid.IntRange(1, 10).Draw(t, "attempt")
		d := r.calculateDelay(attempt)
		if d < initial || d > maxDelay {
			t.Fatalf("delay %v outside [%v, %v]", d, initial, maxDelay)
		}
	})
}

func TestDoWithResultTyped(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(1), zap.NewNop())

	var calls atomic.Int32
	val, err := DoWithResultTyped[int](retryer, context.Background(), func() (int, error) {
		if calls.Add(1) == 1 {
			return 0, errors.New("first")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, val)

	_, err = DoWithResultTyped[string](retryer, context.Background(), func() (string, error) {
		return "", errors.New("always")
	})
	assert.Error(t, err)
}
