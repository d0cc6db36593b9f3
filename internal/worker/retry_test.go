package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuongbtq/correction-pipeline/internal/domain"
)

func TestRetryPolicy_Next(t *testing.T) {
	transient := domain.NewTransientError(errors.New("engine busy"))

	tests := []struct {
		name      string
		policy    RetryPolicy
		attempt   int
		err       error
		wantDelay time.Duration
		wantRetry bool
	}{
		{
			name:      "first failure waits base delay",
			policy:    RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, Multiplier: 2},
			attempt:   1,
			err:       transient,
			wantDelay: 100 * time.Millisecond,
			wantRetry: true,
		},
		{
			name:      "delay grows exponentially",
			policy:    RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, Multiplier: 2},
			attempt:   2,
			err:       transient,
			wantDelay: 200 * time.Millisecond,
			wantRetry: true,
		},
		{
			name:      "delay capped at max",
			policy:    RetryPolicy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2},
			attempt:   4,
			err:       transient,
			wantDelay: 300 * time.Millisecond,
			wantRetry: true,
		},
		{
			name:      "gives up at max attempts",
			policy:    RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, Multiplier: 2},
			attempt:   3,
			err:       transient,
			wantRetry: false,
		},
		{
			name:      "non transient error gives up immediately",
			policy:    RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, Multiplier: 2},
			attempt:   1,
			err:       errors.New("bad request"),
			wantRetry: false,
		},
		{
			name:      "multiplier below one keeps delay constant",
			policy:    RetryPolicy{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond, Multiplier: 0},
			attempt:   3,
			err:       transient,
			wantDelay: 50 * time.Millisecond,
			wantRetry: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delay, ok := tt.policy.Next(tt.attempt, tt.err)
			assert.Equal(t, tt.wantRetry, ok)
			if tt.wantRetry {
				assert.Equal(t, tt.wantDelay, delay)
			}
		})
	}
}

func TestRetry(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}

	t.Run("stops after success", func(t *testing.T) {
		calls := 0
		attempts, err := retry(t.Context(), policy, nil, func(context.Context) error {
			calls++
			if calls < 2 {
				return domain.NewTransientError(errors.New("busy"))
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 2, attempts)
	})

	t.Run("returns last error after exhausting attempts", func(t *testing.T) {
		var retried []int
		attempts, err := retry(t.Context(), policy, func(attempt int, _ time.Duration, _ error) {
			retried = append(retried, attempt)
		}, func(context.Context) error {
			return domain.NewTransientError(errors.New("busy"))
		})
		assert.True(t, domain.IsTransient(err))
		assert.Equal(t, 3, attempts)
		assert.Equal(t, []int{1, 2}, retried)
	})

	t.Run("canceled context ends the wait", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		slow := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour, Multiplier: 1}
		_, err := retry(ctx, slow, func(int, time.Duration, error) { cancel() }, func(context.Context) error {
			return domain.NewTransientError(errors.New("busy"))
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
