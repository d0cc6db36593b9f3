package worker

import (
	"context"
	"math"
	"time"

	"github.com/cuongbtq/correction-pipeline/internal/domain"
)

// RetryPolicy decides whether and when a failed collaborator call is retried
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Next returns the delay before another attempt after attempt (1-based)
// failed with err, or false to give up. Only transient errors are retried.
func (p RetryPolicy) Next(attempt int, err error) (time.Duration, bool) {
	if err == nil || !domain.IsTransient(err) || attempt >= p.MaxAttempts {
		return 0, false
	}

	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1)))
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay < 0) {
		delay = p.MaxDelay
	}
	return delay, true
}

// retry calls fn until it succeeds, the policy gives up or ctx ends. It
// returns the last error and the number of attempts made.
func retry(ctx context.Context, policy RetryPolicy, onRetry func(attempt int, delay time.Duration, err error), fn func(ctx context.Context) error) (int, error) {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}

		delay, ok := policy.Next(attempt, err)
		if !ok {
			return attempt, err
		}
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		}
	}
}
