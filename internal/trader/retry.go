package trader

import (
	"context"
	"time"

	"delta-copy-trader/internal/delta"

	"go.uber.org/zap"
)

// RetryPolicy bounds retries of transient broker failures. MaxAttempts counts
// the first try.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// delay is the wait before the attempt following attempt. A broker hint wins
// over the exponential schedule.
func (p RetryPolicy) delay(attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		return hint
	}
	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// retryCall runs fn until it succeeds, fails with a non-transient error, or
// MaxAttempts is reached. It returns the number of attempts made.
func retryCall[T any](ctx context.Context, p RetryPolicy, logger *zap.Logger, op string, fn func(context.Context) (T, error)) (T, int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var zero T
	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, attempt, nil
		}
		if !delta.IsTransient(err) || attempt >= maxAttempts {
			return zero, attempt, err
		}

		wait := p.delay(attempt, delta.RetryAfter(err))
		logger.Warn("Transient broker error, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.String("kind", delta.KindOf(err).String()),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, attempt, err
		case <-timer.C:
		}
	}
}
