package trader

import (
	"context"
	"errors"
	"testing"
	"time"

	"delta-copy-trader/internal/delta"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 5 * time.Second}

	testCases := []struct {
		name    string
		attempt int
		hint    time.Duration
		want    time.Duration
	}{
		{name: "first retry uses base", attempt: 1, want: time.Second},
		{name: "doubles", attempt: 2, want: 2 * time.Second},
		{name: "doubles again", attempt: 3, want: 4 * time.Second},
		{name: "capped", attempt: 4, want: 5 * time.Second},
		{name: "still capped", attempt: 10, want: 5 * time.Second},
		{name: "broker hint wins", attempt: 1, hint: 7 * time.Second, want: 7 * time.Second},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, p.delay(tc.attempt, tc.hint))
		})
	}
}

func TestRetryCall(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		v, attempts, err := retryCall(context.Background(), p, zap.NewNop(), "op", func(context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, &delta.Error{Kind: delta.KindNetwork}
			}
			return 42, nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 42, v)
		assert.Equal(t, 3, attempts)
	})

	t.Run("stops at max attempts", func(t *testing.T) {
		calls := 0
		_, attempts, err := retryCall(context.Background(), p, zap.NewNop(), "op", func(context.Context) (int, error) {
			calls++
			return 0, &delta.Error{Kind: delta.KindTimeout}
		})

		assert.Equal(t, delta.KindTimeout, delta.KindOf(err))
		assert.Equal(t, 3, attempts)
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent error is not retried", func(t *testing.T) {
		calls := 0
		_, attempts, err := retryCall(context.Background(), p, zap.NewNop(), "op", func(context.Context) (int, error) {
			calls++
			return 0, errors.New("boom")
		})

		assert.Error(t, err)
		assert.Equal(t, 1, attempts)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context stops waiting", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		slow := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}

		_, attempts, err := retryCall(ctx, slow, zap.NewNop(), "op", func(context.Context) (int, error) {
			return 0, &delta.Error{Kind: delta.KindRateLimited}
		})

		assert.Error(t, err)
		assert.Equal(t, 1, attempts)
	})
}
