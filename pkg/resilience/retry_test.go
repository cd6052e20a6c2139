package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/protocol"
)

// fastPolicy keeps test backoff in the microsecond range.
func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Microsecond, Cap: time.Millisecond}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return protocol.NewError(protocol.KindTransientNetwork, "flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryFailsFastOnNonRetriable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		return protocol.NewError(protocol.KindBadRequest, "bad input")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, protocol.KindBadRequest, protocol.KindOf(err))
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		return protocol.NewError(protocol.KindServerError, "still down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryTimeoutRetriedOnce(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(5), func(ctx context.Context) error {
		calls++
		return protocol.NewError(protocol.KindTimeout, "deadline blown")
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, protocol.KindTimeout, protocol.KindOf(err))
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, Cap: time.Second}
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := Retry(ctx, policy, func(ctx context.Context) error {
		calls++
		return protocol.NewError(protocol.KindServerError, "down")
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, calls)
}

func TestDelayFormula(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, Cap: 30 * time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.Delay(attempt)
		base := time.Duration(1<<uint(attempt-1)) * time.Second
		if base > p.Cap {
			base = p.Cap
		}
		assert.GreaterOrEqual(t, d, base, "attempt %d below backoff", attempt)
		assert.Less(t, d, base+p.BaseDelay, "attempt %d jitter out of range", attempt)
	}
}
