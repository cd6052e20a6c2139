// Package resilience provides the retry, circuit breaker and bounded
// connection pool primitives the supervisor dispatches workers
// through.
package resilience

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/protocol"
)

// RetryPolicy controls bounded exponential backoff with jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Cap         time.Duration
}

// DefaultRetryPolicy mirrors the documented defaults: 3 attempts, 1s
// base, 30s ceiling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Cap: 30 * time.Second}
}

// Delay computes the wait before the given attempt (1-based):
// base * 2^(attempt-1) capped, plus uniform jitter in [0, base).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	backoff := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if backoff > p.Cap {
		backoff = p.Cap
	}
	jitter := time.Duration(rand.Int63n(int64(p.BaseDelay)))
	return backoff + jitter
}

// Retry invokes fn until it succeeds, returns a non-retriable error,
// or attempts are exhausted. Only errors whose protocol kind is
// retriable are retried; timeout is retried at most once.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}
	if policy.Cap <= 0 {
		policy.Cap = 30 * time.Second
	}

	var lastErr error
	timeoutRetries := 0
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		kind := protocol.KindOf(lastErr)
		if !kind.Retriable() {
			return lastErr
		}
		if kind == protocol.KindTimeout {
			timeoutRetries++
			if timeoutRetries > 1 {
				return lastErr
			}
		}
		if attempt == policy.MaxAttempts {
			return lastErr
		}

		delay := policy.Delay(attempt)
		slog.Debug("retrying after failure", "attempt", attempt, "kind", kind, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
