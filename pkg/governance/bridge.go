// Package governance implements the pre-task policy review bridge.
// A veto here blocks the whole session before planning begins.
package governance

import (
	"context"
	"log/slog"
	"time"
)

// Verdict is the outcome of one policy review.
type Verdict struct {
	Approved  bool   `json:"approved"`
	Reasoning string `json:"reasoning,omitempty"`
	RiskLevel string `json:"risk_level,omitempty"`
	Governor  string `json:"governor,omitempty"`
}

// Reviewer is the judging sub-system the bridge consults. Its
// internals are outside the core.
type Reviewer interface {
	Review(ctx context.Context, prompt string, metadata map[string]string) (Verdict, error)
}

// ReviewerFunc adapts a function into a Reviewer.
type ReviewerFunc func(ctx context.Context, prompt string, metadata map[string]string) (Verdict, error)

func (f ReviewerFunc) Review(ctx context.Context, prompt string, metadata map[string]string) (Verdict, error) {
	return f(ctx, prompt, metadata)
}

// Bridge bounds the reviewer with a timeout. An absent or late
// verdict is treated as permissive-with-warning rather than blocking
// progress on a slow judge.
type Bridge struct {
	reviewer Reviewer
	timeout  time.Duration
	logger   *slog.Logger
}

// NewBridge builds a bridge. reviewer may be nil, in which case every
// review is permissive.
func NewBridge(reviewer Reviewer, timeout time.Duration, logger *slog.Logger) *Bridge {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{reviewer: reviewer, timeout: timeout, logger: logger}
}

// Review runs the pre-task policy check within the configured bound.
func (b *Bridge) Review(ctx context.Context, prompt string, metadata map[string]string) Verdict {
	if b.reviewer == nil {
		return Verdict{Approved: true, Governor: "none"}
	}

	reviewCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	type result struct {
		verdict Verdict
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := b.reviewer.Review(reviewCtx, prompt, metadata)
		ch <- result{v, err}
	}()

	select {
	case <-reviewCtx.Done():
		b.logger.Warn("governance review timed out, proceeding permissively", "timeout", b.timeout)
		return Verdict{Approved: true, Reasoning: "review timed out", Governor: "timeout"}
	case res := <-ch:
		if res.err != nil {
			b.logger.Warn("governance review failed, proceeding permissively", "error", res.err)
			return Verdict{Approved: true, Reasoning: "review unavailable", Governor: "error"}
		}
		return res.verdict
	}
}
