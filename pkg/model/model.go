// Package model defines the abstract language-model capability the
// supervisor dispatches workers through. Concrete providers live
// outside the core.
package model

import (
	"context"
	"time"

	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/protocol"
)

// Params tune one generation call.
type Params struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// Message is one turn handed to the model.
type Message struct {
	Role    protocol.MessageRole
	Content string
}

// Usage reports token accounting for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Result is the outcome of a non-streaming generation.
type Result struct {
	Text  string
	Usage Usage
}

// Chunk is one streamed fragment. Usage is populated on the final
// chunk only.
type Chunk struct {
	Text  string
	Final bool
	Usage Usage
}

// RateLimitState exposes a provider's remaining request/token budget
// so the supervisor can throttle before dispatch.
type RateLimitState struct {
	RequestsRemainingMinute int
	RequestsRemainingDay    int
	TokensRemainingMinute   int
	TokensRemainingDay      int
	MonthlyBudgetRemaining  float64
}

// Client is the model capability. Implementations classify their
// failures into protocol error kinds: rate_limited, timeout and
// server_error are retriable; bad_request, auth_failed and not_found
// fail fast.
type Client interface {
	// Generate produces a complete response.
	Generate(ctx context.Context, messages []Message, params Params) (*Result, error)
	// Stream produces chunks on the returned channel, which is closed
	// when the stream ends. A terminal error is reported on the final
	// chunkless receive via the error channel.
	Stream(ctx context.Context, messages []Message, params Params) (<-chan Chunk, <-chan error)
	// RateLimit reports the provider's current budget state.
	RateLimit() RateLimitState
	// ShouldThrottle reports whether dispatch should be delayed, and
	// for how long.
	ShouldThrottle() (bool, time.Duration)
}
