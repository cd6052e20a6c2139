package model

import (
	"context"
	"strings"
	"time"
)

// StaticClient is an offline Client that computes responses locally.
// It backs tests and provider-less runs; real providers replace it at
// wiring time.
type StaticClient struct {
	// Respond produces the full response for a message history. When
	// nil, the client echoes the last user message.
	Respond func(messages []Message) string
	// ChunkSize splits streamed responses; 0 streams one chunk.
	ChunkSize int
}

// Generate produces a complete response.
func (c *StaticClient) Generate(ctx context.Context, messages []Message, params Params) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := c.respond(messages)
	return &Result{
		Text:  text,
		Usage: Usage{InputTokens: estimateTokens(messages), OutputTokens: len(text) / 4},
	}, nil
}

// Stream produces the response in chunks.
func (c *StaticClient) Stream(ctx context.Context, messages []Message, params Params) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		text := c.respond(messages)
		size := c.ChunkSize
		if size <= 0 {
			size = len(text)
		}
		for i := 0; i < len(text); i += size {
			end := i + size
			if end > len(text) {
				end = len(text)
			}
			final := end == len(text)
			chunk := Chunk{Text: text[i:end], Final: final}
			if final {
				chunk.Usage = Usage{InputTokens: estimateTokens(messages), OutputTokens: len(text) / 4}
			}
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case chunks <- chunk:
			}
		}
	}()
	return chunks, errs
}

// RateLimit reports an effectively unlimited local budget.
func (c *StaticClient) RateLimit() RateLimitState {
	return RateLimitState{
		RequestsRemainingMinute: 1 << 20,
		RequestsRemainingDay:    1 << 20,
		TokensRemainingMinute:   1 << 30,
		TokensRemainingDay:      1 << 30,
	}
}

// ShouldThrottle never throttles.
func (c *StaticClient) ShouldThrottle() (bool, time.Duration) { return false, 0 }

func (c *StaticClient) respond(messages []Message) string {
	if c.Respond != nil {
		return c.Respond(messages)
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func estimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += len(strings.Fields(m.Content))
	}
	return total
}
