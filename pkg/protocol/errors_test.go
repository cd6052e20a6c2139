package protocol

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindRetriable(t *testing.T) {
	retriable := []ErrorKind{KindRateLimited, KindTimeout, KindTransientNetwork, KindServerError}
	for _, k := range retriable {
		assert.True(t, k.Retriable(), "%s should be retriable", k)
	}

	fatal := []ErrorKind{KindBadRequest, KindAuthFailed, KindNotFound,
		KindGovernanceBlocked, KindApprovalRejected, KindInternal}
	for _, k := range fatal {
		assert.False(t, k.Retriable(), "%s should not be retriable", k)
	}
}

func TestKindTransient(t *testing.T) {
	assert.True(t, KindCircuitOpen.Transient())
	assert.True(t, KindPoolExhausted.Transient())
	assert.False(t, KindCircuitOpen.Retriable())
	assert.False(t, KindPoolExhausted.Retriable())
	assert.False(t, KindGovernanceBlocked.Transient())
}

func TestKindOf(t *testing.T) {
	t.Run("direct kinded error", func(t *testing.T) {
		err := NewError(KindRateLimited, "slow down")
		assert.Equal(t, KindRateLimited, KindOf(err))
	})

	t.Run("wrapped kinded error", func(t *testing.T) {
		err := fmt.Errorf("dispatch failed: %w", WrapError(KindServerError, errors.New("boom")))
		assert.Equal(t, KindServerError, KindOf(err))
	})

	t.Run("context deadline maps to timeout", func(t *testing.T) {
		assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	})

	t.Run("unclassified defaults to internal", func(t *testing.T) {
		assert.Equal(t, KindInternal, KindOf(errors.New("mystery")))
	})
}

func TestErrorMessage(t *testing.T) {
	err := NewError(KindApprovalRejected, "approval for %s rejected", "deploy_production")
	assert.Equal(t, "approval_rejected: approval for deploy_production rejected", err.Error())

	wrapped := WrapError(KindTimeout, errors.New("took too long"))
	assert.Equal(t, "timeout: took too long", wrapped.Error())
	assert.ErrorContains(t, wrapped, "took too long")
}
