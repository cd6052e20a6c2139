package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/protocol"
)

func TestPoolAdmitsUpToCapacity(t *testing.T) {
	p := NewPool(PoolPolicy{MaxConnections: 2, QueueTimeout: 50 * time.Millisecond})

	release1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	release2, err := p.Acquire(context.Background())
	require.NoError(t, err)

	// Capacity exhausted: the queue times out with pool_exhausted.
	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, protocol.KindPoolExhausted, protocol.KindOf(err))

	release1()
	release3, err := p.Acquire(context.Background())
	require.NoError(t, err)
	release2()
	release3()
}

func TestPoolCallerCancellationWins(t *testing.T) {
	p := NewPool(PoolPolicy{MaxConnections: 1, QueueTimeout: time.Second})

	release, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPoolClientShared(t *testing.T) {
	p := NewPool(DefaultPoolPolicy())
	assert.Same(t, p.Client(), p.Client())
	p.CloseIdle()
}
