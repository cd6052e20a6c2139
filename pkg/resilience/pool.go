package resilience

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/protocol"
)

// PoolPolicy bounds the shared HTTP connection pool.
type PoolPolicy struct {
	MaxConnections int
	MaxKeepalive   int
	KeepaliveTTL   time.Duration
	// QueueTimeout bounds how long an over-capacity request waits for
	// admission before failing with pool_exhausted.
	QueueTimeout time.Duration
}

// DefaultPoolPolicy mirrors the documented defaults.
func DefaultPoolPolicy() PoolPolicy {
	return PoolPolicy{
		MaxConnections: 32,
		MaxKeepalive:   8,
		KeepaliveTTL:   90 * time.Second,
		QueueTimeout:   2 * time.Second,
	}
}

// Pool is a bounded HTTP client shared across sessions. Transport
// limits cap real connections; the semaphore queues admission with a
// short timeout so overload fails fast instead of piling up.
type Pool struct {
	client *http.Client
	sem    *semaphore.Weighted
	policy PoolPolicy
}

// NewPool builds the shared pool.
func NewPool(policy PoolPolicy) *Pool {
	if policy.MaxConnections < 1 {
		policy.MaxConnections = 1
	}
	if policy.QueueTimeout <= 0 {
		policy.QueueTimeout = 2 * time.Second
	}
	transport := &http.Transport{
		MaxConnsPerHost:     policy.MaxConnections,
		MaxIdleConns:        policy.MaxKeepalive,
		MaxIdleConnsPerHost: policy.MaxKeepalive,
		IdleConnTimeout:     policy.KeepaliveTTL,
	}
	return &Pool{
		client: &http.Client{Transport: transport},
		sem:    semaphore.NewWeighted(int64(policy.MaxConnections)),
		policy: policy,
	}
}

// Do executes an HTTP request under pool admission.
func (p *Pool) Do(req *http.Request) (*http.Response, error) {
	release, err := p.Acquire(req.Context())
	if err != nil {
		return nil, err
	}
	defer release()
	return p.client.Do(req)
}

// Acquire reserves one pool slot, waiting up to the queue timeout.
// The returned release function must be called exactly once.
func (p *Pool) Acquire(ctx context.Context) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.policy.QueueTimeout)
	defer cancel()
	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, protocol.NewError(protocol.KindPoolExhausted, "connection pool exhausted")
	}
	return func() { p.sem.Release(1) }, nil
}

// Client exposes the pooled HTTP client for capability adapters.
func (p *Pool) Client() *http.Client { return p.client }

// CloseIdle drops keepalive connections, for shutdown.
func (p *Pool) CloseIdle() {
	p.client.CloseIdleConnections()
}
