package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/protocol"
)

// BreakerState is the circuit breaker's state machine position.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// BreakerPolicy controls when a breaker trips and recovers.
type BreakerPolicy struct {
	// FailureThreshold opens the breaker once the rolling failure
	// count within Window reaches it.
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
}

// DefaultBreakerPolicy mirrors the documented defaults.
func DefaultBreakerPolicy() BreakerPolicy {
	return BreakerPolicy{FailureThreshold: 5, Window: time.Minute, Cooldown: 30 * time.Second}
}

// Breaker is one circuit. closed -> open on threshold failures in the
// window; open -> half_open after cooldown; half_open admits exactly
// one probe, closing on success and reopening on failure.
type Breaker struct {
	policy BreakerPolicy
	clock  func() time.Time

	mu          sync.Mutex
	state       BreakerState
	failures    []time.Time
	openedAt    time.Time
	probeActive bool
}

// NewBreaker builds a closed breaker.
func NewBreaker(policy BreakerPolicy) *Breaker {
	if policy.FailureThreshold < 1 {
		policy.FailureThreshold = 1
	}
	if policy.Window <= 0 {
		policy.Window = time.Minute
	}
	if policy.Cooldown <= 0 {
		policy.Cooldown = 30 * time.Second
	}
	return &Breaker{policy: policy, clock: time.Now}
}

// State reports the current state, accounting for cooldown expiry.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() BreakerState {
	if b.state == BreakerOpen && b.clock().Sub(b.openedAt) >= b.policy.Cooldown {
		b.state = BreakerHalfOpen
		b.probeActive = false
	}
	return b.state
}

// Allow reports whether a call may proceed. In half_open only a single
// probe is admitted; callers must report the outcome via Success or
// Failure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.stateLocked() {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.probeActive {
			return false
		}
		b.probeActive = true
		return true
	default:
		return false
	}
}

// Success reports a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.stateLocked() {
	case BreakerHalfOpen:
		b.state = BreakerClosed
		b.failures = nil
		b.probeActive = false
	case BreakerClosed:
		// Keep the window tidy so it cannot grow unbounded.
		b.pruneLocked()
	}
}

// Failure reports a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()
	switch b.stateLocked() {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = now
		b.probeActive = false
	case BreakerClosed:
		b.failures = append(b.failures, now)
		b.pruneLocked()
		if len(b.failures) >= b.policy.FailureThreshold {
			b.state = BreakerOpen
			b.openedAt = now
			b.failures = nil
		}
	}
}

func (b *Breaker) pruneLocked() {
	cutoff := b.clock().Add(-b.policy.Window)
	i := 0
	for ; i < len(b.failures); i++ {
		if b.failures[i].After(cutoff) {
			break
		}
	}
	b.failures = b.failures[i:]
}

// Do runs fn through the breaker, translating an open circuit into a
// circuit_open error and feeding the outcome back into the state
// machine.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.Allow() {
		return protocol.NewError(protocol.KindCircuitOpen, "circuit open")
	}
	err := fn(ctx)
	if err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}

// BreakerRegistry keys breakers by (dependency, key) pair, e.g. a
// (role, model) combination.
type BreakerRegistry struct {
	policy BreakerPolicy

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerRegistry builds a registry sharing one policy.
func NewBreakerRegistry(policy BreakerPolicy) *BreakerRegistry {
	return &BreakerRegistry{policy: policy, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for a (dependency, key) pair, creating it on
// first use.
func (r *BreakerRegistry) Get(dependency, key string) *Breaker {
	id := dependency + "\x00" + key
	r.mu.Lock()
	defer r.mu.Unlock()
	br, ok := r.breakers[id]
	if !ok {
		br = NewBreaker(r.policy)
		r.breakers[id] = br
	}
	return br
}
