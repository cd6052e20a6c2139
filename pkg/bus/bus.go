// Package bus provides the in-process publish/subscribe event bus and
// the durable outbox that gives events at-least-once delivery across
// crashes.
package bus

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Well-known event types emitted by the core.
const (
	EventTaskCompleted     = "task.completed"
	EventTaskFailed        = "task.failed"
	EventSessionRecovered  = "session.recovered"
	EventApprovalRequested = "approval.requested"
	EventApprovalDecided   = "approval.decided"
)

// Event is one bus message. Payload is arbitrary JSON; ID is stable
// across redelivery so handlers can deduplicate.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Source    string          `json:"source"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewEvent builds an event with a fresh UUID, marshaling payload to
// JSON. Marshal failures degrade to a null payload rather than losing
// the event.
func NewEvent(eventType, source string, payload any) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("event payload marshal failed", "type", eventType, "error", err)
		raw = []byte("null")
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   raw,
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}
}

// Handler consumes one event. Handlers must be idempotent by event ID:
// the outbox replay loop may redeliver.
type Handler func(Event)

// Bus is an in-process publish/subscribe dispatcher with per-type
// subscriber sets and a bounded replay history.
type Bus struct {
	mu       sync.RWMutex
	subs     map[string][]subscription
	all      []subscription
	history  []Event
	ringSize int
	nextID   int
	logger   *slog.Logger
}

type subscription struct {
	id      int
	handler Handler
}

// New creates a bus keeping up to ringSize events of history.
func New(ringSize int, logger *slog.Logger) *Bus {
	if ringSize <= 0 {
		ringSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:     make(map[string][]subscription),
		ringSize: ringSize,
		logger:   logger,
	}
}

// Subscribe registers a handler for one event type. The returned
// cancel function removes the subscription.
func (b *Bus) Subscribe(eventType string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, handler: h})
	return func() { b.unsubscribe(eventType, id) }
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: h})
	return func() { b.unsubscribe("", id) }
}

func (b *Bus) unsubscribe(eventType string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if eventType == "" {
		b.all = removeSub(b.all, id)
		return
	}
	b.subs[eventType] = removeSub(b.subs[eventType], id)
}

func removeSub(subs []subscription, id int) []subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Publish dispatches synchronously to every subscriber. Handler panics
// are recovered and logged; they never propagate to the publisher or
// suppress other handlers.
func (b *Bus) Publish(ev Event) {
	b.record(ev)
	for _, s := range b.snapshot(ev.Type) {
		b.dispatch(s.handler, ev)
	}
}

// PublishAsync dispatches on a fresh goroutine per subscriber.
func (b *Bus) PublishAsync(ev Event) {
	b.record(ev)
	for _, s := range b.snapshot(ev.Type) {
		go b.dispatch(s.handler, ev)
	}
}

func (b *Bus) snapshot(eventType string) []subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]subscription, 0, len(b.subs[eventType])+len(b.all))
	out = append(out, b.subs[eventType]...)
	out = append(out, b.all...)
	return out
}

func (b *Bus) dispatch(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "type", ev.Type, "event_id", ev.ID, "panic", r)
		}
	}()
	h(ev)
}

func (b *Bus) record(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, ev)
	if len(b.history) > b.ringSize {
		b.history = b.history[len(b.history)-b.ringSize:]
	}
}

// History returns up to n most recent events, oldest first.
func (b *Bus) History(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > len(b.history) {
		n = len(b.history)
	}
	out := make([]Event, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}
