package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/store"
)

// Outbox couples the durable store with the in-process bus. Emit
// follows the outbox pattern strictly:
//
//  1. insert the event row with delivered_at = NULL
//  2. dispatch to the bus
//  3. mark the row delivered
//
// A crash between 2 and 3 leaves the row pending; Replay re-runs step
// 2 on next boot, which is why handlers must be idempotent by event
// ID.
type Outbox struct {
	store  *store.Store
	bus    *Bus
	logger *slog.Logger
}

// NewOutbox builds an outbox over the given store and bus.
func NewOutbox(s *store.Store, b *Bus, logger *slog.Logger) *Outbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{store: s, bus: b, logger: logger}
}

// Emit durably appends the event, dispatches it synchronously, and
// marks it delivered. The write failure is returned; dispatch and
// marking failures leave the row for replay without failing the
// caller's state change.
func (o *Outbox) Emit(ctx context.Context, ev Event) error {
	row := store.EventRow{
		ID:        ev.ID,
		Type:      ev.Type,
		Payload:   string(ev.Payload),
		Source:    ev.Source,
		CreatedAt: ev.CreatedAt,
	}
	if err := o.store.InsertEvent(ctx, row); err != nil {
		return fmt.Errorf("outbox write failed: %w", err)
	}

	o.bus.Publish(ev)

	if err := o.store.MarkDelivered(ctx, ev.ID); err != nil {
		// The in-process effect happened; the row stays pending and
		// will be redelivered on next boot.
		o.logger.Warn("failed to mark event delivered, will replay", "event_id", ev.ID, "error", err)
	}
	return nil
}

// Replay re-dispatches every undelivered event in append order. Called
// once on boot before new work is admitted.
func (o *Outbox) Replay(ctx context.Context) (int, error) {
	const batch = 500
	replayed := 0
	for {
		rows, err := o.store.UndeliveredEvents(ctx, batch)
		if err != nil {
			return replayed, err
		}
		if len(rows) == 0 {
			return replayed, nil
		}
		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				return replayed, err
			}
			ev := Event{
				ID:        row.ID,
				Type:      row.Type,
				Payload:   []byte(row.Payload),
				Source:    row.Source,
				CreatedAt: row.CreatedAt,
			}
			o.bus.Publish(ev)
			if err := o.store.MarkDelivered(ctx, row.ID); err != nil {
				if bumpErr := o.store.BumpRetry(ctx, row.ID); bumpErr != nil {
					o.logger.Warn("failed to bump outbox retry", "event_id", row.ID, "error", bumpErr)
				}
				return replayed, fmt.Errorf("failed to mark replayed event delivered: %w", err)
			}
			replayed++
		}
		if len(rows) < batch {
			return replayed, nil
		}
	}
}

// Purge removes delivered rows past the retention window.
func (o *Outbox) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	return o.store.PurgeDelivered(ctx, time.Now().Add(-retention))
}
