package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EventRow is one durable outbox entry. DeliveredAt is nil while the
// event is pending in-process dispatch.
type EventRow struct {
	ID          string
	Type        string
	Payload     string
	Source      string
	CreatedAt   time.Time
	DeliveredAt *time.Time
	RetryCount  int
}

// InsertEvent appends a pending event row. The caller dispatches it
// afterwards and marks it delivered on success (outbox pattern).
func (s *Store) InsertEvent(ctx context.Context, ev EventRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox (id, type, payload, source, created_at, delivered_at, retry_count)
		 VALUES (?, ?, ?, ?, ?, NULL, 0)`,
		ev.ID, ev.Type, ev.Payload, ev.Source, ev.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert outbox event %s: %w", ev.ID, err)
	}
	return nil
}

// MarkDelivered stamps an event as dispatched in-process.
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET delivered_at = ? WHERE id = ? AND delivered_at IS NULL`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark event %s delivered: %w", id, err)
	}
	return nil
}

// BumpRetry increments an event's dispatch failure count.
func (s *Store) BumpRetry(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET retry_count = retry_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to bump retry for event %s: %w", id, err)
	}
	return nil
}

// UndeliveredEvents returns pending events in append order, for the
// replay loop on boot.
func (s *Store) UndeliveredEvents(ctx context.Context, limit int) ([]EventRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, payload, source, created_at, delivered_at, retry_count
		 FROM outbox WHERE delivered_at IS NULL ORDER BY created_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query undelivered events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// PurgeDelivered removes delivered rows older than the retention
// cutoff and returns how many were purged.
func (s *Store) PurgeDelivered(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE delivered_at IS NOT NULL AND delivered_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge delivered events: %w", err)
	}
	return res.RowsAffected()
}

func scanEvents(rows *sql.Rows) ([]EventRow, error) {
	var out []EventRow
	for rows.Next() {
		var ev EventRow
		var delivered sql.NullTime
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Payload, &ev.Source, &ev.CreatedAt, &delivered, &ev.RetryCount); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		if delivered.Valid {
			t := delivered.Time
			ev.DeliveredAt = &t
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
