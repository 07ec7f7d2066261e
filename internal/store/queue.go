package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/KafClaw/memmesh/internal/memory"
)

// QueuedDelta is a delta waiting in a target agent's inbox.
type QueuedDelta struct {
	ID         int64
	Target     string
	Delta      memory.Delta
	EnqueuedAt time.Time
	Attempts   int
	LastError  string
}

// EnqueueDelta persists d for target in the binary wire form.
func (s *Store) EnqueueDelta(ctx context.Context, target string, d memory.Delta, at time.Time) (int64, error) {
	if err := d.Validate(); err != nil {
		return 0, err
	}
	payload := memory.EncodeDelta(d)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO delta_queue (target_agent, memory_id, source_agent, payload, enqueued_at)
		VALUES (?, ?, ?, ?, ?)`, target, d.MemoryID, d.Origin, payload, nanos(at))
	if err != nil {
		return 0, fmt.Errorf("enqueue delta %s for %s: %w", d.MemoryID, target, err)
	}
	return res.LastInsertId()
}

// PendingDeltas returns undelivered deltas for target in enqueue order.
// Rows that fail to decode are taken out of the queue with their error
// recorded, so one corrupt payload cannot block an inbox.
func (s *Store) PendingDeltas(ctx context.Context, target string, limit int) ([]QueuedDelta, error) {
	return s.PendingDeltasAfter(ctx, target, 0, limit)
}

// PendingDeltasAfter is PendingDeltas restricted to rows with an id above
// after, for paging past rows that stay pending.
func (s *Store) PendingDeltasAfter(ctx context.Context, target string, after int64, limit int) ([]QueuedDelta, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target_agent, payload, enqueued_at, attempts, last_error
		FROM delta_queue WHERE target_agent = ? AND delivered_at = 0 AND id > ?
		ORDER BY id LIMIT ?`, target, after, limit)
	if err != nil {
		return nil, err
	}
	var (
		out []QueuedDelta
		bad = map[int64]error{}
	)
	for rows.Next() {
		var (
			q       QueuedDelta
			payload []byte
			at      int64
		)
		if err := rows.Scan(&q.ID, &q.Target, &payload, &at, &q.Attempts, &q.LastError); err != nil {
			rows.Close()
			return nil, err
		}
		d, err := memory.DecodeDelta(payload)
		if err != nil {
			bad[q.ID] = err
			continue
		}
		q.Delta = d
		q.EnqueuedAt = fromNanos(at)
		out = append(out, q)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}
	for id, cause := range bad {
		slog.Warn("Store: dropping undecodable delta", "id", id, "target", target, "error", cause)
		if _, err := s.db.ExecContext(ctx, `
			UPDATE delta_queue SET attempts = attempts + 1, last_error = ?, delivered_at = ? WHERE id = ?`,
			cause.Error(), time.Now().UnixNano(), id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CountPending returns how many deltas wait for target ("" for all agents).
func (s *Store) CountPending(ctx context.Context, target string) (int, error) {
	var n int
	var err error
	if target == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM delta_queue WHERE delivered_at = 0`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM delta_queue WHERE target_agent = ? AND delivered_at = 0`, target).Scan(&n)
	}
	return n, err
}

// MarkDelivered records that a queued delta was applied or buffered.
func (s *Store) MarkDelivered(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE delta_queue SET delivered_at = ? WHERE id = ?`, nanos(at), id)
	return err
}

// MarkFailed bumps the attempt count of a queued delta.
func (s *Store) MarkFailed(ctx context.Context, id int64, cause error) error {
	_, err := s.db.ExecContext(ctx, `UPDATE delta_queue SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
		cause.Error(), id)
	return err
}
