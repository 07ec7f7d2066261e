package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/KafClaw/memmesh/internal/crdt"
	"github.com/KafClaw/memmesh/internal/memory"
)

// Applier is the local replica a buffer delivers into.
type Applier interface {
	// Clock returns the record clock, empty for unknown records.
	Clock(memoryID string) (crdt.VectorClock, error)
	// Apply joins d and returns the record clock afterwards.
	Apply(d memory.Delta) (crdt.VectorClock, error)
}

// Result counts what a delivery did.
type Result struct {
	Applied  int `json:"applied"`
	Buffered int `json:"buffered"`
}

// Deliver applies d if it is ready, otherwise buffers it. Every apply may
// unblock held deltas for the same record, so release is repeated until
// nothing more becomes ready.
func (b *Buffer) Deliver(d memory.Delta, a Applier) (Result, error) {
	var res Result
	local, err := a.Clock(d.MemoryID)
	if err != nil {
		return res, fmt.Errorf("deliver %s: %w", d.MemoryID, err)
	}
	if !Ready(d, local) {
		if b.Hold(d, local) {
			res.Buffered++
		}
		return res, nil
	}
	if local, err = a.Apply(d); err != nil {
		return res, fmt.Errorf("deliver %s: %w", d.MemoryID, err)
	}
	res.Applied++
	deliveredTotal.WithLabelValues("applied").Inc()

	for {
		released := b.Release(d.MemoryID, local)
		if len(released) == 0 {
			return res, nil
		}
		for _, r := range released {
			if local, err = a.Apply(r); err != nil {
				return res, fmt.Errorf("deliver released %s: %w", r.MemoryID, err)
			}
			res.Applied++
			deliveredTotal.WithLabelValues("applied").Inc()
		}
	}
}

// ErrQueueClosed is returned by Submit after Run has returned.
var ErrQueueClosed = errors.New("delivery queue closed")

// Queue feeds deltas to a Buffer from a single background goroutine, so
// callers never block on a missing dependency and no goroutine is parked per
// buffered delta.
type Queue struct {
	buf     *Buffer
	applier Applier
	work    chan memory.Delta
	done    chan struct{}
	onError func(memory.Delta, error)
}

// NewQueue creates a queue with room for size pending submissions.
func NewQueue(buf *Buffer, applier Applier, size int) *Queue {
	if size <= 0 {
		size = 256
	}
	return &Queue{
		buf:     buf,
		applier: applier,
		work:    make(chan memory.Delta, size),
		done:    make(chan struct{}),
	}
}

// OnError registers a callback for deltas that failed to apply.
func (q *Queue) OnError(fn func(memory.Delta, error)) {
	q.onError = fn
}

// Submit enqueues d, blocking while the queue is full.
func (q *Queue) Submit(ctx context.Context, d memory.Delta) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.work <- d:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	defer close(q.done)
	slog.Info("Delivery queue started", "capacity", cap(q.work))
	for {
		select {
		case <-ctx.Done():
			slog.Info("Delivery queue stopped", "buffered", q.buf.Len())
			return nil
		case d := <-q.work:
			res, err := q.buf.Deliver(d, q.applier)
			if err != nil {
				slog.Error("Delivery: apply failed", "memory_id", d.MemoryID, "origin", d.Origin, "seq", d.Seq(), "error", err)
				if q.onError != nil {
					q.onError(d, err)
				}
				continue
			}
			if res.Buffered > 0 {
				slog.Debug("Delivery: delta buffered", "memory_id", d.MemoryID, "origin", d.Origin, "seq", d.Seq(), "waiting", q.buf.Waiting(d.MemoryID))
			}
		}
	}
}
