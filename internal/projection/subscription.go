package projection

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/KafClaw/memmesh/internal/memory"
)

// ErrQueueOverflow means a batched queue already holds one entry for as many
// distinct memories as it can. The caller drains and retries.
var ErrQueueOverflow = errors.New("subscription queue overflow")

// Mode is how a subscription forwards changes.
type Mode string

const (
	// ModeStreaming forwards each change on its own.
	ModeStreaming Mode = "streaming"
	// ModeBatched keeps one coalesced delta per memory.
	ModeBatched Mode = "batched"
)

const (
	batchAbove  = 0.8
	streamBelow = 0.5
)

// Subscription is the live push side of a projection.
type Subscription struct {
	ID         string
	Projection Projection

	mu       sync.Mutex
	queue    []memory.Delta
	capacity int
	mode     Mode
	sent     map[string]bool
	limiter  *rate.Limiter
}

func newSubscription(id string, p Projection, capacity int, limiter *rate.Limiter) *Subscription {
	if capacity < 1 {
		capacity = 1
	}
	return &Subscription{
		ID:         id,
		Projection: p,
		capacity:   capacity,
		mode:       ModeStreaming,
		sent:       map[string]bool{},
		limiter:    limiter,
	}
}

// Mode returns the current forwarding mode.
func (s *Subscription) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Len returns the number of queued deltas.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Enqueue adds a delta. A full streaming queue switches to batched mode and
// coalesces instead of failing.
func (s *Subscription) Enqueue(d memory.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode == ModeStreaming && len(s.queue) >= s.capacity {
		s.setMode(ModeBatched)
	}
	if s.mode == ModeBatched {
		if err := s.coalesceInto(d); err != nil {
			return err
		}
	} else {
		s.queue = append(s.queue, d)
	}
	if s.mode == ModeStreaming && s.fill() > batchAbove {
		s.setMode(ModeBatched)
	}
	queueDepth.WithLabelValues(s.ID).Set(float64(len(s.queue)))
	return nil
}

// Drain removes up to max queued deltas (all when max < 1).
func (s *Subscription) Drain(max int) []memory.Delta {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queue)
	if max > 0 && max < n {
		n = max
	}
	out := make([]memory.Delta, n)
	copy(out, s.queue[:n])
	s.queue = append(s.queue[:0], s.queue[n:]...)
	if s.mode == ModeBatched && s.fill() < streamBelow {
		s.setMode(ModeStreaming)
	}
	queueDepth.WithLabelValues(s.ID).Set(float64(len(s.queue)))
	return out
}

// Flush drains the queue into push. Streaming deltas are paced by the rate
// limiter; a batch goes out at once. Deltas that fail are requeued.
func (s *Subscription) Flush(ctx context.Context, push func(context.Context, memory.Delta) error) (int, error) {
	batched := s.Mode() == ModeBatched
	pending := s.Drain(0)
	for i, d := range pending {
		if !batched && s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				s.requeue(pending[i:])
				return i, err
			}
		}
		if err := push(ctx, d); err != nil {
			pushesTotal.WithLabelValues("error").Inc()
			s.requeue(pending[i:])
			return i, err
		}
		pushesTotal.WithLabelValues("ok").Inc()
	}
	return len(pending), nil
}

// firstSeen marks memoryID as sent and reports whether it was new to the
// target.
func (s *Subscription) firstSeen(memoryID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent[memoryID] {
		return false
	}
	s.sent[memoryID] = true
	return true
}

func (s *Subscription) requeue(ds []memory.Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(append([]memory.Delta(nil), ds...), s.queue...)
	queueDepth.WithLabelValues(s.ID).Set(float64(len(s.queue)))
}

func (s *Subscription) fill() float64 {
	return float64(len(s.queue)) / float64(s.capacity)
}

func (s *Subscription) setMode(m Mode) {
	if s.mode == m {
		return
	}
	s.mode = m
	modeSwitches.WithLabelValues(string(m)).Inc()
	slog.Info("Projection: subscription mode switched", "subscription", s.ID, "projection", s.Projection.ID, "mode", m, "queued", len(s.queue))
	if m == ModeBatched {
		s.coalesceAll()
	}
}

// coalesceAll folds the queue down to one delta per memory, in order of
// first appearance.
func (s *Subscription) coalesceAll() {
	queued := s.queue
	s.queue = nil
	for _, d := range queued {
		if err := s.coalesceInto(d); err != nil {
			// Only reachable with deltas that fail to join; keep them as is.
			slog.Warn("Projection: cannot coalesce delta", "subscription", s.ID, "memory_id", d.MemoryID, "error", err)
			s.queue = append(s.queue, d)
		}
	}
}

func (s *Subscription) coalesceInto(d memory.Delta) error {
	for i, q := range s.queue {
		if q.MemoryID != d.MemoryID {
			continue
		}
		joined, err := memory.JoinDeltas(q, d)
		if err != nil {
			return err
		}
		s.queue[i] = joined
		return nil
	}
	if len(s.queue) >= s.capacity {
		return ErrQueueOverflow
	}
	s.queue = append(s.queue, d)
	return nil
}
