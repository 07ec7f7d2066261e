// Package delivery enforces causal delivery of memory deltas: a delta is only
// applied once every event it depends on has been applied locally.
package delivery

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KafClaw/memmesh/internal/crdt"
	"github.com/KafClaw/memmesh/internal/memory"
)

// Ready reports whether d can be applied to a replica whose clock is local.
// The origin may be at most one event ahead (its own edits arrive in order);
// every other entry must already be covered. Join-mode deltas are always
// ready, and so are duplicates since apply is idempotent.
func Ready(d memory.Delta, local crdt.VectorClock) bool {
	_, _, blocked := missing(d, local)
	return !blocked
}

// missing returns the first unmet dependency: the agent and the counter the
// local clock has to reach.
func missing(d memory.Delta, local crdt.VectorClock) (string, uint64, bool) {
	if d.Mode == memory.ModeJoin {
		return "", 0, false
	}
	for _, agent := range d.Clock.Agents() {
		need := d.Clock.Get(agent)
		if agent == d.Origin {
			need--
		}
		if local.Get(agent) < need {
			return agent, need, true
		}
	}
	return "", 0, false
}

type depKey struct {
	memory  string
	agent   string
	counter uint64
}

type dotKey struct {
	memory string
	origin string
	seq    uint64
}

type held struct {
	delta memory.Delta
	since time.Time
}

// Buffer holds deltas whose dependencies are missing, indexed by the first
// dependency they wait on. Each record is independent: a stuck delta never
// blocks another record or another sender.
type Buffer struct {
	mu       sync.Mutex
	waiting  map[depKey][]held
	byMemory map[string]map[depKey]struct{}
	dots     map[dotKey]bool
	size     int
	now      func() time.Time
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{
		waiting:  make(map[depKey][]held),
		byMemory: make(map[string]map[depKey]struct{}),
		dots:     make(map[dotKey]bool),
		now:      time.Now,
	}
}

// Hold buffers d against local. It returns false if d is already held or
// does not actually need to wait.
func (b *Buffer) Hold(d memory.Delta, local crdt.VectorClock) bool {
	agent, counter, blocked := missing(d, local)
	if !blocked {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	dot := dotKey{d.MemoryID, d.Origin, d.Seq()}
	if b.dots[dot] {
		deliveredTotal.WithLabelValues("duplicate").Inc()
		return false
	}
	b.dots[dot] = true
	b.put(depKey{d.MemoryID, agent, counter}, held{delta: d, since: b.now()})
	b.size++
	bufferedDeltas.Inc()
	deliveredTotal.WithLabelValues("held").Inc()
	return true
}

func (b *Buffer) put(k depKey, h held) {
	b.waiting[k] = append(b.waiting[k], h)
	keys := b.byMemory[k.memory]
	if keys == nil {
		keys = make(map[depKey]struct{})
		b.byMemory[k.memory] = keys
	}
	keys[k] = struct{}{}
}

// Release returns the held deltas for memoryID that are ready at local, in
// (origin, seq) order. Deltas still blocked are re-keyed on their next
// missing dependency.
func (b *Buffer) Release(memoryID string, local crdt.VectorClock) []memory.Delta {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ready []held
	for k := range b.byMemory[memoryID] {
		if local.Get(k.agent) < k.counter {
			continue
		}
		hs := b.waiting[k]
		delete(b.waiting, k)
		delete(b.byMemory[memoryID], k)
		for _, h := range hs {
			agent, counter, blocked := missing(h.delta, local)
			if blocked {
				b.put(depKey{memoryID, agent, counter}, h)
				continue
			}
			ready = append(ready, h)
		}
	}
	if len(b.byMemory[memoryID]) == 0 {
		delete(b.byMemory, memoryID)
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].delta.Origin != ready[j].delta.Origin {
			return ready[i].delta.Origin < ready[j].delta.Origin
		}
		return ready[i].delta.Seq() < ready[j].delta.Seq()
	})
	now := b.now()
	out := make([]memory.Delta, 0, len(ready))
	for _, h := range ready {
		delete(b.dots, dotKey{memoryID, h.delta.Origin, h.delta.Seq()})
		holdSeconds.Observe(now.Sub(h.since).Seconds())
		out = append(out, h.delta)
	}
	b.size -= len(out)
	bufferedDeltas.Sub(float64(len(out)))
	deliveredTotal.WithLabelValues("released").Add(float64(len(out)))
	return out
}

// Len is the number of held deltas.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Pending is the number of held deltas for one record.
func (b *Buffer) Pending(memoryID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for k := range b.byMemory[memoryID] {
		n += len(b.waiting[k])
	}
	return n
}

// Waiting lists the dependencies currently blocking memoryID, formatted as
// agent:counter, for diagnostics.
func (b *Buffer) Waiting(memoryID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for k := range b.byMemory[memoryID] {
		out = append(out, fmt.Sprintf("%s:%d", k.agent, k.counter))
	}
	sort.Strings(out)
	return out
}

// Oldest returns how long the oldest held delta has been waiting.
func (b *Buffer) Oldest() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	var oldest time.Time
	for _, hs := range b.waiting {
		for _, h := range hs {
			if oldest.IsZero() || h.since.Before(oldest) {
				oldest = h.since
			}
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return b.now().Sub(oldest)
}
