package crdt

import (
	"cmp"
	"fmt"
)

// LWWRegister holds a value stamped with (Timestamp, AgentID). The entry with
// the higher stamp wins; equal timestamps fall back to the agent id, so the
// order is total and every replica picks the same winner.
type LWWRegister[T any] struct {
	Val       T      `json:"value"`
	Timestamp int64  `json:"ts"`
	AgentID   string `json:"agent,omitempty"`
}

// NewLWWRegister returns a register already holding v.
func NewLWWRegister[T any](v T, ts int64, agent string) LWWRegister[T] {
	return LWWRegister[T]{Val: v, Timestamp: ts, AgentID: agent}
}

// Value returns the current winner.
func (r LWWRegister[T]) Value() T {
	return r.Val
}

// IsSet reports whether any write has been recorded.
func (r LWWRegister[T]) IsSet() bool {
	return r.Timestamp != 0 || r.AgentID != ""
}

// Set records a local write. Writes older than the current stamp are ignored.
func (r *LWWRegister[T]) Set(v T, ts int64, agent string) {
	*r = r.Merge(LWWRegister[T]{Val: v, Timestamp: ts, AgentID: agent})
}

// Merge keeps the entry with the higher (Timestamp, AgentID) pair.
func (r LWWRegister[T]) Merge(o LWWRegister[T]) LWWRegister[T] {
	if c := r.compare(o); c >= 0 {
		return r
	}
	return o
}

// Newer reports whether r would win a merge against o.
func (r LWWRegister[T]) Newer(o LWWRegister[T]) bool {
	return r.compare(o) > 0
}

// Same reports whether both registers hold the same stamp and value.
func (r LWWRegister[T]) Same(o LWWRegister[T]) bool {
	return r.compare(o) == 0
}

func (r LWWRegister[T]) compare(o LWWRegister[T]) int {
	if c := cmp.Compare(r.Timestamp, o.Timestamp); c != 0 {
		return c
	}
	if c := cmp.Compare(r.AgentID, o.AgentID); c != 0 {
		return c
	}
	// A single agent never stamps two values identically; this keeps merge
	// total even on malformed input.
	return cmp.Compare(fmt.Sprint(r.Val), fmt.Sprint(o.Val))
}

// MaxRegister only moves up: merge keeps the larger value regardless of when
// it was written.
type MaxRegister[T cmp.Ordered] struct {
	Val T `json:"value"`
}

// NewMaxRegister returns a register holding v.
func NewMaxRegister[T cmp.Ordered](v T) MaxRegister[T] {
	return MaxRegister[T]{Val: v}
}

// Value returns the maximum seen so far.
func (m MaxRegister[T]) Value() T {
	return m.Val
}

// Set raises the register to v if v is larger.
func (m *MaxRegister[T]) Set(v T) {
	*m = m.Merge(MaxRegister[T]{Val: v})
}

// Merge returns the larger of the two.
func (m MaxRegister[T]) Merge(o MaxRegister[T]) MaxRegister[T] {
	if cmp.Less(m.Val, o.Val) {
		return o
	}
	return m
}
