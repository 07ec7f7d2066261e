package crdt

import (
	"fmt"
	"sort"
)

// MVEntry is one value held by an MVRegister, stamped with the clock of the
// write that produced it.
type MVEntry[T any] struct {
	Value T           `json:"value"`
	Clock VectorClock `json:"clock"`
}

// MVRegister keeps every value whose write is not causally dominated by
// another. A single entry means no conflict; several mean concurrent writers.
type MVRegister[T any] struct {
	Entries []MVEntry[T] `json:"entries,omitempty"`
}

// Set records a local write made with clock. Existing entries covered by
// clock are replaced.
func (m *MVRegister[T]) Set(v T, clock VectorClock) {
	*m = m.Merge(MVRegister[T]{Entries: []MVEntry[T]{{Value: v, Clock: clock.Clone()}}})
}

// Values returns the surviving values in deterministic order.
func (m MVRegister[T]) Values() []T {
	out := make([]T, 0, len(m.Entries))
	for _, e := range m.Entries {
		out = append(out, e.Value)
	}
	return out
}

// Conflicted reports whether concurrent writes are outstanding.
func (m MVRegister[T]) Conflicted() bool {
	return len(m.Entries) > 1
}

// Resolve collapses the register to v with a clock covering every entry, so
// the resolution dominates all conflicting writes once it replicates.
func (m *MVRegister[T]) Resolve(v T, agent string) VectorClock {
	clock := NewVectorClock()
	for _, e := range m.Entries {
		clock = clock.Merge(e.Clock)
	}
	clock.Increment(agent)
	m.Entries = []MVEntry[T]{{Value: v, Clock: clock}}
	return clock
}

// Merge unions both entry sets and drops anything strictly dominated.
func (m MVRegister[T]) Merge(o MVRegister[T]) MVRegister[T] {
	all := make([]MVEntry[T], 0, len(m.Entries)+len(o.Entries))
	all = append(all, m.Entries...)
	all = append(all, o.Entries...)

	seen := make(map[string]bool, len(all))
	var kept []MVEntry[T]
	for i, e := range all {
		dominated := false
		for j, f := range all {
			if i != j && f.Clock.Dominates(e.Clock) {
				dominated = true
				break
			}
		}
		if dominated {
			continue
		}
		key := mvKey(e)
		if seen[key] {
			continue
		}
		seen[key] = true
		kept = append(kept, MVEntry[T]{Value: e.Value, Clock: e.Clock.Clone()})
	}
	sort.Slice(kept, func(i, j int) bool { return mvKey(kept[i]) < mvKey(kept[j]) })
	return MVRegister[T]{Entries: kept}
}

func mvKey[T any](e MVEntry[T]) string {
	return e.Clock.String() + "|" + fmt.Sprint(e.Value)
}
