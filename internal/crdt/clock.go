// Package crdt implements the conflict-free replicated data types used to
// represent a memory record. Every type exposes a pure Merge that forms a
// join-semilattice: commutative, associative and idempotent.
package crdt

import (
	"fmt"
	"sort"
	"strings"
)

// VectorClock maps an agent id to the number of events observed from it.
// The zero value (nil) is a valid, empty clock for reads; use NewVectorClock
// or Clone before calling Increment.
type VectorClock map[string]uint64

// NewVectorClock returns an empty clock.
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Get returns the counter for agent, 0 when absent.
func (c VectorClock) Get(agent string) uint64 {
	return c[agent]
}

// Increment bumps agent's counter in place and returns the new value.
func (c VectorClock) Increment(agent string) uint64 {
	c[agent]++
	return c[agent]
}

// Clone returns an independent copy.
func (c VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge returns the pointwise maximum of c and o.
func (c VectorClock) Merge(o VectorClock) VectorClock {
	out := c.Clone()
	for k, v := range o {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// Meet returns the pointwise minimum of c and o. Agents missing from either
// side count as 0 and are omitted from the result.
func (c VectorClock) Meet(o VectorClock) VectorClock {
	out := make(VectorClock)
	for k, v := range c {
		ov, ok := o[k]
		if !ok {
			continue
		}
		if ov < v {
			v = ov
		}
		if v > 0 {
			out[k] = v
		}
	}
	return out
}

// Covers reports whether c has observed everything o has (c >= o pointwise).
func (c VectorClock) Covers(o VectorClock) bool {
	for k, v := range o {
		if c[k] < v {
			return false
		}
	}
	return true
}

// Dominates reports whether c strictly happens-after o.
func (c VectorClock) Dominates(o VectorClock) bool {
	return c.Covers(o) && !o.Covers(c)
}

// Concurrent reports whether neither clock covers the other.
func (c VectorClock) Concurrent(o VectorClock) bool {
	return !c.Covers(o) && !o.Covers(c)
}

// Equal compares clocks ignoring zero entries.
func (c VectorClock) Equal(o VectorClock) bool {
	return c.Covers(o) && o.Covers(c)
}

// Agents returns the agent ids with a non-zero counter, sorted.
func (c VectorClock) Agents() []string {
	out := make([]string, 0, len(c))
	for k, v := range c {
		if v > 0 {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// String renders the clock deterministically, e.g. "{a:2,b:1}".
func (c VectorClock) String() string {
	agents := c.Agents()
	parts := make([]string, 0, len(agents))
	for _, a := range agents {
		parts = append(parts, fmt.Sprintf("%s:%d", a, c[a]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}
