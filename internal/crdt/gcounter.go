package crdt

// GCounter is a grow-only counter with one monotonic slot per agent.
type GCounter struct {
	Counts map[string]uint64 `json:"counts"`
}

// NewGCounter returns an empty counter.
func NewGCounter() GCounter {
	return GCounter{Counts: make(map[string]uint64)}
}

// Increment adds one to agent's slot.
func (g *GCounter) Increment(agent string) {
	g.Add(agent, 1)
}

// Add adds n to agent's slot.
func (g *GCounter) Add(agent string, n uint64) {
	if g.Counts == nil {
		g.Counts = make(map[string]uint64)
	}
	g.Counts[agent] += n
}

// Get returns agent's local count.
func (g GCounter) Get(agent string) uint64 {
	return g.Counts[agent]
}

// Value is the sum over all agents.
func (g GCounter) Value() uint64 {
	var total uint64
	for _, n := range g.Counts {
		total += n
	}
	return total
}

// Merge takes the per-agent maximum.
func (g GCounter) Merge(o GCounter) GCounter {
	out := NewGCounter()
	for a, n := range g.Counts {
		out.Counts[a] = n
	}
	for a, n := range o.Counts {
		if n > out.Counts[a] {
			out.Counts[a] = n
		}
	}
	return out
}

// Equal compares slot by slot, treating missing slots as zero.
func (g GCounter) Equal(o GCounter) bool {
	for a, n := range g.Counts {
		if o.Counts[a] != n {
			return false
		}
	}
	for a, n := range o.Counts {
		if g.Counts[a] != n {
			return false
		}
	}
	return true
}
