package crdt

import (
	"encoding/json"
	"errors"
	"sort"
)

// ErrCausalCycle is returned when a local edge would close a cycle.
var ErrCausalCycle = errors.New("causal cycle")

// Edge is a directed "source informs target" link between memories.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

func (e Edge) String() string {
	return e.Source + "->" + e.Target
}

func (e Edge) less(o Edge) bool {
	if e.Source != o.Source {
		return e.Source < o.Source
	}
	return e.Target < o.Target
}

// CausalGraph is a replicated DAG: edges live in an OR-Set, strengths in
// per-edge Max-Registers. Merges never drop edges, so concurrent inserts can
// produce a cycle; Cycles reports them.
type CausalGraph struct {
	edges     ORSet[Edge]
	strengths map[Edge]MaxRegister[float64]
	// seen holds the highest tag sequence observed per agent. Graphs only
	// replicate in full, so each entry is a prefix of that agent's ops.
	seen VectorClock
}

func (g *CausalGraph) observe(t Tag) {
	if g.seen == nil {
		g.seen = NewVectorClock()
	}
	if t.Seq > g.seen[t.Agent] {
		g.seen[t.Agent] = t.Seq
	}
}

// Seen returns the per-agent high-water mark of the operations this replica
// holds. The meet of every replica's Seen is a stable clock for Compact.
func (g CausalGraph) Seen() VectorClock {
	return g.seen.Clone()
}

// NewCausalGraph returns an empty graph.
func NewCausalGraph() CausalGraph {
	return CausalGraph{edges: NewORSet[Edge](), strengths: make(map[Edge]MaxRegister[float64])}
}

func (g *CausalGraph) init() {
	g.edges.init()
	if g.strengths == nil {
		g.strengths = make(map[Edge]MaxRegister[float64])
	}
}

// AddEdge inserts source->target. Self-loops and edges closing a cycle in the
// local view are rejected with ErrCausalCycle.
func (g *CausalGraph) AddEdge(source, target string, strength float64, tag Tag) error {
	g.init()
	if source == target {
		return ErrCausalCycle
	}
	if g.reachable(target, source) {
		return ErrCausalCycle
	}
	e := Edge{Source: source, Target: target}
	g.edges.Add(e, tag)
	g.observe(tag)
	reg := g.strengths[e]
	reg.Set(strength)
	g.strengths[e] = reg
	return nil
}

// RemoveEdge hides every observed tag of source->target.
func (g *CausalGraph) RemoveEdge(source, target string, by Tag) []Tag {
	g.init()
	g.observe(by)
	return g.edges.Remove(Edge{Source: source, Target: target}, by)
}

// UpdateStrength raises the strength of an existing edge. Lowering is a no-op.
func (g *CausalGraph) UpdateStrength(source, target string, strength float64) bool {
	g.init()
	e := Edge{Source: source, Target: target}
	if !g.edges.Contains(e) {
		return false
	}
	reg := g.strengths[e]
	reg.Set(strength)
	g.strengths[e] = reg
	return true
}

// Strength returns the strength of a live edge.
func (g CausalGraph) Strength(source, target string) (float64, bool) {
	e := Edge{Source: source, Target: target}
	if !g.edges.Contains(e) {
		return 0, false
	}
	return g.strengths[e].Value(), true
}

// HasEdge reports whether source->target is live.
func (g CausalGraph) HasEdge(source, target string) bool {
	return g.edges.Contains(Edge{Source: source, Target: target})
}

// Edges returns live edges sorted by (source, target).
func (g CausalGraph) Edges() []Edge {
	out := g.edges.Elements()
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}

// Merge joins edge sets and strengths.
func (g CausalGraph) Merge(o CausalGraph) CausalGraph {
	out := NewCausalGraph()
	out.edges = g.edges.Merge(o.edges)
	out.seen = g.seen.Merge(o.seen)
	for e, r := range g.strengths {
		out.strengths[e] = r
	}
	for e, r := range o.strengths {
		out.strengths[e] = out.strengths[e].Merge(r)
	}
	return out
}

// Compact forwards to the edge set; strengths of dropped edges go too.
func (g *CausalGraph) Compact(stable VectorClock) int {
	g.init()
	n := g.edges.Compact(stable)
	for e := range g.strengths {
		if !g.anyTag(e) {
			delete(g.strengths, e)
		}
	}
	return n
}

func (g CausalGraph) anyTag(e Edge) bool {
	for _, a := range g.edges.Adds() {
		if a.Elem == e {
			return true
		}
	}
	return false
}

func (g CausalGraph) adjacency() map[string][]string {
	adj := make(map[string][]string)
	for _, e := range g.Edges() {
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	return adj
}

func (g CausalGraph) reachable(from, to string) bool {
	adj := g.adjacency()
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == to {
			return true
		}
		for _, next := range adj[n] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// Cycles returns the edges of each strongly connected component that holds a
// cycle. Components and their edges are sorted, so output is stable.
func (g CausalGraph) Cycles() [][]Edge {
	adj := g.adjacency()
	nodes := make([]string, 0, len(adj))
	for n := range adj {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	// Tarjan's SCC.
	index := 0
	idx := map[string]int{}
	low := map[string]int{}
	onStack := map[string]bool{}
	var stack []string
	comp := map[string]int{}
	ncomp := 0

	var visit func(string)
	visit = func(v string) {
		idx[v] = index
		low[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true
		for _, w := range adj[v] {
			if _, ok := idx[w]; !ok {
				visit(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], idx[w])
			}
		}
		if low[v] == idx[v] {
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp[w] = ncomp
				if w == v {
					break
				}
			}
			ncomp++
		}
	}
	for _, n := range nodes {
		if _, ok := idx[n]; !ok {
			visit(n)
		}
	}

	byComp := map[int][]Edge{}
	for _, e := range g.Edges() {
		cs, okS := comp[e.Source]
		ct, okT := comp[e.Target]
		if okS && okT && cs == ct {
			byComp[cs] = append(byComp[cs], e)
		}
	}
	var out [][]Edge
	for _, edges := range byComp {
		out = append(out, edges)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0].less(out[j][0]) })
	return out
}

type graphJSON struct {
	Edges     ORSet[Edge]    `json:"edges"`
	Strengths []edgeStrength `json:"strengths,omitempty"`
	Seen      VectorClock    `json:"seen,omitempty"`
}

type edgeStrength struct {
	Edge
	Strength float64 `json:"strength"`
}

func (g CausalGraph) MarshalJSON() ([]byte, error) {
	raw := graphJSON{Edges: g.edges, Seen: g.seen}
	for e, r := range g.strengths {
		raw.Strengths = append(raw.Strengths, edgeStrength{Edge: e, Strength: r.Value()})
	}
	sort.Slice(raw.Strengths, func(i, j int) bool { return raw.Strengths[i].Edge.less(raw.Strengths[j].Edge) })
	return json.Marshal(raw)
}

func (g *CausalGraph) UnmarshalJSON(b []byte) error {
	var raw graphJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*g = NewCausalGraph()
	g.edges = raw.Edges
	g.edges.init()
	for _, s := range raw.Strengths {
		g.strengths[s.Edge] = NewMaxRegister(s.Strength)
	}
	if len(raw.Seen) > 0 {
		g.seen = raw.Seen
	}
	return nil
}
