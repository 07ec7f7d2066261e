package engine

import (
	"context"
	"log/slog"

	"github.com/KafClaw/memmesh/internal/crdt"
	"github.com/KafClaw/memmesh/internal/memory"
	"github.com/KafClaw/memmesh/internal/namespace"
	"github.com/KafClaw/memmesh/internal/store"
)

// CompactResult counts what Compact dropped.
type CompactResult struct {
	Memories   int `json:"memories"`
	Tombstones int `json:"tombstones"`
	Edges      int `json:"edges"`
}

// Compact drops OR-Set tombstones that every holder has already seen. For
// a record, the stable clock is the meet of the record clocks of every
// agent that holds it or is expected to: the members of its namespace. A
// record some expected holder has not received yet is skipped. Causal graph
// tombstones are compacted against the meet of every stored graph.
func (e *Engine) Compact(ctx context.Context) (CompactResult, error) {
	var res CompactResult
	rs, err := e.store.ListReplicas(ctx, store.MemoryFilter{IncludeArchived: true})
	if err != nil {
		return res, err
	}
	byID := map[string][]*memory.Replica{}
	var order []string
	for _, r := range rs {
		if _, ok := byID[r.ID]; !ok {
			order = append(order, r.ID)
		}
		byID[r.ID] = append(byID[r.ID], r)
	}
	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		holders := byID[id]
		if !hasTombstones(holders) {
			continue
		}
		stable, ok, err := e.stableClock(ctx, holders)
		if err != nil {
			return res, err
		}
		if !ok {
			continue
		}
		n, err := e.compactRecord(ctx, holders, stable)
		if err != nil {
			return res, err
		}
		if n > 0 {
			res.Memories++
			res.Tombstones += n
		}
	}

	edges, err := e.compactGraphs(ctx)
	if err != nil {
		return res, err
	}
	res.Edges = edges
	if res.Tombstones > 0 || res.Edges > 0 {
		slog.Info("Engine: tombstones compacted", "memories", res.Memories, "tombstones", res.Tombstones, "edges", res.Edges)
	}
	return res, nil
}

func hasTombstones(rs []*memory.Replica) bool {
	for _, r := range rs {
		if r.Tombstones() > 0 {
			return true
		}
	}
	return false
}

// stableClock returns the meet of the holders' clocks. It reports false
// when an agent that should hold the record has no replica of it.
func (e *Engine) stableClock(ctx context.Context, holders []*memory.Replica) (crdt.VectorClock, bool, error) {
	held := map[string]bool{}
	for _, r := range holders {
		held[r.Owner] = true
	}
	for _, r := range holders {
		ns, err := namespace.Parse(r.Namespace.Value())
		if err != nil {
			return nil, false, nil
		}
		var want []string
		if ns.Shared() {
			if want, err = e.activeMembers(ctx, ns); err != nil {
				return nil, false, err
			}
		} else {
			want = []string{ns.Name}
		}
		for _, a := range want {
			if !held[a] {
				return nil, false, nil
			}
		}
	}
	stable := holders[0].Clock.Clone()
	for _, r := range holders[1:] {
		stable = stable.Meet(r.Clock)
	}
	return stable, true, nil
}

func (e *Engine) compactRecord(ctx context.Context, holders []*memory.Replica, stable crdt.VectorClock) (int, error) {
	total := 0
	for _, h := range holders {
		n, err := func() (int, error) {
			unlock := e.locks.lock(recordKey(h.Owner, h.ID))
			defer unlock()
			r, err := e.store.GetReplica(ctx, h.Owner, h.ID)
			if err != nil {
				return 0, err
			}
			n := r.Compact(stable)
			if n == 0 {
				return 0, nil
			}
			return n, e.store.PutReplica(ctx, r)
		}()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// compactGraphs compacts every stored causal graph against the meet of
// their high-water marks.
func (e *Engine) compactGraphs(ctx context.Context) (int, error) {
	agents, err := e.localAgents(ctx)
	if err != nil {
		return 0, err
	}
	var (
		stable crdt.VectorClock
		owners []string
	)
	for _, a := range agents {
		g, err := e.store.LoadGraph(ctx, a)
		if err != nil {
			return 0, err
		}
		if len(g.Edges()) == 0 && len(g.Seen()) == 0 {
			continue
		}
		seen := g.Seen()
		if stable == nil {
			stable = seen
		} else {
			stable = stable.Meet(seen)
		}
		owners = append(owners, a)
	}
	if len(stable) == 0 {
		return 0, nil
	}
	total := 0
	now := e.now()
	for _, a := range owners {
		n, err := func() (int, error) {
			unlock := e.locks.lock(recordKey(a, "causal-graph"))
			defer unlock()
			g, err := e.store.LoadGraph(ctx, a)
			if err != nil {
				return 0, err
			}
			n := g.Compact(stable)
			if n == 0 {
				return 0, nil
			}
			return n, e.store.SaveGraph(ctx, a, g, now)
		}()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
