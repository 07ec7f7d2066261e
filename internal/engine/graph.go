package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/KafClaw/memmesh/internal/crdt"
	"github.com/KafClaw/memmesh/internal/provenance"
	"github.com/KafClaw/memmesh/internal/store"
)

// GraphView is an agent's causal graph replica.
type GraphView struct {
	Agent  string        `json:"agent"`
	Edges  []GraphEdge   `json:"edges"`
	Cycles [][]crdt.Edge `json:"cycles,omitempty"`
}

// GraphEdge is a live edge and its strength.
type GraphEdge struct {
	crdt.Edge
	Strength float64 `json:"strength"`
}

// AddCausalEdge records that source informed target in agent's causal
// graph. Edges that would close a cycle locally are rejected with
// crdt.ErrCausalCycle; cycles formed by concurrent inserts elsewhere are
// only flagged when graphs merge.
func (e *Engine) AddCausalEdge(ctx context.Context, agent, source, target string, strength float64) error {
	agent, err := e.agent(ctx, agent)
	if err != nil {
		return err
	}
	for _, id := range []string{source, target} {
		if _, err := e.GetMemory(ctx, agent, id); err != nil {
			return err
		}
	}
	if strength <= 0 || strength > 1 {
		strength = 1
	}

	unlock := e.locks.lock(recordKey(agent, "causal-graph"))
	defer unlock()
	g, err := e.store.LoadGraph(ctx, agent)
	if err != nil {
		return err
	}
	now := e.now()
	if err := g.AddEdge(source, target, strength, crdt.Tag{Agent: agent, Seq: uint64(now.UnixNano())}); err != nil {
		if errors.Is(err, crdt.ErrCausalCycle) {
			slog.Warn("Engine: causal edge rejected", "agent", agent, "source", source, "target", target)
			e.audit(ctx, agent, "", "causal_edge", []string{source, target}, store.OutcomeFlagged, err.Error())
		}
		return fmt.Errorf("causal edge %s->%s: %w", source, target, err)
	}
	if err := e.store.SaveGraph(ctx, agent, g, now); err != nil {
		return err
	}
	return e.tracker.Relate(ctx, provenance.Relation{
		SourceMemory: source,
		TargetMemory: target,
		Kind:         provenance.RelationInformedBy,
		Strength:     strength,
		CreatedBy:    agent,
	})
}

// RemoveCausalEdge hides source->target in agent's causal graph. The
// tombstone replicates with the graph and is compacted once every stored
// graph has seen it.
func (e *Engine) RemoveCausalEdge(ctx context.Context, agent, source, target string) error {
	agent, err := e.agent(ctx, agent)
	if err != nil {
		return err
	}
	unlock := e.locks.lock(recordKey(agent, "causal-graph"))
	defer unlock()
	g, err := e.store.LoadGraph(ctx, agent)
	if err != nil {
		return err
	}
	if !g.HasEdge(source, target) {
		return fmt.Errorf("causal edge %s->%s: %w", source, target, ErrEdgeNotFound)
	}
	now := e.now()
	g.RemoveEdge(source, target, crdt.Tag{Agent: agent, Seq: uint64(now.UnixNano())})
	if err := e.store.SaveGraph(ctx, agent, g, now); err != nil {
		return err
	}
	e.audit(ctx, agent, "", "causal_edge_removed", []string{source, target}, store.OutcomeOK, "")
	return nil
}

// CausalGraph returns agent's causal graph with any cycles it holds.
func (e *Engine) CausalGraph(ctx context.Context, agent string) (GraphView, error) {
	agent, err := e.agent(ctx, agent)
	if err != nil {
		return GraphView{}, err
	}
	g, err := e.store.LoadGraph(ctx, agent)
	if err != nil {
		return GraphView{}, err
	}
	v := GraphView{Agent: agent, Cycles: g.Cycles()}
	for _, edge := range g.Edges() {
		s, _ := g.Strength(edge.Source, edge.Target)
		v.Edges = append(v.Edges, GraphEdge{Edge: edge, Strength: s})
	}
	return v, nil
}
