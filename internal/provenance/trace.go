package provenance

import (
	"context"
	"fmt"
	"time"
)

// TraceStep is one hop in a cross-agent trace.
type TraceStep struct {
	MemoryID        string    `json:"memory_id"`
	AgentID         string    `json:"agent_id"`
	Action          Action    `json:"action"`
	ConfidenceDelta float64   `json:"confidence_delta"`
	Timestamp       time.Time `json:"timestamp"`
}

// Trace is the ordered history that led to a memory, upstream memories first.
type Trace struct {
	MemoryID        string      `json:"memory_id"`
	Steps           []TraceStep `json:"steps"`
	AgentsInvolved  []string    `json:"agents_involved"`
	HopCount        int         `json:"hop_count"`
	ConfidenceChain []float64   `json:"confidence_chain"`
	TotalConfidence float64     `json:"total_confidence"`
	Truncated       bool        `json:"truncated,omitempty"`
}

// Trace walks memoryID's chain and, through origins and informed_by links,
// the chains of the memories it came from. When the history is longer than
// maxDepth, the hops furthest upstream are dropped; what remains is returned
// oldest first.
func (t *Tracker) Trace(ctx context.Context, memoryID string, maxDepth int) (Trace, error) {
	if maxDepth < 1 {
		return Trace{}, fmt.Errorf("trace: max depth must be at least 1, got %d", maxDepth)
	}
	steps, err := t.collect(ctx, memoryID, map[string]bool{})
	if err != nil {
		return Trace{}, err
	}
	tr := Trace{MemoryID: memoryID}
	if len(steps) > maxDepth {
		steps = steps[len(steps)-maxDepth:]
		tr.Truncated = true
	}
	tr.Steps = steps
	tr.HopCount = len(steps)

	seen := map[string]bool{}
	total := 1.0
	for _, s := range steps {
		if !seen[s.AgentID] {
			seen[s.AgentID] = true
			tr.AgentsInvolved = append(tr.AgentsInvolved, s.AgentID)
		}
		f := 1 + s.ConfidenceDelta
		tr.ConfidenceChain = append(tr.ConfidenceChain, f)
		total *= f
	}
	tr.TotalConfidence = clamp01(total)
	return tr, nil
}

func (t *Tracker) collect(ctx context.Context, memoryID string, visited map[string]bool) ([]TraceStep, error) {
	if visited[memoryID] {
		return nil, nil
	}
	visited[memoryID] = true

	rec, err := t.Get(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	ups, err := t.upstream(ctx, rec)
	if err != nil {
		return nil, err
	}
	var out []TraceStep
	for _, up := range ups {
		s, err := t.collect(ctx, up, visited)
		if err != nil {
			return nil, err
		}
		out = append(out, s...)
	}
	for _, h := range rec.Chain {
		out = append(out, TraceStep{
			MemoryID:        memoryID,
			AgentID:         h.AgentID,
			Action:          h.Action,
			ConfidenceDelta: h.ConfidenceDelta,
			Timestamp:       h.Timestamp,
		})
	}
	return out, nil
}
