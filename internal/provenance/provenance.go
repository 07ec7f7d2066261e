// Package provenance records where a memory came from and every agent that
// touched it since, and walks that history across agents.
package provenance

import (
	"fmt"
	"time"
)

// Action is what an agent did to a memory.
type Action string

const (
	ActionCreated          Action = "created"
	ActionSharedTo         Action = "shared_to"
	ActionProjectedTo      Action = "projected_to"
	ActionMergedWith       Action = "merged_with"
	ActionConsolidatedFrom Action = "consolidated_from"
	ActionValidatedBy      Action = "validated_by"
	ActionUsedInDecision   Action = "used_in_decision"
	ActionCorrectedBy      Action = "corrected_by"
	ActionReclassifiedFrom Action = "reclassified_from"
)

var actions = map[Action]bool{
	ActionCreated: true, ActionSharedTo: true, ActionProjectedTo: true, ActionMergedWith: true,
	ActionConsolidatedFrom: true, ActionValidatedBy: true, ActionUsedInDecision: true,
	ActionCorrectedBy: true, ActionReclassifiedFrom: true,
}

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	if a := Action(s); actions[a] {
		return a, nil
	}
	return "", fmt.Errorf("unknown provenance action %q", s)
}

// OriginKind tags the Origin variant.
type OriginKind string

const (
	OriginHuman        OriginKind = "human"
	OriginAgentCreated OriginKind = "agent_created"
	OriginDerived      OriginKind = "derived"
	OriginImported     OriginKind = "imported"
	OriginProjected    OriginKind = "projected"
)

// Origin is how a memory first came to exist. Only the fields of its Kind
// are set.
type Origin struct {
	Kind           OriginKind `json:"kind"`
	SourceMemories []string   `json:"source_memories,omitempty"`
	Source         string     `json:"source,omitempty"`
	SourceAgent    string     `json:"source_agent,omitempty"`
	SourceMemory   string     `json:"source_memory,omitempty"`
}

func Human() Origin        { return Origin{Kind: OriginHuman} }
func AgentCreated() Origin { return Origin{Kind: OriginAgentCreated} }

func Derived(sources ...string) Origin {
	return Origin{Kind: OriginDerived, SourceMemories: sources}
}

func Imported(source string) Origin {
	return Origin{Kind: OriginImported, Source: source}
}

func Projected(sourceAgent, sourceMemory string) Origin {
	return Origin{Kind: OriginProjected, SourceAgent: sourceAgent, SourceMemory: sourceMemory}
}

// Upstream returns the memories this origin points back to.
func (o Origin) Upstream() []string {
	switch o.Kind {
	case OriginDerived:
		return o.SourceMemories
	case OriginProjected:
		if o.SourceMemory != "" {
			return []string{o.SourceMemory}
		}
	}
	return nil
}

// Hop is one step in a memory's history.
type Hop struct {
	AgentID         string    `json:"agent_id"`
	Action          Action    `json:"action"`
	Timestamp       time.Time `json:"timestamp"`
	ConfidenceDelta float64   `json:"confidence_delta"`
	Details         string    `json:"details,omitempty"`
}

// Validate checks the action and that the delta is within [-1, 1].
func (h Hop) Validate() error {
	if h.AgentID == "" {
		return fmt.Errorf("provenance hop: empty agent")
	}
	if _, err := ParseAction(string(h.Action)); err != nil {
		return err
	}
	if h.ConfidenceDelta < -1 || h.ConfidenceDelta > 1 {
		return fmt.Errorf("provenance hop: confidence delta %v outside [-1, 1]", h.ConfidenceDelta)
	}
	return nil
}

// Record is a memory's origin and append-only hop chain.
type Record struct {
	MemoryID string `json:"memory_id"`
	Origin   Origin `json:"origin"`
	Chain    []Hop  `json:"chain"`
}

// ChainConfidence multiplies (1 + delta) over the chain, clamped to [0, 1].
func (r Record) ChainConfidence() float64 {
	return ChainConfidence(r.Chain)
}

// ChainConfidence is the product of (1 + delta) over hops, clamped to [0, 1].
func ChainConfidence(hops []Hop) float64 {
	c := 1.0
	for _, h := range hops {
		c *= 1 + h.ConfidenceDelta
	}
	return clamp01(c)
}

// DetectOrigin infers an origin from the first hop when none was stored.
func DetectOrigin(chain []Hop) Origin {
	if len(chain) == 0 {
		return Human()
	}
	switch chain[0].Action {
	case ActionCreated:
		return AgentCreated()
	case ActionProjectedTo:
		return Origin{Kind: OriginProjected, SourceAgent: chain[0].AgentID}
	case ActionSharedTo:
		return Origin{Kind: OriginDerived}
	}
	return AgentCreated()
}

// Agents returns the distinct agents in the chain, in first-seen order.
func (r Record) Agents() []string {
	seen := map[string]bool{}
	var out []string
	for _, h := range r.Chain {
		if !seen[h.AgentID] {
			seen[h.AgentID] = true
			out = append(out, h.AgentID)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
