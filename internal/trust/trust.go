// Package trust scores how reliable one agent has found another agent's
// shared memories, from validation, usage and contradiction evidence.
package trust

import (
	"math"
	"time"
)

// BootstrapScore is the neutral trust held toward an agent with no evidence.
const BootstrapScore = 0.5

// Evidence counts interactions an agent had with another agent's memories.
type Evidence struct {
	Validated    uint64 `json:"validated_count"`
	Contradicted uint64 `json:"contradicted_count"`
	Useful       uint64 `json:"useful_count"`
	Total        uint64 `json:"total_received"`
}

// Score is ((validated+useful)/(total+1)) * (1 - contradicted/(total+1)),
// clamped to [0, 1]. Contradictions weigh on both factors.
func (e Evidence) Score() float64 {
	if e.Total == 0 {
		return BootstrapScore
	}
	n := float64(e.Total) + 1
	positive := float64(e.Validated+e.Useful) / n
	negative := 1 - float64(e.Contradicted)/n
	return clamp01(positive * negative)
}

// AgentTrust is what AgentID thinks of TargetAgent.
type AgentTrust struct {
	AgentID        string              `json:"agent_id"`
	TargetAgent    string              `json:"target_agent"`
	OverallTrust   float64             `json:"overall_trust"`
	DomainTrust    map[string]float64  `json:"domain_trust,omitempty"`
	Evidence       Evidence            `json:"evidence"`
	DomainEvidence map[string]Evidence `json:"domain_evidence,omitempty"`
	LastUpdated    time.Time           `json:"last_updated"`
}

// Bootstrap returns the record created on first interaction.
func Bootstrap(agent, target string, now time.Time) AgentTrust {
	return AgentTrust{
		AgentID:      agent,
		TargetAgent:  target,
		OverallTrust: BootstrapScore,
		LastUpdated:  now,
	}
}

// Decayed pulls the scores toward neutral by half of their distance from it
// per halfLife elapsed since the last evidence. Evidence is untouched.
func (t AgentTrust) Decayed(now time.Time, halfLife time.Duration) AgentTrust {
	elapsed := now.Sub(t.LastUpdated)
	if halfLife <= 0 || elapsed <= 0 {
		return t
	}
	k := math.Pow(0.5, elapsed.Hours()/halfLife.Hours())
	out := t
	out.OverallTrust = BootstrapScore + (t.OverallTrust-BootstrapScore)*k
	if len(t.DomainTrust) > 0 {
		out.DomainTrust = make(map[string]float64, len(t.DomainTrust))
		for d, v := range t.DomainTrust {
			out.DomainTrust[d] = BootstrapScore + (v-BootstrapScore)*k
		}
	}
	return out
}

// For returns the domain score when the domain has evidence, otherwise the
// overall score.
func (t AgentTrust) For(domain string) float64 {
	if v, ok := t.DomainTrust[domain]; ok && domain != "" {
		return v
	}
	return t.OverallTrust
}

// EffectiveConfidence is how confident a receiver should be in a memory
// from an agent it trusts this much.
func EffectiveConfidence(confidence, trust float64) float64 {
	return clamp01(confidence * trust)
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
