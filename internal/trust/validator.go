package trust

import (
	"log/slog"
	"math"
	"time"
)

// Resolution is how a contradiction between two agents' memories settles.
type Resolution string

const (
	ResolutionTrustWins            Resolution = "trust_wins"
	ResolutionContextDependent     Resolution = "context_dependent"
	ResolutionTemporalSupersession Resolution = "temporal_supersession"
	ResolutionNeedsHumanReview     Resolution = "needs_human_review"
)

// Claim is one side of a contradiction.
type Claim struct {
	MemoryID   string    `json:"memory_id"`
	AgentID    string    `json:"agent_id"`
	Trust      float64   `json:"trust"`
	Tags       []string  `json:"tags,omitempty"`
	ValidTime  time.Time `json:"valid_time"`
	Confidence float64   `json:"confidence"`
}

// Contradiction is a resolved conflict between two claims. Winner is empty
// when the resolution does not pick one.
type Contradiction struct {
	A          Claim      `json:"a"`
	B          Claim      `json:"b"`
	Kind       string     `json:"kind,omitempty"`
	Resolution Resolution `json:"resolution"`
	Winner     string     `json:"winner,omitempty"`
}

// Validator resolves contradictions between agents deterministically.
type Validator struct {
	threshold float64
}

// NewValidator returns a validator that lets the more trusted side win when
// the trust gap exceeds threshold.
func NewValidator(threshold float64) *Validator {
	return &Validator{threshold: threshold}
}

// Resolve applies, in order: a large trust gap, disjoint tags (different
// contexts), a newer and more confident claim, and finally human review.
func (v *Validator) Resolve(kind string, a, b Claim) Contradiction {
	c := Contradiction{A: a, B: b, Kind: kind}
	switch {
	case math.Abs(a.Trust-b.Trust) > v.threshold:
		c.Resolution = ResolutionTrustWins
		c.Winner = a.MemoryID
		if b.Trust > a.Trust {
			c.Winner = b.MemoryID
		}
	case disjoint(a.Tags, b.Tags):
		c.Resolution = ResolutionContextDependent
	default:
		if newer, ok := supersedes(a, b); ok {
			c.Resolution = ResolutionTemporalSupersession
			c.Winner = newer.MemoryID
		} else {
			c.Resolution = ResolutionNeedsHumanReview
		}
	}
	slog.Warn("Trust: cross-agent contradiction", "memory_a", a.MemoryID, "agent_a", a.AgentID,
		"memory_b", b.MemoryID, "agent_b", b.AgentID, "resolution", c.Resolution, "winner", c.Winner)
	return c
}

func disjoint(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, t := range a {
		seen[t] = true
	}
	for _, t := range b {
		if seen[t] {
			return false
		}
	}
	return true
}

// supersedes reports the newer claim when it is at least an hour newer and
// more confident than the other.
func supersedes(a, b Claim) (Claim, bool) {
	newer, older := a, b
	if b.ValidTime.After(a.ValidTime) {
		newer, older = b, a
	}
	if newer.ValidTime.Sub(older.ValidTime) < time.Hour {
		return Claim{}, false
	}
	return newer, newer.Confidence > older.Confidence
}
