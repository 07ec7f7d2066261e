package provenance

import (
	"context"
	"fmt"
	"log/slog"
	"math"
)

// CorrectionConfig tunes correction propagation.
type CorrectionConfig struct {
	// Dampening is the per-hop decay of correction strength.
	Dampening float64 `json:"dampening" envconfig:"DAMPENING"`
	// AutoApplyThreshold is the minimum strength applied without review.
	AutoApplyThreshold float64 `json:"auto_apply_threshold" envconfig:"AUTO_APPLY_THRESHOLD"`
	// MinStrength stops the walk entirely.
	MinStrength float64 `json:"min_strength" envconfig:"MIN_STRENGTH"`
}

// DefaultCorrectionConfig applies corrections up to two hops upstream
// (0.7, 0.49) and lists weaker ones for review.
func DefaultCorrectionConfig() CorrectionConfig {
	return CorrectionConfig{Dampening: 0.7, AutoApplyThreshold: 0.4, MinStrength: 0.05}
}

// CorrectionStep is one point the correction reached.
type CorrectionStep struct {
	Distance int     `json:"distance"`
	MemoryID string  `json:"memory_id"`
	AgentID  string  `json:"agent_id"`
	Action   Action  `json:"action"`
	Strength float64 `json:"strength"`
	Applied  bool    `json:"applied"`
	// ConfidenceDelta is set on the step that recorded a CorrectedBy hop on
	// an upstream memory.
	ConfidenceDelta float64 `json:"confidence_delta,omitempty"`
}

// CorrectionPropagator walks provenance backward from a corrected memory.
type CorrectionPropagator struct {
	tracker *Tracker
	cfg     CorrectionConfig
}

// NewCorrectionPropagator returns a propagator using cfg.
func NewCorrectionPropagator(tracker *Tracker, cfg CorrectionConfig) *CorrectionPropagator {
	if cfg.Dampening <= 0 || cfg.Dampening >= 1 {
		cfg.Dampening = DefaultCorrectionConfig().Dampening
	}
	if cfg.MinStrength <= 0 {
		cfg.MinStrength = DefaultCorrectionConfig().MinStrength
	}
	return &CorrectionPropagator{tracker: tracker, cfg: cfg}
}

// Strength is dampening^distance.
func (p *CorrectionPropagator) Strength(distance int) float64 {
	return math.Pow(p.cfg.Dampening, float64(distance))
}

// Propagate records a CorrectedBy hop on memoryID (distance 0) and then
// walks the existing history newest first: the memory's own earlier hops,
// then the memories it came from. Steps weaker than the auto-apply
// threshold are returned unapplied for review; the walk stops once strength
// falls below MinStrength. Each upstream memory reached by an applied step
// gets its own CorrectedBy hop carrying -(1-strength)/10, recorded once at
// the strongest step that reached it.
func (p *CorrectionPropagator) Propagate(ctx context.Context, memoryID, corrector, reason string) ([]CorrectionStep, error) {
	steps, err := p.tracker.collect(ctx, memoryID, map[string]bool{})
	if err != nil {
		return nil, err
	}
	if err := p.tracker.Record(ctx, memoryID, Hop{
		AgentID: corrector,
		Action:  ActionCorrectedBy,
		Details: reason,
	}); err != nil {
		return nil, fmt.Errorf("correct %s: %w", memoryID, err)
	}

	out := []CorrectionStep{{
		Distance: 0,
		MemoryID: memoryID,
		AgentID:  corrector,
		Action:   ActionCorrectedBy,
		Strength: 1,
		Applied:  true,
	}}
	for i := len(steps) - 1; i >= 0; i-- {
		d := len(steps) - i
		strength := p.Strength(d)
		if strength < p.cfg.MinStrength {
			break
		}
		s := steps[i]
		out = append(out, CorrectionStep{
			Distance: d,
			MemoryID: s.MemoryID,
			AgentID:  s.AgentID,
			Action:   s.Action,
			Strength: strength,
			Applied:  strength >= p.cfg.AutoApplyThreshold,
		})
	}
	pending := 0
	marked := map[string]bool{memoryID: true}
	for i := range out {
		s := &out[i]
		if !s.Applied {
			pending++
			continue
		}
		if marked[s.MemoryID] {
			continue
		}
		marked[s.MemoryID] = true
		s.ConfidenceDelta = -(1 - s.Strength) * 0.1
		if err := p.tracker.Record(ctx, s.MemoryID, Hop{
			AgentID:         corrector,
			Action:          ActionCorrectedBy,
			ConfidenceDelta: s.ConfidenceDelta,
			Details:         reason,
		}); err != nil {
			return out, fmt.Errorf("correct upstream %s: %w", s.MemoryID, err)
		}
	}
	slog.Info("Provenance: correction propagated", "memory_id", memoryID, "corrector", corrector, "steps", len(out), "pending_review", pending)
	return out, nil
}
