package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/KafClaw/memmesh/internal/memory"
	"github.com/KafClaw/memmesh/internal/namespace"
	"github.com/KafClaw/memmesh/internal/provenance"
	"github.com/KafClaw/memmesh/internal/store"
	"github.com/KafClaw/memmesh/internal/trust"
)

// DefaultTraceDepth bounds TraceCrossAgent when the caller passes zero.
const DefaultTraceDepth = 10

// GetTrust returns agent's trust in target.
func (e *Engine) GetTrust(ctx context.Context, agent, target string) (trust.AgentTrust, error) {
	if err := e.requireMultiAgent(); err != nil {
		return trust.AgentTrust{}, err
	}
	agent, err := e.agent(ctx, agent)
	if err != nil {
		return trust.AgentTrust{}, err
	}
	if _, err := e.GetAgent(ctx, target); err != nil {
		return trust.AgentTrust{}, err
	}
	return e.scorer.Get(ctx, agent, target)
}

// ListTrust returns every trust record agent holds.
func (e *Engine) ListTrust(ctx context.Context, agent string) ([]trust.AgentTrust, error) {
	if err := e.requireMultiAgent(); err != nil {
		return nil, err
	}
	agent, err := e.agent(ctx, agent)
	if err != nil {
		return nil, err
	}
	return e.scorer.List(ctx, agent)
}

// RecordValidation records that agent confirmed a memory written by target.
// With a memory id the evidence also counts toward the memory's type and a
// ValidatedBy hop is appended to its provenance.
func (e *Engine) RecordValidation(ctx context.Context, agent, target, memoryID string) (trust.AgentTrust, error) {
	return e.evidence(ctx, trust.KindValidation, agent, target, memoryID)
}

// RecordContradiction records that agent found a memory by target wrong.
func (e *Engine) RecordContradiction(ctx context.Context, agent, target, memoryID string) (trust.AgentTrust, error) {
	return e.evidence(ctx, trust.KindContradiction, agent, target, memoryID)
}

// RecordUsage records that agent relied on a memory by target in a
// decision.
func (e *Engine) RecordUsage(ctx context.Context, agent, target, memoryID string) (trust.AgentTrust, error) {
	return e.evidence(ctx, trust.KindUsage, agent, target, memoryID)
}

func (e *Engine) evidence(ctx context.Context, kind trust.Kind, agent, target, memoryID string) (trust.AgentTrust, error) {
	if err := e.requireMultiAgent(); err != nil {
		return trust.AgentTrust{}, err
	}
	agent, err := e.agent(ctx, agent)
	if err != nil {
		return trust.AgentTrust{}, err
	}
	if _, err := e.GetAgent(ctx, target); err != nil {
		return trust.AgentTrust{}, err
	}
	var domain string
	if memoryID != "" {
		r, err := e.replica(ctx, agent, memoryID)
		if err != nil {
			return trust.AgentTrust{}, err
		}
		domain = r.MemoryType.Value()
	}
	t, err := e.scorer.Record(ctx, kind, agent, target, domain)
	var ids []string
	if memoryID != "" {
		ids = []string{memoryID}
	}
	e.audit(ctx, agent, target, "trust_"+string(kind), ids, outcome(err), domain)
	if err != nil {
		return trust.AgentTrust{}, err
	}
	if memoryID != "" {
		if action, ok := evidenceHops[kind]; ok {
			if err := e.tracker.Record(ctx, memoryID, provenance.Hop{AgentID: agent, Action: action}); err != nil {
				slog.Warn("Engine: provenance hop failed", "memory_id", memoryID, "action", action, "error", err)
			}
		}
	}
	return t, nil
}

var evidenceHops = map[trust.Kind]provenance.Action{
	trust.KindValidation: provenance.ActionValidatedBy,
	trust.KindUsage:      provenance.ActionUsedInDecision,
}

// CorrectionResult is the outcome of CorrectMemory.
type CorrectionResult struct {
	Memory        MemoryView                  `json:"memory"`
	Steps         []provenance.CorrectionStep `json:"steps"`
	PendingReview int                         `json:"pending_review"`
}

// CorrectMemory replaces the content of agent's replica and propagates the
// correction upstream through its provenance. Every upstream agent reached
// by an applied step receives contradiction evidence from the corrector;
// weaker steps are only reported for review.
func (e *Engine) CorrectMemory(ctx context.Context, agent, memoryID, content, reason string) (CorrectionResult, error) {
	agent, err := e.agent(ctx, agent)
	if err != nil {
		return CorrectionResult{}, err
	}
	before, r, d, err := e.edit(ctx, agent, memoryID, []namespace.Permission{namespace.PermWrite}, func(ed *memory.Editor) {
		ed.SetContent(content)
	})
	if err != nil {
		return CorrectionResult{}, err
	}
	e.afterChange(ctx, agent, before, r, d)

	steps, err := e.corrections.Propagate(ctx, memoryID, agent, reason)
	if err != nil {
		return CorrectionResult{}, err
	}
	res := CorrectionResult{Memory: e.view(ctx, agent, r), Steps: steps}
	blamed := map[string]bool{agent: true}
	for _, s := range steps {
		if !s.Applied {
			res.PendingReview++
			slog.Info("Engine: correction pending review", "memory_id", s.MemoryID, "agent", s.AgentID, "distance", s.Distance, "strength", s.Strength)
			continue
		}
		if s.Distance == 0 || blamed[s.AgentID] || !e.cfg.MultiAgent.Enabled {
			continue
		}
		blamed[s.AgentID] = true
		if _, err := e.scorer.RecordContradiction(ctx, agent, s.AgentID, r.MemoryType.Value()); err != nil {
			slog.Warn("Engine: correction evidence failed", "agent", agent, "target", s.AgentID, "error", err)
		}
	}
	e.audit(ctx, agent, r.SourceAgent, "correct", []string{memoryID}, store.OutcomeOK,
		fmt.Sprintf("steps=%d pending_review=%d", len(steps), res.PendingReview))
	return res, nil
}

// ResolveContradiction settles a contradiction between two memories agent
// holds. When one side wins, the losing author receives contradiction
// evidence from agent.
func (e *Engine) ResolveContradiction(ctx context.Context, agent, memA, memB, kind string) (trust.Contradiction, error) {
	if err := e.requireMultiAgent(); err != nil {
		return trust.Contradiction{}, err
	}
	agent, err := e.agent(ctx, agent)
	if err != nil {
		return trust.Contradiction{}, err
	}
	a, err := e.claim(ctx, agent, memA)
	if err != nil {
		return trust.Contradiction{}, err
	}
	b, err := e.claim(ctx, agent, memB)
	if err != nil {
		return trust.Contradiction{}, err
	}
	c := e.validator.Resolve(kind, a, b)

	if c.Winner != "" {
		loser := a
		if c.Winner == a.MemoryID {
			loser = b
		}
		if loser.AgentID != "" && loser.AgentID != agent {
			if _, err := e.scorer.RecordContradiction(ctx, agent, loser.AgentID, ""); err != nil {
				slog.Warn("Engine: contradiction evidence failed", "agent", agent, "target", loser.AgentID, "error", err)
			}
		}
	}
	out := store.OutcomeOK
	if c.Resolution == trust.ResolutionNeedsHumanReview {
		out = store.OutcomeFlagged
	}
	target := b.AgentID
	if target == agent {
		target = a.AgentID
	}
	e.audit(ctx, agent, target, "resolve_contradiction", []string{memA, memB}, out, string(c.Resolution))
	return c, nil
}

func (e *Engine) claim(ctx context.Context, agent, memoryID string) (trust.Claim, error) {
	r, err := e.replica(ctx, agent, memoryID)
	if err != nil {
		return trust.Claim{}, err
	}
	v := e.view(ctx, agent, r)
	at := v.ValidTime
	if at.IsZero() {
		at = v.CreatedAt
	}
	return trust.Claim{
		MemoryID:   memoryID,
		AgentID:    v.SourceAgent,
		Trust:      v.SourceTrust,
		Tags:       v.Tags,
		ValidTime:  at,
		Confidence: v.BaseConfidence,
	}, nil
}

// GetProvenance returns the provenance record of a memory agent can read.
func (e *Engine) GetProvenance(ctx context.Context, agent, memoryID string) (provenance.Record, error) {
	if _, err := e.GetMemory(ctx, agent, memoryID); err != nil {
		return provenance.Record{}, err
	}
	return e.tracker.Get(ctx, memoryID)
}

// TraceCrossAgent walks a memory's history across the agents and memories
// it came from, at most maxDepth hops.
func (e *Engine) TraceCrossAgent(ctx context.Context, agent, memoryID string, maxDepth int) (provenance.Trace, error) {
	if _, err := e.GetMemory(ctx, agent, memoryID); err != nil {
		return provenance.Trace{}, err
	}
	if maxDepth == 0 {
		maxDepth = DefaultTraceDepth
	}
	return e.tracker.Trace(ctx, memoryID, maxDepth)
}
