package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/memmesh/internal/memory"
	"github.com/KafClaw/memmesh/internal/namespace"
	"github.com/KafClaw/memmesh/internal/provenance"
	"github.com/KafClaw/memmesh/internal/store"
	"github.com/KafClaw/memmesh/internal/trust"
)

// DefaultMemoryType is used when a new memory names no type.
const DefaultMemoryType = "semantic"

// MemoryInput describes a new memory.
type MemoryInput struct {
	// Namespace defaults to the creating agent's own namespace.
	Namespace       string            `json:"namespace,omitempty"`
	MemoryType      string            `json:"memory_type,omitempty"`
	Summary         string            `json:"summary,omitempty"`
	Content         string            `json:"content"`
	Importance      string            `json:"importance,omitempty"`
	Confidence      float64           `json:"confidence,omitempty"` // 0 means 1.0
	Tags            []string          `json:"tags,omitempty"`
	LinkedFiles     []string          `json:"linked_files,omitempty"`
	LinkedFunctions []string          `json:"linked_functions,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ValidTime       time.Time         `json:"valid_time,omitzero"`
}

func (in MemoryInput) apply(ed *memory.Editor) {
	typ := strings.TrimSpace(in.MemoryType)
	if typ == "" {
		typ = DefaultMemoryType
	}
	ed.SetMemoryType(typ)
	setIf(ed.SetSummary, in.Summary)
	setIf(ed.SetContent, in.Content)
	setIf(ed.SetImportance, in.Importance)
	conf := in.Confidence
	if conf <= 0 {
		conf = 1
	}
	ed.RaiseConfidence(conf)
	for _, t := range in.Tags {
		ed.AddTag(t)
	}
	for _, f := range in.LinkedFiles {
		ed.Add(memory.FieldLinkedFiles, f)
	}
	for _, f := range in.LinkedFunctions {
		ed.Add(memory.FieldLinkedFunctions, f)
	}
	for k, v := range in.Metadata {
		ed.SetMetadata(k, v)
	}
	if !in.ValidTime.IsZero() {
		ed.SetTime(memory.FieldValidTime, in.ValidTime)
	}
}

func setIf(set func(string), v string) {
	if v != "" {
		set(v)
	}
}

// copyInto writes the user-visible attributes of s through ed. Counters and
// clocks are not copied; the copy starts its own history.
func copyInto(ed *memory.Editor, s memory.Snapshot) {
	ed.SetMemoryType(s.MemoryType)
	setIf(ed.SetSummary, s.Summary)
	setIf(ed.SetContent, s.Content)
	setIf(ed.SetImportance, s.Importance)
	setIf(ed.SetSupersededBy, s.SupersededBy)
	ed.RaiseConfidence(s.BaseConfidence)
	if !s.ValidTime.IsZero() {
		ed.SetTime(memory.FieldValidTime, s.ValidTime)
	}
	if !s.ValidUntil.IsZero() {
		ed.SetTime(memory.FieldValidUntil, s.ValidUntil)
	}
	sets := []struct {
		f    memory.Field
		vals []string
	}{
		{memory.FieldTags, s.Tags},
		{memory.FieldLinkedFiles, s.LinkedFiles},
		{memory.FieldLinkedFunctions, s.LinkedFunctions},
		{memory.FieldLinkedPatterns, s.LinkedPatterns},
		{memory.FieldLinkedConstraints, s.LinkedConstraints},
		{memory.FieldSupersedes, s.Supersedes},
	}
	for _, set := range sets {
		for _, v := range set.vals {
			ed.Add(set.f, v)
		}
	}
	for k, v := range s.Metadata {
		if k != metaProjection {
			ed.SetMetadata(k, v)
		}
	}
}

// MemoryView is a replica as its owner sees it. ViewConfidence scales the
// effective confidence by the owner's trust in the memory's author.
type MemoryView struct {
	memory.Snapshot
	SourceTrust    float64 `json:"source_trust"`
	ViewConfidence float64 `json:"view_confidence"`
}

func (e *Engine) view(ctx context.Context, agent string, r *memory.Replica) MemoryView {
	v := MemoryView{Snapshot: r.Snapshot(), SourceTrust: 1}
	if e.cfg.MultiAgent.Enabled && r.SourceAgent != "" && r.SourceAgent != agent {
		if t, err := e.scorer.Score(ctx, agent, r.SourceAgent, v.MemoryType); err == nil {
			v.SourceTrust = t
		} else {
			slog.Warn("Engine: trust lookup failed", "agent", agent, "source", r.SourceAgent, "error", err)
		}
	}
	v.ViewConfidence = trust.EffectiveConfidence(v.EffectiveConfidence, v.SourceTrust)
	return v
}

// CreateMemory stores a new memory owned by agent. The acting agent needs
// Write on the namespace.
func (e *Engine) CreateMemory(ctx context.Context, agent string, in MemoryInput) (MemoryView, error) {
	agent, err := e.agent(ctx, agent)
	if err != nil {
		return MemoryView{}, err
	}
	ns := namespace.ForAgent(agent)
	if in.Namespace != "" {
		if ns, err = namespace.Parse(in.Namespace); err != nil {
			return MemoryView{}, err
		}
		if !e.cfg.MultiAgent.Enabled && ns != namespace.ForAgent(agent) {
			return MemoryView{}, fmt.Errorf("%w: namespace %s", ErrMultiAgentDisabled, ns)
		}
	}
	if err := e.namespaces.Check(ctx, ns, agent, namespace.PermWrite); err != nil {
		return MemoryView{}, err
	}

	now := e.now()
	id := uuid.New().String()
	st, d, err := memory.Edit(memory.NewState(id, agent), agent, now, func(ed *memory.Editor) {
		ed.SetNamespace(ns.String())
		in.apply(ed)
	})
	if err != nil {
		return MemoryView{}, fmt.Errorf("create memory: %w", err)
	}
	r := memory.NewReplica(agent, st, now, e.decay())
	if err := e.store.PutReplica(ctx, r); err != nil {
		return MemoryView{}, fmt.Errorf("create memory: %w", err)
	}
	if err := e.tracker.Begin(ctx, id, provenance.AgentCreated(), provenance.Hop{
		AgentID: agent,
		Action:  provenance.ActionCreated,
	}); err != nil {
		return MemoryView{}, err
	}
	slog.Info("Engine: memory created", "agent", agent, "memory_id", id, "namespace", ns.String())
	e.afterChange(ctx, agent, ns, r, d)
	return e.view(ctx, agent, r), nil
}

// MutateMemory applies fn to agent's replica. Read-only projected copies
// reject every mutation.
func (e *Engine) MutateMemory(ctx context.Context, agent, memoryID string, fn func(*memory.Editor)) (MemoryView, error) {
	agent, err := e.agent(ctx, agent)
	if err != nil {
		return MemoryView{}, err
	}
	before, r, d, err := e.edit(ctx, agent, memoryID, []namespace.Permission{namespace.PermWrite}, fn)
	if err != nil {
		return MemoryView{}, err
	}
	e.afterChange(ctx, agent, before, r, d)
	return e.view(ctx, agent, r), nil
}

// GetMemory returns agent's replica of memoryID.
func (e *Engine) GetMemory(ctx context.Context, agent, memoryID string) (MemoryView, error) {
	agent, err := e.agent(ctx, agent)
	if err != nil {
		return MemoryView{}, err
	}
	r, err := e.replica(ctx, agent, memoryID)
	if err != nil {
		return MemoryView{}, err
	}
	ns, err := namespace.Parse(r.Namespace.Value())
	if err != nil {
		return MemoryView{}, err
	}
	if err := e.namespaces.Check(ctx, ns, agent, namespace.PermRead); err != nil {
		return MemoryView{}, err
	}
	if e.cfg.MultiAgent.AuditReads && r.SourceAgent != "" && r.SourceAgent != agent {
		e.audit(ctx, agent, r.SourceAgent, "read", []string{memoryID}, store.OutcomeOK, ns.String())
	}
	return e.view(ctx, agent, r), nil
}

// ListMemories returns agent's replicas, optionally limited to one
// namespace.
func (e *Engine) ListMemories(ctx context.Context, agent, uri string, includeArchived bool) ([]MemoryView, error) {
	agent, err := e.agent(ctx, agent)
	if err != nil {
		return nil, err
	}
	f := store.MemoryFilter{Agent: agent, IncludeArchived: includeArchived}
	if uri != "" {
		ns, err := namespace.Parse(uri)
		if err != nil {
			return nil, err
		}
		if err := e.namespaces.Check(ctx, ns, agent, namespace.PermRead); err != nil {
			return nil, err
		}
		f.Namespace = ns.String()
	}
	rs, err := e.store.ListReplicas(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]MemoryView, 0, len(rs))
	for _, r := range rs {
		out = append(out, e.view(ctx, agent, r))
	}
	return out, nil
}

func (e *Engine) replica(ctx context.Context, agent, memoryID string) (*memory.Replica, error) {
	r, err := e.store.GetReplica(ctx, agent, memoryID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s held by %s", ErrMemoryNotFound, memoryID, agent)
	}
	return r, err
}

// edit runs a local edit under the record lock and persists the result. It
// returns the namespace the record was in before the edit.
func (e *Engine) edit(ctx context.Context, agent, memoryID string, need []namespace.Permission, fn func(*memory.Editor)) (namespace.ID, *memory.Replica, memory.Delta, error) {
	unlock := e.locks.lock(recordKey(agent, memoryID))
	defer unlock()

	r, err := e.replica(ctx, agent, memoryID)
	if err != nil {
		return namespace.ID{}, nil, memory.Delta{}, err
	}
	ns, err := namespace.Parse(r.Namespace.Value())
	if err != nil {
		return namespace.ID{}, nil, memory.Delta{}, fmt.Errorf("memory %s: %w", memoryID, err)
	}
	if r.ReadOnly {
		return ns, nil, memory.Delta{}, &namespace.PermissionError{Agent: agent, Namespace: ns.String(), Permission: namespace.PermWrite}
	}
	if err := e.namespaces.Check(ctx, ns, agent, need...); err != nil {
		return ns, nil, memory.Delta{}, err
	}
	now := e.now()
	st, d, err := memory.Edit(r.State, agent, now, fn)
	if err != nil {
		return ns, nil, memory.Delta{}, err
	}
	if d.Empty() {
		return ns, r, d, nil
	}
	r.State = st
	r.Refresh(now, e.decay())
	if err := e.store.PutReplica(ctx, r); err != nil {
		return ns, nil, memory.Delta{}, fmt.Errorf("save memory %s: %w", memoryID, err)
	}
	return ns, r, d, nil
}

// afterChange replicates a local edit and offers it to live projections.
// Members of the record's namespace get the delta; agents that only become
// able to see the record through the edit get its full state.
func (e *Engine) afterChange(ctx context.Context, agent string, before namespace.ID, r *memory.Replica, d memory.Delta) {
	if d.Empty() {
		return
	}
	after, err := namespace.Parse(r.Namespace.Value())
	if err != nil {
		slog.Error("Engine: replica has invalid namespace", "memory_id", r.ID, "namespace", r.Namespace.Value())
		return
	}
	sent := map[string]bool{agent: true}
	if before.Shared() {
		members, err := e.activeMembers(ctx, before)
		if err != nil {
			slog.Warn("Engine: list members failed", "namespace", before.String(), "error", err)
		}
		for _, m := range members {
			if sent[m] {
				continue
			}
			sent[m] = true
			e.publish(ctx, agent, m, d)
		}
	}
	if after != before && after.Shared() {
		members, err := e.activeMembers(ctx, after)
		if err != nil {
			slog.Warn("Engine: list members failed", "namespace", after.String(), "error", err)
		}
		full := fullState(r.State, agent)
		for _, m := range members {
			if sent[m] {
				continue
			}
			sent[m] = true
			e.publish(ctx, agent, m, full)
		}
	}
	if err := e.projections.OnMutation(ctx, after, r, d); err != nil {
		slog.Warn("Engine: projection delivery failed", "memory_id", r.ID, "error", err)
	}
}

func (e *Engine) publish(ctx context.Context, from, to string, d memory.Delta) {
	if err := e.publisher.PublishDelta(ctx, from, to, d); err != nil {
		replicationTotal.WithLabelValues("error").Inc()
		slog.Warn("Engine: publish failed", "from", from, "to", to, "memory_id", d.MemoryID, "error", err)
		return
	}
	replicationTotal.WithLabelValues("sent").Inc()
}

// fullState is a join delta carrying all of s.
func fullState(s memory.State, origin string) memory.Delta {
	d := memory.Diff(memory.State{}, s)
	d.Origin = origin
	d.Mode = memory.ModeJoin
	return d
}
