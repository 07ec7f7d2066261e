package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/KafClaw/memmesh/internal/memory"
	"github.com/KafClaw/memmesh/internal/namespace"
	"github.com/KafClaw/memmesh/internal/provenance"
	"github.com/KafClaw/memmesh/internal/store"
)

// RelationPromotedFrom links a promoted memory to the namespace it was
// promoted out of. Promotion keeps the memory id, so the relation's source
// is the namespace URI rather than another memory.
const RelationPromotedFrom = "promoted_from"

// ShareResult is the copy created by ShareMemory.
type ShareResult struct {
	Memory MemoryView     `json:"memory"`
	Hop    provenance.Hop `json:"hop"`
}

// ShareMemory copies memoryID into target under a fresh id owned by agent.
// The source is left unchanged. Agent needs Share on the source namespace
// and Write on the target.
func (e *Engine) ShareMemory(ctx context.Context, agent, memoryID, target string) (ShareResult, error) {
	if err := e.requireMultiAgent(); err != nil {
		return ShareResult{}, err
	}
	agent, err := e.agent(ctx, agent)
	if err != nil {
		return ShareResult{}, err
	}
	src, srcNS, dst, err := e.moveArgs(ctx, agent, memoryID, target, "share", namespace.PermShare)
	if err != nil {
		return ShareResult{}, err
	}

	now := e.now()
	copyID := uuid.New().String()
	snap := src.Snapshot()
	st, d, err := memory.Edit(memory.NewState(copyID, agent), agent, now, func(ed *memory.Editor) {
		ed.SetNamespace(dst.String())
		copyInto(ed, snap)
	})
	if err != nil {
		return ShareResult{}, fmt.Errorf("share %s: %w", memoryID, err)
	}
	r := memory.NewReplica(agent, st, now, e.decay())
	if err := e.store.PutReplica(ctx, r); err != nil {
		return ShareResult{}, fmt.Errorf("share %s: %w", memoryID, err)
	}
	hop := provenance.Hop{
		AgentID:   agent,
		Action:    provenance.ActionSharedTo,
		Timestamp: now.UTC(),
		Details:   fmt.Sprintf("from %s in %s", memoryID, srcNS),
	}
	if err := e.tracker.Begin(ctx, copyID, provenance.Derived(memoryID), hop); err != nil {
		return ShareResult{}, err
	}
	e.afterChange(ctx, agent, dst, r, d)
	e.audit(ctx, agent, src.SourceAgent, "share", []string{memoryID, copyID}, store.OutcomeOK, dst.String())
	slog.Info("Engine: memory shared", "agent", agent, "memory_id", memoryID, "copy_id", copyID, "target", dst.String())
	return ShareResult{Memory: e.view(ctx, agent, r), Hop: hop}, nil
}

// PromoteMemory moves memoryID into target in place. The namespace change
// replicates like any other edit. Agent needs Share and Admin on the source
// namespace and Write on the target.
func (e *Engine) PromoteMemory(ctx context.Context, agent, memoryID, target string) (MemoryView, error) {
	if err := e.requireMultiAgent(); err != nil {
		return MemoryView{}, err
	}
	agent, err := e.agent(ctx, agent)
	if err != nil {
		return MemoryView{}, err
	}
	src, srcNS, dst, err := e.moveArgs(ctx, agent, memoryID, target, "promote", namespace.PermShare, namespace.PermAdmin)
	if err != nil {
		return MemoryView{}, err
	}
	if srcNS == dst {
		return e.view(ctx, agent, src), nil
	}
	before, r, d, err := e.edit(ctx, agent, memoryID, []namespace.Permission{namespace.PermShare, namespace.PermAdmin}, func(ed *memory.Editor) {
		ed.SetNamespace(dst.String())
	})
	if err != nil {
		return MemoryView{}, err
	}
	if err := e.tracker.Record(ctx, memoryID, provenance.Hop{
		AgentID: agent,
		Action:  provenance.ActionProjectedTo,
		Details: fmt.Sprintf("promoted from %s to %s", before, dst),
	}); err != nil {
		return MemoryView{}, err
	}
	if err := e.tracker.Relate(ctx, provenance.Relation{
		SourceMemory: before.String(),
		TargetMemory: memoryID,
		Kind:         RelationPromotedFrom,
		Strength:     1,
		CreatedBy:    r.SourceAgent,
	}); err != nil {
		return MemoryView{}, err
	}
	e.afterChange(ctx, agent, before, r, d)
	e.audit(ctx, agent, r.SourceAgent, "promote", []string{memoryID}, store.OutcomeOK, fmt.Sprintf("%s -> %s", before, dst))
	slog.Info("Engine: memory promoted", "agent", agent, "memory_id", memoryID, "from", before.String(), "to", dst.String())
	return e.view(ctx, agent, r), nil
}

// RetractMemory archives agent's copy of memoryID in ns. Copies of the same
// content elsewhere keep their own ids and are not affected.
func (e *Engine) RetractMemory(ctx context.Context, agent, memoryID, ns string) (MemoryView, error) {
	if err := e.requireMultiAgent(); err != nil {
		return MemoryView{}, err
	}
	agent, err := e.agent(ctx, agent)
	if err != nil {
		return MemoryView{}, err
	}
	id, err := namespace.Parse(ns)
	if err != nil {
		return MemoryView{}, err
	}
	if err := e.namespaces.Check(ctx, id, agent, namespace.PermWrite); err != nil {
		e.audit(ctx, agent, "", "retract", []string{memoryID}, outcome(err), id.String())
		return MemoryView{}, err
	}
	cur, err := e.replica(ctx, agent, memoryID)
	if err != nil {
		return MemoryView{}, err
	}
	if cur.Namespace.Value() != id.String() {
		return MemoryView{}, fmt.Errorf("%w: %s is not in %s", ErrMemoryNotFound, memoryID, id)
	}
	before, r, d, err := e.edit(ctx, agent, memoryID, []namespace.Permission{namespace.PermWrite}, func(ed *memory.Editor) {
		ed.SetArchived(true)
	})
	if err != nil {
		return MemoryView{}, err
	}
	e.afterChange(ctx, agent, before, r, d)
	e.audit(ctx, agent, r.SourceAgent, "retract", []string{memoryID}, store.OutcomeOK, id.String())
	slog.Info("Engine: memory retracted", "agent", agent, "memory_id", memoryID, "namespace", id.String())
	return e.view(ctx, agent, r), nil
}

// moveArgs loads the source replica and checks srcPerms on its namespace
// and Write on target. Denials are audited.
func (e *Engine) moveArgs(ctx context.Context, agent, memoryID, target, action string, srcPerms ...namespace.Permission) (*memory.Replica, namespace.ID, namespace.ID, error) {
	dst, err := namespace.Parse(target)
	if err != nil {
		return nil, namespace.ID{}, namespace.ID{}, err
	}
	src, err := e.replica(ctx, agent, memoryID)
	if err != nil {
		return nil, namespace.ID{}, namespace.ID{}, err
	}
	srcNS, err := namespace.Parse(src.Namespace.Value())
	if err != nil {
		return nil, namespace.ID{}, namespace.ID{}, err
	}
	if err := e.namespaces.Check(ctx, srcNS, agent, srcPerms...); err != nil {
		e.audit(ctx, agent, src.SourceAgent, action, []string{memoryID}, outcome(err), err.Error())
		return nil, namespace.ID{}, namespace.ID{}, err
	}
	if err := e.namespaces.Check(ctx, dst, agent, namespace.PermWrite); err != nil {
		e.audit(ctx, agent, src.SourceAgent, action, []string{memoryID}, outcome(err), err.Error())
		return nil, namespace.ID{}, namespace.ID{}, err
	}
	return src, srcNS, dst, nil
}
