package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/KafClaw/memmesh/internal/crdt"
	"github.com/KafClaw/memmesh/internal/memory"
	"github.com/KafClaw/memmesh/internal/namespace"
	"github.com/KafClaw/memmesh/internal/projection"
	"github.com/KafClaw/memmesh/internal/provenance"
	"github.com/KafClaw/memmesh/internal/store"
)

// metaProjection marks a replica as a projected copy. Receivers keep such
// replicas read-only.
const metaProjection = "memmesh.projection"

// projectedID is the id of a memory's copy in a projection's target. It is
// stable, so every push of the same memory lands on the same copy.
func projectedID(projectionID, memoryID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(projectionID+"/"+memoryID)).String()
}

// Push delivers a projected delta to every member of the projection's
// target namespace. The delta is rewritten onto the copy: its id, its
// namespace and the read-only marker.
func (e *Engine) Push(ctx context.Context, p projection.Projection, d memory.Delta) error {
	src := d.MemoryID
	out := projectedDelta(p, d)

	hops, err := e.store.ListHops(ctx, out.MemoryID)
	if err != nil {
		return err
	}
	if len(hops) == 0 {
		if err := e.tracker.Begin(ctx, out.MemoryID, provenance.Projected(d.Origin, src), provenance.Hop{
			AgentID: p.CreatedBy,
			Action:  provenance.ActionProjectedTo,
			Details: p.Target.String(),
		}); err != nil {
			return err
		}
	}

	members, err := e.activeMembers(ctx, p.Target)
	if err != nil {
		return fmt.Errorf("push %s: %w", p.ID, err)
	}
	var errs []error
	for _, m := range members {
		err := e.publisher.PublishDelta(ctx, p.CreatedBy, m, out)
		if err != nil {
			replicationTotal.WithLabelValues("error").Inc()
			errs = append(errs, err)
		} else {
			replicationTotal.WithLabelValues("sent").Inc()
		}
		e.audit(ctx, p.CreatedBy, m, "project", []string{src, out.MemoryID}, outcome(err), p.ID)
	}
	return errors.Join(errs...)
}

func projectedDelta(p projection.Projection, d memory.Delta) memory.Delta {
	out := d
	out.MemoryID = projectedID(p.ID, d.MemoryID)
	out.Mode = memory.ModeJoin
	out.Fields = make([]memory.FieldDelta, 0, len(d.Fields)+1)
	marked := false
	for _, fd := range d.Fields {
		switch fd.Field {
		case memory.FieldNamespace:
			reg := *fd.Text
			reg.Val = p.Target.String()
			fd.Text = &reg
		case memory.FieldMetadata:
			m := crdt.NewLWWMap[string]().Merge(*fd.Map)
			markProjection(&m, p.ID)
			fd.Map = &m
			marked = true
		}
		out.Fields = append(out.Fields, fd)
	}
	if !marked {
		m := crdt.NewLWWMap[string]()
		markProjection(&m, p.ID)
		out.Fields = append(out.Fields, memory.FieldDelta{Field: memory.FieldMetadata, Map: &m})
	}
	return out
}

// markProjection writes the marker at a fixed stamp so repeated pushes
// agree on it.
func markProjection(m *crdt.LWWMap[string], projectionID string) {
	m.Set(metaProjection, projectionID, 1, projectionID)
}

// CreateProjection stores p on behalf of agent, who needs Share on the
// source and Write on the target. Live projections push every later
// matching change; existing memories are only sent by ResyncSubscription.
func (e *Engine) CreateProjection(ctx context.Context, agent string, p projection.Projection) (projection.Projection, error) {
	if err := e.requireMultiAgent(); err != nil {
		return projection.Projection{}, err
	}
	agent, err := e.agent(ctx, agent)
	if err != nil {
		return projection.Projection{}, err
	}
	if err := p.Validate(); err != nil {
		return projection.Projection{}, err
	}
	if err := e.checkMove(ctx, agent, p.Source, p.Target, namespace.PermShare); err != nil {
		e.audit(ctx, agent, "", "create_projection", nil, outcome(err), p.Source.String()+" -> "+p.Target.String())
		return projection.Projection{}, err
	}
	p.CreatedBy = agent
	p.CreatedAt = e.now().UTC()
	p, err = e.projections.Create(ctx, p)
	e.audit(ctx, agent, "", "create_projection", nil, outcome(err), p.ID)
	return p, err
}

func (e *Engine) checkMove(ctx context.Context, agent string, from, to namespace.ID, need ...namespace.Permission) error {
	if err := e.namespaces.Check(ctx, from, agent, need...); err != nil {
		return err
	}
	return e.namespaces.Check(ctx, to, agent, namespace.PermWrite)
}

// DeleteProjection removes a projection. Copies already pushed stay where
// they are.
func (e *Engine) DeleteProjection(ctx context.Context, agent, id string) error {
	if err := e.requireMultiAgent(); err != nil {
		return err
	}
	agent, err := e.agent(ctx, agent)
	if err != nil {
		return err
	}
	p, err := e.projections.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.CreatedBy != agent {
		if err := e.namespaces.Check(ctx, p.Source, agent, namespace.PermAdmin); err != nil {
			e.audit(ctx, agent, p.CreatedBy, "delete_projection", nil, outcome(err), id)
			return err
		}
	}
	err = e.projections.Delete(ctx, id)
	e.audit(ctx, agent, p.CreatedBy, "delete_projection", nil, outcome(err), id)
	return err
}

// ListProjections returns every stored projection.
func (e *Engine) ListProjections(ctx context.Context) ([]projection.Projection, error) {
	if err := e.requireMultiAgent(); err != nil {
		return nil, err
	}
	return e.projections.List(ctx)
}

// ResyncSubscription pushes the full state of every matching memory in the
// projection's source. Replicas are read from the projection's creator,
// falling back to the other members for memories it does not hold.
func (e *Engine) ResyncSubscription(ctx context.Context, agent, id string) (int, error) {
	if err := e.requireMultiAgent(); err != nil {
		return 0, err
	}
	agent, err := e.agent(ctx, agent)
	if err != nil {
		return 0, err
	}
	p, err := e.projections.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if err := e.namespaces.Check(ctx, p.Source, agent, namespace.PermRead); err != nil {
		return 0, err
	}
	holders := []string{p.CreatedBy}
	members, err := e.activeMembers(ctx, p.Source)
	if err != nil {
		return 0, err
	}
	holders = append(holders, members...)

	seen := map[string]bool{}
	var replicas []*memory.Replica
	for _, h := range holders {
		rs, err := e.store.ListReplicas(ctx, store.MemoryFilter{Agent: h, Namespace: p.Source.String()})
		if err != nil {
			return 0, err
		}
		for _, r := range rs {
			if !seen[r.ID] {
				seen[r.ID] = true
				replicas = append(replicas, r)
			}
		}
	}
	n, err := e.projections.Resync(ctx, id, replicas)
	e.audit(ctx, agent, p.CreatedBy, "resync", nil, outcome(err), fmt.Sprintf("%s pushed=%d", id, n))
	if err != nil {
		slog.Warn("Engine: resync incomplete", "projection", id, "pushed", n, "error", err)
	}
	return n, err
}
