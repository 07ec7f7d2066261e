package engine

import (
	"context"
	"fmt"

	"github.com/KafClaw/memmesh/internal/namespace"
	"github.com/KafClaw/memmesh/internal/store"
)

// CreateNamespace creates a team or project namespace owned by agent. Agent
// namespaces are created on registration.
func (e *Engine) CreateNamespace(ctx context.Context, agent, uri string) (namespace.Namespace, error) {
	if err := e.requireMultiAgent(); err != nil {
		return namespace.Namespace{}, err
	}
	agent, err := e.agent(ctx, agent)
	if err != nil {
		return namespace.Namespace{}, err
	}
	id, err := namespace.Parse(uri)
	if err != nil {
		return namespace.Namespace{}, err
	}
	return e.namespaces.Create(ctx, id, agent)
}

// GetNamespace returns a namespace.
func (e *Engine) GetNamespace(ctx context.Context, uri string) (namespace.Namespace, error) {
	id, err := namespace.Parse(uri)
	if err != nil {
		return namespace.Namespace{}, err
	}
	return e.namespaces.Get(ctx, id)
}

// ListNamespaces returns every namespace.
func (e *Engine) ListNamespaces(ctx context.Context) ([]namespace.Namespace, error) {
	return e.namespaces.List(ctx)
}

// Members lists the agents of a namespace.
func (e *Engine) Members(ctx context.Context, uri string) ([]string, error) {
	id, err := namespace.Parse(uri)
	if err != nil {
		return nil, err
	}
	return e.namespaces.Members(ctx, id)
}

// Permissions returns what agent may do in uri.
func (e *Engine) Permissions(ctx context.Context, agent, uri string) (namespace.Set, error) {
	agent, err := e.agent(ctx, agent)
	if err != nil {
		return 0, err
	}
	id, err := namespace.Parse(uri)
	if err != nil {
		return 0, err
	}
	return e.namespaces.Effective(ctx, id, agent)
}

// GrantPermission adds perms for grantee in uri. The grantor needs Admin.
func (e *Engine) GrantPermission(ctx context.Context, grantor, uri, grantee string, perms namespace.Set) error {
	if err := e.requireMultiAgent(); err != nil {
		return err
	}
	id, grantor, grantee, err := e.grantArgs(ctx, grantor, uri, grantee)
	if err != nil {
		return err
	}
	err = e.namespaces.Grant(ctx, id, grantee, perms, grantor)
	e.audit(ctx, grantor, grantee, "grant", nil, outcome(err), fmt.Sprintf("%s %s", id, perms))
	if err != nil {
		return err
	}
	return e.bootstrapMember(ctx, id, grantor, grantee)
}

// AddMember adds agent to a shared namespace with the scope's member
// permissions and sends it the grantor's replicas of that namespace.
func (e *Engine) AddMember(ctx context.Context, grantor, uri, agent string) error {
	if err := e.requireMultiAgent(); err != nil {
		return err
	}
	id, grantor, agent, err := e.grantArgs(ctx, grantor, uri, agent)
	if err != nil {
		return err
	}
	err = e.namespaces.AddMember(ctx, id, agent, grantor)
	e.audit(ctx, grantor, agent, "add_member", nil, outcome(err), id.String())
	if err != nil {
		return err
	}
	return e.bootstrapMember(ctx, id, grantor, agent)
}

func (e *Engine) grantArgs(ctx context.Context, grantor, uri, grantee string) (namespace.ID, string, string, error) {
	grantor, err := e.agent(ctx, grantor)
	if err != nil {
		return namespace.ID{}, "", "", err
	}
	grantee, err = e.agent(ctx, grantee)
	if err != nil {
		return namespace.ID{}, "", "", err
	}
	id, err := namespace.Parse(uri)
	if err != nil {
		return namespace.ID{}, "", "", err
	}
	return id, grantor, grantee, nil
}

// bootstrapMember sends the full state of every replica the grantor holds in
// ns to a new member that can read it.
func (e *Engine) bootstrapMember(ctx context.Context, ns namespace.ID, from, to string) error {
	if !ns.Shared() || from == to {
		return nil
	}
	if err := e.namespaces.Check(ctx, ns, to, namespace.PermRead); err != nil {
		return nil
	}
	rs, err := e.store.ListReplicas(ctx, store.MemoryFilter{Agent: from, Namespace: ns.String(), IncludeArchived: true})
	if err != nil {
		return err
	}
	for _, r := range rs {
		if err := e.publisher.PublishDelta(ctx, from, to, fullState(r.State, from)); err != nil {
			return fmt.Errorf("bootstrap %s: %w", to, err)
		}
	}
	return nil
}
