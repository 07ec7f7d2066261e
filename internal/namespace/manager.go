package namespace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	ErrNotFound = errors.New("namespace not found")
	ErrExists   = errors.New("namespace already exists")
)

// Grant is one explicit ACL row.
type Grant struct {
	Namespace   ID        `json:"namespace"`
	Agent       string    `json:"agent"`
	Permissions Set       `json:"permissions"`
	GrantedBy   string    `json:"granted_by"`
	GrantedAt   time.Time `json:"granted_at"`
}

// Store persists namespaces and ACL rows.
type Store interface {
	InsertNamespace(ctx context.Context, ns Namespace) error
	GetNamespace(ctx context.Context, id ID) (Namespace, error)
	ListNamespaces(ctx context.Context) ([]Namespace, error)
	// UpsertGrant unions perms into the row for (ns, agent).
	UpsertGrant(ctx context.Context, g Grant) error
	GetGrant(ctx context.Context, ns ID, agent string) (Grant, bool, error)
	ListGrants(ctx context.Context, ns ID) ([]Grant, error)
}

// Manager creates namespaces and evaluates permissions.
type Manager struct {
	store Store
	now   func() time.Time
}

// NewManager returns a manager over store.
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// Create registers a namespace owned by owner. Agent namespaces may only be
// created for their own agent.
func (m *Manager) Create(ctx context.Context, id ID, owner string) (Namespace, error) {
	if err := id.Validate(); err != nil {
		return Namespace{}, err
	}
	if id.Scope == ScopeAgent && id.Name != owner && id != Default {
		return Namespace{}, &PermissionError{Agent: owner, Namespace: id.String(), Permission: PermAdmin}
	}
	if _, err := m.store.GetNamespace(ctx, id); err == nil {
		return Namespace{}, fmt.Errorf("%w: %s", ErrExists, id)
	} else if !errors.Is(err, ErrNotFound) {
		return Namespace{}, err
	}
	ns := Namespace{ID: id, Owner: owner, CreatedAt: m.now().UTC()}
	if err := m.store.InsertNamespace(ctx, ns); err != nil {
		return Namespace{}, fmt.Errorf("create namespace %s: %w", id, err)
	}
	if id.Shared() {
		// Owners are members so they appear in membership listings.
		if err := m.store.UpsertGrant(ctx, Grant{
			Namespace:   id,
			Agent:       owner,
			Permissions: DefaultPermissions(id.Scope, RoleOwner),
			GrantedBy:   owner,
			GrantedAt:   ns.CreatedAt,
		}); err != nil {
			return Namespace{}, fmt.Errorf("create namespace %s: %w", id, err)
		}
	}
	slog.Info("Namespace: created", "namespace", id.String(), "owner", owner)
	return ns, nil
}

// Ensure creates the namespace if it does not exist yet.
func (m *Manager) Ensure(ctx context.Context, id ID, owner string) (Namespace, error) {
	ns, err := m.store.GetNamespace(ctx, id)
	if err == nil {
		return ns, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Namespace{}, err
	}
	return m.Create(ctx, id, owner)
}

// Get returns a namespace.
func (m *Manager) Get(ctx context.Context, id ID) (Namespace, error) {
	return m.store.GetNamespace(ctx, id)
}

// List returns all namespaces.
func (m *Manager) List(ctx context.Context) ([]Namespace, error) {
	return m.store.ListNamespaces(ctx)
}

// role derives the agent's standing from ownership and ACL rows.
func role(ns Namespace, hasGrant bool, agent string) Role {
	switch {
	case ns.Owner == agent:
		return RoleOwner
	case hasGrant && ns.ID.Shared():
		return RoleMember
	}
	return RoleNone
}

// Effective returns the permissions agent holds in id: scope defaults for
// its role plus explicit grants.
func (m *Manager) Effective(ctx context.Context, id ID, agent string) (Set, error) {
	ns, err := m.store.GetNamespace(ctx, id)
	if err != nil {
		return 0, err
	}
	g, ok, err := m.store.GetGrant(ctx, id, agent)
	if err != nil {
		return 0, err
	}
	perms := DefaultPermissions(id.Scope, role(ns, ok, agent))
	if ok {
		perms = perms.Union(g.Permissions)
	}
	return perms, nil
}

// Check returns a *PermissionError unless agent holds every perm in id.
func (m *Manager) Check(ctx context.Context, id ID, agent string, perms ...Permission) error {
	have, err := m.Effective(ctx, id, agent)
	if err != nil {
		return err
	}
	for _, p := range perms {
		if !have.Has(p) {
			return &PermissionError{Agent: agent, Namespace: id.String(), Permission: p}
		}
	}
	return nil
}

// Grant adds perms for grantee. The grantor needs Admin.
func (m *Manager) Grant(ctx context.Context, id ID, grantee string, perms Set, grantor string) error {
	if err := m.Check(ctx, id, grantor, PermAdmin); err != nil {
		return err
	}
	if err := m.store.UpsertGrant(ctx, Grant{
		Namespace:   id,
		Agent:       grantee,
		Permissions: perms,
		GrantedBy:   grantor,
		GrantedAt:   m.now().UTC(),
	}); err != nil {
		return fmt.Errorf("grant on %s: %w", id, err)
	}
	slog.Info("Namespace: granted", "namespace", id.String(), "agent", grantee, "permissions", perms.String(), "by", grantor)
	return nil
}

// AddMember makes agent a member of a shared namespace with the scope's
// member defaults.
func (m *Manager) AddMember(ctx context.Context, id ID, agent, grantor string) error {
	if !id.Shared() {
		return fmt.Errorf("%w: %s is private", ErrInvalidNamespaceURI, id)
	}
	return m.Grant(ctx, id, agent, DefaultPermissions(id.Scope, RoleMember), grantor)
}

// Members lists agents holding an ACL row in id, the owner included.
func (m *Manager) Members(ctx context.Context, id ID) ([]string, error) {
	ns, err := m.store.GetNamespace(ctx, id)
	if err != nil {
		return nil, err
	}
	grants, err := m.store.ListGrants(ctx, id)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{ns.Owner: true}
	out := []string{ns.Owner}
	for _, g := range grants {
		if !seen[g.Agent] {
			seen[g.Agent] = true
			out = append(out, g.Agent)
		}
	}
	return out, nil
}
