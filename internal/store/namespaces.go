package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/KafClaw/memmesh/internal/namespace"
)

func (s *Store) InsertNamespace(ctx context.Context, ns namespace.Namespace) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_namespaces (namespace_id, scope, owner_agent, created_at, metadata)
		VALUES (?, ?, ?, ?, ?)`,
		ns.ID.String(), string(ns.ID.Scope), ns.Owner, nanos(ns.CreatedAt), ns.Metadata)
	if err != nil {
		return fmt.Errorf("insert namespace %s: %w", ns.ID, err)
	}
	return nil
}

func (s *Store) GetNamespace(ctx context.Context, id namespace.ID) (namespace.Namespace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT namespace_id, owner_agent, created_at, metadata FROM memory_namespaces WHERE namespace_id = ?`,
		id.String())
	ns, err := scanNamespace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return namespace.Namespace{}, fmt.Errorf("%w: %s", namespace.ErrNotFound, id)
	}
	return ns, err
}

func (s *Store) ListNamespaces(ctx context.Context) ([]namespace.Namespace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT namespace_id, owner_agent, created_at, metadata FROM memory_namespaces ORDER BY namespace_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []namespace.Namespace
	for rows.Next() {
		ns, err := scanNamespace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

func scanNamespace(r scanner) (namespace.Namespace, error) {
	var (
		ns      namespace.Namespace
		uri     string
		created int64
	)
	if err := r.Scan(&uri, &ns.Owner, &created, &ns.Metadata); err != nil {
		return namespace.Namespace{}, err
	}
	id, err := namespace.Parse(uri)
	if err != nil {
		return namespace.Namespace{}, err
	}
	ns.ID = id
	ns.CreatedAt = fromNanos(created)
	return ns, nil
}

// UpsertGrant unions the permissions into the existing row.
func (s *Store) UpsertGrant(ctx context.Context, g namespace.Grant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO namespace_permissions (namespace_id, agent_id, permissions, granted_by, granted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace_id, agent_id) DO UPDATE SET
			permissions = permissions | excluded.permissions,
			granted_by = excluded.granted_by,
			granted_at = excluded.granted_at`,
		g.Namespace.String(), g.Agent, int(g.Permissions), g.GrantedBy, nanos(g.GrantedAt))
	if err != nil {
		return fmt.Errorf("grant %s on %s: %w", g.Agent, g.Namespace, err)
	}
	return nil
}

func (s *Store) GetGrant(ctx context.Context, ns namespace.ID, agent string) (namespace.Grant, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT namespace_id, agent_id, permissions, granted_by, granted_at
		FROM namespace_permissions WHERE namespace_id = ? AND agent_id = ?`, ns.String(), agent)
	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return namespace.Grant{}, false, nil
	}
	if err != nil {
		return namespace.Grant{}, false, err
	}
	return g, true, nil
}

func (s *Store) ListGrants(ctx context.Context, ns namespace.ID) ([]namespace.Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT namespace_id, agent_id, permissions, granted_by, granted_at
		FROM namespace_permissions WHERE namespace_id = ? ORDER BY agent_id`, ns.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []namespace.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ListAgentGrants returns every ACL row held by agent.
func (s *Store) ListAgentGrants(ctx context.Context, agent string) ([]namespace.Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT namespace_id, agent_id, permissions, granted_by, granted_at
		FROM namespace_permissions WHERE agent_id = ? ORDER BY namespace_id`, agent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []namespace.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func scanGrant(r scanner) (namespace.Grant, error) {
	var (
		g       namespace.Grant
		uri     string
		perms   int
		granted int64
	)
	if err := r.Scan(&uri, &g.Agent, &perms, &g.GrantedBy, &granted); err != nil {
		return namespace.Grant{}, err
	}
	id, err := namespace.Parse(uri)
	if err != nil {
		return namespace.Grant{}, err
	}
	g.Namespace = id
	g.Permissions = namespace.Set(perms)
	g.GrantedAt = fromNanos(granted)
	return g, nil
}
