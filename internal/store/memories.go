package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/KafClaw/memmesh/internal/memory"
)

// PutReplica inserts or replaces an agent's copy of a memory.
func (s *Store) PutReplica(ctx context.Context, r *memory.Replica) error {
	state, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode replica %s: %w", r.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (agent_id, memory_id, namespace, archived, read_only, content_hash, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, memory_id) DO UPDATE SET
			namespace = excluded.namespace,
			archived = excluded.archived,
			read_only = excluded.read_only,
			content_hash = excluded.content_hash,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		r.Owner, r.ID, r.Namespace.Value(), boolInt(r.Archived.Value()), boolInt(r.ReadOnly),
		r.ContentHash, string(state), nanos(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put replica %s/%s: %w", r.Owner, r.ID, err)
	}
	return nil
}

// GetReplica returns agent's copy of memoryID.
func (s *Store) GetReplica(ctx context.Context, agent, memoryID string) (*memory.Replica, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM memories WHERE agent_id = ? AND memory_id = ?`,
		agent, memoryID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("memory %s of %s: %w", memoryID, agent, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeReplica(state)
}

// MemoryFilter selects replicas. Empty fields match everything.
type MemoryFilter struct {
	Agent           string
	Namespace       string
	MemoryID        string
	IncludeArchived bool
	Limit           int
}

// ListReplicas returns replicas matching f ordered by agent and memory id.
func (s *Store) ListReplicas(ctx context.Context, f MemoryFilter) ([]*memory.Replica, error) {
	var (
		where []string
		args  []any
	)
	if f.Agent != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.Agent)
	}
	if f.Namespace != "" {
		where = append(where, "namespace = ?")
		args = append(args, f.Namespace)
	}
	if f.MemoryID != "" {
		where = append(where, "memory_id = ?")
		args = append(args, f.MemoryID)
	}
	if !f.IncludeArchived {
		where = append(where, "archived = 0")
	}
	q := `SELECT state FROM memories`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY agent_id, memory_id`
	if f.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*memory.Replica
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return nil, err
		}
		r, err := decodeReplica(state)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func decodeReplica(state string) (*memory.Replica, error) {
	var r memory.Replica
	if err := json.Unmarshal([]byte(state), &r); err != nil {
		return nil, fmt.Errorf("decode replica: %w", err)
	}
	return &r, nil
}
