package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/KafClaw/memmesh/internal/crdt"
)

// SaveGraph stores agent's causal graph replica.
func (s *Store) SaveGraph(ctx context.Context, agent string, g crdt.CausalGraph, at time.Time) error {
	b, err := json.Marshal(g)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO causal_graphs (agent_id, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		agent, string(b), nanos(at))
	if err != nil {
		return fmt.Errorf("save graph of %s: %w", agent, err)
	}
	return nil
}

// LoadGraph returns agent's causal graph, or an empty graph if none was saved.
func (s *Store) LoadGraph(ctx context.Context, agent string) (crdt.CausalGraph, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM causal_graphs WHERE agent_id = ?`, agent).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return crdt.NewCausalGraph(), nil
	}
	if err != nil {
		return crdt.CausalGraph{}, err
	}
	g := crdt.NewCausalGraph()
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return crdt.CausalGraph{}, fmt.Errorf("decode graph of %s: %w", agent, err)
	}
	return g, nil
}
