package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Agent statuses.
const (
	AgentActive       = "active"
	AgentIdle         = "idle"
	AgentDeregistered = "deregistered"
)

// Agent is a row of agent_registry.
type Agent struct {
	ID             string    `json:"agent_id"`
	Name           string    `json:"name"`
	Namespace      string    `json:"namespace"`
	Capabilities   []string  `json:"capabilities"`
	Status         string    `json:"status"`
	Parent         string    `json:"parent_agent,omitempty"`
	RegisteredAt   time.Time `json:"registered_at"`
	LastActive     time.Time `json:"last_active"`
	DeregisteredAt time.Time `json:"deregistered_at,omitzero"`
}

func (s *Store) InsertAgent(ctx context.Context, a Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_registry (agent_id, name, namespace, capabilities, status, registered_at, last_active, parent_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Namespace, string(caps), a.Status, nanos(a.RegisteredAt), nanos(a.LastActive), a.Parent)
	if err != nil {
		return fmt.Errorf("insert agent %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, name, namespace, capabilities, status, registered_at, last_active, deregistered_at, parent_agent
		FROM agent_registry WHERE agent_id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return a, err
}

// ListAgents returns registered agents, oldest first. Deregistered agents
// are included only when all is set.
func (s *Store) ListAgents(ctx context.Context, all bool) ([]Agent, error) {
	q := `SELECT agent_id, name, namespace, capabilities, status, registered_at, last_active, deregistered_at, parent_agent
		FROM agent_registry`
	if !all {
		q += ` WHERE status != '` + AgentDeregistered + `'`
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY registered_at, agent_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetAgentStatus updates the status; deregistration also stamps the time.
func (s *Store) SetAgentStatus(ctx context.Context, id, status string, at time.Time) error {
	var dereg int64
	if status == AgentDeregistered {
		dereg = nanos(at)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_registry SET status = ?, last_active = ?, deregistered_at = ? WHERE agent_id = ?`,
		status, nanos(at), dereg, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}

// TouchAgent stamps activity. An idle agent becomes active again; a
// deregistered one is left alone.
func (s *Store) TouchAgent(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_registry SET last_active = ?, status = ?
		WHERE agent_id = ? AND status != ?`,
		nanos(at), AgentActive, id, AgentDeregistered)
	return err
}

// MarkIdleAgents moves active agents with no activity since before to idle
// and returns their ids.
func (s *Store) MarkIdleAgents(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id FROM agent_registry WHERE status = ? AND last_active < ? ORDER BY agent_id`,
		AgentActive, nanos(before))
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE agent_registry SET status = ? WHERE agent_id = ? AND status = ?`,
			AgentIdle, id, AgentActive); err != nil {
			return nil, fmt.Errorf("mark %s idle: %w", id, err)
		}
	}
	return ids, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(r scanner) (Agent, error) {
	var (
		a                  Agent
		caps               string
		reg, active, dereg int64
	)
	if err := r.Scan(&a.ID, &a.Name, &a.Namespace, &caps, &a.Status, &reg, &active, &dereg, &a.Parent); err != nil {
		return Agent{}, err
	}
	_ = json.Unmarshal([]byte(caps), &a.Capabilities)
	a.RegisteredAt = fromNanos(reg)
	a.LastActive = fromNanos(active)
	a.DeregisteredAt = fromNanos(dereg)
	return a, nil
}
