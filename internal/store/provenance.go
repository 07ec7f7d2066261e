package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/KafClaw/memmesh/internal/provenance"
)

// AppendHop adds a hop at the end of memoryID's chain. The chain index is
// assigned inside the insert so concurrent writers cannot collide silently.
func (s *Store) AppendHop(ctx context.Context, memoryID string, h provenance.Hop) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provenance_log (memory_id, hop_index, agent_id, action, timestamp, confidence_delta, details)
		VALUES (?, (SELECT COALESCE(MAX(hop_index), -1) + 1 FROM provenance_log WHERE memory_id = ?), ?, ?, ?, ?, ?)`,
		memoryID, memoryID, h.AgentID, string(h.Action), nanos(h.Timestamp), h.ConfidenceDelta, h.Details)
	if err != nil {
		return fmt.Errorf("append hop %s: %w", memoryID, err)
	}
	return nil
}

func (s *Store) ListHops(ctx context.Context, memoryID string) ([]provenance.Hop, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, action, timestamp, confidence_delta, details
		FROM provenance_log WHERE memory_id = ? ORDER BY hop_index`, memoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []provenance.Hop
	for rows.Next() {
		var (
			h      provenance.Hop
			action string
			ts     int64
		)
		if err := rows.Scan(&h.AgentID, &action, &ts, &h.ConfidenceDelta, &h.Details); err != nil {
			return nil, err
		}
		h.Action = provenance.Action(action)
		h.Timestamp = fromNanos(ts)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) SetOrigin(ctx context.Context, memoryID string, o provenance.Origin) error {
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO provenance_origins (memory_id, origin_json) VALUES (?, ?)
		ON CONFLICT(memory_id) DO NOTHING`, memoryID, string(b))
	return err
}

func (s *Store) GetOrigin(ctx context.Context, memoryID string) (provenance.Origin, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT origin_json FROM provenance_origins WHERE memory_id = ?`, memoryID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return provenance.Origin{}, false, nil
	}
	if err != nil {
		return provenance.Origin{}, false, err
	}
	var o provenance.Origin
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return provenance.Origin{}, false, fmt.Errorf("decode origin %s: %w", memoryID, err)
	}
	return o, true, nil
}

func (s *Store) AddRelation(ctx context.Context, r provenance.Relation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cross_agent_relations (source_memory, target_memory, relation, strength, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.SourceMemory, r.TargetMemory, r.Kind, r.Strength, r.CreatedBy, nanos(r.CreatedAt))
	return err
}

func (s *Store) ListRelations(ctx context.Context, memoryID, kind string) ([]provenance.Relation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_memory, target_memory, relation, strength, created_by, created_at
		FROM cross_agent_relations WHERE target_memory = ? AND relation = ? ORDER BY id`, memoryID, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []provenance.Relation
	for rows.Next() {
		var (
			r  provenance.Relation
			ts int64
		)
		if err := rows.Scan(&r.SourceMemory, &r.TargetMemory, &r.Kind, &r.Strength, &r.CreatedBy, &ts); err != nil {
			return nil, err
		}
		r.CreatedAt = fromNanos(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}
