package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Audit outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeDenied  = "denied"
	OutcomeFailed  = "failed"
	OutcomeFlagged = "flagged"
)

// AuditEntry is one cross-agent interaction.
type AuditEntry struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	SourceAgent string    `json:"source_agent"`
	TargetAgent string    `json:"target_agent,omitempty"`
	Action      string    `json:"action"`
	MemoryIDs   []string  `json:"memory_ids,omitempty"`
	Trust       float64   `json:"trust"`
	Outcome     string    `json:"outcome"`
	Details     string    `json:"details,omitempty"`
}

// AuditFilter narrows ListAudit.
type AuditFilter struct {
	Agent  string // source or target
	Action string
	Since  time.Time
	Limit  int
}

func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	ids, err := json.Marshal(e.MemoryIDs)
	if err != nil {
		return err
	}
	if e.MemoryIDs == nil {
		ids = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (timestamp, source_agent, target_agent, action, memory_ids, trust, outcome, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nanos(e.Timestamp), e.SourceAgent, e.TargetAgent, e.Action, string(ids), e.Trust, e.Outcome, e.Details)
	if err != nil {
		return fmt.Errorf("append audit %s: %w", e.Action, err)
	}
	return nil
}

// ListAudit returns entries newest first.
func (s *Store) ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.Agent != "" {
		where = append(where, "(source_agent = ? OR target_agent = ?)")
		args = append(args, f.Agent, f.Agent)
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, f.Action)
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, nanos(f.Since))
	}
	q := `SELECT id, timestamp, source_agent, target_agent, action, memory_ids, trust, outcome, details FROM audit_log`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var (
			e   AuditEntry
			ts  int64
			ids string
		)
		if err := rows.Scan(&e.ID, &ts, &e.SourceAgent, &e.TargetAgent, &e.Action, &ids, &e.Trust, &e.Outcome, &e.Details); err != nil {
			return nil, err
		}
		e.Timestamp = fromNanos(ts)
		_ = json.Unmarshal([]byte(ids), &e.MemoryIDs)
		out = append(out, e)
	}
	return out, rows.Err()
}
