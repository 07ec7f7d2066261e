package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/KafClaw/memmesh/internal/trust"
)

const trustColumns = `agent_id, target_agent, overall_trust, domain_trust, evidence, domain_evidence, last_updated`

func (s *Store) GetTrust(ctx context.Context, agent, target string) (trust.AgentTrust, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+trustColumns+` FROM agent_trust WHERE agent_id = ? AND target_agent = ?`,
		agent, target)
	t, err := scanTrust(row)
	if errors.Is(err, sql.ErrNoRows) {
		return trust.AgentTrust{}, false, nil
	}
	if err != nil {
		return trust.AgentTrust{}, false, err
	}
	return t, true, nil
}

func (s *Store) UpsertTrust(ctx context.Context, t trust.AgentTrust) error {
	domain, err := json.Marshal(nonNil(t.DomainTrust))
	if err != nil {
		return err
	}
	evidence, err := json.Marshal(t.Evidence)
	if err != nil {
		return err
	}
	domainEvidence, err := json.Marshal(nonNil(t.DomainEvidence))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_trust (`+trustColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, target_agent) DO UPDATE SET
			overall_trust = excluded.overall_trust,
			domain_trust = excluded.domain_trust,
			evidence = excluded.evidence,
			domain_evidence = excluded.domain_evidence,
			last_updated = excluded.last_updated`,
		t.AgentID, t.TargetAgent, t.OverallTrust, string(domain), string(evidence), string(domainEvidence), nanos(t.LastUpdated))
	if err != nil {
		return fmt.Errorf("upsert trust %s->%s: %w", t.AgentID, t.TargetAgent, err)
	}
	return nil
}

func (s *Store) ListTrust(ctx context.Context, agent string) ([]trust.AgentTrust, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+trustColumns+` FROM agent_trust WHERE agent_id = ? ORDER BY target_agent`, agent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []trust.AgentTrust
	for rows.Next() {
		t, err := scanTrust(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTrust(r scanner) (trust.AgentTrust, error) {
	var (
		t                                trust.AgentTrust
		domain, evidence, domainEvidence string
		updated                          int64
	)
	if err := r.Scan(&t.AgentID, &t.TargetAgent, &t.OverallTrust, &domain, &evidence, &domainEvidence, &updated); err != nil {
		return trust.AgentTrust{}, err
	}
	if err := json.Unmarshal([]byte(evidence), &t.Evidence); err != nil {
		return trust.AgentTrust{}, fmt.Errorf("decode trust evidence: %w", err)
	}
	_ = json.Unmarshal([]byte(domain), &t.DomainTrust)
	_ = json.Unmarshal([]byte(domainEvidence), &t.DomainEvidence)
	if len(t.DomainTrust) == 0 {
		t.DomainTrust = nil
	}
	if len(t.DomainEvidence) == 0 {
		t.DomainEvidence = nil
	}
	t.LastUpdated = fromNanos(updated)
	return t, nil
}

func nonNil[V any](m map[string]V) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	return m
}
