package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetentionConfig bounds the tables that only grow. Provenance, trust and
// relations are never pruned.
type RetentionConfig struct {
	// DeliveredTTL is how long applied inbox rows are kept. 0 keeps them.
	DeliveredTTL time.Duration `json:"delivered_ttl" envconfig:"DELIVERED_TTL"`
	// AuditTTL is how long audit rows are kept. 0 keeps them.
	AuditTTL time.Duration `json:"audit_ttl" envconfig:"AUDIT_TTL"`
	// MaxAuditRows caps the audit log, dropping the oldest rows first.
	MaxAuditRows int `json:"max_audit_rows" envconfig:"MAX_AUDIT_ROWS"`
}

// DefaultRetention keeps delivered deltas a week and audit rows 90 days.
func DefaultRetention() RetentionConfig {
	return RetentionConfig{
		DeliveredTTL: 7 * 24 * time.Hour,
		AuditTTL:     90 * 24 * time.Hour,
		MaxAuditRows: 100000,
	}
}

// PruneStats reports what a prune removed.
type PruneStats struct {
	Deliveries int64 `json:"deliveries"`
	Audit      int64 `json:"audit"`
}

// Prune removes expired rows. Pending deltas are never removed.
func (s *Store) Prune(ctx context.Context, cfg RetentionConfig, now time.Time) (PruneStats, error) {
	var stats PruneStats

	if cfg.DeliveredTTL > 0 {
		cutoff := now.Add(-cfg.DeliveredTTL)
		res, err := s.db.ExecContext(ctx, `DELETE FROM delta_queue WHERE delivered_at != 0 AND delivered_at < ?`, nanos(cutoff))
		if err != nil {
			return stats, fmt.Errorf("prune delivered deltas: %w", err)
		}
		stats.Deliveries, _ = res.RowsAffected()
	}
	if cfg.AuditTTL > 0 {
		cutoff := now.Add(-cfg.AuditTTL)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE timestamp < ?`, nanos(cutoff))
		if err != nil {
			return stats, fmt.Errorf("prune audit log: %w", err)
		}
		stats.Audit, _ = res.RowsAffected()
	}

	if cfg.MaxAuditRows > 0 {
		var count int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&count); err != nil {
			return stats, fmt.Errorf("count audit rows: %w", err)
		}
		if excess := count - cfg.MaxAuditRows; excess > 0 {
			res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE id IN (
				SELECT id FROM audit_log ORDER BY id ASC LIMIT ?
			)`, excess)
			if err != nil {
				return stats, fmt.Errorf("prune excess audit rows: %w", err)
			}
			n, _ := res.RowsAffected()
			stats.Audit += n
		}
	}

	if stats.Deliveries > 0 || stats.Audit > 0 {
		slog.Info("Store: pruned expired rows", "deliveries", stats.Deliveries, "audit", stats.Audit)
	}
	return stats, nil
}
