package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/KafClaw/memmesh/internal/store"
)

// ListAudit returns audit rows newest first.
func (e *Engine) ListAudit(ctx context.Context, f store.AuditFilter) ([]store.AuditEntry, error) {
	return e.store.ListAudit(ctx, f)
}

// Prune drops delivered inbox rows and audit rows past their retention.
func (e *Engine) Prune(ctx context.Context) (store.PruneStats, error) {
	stats, err := e.store.Prune(ctx, e.cfg.Retention, e.now())
	if err != nil {
		return stats, err
	}
	if stats.Deliveries > 0 || stats.Audit > 0 {
		slog.Info("Engine: pruned", "deliveries", stats.Deliveries, "audit", stats.Audit)
	}
	return stats, nil
}

// MaintenanceResult reports one background maintenance pass.
type MaintenanceResult struct {
	Pruned    store.PruneStats `json:"pruned"`
	Idle      []string         `json:"idle,omitempty"`
	Compacted CompactResult    `json:"compacted"`
}

// Maintain prunes expired rows, marks inactive agents idle and compacts
// stable tombstones. Every step runs even when an earlier one fails; the
// errors are joined.
func (e *Engine) Maintain(ctx context.Context) (MaintenanceResult, error) {
	var (
		res  MaintenanceResult
		errs []error
		err  error
	)
	if res.Pruned, err = e.Prune(ctx); err != nil {
		errs = append(errs, fmt.Errorf("prune: %w", err))
	}
	if res.Idle, err = e.MarkIdle(ctx); err != nil {
		errs = append(errs, fmt.Errorf("mark idle: %w", err))
	}
	if res.Compacted, err = e.Compact(ctx); err != nil {
		errs = append(errs, fmt.Errorf("compact: %w", err))
	}
	return res, errors.Join(errs...)
}

// RunPruner runs Maintain every interval until ctx is cancelled.
func (e *Engine) RunPruner(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.Maintain(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("Engine: maintenance failed", "error", err)
			}
		}
	}
}
