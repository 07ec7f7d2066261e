package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/KafClaw/memmesh/internal/namespace"
	"github.com/KafClaw/memmesh/internal/projection"
)

const projectionColumns = `projection_id, source_namespace, target_namespace, filter_json, compression_level, live, created_at, created_by`

func (s *Store) InsertProjection(ctx context.Context, p projection.Projection) error {
	filter, err := json.Marshal(p.Filter)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO memory_projections (`+projectionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Source.String(), p.Target.String(), string(filter), p.CompressionLevel, boolInt(p.Live),
		nanos(p.CreatedAt), p.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert projection %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) GetProjection(ctx context.Context, id string) (projection.Projection, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectionColumns+` FROM memory_projections WHERE projection_id = ?`, id)
	p, err := scanProjection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return projection.Projection{}, false, nil
	}
	if err != nil {
		return projection.Projection{}, false, err
	}
	return p, true, nil
}

func (s *Store) ListProjections(ctx context.Context) ([]projection.Projection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectionColumns+` FROM memory_projections ORDER BY created_at, projection_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []projection.Projection
	for rows.Next() {
		p, err := scanProjection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) DeleteProjection(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memory_projections WHERE projection_id = ?`, id)
	return err
}

func scanProjection(r scanner) (projection.Projection, error) {
	var (
		p                   projection.Projection
		source, target, flt string
		live                int
		created             int64
	)
	if err := r.Scan(&p.ID, &source, &target, &flt, &p.CompressionLevel, &live, &created, &p.CreatedBy); err != nil {
		return projection.Projection{}, err
	}
	var err error
	if p.Source, err = namespace.Parse(source); err != nil {
		return projection.Projection{}, err
	}
	if p.Target, err = namespace.Parse(target); err != nil {
		return projection.Projection{}, err
	}
	if err := json.Unmarshal([]byte(flt), &p.Filter); err != nil {
		return projection.Projection{}, fmt.Errorf("decode projection filter %s: %w", p.ID, err)
	}
	p.Live = live != 0
	p.CreatedAt = fromNanos(created)
	return p, nil
}
