package aggregation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sentinel-ops/platform/internal/model"
)

// PGStore persists stage aggregates in Postgres.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Upsert(ctx context.Context, in UpsertInput) error {
	const q = `
		INSERT INTO stage_aggregate
		  (workflow_version_id, group_dim_hash, node_key, bucket_start, in_flight, completed, late, failed)
		VALUES ($1,$2,$3,$4,GREATEST(0,$5),$6,$7,$8)
		ON CONFLICT (workflow_version_id, group_dim_hash, node_key, bucket_start)
		DO UPDATE SET
		    in_flight = GREATEST(0, stage_aggregate.in_flight + EXCLUDED.in_flight),
		    completed = stage_aggregate.completed + EXCLUDED.completed,
		    late = stage_aggregate.late + EXCLUDED.late,
		    failed = stage_aggregate.failed + EXCLUDED.failed
	`
	_, err := s.db.ExecContext(ctx, q,
		in.WorkflowVersionID, in.GroupHash, in.NodeKey, in.BucketStart,
		in.InFlightDelta, in.CompletedDelta, in.LateDelta, in.FailedDelta,
	)
	if err != nil {
		return fmt.Errorf("upsert stage aggregate: %w", err)
	}
	return nil
}

func (s *PGStore) ListByVersion(ctx context.Context, versionID int64, groupHash string, from, to time.Time, limit int) ([]model.StageAggregate, error) {
	q := `
		SELECT workflow_version_id, group_dim_hash, node_key, bucket_start, in_flight, completed, late, failed
		FROM stage_aggregate
		WHERE workflow_version_id = $1
	`
	args := []interface{}{versionID}
	if groupHash != "" {
		args = append(args, groupHash)
		q += fmt.Sprintf(` AND group_dim_hash = $%d`, len(args))
	}
	if !from.IsZero() {
		args = append(args, from)
		q += fmt.Sprintf(` AND bucket_start >= $%d`, len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		q += fmt.Sprintf(` AND bucket_start <= $%d`, len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY bucket_start DESC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list stage aggregates: %w", err)
	}
	defer rows.Close()
	var out []model.StageAggregate
	for rows.Next() {
		var agg model.StageAggregate
		if err := rows.Scan(&agg.WorkflowVersionID, &agg.GroupHash, &agg.NodeKey, &agg.BucketStart,
			&agg.InFlight, &agg.Completed, &agg.Late, &agg.Failed); err != nil {
			return nil, fmt.Errorf("scan stage aggregate: %w", err)
		}
		out = append(out, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage aggregates: %w", err)
	}
	return out, nil
}
