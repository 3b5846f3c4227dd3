package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sentinel-ops/platform/internal/group"
	"github.com/sentinel-ops/platform/internal/model"
)

// PGStateStore persists runs and occurrences in Postgres.
type PGStateStore struct {
	db *sql.DB
}

func NewPGStateStore(db *sql.DB) *PGStateStore {
	return &PGStateStore{db: db}
}

func (s *PGStateStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PGStateStore) FindRunID(ctx context.Context, versionID int64, correlationKey string) (int64, bool, error) {
	const q = `SELECT id FROM workflow_run WHERE workflow_version_id = $1 AND correlation_key = $2`
	var id int64
	if err := s.db.QueryRowContext(ctx, q, versionID, correlationKey).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("find run: %w", err)
	}
	return id, true, nil
}

// CreateRun relies on the (workflow_version_id, correlation_key) unique
// constraint: a concurrent insert loses the race and the existing row id is
// returned instead.
func (s *PGStateStore) CreateRun(ctx context.Context, versionID int64, correlationKey string, status model.Severity, startedAt time.Time, groupJSON string) (int64, error) {
	const q = `
		INSERT INTO workflow_run (workflow_version_id, correlation_key, group_dims, status, started_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$5)
		ON CONFLICT (workflow_version_id, correlation_key) DO NOTHING
		RETURNING id
	`
	var id int64
	err := s.db.QueryRowContext(ctx, q, versionID, correlationKey, groupJSON, status.String(), startedAt).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		id, found, ferr := s.FindRunID(ctx, versionID, correlationKey)
		if ferr != nil {
			return 0, ferr
		}
		if !found {
			return 0, fmt.Errorf("create run: conflict but row not found")
		}
		return id, nil
	}
	if err != nil {
		return 0, fmt.Errorf("create run: %w", err)
	}
	return id, nil
}

func (s *PGStateStore) UpdateRun(ctx context.Context, runID int64, status model.Severity, updatedAt time.Time, lastNodeKey string) error {
	const q = `UPDATE workflow_run SET status = $1, updated_at = $2, last_node_key = $3 WHERE id = $4`
	if _, err := s.db.ExecContext(ctx, q, status.String(), updatedAt, lastNodeKey, runID); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

func (s *PGStateStore) HasSeenEvent(ctx context.Context, runID int64, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	const q = `SELECT COUNT(*) FROM event_occurrence WHERE workflow_run_id = $1 AND event_id = $2`
	var count int
	if err := s.db.QueryRowContext(ctx, q, runID, eventID).Scan(&count); err != nil {
		return false, fmt.Errorf("duplicate check: %w", err)
	}
	return count > 0, nil
}

func (s *PGStateStore) SaveOccurrence(ctx context.Context, occ model.EventOccurrence) error {
	const q = `
		INSERT INTO event_occurrence
		  (workflow_run_id, node_key, event_id, event_time_utc, received_at, payload_excerpt, is_late, is_duplicate, order_violation)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`
	_, err := s.db.ExecContext(ctx, q,
		occ.WorkflowRunID,
		occ.NodeKey,
		nullString(occ.EventID),
		occ.EventTimeUTC,
		occ.ReceivedAt,
		nullString(occ.PayloadExcerpt),
		occ.IsLate,
		occ.IsDuplicate,
		occ.OrderViolation,
	)
	if err != nil {
		return fmt.Errorf("insert occurrence: %w", err)
	}
	return nil
}

func (s *PGStateStore) LoadRunContext(ctx context.Context, runID int64) (RunContext, error) {
	const q = `SELECT workflow_version_id, correlation_key, group_dims FROM workflow_run WHERE id = $1`
	var rc RunContext
	var groupJSON sql.NullString
	if err := s.db.QueryRowContext(ctx, q, runID).Scan(&rc.WorkflowVersionID, &rc.CorrelationKey, &groupJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunContext{}, ErrNotFound
		}
		return RunContext{}, fmt.Errorf("load run context: %w", err)
	}
	rc.GroupJSON = groupJSON.String
	return rc, nil
}

func (s *PGStateStore) FindLatestRun(ctx context.Context, correlationKey string, versionID int64) (model.WorkflowRun, error) {
	q := `
		SELECT id, workflow_version_id, correlation_key, status, COALESCE(last_node_key, ''), COALESCE(group_dims, ''), started_at, updated_at
		FROM workflow_run
		WHERE correlation_key = $1
	`
	args := []interface{}{correlationKey}
	if versionID > 0 {
		q += ` AND workflow_version_id = $2`
		args = append(args, versionID)
	}
	q += ` ORDER BY updated_at DESC LIMIT 1`

	var run model.WorkflowRun
	var status, groupJSON string
	err := s.db.QueryRowContext(ctx, q, args...).Scan(
		&run.ID, &run.WorkflowVersionID, &run.CorrelationKey, &status, &run.LastNodeKey, &groupJSON, &run.StartedAt, &run.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.WorkflowRun{}, ErrNotFound
		}
		return model.WorkflowRun{}, fmt.Errorf("find latest run: %w", err)
	}
	run.Status = model.ParseSeverity(status)
	run.Group = group.ParseJSON(groupJSON)
	return run, nil
}

func (s *PGStateStore) ListOccurrences(ctx context.Context, runID int64) ([]model.EventOccurrence, error) {
	const q = `
		SELECT id, workflow_run_id, node_key, COALESCE(event_id, ''), event_time_utc, received_at,
		       is_late, is_duplicate, order_violation, COALESCE(payload_excerpt, '')
		FROM event_occurrence
		WHERE workflow_run_id = $1
		ORDER BY received_at
	`
	rows, err := s.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("list occurrences: %w", err)
	}
	defer rows.Close()
	var out []model.EventOccurrence
	for rows.Next() {
		var occ model.EventOccurrence
		if err := rows.Scan(&occ.ID, &occ.WorkflowRunID, &occ.NodeKey, &occ.EventID, &occ.EventTimeUTC,
			&occ.ReceivedAt, &occ.IsLate, &occ.IsDuplicate, &occ.OrderViolation, &occ.PayloadExcerpt); err != nil {
			return nil, fmt.Errorf("scan occurrence: %w", err)
		}
		out = append(out, occ)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate occurrences: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
