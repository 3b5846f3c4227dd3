package expectation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/sentinel-ops/platform/internal/model"
)

// PGStore persists expectations in Postgres.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, in CreateInput) (model.Expectation, error) {
	const q = `
		INSERT INTO expectation (workflow_run_id, from_node_key, to_node_key, due_at, status, severity, created_at)
		VALUES ($1,$2,$3,$4,'pending',$5,NOW())
		RETURNING id
	`
	exp := model.Expectation{
		WorkflowRunID: in.WorkflowRunID,
		FromNodeKey:   in.FromNodeKey,
		ToNodeKey:     in.ToNodeKey,
		DueAt:         in.DueAt,
		Severity:      in.Severity,
		Status:        model.ExpectationPending,
	}
	if err := s.db.QueryRowContext(ctx, q, in.WorkflowRunID, in.FromNodeKey, in.ToNodeKey, in.DueAt, in.Severity.String()).Scan(&exp.ID); err != nil {
		return model.Expectation{}, fmt.Errorf("insert expectation: %w", err)
	}
	return exp, nil
}

func (s *PGStore) ClearForNode(ctx context.Context, runID int64, toNodeKey string) ([]model.Expectation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const selectQ = `
		SELECT id, workflow_run_id, from_node_key, to_node_key, due_at, severity, status
		FROM expectation
		WHERE workflow_run_id = $1 AND to_node_key = $2 AND status IN ('pending','fired')
		FOR UPDATE
	`
	rows, err := tx.QueryContext(ctx, selectQ, runID, toNodeKey)
	if err != nil {
		return nil, fmt.Errorf("select clearable expectations: %w", err)
	}
	cleared, err := scanExpectations(rows)
	if err != nil {
		return nil, err
	}
	if len(cleared) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]int64, 0, len(cleared))
	for _, e := range cleared {
		ids = append(ids, e.ID)
	}
	const updateQ = `
		UPDATE expectation
		SET status = 'cleared', lock_owner = NULL
		WHERE id = ANY($1)
	`
	if _, err := tx.ExecContext(ctx, updateQ, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("clear expectations: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit clear: %w", err)
	}
	return cleared, nil
}

// ClaimDuePending selects due pending rows with FOR UPDATE SKIP LOCKED and
// marks them fired in the same transaction, so concurrent scheduler instances
// never claim the same row.
func (s *PGStore) ClaimDuePending(ctx context.Context, limit int, owner string) ([]model.Expectation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const selectQ = `
		SELECT id, workflow_run_id, from_node_key, to_node_key, due_at, severity, status
		FROM expectation
		WHERE status = 'pending' AND due_at <= NOW()
		ORDER BY due_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`
	rows, err := tx.QueryContext(ctx, selectQ, limit)
	if err != nil {
		return nil, fmt.Errorf("select due expectations: %w", err)
	}
	claimed, err := scanExpectations(rows)
	if err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]int64, 0, len(claimed))
	for i := range claimed {
		ids = append(ids, claimed[i].ID)
		claimed[i].Status = model.ExpectationFired
		claimed[i].LockOwner = owner
	}
	const markQ = `
		UPDATE expectation
		SET status = 'fired', lock_owner = $1, fired_at = $2
		WHERE id = ANY($3)
	`
	if _, err := tx.ExecContext(ctx, markQ, owner, time.Now().UTC(), pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("mark expectations fired: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claimed, nil
}

func (s *PGStore) ListPendingByRun(ctx context.Context, runID int64) ([]model.Expectation, error) {
	const q = `
		SELECT id, workflow_run_id, from_node_key, to_node_key, due_at, severity, status
		FROM expectation
		WHERE workflow_run_id = $1 AND status = 'pending'
		ORDER BY due_at
	`
	rows, err := s.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("list pending expectations: %w", err)
	}
	return scanExpectations(rows)
}

func scanExpectations(rows *sql.Rows) ([]model.Expectation, error) {
	defer rows.Close()
	var out []model.Expectation
	for rows.Next() {
		var e model.Expectation
		var severity string
		if err := rows.Scan(&e.ID, &e.WorkflowRunID, &e.FromNodeKey, &e.ToNodeKey, &e.DueAt, &severity, &e.Status); err != nil {
			return nil, fmt.Errorf("scan expectation: %w", err)
		}
		e.Severity = model.ParseSeverity(severity)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expectations: %w", err)
	}
	return out, nil
}
