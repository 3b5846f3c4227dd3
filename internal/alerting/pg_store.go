package alerting

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sentinel-ops/platform/internal/model"
)

// PGStore persists alerts and audit entries in Postgres.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const alertColumns = `
	id, correlation_key, workflow_version_id, node_key, severity, state, dedupe_key,
	first_triggered_at, last_triggered_at, acked_by, acked_at, suppressed_until
`

func (s *PGStore) FindByDedupeKey(ctx context.Context, dedupeKey string) (model.Alert, error) {
	q := `SELECT ` + alertColumns + ` FROM alert WHERE dedupe_key = $1 ORDER BY id LIMIT 1`
	return s.queryOne(ctx, q, dedupeKey)
}

func (s *PGStore) FindByID(ctx context.Context, id int64) (model.Alert, error) {
	q := `SELECT ` + alertColumns + ` FROM alert WHERE id = $1`
	return s.queryOne(ctx, q, id)
}

func (s *PGStore) queryOne(ctx context.Context, q string, arg interface{}) (model.Alert, error) {
	alert, err := scanAlert(s.db.QueryRowContext(ctx, q, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Alert{}, ErrNotFound
		}
		return model.Alert{}, fmt.Errorf("query alert: %w", err)
	}
	return alert, nil
}

func (s *PGStore) Save(ctx context.Context, alert model.Alert) (model.Alert, error) {
	if alert.ID == 0 {
		const q = `
			INSERT INTO alert
			  (correlation_key, workflow_version_id, node_key, severity, state, dedupe_key,
			   first_triggered_at, last_triggered_at, acked_by, acked_at, suppressed_until)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			RETURNING id
		`
		err := s.db.QueryRowContext(ctx, q,
			alert.CorrelationKey, alert.WorkflowVersionID, alert.NodeKey, alert.Severity.String(),
			alert.State, alert.DedupeKey, alert.FirstTriggeredAt, alert.LastTriggeredAt,
			nullIfEmpty(alert.AckedBy), alert.AckedAt, alert.SuppressedUntil,
		).Scan(&alert.ID)
		if err != nil {
			return model.Alert{}, fmt.Errorf("insert alert: %w", err)
		}
		return alert, nil
	}
	const q = `
		UPDATE alert
		SET correlation_key=$1, workflow_version_id=$2, node_key=$3, severity=$4, state=$5,
		    first_triggered_at=$6, last_triggered_at=$7, acked_by=$8, acked_at=$9, suppressed_until=$10
		WHERE id=$11
	`
	res, err := s.db.ExecContext(ctx, q,
		alert.CorrelationKey, alert.WorkflowVersionID, alert.NodeKey, alert.Severity.String(),
		alert.State, alert.FirstTriggeredAt, alert.LastTriggeredAt,
		nullIfEmpty(alert.AckedBy), alert.AckedAt, alert.SuppressedUntil, alert.ID,
	)
	if err != nil {
		return model.Alert{}, fmt.Errorf("update alert: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return model.Alert{}, ErrNotFound
	}
	return alert, nil
}

func (s *PGStore) List(ctx context.Context, state string, limit int) ([]model.Alert, error) {
	q := `SELECT ` + alertColumns + ` FROM alert`
	args := []interface{}{}
	if state != "" {
		q += ` WHERE state = $1`
		args = append(args, state)
	}
	q += fmt.Sprintf(` ORDER BY last_triggered_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)
	return s.queryMany(ctx, q, args...)
}

func (s *PGStore) ListByCorrelation(ctx context.Context, correlationKey string, versionID int64) ([]model.Alert, error) {
	q := `SELECT ` + alertColumns + ` FROM alert WHERE correlation_key = $1 AND workflow_version_id = $2 ORDER BY last_triggered_at DESC`
	return s.queryMany(ctx, q, correlationKey, versionID)
}

func (s *PGStore) queryMany(ctx context.Context, q string, args ...interface{}) ([]model.Alert, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()
	var out []model.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return out, nil
}

func (s *PGStore) AppendAudit(ctx context.Context, entry model.AuditLogEntry) (model.AuditLogEntry, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	details := []byte("null")
	if len(entry.Details) > 0 {
		details = entry.Details
	}
	const q = `
		INSERT INTO audit_log (entity_type, entity_id, action, actor, details, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id
	`
	if err := s.db.QueryRowContext(ctx, q, entry.EntityType, entry.EntityID, entry.Action, entry.Actor, details, entry.CreatedAt).Scan(&entry.ID); err != nil {
		return model.AuditLogEntry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	return entry, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row rowScanner) (model.Alert, error) {
	var alert model.Alert
	var severity string
	var ackedBy sql.NullString
	var ackedAt, suppressedUntil sql.NullTime
	err := row.Scan(
		&alert.ID, &alert.CorrelationKey, &alert.WorkflowVersionID, &alert.NodeKey, &severity,
		&alert.State, &alert.DedupeKey, &alert.FirstTriggeredAt, &alert.LastTriggeredAt,
		&ackedBy, &ackedAt, &suppressedUntil,
	)
	if err != nil {
		return model.Alert{}, err
	}
	alert.Severity = model.ParseSeverity(severity)
	alert.AckedBy = ackedBy.String
	if ackedAt.Valid {
		t := ackedAt.Time
		alert.AckedAt = &t
	}
	if suppressedUntil.Valid {
		t := suppressedUntil.Time
		alert.SuppressedUntil = &t
	}
	return alert, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
