package ruleconfig

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sentinel-ops/platform/internal/model"
)

// PGAccessor resolves workflow versions from Postgres. Each resolved graph is
// loaded in full and validated before it is handed to the engine.
type PGAccessor struct {
	db *sql.DB
}

func NewPGAccessor(db *sql.DB) *PGAccessor {
	return &PGAccessor{db: db}
}

func (a *PGAccessor) ResolveActiveVersion(ctx context.Context, workflowKey string) (*Version, error) {
	const q = `
		SELECT w.id, w.key, v.id, v.version_num
		FROM workflow w
		JOIN workflow_version v ON v.id = COALESCE(w.active_version_id, (
			SELECT id FROM workflow_version
			WHERE workflow_id = w.id
			ORDER BY version_num DESC LIMIT 1
		))
		WHERE w.key = $1
	`
	var v Version
	if err := a.db.QueryRowContext(ctx, q, workflowKey).Scan(&v.WorkflowID, &v.WorkflowKey, &v.ID, &v.VersionNum); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resolve active version: %w", err)
	}
	if err := a.loadGraph(ctx, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (a *PGAccessor) FindActiveVersionsByEventType(ctx context.Context, eventType string) ([]*Version, error) {
	const q = `
		SELECT DISTINCT w.id, w.key, v.id, v.version_num
		FROM workflow w
		JOIN workflow_version v ON v.id = COALESCE(w.active_version_id, (
			SELECT id FROM workflow_version
			WHERE workflow_id = w.id
			ORDER BY version_num DESC LIMIT 1
		))
		JOIN workflow_node n ON n.workflow_version_id = v.id
		WHERE n.event_type = $1
	`
	rows, err := a.db.QueryContext(ctx, q, eventType)
	if err != nil {
		return nil, fmt.Errorf("find versions by event type: %w", err)
	}
	defer rows.Close()

	var versions []*Version
	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.WorkflowID, &v.WorkflowKey, &v.ID, &v.VersionNum); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	for _, v := range versions {
		if err := a.loadGraph(ctx, v); err != nil {
			return nil, err
		}
	}
	return versions, nil
}

func (a *PGAccessor) loadGraph(ctx context.Context, v *Version) error {
	const nodeQ = `
		SELECT node_key, event_type, is_start, is_terminal
		FROM workflow_node
		WHERE workflow_version_id = $1
		ORDER BY id
	`
	rows, err := a.db.QueryContext(ctx, nodeQ, v.ID)
	if err != nil {
		return fmt.Errorf("load nodes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.NodeKey, &n.EventType, &n.IsStart, &n.IsTerminal); err != nil {
			return fmt.Errorf("scan node: %w", err)
		}
		v.Nodes = append(v.Nodes, n)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate nodes: %w", err)
	}

	const edgeQ = `
		SELECT wn_from.node_key, wn_to.node_key,
		       COALESCE(we.max_latency_sec, 0), COALESCE(we.absolute_deadline, ''),
		       we.optional, COALESCE(we.expected_count, 1), COALESCE(we.severity, 'amber')
		FROM workflow_edge we
		JOIN workflow_node wn_from ON we.from_node_id = wn_from.id
		JOIN workflow_node wn_to ON we.to_node_id = wn_to.id
		WHERE wn_from.workflow_version_id = $1
		ORDER BY we.id
	`
	edgeRows, err := a.db.QueryContext(ctx, edgeQ, v.ID)
	if err != nil {
		return fmt.Errorf("load edges: %w", err)
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		var e Edge
		var severity string
		if err := edgeRows.Scan(&e.FromNodeKey, &e.ToNodeKey, &e.MaxLatencySec, &e.AbsoluteDeadline, &e.Optional, &e.ExpectedCount, &severity); err != nil {
			return fmt.Errorf("scan edge: %w", err)
		}
		e.Severity = model.ParseSeverity(severity)
		v.Edges = append(v.Edges, e)
	}
	if err := edgeRows.Err(); err != nil {
		return fmt.Errorf("iterate edges: %w", err)
	}

	if err := Validate(v); err != nil {
		return fmt.Errorf("invalid workflow graph: %w", err)
	}
	return nil
}
