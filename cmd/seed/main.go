// Command seed inserts a demo order-fulfillment workflow so a fresh database
// has something to correlate against.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"
)

type seedNode struct {
	key        string
	eventType  string
	isStart    bool
	isTerminal bool
}

type seedEdge struct {
	from          string
	to            string
	maxLatencySec int
	deadline      string
	optional      bool
	expectedCount int
	severity      string
}

func main() {
	log.SetFlags(log.LstdFlags)

	workflowKey := flag.String("key", "order-fulfillment", "workflow key to create")
	workflowName := flag.String("name", "Order Fulfillment", "workflow display name")
	flag.Parse()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("ping postgres: %v", err)
	}

	nodes := []seedNode{
		{key: "ordered", eventType: "order.created", isStart: true},
		{key: "picked", eventType: "order.picked"},
		{key: "packed", eventType: "order.packed"},
		{key: "shipped", eventType: "order.shipped"},
		{key: "invoiced", eventType: "order.invoiced"},
		{key: "delivered", eventType: "order.delivered", isTerminal: true},
	}
	edges := []seedEdge{
		{from: "ordered", to: "picked", maxLatencySec: 4 * 3600, severity: "amber"},
		{from: "picked", to: "packed", maxLatencySec: 2 * 3600, severity: "amber"},
		{from: "packed", to: "shipped", deadline: "17:00", severity: "red"},
		{from: "shipped", to: "invoiced", maxLatencySec: 24 * 3600, optional: true, severity: "green"},
		{from: "shipped", to: "delivered", maxLatencySec: 72 * 3600, severity: "red"},
	}

	if err := seed(ctx, db, *workflowKey, *workflowName, nodes, edges); err != nil {
		log.Fatalf("seed failed: %v", err)
	}
	log.Printf("seeded workflow %q with %d nodes and %d edges", *workflowKey, len(nodes), len(edges))
}

func seed(ctx context.Context, db *sql.DB, key, name string, nodes []seedNode, edges []seedEdge) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var workflowID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO workflow (key, name)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`, key, name).Scan(&workflowID)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}

	var versionNum int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version_num), 0) + 1 FROM workflow_version WHERE workflow_id = $1
	`, workflowID).Scan(&versionNum); err != nil {
		return fmt.Errorf("next version number: %w", err)
	}

	var versionID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO workflow_version (workflow_id, version_num)
		VALUES ($1, $2)
		RETURNING id
	`, workflowID, versionNum).Scan(&versionID)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}

	nodeIDs := make(map[string]int64, len(nodes))
	for _, n := range nodes {
		var id int64
		err = tx.QueryRowContext(ctx, `
			INSERT INTO workflow_node (workflow_version_id, node_key, event_type, is_start, is_terminal)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, versionID, n.key, n.eventType, n.isStart, n.isTerminal).Scan(&id)
		if err != nil {
			return fmt.Errorf("insert node %s: %w", n.key, err)
		}
		nodeIDs[n.key] = id
	}

	for _, e := range edges {
		var maxLatency sql.NullInt64
		if e.maxLatencySec > 0 {
			maxLatency = sql.NullInt64{Int64: int64(e.maxLatencySec), Valid: true}
		}
		var deadline sql.NullString
		if e.deadline != "" {
			deadline = sql.NullString{String: e.deadline, Valid: true}
		}
		expected := e.expectedCount
		if expected <= 0 {
			expected = 1
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_edge (from_node_id, to_node_id, max_latency_sec, absolute_deadline, optional, expected_count, severity)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, nodeIDs[e.from], nodeIDs[e.to], maxLatency, deadline, e.optional, expected, e.severity)
		if err != nil {
			return fmt.Errorf("insert edge %s->%s: %w", e.from, e.to, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE workflow SET active_version_id = $1 WHERE id = $2
	`, versionID, workflowID); err != nil {
		return fmt.Errorf("activate version: %w", err)
	}

	return tx.Commit()
}
