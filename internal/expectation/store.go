// package expectation tracks outstanding stage deadlines and owns the atomic
// claim operation the scheduler drives.
package expectation

import (
	"context"
	"time"

	"github.com/sentinel-ops/platform/internal/model"
)

// CreateInput describes one expectation row. An edge with expectedCount=N
// yields N Create calls.
type CreateInput struct {
	WorkflowRunID int64
	FromNodeKey   string
	ToNodeKey     string
	DueAt         time.Time
	Severity      model.Severity
}

// Store is the persistence abstraction over expectation rows.
type Store interface {
	// Create inserts one pending expectation.
	Create(ctx context.Context, in CreateInput) (model.Expectation, error)

	// ClearForNode marks every pending or fired expectation targeting the node
	// on the run as cleared, returning the rows as they were before clearing.
	ClearForNode(ctx context.Context, runID int64, toNodeKey string) ([]model.Expectation, error)

	// ClaimDuePending atomically transitions up to limit pending expectations
	// with dueAt <= now to fired, stamped with the owner, and returns them.
	// Two concurrent claimers never receive the same row.
	ClaimDuePending(ctx context.Context, limit int, owner string) ([]model.Expectation, error)

	// ListPendingByRun returns the run's pending expectations ordered by dueAt,
	// for timeline read models.
	ListPendingByRun(ctx context.Context, runID int64) ([]model.Expectation, error)
}
