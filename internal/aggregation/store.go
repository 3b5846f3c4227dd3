// package aggregation maintains the minute-bucketed stage counters behind
// dashboards and wallboards.
package aggregation

import (
	"context"
	"time"

	"github.com/sentinel-ops/platform/internal/model"
)

// UpsertInput is one signed-delta application against a counter row. Counters
// are never read-modified-written from application code; the upsert primitive
// is the concurrency boundary.
type UpsertInput struct {
	WorkflowVersionID int64
	GroupHash         string
	NodeKey           string
	BucketStart       time.Time
	InFlightDelta     int
	CompletedDelta    int
	LateDelta         int
	FailedDelta       int
}

// Store is the persistence abstraction over stage aggregates.
type Store interface {
	// Upsert atomically inserts or delta-updates one counter row; inFlight is
	// clamped at zero after the add. Safe under unbounded concurrent callers
	// targeting the same key.
	Upsert(ctx context.Context, in UpsertInput) error

	// ListByVersion returns aggregates for a workflow version, optionally
	// filtered by group hash and bucket window, newest buckets first.
	ListByVersion(ctx context.Context, versionID int64, groupHash string, from, to time.Time, limit int) ([]model.StageAggregate, error)
}
