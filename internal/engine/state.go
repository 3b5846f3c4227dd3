// package engine correlates normalized events against workflow stage graphs,
// maintaining run state and emitting rule-evaluated and alert-trigger
// outcomes.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/sentinel-ops/platform/internal/model"
)

// ErrNotFound is returned when a run lookup matches nothing.
var ErrNotFound = errors.New("not found")

// RunContext is the minimal run state the synthetic-miss path needs.
type RunContext struct {
	WorkflowVersionID int64
	CorrelationKey    string
	GroupJSON         string
}

// StateStore persists workflow runs and the append-only occurrence log.
type StateStore interface {
	// FindRunID returns the run id for (versionID, correlationKey), or found=false.
	FindRunID(ctx context.Context, versionID int64, correlationKey string) (id int64, found bool, err error)

	// CreateRun inserts a new run and returns its id. The (versionID,
	// correlationKey) pair is unique; concurrent creates resolve to one row.
	CreateRun(ctx context.Context, versionID int64, correlationKey string, status model.Severity, startedAt time.Time, groupJSON string) (int64, error)

	// UpdateRun persists the derived status projection onto the run row.
	UpdateRun(ctx context.Context, runID int64, status model.Severity, updatedAt time.Time, lastNodeKey string) error

	// HasSeenEvent reports whether the event id already occurred on the run.
	HasSeenEvent(ctx context.Context, runID int64, eventID string) (bool, error)

	// SaveOccurrence appends one occurrence record.
	SaveOccurrence(ctx context.Context, occ model.EventOccurrence) error

	// LoadRunContext fetches the context needed to process a synthetic miss.
	LoadRunContext(ctx context.Context, runID int64) (RunContext, error)

	// FindLatestRun returns the most recently updated run for the correlation
	// key, optionally pinned to a version (0 = any). ErrNotFound when absent.
	FindLatestRun(ctx context.Context, correlationKey string, versionID int64) (model.WorkflowRun, error)

	// ListOccurrences returns a run's occurrences ordered by receivedAt.
	ListOccurrences(ctx context.Context, runID int64) ([]model.EventOccurrence, error)
}

// Publisher delivers engine outcomes to the aggregator and the alert manager.
// Wiring may be in-process or via a message bus; the contract is the message
// shape, not the transport.
type Publisher interface {
	PublishRuleEvaluated(ctx context.Context, ev model.RuleEvaluated) error
	PublishAlertTriggered(ctx context.Context, trigger model.AlertTrigger) error
}
