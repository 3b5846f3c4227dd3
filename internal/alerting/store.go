// package alerting maintains the deduplicated alert state machine and its
// append-only audit trail.
package alerting

import (
	"context"
	"errors"

	"github.com/sentinel-ops/platform/internal/model"
)

// ErrNotFound is returned when an alert id or dedupe key matches nothing.
var ErrNotFound = errors.New("alert not found")

// Store is the persistence abstraction over alerts and audit entries.
type Store interface {
	// FindByDedupeKey returns the alert coalesced under the key, or ErrNotFound.
	FindByDedupeKey(ctx context.Context, dedupeKey string) (model.Alert, error)

	// FindByID returns the alert, or ErrNotFound.
	FindByID(ctx context.Context, id int64) (model.Alert, error)

	// Save inserts the alert when ID is zero, otherwise updates the existing
	// row; the saved alert (with id populated) is returned.
	Save(ctx context.Context, alert model.Alert) (model.Alert, error)

	// List returns alerts ordered by lastTriggeredAt descending, optionally
	// filtered by state, bounded by limit.
	List(ctx context.Context, state string, limit int) ([]model.Alert, error)

	// ListByCorrelation returns the correlation key's alerts for a version,
	// ordered by lastTriggeredAt descending. Used by timeline read models.
	ListByCorrelation(ctx context.Context, correlationKey string, versionID int64) ([]model.Alert, error)

	// AppendAudit appends one audit log entry.
	AppendAudit(ctx context.Context, entry model.AuditLogEntry) (model.AuditLogEntry, error)
}
