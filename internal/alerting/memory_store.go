package alerting

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sentinel-ops/platform/internal/model"
)

// MemoryStore provides an in-memory implementation useful for tests and the
// no-database development mode.
type MemoryStore struct {
	mu          sync.RWMutex
	nextAlertID int64
	nextAuditID int64
	alerts      map[int64]model.Alert
	audit       []model.AuditLogEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{alerts: map[int64]model.Alert{}}
}

func (m *MemoryStore) FindByDedupeKey(ctx context.Context, dedupeKey string) (model.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var match *model.Alert
	for id := range m.alerts {
		alert := m.alerts[id]
		if alert.DedupeKey == dedupeKey && (match == nil || alert.ID < match.ID) {
			match = &alert
		}
	}
	if match == nil {
		return model.Alert{}, ErrNotFound
	}
	return *match, nil
}

func (m *MemoryStore) FindByID(ctx context.Context, id int64) (model.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	alert, ok := m.alerts[id]
	if !ok {
		return model.Alert{}, ErrNotFound
	}
	return alert, nil
}

func (m *MemoryStore) Save(ctx context.Context, alert model.Alert) (model.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if alert.ID == 0 {
		m.nextAlertID++
		alert.ID = m.nextAlertID
	} else if _, ok := m.alerts[alert.ID]; !ok {
		return model.Alert{}, ErrNotFound
	}
	m.alerts[alert.ID] = alert
	return alert, nil
}

func (m *MemoryStore) List(ctx context.Context, state string, limit int) ([]model.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Alert
	for _, alert := range m.alerts {
		if state == "" || alert.State == state {
			out = append(out, alert)
		}
	}
	sortByLastTriggered(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByCorrelation(ctx context.Context, correlationKey string, versionID int64) ([]model.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Alert
	for _, alert := range m.alerts {
		if alert.CorrelationKey == correlationKey && alert.WorkflowVersionID == versionID {
			out = append(out, alert)
		}
	}
	sortByLastTriggered(out)
	return out, nil
}

func (m *MemoryStore) AppendAudit(ctx context.Context, entry model.AuditLogEntry) (model.AuditLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	m.nextAuditID++
	entry.ID = m.nextAuditID
	m.audit = append(m.audit, entry)
	return entry, nil
}

// AuditEntries returns a copy of the audit trail; test helper.
func (m *MemoryStore) AuditEntries() []model.AuditLogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.AuditLogEntry(nil), m.audit...)
}

func sortByLastTriggered(alerts []model.Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].LastTriggeredAt.Equal(alerts[j].LastTriggeredAt) {
			return alerts[i].ID > alerts[j].ID
		}
		return alerts[i].LastTriggeredAt.After(alerts[j].LastTriggeredAt)
	})
}
