package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sentinel-ops/platform/internal/group"
	"github.com/sentinel-ops/platform/internal/model"
)

// MemoryStateStore provides an in-memory implementation useful for tests and
// the no-database development mode.
type MemoryStateStore struct {
	mu          sync.RWMutex
	nextRunID   int64
	nextOccID   int64
	runs        map[int64]*model.WorkflowRun
	runGroups   map[int64]string // persisted group JSON per run
	occurrences map[int64][]model.EventOccurrence
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		runs:        map[int64]*model.WorkflowRun{},
		runGroups:   map[int64]string{},
		occurrences: map[int64][]model.EventOccurrence{},
	}
}

func (m *MemoryStateStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStateStore) FindRunID(ctx context.Context, versionID int64, correlationKey string) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, run := range m.runs {
		if run.WorkflowVersionID == versionID && run.CorrelationKey == correlationKey {
			return id, true, nil
		}
	}
	return 0, false, nil
}

func (m *MemoryStateStore) CreateRun(ctx context.Context, versionID int64, correlationKey string, status model.Severity, startedAt time.Time, groupJSON string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, run := range m.runs {
		if run.WorkflowVersionID == versionID && run.CorrelationKey == correlationKey {
			return id, nil
		}
	}
	m.nextRunID++
	m.runs[m.nextRunID] = &model.WorkflowRun{
		ID:                m.nextRunID,
		WorkflowVersionID: versionID,
		CorrelationKey:    correlationKey,
		Status:            status,
		Group:             group.ParseJSON(groupJSON),
		StartedAt:         startedAt,
		UpdatedAt:         startedAt,
	}
	m.runGroups[m.nextRunID] = groupJSON
	return m.nextRunID, nil
}

func (m *MemoryStateStore) UpdateRun(ctx context.Context, runID int64, status model.Severity, updatedAt time.Time, lastNodeKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	run.Status = status
	run.UpdatedAt = updatedAt
	run.LastNodeKey = lastNodeKey
	return nil
}

func (m *MemoryStateStore) HasSeenEvent(ctx context.Context, runID int64, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, occ := range m.occurrences[runID] {
		if occ.EventID == eventID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStateStore) SaveOccurrence(ctx context.Context, occ model.EventOccurrence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextOccID++
	occ.ID = m.nextOccID
	m.occurrences[occ.WorkflowRunID] = append(m.occurrences[occ.WorkflowRunID], occ)
	return nil
}

func (m *MemoryStateStore) LoadRunContext(ctx context.Context, runID int64) (RunContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return RunContext{}, ErrNotFound
	}
	return RunContext{
		WorkflowVersionID: run.WorkflowVersionID,
		CorrelationKey:    run.CorrelationKey,
		GroupJSON:         m.runGroups[runID],
	}, nil
}

func (m *MemoryStateStore) FindLatestRun(ctx context.Context, correlationKey string, versionID int64) (model.WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *model.WorkflowRun
	for _, run := range m.runs {
		if run.CorrelationKey != correlationKey {
			continue
		}
		if versionID > 0 && run.WorkflowVersionID != versionID {
			continue
		}
		if latest == nil || run.UpdatedAt.After(latest.UpdatedAt) {
			latest = run
		}
	}
	if latest == nil {
		return model.WorkflowRun{}, ErrNotFound
	}
	return *latest, nil
}

func (m *MemoryStateStore) ListOccurrences(ctx context.Context, runID int64) ([]model.EventOccurrence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]model.EventOccurrence(nil), m.occurrences[runID]...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out, nil
}
