package expectation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sentinel-ops/platform/internal/model"
)

// MemoryStore provides an in-memory implementation useful for tests and the
// no-database development mode. The mutex gives the same claim exclusivity the
// Postgres store gets from row locking.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*model.Expectation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: map[int64]*model.Expectation{}}
}

func (m *MemoryStore) Create(ctx context.Context, in CreateInput) (model.Expectation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	exp := model.Expectation{
		ID:            m.nextID,
		WorkflowRunID: in.WorkflowRunID,
		FromNodeKey:   in.FromNodeKey,
		ToNodeKey:     in.ToNodeKey,
		DueAt:         in.DueAt,
		Severity:      in.Severity,
		Status:        model.ExpectationPending,
	}
	stored := exp
	m.rows[exp.ID] = &stored
	return exp, nil
}

func (m *MemoryStore) ClearForNode(ctx context.Context, runID int64, toNodeKey string) ([]model.Expectation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cleared []model.Expectation
	for _, row := range m.rows {
		if row.WorkflowRunID != runID || row.ToNodeKey != toNodeKey {
			continue
		}
		if row.Status != model.ExpectationPending && row.Status != model.ExpectationFired {
			continue
		}
		cleared = append(cleared, *row)
		row.Status = model.ExpectationCleared
		row.LockOwner = ""
	}
	sortByDueAt(cleared)
	return cleared, nil
}

func (m *MemoryStore) ClaimDuePending(ctx context.Context, limit int, owner string) ([]model.Expectation, error) {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*model.Expectation
	for _, row := range m.rows {
		if row.Status == model.ExpectationPending && !row.DueAt.After(now) {
			due = append(due, row)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	claimed := make([]model.Expectation, 0, len(due))
	for _, row := range due {
		row.Status = model.ExpectationFired
		row.LockOwner = owner
		claimed = append(claimed, *row)
	}
	return claimed, nil
}

func (m *MemoryStore) ListPendingByRun(ctx context.Context, runID int64) ([]model.Expectation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Expectation
	for _, row := range m.rows {
		if row.WorkflowRunID == runID && row.Status == model.ExpectationPending {
			out = append(out, *row)
		}
	}
	sortByDueAt(out)
	return out, nil
}

func sortByDueAt(rows []model.Expectation) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].DueAt.Equal(rows[j].DueAt) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].DueAt.Before(rows[j].DueAt)
	})
}
