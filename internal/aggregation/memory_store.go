package aggregation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sentinel-ops/platform/internal/model"
)

// MemoryStore provides an in-memory implementation useful for tests and the
// no-database development mode. The mutex stands in for the database's atomic
// upsert.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]*model.StageAggregate
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: map[string]*model.StageAggregate{}}
}

func aggregateKey(versionID int64, groupHash, nodeKey string, bucket time.Time) string {
	return fmt.Sprintf("%d|%s|%s|%d", versionID, groupHash, nodeKey, bucket.UnixMilli())
}

func (m *MemoryStore) Upsert(ctx context.Context, in UpsertInput) error {
	key := aggregateKey(in.WorkflowVersionID, in.GroupHash, in.NodeKey, in.BucketStart)
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[key]
	if !ok {
		row = &model.StageAggregate{
			WorkflowVersionID: in.WorkflowVersionID,
			GroupHash:         in.GroupHash,
			NodeKey:           in.NodeKey,
			BucketStart:       in.BucketStart,
		}
		m.rows[key] = row
	}
	row.InFlight += in.InFlightDelta
	if row.InFlight < 0 {
		row.InFlight = 0
	}
	row.Completed += in.CompletedDelta
	row.Late += in.LateDelta
	row.Failed += in.FailedDelta
	return nil
}

func (m *MemoryStore) ListByVersion(ctx context.Context, versionID int64, groupHash string, from, to time.Time, limit int) ([]model.StageAggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.StageAggregate
	for _, row := range m.rows {
		if row.WorkflowVersionID != versionID {
			continue
		}
		if groupHash != "" && row.GroupHash != groupHash {
			continue
		}
		if !from.IsZero() && row.BucketStart.Before(from) {
			continue
		}
		if !to.IsZero() && row.BucketStart.After(to) {
			continue
		}
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.After(out[j].BucketStart) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
