package aggregation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/sentinel-ops/platform/internal/model"
)

// Service consumes rule-evaluated outcomes and folds them into the stage
// aggregates.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// HandleRuleEvaluated decodes one rule-evaluated message and applies it.
// Undecodable payloads are dropped and logged; they are never retried.
func (s *Service) HandleRuleEvaluated(ctx context.Context, payload []byte) error {
	var ev model.RuleEvaluated
	if err := json.Unmarshal(payload, &ev); err != nil {
		log.Printf("[aggregation] dropping undecodable rule-evaluated payload: %v", err)
		return nil
	}
	return s.Apply(ctx, ev)
}

// Apply performs one upsert for the arrival node plus one per in-flight delta
// entry. The bucket is receivedAt (or now when absent) truncated to the
// minute, UTC.
func (s *Service) Apply(ctx context.Context, ev model.RuleEvaluated) error {
	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	bucket := receivedAt.UTC().Truncate(time.Minute)

	if err := s.store.Upsert(ctx, UpsertInput{
		WorkflowVersionID: ev.WorkflowVersionID,
		GroupHash:         ev.GroupHash,
		NodeKey:           ev.Node,
		BucketStart:       bucket,
		CompletedDelta:    ev.CompletedDelta,
		LateDelta:         ev.LateDelta,
		FailedDelta:       ev.FailedDelta,
	}); err != nil {
		return fmt.Errorf("upsert arrival node counters: %w", err)
	}
	for nodeKey, delta := range ev.InFlightDeltas {
		if err := s.store.Upsert(ctx, UpsertInput{
			WorkflowVersionID: ev.WorkflowVersionID,
			GroupHash:         ev.GroupHash,
			NodeKey:           nodeKey,
			BucketStart:       bucket,
			InFlightDelta:     delta,
		}); err != nil {
			return fmt.Errorf("upsert in-flight counters for node %s: %w", nodeKey, err)
		}
	}
	return nil
}

// ListByVersion is the read side used by dashboards.
func (s *Service) ListByVersion(ctx context.Context, versionID int64, groupHash string, from, to time.Time, limit int) ([]model.StageAggregate, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListByVersion(ctx, versionID, groupHash, from, to, limit)
}
