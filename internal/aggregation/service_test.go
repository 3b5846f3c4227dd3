package aggregation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sentinel-ops/platform/internal/model"
)

func outcome(node string, receivedAt time.Time, deltas map[string]int) model.RuleEvaluated {
	return model.RuleEvaluated{
		WorkflowVersionID: 7,
		WorkflowRunID:     1,
		Node:              node,
		CorrelationKey:    "ORD-1",
		Status:            model.SeverityGreen,
		CompletedDelta:    1,
		InFlightDeltas:    deltas,
		GroupHash:         "default",
		EventTime:         receivedAt,
		ReceivedAt:        receivedAt,
	}
}

func findRow(t *testing.T, rows []model.StageAggregate, node string) model.StageAggregate {
	t.Helper()
	for _, row := range rows {
		if row.NodeKey == node {
			return row
		}
	}
	t.Fatalf("no aggregate row for node %s in %+v", node, rows)
	return model.StageAggregate{}
}

func TestApplyBucketsByMinute(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store)

	receivedAt := time.Date(2026, 3, 2, 10, 4, 37, 250_000_000, time.UTC)
	if err := svc.Apply(ctx, outcome("ordered", receivedAt, map[string]int{"picked": 1})); err != nil {
		t.Fatalf("apply: %v", err)
	}

	rows, err := svc.ListByVersion(ctx, 7, "", time.Time{}, time.Time{}, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected arrival row and in-flight row, got %d", len(rows))
	}
	wantBucket := time.Date(2026, 3, 2, 10, 4, 0, 0, time.UTC)
	for _, row := range rows {
		if !row.BucketStart.Equal(wantBucket) {
			t.Fatalf("bucket not truncated to minute: %v", row.BucketStart)
		}
	}
	arrival := findRow(t, rows, "ordered")
	if arrival.Completed != 1 || arrival.InFlight != 0 {
		t.Fatalf("arrival row wrong: %+v", arrival)
	}
	next := findRow(t, rows, "picked")
	if next.InFlight != 1 || next.Completed != 0 {
		t.Fatalf("in-flight row wrong: %+v", next)
	}
}

func TestApplyAccumulatesWithinBucket(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store)

	base := time.Date(2026, 3, 2, 10, 4, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		ev := outcome("ordered", base.Add(time.Duration(i)*10*time.Second), map[string]int{"picked": 1})
		if err := svc.Apply(ctx, ev); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	rows, _ := svc.ListByVersion(ctx, 7, "", time.Time{}, time.Time{}, 10)
	if got := findRow(t, rows, "ordered").Completed; got != 3 {
		t.Fatalf("expected completed=3, got %d", got)
	}
	if got := findRow(t, rows, "picked").InFlight; got != 3 {
		t.Fatalf("expected inFlight=3, got %d", got)
	}
}

func TestApplyLateAndFailedCounters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store)

	ev := outcome("picked", time.Date(2026, 3, 2, 10, 4, 0, 0, time.UTC), nil)
	ev.Late = true
	ev.LateDelta = 1
	ev.FailedDelta = 1
	if err := svc.Apply(ctx, ev); err != nil {
		t.Fatalf("apply: %v", err)
	}

	rows, _ := svc.ListByVersion(ctx, 7, "", time.Time{}, time.Time{}, 10)
	row := findRow(t, rows, "picked")
	if row.Late != 1 || row.Failed != 1 || row.Completed != 1 {
		t.Fatalf("counters wrong: %+v", row)
	}
}

func TestInFlightClampsAtZero(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store)

	receivedAt := time.Date(2026, 3, 2, 10, 4, 0, 0, time.UTC)
	// A clear for two expectations when only one increment landed in this
	// bucket must not drive the counter negative.
	if err := svc.Apply(ctx, outcome("ordered", receivedAt, map[string]int{"picked": 1})); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := svc.Apply(ctx, outcome("picked", receivedAt, map[string]int{"picked": -2, "shipped": 1})); err != nil {
		t.Fatalf("apply: %v", err)
	}

	rows, _ := svc.ListByVersion(ctx, 7, "", time.Time{}, time.Time{}, 10)
	if got := findRow(t, rows, "picked").InFlight; got != 0 {
		t.Fatalf("inFlight must clamp at 0, got %d", got)
	}
}

func TestApplyConcurrentOutcomes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store)

	receivedAt := time.Date(2026, 3, 2, 10, 4, 0, 0, time.UTC)
	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.Apply(ctx, outcome("ordered", receivedAt, map[string]int{"picked": 1})); err != nil {
				t.Errorf("apply: %v", err)
			}
		}()
	}
	wg.Wait()

	rows, _ := svc.ListByVersion(ctx, 7, "", time.Time{}, time.Time{}, 10)
	if got := findRow(t, rows, "ordered").Completed; got != n {
		t.Fatalf("lost updates: completed=%d want %d", got, n)
	}
	if got := findRow(t, rows, "picked").InFlight; got != n {
		t.Fatalf("lost updates: inFlight=%d want %d", got, n)
	}
}

func TestListFiltersByGroupAndWindow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store)

	early := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	late := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)

	evA := outcome("ordered", early, nil)
	evA.GroupHash = "aaaa"
	evB := outcome("ordered", late, nil)
	evB.GroupHash = "bbbb"
	if err := svc.Apply(ctx, evA); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := svc.Apply(ctx, evB); err != nil {
		t.Fatalf("apply: %v", err)
	}

	rows, _ := svc.ListByVersion(ctx, 7, "aaaa", time.Time{}, time.Time{}, 10)
	if len(rows) != 1 || rows[0].GroupHash != "aaaa" {
		t.Fatalf("group filter broken: %+v", rows)
	}

	rows, _ = svc.ListByVersion(ctx, 7, "", early.Add(time.Hour), time.Time{}, 10)
	if len(rows) != 1 || rows[0].GroupHash != "bbbb" {
		t.Fatalf("window filter broken: %+v", rows)
	}
}

func TestHandleRuleEvaluatedDropsBadPayload(t *testing.T) {
	svc := NewService(NewMemoryStore())
	if err := svc.HandleRuleEvaluated(context.Background(), []byte("{broken")); err != nil {
		t.Fatalf("bad payload must be dropped, not returned: %v", err)
	}
}
