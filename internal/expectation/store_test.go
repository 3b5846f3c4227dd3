package expectation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sentinel-ops/platform/internal/model"
)

func TestMemoryStoreClaimExclusivity(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	due := time.Now().UTC().Add(-time.Minute)
	const total = 50
	for i := 0; i < total; i++ {
		if _, err := store.Create(ctx, CreateInput{
			WorkflowRunID: int64(i + 1),
			FromNodeKey:   "ordered",
			ToNodeKey:     "picked",
			DueAt:         due,
			Severity:      model.SeverityAmber,
		}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	claimedIDs := map[int64]string{}
	for w := 0; w < workers; w++ {
		owner := string(rune('a' + w))
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			for {
				batch, err := store.ClaimDuePending(ctx, 5, owner)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, exp := range batch {
					if prev, dup := claimedIDs[exp.ID]; dup {
						t.Errorf("expectation %d claimed twice (by %s and %s)", exp.ID, prev, owner)
					}
					claimedIDs[exp.ID] = owner
				}
				mu.Unlock()
			}
		}(owner)
	}
	wg.Wait()

	if len(claimedIDs) != total {
		t.Fatalf("expected all %d expectations claimed exactly once, got %d", total, len(claimedIDs))
	}
}

func TestMemoryStoreClaimSkipsFutureAndNonPending(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	overdue, _ := store.Create(ctx, CreateInput{WorkflowRunID: 1, FromNodeKey: "a", ToNodeKey: "b", DueAt: now.Add(-time.Hour), Severity: model.SeverityRed})
	if _, err := store.Create(ctx, CreateInput{WorkflowRunID: 1, FromNodeKey: "a", ToNodeKey: "c", DueAt: now.Add(time.Hour), Severity: model.SeverityAmber}); err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := store.ClaimDuePending(ctx, 10, "owner-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != overdue.ID {
		t.Fatalf("expected only the overdue row, got %+v", claimed)
	}
	if claimed[0].Status != model.ExpectationFired || claimed[0].LockOwner != "owner-1" {
		t.Fatalf("claimed row not marked fired: %+v", claimed[0])
	}

	// Second claim finds nothing; the row is no longer pending.
	again, err := store.ClaimDuePending(ctx, 10, "owner-2")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("fired row claimed again: %+v", again)
	}
}

func TestMemoryStoreClearForNode(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	if _, err := store.Create(ctx, CreateInput{WorkflowRunID: 1, FromNodeKey: "ordered", ToNodeKey: "picked", DueAt: now, Severity: model.SeverityAmber}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Create(ctx, CreateInput{WorkflowRunID: 1, FromNodeKey: "ordered", ToNodeKey: "packed", DueAt: now, Severity: model.SeverityAmber}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Create(ctx, CreateInput{WorkflowRunID: 2, FromNodeKey: "ordered", ToNodeKey: "picked", DueAt: now, Severity: model.SeverityAmber}); err != nil {
		t.Fatalf("create: %v", err)
	}

	cleared, err := store.ClearForNode(ctx, 1, "picked")
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(cleared) != 1 || cleared[0].ToNodeKey != "picked" || cleared[0].WorkflowRunID != 1 {
		t.Fatalf("unexpected cleared set: %+v", cleared)
	}

	// Clearing is terminal: a second arrival for the same node clears nothing.
	cleared, err = store.ClearForNode(ctx, 1, "picked")
	if err != nil {
		t.Fatalf("second clear: %v", err)
	}
	if len(cleared) != 0 {
		t.Fatalf("cleared row cleared again: %+v", cleared)
	}

	pending, _ := store.ListPendingByRun(ctx, 1)
	if len(pending) != 1 || pending[0].ToNodeKey != "packed" {
		t.Fatalf("expected packed still pending, got %+v", pending)
	}
}

func TestMemoryStoreClearsFiredRows(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	exp, _ := store.Create(ctx, CreateInput{WorkflowRunID: 1, FromNodeKey: "a", ToNodeKey: "b", DueAt: time.Now().UTC().Add(-time.Minute), Severity: model.SeverityRed})
	if _, err := store.ClaimDuePending(ctx, 1, "owner"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// A very late arrival still clears a fired expectation.
	cleared, err := store.ClearForNode(ctx, 1, "b")
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(cleared) != 1 || cleared[0].ID != exp.ID {
		t.Fatalf("fired row should still clear: %+v", cleared)
	}
}
