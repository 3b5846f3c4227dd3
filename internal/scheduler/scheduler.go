// package scheduler polls for overdue expectations and feeds synthetic misses
// back into the rule engine.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/sentinel-ops/platform/internal/engine"
	"github.com/sentinel-ops/platform/internal/expectation"
	"github.com/sentinel-ops/platform/internal/model"
)

// Config tunes the poll loop. Zero values get defaults.
type Config struct {
	Interval  time.Duration // default 15s
	PollLimit int           // default 100
}

// Scheduler claims due pending expectations on a fixed interval. Multiple
// instances may run concurrently; the store's claim guarantees each row is
// handed to exactly one of them.
type Scheduler struct {
	store  expectation.Store
	engine *engine.Engine
	cfg    Config
	owner  string
}

func New(store expectation.Store, eng *engine.Engine, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.PollLimit <= 0 {
		cfg.PollLimit = 100
	}
	return &Scheduler{
		store:  store,
		engine: eng,
		cfg:    cfg,
		owner:  "scheduler-" + uuid.New().String()[:8],
	}
}

// Run blocks until ctx is cancelled, polling one bounded batch per tick.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Printf("[scheduler] starting owner=%s interval=%s limit=%d", s.owner, s.cfg.Interval, s.cfg.PollLimit)
	defer log.Printf("[scheduler] stopped owner=%s", s.owner)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.PollOnce(ctx); err != nil {
				log.Printf("[scheduler] poll failed: %v", err)
			}
		}
	}
}

// PollOnce claims one batch of due expectations and processes each row
// independently: a failure on one row never blocks the rest of the batch.
func (s *Scheduler) PollOnce(ctx context.Context) error {
	claimed, err := s.store.ClaimDuePending(ctx, s.cfg.PollLimit, s.owner)
	if err != nil {
		return fmt.Errorf("claim due expectations: %w", err)
	}
	if len(claimed) == 0 {
		return nil
	}
	log.Printf("[scheduler] claimed %d due expectations", len(claimed))
	for _, exp := range claimed {
		missed := model.SyntheticMissed{
			ExpectationID: exp.ID,
			WorkflowRunID: exp.WorkflowRunID,
			FromNode:      exp.FromNodeKey,
			ToNode:        exp.ToNodeKey,
			DueAt:         exp.DueAt,
			Severity:      exp.Severity.String(),
			DedupeKey:     fmt.Sprintf("exp-%d-%d", exp.ID, exp.DueAt.UnixMilli()),
		}
		if err := s.engine.HandleSyntheticMissed(ctx, missed); err != nil {
			log.Printf("[scheduler] synthetic miss failed expectationId=%d run=%d: %v",
				exp.ID, exp.WorkflowRunID, err)
		}
	}
	return nil
}
