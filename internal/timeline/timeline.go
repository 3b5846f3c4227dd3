// package timeline composes the per-item read model: the latest run for a
// correlation key together with its event history, pending deadlines, and
// alerts.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sentinel-ops/platform/internal/alerting"
	"github.com/sentinel-ops/platform/internal/engine"
	"github.com/sentinel-ops/platform/internal/expectation"
	"github.com/sentinel-ops/platform/internal/group"
	"github.com/sentinel-ops/platform/internal/model"
)

// ErrNotFound is returned when no run exists for the correlation key.
var ErrNotFound = errors.New("timeline: run not found")

// View is the composed timeline for one correlation key.
type View struct {
	WorkflowVersionID   int64                  `json:"workflowVersionId"`
	CorrelationKey      string                 `json:"correlationKey"`
	Status              model.Severity         `json:"status"`
	CurrentStage        string                 `json:"currentStage,omitempty"`
	StartedAt           time.Time              `json:"startedAt"`
	UpdatedAt           time.Time              `json:"updatedAt"`
	GroupHash           string                 `json:"groupHash"`
	GroupLabel          string                 `json:"groupLabel,omitempty"`
	Group               map[string]interface{} `json:"group,omitempty"`
	Events              []EventView            `json:"events"`
	PendingExpectations []ExpectationView      `json:"pendingExpectations"`
	Alerts              []model.Alert          `json:"alerts"`
}

// EventView is one occurrence on the timeline.
type EventView struct {
	Node           string    `json:"node"`
	EventTime      time.Time `json:"eventTime"`
	ReceivedAt     time.Time `json:"receivedAt"`
	Late           bool      `json:"late"`
	OrderViolation bool      `json:"orderViolation"`
	PayloadExcerpt string    `json:"payloadExcerpt,omitempty"`
}

// ExpectationView is one pending deadline on the timeline.
type ExpectationView struct {
	FromNode string         `json:"fromNode"`
	ToNode   string         `json:"toNode"`
	DueAt    time.Time      `json:"dueAt"`
	Severity model.Severity `json:"severity"`
	Status   string         `json:"status"`
}

// Service reads across the run, expectation, and alert stores.
type Service struct {
	state        engine.StateStore
	expectations expectation.Store
	alerts       alerting.Store
}

func NewService(state engine.StateStore, expectations expectation.Store, alerts alerting.Store) *Service {
	return &Service{state: state, expectations: expectations, alerts: alerts}
}

// Timeline builds the view for a correlation key. versionID of 0 selects the
// most recently updated run across all versions.
func (s *Service) Timeline(ctx context.Context, correlationKey string, versionID int64) (*View, error) {
	run, err := s.state.FindLatestRun(ctx, correlationKey, versionID)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find run: %w", err)
	}

	occurrences, err := s.state.ListOccurrences(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("list occurrences: %w", err)
	}
	events := make([]EventView, 0, len(occurrences))
	for _, occ := range occurrences {
		events = append(events, EventView{
			Node:           occ.NodeKey,
			EventTime:      occ.EventTimeUTC,
			ReceivedAt:     occ.ReceivedAt,
			Late:           occ.IsLate,
			OrderViolation: occ.OrderViolation,
			PayloadExcerpt: occ.PayloadExcerpt,
		})
	}

	currentStage := run.LastNodeKey
	if currentStage == "" && len(events) > 0 {
		currentStage = events[len(events)-1].Node
	}

	pending, err := s.expectations.ListPendingByRun(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("list pending expectations: %w", err)
	}
	expViews := make([]ExpectationView, 0, len(pending))
	for _, exp := range pending {
		expViews = append(expViews, ExpectationView{
			FromNode: exp.FromNodeKey,
			ToNode:   exp.ToNodeKey,
			DueAt:    exp.DueAt,
			Severity: exp.Severity,
			Status:   exp.Status,
		})
	}

	alerts, err := s.alerts.ListByCorrelation(ctx, correlationKey, run.WorkflowVersionID)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}

	return &View{
		WorkflowVersionID:   run.WorkflowVersionID,
		CorrelationKey:      correlationKey,
		Status:              run.Status,
		CurrentStage:        currentStage,
		StartedAt:           run.StartedAt,
		UpdatedAt:           run.UpdatedAt,
		GroupHash:           group.Hash(run.Group),
		GroupLabel:          group.Label(run.Group),
		Group:               run.Group,
		Events:              events,
		PendingExpectations: expViews,
		Alerts:              alerts,
	}, nil
}
