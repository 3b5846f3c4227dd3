package timeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-ops/platform/internal/alerting"
	"github.com/sentinel-ops/platform/internal/engine"
	"github.com/sentinel-ops/platform/internal/expectation"
	"github.com/sentinel-ops/platform/internal/model"
)

func TestTimelineComposesRunState(t *testing.T) {
	ctx := context.Background()
	state := engine.NewMemoryStateStore()
	exps := expectation.NewMemoryStore()
	alerts := alerting.NewMemoryStore()
	svc := NewService(state, exps, alerts)

	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	runID, err := state.CreateRun(ctx, 7, "ORD-1", model.SeverityGreen, start, `{"region":"EMEA"}`)
	require.NoError(t, err)
	require.NoError(t, state.UpdateRun(ctx, runID, model.SeverityAmber, start.Add(time.Hour), "picked"))

	require.NoError(t, state.SaveOccurrence(ctx, model.EventOccurrence{
		WorkflowRunID: runID, NodeKey: "ordered", EventTimeUTC: start, ReceivedAt: start,
	}))
	require.NoError(t, state.SaveOccurrence(ctx, model.EventOccurrence{
		WorkflowRunID: runID, NodeKey: "picked", EventTimeUTC: start.Add(time.Hour),
		ReceivedAt: start.Add(time.Hour), IsLate: true,
	}))

	_, err = exps.Create(ctx, expectation.CreateInput{
		WorkflowRunID: runID, FromNodeKey: "picked", ToNodeKey: "shipped",
		DueAt: start.Add(3 * time.Hour), Severity: model.SeverityRed,
	})
	require.NoError(t, err)

	_, err = alerts.Save(ctx, model.Alert{
		CorrelationKey: "ORD-1", WorkflowVersionID: 7, NodeKey: "picked",
		Severity: model.SeverityAmber, State: model.AlertOpen, DedupeKey: "7:picked:ORD-1",
		FirstTriggeredAt: start.Add(time.Hour), LastTriggeredAt: start.Add(time.Hour),
	})
	require.NoError(t, err)

	view, err := svc.Timeline(ctx, "ORD-1", 0)
	require.NoError(t, err)

	assert.Equal(t, int64(7), view.WorkflowVersionID)
	assert.Equal(t, "picked", view.CurrentStage)
	assert.Equal(t, model.SeverityAmber, view.Status)
	assert.Equal(t, map[string]interface{}{"region": "EMEA"}, view.Group)
	assert.NotEqual(t, "default", view.GroupHash)
	assert.Equal(t, "region=EMEA", view.GroupLabel)

	require.Len(t, view.Events, 2)
	assert.Equal(t, "ordered", view.Events[0].Node)
	assert.True(t, view.Events[1].Late)

	require.Len(t, view.PendingExpectations, 1)
	assert.Equal(t, "shipped", view.PendingExpectations[0].ToNode)

	require.Len(t, view.Alerts, 1)
	assert.Equal(t, model.AlertOpen, view.Alerts[0].State)
}

func TestTimelineCurrentStageFallsBackToLastEvent(t *testing.T) {
	ctx := context.Background()
	state := engine.NewMemoryStateStore()
	svc := NewService(state, expectation.NewMemoryStore(), alerting.NewMemoryStore())

	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	runID, err := state.CreateRun(ctx, 7, "ORD-2", model.SeverityGreen, start, "")
	require.NoError(t, err)
	require.NoError(t, state.SaveOccurrence(ctx, model.EventOccurrence{
		WorkflowRunID: runID, NodeKey: "ordered", EventTimeUTC: start, ReceivedAt: start,
	}))

	view, err := svc.Timeline(ctx, "ORD-2", 0)
	require.NoError(t, err)
	assert.Equal(t, "ordered", view.CurrentStage)
}

func TestTimelinePinsVersion(t *testing.T) {
	ctx := context.Background()
	state := engine.NewMemoryStateStore()
	svc := NewService(state, expectation.NewMemoryStore(), alerting.NewMemoryStore())

	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	_, err := state.CreateRun(ctx, 7, "ORD-3", model.SeverityGreen, start, "")
	require.NoError(t, err)
	_, err = state.CreateRun(ctx, 8, "ORD-3", model.SeverityGreen, start.Add(time.Hour), "")
	require.NoError(t, err)

	view, err := svc.Timeline(ctx, "ORD-3", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), view.WorkflowVersionID)

	// Unpinned picks the most recently updated run.
	view, err = svc.Timeline(ctx, "ORD-3", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(8), view.WorkflowVersionID)
}

func TestTimelineNotFound(t *testing.T) {
	svc := NewService(engine.NewMemoryStateStore(), expectation.NewMemoryStore(), alerting.NewMemoryStore())
	_, err := svc.Timeline(context.Background(), "NOPE", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}
