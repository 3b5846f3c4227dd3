package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sentinel-ops/platform/internal/expectation"
	"github.com/sentinel-ops/platform/internal/model"
	"github.com/sentinel-ops/platform/internal/ruleconfig"
)

// capturePublisher records published outcomes for assertions.
type capturePublisher struct {
	mu        sync.Mutex
	evaluated []model.RuleEvaluated
	alerts    []model.AlertTrigger
}

func (p *capturePublisher) PublishRuleEvaluated(ctx context.Context, ev model.RuleEvaluated) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evaluated = append(p.evaluated, ev)
	return nil
}

func (p *capturePublisher) PublishAlertTriggered(ctx context.Context, trigger model.AlertTrigger) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, trigger)
	return nil
}

func testVersion(t *testing.T) *ruleconfig.Version {
	t.Helper()
	return &ruleconfig.Version{
		ID:          7,
		WorkflowID:  1,
		WorkflowKey: "order-fulfillment",
		VersionNum:  1,
		Nodes: []ruleconfig.Node{
			{NodeKey: "ordered", EventType: "order.created", IsStart: true},
			{NodeKey: "picked", EventType: "order.picked"},
			{NodeKey: "shipped", EventType: "order.shipped"},
			{NodeKey: "invoiced", EventType: "order.invoiced"},
		},
		Edges: []ruleconfig.Edge{
			{FromNodeKey: "ordered", ToNodeKey: "picked", MaxLatencySec: 3600, Severity: model.SeverityAmber},
			{FromNodeKey: "picked", ToNodeKey: "shipped", MaxLatencySec: 7200, Severity: model.SeverityRed},
			{FromNodeKey: "shipped", ToNodeKey: "invoiced", MaxLatencySec: 3600, Optional: true, Severity: model.SeverityGreen},
		},
	}
}

func newTestEngine(t *testing.T) (*Engine, *MemoryStateStore, *expectation.MemoryStore, *capturePublisher) {
	t.Helper()
	accessor := ruleconfig.NewMemoryAccessor()
	if err := accessor.Register(testVersion(t)); err != nil {
		t.Fatalf("register version: %v", err)
	}
	state := NewMemoryStateStore()
	exps := expectation.NewMemoryStore()
	pub := &capturePublisher{}
	return New(accessor, state, exps, pub), state, exps, pub
}

func event(eventType, correlationKey string, eventTime time.Time) model.NormalizedEvent {
	return model.NormalizedEvent{
		EventID:        fmt.Sprintf("%s-%s-%d", eventType, correlationKey, eventTime.UnixNano()),
		EventType:      eventType,
		EventTime:      eventTime,
		ReceivedAt:     eventTime,
		WorkflowKey:    "order-fulfillment",
		CorrelationKey: correlationKey,
	}
}

func TestStartEventCreatesRunAndExpectation(t *testing.T) {
	eng, state, exps, pub := newTestEngine(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	if err := eng.HandleNormalizedEvent(ctx, event("order.created", "ORD-1", start)); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	runID, found, err := state.FindRunID(ctx, 7, "ORD-1")
	if err != nil || !found {
		t.Fatalf("run not created: found=%v err=%v", found, err)
	}
	pending, err := exps.ListPendingByRun(ctx, runID)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending expectation, got %d", len(pending))
	}
	exp := pending[0]
	if exp.ToNodeKey != "picked" || !exp.DueAt.Equal(start.Add(time.Hour)) {
		t.Fatalf("unexpected expectation: to=%s dueAt=%v", exp.ToNodeKey, exp.DueAt)
	}
	if exp.Severity != model.SeverityAmber {
		t.Fatalf("expected amber severity, got %s", exp.Severity)
	}

	if len(pub.evaluated) != 1 {
		t.Fatalf("expected 1 evaluated outcome, got %d", len(pub.evaluated))
	}
	ev := pub.evaluated[0]
	if ev.Status != model.SeverityGreen || ev.Late || ev.OrderViolation {
		t.Fatalf("start event outcome should be clean green: %+v", ev)
	}
	if ev.CompletedDelta != 1 || ev.InFlightDeltas["picked"] != 1 {
		t.Fatalf("unexpected deltas: %+v", ev)
	}
	if len(pub.alerts) != 0 {
		t.Fatalf("clean start event must not alert: %+v", pub.alerts)
	}
}

func TestOnTimeArrivalClearsExpectation(t *testing.T) {
	eng, state, exps, pub := newTestEngine(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	if err := eng.HandleNormalizedEvent(ctx, event("order.created", "ORD-1", start)); err != nil {
		t.Fatalf("handle start: %v", err)
	}
	if err := eng.HandleNormalizedEvent(ctx, event("order.picked", "ORD-1", start.Add(30*time.Minute))); err != nil {
		t.Fatalf("handle picked: %v", err)
	}

	runID, _, _ := state.FindRunID(ctx, 7, "ORD-1")
	pending, _ := exps.ListPendingByRun(ctx, runID)
	if len(pending) != 1 || pending[0].ToNodeKey != "shipped" {
		t.Fatalf("expected only shipped pending, got %+v", pending)
	}

	ev := pub.evaluated[len(pub.evaluated)-1]
	if ev.Late || ev.OrderViolation || ev.Status != model.SeverityGreen {
		t.Fatalf("on-time arrival should stay green: %+v", ev)
	}
	if ev.InFlightDeltas["picked"] != -1 || ev.InFlightDeltas["shipped"] != 1 {
		t.Fatalf("unexpected in-flight deltas: %+v", ev.InFlightDeltas)
	}
	if len(pub.alerts) != 0 {
		t.Fatalf("no alerts expected, got %+v", pub.alerts)
	}

	run, err := state.FindLatestRun(ctx, "ORD-1", 7)
	if err != nil {
		t.Fatalf("find run: %v", err)
	}
	if run.LastNodeKey != "picked" || run.Status != model.SeverityGreen {
		t.Fatalf("run projection wrong: %+v", run)
	}
}

func TestLateArrivalRaisesSLAAlert(t *testing.T) {
	eng, _, _, pub := newTestEngine(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	if err := eng.HandleNormalizedEvent(ctx, event("order.created", "ORD-2", start)); err != nil {
		t.Fatalf("handle start: %v", err)
	}
	// Due at 11:00, arrives 11:30.
	if err := eng.HandleNormalizedEvent(ctx, event("order.picked", "ORD-2", start.Add(90*time.Minute))); err != nil {
		t.Fatalf("handle picked: %v", err)
	}

	ev := pub.evaluated[len(pub.evaluated)-1]
	if !ev.Late || ev.OrderViolation {
		t.Fatalf("expected late, got %+v", ev)
	}
	if ev.Status != model.SeverityAmber || ev.LateDelta != 1 {
		t.Fatalf("late on amber edge should go amber: %+v", ev)
	}
	if len(pub.alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(pub.alerts))
	}
	alert := pub.alerts[0]
	if alert.Reason != model.ReasonSLAMissed || alert.Severity != model.SeverityAmber {
		t.Fatalf("unexpected alert: %+v", alert)
	}
	if alert.DedupeKey != "7:picked:ORD-2" {
		t.Fatalf("unexpected dedupe key %q", alert.DedupeKey)
	}
}

func TestOutOfOrderArrivalRaisesOrderViolation(t *testing.T) {
	eng, _, _, pub := newTestEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	// picked arrives with no prior ordered event.
	if err := eng.HandleNormalizedEvent(ctx, event("order.picked", "ORD-3", now)); err != nil {
		t.Fatalf("handle picked: %v", err)
	}

	ev := pub.evaluated[0]
	if !ev.OrderViolation || ev.Status != model.SeverityRed || ev.FailedDelta != 1 {
		t.Fatalf("expected order violation red, got %+v", ev)
	}
	if len(pub.alerts) != 1 || pub.alerts[0].Reason != model.ReasonOrderViolation {
		t.Fatalf("expected ORDER_VIOLATION alert, got %+v", pub.alerts)
	}
	if pub.alerts[0].Severity != model.SeverityRed {
		t.Fatalf("order violation alerts are red, got %s", pub.alerts[0].Severity)
	}
}

func TestOptionalInboundExemptFromOrderCheck(t *testing.T) {
	eng, _, _, pub := newTestEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	// invoiced has only an optional inbound edge; arriving without a
	// predecessor is allowed.
	if err := eng.HandleNormalizedEvent(ctx, event("order.invoiced", "ORD-4", now)); err != nil {
		t.Fatalf("handle invoiced: %v", err)
	}

	ev := pub.evaluated[0]
	if ev.OrderViolation {
		t.Fatalf("optional-inbound node must not trip order check: %+v", ev)
	}
	if len(pub.alerts) != 0 {
		t.Fatalf("no alerts expected, got %+v", pub.alerts)
	}
}

func TestDuplicateEventIgnored(t *testing.T) {
	eng, state, _, pub := newTestEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	ev := event("order.created", "ORD-5", now)
	if err := eng.HandleNormalizedEvent(ctx, ev); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := eng.HandleNormalizedEvent(ctx, ev); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	runID, _, _ := state.FindRunID(ctx, 7, "ORD-5")
	occs, _ := state.ListOccurrences(ctx, runID)
	if len(occs) != 1 {
		t.Fatalf("duplicate should not append an occurrence, got %d", len(occs))
	}
	if len(pub.evaluated) != 1 {
		t.Fatalf("duplicate should not re-publish, got %d outcomes", len(pub.evaluated))
	}
}

func TestOptionalEdgeCreatesNoExpectation(t *testing.T) {
	eng, state, exps, _ := newTestEngine(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	for i, et := range []string{"order.created", "order.picked", "order.shipped"} {
		if err := eng.HandleNormalizedEvent(ctx, event(et, "ORD-6", start.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("handle %s: %v", et, err)
		}
	}

	runID, _, _ := state.FindRunID(ctx, 7, "ORD-6")
	pending, _ := exps.ListPendingByRun(ctx, runID)
	// shipped->invoiced is optional so nothing is pending after shipped.
	if len(pending) != 0 {
		t.Fatalf("optional edge created an expectation: %+v", pending)
	}
}

func TestSyntheticMissed(t *testing.T) {
	eng, state, _, pub := newTestEngine(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	runID, err := state.CreateRun(ctx, 7, "ORD-7", model.SeverityGreen, start, `{"region":"EMEA"}`)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	missed := model.SyntheticMissed{
		ExpectationID: 42,
		WorkflowRunID: runID,
		FromNode:      "ordered",
		ToNode:        "picked",
		DueAt:         start.Add(time.Hour),
		Severity:      "red",
		DedupeKey:     "exp-42-1234",
	}
	if err := eng.HandleSyntheticMissed(ctx, missed); err != nil {
		t.Fatalf("handle synthetic miss: %v", err)
	}

	if len(pub.evaluated) != 1 {
		t.Fatalf("expected 1 evaluated outcome, got %d", len(pub.evaluated))
	}
	ev := pub.evaluated[0]
	if !ev.Late || ev.CompletedDelta != 0 || ev.LateDelta != 1 {
		t.Fatalf("synthetic miss is late-only: %+v", ev)
	}
	if ev.Node != "picked" || ev.Status != model.SeverityRed {
		t.Fatalf("unexpected outcome: %+v", ev)
	}
	if ev.Group["region"] != "EMEA" {
		t.Fatalf("group dims not restored from run: %+v", ev.Group)
	}
	if len(ev.InFlightDeltas) != 0 {
		t.Fatalf("synthetic miss must not touch in-flight counters: %+v", ev.InFlightDeltas)
	}

	run, _ := state.FindLatestRun(ctx, "ORD-7", 7)
	if run.Status != model.SeverityRed {
		t.Fatalf("run should be red after miss, got %s", run.Status)
	}

	if len(pub.alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(pub.alerts))
	}
	alert := pub.alerts[0]
	if alert.Reason != model.ReasonExpectedMissed || alert.DedupeKey != "exp-42-1234" {
		t.Fatalf("unexpected alert: %+v", alert)
	}
}

func TestSyntheticMissedUnknownRun(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	err := eng.HandleSyntheticMissed(context.Background(), model.SyntheticMissed{WorkflowRunID: 999, ToNode: "picked"})
	if err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestUnknownEventTypeIsNoOp(t *testing.T) {
	eng, state, _, pub := newTestEngine(t)
	ctx := context.Background()

	ev := event("order.unknown", "ORD-8", time.Now().UTC())
	if err := eng.HandleNormalizedEvent(ctx, ev); err != nil {
		t.Fatalf("unknown event type should not error: %v", err)
	}
	if _, found, _ := state.FindRunID(ctx, 7, "ORD-8"); found {
		t.Fatal("no run should be created for an unmapped event type")
	}
	if len(pub.evaluated) != 0 {
		t.Fatalf("no outcomes expected, got %d", len(pub.evaluated))
	}
}

func TestComputeDueAt(t *testing.T) {
	eventTime := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	t.Run("max latency", func(t *testing.T) {
		got := computeDueAt(eventTime, ruleconfig.Edge{MaxLatencySec: 1800})
		if !got.Equal(eventTime.Add(30 * time.Minute)) {
			t.Fatalf("got %v", got)
		}
	})

	t.Run("absolute deadline later today", func(t *testing.T) {
		got := computeDueAt(eventTime, ruleconfig.Edge{AbsoluteDeadline: "17:00"})
		want := time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC)
		if !got.Equal(want) {
			t.Fatalf("want %v, got %v", want, got)
		}
	})

	t.Run("absolute deadline already passed rolls to next day", func(t *testing.T) {
		got := computeDueAt(eventTime, ruleconfig.Edge{AbsoluteDeadline: "09:00"})
		want := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
		if !got.Equal(want) {
			t.Fatalf("want %v, got %v", want, got)
		}
	})

	t.Run("absolute deadline with zone suffix", func(t *testing.T) {
		got := computeDueAt(eventTime, ruleconfig.Edge{AbsoluteDeadline: "09:00Z"})
		want := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
		if !got.Equal(want) {
			t.Fatalf("want %v, got %v", want, got)
		}
	})

	t.Run("absolute deadline beats max latency", func(t *testing.T) {
		got := computeDueAt(eventTime, ruleconfig.Edge{AbsoluteDeadline: "17:00", MaxLatencySec: 60})
		want := time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC)
		if !got.Equal(want) {
			t.Fatalf("want %v, got %v", want, got)
		}
	})

	t.Run("malformed deadline falls back to event time", func(t *testing.T) {
		got := computeDueAt(eventTime, ruleconfig.Edge{AbsoluteDeadline: "25:99"})
		if !got.Equal(eventTime) {
			t.Fatalf("got %v", got)
		}
	})

	t.Run("no constraint", func(t *testing.T) {
		got := computeDueAt(eventTime, ruleconfig.Edge{})
		if !got.Equal(eventTime) {
			t.Fatalf("got %v", got)
		}
	})
}

func TestDeriveStatus(t *testing.T) {
	amber := []model.Expectation{{Severity: model.SeverityAmber}}
	red := []model.Expectation{{Severity: model.SeverityAmber}, {Severity: model.SeverityRed}}

	cases := []struct {
		name    string
		late    bool
		ov      bool
		cleared []model.Expectation
		want    model.Severity
	}{
		{"on time", false, false, amber, model.SeverityGreen},
		{"order violation wins", false, true, nil, model.SeverityRed},
		{"late amber edge", true, false, amber, model.SeverityAmber},
		{"late takes max cleared severity", true, false, red, model.SeverityRed},
		{"late with nothing cleared defaults amber", true, false, nil, model.SeverityAmber},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := deriveStatus(tc.late, tc.ov, tc.cleared); got != tc.want {
				t.Fatalf("want %s, got %s", tc.want, got)
			}
		})
	}
}
