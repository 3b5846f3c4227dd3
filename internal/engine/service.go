package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/sentinel-ops/platform/internal/expectation"
	"github.com/sentinel-ops/platform/internal/group"
	"github.com/sentinel-ops/platform/internal/model"
	"github.com/sentinel-ops/platform/internal/ruleconfig"
)

const payloadExcerptMax = 500

// Engine applies workflow rules to normalized events. Safe for concurrent use;
// all shared state lives behind the stores.
type Engine struct {
	config       ruleconfig.Accessor
	state        StateStore
	expectations expectation.Store
	publisher    Publisher
}

func New(config ruleconfig.Accessor, state StateStore, expectations expectation.Store, publisher Publisher) *Engine {
	return &Engine{
		config:       config,
		state:        state,
		expectations: expectations,
		publisher:    publisher,
	}
}

// HandleNormalizedEvent resolves the event's target versions and processes it
// against each. A failure on one target never aborts the others; per-target
// errors are logged and processing continues, because state already applied
// (run creation, expectations) must not be replayed blindly.
func (e *Engine) HandleNormalizedEvent(ctx context.Context, ev model.NormalizedEvent) error {
	targets, err := e.resolveTargetVersions(ctx, ev)
	if err != nil {
		return fmt.Errorf("resolve target versions: %w", err)
	}
	if len(targets) == 0 {
		log.Printf("[engine] no workflow versions resolved eventType=%s workflowKey=%s correlationKey=%s",
			ev.EventType, ev.WorkflowKey, ev.CorrelationKey)
		return nil
	}
	for _, version := range targets {
		if err := e.processEventForVersion(ctx, ev, version); err != nil {
			log.Printf("[engine] process event failed version=%d correlationKey=%s: %v",
				version.ID, ev.CorrelationKey, err)
		}
	}
	return nil
}

// HandleSyntheticMissed is the engine's secondary entry point, fed by the
// expectation scheduler. The run's status moves to the expectation's severity
// and both outcome channels are notified; the alert carries the expectation's
// own dedupe key so a missed expectation and a late arrival on the same node
// stay distinct.
func (e *Engine) HandleSyntheticMissed(ctx context.Context, missed model.SyntheticMissed) error {
	runCtx, err := e.state.LoadRunContext(ctx, missed.WorkflowRunID)
	if err != nil {
		return fmt.Errorf("load run context: %w", err)
	}
	dims := group.ParseJSON(runCtx.GroupJSON)
	severity := model.ParseSeverity(missed.Severity)
	now := time.Now().UTC()

	evaluated := model.RuleEvaluated{
		WorkflowVersionID: runCtx.WorkflowVersionID,
		WorkflowRunID:     missed.WorkflowRunID,
		Node:              missed.ToNode,
		CorrelationKey:    runCtx.CorrelationKey,
		Status:            severity,
		Late:              true,
		OrderViolation:    false,
		CompletedDelta:    0,
		LateDelta:         1,
		Group:             dims,
		GroupHash:         group.Hash(dims),
		EventTime:         missed.DueAt,
		ReceivedAt:        now,
	}
	if err := e.publisher.PublishRuleEvaluated(ctx, evaluated); err != nil {
		return fmt.Errorf("publish rule evaluated: %w", err)
	}
	if err := e.state.UpdateRun(ctx, missed.WorkflowRunID, severity, now, missed.ToNode); err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	trigger := model.AlertTrigger{
		WorkflowVersionID: runCtx.WorkflowVersionID,
		WorkflowRunID:     missed.WorkflowRunID,
		Node:              missed.ToNode,
		CorrelationKey:    runCtx.CorrelationKey,
		Severity:          severity,
		Reason:            model.ReasonExpectedMissed,
		DedupeKey:         missed.DedupeKey,
		TriggeredAt:       now,
	}
	if err := e.publisher.PublishAlertTriggered(ctx, trigger); err != nil {
		return fmt.Errorf("publish alert trigger: %w", err)
	}
	return nil
}

func (e *Engine) processEventForVersion(ctx context.Context, ev model.NormalizedEvent, version *ruleconfig.Version) error {
	node, ok := version.NodeForEventType(ev.EventType)
	if !ok {
		log.Printf("[engine] no node for eventType=%s version=%d correlationKey=%s",
			ev.EventType, version.ID, ev.CorrelationKey)
		return nil
	}

	runID, found, err := e.state.FindRunID(ctx, version.ID, ev.CorrelationKey)
	if err != nil {
		return fmt.Errorf("find run: %w", err)
	}
	if !found {
		runID, err = e.state.CreateRun(ctx, version.ID, ev.CorrelationKey, model.SeverityGreen, ev.EventTime, toJSON(ev.Group))
		if err != nil {
			return fmt.Errorf("create run: %w", err)
		}
		log.Printf("[engine] created run version=%d runId=%d correlationKey=%s startNode=%s",
			version.ID, runID, ev.CorrelationKey, node.NodeKey)
	}

	if ev.EventID != "" {
		seen, err := e.state.HasSeenEvent(ctx, runID, ev.EventID)
		if err != nil {
			return fmt.Errorf("duplicate check: %w", err)
		}
		if seen {
			log.Printf("[engine] duplicate event ignored correlationKey=%s eventId=%s version=%d",
				ev.CorrelationKey, ev.EventID, version.ID)
			return nil
		}
	}

	cleared, err := e.expectations.ClearForNode(ctx, runID, node.NodeKey)
	if err != nil {
		return fmt.Errorf("clear expectations: %w", err)
	}
	late := false
	for _, exp := range cleared {
		if ev.ReceivedAt.After(exp.DueAt) {
			late = true
			break
		}
	}
	orderViolation := len(cleared) == 0 && !node.IsStart && !version.HasOptionalInbound(node.NodeKey)

	inFlightDeltas := map[string]int{}
	if len(cleared) > 0 {
		inFlightDeltas[node.NodeKey] -= len(cleared)
		log.Printf("[engine] cleared expectations runId=%d node=%s count=%d late=%v",
			runID, node.NodeKey, len(cleared), late)
	}

	for _, edge := range version.OutgoingEdges(node.NodeKey) {
		if edge.Optional {
			continue
		}
		dueAt := computeDueAt(ev.EventTime, edge)
		expected := edge.ExpectedCount
		if expected < 1 {
			expected = 1
		}
		for i := 0; i < expected; i++ {
			if _, err := e.expectations.Create(ctx, expectation.CreateInput{
				WorkflowRunID: runID,
				FromNodeKey:   node.NodeKey,
				ToNodeKey:     edge.ToNodeKey,
				DueAt:         dueAt,
				Severity:      edge.Severity,
			}); err != nil {
				return fmt.Errorf("create expectation: %w", err)
			}
			inFlightDeltas[edge.ToNodeKey]++
		}
	}

	if err := e.state.SaveOccurrence(ctx, model.EventOccurrence{
		WorkflowRunID:  runID,
		NodeKey:        node.NodeKey,
		EventID:        ev.EventID,
		EventTimeUTC:   ev.EventTime,
		ReceivedAt:     ev.ReceivedAt,
		IsLate:         late,
		OrderViolation: orderViolation,
		PayloadExcerpt: payloadExcerpt(ev.Payload),
	}); err != nil {
		return fmt.Errorf("save occurrence: %w", err)
	}

	status := deriveStatus(late, orderViolation, cleared)
	if err := e.state.UpdateRun(ctx, runID, status, time.Now().UTC(), node.NodeKey); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	log.Printf("[engine] rule evaluated runId=%d version=%d node=%s status=%s late=%v orderViolation=%v",
		runID, version.ID, node.NodeKey, status, late, orderViolation)

	evaluated := model.RuleEvaluated{
		WorkflowVersionID: version.ID,
		WorkflowRunID:     runID,
		Node:              node.NodeKey,
		CorrelationKey:    ev.CorrelationKey,
		Status:            status,
		Late:              late,
		OrderViolation:    orderViolation,
		CompletedDelta:    1,
		LateDelta:         boolToDelta(late),
		FailedDelta:       boolToDelta(orderViolation),
		InFlightDeltas:    inFlightDeltas,
		Group:             ev.Group,
		GroupHash:         group.Hash(ev.Group),
		EventTime:         ev.EventTime,
		ReceivedAt:        ev.ReceivedAt,
	}
	if err := e.publisher.PublishRuleEvaluated(ctx, evaluated); err != nil {
		return fmt.Errorf("publish rule evaluated: %w", err)
	}

	if late || orderViolation {
		reason := model.ReasonOrderViolation
		if late {
			reason = model.ReasonSLAMissed
		}
		trigger := model.AlertTrigger{
			WorkflowVersionID: version.ID,
			WorkflowRunID:     runID,
			Node:              node.NodeKey,
			CorrelationKey:    ev.CorrelationKey,
			Severity:          severityFromCleared(cleared, orderViolation),
			Reason:            reason,
			DedupeKey:         fmt.Sprintf("%d:%s:%s", version.ID, node.NodeKey, ev.CorrelationKey),
			TriggeredAt:       ev.ReceivedAt,
		}
		if err := e.publisher.PublishAlertTriggered(ctx, trigger); err != nil {
			return fmt.Errorf("publish alert trigger: %w", err)
		}
	}
	return nil
}

func (e *Engine) resolveTargetVersions(ctx context.Context, ev model.NormalizedEvent) ([]*ruleconfig.Version, error) {
	seen := map[int64]struct{}{}
	var targets []*ruleconfig.Version
	add := func(v *ruleconfig.Version) {
		if _, dup := seen[v.ID]; !dup {
			seen[v.ID] = struct{}{}
			targets = append(targets, v)
		}
	}

	switch {
	case len(ev.WorkflowKeys) > 0:
		for _, key := range ev.WorkflowKeys {
			v, err := e.config.ResolveActiveVersion(ctx, key)
			if err != nil {
				if err == ruleconfig.ErrNotFound {
					continue
				}
				return nil, err
			}
			add(v)
		}
	case ev.WorkflowKey != "":
		v, err := e.config.ResolveActiveVersion(ctx, ev.WorkflowKey)
		if err != nil {
			if err == ruleconfig.ErrNotFound {
				return nil, nil
			}
			return nil, err
		}
		add(v)
	default:
		versions, err := e.config.FindActiveVersionsByEventType(ctx, ev.EventType)
		if err != nil {
			return nil, err
		}
		for _, v := range versions {
			add(v)
		}
	}
	return targets, nil
}

// computeDueAt resolves an edge's timing constraint against the event time.
// An absolute deadline is a time-of-day applied on the event's UTC calendar
// day, rolling forward 24h when that instant has already passed. Malformed
// deadline strings fall back to the event time.
func computeDueAt(eventTime time.Time, edge ruleconfig.Edge) time.Time {
	if edge.AbsoluteDeadline != "" {
		tod, err := parseTimeOfDay(edge.AbsoluteDeadline)
		if err != nil {
			log.Printf("[engine] malformed absolute deadline %q for edge to %s, falling back to event time: %v",
				edge.AbsoluteDeadline, edge.ToNodeKey, err)
			return eventTime
		}
		utc := eventTime.UTC()
		dueAt := time.Date(utc.Year(), utc.Month(), utc.Day(), tod.Hour(), tod.Minute(), tod.Second(), 0, time.UTC)
		if dueAt.Before(eventTime) {
			dueAt = dueAt.Add(24 * time.Hour)
		}
		return dueAt
	}
	if edge.MaxLatencySec > 0 {
		return eventTime.Add(time.Duration(edge.MaxLatencySec) * time.Second)
	}
	return eventTime
}

// parseTimeOfDay accepts "HH:mm", with optional seconds and an optional UTC
// offset suffix ("09:00", "09:00:30", "09:00Z", "09:00+01:00"). The offset is
// dropped; the clock time is interpreted in UTC.
func parseTimeOfDay(raw string) (time.Time, error) {
	layouts := []string{"15:04"}
	if strings.ContainsAny(raw, "Z+") || strings.Count(raw, "-") > 0 {
		layouts = []string{"15:04:05Z07:00", "15:04Z07:00"}
	} else if strings.Count(raw, ":") == 2 {
		layouts = []string{"15:04:05"}
	}
	var lastErr error
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}

// deriveStatus is the pure projection of an event outcome onto the run's
// traffic-light status.
func deriveStatus(late, orderViolation bool, cleared []model.Expectation) model.Severity {
	if orderViolation {
		return model.SeverityRed
	}
	if late {
		return severityFromCleared(cleared, false)
	}
	return model.SeverityGreen
}

func severityFromCleared(cleared []model.Expectation, orderViolation bool) model.Severity {
	if orderViolation {
		return model.SeverityRed
	}
	severity := model.SeverityAmber
	first := true
	for _, exp := range cleared {
		if first {
			severity = exp.Severity
			first = false
			continue
		}
		severity = severity.Max(exp.Severity)
	}
	return severity
}

func payloadExcerpt(payload map[string]interface{}) string {
	if len(payload) == 0 {
		return ""
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	if len(raw) > payloadExcerptMax {
		raw = raw[:payloadExcerptMax]
	}
	return string(raw)
}

func toJSON(v map[string]interface{}) string {
	if len(v) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func boolToDelta(b bool) int {
	if b {
		return 1
	}
	return 0
}
