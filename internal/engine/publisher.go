package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sentinel-ops/platform/internal/aggregation"
	"github.com/sentinel-ops/platform/internal/alerting"
	"github.com/sentinel-ops/platform/internal/model"
)

// InProcessPublisher delivers outcomes synchronously to the aggregator and
// the alert manager without a bus hop. Payloads still round-trip through JSON
// so the in-process and bus wirings exercise the same message contract.
type InProcessPublisher struct {
	aggregator *aggregation.Service
	alerts     *alerting.Service
}

func NewInProcessPublisher(aggregator *aggregation.Service, alerts *alerting.Service) *InProcessPublisher {
	return &InProcessPublisher{aggregator: aggregator, alerts: alerts}
}

func (p *InProcessPublisher) PublishRuleEvaluated(ctx context.Context, ev model.RuleEvaluated) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal rule evaluated: %w", err)
	}
	return p.aggregator.HandleRuleEvaluated(ctx, payload)
}

func (p *InProcessPublisher) PublishAlertTriggered(ctx context.Context, trigger model.AlertTrigger) error {
	payload, err := json.Marshal(trigger)
	if err != nil {
		return fmt.Errorf("marshal alert trigger: %w", err)
	}
	return p.alerts.HandleAlertTriggered(ctx, payload)
}
