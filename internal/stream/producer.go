// package stream carries engine outcomes over Kafka for deployments that run
// the aggregator and alert manager out of process. In-process wiring stays the
// default; these wrappers share the same JSON message contract.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/sentinel-ops/platform/internal/model"
)

// ProducerConfig contains configurable parameters for the Kafka producer.
type ProducerConfig struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string

	// EvaluatedTopic receives rule evaluation outcomes.
	EvaluatedTopic string

	// AlertTopic receives alert triggers.
	AlertTopic string

	// MaxAttempts is how many times a produce is retried on transient error.
	// Defaults to 3 if <= 0.
	MaxAttempts int

	// WriteTimeout is the per-attempt timeout for Write operations.
	// Defaults to 10s if zero.
	WriteTimeout time.Duration
}

// Producer publishes engine outcomes to Kafka. Messages are keyed by
// correlation key so all outcomes for one workflow instance land on the same
// partition and keep their relative order.
type Producer struct {
	evaluated   *kafka.Writer
	alerts      *kafka.Writer
	maxAttempts int
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("stream: at least one broker required")
	}
	if cfg.EvaluatedTopic == "" || cfg.AlertTopic == "" {
		return nil, fmt.Errorf("stream: evaluated and alert topics required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	newWriter := func(topic string) *kafka.Writer {
		return kafka.NewWriter(kafka.WriterConfig{
			Brokers:      cfg.Brokers,
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: cfg.WriteTimeout,
			Async:        false,
		})
	}
	return &Producer{
		evaluated:   newWriter(cfg.EvaluatedTopic),
		alerts:      newWriter(cfg.AlertTopic),
		maxAttempts: cfg.MaxAttempts,
	}, nil
}

// PublishRuleEvaluated implements engine.Publisher.
func (p *Producer) PublishRuleEvaluated(ctx context.Context, outcome model.RuleEvaluated) error {
	return p.produceJSON(ctx, p.evaluated, []byte(outcome.CorrelationKey), outcome)
}

// PublishAlertTriggered implements engine.Publisher.
func (p *Producer) PublishAlertTriggered(ctx context.Context, trigger model.AlertTrigger) error {
	return p.produceJSON(ctx, p.alerts, []byte(trigger.CorrelationKey), trigger)
}

func (p *Producer) produceJSON(ctx context.Context, w *kafka.Writer, key []byte, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		msg := kafka.Message{
			Key:   key,
			Value: b,
			Time:  time.Now().UTC(),
		}
		ctxAttempt, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := w.WriteMessages(ctxAttempt, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("produce failed after %d attempts: %w", p.maxAttempts, lastErr)
}

// Close shuts down both underlying writers.
func (p *Producer) Close() error {
	if p == nil {
		return nil
	}
	var firstErr error
	for _, w := range []*kafka.Writer{p.evaluated, p.alerts} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
