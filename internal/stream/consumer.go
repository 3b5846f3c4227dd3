package stream

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// Handler processes one consumed message payload. A returned error is logged
// and the message is skipped; consumption never stalls on a bad payload.
type Handler func(ctx context.Context, payload []byte) error

// ConsumerConfig contains configurable parameters for a Kafka consumer loop.
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Consumer reads one topic inside a consumer group and dispatches each message
// to a Handler.
type Consumer struct {
	reader  *kafka.Reader
	handler Handler
	topic   string
}

func NewConsumer(cfg ConsumerConfig, handler Handler) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("stream: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("stream: topic required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("stream: consumer group required")
	}
	if handler == nil {
		return nil, errors.New("stream: handler required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
	})
	return &Consumer{reader: r, handler: handler, topic: cfg.Topic}, nil
}

// Run blocks until ctx is cancelled, reading messages one at a time.
func (c *Consumer) Run(ctx context.Context) error {
	log.Printf("[stream] consumer starting topic=%s", c.topic)
	defer log.Printf("[stream] consumer stopped topic=%s", c.topic)
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := c.handler(ctx, msg.Value); err != nil {
			log.Printf("[stream] handler failed topic=%s offset=%d: %v", c.topic, msg.Offset, err)
		}
	}
}

// Close releases the underlying reader.
func (c *Consumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
