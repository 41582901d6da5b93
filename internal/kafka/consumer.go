package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/ramiqadoumi/go-task-dispatch/pkg/backoff"
)

// Message wraps a Kafka message with the fields handlers need.
type Message struct {
	Topic     string
	Partition int
	Key       []byte
	Value     []byte
	Offset    int64
	Headers   []kafka.Header
}

// Header returns the value of the first header named key, or "".
func (m Message) Header(key string) string {
	return HeaderCarrier(m.Headers).Get(key)
}

// HandlerFunc processes a single message. Returning nil commits the offset.
// An error redelivers the same message after a backoff delay; handlers drop
// messages that can never succeed by returning nil.
type HandlerFunc func(ctx context.Context, msg Message) error

// Consumer reads messages from a Kafka topic.
type Consumer interface {
	Subscribe(ctx context.Context, handler HandlerFunc) error
	Close() error
}

// ConsumerOption configures a consumer.
type ConsumerOption func(*consumer)

// WithConsumerLogger sets the logger. Defaults to slog.Default().
func WithConsumerLogger(l *slog.Logger) ConsumerOption {
	return func(c *consumer) { c.logger = l }
}

// WithRedeliveryBackoff sets the delay between redeliveries of a failing
// message.
func WithRedeliveryBackoff(s backoff.Strategy) ConsumerOption {
	return func(c *consumer) { c.backoff = s }
}

type consumer struct {
	reader  *kafka.Reader
	logger  *slog.Logger
	backoff backoff.Strategy
}

// NewConsumer creates a consumer for the given topic and consumer group.
// Offsets are committed manually, so delivery is at least once.
func NewConsumer(brokers []string, topic, groupID string, opts ...ConsumerOption) Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
	c := &consumer{
		reader:  r,
		logger:  slog.Default(),
		backoff: backoff.NewExponentialWithJitter(100*time.Millisecond, 30*time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe reads messages until ctx is cancelled. A message's offset is
// committed only after the handler accepted it; until then the same message
// is handed to the handler again, so later offsets never overtake it.
func (c *consumer) Subscribe(ctx context.Context, handler HandlerFunc) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		msg := Message{
			Topic:     m.Topic,
			Partition: m.Partition,
			Key:       m.Key,
			Value:     m.Value,
			Offset:    m.Offset,
			Headers:   m.Headers,
		}
		carrier := HeaderCarrier(m.Headers)
		msgCtx := otel.GetTextMapPropagator().Extract(ctx, &carrier)

		if !c.deliver(msgCtx, msg, handler) {
			return nil
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.logger.Error("failed to commit kafka offset",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

// deliver calls handler until it succeeds. It returns false when ctx ends
// first.
func (c *consumer) deliver(ctx context.Context, msg Message, handler HandlerFunc) bool {
	for attempt := 1; ; attempt++ {
		err := handler(ctx, msg)
		if err == nil {
			return true
		}
		delay := c.backoff.Delay(attempt)
		c.logger.Warn("message handler failed, redelivering",
			slog.String("topic", msg.Topic),
			slog.Int64("offset", msg.Offset),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
}

func (c *consumer) Close() error {
	return c.reader.Close()
}
