package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"auditcore/internal/schema"

	"github.com/segmentio/kafka-go"
)

// EventHandler processes one consumed audit event. A nil return commits the
// offset; an error leaves the message uncommitted for redelivery.
type EventHandler func(ctx context.Context, event *schema.AuditEvent) error

// Consumer reads audit events from the event topic and hands them to the
// pipeline.
type Consumer struct {
	reader  *kafka.Reader
	config  *Config
	logger  *slog.Logger
	handler EventHandler

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
	started atomic.Bool

	consumed atomic.Int64
	bytes    atomic.Int64
	errCount atomic.Int64
}

// NewConsumer creates a Kafka consumer for audit events.
func NewConsumer(config *Config, handler EventHandler, logger *slog.Logger) (*Consumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("kafka: event handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	dialer, err := config.dialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		GroupID:        config.ConsumerGroup,
		Topic:          config.Topic,
		Dialer:         dialer,
		MinBytes:       config.MinBytes,
		MaxBytes:       config.MaxBytes,
		MaxWait:        config.MaxWait,
		CommitInterval: config.CommitInterval,
		StartOffset:    config.StartOffset,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka_reader")
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		reader:  reader,
		config:  config,
		logger:  logger,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}

	logger.Info("kafka consumer initialized",
		"brokers", config.Brokers, "topic", config.Topic, "group", config.ConsumerGroup)
	return c, nil
}

// Start begins consuming in a background goroutine.
func (c *Consumer) Start() error {
	if c.started.Swap(true) {
		return errors.New("kafka: consumer already started")
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.consumeLoop(); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("consumer loop exited", "error", err)
		}
	}()
	return nil
}

func (c *Consumer) consumeLoop() error {
	for {
		msg, err := c.reader.FetchMessage(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			c.errCount.Add(1)
			c.logger.Error("fetch failed", "error", err, "topic", c.config.Topic)
			select {
			case <-c.ctx.Done():
				return c.ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		var event schema.AuditEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			// Undecodable payloads are committed: redelivery cannot fix them.
			c.errCount.Add(1)
			c.logger.Error("dropping undecodable message",
				"error", err, "partition", msg.Partition, "offset", msg.Offset)
			c.commit(msg)
			continue
		}

		if err := c.handler(c.ctx, &event); err != nil {
			c.errCount.Add(1)
			c.logger.Error("event handler failed",
				"error", err, "event_id", event.EventID, "offset", msg.Offset)
			continue
		}

		c.commit(msg)
		c.consumed.Add(1)
		c.bytes.Add(int64(len(msg.Value) + len(msg.Key)))
	}
}

func (c *Consumer) commit(msg kafka.Message) {
	if err := c.reader.CommitMessages(c.ctx, msg); err != nil {
		c.logger.Error("offset commit failed", "error", err, "offset", msg.Offset)
	}
}

// GetMetrics returns consumer counters.
func (c *Consumer) GetMetrics() Metrics {
	return Metrics{
		MessagesConsumed: c.consumed.Load(),
		BytesConsumed:    c.bytes.Load(),
		Errors:           c.errCount.Load(),
	}
}

// Stop cancels the consume loop and closes the reader.
func (c *Consumer) Stop() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.logger.Info("stopping kafka consumer", "messages_consumed", c.consumed.Load())
	c.cancel()
	c.wg.Wait()
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("kafka: closing consumer: %w", err)
	}
	return nil
}
