package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"auditcore/internal/schema"

	"github.com/segmentio/kafka-go"
)

// Producer publishes audit events to the event topic. Messages are keyed by
// actor so per-actor ordering survives partitioning.
type Producer struct {
	writer *kafka.Writer
	config *Config
	logger *slog.Logger
	closed atomic.Bool

	produced atomic.Int64
	bytes    atomic.Int64
	errors   atomic.Int64
	retries  atomic.Int64
}

// NewProducer creates a Kafka producer for audit events.
func NewProducer(config *Config, logger *slog.Logger) (*Producer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	dialer, err := config.dialer()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    config.BatchSize,
		BatchTimeout: config.BatchTimeout,
		MaxAttempts:  config.MaxRetries,
		WriteTimeout: config.WriteTimeout,
		ReadTimeout:  config.ReadTimeout,
		RequiredAcks: kafka.RequiredAcks(config.RequiredAcks),
		Compression:  config.compression(),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka_writer")
		}),
	}

	logger.Info("kafka producer initialized",
		"brokers", config.Brokers, "topic", config.Topic, "compression", config.CompressionType)

	return &Producer{writer: writer, config: config, logger: logger}, nil
}

// PublishEvent serializes and publishes one audit event.
func (p *Producer) PublishEvent(ctx context.Context, event *schema.AuditEvent) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka: marshaling event %s: %w", event.EventID, err)
	}
	msg := kafka.Message{
		Key:   []byte(event.Actor.ID),
		Value: data,
		Time:  event.Timestamp,
	}
	return p.write(ctx, msg)
}

// PublishBatch publishes multiple events in one call.
func (p *Producer) PublishBatch(ctx context.Context, events []*schema.AuditEvent) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("kafka: marshaling event %s: %w", e.EventID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.Actor.ID),
			Value: data,
			Time:  e.Timestamp,
		})
	}
	return p.write(ctx, msgs...)
}

func (p *Producer) write(ctx context.Context, msgs ...kafka.Message) error {
	var lastErr error
	backoff := p.config.RetryBackoff

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			p.retries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
			lastErr = err
			p.errors.Add(1)
			p.logger.Warn("kafka produce failed", "error", err, "attempt", attempt+1)
			continue
		}

		p.produced.Add(int64(len(msgs)))
		for _, m := range msgs {
			p.bytes.Add(int64(len(m.Value) + len(m.Key)))
		}
		return nil
	}
	return fmt.Errorf("kafka: produce failed after %d attempts: %w", p.config.MaxRetries+1, lastErr)
}

// GetMetrics returns producer counters.
func (p *Producer) GetMetrics() Metrics {
	return Metrics{
		MessagesProduced: p.produced.Load(),
		BytesProduced:    p.bytes.Load(),
		Errors:           p.errors.Load(),
		Retries:          p.retries.Load(),
	}
}

// Close flushes and closes the producer.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.logger.Info("closing kafka producer", "messages_produced", p.produced.Load())
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: closing producer: %w", err)
	}
	return nil
}
