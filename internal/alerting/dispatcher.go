package alerting

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus is the delivery state of one alert on one channel.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliverySent       DeliveryStatus = "sent"
	DeliveryRetrying   DeliveryStatus = "retrying"
	DeliveryDeadLetter DeliveryStatus = "dead_letter"
)

// DeliveryRecord tracks one alert delivery to one channel.
type DeliveryRecord struct {
	ID          uuid.UUID      `json:"id"`
	AlertID     uuid.UUID      `json:"alert_id"`
	ChannelName string         `json:"channel_name"`
	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	LastAttempt time.Time      `json:"last_attempt"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
}

// DispatcherConfig configures delivery retries.
type DispatcherConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// DefaultDispatcherConfig returns the default delivery configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		AttemptTimeout: 10 * time.Second,
	}
}

// Dispatcher fans alerts out to all channels, retrying with exponential
// backoff. Exhausted deliveries land in a dead-letter queue instead of
// being dropped.
type Dispatcher struct {
	cfg      DispatcherConfig
	channels []Channel
	logger   *slog.Logger

	mu         sync.RWMutex
	records    map[uuid.UUID]*DeliveryRecord
	deadLetter []*DeliveryRecord

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given channels.
func NewDispatcher(cfg DispatcherConfig, channels []Channel, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultDispatcherConfig().MaxAttempts
	}
	return &Dispatcher{
		cfg:      cfg,
		channels: channels,
		logger:   logger.With("component", "alert_dispatcher"),
		records:  make(map[uuid.UUID]*DeliveryRecord),
		stopCh:   make(chan struct{}),
	}
}

// Dispatch sends an alert to every channel asynchronously.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *Alert) {
	for _, ch := range d.channels {
		record := &DeliveryRecord{
			ID:          uuid.New(),
			AlertID:     alert.ID,
			ChannelName: ch.Name(),
			Status:      DeliveryPending,
			CreatedAt:   time.Now(),
		}
		d.mu.Lock()
		d.records[record.ID] = record
		d.mu.Unlock()

		d.wg.Add(1)
		go d.deliver(ctx, ch, alert, record)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, alert *Alert, record *DeliveryRecord) {
	defer d.wg.Done()

	backoff := d.cfg.InitialBackoff
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		d.mu.Lock()
		record.Attempts = attempt
		record.LastAttempt = time.Now()
		if attempt > 1 {
			record.Status = DeliveryRetrying
		}
		d.mu.Unlock()

		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		err := ch.Send(attemptCtx, alert)
		cancel()

		if err == nil {
			now := time.Now()
			d.mu.Lock()
			record.Status = DeliverySent
			record.DeliveredAt = &now
			d.mu.Unlock()
			return
		}

		d.mu.Lock()
		record.LastError = err.Error()
		d.mu.Unlock()
		d.logger.Warn("alert delivery failed",
			"channel", ch.Name(), "alert_id", alert.ID, "attempt", attempt, "error", err)

		if attempt < d.cfg.MaxAttempts {
			select {
			case <-ctx.Done():
				d.toDeadLetter(record, "context cancelled")
				return
			case <-d.stopCh:
				d.toDeadLetter(record, "dispatcher stopped")
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > d.cfg.MaxBackoff {
				backoff = d.cfg.MaxBackoff
			}
		}
	}

	d.toDeadLetter(record, record.LastError)
}

func (d *Dispatcher) toDeadLetter(record *DeliveryRecord, reason string) {
	d.mu.Lock()
	record.Status = DeliveryDeadLetter
	record.LastError = reason
	d.deadLetter = append(d.deadLetter, record)
	d.mu.Unlock()

	d.logger.Error("alert delivery dead-lettered",
		"alert_id", record.AlertID, "channel", record.ChannelName,
		"attempts", record.Attempts, "reason", reason)
}

// DeadLetterQueue returns all dead-lettered delivery records.
func (d *Dispatcher) DeadLetterQueue() []*DeliveryRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*DeliveryRecord, len(d.deadLetter))
	copy(out, d.deadLetter)
	return out
}

// Records returns the delivery records for one alert.
func (d *Dispatcher) Records(alertID uuid.UUID) []*DeliveryRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*DeliveryRecord
	for _, rec := range d.records {
		if rec.AlertID == alertID {
			copied := *rec
			out = append(out, &copied)
		}
	}
	return out
}

// Stop waits for in-flight deliveries to finish.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}
