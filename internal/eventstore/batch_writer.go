package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"auditcore/internal/schema"
)

// BatchInserter is the subset of the ClickHouse client the batch writer
// needs. Tests substitute a fake.
type BatchInserter interface {
	PrepareBatch(ctx context.Context, query string) (Batch, error)
}

// Batch is a prepared insert batch.
type Batch interface {
	Append(args ...any) error
	Send() error
}

// clientInserter adapts ClickHouseClient to BatchInserter.
type clientInserter struct {
	client *ClickHouseClient
}

func (ci clientInserter) PrepareBatch(ctx context.Context, query string) (Batch, error) {
	return ci.client.PrepareBatch(ctx, query)
}

// NewClientInserter wraps a ClickHouseClient for use by the batch writer.
func NewClientInserter(client *ClickHouseClient) BatchInserter {
	return clientInserter{client: client}
}

// BatchWriterConfig holds configuration for the batch writer.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultBatchWriterConfig returns the default batch writer configuration.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// BatchWriter handles batched inserts of audit events into ClickHouse.
type BatchWriter struct {
	inserter BatchInserter
	config   BatchWriterConfig

	buffer []*schema.AuditEvent
	mu     sync.Mutex

	flushTimer *time.Timer
	closed     bool

	// Metrics
	totalWritten uint64
	totalFailed  uint64
	batchCount   uint64
}

// NewBatchWriter creates a new BatchWriter.
func NewBatchWriter(inserter BatchInserter, cfg BatchWriterConfig) *BatchWriter {
	bw := &BatchWriter{
		inserter: inserter,
		config:   cfg,
		buffer:   make([]*schema.AuditEvent, 0, cfg.BatchSize),
	}

	bw.flushTimer = time.AfterFunc(cfg.FlushInterval, bw.timerFlush)

	return bw
}

// Write adds an event to the batch.
func (bw *BatchWriter) Write(event *schema.AuditEvent) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return &StorageError{Op: "write", Table: "audit_events", Err: ErrStoreClosed}
	}

	bw.buffer = append(bw.buffer, event)

	if len(bw.buffer) >= bw.config.BatchSize {
		return bw.flushLocked()
	}

	return nil
}

func (bw *BatchWriter) timerFlush() {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return
	}

	if len(bw.buffer) > 0 {
		if err := bw.flushLocked(); err != nil {
			slog.Error("timer flush failed", "error", err)
		}
	}

	bw.flushTimer.Reset(bw.config.FlushInterval)
}

// flushLocked flushes the buffer. Caller must hold the lock.
func (bw *BatchWriter) flushLocked() error {
	if len(bw.buffer) == 0 {
		return nil
	}

	events := bw.buffer
	bw.buffer = make([]*schema.AuditEvent, 0, bw.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(bw.config.RetryDelay * time.Duration(attempt))
		}

		if err := bw.insertBatch(events); err != nil {
			lastErr = err
			slog.Warn("batch insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", bw.config.MaxRetries,
				"error", err,
			)
			continue
		}

		atomic.AddUint64(&bw.totalWritten, uint64(len(events)))
		atomic.AddUint64(&bw.batchCount, 1)
		return nil
	}

	atomic.AddUint64(&bw.totalFailed, uint64(len(events)))
	return &StorageError{
		Op:    "flush",
		Table: "audit_events",
		Err:   fmt.Errorf("batch insert failed after %d retries: %w", bw.config.MaxRetries, lastErr),
	}
}

func (bw *BatchWriter) insertBatch(events []*schema.AuditEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := bw.inserter.PrepareBatch(ctx, `
		INSERT INTO audit_events (
			event_id, tenant_id, sequence, timestamp, received_at,
			category, severity, action, resource, result,
			actor_type, actor_id, actor_name, actor_ip, actor_location, actor_device,
			target_type, target_id, target_name, target_sensitivity,
			dedupe_key, integrity_hash, schema_version,
			legal_hold, archive_date, deletion_date,
			details, metadata
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, event := range events {
		var details []byte
		if event.Details != nil {
			details, _ = json.Marshal(event.Details)
		}
		metadata, _ := json.Marshal(event.Metadata)

		targetType := ""
		targetID := ""
		targetName := ""
		targetSensitivity := ""
		if event.Target != nil {
			targetType = event.Target.Type
			targetID = event.Target.ID
			targetName = event.Target.Name
			targetSensitivity = string(event.Target.Sensitivity)
		}

		tenantID := event.TenantID
		if tenantID == "" {
			tenantID = "default"
		}

		err := batch.Append(
			event.EventID,
			tenantID,
			event.Sequence,
			event.Timestamp,
			event.ReceivedAt,
			string(event.Category),
			string(event.Severity),
			event.Action,
			event.Resource,
			string(event.Result),
			string(event.Actor.Type),
			event.Actor.ID,
			event.Actor.Name,
			event.Actor.IPAddress,
			event.Actor.Location,
			event.Actor.DeviceID,
			targetType,
			targetID,
			targetName,
			targetSensitivity,
			event.DedupeKey,
			event.IntegrityHash,
			event.SchemaVersion,
			event.LegalHold,
			event.ArchiveDate,
			event.DeletionDate,
			string(details),
			string(metadata),
		)
		if err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	slog.Debug("batch inserted", "count", len(events))
	return nil
}

// Flush forces a flush of the current buffer.
func (bw *BatchWriter) Flush() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked()
}

// Close stops the flush timer and flushes any buffered events.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	bw.closed = true
	bw.mu.Unlock()

	bw.flushTimer.Stop()

	// Final flush. flushLocked does not check closed so buffered events
	// still drain.
	return bw.Flush()
}

// Metrics returns batch writer statistics.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	return BatchWriterMetrics{
		Written: atomic.LoadUint64(&bw.totalWritten),
		Failed:  atomic.LoadUint64(&bw.totalFailed),
		Batches: atomic.LoadUint64(&bw.batchCount),
		Pending: bw.pendingCount(),
	}
}

func (bw *BatchWriter) pendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// BatchWriterMetrics holds batch writer statistics.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}
