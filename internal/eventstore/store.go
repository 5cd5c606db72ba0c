// Package eventstore provides append-only persistence for audit events.
// Events are immutable once appended; the only removal path is retention.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"auditcore/internal/schema"

	"github.com/google/uuid"
)

// Sentinel errors returned by store implementations.
var (
	// ErrNotFound indicates the requested event does not exist.
	ErrNotFound = errors.New("event not found")

	// ErrLegalHold indicates a deletion was refused because the event is
	// under legal hold.
	ErrLegalHold = errors.New("event under legal hold")

	// ErrStoreClosed indicates the store has been shut down.
	ErrStoreClosed = errors.New("event store closed")

	// ErrSealedRequired indicates an event arrived without an integrity
	// hash where one is mandatory.
	ErrSealedRequired = errors.New("integrity hash required")
)

// StorageError wraps an underlying storage failure with operation context.
type StorageError struct {
	Op    string
	Table string
	Err   error
}

func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("eventstore: %s on %s: %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("eventstore: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Filter selects events for queries and exports. Zero values mean "any".
type Filter struct {
	From       time.Time
	To         time.Time
	Categories []schema.Category
	Severities []schema.Severity
	ActorID    string
	ActorType  schema.ActorType
	Action     string
	Resource   string
	Result     schema.Result
	TargetID   string
	TenantID   string

	// MinSequence restricts the scan to events appended after the given
	// sequence number. Used by cursor-based consumers.
	MinSequence uint64
}

// Order is the sort direction for query results. Events sort by timestamp
// with sequence as the tie-break.
type Order string

const (
	// OrderDesc returns the newest events first. The empty Order means
	// OrderDesc.
	OrderDesc Order = "desc"

	// OrderAsc returns the oldest events first.
	OrderAsc Order = "asc"
)

// Page controls result pagination and ordering.
type Page struct {
	Limit  int
	Offset int
	Order  Order
}

// QueryResult is one page of matching events plus the total match count.
type QueryResult struct {
	Events []*schema.AuditEvent
	Total  int
}

// AppendResult reports the outcome of an append.
type AppendResult struct {
	Event *schema.AuditEvent
	// Deduplicated is true when the event's dedupe key matched an already
	// stored event; Event then points at the stored original.
	Deduplicated bool
}

// Store is the append-only event store contract.
type Store interface {
	// Append persists the event, assigning sequence and received-at. When
	// the event carries a dedupe key that was seen before, the stored
	// original is returned with Deduplicated set and nothing is written.
	Append(ctx context.Context, event *schema.AuditEvent) (AppendResult, error)

	// Get fetches a single event by id.
	Get(ctx context.Context, id uuid.UUID) (*schema.AuditEvent, error)

	// Query returns events matching the filter ordered by timestamp,
	// newest first unless the page requests ascending order.
	Query(ctx context.Context, filter Filter, page Page) (QueryResult, error)

	// SetLegalHold marks or clears legal hold on every event matching the
	// filter and returns the number of events touched.
	SetLegalHold(ctx context.Context, filter Filter, hold bool) (int, error)

	// ScanExpired returns events whose deletion date is at or before now,
	// excluding events under legal hold. Held events never occupy result
	// slots, so a backlog of holds cannot stall the scan.
	ScanExpired(ctx context.Context, now time.Time, limit int) ([]*schema.AuditEvent, error)

	// CountExpiredUnderHold reports how many events are past their
	// deletion date but retained by legal hold.
	CountExpiredUnderHold(ctx context.Context, now time.Time) (int, error)

	// ScanArchivable returns events whose archive date is at or before now
	// and that have not been archived yet.
	ScanArchivable(ctx context.Context, now time.Time, limit int) ([]*schema.AuditEvent, error)

	// MarkArchived records that the given events were durably archived.
	MarkArchived(ctx context.Context, ids []uuid.UUID) error

	// Delete removes events by id. Events under legal hold are skipped;
	// the count of actually deleted events is returned.
	Delete(ctx context.Context, ids []uuid.UUID) (int, error)

	// Count returns the number of stored events.
	Count(ctx context.Context) (int, error)

	// Close releases store resources.
	Close() error
}
