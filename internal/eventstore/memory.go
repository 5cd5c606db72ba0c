package eventstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"auditcore/internal/schema"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used for tests and single-node
// deployments. Events live in an append-ordered arena; indexes map event id
// and dedupe key to arena positions.
type MemoryStore struct {
	mu     sync.RWMutex
	arena  []*schema.AuditEvent
	byID   map[uuid.UUID]int
	byKey  map[string]int
	seq    uint64
	closed bool

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[uuid.UUID]int),
		byKey: make(map[string]int),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Append implements Store. Sequence numbers are monotonic and never reused;
// deduplicated submissions do not consume a sequence.
func (s *MemoryStore) Append(ctx context.Context, event *schema.AuditEvent) (AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return AppendResult{}, &StorageError{Op: "append", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return AppendResult{}, &StorageError{Op: "append", Err: ErrStoreClosed}
	}

	if event.DedupeKey != "" {
		if idx, ok := s.byKey[event.DedupeKey]; ok {
			return AppendResult{Event: s.arena[idx], Deduplicated: true}, nil
		}
	}
	if idx, ok := s.byID[event.EventID]; ok {
		return AppendResult{Event: s.arena[idx], Deduplicated: true}, nil
	}

	stored := *event
	s.seq++
	stored.Sequence = s.seq
	if stored.ReceivedAt.IsZero() {
		stored.ReceivedAt = s.now()
	}
	if stored.SchemaVersion == "" {
		stored.SchemaVersion = schema.SchemaVersionCurrent
	}

	s.arena = append(s.arena, &stored)
	idx := len(s.arena) - 1
	s.byID[stored.EventID] = idx
	if stored.DedupeKey != "" {
		s.byKey[stored.DedupeKey] = idx
	}

	return AppendResult{Event: &stored}, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*schema.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, &StorageError{Op: "get", Err: ErrStoreClosed}
	}
	idx, ok := s.byID[id]
	if !ok || s.arena[idx] == nil {
		return nil, &StorageError{Op: "get", Err: ErrNotFound}
	}
	copied := *s.arena[idx]
	return &copied, nil
}

// Query implements Store. Results are ordered by timestamp, newest first
// unless the page requests ascending order; sequence breaks timestamp ties.
func (s *MemoryStore) Query(ctx context.Context, filter Filter, page Page) (QueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return QueryResult{}, &StorageError{Op: "query", Err: ErrStoreClosed}
	}

	var matched []*schema.AuditEvent
	for _, e := range s.arena {
		if e == nil {
			continue
		}
		if matches(e, filter) {
			matched = append(matched, e)
		}
	}

	asc := page.Order == OrderAsc
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if asc {
			if !a.Timestamp.Equal(b.Timestamp) {
				return a.Timestamp.Before(b.Timestamp)
			}
			return a.Sequence < b.Sequence
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		return a.Sequence > b.Sequence
	})

	total := len(matched)
	if page.Offset > 0 {
		if page.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[page.Offset:]
		}
	}
	if page.Limit > 0 && len(matched) > page.Limit {
		matched = matched[:page.Limit]
	}

	out := make([]*schema.AuditEvent, len(matched))
	for i, e := range matched {
		copied := *e
		out[i] = &copied
	}
	return QueryResult{Events: out, Total: total}, nil
}

// SetLegalHold implements Store.
func (s *MemoryStore) SetLegalHold(ctx context.Context, filter Filter, hold bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, &StorageError{Op: "legal_hold", Err: ErrStoreClosed}
	}

	touched := 0
	for _, e := range s.arena {
		if e == nil || !matches(e, filter) {
			continue
		}
		if e.LegalHold != hold {
			e.LegalHold = hold
			touched++
		}
	}
	return touched, nil
}

// ScanExpired implements Store.
func (s *MemoryStore) ScanExpired(ctx context.Context, now time.Time, limit int) ([]*schema.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, &StorageError{Op: "scan_expired", Err: ErrStoreClosed}
	}

	var out []*schema.AuditEvent
	for _, e := range s.arena {
		if e == nil || e.LegalHold || e.DeletionDate == nil || e.DeletionDate.After(now) {
			continue
		}
		copied := *e
		out = append(out, &copied)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// CountExpiredUnderHold implements Store.
func (s *MemoryStore) CountExpiredUnderHold(ctx context.Context, now time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, &StorageError{Op: "count_expired_under_hold", Err: ErrStoreClosed}
	}

	n := 0
	for _, e := range s.arena {
		if e != nil && e.LegalHold && e.DeletionDate != nil && !e.DeletionDate.After(now) {
			n++
		}
	}
	return n, nil
}

// ScanArchivable implements Store.
func (s *MemoryStore) ScanArchivable(ctx context.Context, now time.Time, limit int) ([]*schema.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, &StorageError{Op: "scan_archivable", Err: ErrStoreClosed}
	}

	var out []*schema.AuditEvent
	for _, e := range s.arena {
		if e == nil || e.Archived || e.ArchiveDate == nil || e.ArchiveDate.After(now) {
			continue
		}
		copied := *e
		out = append(out, &copied)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MarkArchived implements Store.
func (s *MemoryStore) MarkArchived(ctx context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &StorageError{Op: "mark_archived", Err: ErrStoreClosed}
	}
	for _, id := range ids {
		if idx, ok := s.byID[id]; ok && s.arena[idx] != nil {
			s.arena[idx].Archived = true
		}
	}
	return nil
}

// Delete implements Store. Events under legal hold are skipped, not failed;
// sequence numbers of deleted events are never reused.
func (s *MemoryStore) Delete(ctx context.Context, ids []uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, &StorageError{Op: "delete", Err: ErrStoreClosed}
	}

	deleted := 0
	for _, id := range ids {
		idx, ok := s.byID[id]
		if !ok || s.arena[idx] == nil {
			continue
		}
		e := s.arena[idx]
		if e.LegalHold {
			continue
		}
		if e.DedupeKey != "" {
			delete(s.byKey, e.DedupeKey)
		}
		delete(s.byID, id)
		s.arena[idx] = nil
		deleted++
	}
	return deleted, nil
}

// Count implements Store.
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, &StorageError{Op: "count", Err: ErrStoreClosed}
	}
	n := 0
	for _, e := range s.arena {
		if e != nil {
			n++
		}
	}
	return n, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func matches(e *schema.AuditEvent, f Filter) bool {
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	if len(f.Categories) > 0 && !containsCategory(f.Categories, e.Category) {
		return false
	}
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, e.Severity) {
		return false
	}
	if f.ActorID != "" && e.Actor.ID != f.ActorID {
		return false
	}
	if f.ActorType != "" && e.Actor.Type != f.ActorType {
		return false
	}
	if f.Action != "" && !actionMatches(e.Action, f.Action) {
		return false
	}
	if f.Resource != "" && e.Resource != f.Resource {
		return false
	}
	if f.Result != "" && e.Result != f.Result {
		return false
	}
	if f.TargetID != "" && (e.Target == nil || e.Target.ID != f.TargetID) {
		return false
	}
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.MinSequence > 0 && e.Sequence <= f.MinSequence {
		return false
	}
	return true
}

// actionMatches supports an optional trailing ".*" wildcard so a filter of
// "auth.*" selects the whole auth action family.
func actionMatches(action, pattern string) bool {
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return action == prefix || strings.HasPrefix(action, prefix+".")
	}
	return action == pattern
}

func containsCategory(set []schema.Category, c schema.Category) bool {
	for _, v := range set {
		if v == c {
			return true
		}
	}
	return false
}

func containsSeverity(set []schema.Severity, s schema.Severity) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
