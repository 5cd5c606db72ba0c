package detection

import (
	"errors"
	"sort"
	"sync"

	"auditcore/internal/schema"

	"github.com/google/uuid"
)

// ErrNotFound indicates the requested detection does not exist.
var ErrNotFound = errors.New("detection not found")

// Filter selects detections for listing.
type Filter struct {
	Status   Status
	Severity schema.Severity
	Category schema.Category
	ActorID  string
	RuleID   string
	Shadow   *bool
	Limit    int
}

// Store holds detections in a flat, id-indexed arena.
type Store struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]*ThreatDetection
	order []uuid.UUID
}

// NewStore creates an empty detection store.
func NewStore() *Store {
	return &Store{byID: make(map[uuid.UUID]*ThreatDetection)}
}

// Put inserts or replaces a detection.
func (s *Store) Put(d *ThreatDetection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[d.ID]; !exists {
		s.order = append(s.order, d.ID)
	}
	copied := *d
	s.byID[d.ID] = &copied
}

// Get fetches a detection by id.
func (s *Store) Get(id uuid.UUID) (*ThreatDetection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *d
	return &copied, nil
}

// Update applies fn to the stored detection under the store lock. The
// update is atomic with respect to concurrent readers and writers.
func (s *Store) Update(id uuid.UUID, fn func(*ThreatDetection) error) (*ThreatDetection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := fn(d); err != nil {
		return nil, err
	}
	copied := *d
	return &copied, nil
}

// List returns detections matching the filter, newest first.
func (s *Store) List(f Filter) []*ThreatDetection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ThreatDetection
	for _, id := range s.order {
		d := s.byID[id]
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.Severity != "" && d.Severity != f.Severity {
			continue
		}
		if f.Category != "" && d.Category != f.Category {
			continue
		}
		if f.ActorID != "" && d.ActorID != f.ActorID {
			continue
		}
		if f.RuleID != "" && d.RuleID != f.RuleID {
			continue
		}
		if f.Shadow != nil && d.Shadow != *f.Shadow {
			continue
		}
		copied := *d
		out = append(out, &copied)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Count returns the number of stored detections.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
