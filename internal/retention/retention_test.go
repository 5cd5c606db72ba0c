package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"auditcore/internal/eventstore"
	"auditcore/internal/eventstore/s3"
	"auditcore/internal/schema"
	"auditcore/internal/schema/schematest"

	"github.com/google/uuid"
)

var testBase = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func TestPolicySetValidate(t *testing.T) {
	if err := DefaultPolicySet().Validate(); err != nil {
		t.Errorf("DefaultPolicySet().Validate() = %v", err)
	}

	bad := DefaultPolicySet()
	bad.Policies[schema.CategorySystem] = Policy{ArchiveAfter: 100 * day, DeleteAfter: 10 * day}
	if err := bad.Validate(); err == nil {
		t.Error("archive offset past delete offset passed validation")
	}
}

func TestResolveStampsDates(t *testing.T) {
	ps := DefaultPolicySet()

	tests := []struct {
		name        string
		category    schema.Category
		severity    schema.Severity
		wantArchive time.Duration
		wantDelete  time.Duration
	}{
		{"authentication medium", schema.CategoryAuthentication, schema.SeverityMedium, 90 * day, 365 * day},
		{"security low", schema.CategorySecurity, schema.SeverityLow, 180 * day, 730 * day},
		{"critical extended", schema.CategoryAuthentication, schema.SeverityCritical, 455 * day, 730 * day},
		{"fallback to default", schema.CategoryAuthorization, schema.SeverityMedium, 90 * day, 365 * day},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := schematest.New(1).
				WithCategory(tt.category).
				WithSeverity(tt.severity).
				WithTimestamp(testBase).
				Build()
			ps.Resolve(e)

			if e.ArchiveDate == nil || !e.ArchiveDate.Equal(testBase.Add(tt.wantArchive)) {
				t.Errorf("ArchiveDate = %v, want %v", e.ArchiveDate, testBase.Add(tt.wantArchive))
			}
			if e.DeletionDate == nil || !e.DeletionDate.Equal(testBase.Add(tt.wantDelete)) {
				t.Errorf("DeletionDate = %v, want %v", e.DeletionDate, testBase.Add(tt.wantDelete))
			}
		})
	}
}

// fakeArchiver records archived batches in memory.
type fakeArchiver struct {
	batches [][]*schema.AuditEvent
	err     error
}

func (f *fakeArchiver) Archive(ctx context.Context, events []*schema.AuditEvent) (*s3.ArchiveManifest, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.batches = append(f.batches, events)
	return &s3.ArchiveManifest{ID: uuid.NewString(), TotalEvents: int64(len(events))}, nil
}

func (f *fakeArchiver) archivedCount() int {
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func seedEvent(t *testing.T, store eventstore.Store, seq int, archiveAt, deleteAt time.Time) uuid.UUID {
	t.Helper()
	e := schematest.New(seq).WithTimestamp(testBase.Add(-time.Duration(seq) * time.Minute)).Build()
	e.ArchiveDate = &archiveAt
	e.DeletionDate = &deleteAt

	res, err := store.Append(context.Background(), e)
	if err != nil {
		t.Fatalf("Append() = %v", err)
	}
	return res.Event.EventID
}

func TestSweepArchivesThenDeletes(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	arch := &fakeArchiver{}
	sw := NewSweeper(store, arch, DefaultSweeperConfig(), nil)

	// One event due for archive only, one fully expired, one still fresh.
	archiveOnly := seedEvent(t, store, 1, testBase.Add(-day), testBase.Add(30*day))
	expired := seedEvent(t, store, 2, testBase.Add(-10*day), testBase.Add(-day))
	fresh := seedEvent(t, store, 3, testBase.Add(30*day), testBase.Add(60*day))

	result, err := sw.RunOnce(ctx, testBase)
	if err != nil {
		t.Fatalf("RunOnce() = %v", err)
	}
	if result.Archived != 2 {
		t.Errorf("Archived = %d, want 2", result.Archived)
	}
	if result.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1", result.Deleted)
	}
	if arch.archivedCount() != 2 {
		t.Errorf("archiver received %d events, want 2", arch.archivedCount())
	}

	if _, err := store.Get(ctx, expired); !errors.Is(err, eventstore.ErrNotFound) {
		t.Errorf("expired event still present: %v", err)
	}
	got, err := store.Get(ctx, archiveOnly)
	if err != nil {
		t.Fatalf("Get(archiveOnly) = %v", err)
	}
	if !got.Archived {
		t.Error("archive-due event not marked archived")
	}
	if _, err := store.Get(ctx, fresh); err != nil {
		t.Errorf("fresh event was touched: %v", err)
	}
}

func TestSweepSkipsLegalHold(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	arch := &fakeArchiver{}
	sw := NewSweeper(store, arch, DefaultSweeperConfig(), nil)

	heldID := seedEvent(t, store, 1, testBase.Add(-10*day), testBase.Add(-day))
	if _, err := store.SetLegalHold(ctx, eventstore.Filter{ActorID: "user-1"}, true); err != nil {
		t.Fatalf("SetLegalHold() = %v", err)
	}

	result, err := sw.RunOnce(ctx, testBase)
	if err != nil {
		t.Fatalf("RunOnce() = %v", err)
	}
	if result.RetainedUnderHold != 1 {
		t.Errorf("RetainedUnderHold = %d, want 1", result.RetainedUnderHold)
	}
	if result.Deleted != 0 {
		t.Errorf("Deleted = %d, want 0", result.Deleted)
	}
	if _, err := store.Get(ctx, heldID); err != nil {
		t.Errorf("held event was removed: %v", err)
	}

	// Clearing the hold lets the next sweep delete it.
	if _, err := store.SetLegalHold(ctx, eventstore.Filter{ActorID: "user-1"}, false); err != nil {
		t.Fatalf("SetLegalHold(clear) = %v", err)
	}
	result, err = sw.RunOnce(ctx, testBase)
	if err != nil {
		t.Fatalf("RunOnce() = %v", err)
	}
	if result.Deleted != 1 {
		t.Errorf("Deleted after hold cleared = %d, want 1", result.Deleted)
	}
}

func TestSweepDeletesExpiredBehindHeldBacklog(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	arch := &fakeArchiver{}
	sw := NewSweeper(store, arch, SweeperConfig{Interval: time.Hour, BatchSize: 2}, nil)

	past := testBase.Add(-10 * day)
	expiredAt := testBase.Add(-day)
	seed := func(seq int, actor string) uuid.UUID {
		t.Helper()
		e := schematest.New(seq).WithActorID(actor).WithTimestamp(past).Build()
		e.ArchiveDate = &past
		e.DeletionDate = &expiredAt
		res, err := store.Append(ctx, e)
		if err != nil {
			t.Fatalf("Append() = %v", err)
		}
		return res.Event.EventID
	}

	// Enough held expired events to fill a whole scan batch, with a
	// deletable expired event appended behind them.
	heldA := seed(1, "held-actor")
	heldB := seed(2, "held-actor")
	free := seed(3, "free-actor")

	if _, err := store.SetLegalHold(ctx, eventstore.Filter{ActorID: "held-actor"}, true); err != nil {
		t.Fatalf("SetLegalHold() = %v", err)
	}

	result, err := sw.RunOnce(ctx, testBase)
	if err != nil {
		t.Fatalf("RunOnce() = %v", err)
	}
	if result.RetainedUnderHold != 2 {
		t.Errorf("RetainedUnderHold = %d, want 2", result.RetainedUnderHold)
	}
	if result.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1 (held backlog must not starve the scan)", result.Deleted)
	}

	if _, err := store.Get(ctx, free); !errors.Is(err, eventstore.ErrNotFound) {
		t.Errorf("deletable event behind held backlog survived the sweep: %v", err)
	}
	for _, id := range []uuid.UUID{heldA, heldB} {
		if _, err := store.Get(ctx, id); err != nil {
			t.Errorf("held event was removed: %v", err)
		}
	}
}

func TestSweepCancelledLeavesEventsIntact(t *testing.T) {
	store := eventstore.NewMemoryStore()
	arch := &fakeArchiver{}
	sw := NewSweeper(store, arch, DefaultSweeperConfig(), nil)

	id := seedEvent(t, store, 1, testBase.Add(-10*day), testBase.Add(-day))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := sw.RunOnce(ctx, testBase); err == nil {
		t.Fatal("RunOnce() with cancelled context succeeded")
	}
	if _, err := store.Get(context.Background(), id); err != nil {
		t.Errorf("event removed despite cancellation: %v", err)
	}
}
