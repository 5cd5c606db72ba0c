package retention

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"auditcore/internal/eventstore"
	"auditcore/internal/eventstore/s3"
	"auditcore/internal/schema"

	"github.com/google/uuid"
)

// Archiver moves event batches to cold storage. Archiving is idempotent:
// re-archiving the same events produces a new manifest without corrupting
// earlier ones.
type Archiver interface {
	Archive(ctx context.Context, events []*schema.AuditEvent) (*s3.ArchiveManifest, error)
}

// SweeperConfig holds retention sweep parameters.
type SweeperConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

// DefaultSweeperConfig returns the default sweeper configuration.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:  time.Hour,
		BatchSize: 500,
	}
}

// SweepResult reports one sweep pass.
type SweepResult struct {
	Archived          int `json:"archived"`
	Deleted           int `json:"deleted"`
	RetainedUnderHold int `json:"retained_under_hold"`
}

// SweeperMetrics are cumulative sweep counters.
type SweeperMetrics struct {
	Sweeps            uint64 `json:"sweeps"`
	Archived          uint64 `json:"archived"`
	Deleted           uint64 `json:"deleted"`
	RetainedUnderHold uint64 `json:"retained_under_hold"`
	Errors            uint64 `json:"errors"`
}

// Sweeper runs cancellable retention passes: archive due events first, then
// delete expired ones. Deletion never touches an event that has not been
// durably archived, so cancellation between the two phases leaves the store
// consistent.
type Sweeper struct {
	store    eventstore.Store
	archiver Archiver
	cfg      SweeperConfig
	logger   *slog.Logger

	sweeps            atomic.Uint64
	archived          atomic.Uint64
	deleted           atomic.Uint64
	retainedUnderHold atomic.Uint64
	errorCount        atomic.Uint64
}

// NewSweeper creates a retention sweeper.
func NewSweeper(store eventstore.Store, archiver Archiver, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSweeperConfig().BatchSize
	}
	return &Sweeper{
		store:    store,
		archiver: archiver,
		cfg:      cfg,
		logger:   logger.With("component", "retention_sweeper"),
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retention sweeper stopped")
			return
		case <-ticker.C:
			result, err := s.RunOnce(ctx, time.Now())
			if err != nil {
				s.logger.Error("retention sweep failed", "error", err)
				continue
			}
			s.logger.Info("retention sweep complete",
				"archived", result.Archived,
				"deleted", result.Deleted,
				"retained_under_hold", result.RetainedUnderHold)
		}
	}
}

// RunOnce performs a single sweep pass.
func (s *Sweeper) RunOnce(ctx context.Context, now time.Time) (SweepResult, error) {
	s.sweeps.Add(1)
	var result SweepResult

	if err := s.archivePass(ctx, now, &result); err != nil {
		s.errorCount.Add(1)
		return result, err
	}
	if err := s.deletePass(ctx, now, &result); err != nil {
		s.errorCount.Add(1)
		return result, err
	}
	return result, nil
}

// archivePass moves due events to cold storage and marks them archived.
func (s *Sweeper) archivePass(ctx context.Context, now time.Time, result *SweepResult) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		events, err := s.store.ScanArchivable(ctx, now, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		n, err := s.archiveAndMark(ctx, events)
		result.Archived += n
		if err != nil {
			return err
		}
		if len(events) < s.cfg.BatchSize {
			return nil
		}
	}
}

func (s *Sweeper) archiveAndMark(ctx context.Context, events []*schema.AuditEvent) (int, error) {
	manifest, err := s.archiver.Archive(ctx, events)
	if err != nil {
		return 0, err
	}

	ids := make([]uuid.UUID, len(events))
	for i, e := range events {
		ids[i] = e.EventID
	}
	if err := s.store.MarkArchived(ctx, ids); err != nil {
		return 0, err
	}
	s.archived.Add(uint64(len(ids)))
	s.logger.Info("events archived", "archive_id", manifest.ID, "count", len(ids))
	return len(ids), nil
}

// deletePass removes expired events. Held events are excluded from the
// expiry scan and reported separately, so a backlog of holds cannot starve
// deletable events behind it; unarchived expired events are archived inline
// before deletion.
func (s *Sweeper) deletePass(ctx context.Context, now time.Time, result *SweepResult) error {
	held, err := s.store.CountExpiredUnderHold(ctx, now)
	if err != nil {
		return err
	}
	result.RetainedUnderHold += held
	s.retainedUnderHold.Add(uint64(held))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		events, err := s.store.ScanExpired(ctx, now, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		var deletable []*schema.AuditEvent
		var unarchived []*schema.AuditEvent
		for _, e := range events {
			if e.Archived {
				deletable = append(deletable, e)
			} else {
				unarchived = append(unarchived, e)
			}
		}

		if len(unarchived) > 0 {
			n, err := s.archiveAndMark(ctx, unarchived)
			result.Archived += n
			if err != nil {
				return err
			}
			deletable = append(deletable, unarchived...)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		ids := make([]uuid.UUID, len(deletable))
		for i, e := range deletable {
			ids[i] = e.EventID
		}
		deleted, err := s.store.Delete(ctx, ids)
		result.Deleted += deleted
		s.deleted.Add(uint64(deleted))
		if err != nil {
			return err
		}
		// A hold set between scan and delete leaves events in place; stop
		// rather than rescanning them forever.
		if deleted == 0 || len(events) < s.cfg.BatchSize {
			return nil
		}
	}
}

// GetMetrics returns cumulative sweep counters.
func (s *Sweeper) GetMetrics() SweeperMetrics {
	return SweeperMetrics{
		Sweeps:            s.sweeps.Load(),
		Archived:          s.archived.Load(),
		Deleted:           s.deleted.Load(),
		RetainedUnderHold: s.retainedUnderHold.Load(),
		Errors:            s.errorCount.Load(),
	}
}
