package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"auditcore/internal/schema"

	"github.com/google/uuid"
)

// ArchiveBatch is one stored chunk of an archive.
type ArchiveBatch struct {
	ID          string               `json:"batch_id"`
	StartTime   time.Time            `json:"start_time"`
	EndTime     time.Time            `json:"end_time"`
	EventCount  int                  `json:"event_count"`
	Events      []*schema.AuditEvent `json:"events"`
	CreatedAt   time.Time            `json:"created_at"`
}

// ArchiveManifest describes an archive: time range, parts and sizes. The
// manifest is the authority the retention sweeper checks before any event
// rows are deleted.
type ArchiveManifest struct {
	ID              string        `json:"archive_id"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time"`
	TotalEvents     int64         `json:"total_events"`
	CompressedBytes int64         `json:"compressed_bytes"`
	Parts           []ArchivePart `json:"parts"`
	CreatedAt       time.Time     `json:"created_at"`
}

// ArchivePart is a single part of a multi-part archive.
type ArchivePart struct {
	PartNumber int    `json:"part_number"`
	Key        string `json:"key"`
	Size       int64  `json:"size"`
	EventCount int64  `json:"event_count"`
}

// ArchiverConfig configures the archiver.
type ArchiverConfig struct {
	// BatchSize is the number of events per stored part.
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// StorageClass for archived objects.
	StorageClass string `json:"storage_class" yaml:"storage_class"`

	// PathTemplate for archive keys (supports {date}, {id}, {year}, {month}, {day}).
	PathTemplate string `json:"path_template" yaml:"path_template"`
}

// DefaultArchiverConfig returns default archiver configuration.
func DefaultArchiverConfig() *ArchiverConfig {
	return &ArchiverConfig{
		BatchSize:    10000,
		StorageClass: "INTELLIGENT_TIERING",
		PathTemplate: "archives/{date}/{id}.json.gz",
	}
}

type archiverMetrics struct {
	eventsArchived atomic.Int64
	bytesArchived  atomic.Int64
	batchesCreated atomic.Int64
	errors         atomic.Int64
}

// Archiver writes gzip-compressed event batches to S3 with a manifest per
// archive.
type Archiver struct {
	client  *Client
	config  *ArchiverConfig
	logger  *slog.Logger
	metrics *archiverMetrics
}

// NewArchiver creates a new archiver.
func NewArchiver(client *Client, cfg *ArchiverConfig, logger *slog.Logger) *Archiver {
	return &Archiver{
		client:  client,
		config:  cfg,
		logger:  logger,
		metrics: &archiverMetrics{},
	}
}

// Archive stores the given events durably and returns the manifest. The
// manifest is uploaded last so a manifest's existence implies every part
// landed.
func (a *Archiver) Archive(ctx context.Context, events []*schema.AuditEvent) (*ArchiveManifest, error) {
	if len(events) == 0 {
		return nil, nil
	}

	archiveID := uuid.New().String()
	now := time.Now().UTC()

	startTime := events[0].Timestamp
	endTime := events[0].Timestamp
	for _, e := range events {
		if e.Timestamp.Before(startTime) {
			startTime = e.Timestamp
		}
		if e.Timestamp.After(endTime) {
			endTime = e.Timestamp
		}
	}

	manifest := &ArchiveManifest{
		ID:          archiveID,
		StartTime:   startTime,
		EndTime:     endTime,
		TotalEvents: int64(len(events)),
		CreatedAt:   now,
		Parts:       []ArchivePart{},
	}

	batches := a.splitIntoBatches(archiveID, events)

	for i, batch := range batches {
		part, err := a.archiveBatch(ctx, batch, i+1)
		if err != nil {
			a.metrics.errors.Add(1)
			return nil, fmt.Errorf("s3: failed to archive batch %d: %w", i+1, err)
		}
		manifest.Parts = append(manifest.Parts, *part)
		manifest.CompressedBytes += part.Size
	}

	if err := a.uploadManifest(ctx, manifest); err != nil {
		return nil, fmt.Errorf("s3: failed to upload manifest: %w", err)
	}

	a.metrics.eventsArchived.Add(int64(len(events)))
	a.metrics.batchesCreated.Add(int64(len(batches)))

	a.logger.Info("archived events",
		"archive_id", archiveID,
		"events", len(events),
		"parts", len(batches),
		"compressed_bytes", manifest.CompressedBytes,
	)

	return manifest, nil
}

func (a *Archiver) splitIntoBatches(archiveID string, events []*schema.AuditEvent) []*ArchiveBatch {
	var batches []*ArchiveBatch
	batchSize := a.config.BatchSize
	if batchSize <= 0 {
		batchSize = len(events)
	}

	for i := 0; i < len(events); i += batchSize {
		end := i + batchSize
		if end > len(events) {
			end = len(events)
		}

		chunk := events[i:end]
		batches = append(batches, &ArchiveBatch{
			ID:         fmt.Sprintf("%s-part-%d", archiveID, len(batches)+1),
			StartTime:  chunk[0].Timestamp,
			EndTime:    chunk[len(chunk)-1].Timestamp,
			EventCount: len(chunk),
			Events:     chunk,
			CreatedAt:  time.Now().UTC(),
		})
	}

	return batches
}

func (a *Archiver) archiveBatch(ctx context.Context, batch *ArchiveBatch, partNum int) (*ArchivePart, error) {
	data, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}

	originalSize := int64(len(data))

	compressed, err := compressGzip(data)
	if err != nil {
		return nil, fmt.Errorf("failed to compress batch: %w", err)
	}

	compressedSize := int64(len(compressed))
	a.metrics.bytesArchived.Add(compressedSize)

	key := a.generateKey(batch.ID)

	_, err = a.client.Upload(ctx, &UploadInput{
		Key:          key,
		Body:         bytes.NewReader(compressed),
		ContentType:  "application/gzip",
		StorageClass: a.config.StorageClass,
		Metadata: map[string]string{
			"event-count":   fmt.Sprintf("%d", batch.EventCount),
			"original-size": fmt.Sprintf("%d", originalSize),
		},
	})
	if err != nil {
		return nil, err
	}

	return &ArchivePart{
		PartNumber: partNum,
		Key:        key,
		Size:       compressedSize,
		EventCount: int64(batch.EventCount),
	}, nil
}

func compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressGzip(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}

func (a *Archiver) generateKey(batchID string) string {
	now := time.Now().UTC()

	key := a.config.PathTemplate
	key = strings.ReplaceAll(key, "{date}", now.Format("2006/01/02"))
	key = strings.ReplaceAll(key, "{id}", batchID)
	key = strings.ReplaceAll(key, "{year}", now.Format("2006"))
	key = strings.ReplaceAll(key, "{month}", now.Format("01"))
	key = strings.ReplaceAll(key, "{day}", now.Format("02"))

	return key
}

func (a *Archiver) uploadManifest(ctx context.Context, manifest *ArchiveManifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}

	key := fmt.Sprintf("manifests/%s.json", manifest.ID)

	_, err = a.client.Upload(ctx, &UploadInput{
		Key:         key,
		Body:        bytes.NewReader(data),
		ContentType: "application/json",
		Metadata: map[string]string{
			"archive-id": manifest.ID,
		},
	})

	return err
}

// Restore downloads and decompresses every part of an archive.
func (a *Archiver) Restore(ctx context.Context, archiveID string) ([]*schema.AuditEvent, error) {
	manifest, err := a.GetManifest(ctx, archiveID)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to get manifest: %w", err)
	}

	var all []*schema.AuditEvent
	for _, part := range manifest.Parts {
		events, err := a.restorePart(ctx, part)
		if err != nil {
			return nil, fmt.Errorf("s3: failed to restore part %d: %w", part.PartNumber, err)
		}
		all = append(all, events...)
	}

	a.logger.Info("restored archive",
		"archive_id", archiveID,
		"events", len(all),
	)

	return all, nil
}

// GetManifest retrieves an archive manifest by id.
func (a *Archiver) GetManifest(ctx context.Context, archiveID string) (*ArchiveManifest, error) {
	output, err := a.client.Download(ctx, fmt.Sprintf("manifests/%s.json", archiveID))
	if err != nil {
		return nil, err
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, err
	}

	var manifest ArchiveManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, err
	}

	return &manifest, nil
}

func (a *Archiver) restorePart(ctx context.Context, part ArchivePart) ([]*schema.AuditEvent, error) {
	key := part.Key
	if prefix := a.client.GetPrefix(); prefix != "" {
		key = strings.TrimPrefix(key, prefix)
	}

	output, err := a.client.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	defer output.Body.Close()

	compressed, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, err
	}

	data, err := decompressGzip(compressed)
	if err != nil {
		return nil, err
	}

	var batch ArchiveBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, err
	}

	return batch.Events, nil
}

// ListArchives lists every archive manifest.
func (a *Archiver) ListArchives(ctx context.Context) ([]ArchiveManifest, error) {
	objects, err := a.client.List(ctx, "manifests/", 0)
	if err != nil {
		return nil, err
	}

	var manifests []ArchiveManifest
	for _, obj := range objects {
		key := obj.Key
		if prefix := a.client.GetPrefix(); prefix != "" {
			key = strings.TrimPrefix(key, prefix)
		}

		output, err := a.client.Download(ctx, key)
		if err != nil {
			a.logger.Warn("failed to download manifest", "key", obj.Key, "error", err)
			continue
		}

		data, err := io.ReadAll(output.Body)
		output.Body.Close()
		if err != nil {
			continue
		}

		var manifest ArchiveManifest
		if err := json.Unmarshal(data, &manifest); err != nil {
			continue
		}

		manifests = append(manifests, manifest)
	}

	return manifests, nil
}

// DeleteArchive deletes an archive and all its parts.
func (a *Archiver) DeleteArchive(ctx context.Context, archiveID string) error {
	manifest, err := a.GetManifest(ctx, archiveID)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(manifest.Parts))
	for _, part := range manifest.Parts {
		key := part.Key
		if prefix := a.client.GetPrefix(); prefix != "" {
			key = strings.TrimPrefix(key, prefix)
		}
		keys = append(keys, key)
	}

	if err := a.client.DeleteBatch(ctx, keys); err != nil {
		return err
	}

	if err := a.client.Delete(ctx, fmt.Sprintf("manifests/%s.json", manifest.ID)); err != nil {
		return err
	}

	a.logger.Info("deleted archive",
		"archive_id", archiveID,
		"parts_deleted", len(keys),
	)

	return nil
}

// ArchiverMetrics contains archiver metrics.
type ArchiverMetrics struct {
	EventsArchived int64
	BytesArchived  int64
	BatchesCreated int64
	Errors         int64
}

// GetMetrics returns current archiver metrics.
func (a *Archiver) GetMetrics() ArchiverMetrics {
	return ArchiverMetrics{
		EventsArchived: a.metrics.eventsArchived.Load(),
		BytesArchived:  a.metrics.bytesArchived.Load(),
		BatchesCreated: a.metrics.batchesCreated.Load(),
		Errors:         a.metrics.errors.Load(),
	}
}
