package reports

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Sink delivers a finished report to one destination.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, report *Report) error
}

// WebhookSink posts reports as JSON to an HTTP endpoint.
type WebhookSink struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(name, url string, headers map[string]string) *WebhookSink {
	return &WebhookSink{
		name:    name,
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *WebhookSink) Name() string { return s.name }

func (s *WebhookSink) Deliver(ctx context.Context, report *Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// FileSink writes reports as JSON files under a directory.
type FileSink struct {
	dir string
}

// NewFileSink creates a file sink writing into dir.
func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

func (s *FileSink) Name() string { return "file" }

func (s *FileSink) Deliver(ctx context.Context, report *Report) error {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%s-%s.json",
		report.TemplateID, report.GeneratedAt.Format("20060102-150405")))

	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o640); err != nil {
		return fmt.Errorf("writing report file: %w", err)
	}
	return nil
}

// LogSink writes a report summary to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(ctx context.Context, report *Report) error {
	s.logger.Info("report ready",
		"report_id", report.ID,
		"template_id", report.TemplateID,
		"status", report.Status,
		"sections", len(report.Sections),
		"period_start", report.PeriodStart,
		"period_end", report.PeriodEnd,
	)
	return nil
}
