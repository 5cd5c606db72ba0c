// Package reports generates audit and compliance reports from templates
// whose sections reference saved queries.
package reports

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"auditcore/internal/compliance"
	"auditcore/internal/correlation"
	"auditcore/internal/detection"
	"auditcore/internal/eventstore"
	"auditcore/internal/schema"

	"github.com/google/uuid"
)

// Format is the report output format.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// Status is the generation state of a report.
type Status string

const (
	StatusPending    Status = "pending"
	StatusGenerating Status = "generating"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// SectionType selects how a template section is filled.
type SectionType string

const (
	SectionSummary      SectionType = "summary"
	SectionEvents       SectionType = "events"
	SectionDetections   SectionType = "detections"
	SectionCorrelations SectionType = "correlations"
	SectionCompliance   SectionType = "compliance"
	SectionGaps         SectionType = "gaps"
	SectionText         SectionType = "text"
)

// SavedQuery is a named, reusable event store filter. Template sections
// reference saved queries by id.
type SavedQuery struct {
	ID     string            `json:"id" yaml:"id"`
	Name   string            `json:"name" yaml:"name"`
	Filter eventstore.Filter `json:"filter" yaml:"filter"`
	Limit  int               `json:"limit,omitempty" yaml:"limit,omitempty"`
}

// TemplateSection is one section of a report template.
type TemplateSection struct {
	ID      string      `json:"id" yaml:"id"`
	Title   string      `json:"title" yaml:"title"`
	Type    SectionType `json:"type" yaml:"type"`
	QueryID string      `json:"query_id,omitempty" yaml:"query_id,omitempty"`

	// FrameworkID scopes compliance and gap sections.
	FrameworkID string `json:"framework_id,omitempty" yaml:"framework_id,omitempty"`

	// Text is the static content of text sections.
	Text string `json:"text,omitempty" yaml:"text,omitempty"`
}

// Template defines a report's structure.
type Template struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Format      Format            `json:"format" yaml:"format"`
	Sections    []TemplateSection `json:"sections" yaml:"sections"`
}

// Validate validates the template definition.
func (t *Template) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("template ID is required")
	}
	if t.Name == "" {
		return fmt.Errorf("template %s: name is required", t.ID)
	}
	if len(t.Sections) == 0 {
		return fmt.Errorf("template %s: at least one section is required", t.ID)
	}
	seen := make(map[string]bool, len(t.Sections))
	for _, s := range t.Sections {
		if s.ID == "" {
			return fmt.Errorf("template %s: section ID is required", t.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("template %s: duplicate section %s", t.ID, s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// Section is one filled report section.
type Section struct {
	ID      string      `json:"id"`
	Title   string      `json:"title"`
	Type    SectionType `json:"type"`
	Order   int         `json:"order"`
	Content any         `json:"content,omitempty"`
}

// Report is a generated report.
type Report struct {
	ID          uuid.UUID  `json:"id"`
	TemplateID  string     `json:"template_id"`
	Name        string     `json:"name"`
	Format      Format     `json:"format"`
	Status      Status     `json:"status"`
	PeriodStart time.Time  `json:"period_start"`
	PeriodEnd   time.Time  `json:"period_end"`
	GeneratedAt time.Time  `json:"generated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	Sections    []Section  `json:"sections,omitempty"`
}

// Generator fills templates from the live engine state.
type Generator struct {
	store      eventstore.Store
	detections *detection.Store
	correlator *correlation.Correlator
	mapper     *compliance.Mapper
	logger     *slog.Logger

	mu        sync.RWMutex
	templates map[string]*Template
	queries   map[string]*SavedQuery
	reports   map[uuid.UUID]*Report

	now func() time.Time
}

// NewGenerator creates a report generator. Any data source may be nil; the
// corresponding sections then report "source unavailable".
func NewGenerator(store eventstore.Store, detections *detection.Store,
	correlator *correlation.Correlator, mapper *compliance.Mapper, logger *slog.Logger) *Generator {

	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		store:      store,
		detections: detections,
		correlator: correlator,
		mapper:     mapper,
		logger:     logger.With("component", "reports"),
		templates:  make(map[string]*Template),
		queries:    make(map[string]*SavedQuery),
		reports:    make(map[uuid.UUID]*Report),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// UpsertTemplate adds or replaces a template.
func (g *Generator) UpsertTemplate(t *Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	copied := *t
	g.templates[t.ID] = &copied
	return nil
}

// DeleteTemplate removes a template.
func (g *Generator) DeleteTemplate(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.templates[id]; !ok {
		return fmt.Errorf("template not found: %s", id)
	}
	delete(g.templates, id)
	return nil
}

// GetTemplate fetches a template by id.
func (g *Generator) GetTemplate(id string) (*Template, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.templates[id]
	if !ok {
		return nil, fmt.Errorf("template not found: %s", id)
	}
	copied := *t
	return &copied, nil
}

// ListTemplates returns all templates.
func (g *Generator) ListTemplates() []*Template {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Template, 0, len(g.templates))
	for _, t := range g.templates {
		copied := *t
		out = append(out, &copied)
	}
	return out
}

// UpsertQuery adds or replaces a saved query.
func (g *Generator) UpsertQuery(q *SavedQuery) error {
	if q.ID == "" {
		return fmt.Errorf("query ID is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	copied := *q
	g.queries[q.ID] = &copied
	return nil
}

// GetReport fetches a generated report by id.
func (g *Generator) GetReport(id uuid.UUID) (*Report, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.reports[id]
	if !ok {
		return nil, fmt.Errorf("report not found: %s", id)
	}
	copied := *r
	return &copied, nil
}

// ListReports returns all generated reports.
func (g *Generator) ListReports() []*Report {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Report, 0, len(g.reports))
	for _, r := range g.reports {
		copied := *r
		out = append(out, &copied)
	}
	return out
}

// Generate fills the template for the given period. Cancellation between
// sections aborts the run; the returned report then carries the cancelled
// status and the sections completed so far.
func (g *Generator) Generate(ctx context.Context, templateID string, periodStart, periodEnd time.Time) (*Report, error) {
	tmpl, err := g.GetTemplate(templateID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		ID:          uuid.New(),
		TemplateID:  tmpl.ID,
		Name:        fmt.Sprintf("%s - %s", tmpl.Name, g.now().Format("2006-01-02")),
		Format:      tmpl.Format,
		Status:      StatusGenerating,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		GeneratedAt: g.now(),
	}

	for i, ts := range tmpl.Sections {
		if err := ctx.Err(); err != nil {
			report.Status = StatusCancelled
			report.Error = err.Error()
			g.storeReport(report)
			return report, err
		}

		content, err := g.fillSection(ctx, ts, periodStart, periodEnd)
		if err != nil {
			report.Status = StatusFailed
			report.Error = fmt.Sprintf("section %s: %v", ts.ID, err)
			g.storeReport(report)
			return report, fmt.Errorf("filling section %s: %w", ts.ID, err)
		}
		report.Sections = append(report.Sections, Section{
			ID:      ts.ID,
			Title:   ts.Title,
			Type:    ts.Type,
			Order:   i,
			Content: content,
		})
	}

	done := g.now()
	report.Status = StatusCompleted
	report.CompletedAt = &done
	g.storeReport(report)
	g.logger.Info("report generated",
		"report_id", report.ID, "template_id", tmpl.ID, "sections", len(report.Sections))
	return report, nil
}

func (g *Generator) storeReport(r *Report) {
	g.mu.Lock()
	defer g.mu.Unlock()
	copied := *r
	g.reports[r.ID] = &copied
}

func (g *Generator) fillSection(ctx context.Context, ts TemplateSection, start, end time.Time) (any, error) {
	switch ts.Type {
	case SectionText:
		return ts.Text, nil
	case SectionSummary:
		return g.summaryContent(ctx, start, end)
	case SectionEvents:
		return g.eventsContent(ctx, ts.QueryID, start, end)
	case SectionDetections:
		return g.detectionsContent(start, end)
	case SectionCorrelations:
		return g.correlationsContent()
	case SectionCompliance:
		return g.complianceContent(ts.FrameworkID)
	case SectionGaps:
		return g.gapsContent(ts.FrameworkID)
	default:
		return nil, fmt.Errorf("unknown section type %q", ts.Type)
	}
}

func (g *Generator) summaryContent(ctx context.Context, start, end time.Time) (any, error) {
	summary := map[string]any{
		"period_start": start,
		"period_end":   end,
	}
	if g.store != nil {
		result, err := g.store.Query(ctx, eventstore.Filter{From: start, To: end}, eventstore.Page{Limit: 1})
		if err != nil {
			return nil, err
		}
		summary["total_events"] = result.Total
	}
	if g.detections != nil {
		bySeverity := make(map[schema.Severity]int)
		for _, d := range g.detections.List(detection.Filter{}) {
			if d.DetectedAt.Before(start) || d.DetectedAt.After(end) {
				continue
			}
			bySeverity[d.Severity]++
		}
		summary["detections_by_severity"] = bySeverity
	}
	if g.correlator != nil {
		summary["correlation"] = g.correlator.Stats()
	}
	return summary, nil
}

func (g *Generator) eventsContent(ctx context.Context, queryID string, start, end time.Time) (any, error) {
	if g.store == nil {
		return "source unavailable", nil
	}

	g.mu.RLock()
	query, ok := g.queries[queryID]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("saved query not found: %s", queryID)
	}

	filter := query.Filter
	filter.From = start
	filter.To = end
	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}

	result, err := g.store.Query(ctx, filter, eventstore.Page{Limit: limit})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"query":  query.Name,
		"total":  result.Total,
		"events": result.Events,
	}, nil
}

func (g *Generator) detectionsContent(start, end time.Time) (any, error) {
	if g.detections == nil {
		return "source unavailable", nil
	}
	var out []*detection.ThreatDetection
	for _, d := range g.detections.List(detection.Filter{}) {
		if d.DetectedAt.Before(start) || d.DetectedAt.After(end) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (g *Generator) correlationsContent() (any, error) {
	if g.correlator == nil {
		return "source unavailable", nil
	}
	return g.correlator.List(correlation.GroupFilter{}), nil
}

func (g *Generator) complianceContent(frameworkID string) (any, error) {
	if g.mapper == nil {
		return "source unavailable", nil
	}
	score, err := g.mapper.Score(frameworkID)
	if err != nil {
		return nil, err
	}
	controls, err := g.mapper.ListControls(frameworkID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"framework_id": frameworkID,
		"score":        score,
		"controls":     controls,
	}, nil
}

func (g *Generator) gapsContent(frameworkID string) (any, error) {
	if g.mapper == nil {
		return "source unavailable", nil
	}
	gaps, err := g.mapper.FindGaps(frameworkID, g.now())
	if err != nil {
		return nil, err
	}
	return gaps, nil
}

// Job is one asynchronous report generation run.
type Job struct {
	ID         uuid.UUID
	TemplateID string

	mu     sync.Mutex
	report *Report
	err    error

	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel aborts the run.
func (j *Job) Cancel() { j.cancel() }

// Wait blocks until the run finishes and returns its outcome.
func (j *Job) Wait() (*Report, error) {
	<-j.done
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.report, j.err
}

// StartJob generates a report asynchronously. The job detaches from the
// caller's context; use Cancel to abort it.
func (g *Generator) StartJob(templateID string, periodStart, periodEnd time.Time, sink Sink) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:         uuid.New(),
		TemplateID: templateID,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	go func() {
		defer close(job.done)
		defer cancel()

		report, err := g.Generate(ctx, templateID, periodStart, periodEnd)
		job.mu.Lock()
		job.report = report
		job.err = err
		job.mu.Unlock()

		if err != nil || sink == nil {
			return
		}
		if err := sink.Deliver(ctx, report); err != nil {
			g.logger.Error("report delivery failed",
				"report_id", report.ID, "sink", sink.Name(), "error", err)
		}
	}()
	return job
}
