package reports

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"auditcore/internal/detection"
	"auditcore/internal/eventstore"
	"auditcore/internal/schema"
	"auditcore/internal/schema/schematest"

	"github.com/google/uuid"
)

func testTemplate() *Template {
	return &Template{
		ID:     "weekly-security",
		Name:   "Weekly Security Report",
		Format: FormatJSON,
		Sections: []TemplateSection{
			{ID: "intro", Title: "Scope", Type: SectionText, Text: "Security events for the week."},
			{ID: "summary", Title: "Summary", Type: SectionSummary},
			{ID: "failures", Title: "Failed Actions", Type: SectionEvents, QueryID: "failed-actions"},
			{ID: "detections", Title: "Detections", Type: SectionDetections},
		},
	}
}

func newTestGenerator(t *testing.T) (*Generator, *eventstore.MemoryStore, *detection.Store) {
	t.Helper()
	store := eventstore.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	detections := detection.NewStore()

	g := NewGenerator(store, detections, nil, nil, nil)
	if err := g.UpsertTemplate(testTemplate()); err != nil {
		t.Fatalf("UpsertTemplate() = %v", err)
	}
	if err := g.UpsertQuery(&SavedQuery{
		ID:     "failed-actions",
		Name:   "Failed Actions",
		Filter: eventstore.Filter{Result: schema.ResultFailure},
	}); err != nil {
		t.Fatalf("UpsertQuery() = %v", err)
	}
	return g, store, detections
}

func TestGenerateFillsAllSections(t *testing.T) {
	g, store, detections := newTestGenerator(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := schematest.New(i).WithResult(schema.ResultFailure).Build()
		if _, err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append() = %v", err)
		}
	}
	store.Append(ctx, schematest.New(9).Build())
	detections.Put(&detection.ThreatDetection{
		ID:         uuid.New(),
		RuleID:     "r1",
		Severity:   schema.SeverityHigh,
		Status:     detection.StatusNew,
		DetectedAt: schematest.BaseTime,
	})

	start := schematest.BaseTime.Add(-time.Hour)
	end := schematest.BaseTime.Add(time.Hour)
	report, err := g.Generate(ctx, "weekly-security", start, end)
	if err != nil {
		t.Fatalf("Generate() = %v", err)
	}

	if report.Status != StatusCompleted {
		t.Errorf("Status = %s, want completed", report.Status)
	}
	if len(report.Sections) != 4 {
		t.Fatalf("got %d sections, want 4", len(report.Sections))
	}
	if report.Sections[0].Content != "Security events for the week." {
		t.Errorf("text section content = %v", report.Sections[0].Content)
	}

	events, ok := report.Sections[2].Content.(map[string]any)
	if !ok {
		t.Fatalf("events section content type %T", report.Sections[2].Content)
	}
	if events["total"] != 3 {
		t.Errorf("failed-actions total = %v, want 3", events["total"])
	}

	stored, err := g.GetReport(report.ID)
	if err != nil {
		t.Fatalf("GetReport() = %v", err)
	}
	if stored.Status != StatusCompleted {
		t.Errorf("stored report status = %s", stored.Status)
	}
}

func TestGenerateUnknownQueryFails(t *testing.T) {
	g, _, _ := newTestGenerator(t)
	tmpl := testTemplate()
	tmpl.ID = "broken"
	tmpl.Sections = []TemplateSection{
		{ID: "events", Title: "Events", Type: SectionEvents, QueryID: "nope"},
	}
	if err := g.UpsertTemplate(tmpl); err != nil {
		t.Fatalf("UpsertTemplate() = %v", err)
	}

	report, err := g.Generate(context.Background(), "broken", time.Time{}, time.Now())
	if err == nil {
		t.Fatal("Generate() with unknown query succeeded")
	}
	if report.Status != StatusFailed {
		t.Errorf("Status = %s, want failed", report.Status)
	}
}

func TestGenerateCancelled(t *testing.T) {
	g, _, _ := newTestGenerator(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := g.Generate(ctx, "weekly-security", time.Time{}, time.Now())
	if err == nil {
		t.Fatal("Generate() with cancelled context succeeded")
	}
	if report.Status != StatusCancelled {
		t.Errorf("Status = %s, want cancelled", report.Status)
	}
}

func TestJobCancel(t *testing.T) {
	g, _, _ := newTestGenerator(t)

	job := g.StartJob("weekly-security", time.Time{}, time.Now(), nil)
	job.Cancel()
	report, _ := job.Wait()
	if report != nil && report.Status == StatusCompleted {
		// The job may have finished before the cancel landed; both
		// completed and cancelled are acceptable here.
		return
	}
	if report == nil {
		t.Fatal("job returned no report")
	}
	if report.Status != StatusCancelled {
		t.Errorf("Status = %s, want cancelled", report.Status)
	}
}

func TestTemplateValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Template)
		wantErr bool
	}{
		{"valid", func(t *Template) {}, false},
		{"no id", func(t *Template) { t.ID = "" }, true},
		{"no name", func(t *Template) { t.Name = "" }, true},
		{"no sections", func(t *Template) { t.Sections = nil }, true},
		{"duplicate section", func(t *Template) {
			t.Sections = append(t.Sections, t.Sections[0])
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl := testTemplate()
			tt.mutate(tmpl)
			if err := tmpl.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWebhookSink(t *testing.T) {
	var got Report
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	report := &Report{ID: uuid.New(), TemplateID: "weekly-security", Status: StatusCompleted}
	sink := NewWebhookSink("ops", srv.URL, nil)
	if err := sink.Deliver(context.Background(), report); err != nil {
		t.Fatalf("Deliver() = %v", err)
	}
	if got.ID != report.ID {
		t.Error("webhook did not receive the report")
	}
}

func TestFileSink(t *testing.T) {
	dir := t.TempDir()
	sink := NewFileSink(dir)

	report := &Report{
		ID:          uuid.New(),
		TemplateID:  "weekly-security",
		Status:      StatusCompleted,
		GeneratedAt: schematest.BaseTime,
	}
	if err := sink.Deliver(context.Background(), report); err != nil {
		t.Fatalf("Deliver() = %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "weekly-security-*.json"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("report file not written: %v (%d matches)", err, len(matches))
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("ReadFile() = %v", err)
	}
	var decoded Report
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("report file is not valid JSON: %v", err)
	}
	if decoded.ID != report.ID {
		t.Error("report file holds the wrong report")
	}
}
