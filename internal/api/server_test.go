package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"auditcore/internal/compliance"
	"auditcore/internal/correlation"
	"auditcore/internal/detection"
	"auditcore/internal/eventstore"
	"auditcore/internal/metrics"
	"auditcore/internal/remediation"
	"auditcore/internal/reports"
	"auditcore/internal/retention"
	"auditcore/internal/risk"
	"auditcore/internal/rules"
	"auditcore/internal/schema"
	"auditcore/internal/schema/schematest"

	"github.com/google/uuid"
)

type testServer struct {
	mux        *http.ServeMux
	store      *eventstore.MemoryStore
	engine     *rules.Engine
	detections *detection.Store
	mapper     *compliance.Mapper
	tracker    *remediation.Tracker
	generator  *reports.Generator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store := eventstore.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	engine := rules.NewEngine(rules.DefaultEngineConfig(), nil)
	detections := detection.NewStore()
	correlator := correlation.NewCorrelator(correlation.DefaultConfig(), nil)
	scorer := risk.NewScorer(risk.DefaultScorerConfig(), risk.NewMemoryCache(), nil)
	mapper := compliance.NewMapper(compliance.DefaultConfig(), nil)
	tracker := remediation.NewTracker(mapper, nil)
	generator := reports.NewGenerator(store, detections, correlator, mapper, nil)

	srv := NewServer(store, engine, detections, correlator, scorer, mapper,
		tracker, generator, retention.DefaultPolicySet(), metrics.NewRegistry(), nil)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	return &testServer{
		mux:        mux,
		store:      store,
		engine:     engine,
		detections: detections,
		mapper:     mapper,
		tracker:    tracker,
		generator:  generator,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return out
}

func TestQueryEvents(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	oldest := schematest.New(0).WithResult(schema.ResultFailure).Sealed()
	if _, err := ts.store.Append(ctx, oldest); err != nil {
		t.Fatalf("Append() = %v", err)
	}
	for i := 1; i < 3; i++ {
		e := schematest.New(i).WithResult(schema.ResultFailure).Sealed()
		if _, err := ts.store.Append(ctx, e); err != nil {
			t.Fatalf("Append() = %v", err)
		}
	}
	newest := schematest.New(9).Sealed()
	ts.store.Append(ctx, newest)

	rec := ts.do(t, http.MethodGet, "/v1/events?result=failure", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	resp := decodeBody[map[string]any](t, rec)
	if resp["total"] != float64(3) {
		t.Errorf("total = %v, want 3", resp["total"])
	}

	firstEventID := func(rec *httptest.ResponseRecorder) string {
		t.Helper()
		resp := decodeBody[map[string]any](t, rec)
		events, ok := resp["events"].([]any)
		if !ok || len(events) == 0 {
			t.Fatalf("no events in response: %v", resp)
		}
		return events[0].(map[string]any)["event_id"].(string)
	}

	// Newest first by default, oldest first on request.
	rec = ts.do(t, http.MethodGet, "/v1/events", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if got := firstEventID(rec); got != newest.EventID.String() {
		t.Errorf("default order returned %s first, want newest %s", got, newest.EventID)
	}
	rec = ts.do(t, http.MethodGet, "/v1/events?order=asc", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if got := firstEventID(rec); got != oldest.EventID.String() {
		t.Errorf("ascending order returned %s first, want oldest %s", got, oldest.EventID)
	}

	rec = ts.do(t, http.MethodGet, "/v1/events?limit=0", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d, want 400", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/v1/events?severity=catastrophic", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad severity status = %d, want 400", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/v1/events?result=failed", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad result status = %d, want 400", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/v1/events?order=sideways", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad order status = %d, want 400", rec.Code)
	}
}

func TestGetEvent(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	event := schematest.New(1).Sealed()
	if _, err := ts.store.Append(ctx, event); err != nil {
		t.Fatalf("Append() = %v", err)
	}

	rec := ts.do(t, http.MethodGet, "/v1/events/"+event.EventID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decodeBody[schema.AuditEvent](t, rec)
	if got.EventID != event.EventID {
		t.Errorf("event_id = %s, want %s", got.EventID, event.EventID)
	}

	rec = ts.do(t, http.MethodGet, "/v1/events/"+uuid.NewString(), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/v1/events/not-a-uuid", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", rec.Code)
	}
}

func TestLegalHold(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	event := schematest.New(1).Sealed()
	if _, err := ts.store.Append(ctx, event); err != nil {
		t.Fatalf("Append() = %v", err)
	}

	rec := ts.do(t, http.MethodPost, "/v1/events/"+event.EventID.String()+"/hold",
		map[string]any{"hold": true, "authority": "legal-ops", "reason": "case 4411"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	stored, err := ts.store.Get(ctx, event.EventID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if !stored.LegalHold {
		t.Error("legal hold not set on stored event")
	}

	// Authority is mandatory.
	rec = ts.do(t, http.MethodPost, "/v1/events/"+event.EventID.String()+"/hold",
		map[string]any{"hold": false})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing authority status = %d, want 400", rec.Code)
	}
}

func TestRuleLifecycle(t *testing.T) {
	ts := newTestServer(t)

	rule := map[string]any{
		"id":       "api-test-rule",
		"name":     "API Test Rule",
		"type":     "signature",
		"status":   "active",
		"severity": "high",
		"category": "security",
		"conditions": []map[string]any{
			{"field": "action", "operator": "eq", "value": "auth.login", "weight": 1.0},
		},
		"alert_threshold": 1.0,
		"confidence":      0.9,
	}

	rec := ts.do(t, http.MethodPost, "/v1/rules", rule)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body)
	}

	rec = ts.do(t, http.MethodGet, "/v1/rules/api-test-rule", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	got := decodeBody[rules.DetectionRule](t, rec)
	if got.ID != "api-test-rule" {
		t.Errorf("rule id = %s", got.ID)
	}

	rec = ts.do(t, http.MethodPost, "/v1/rules/api-test-rule/status",
		map[string]any{"status": "inactive"})
	if rec.Code != http.StatusNoContent {
		t.Errorf("status change = %d, body %s", rec.Code, rec.Body)
	}

	rec = ts.do(t, http.MethodDelete, "/v1/rules/api-test-rule", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/v1/rules/api-test-rule", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestDetectionTransition(t *testing.T) {
	ts := newTestServer(t)

	d := &detection.ThreatDetection{
		ID:         uuid.New(),
		RuleID:     "r1",
		Severity:   schema.SeverityHigh,
		Status:     detection.StatusNew,
		DetectedAt: time.Now().UTC(),
	}
	ts.detections.Put(d)

	rec := ts.do(t, http.MethodPost, "/v1/detections/"+d.ID.String()+"/status",
		map[string]any{"status": "investigating", "actor": "analyst-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("transition status = %d, body %s", rec.Code, rec.Body)
	}
	updated := decodeBody[detection.ThreatDetection](t, rec)
	if updated.Status != detection.StatusInvestigating {
		t.Errorf("status = %s, want investigating", updated.Status)
	}

	// investigating cannot jump straight to resolved.
	rec = ts.do(t, http.MethodPost, "/v1/detections/"+d.ID.String()+"/status",
		map[string]any{"status": "resolved", "actor": "analyst-1"})
	if rec.Code != http.StatusConflict {
		t.Errorf("invalid transition status = %d, want 409", rec.Code)
	}
}

func newAPIFramework(t *testing.T, ts *testServer) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/v1/frameworks",
		map[string]any{"id": "soc2", "name": "SOC 2 Type II"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("framework create status = %d, body %s", rec.Code, rec.Body)
	}
	rec = ts.do(t, http.MethodPost, "/v1/controls", map[string]any{
		"id":                  "cc-1.1",
		"framework_id":        "soc2",
		"name":                "Access Reviews",
		"status":              "in_progress",
		"evidence_categories": []string{"authentication"},
		"testing_cadence":     90 * 24 * time.Hour,
		"effectiveness":       85,
		"risk_rating":         "high",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("control create status = %d, body %s", rec.Code, rec.Body)
	}
}

func TestFrameworkScoreAndGaps(t *testing.T) {
	ts := newTestServer(t)
	newAPIFramework(t, ts)

	rec := ts.do(t, http.MethodGet, "/v1/frameworks/soc2/score", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("score status = %d", rec.Code)
	}
	resp := decodeBody[map[string]any](t, rec)
	if _, ok := resp["score"].(float64); !ok {
		t.Errorf("score missing from response: %v", resp)
	}

	rec = ts.do(t, http.MethodPost, "/v1/frameworks/soc2/gaps/scan", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("gap scan status = %d, body %s", rec.Code, rec.Body)
	}
	gaps := decodeBody[[]compliance.Gap](t, rec)
	if len(gaps) == 0 {
		t.Fatal("gap scan found nothing for an unimplemented control")
	}

	rec = ts.do(t, http.MethodPost, "/v1/gaps/"+gaps[0].ID.String()+"/resolve", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("gap resolve status = %d, body %s", rec.Code, rec.Body)
	}
}

func TestAdvanceControlForwardOnly(t *testing.T) {
	ts := newTestServer(t)
	newAPIFramework(t, ts)

	// Passing test first so completed is reachable.
	rec := ts.do(t, http.MethodPost, "/v1/controls/cc-1.1/tests",
		map[string]any{"passed": true, "tester": "auditor-1"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("record test status = %d, body %s", rec.Code, rec.Body)
	}

	rec = ts.do(t, http.MethodPost, "/v1/controls/cc-1.1/advance",
		map[string]any{"status": "completed"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("advance status = %d, body %s", rec.Code, rec.Body)
	}

	rec = ts.do(t, http.MethodPost, "/v1/controls/cc-1.1/advance",
		map[string]any{"status": "in_progress"})
	if rec.Code != http.StatusConflict {
		t.Errorf("backward advance status = %d, want 409", rec.Code)
	}
}

func TestPlanLifecycle(t *testing.T) {
	ts := newTestServer(t)
	newAPIFramework(t, ts)

	gaps, err := ts.mapper.FindGaps("soc2", time.Now().UTC())
	if err != nil || len(gaps) == 0 {
		t.Fatalf("FindGaps() = %v (%d gaps)", err, len(gaps))
	}

	due := time.Now().UTC().Add(30 * 24 * time.Hour)
	rec := ts.do(t, http.MethodPost, "/v1/plans", map[string]any{
		"gap_id": gaps[0].ID,
		"name":   "Implement access reviews",
		"actions": []map[string]any{
			{"id": "design", "name": "Design review process", "owner": "sec-team", "due_date": due},
			{"id": "rollout", "name": "Roll out reviews", "owner": "sec-team", "due_date": due,
				"dependencies": []string{"design"}},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("plan create status = %d, body %s", rec.Code, rec.Body)
	}
	plan := decodeBody[remediation.Plan](t, rec)

	rec = ts.do(t, http.MethodPost, "/v1/plans/"+plan.ID.String()+"/approve",
		map[string]any{"approver": "ciso"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("approve status = %d, body %s", rec.Code, rec.Body)
	}

	// Dependent action cannot complete before its dependency does.
	rec = ts.do(t, http.MethodPost,
		fmt.Sprintf("/v1/plans/%s/actions/rollout/advance", plan.ID),
		map[string]any{"status": "in_progress"})
	if rec.Code != http.StatusOK {
		t.Fatalf("rollout start status = %d, body %s", rec.Code, rec.Body)
	}
	rec = ts.do(t, http.MethodPost,
		fmt.Sprintf("/v1/plans/%s/actions/rollout/advance", plan.ID),
		map[string]any{"status": "completed"})
	if rec.Code != http.StatusConflict {
		t.Errorf("dependent completion status = %d, want 409", rec.Code)
	}

	for _, step := range []string{"in_progress", "completed"} {
		rec = ts.do(t, http.MethodPost,
			fmt.Sprintf("/v1/plans/%s/actions/design/advance", plan.ID),
			map[string]any{"status": step})
		if rec.Code != http.StatusOK {
			t.Fatalf("design %s status = %d, body %s", step, rec.Code, rec.Body)
		}
	}

	rec = ts.do(t, http.MethodPost,
		fmt.Sprintf("/v1/plans/%s/actions/rollout/advance", plan.ID),
		map[string]any{"status": "completed"})
	if rec.Code != http.StatusOK {
		t.Errorf("rollout completion status = %d, body %s", rec.Code, rec.Body)
	}
}

func TestReportEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/reports/templates", map[string]any{
		"id":     "weekly",
		"name":   "Weekly Summary",
		"format": "json",
		"sections": []map[string]any{
			{"id": "summary", "title": "Summary", "type": "summary"},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("template create status = %d, body %s", rec.Code, rec.Body)
	}

	rec = ts.do(t, http.MethodPost, "/v1/reports/generate", map[string]any{
		"template_id":  "weekly",
		"period_start": time.Now().UTC().Add(-7 * 24 * time.Hour),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("generate status = %d, body %s", rec.Code, rec.Body)
	}
	report := decodeBody[reports.Report](t, rec)
	if report.Status != reports.StatusCompleted {
		t.Errorf("report status = %s, want completed", report.Status)
	}

	rec = ts.do(t, http.MethodGet, "/v1/reports/"+report.ID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get report status = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "auditcore_") {
		t.Error("metrics output missing auditcore collectors")
	}
}
