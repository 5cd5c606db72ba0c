// Package api exposes the engine's query and management HTTP surface.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
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

	"github.com/google/uuid"
)

// Server wires the engine components behind the HTTP API.
type Server struct {
	store      eventstore.Store
	engine     *rules.Engine
	detections *detection.Store
	correlator *correlation.Correlator
	scorer     *risk.Scorer
	mapper     *compliance.Mapper
	tracker    *remediation.Tracker
	generator  *reports.Generator
	policies   retention.PolicySet
	metrics    *metrics.Registry
	logger     *slog.Logger
}

// NewServer creates the API server. Components the deployment does not run
// may be nil; their endpoints then return 503.
func NewServer(store eventstore.Store, engine *rules.Engine, detections *detection.Store,
	correlator *correlation.Correlator, scorer *risk.Scorer, mapper *compliance.Mapper,
	tracker *remediation.Tracker, generator *reports.Generator,
	policies retention.PolicySet, reg *metrics.Registry, logger *slog.Logger) *Server {

	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:      store,
		engine:     engine,
		detections: detections,
		correlator: correlator,
		scorer:     scorer,
		mapper:     mapper,
		tracker:    tracker,
		generator:  generator,
		policies:   policies,
		metrics:    reg,
		logger:     logger.With("component", "api"),
	}
}

// RegisterRoutes registers all API routes on the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/events", s.handleQueryEvents)
	mux.HandleFunc("GET /v1/events/{id}", s.handleGetEvent)
	mux.HandleFunc("POST /v1/events/{id}/hold", s.handleLegalHold)

	mux.HandleFunc("GET /v1/rules", s.handleListRules)
	mux.HandleFunc("POST /v1/rules", s.handleUpsertRule)
	mux.HandleFunc("GET /v1/rules/{id}", s.handleGetRule)
	mux.HandleFunc("DELETE /v1/rules/{id}", s.handleDeleteRule)
	mux.HandleFunc("POST /v1/rules/{id}/status", s.handleRuleStatus)

	mux.HandleFunc("GET /v1/detections", s.handleListDetections)
	mux.HandleFunc("GET /v1/detections/{id}", s.handleGetDetection)
	mux.HandleFunc("POST /v1/detections/{id}/status", s.handleDetectionStatus)

	mux.HandleFunc("GET /v1/correlations", s.handleListCorrelations)
	mux.HandleFunc("GET /v1/correlations/{id}", s.handleGetCorrelation)

	mux.HandleFunc("GET /v1/risk/actors/{id}", s.handleActorRisk)

	mux.HandleFunc("GET /v1/frameworks", s.handleListFrameworks)
	mux.HandleFunc("POST /v1/frameworks", s.handleAddFramework)
	mux.HandleFunc("GET /v1/frameworks/{id}", s.handleGetFramework)
	mux.HandleFunc("GET /v1/frameworks/{id}/score", s.handleFrameworkScore)
	mux.HandleFunc("GET /v1/frameworks/{id}/controls", s.handleListControls)
	mux.HandleFunc("POST /v1/frameworks/{id}/gaps/scan", s.handleScanGaps)
	mux.HandleFunc("GET /v1/frameworks/{id}/gaps", s.handleListGaps)

	mux.HandleFunc("POST /v1/gaps/{id}/resolve", s.handleResolveGap)
	mux.HandleFunc("POST /v1/gaps/{id}/accept", s.handleAcceptGap)

	mux.HandleFunc("POST /v1/controls", s.handleAddControl)
	mux.HandleFunc("GET /v1/controls/{id}", s.handleGetControl)
	mux.HandleFunc("POST /v1/controls/{id}/advance", s.handleAdvanceControl)
	mux.HandleFunc("POST /v1/controls/{id}/tests", s.handleRecordTest)

	mux.HandleFunc("POST /v1/plans", s.handleCreatePlan)
	mux.HandleFunc("GET /v1/plans", s.handleListPlans)
	mux.HandleFunc("GET /v1/plans/{id}", s.handleGetPlan)
	mux.HandleFunc("POST /v1/plans/{id}/approve", s.handleApprovePlan)
	mux.HandleFunc("POST /v1/plans/{id}/actions/{action}/advance", s.handleAdvanceAction)

	mux.HandleFunc("GET /v1/retention/policies", s.handleRetentionPolicies)

	mux.HandleFunc("GET /v1/reports/templates", s.handleListTemplates)
	mux.HandleFunc("POST /v1/reports/templates", s.handleUpsertTemplate)
	mux.HandleFunc("POST /v1/reports/generate", s.handleGenerateReport)
	mux.HandleFunc("GET /v1/reports", s.handleListReports)
	mux.HandleFunc("GET /v1/reports/{id}", s.handleGetReport)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// --- events ---

func (s *Server) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	filter, page, err := parseEventQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.store.Query(r.Context(), filter, page)
	if err != nil {
		s.logger.Error("event query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": result.Events,
		"total":  result.Total,
		"limit":  page.Limit,
		"offset": page.Offset,
	})
}

func parseEventQuery(r *http.Request) (eventstore.Filter, eventstore.Page, error) {
	q := r.URL.Query()
	var filter eventstore.Filter

	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, eventstore.Page{}, errors.New("from: invalid RFC 3339 timestamp")
		}
		filter.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, eventstore.Page{}, errors.New("to: invalid RFC 3339 timestamp")
		}
		filter.To = t
	}
	for _, c := range q["category"] {
		cat := schema.Category(c)
		if !cat.IsValid() {
			return filter, eventstore.Page{}, errors.New("category: unknown value " + c)
		}
		filter.Categories = append(filter.Categories, cat)
	}
	for _, sv := range q["severity"] {
		sev := schema.Severity(sv)
		if !sev.IsValid() {
			return filter, eventstore.Page{}, errors.New("severity: unknown value " + sv)
		}
		filter.Severities = append(filter.Severities, sev)
	}
	filter.ActorID = q.Get("actor_id")
	filter.Action = q.Get("action")
	filter.Resource = q.Get("resource")
	if v := q.Get("result"); v != "" {
		res := schema.Result(v)
		if !res.IsValid() {
			return filter, eventstore.Page{}, errors.New("result: unknown value " + v)
		}
		filter.Result = res
	}
	filter.TenantID = q.Get("tenant_id")

	page := eventstore.Page{Limit: 100}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			return filter, page, errors.New("limit: must be in 1..1000")
		}
		page.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, page, errors.New("offset: must not be negative")
		}
		page.Offset = n
	}
	// Newest first unless the caller asks for ascending order.
	switch q.Get("order") {
	case "", "desc":
		page.Order = eventstore.OrderDesc
	case "asc":
		page.Order = eventstore.OrderAsc
	default:
		return filter, page, errors.New("order: must be asc or desc")
	}
	return filter, page, nil
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	event, err := s.store.Get(r.Context(), id)
	if errors.Is(err, eventstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// legalHoldRequest sets or clears legal hold. Authority identifies who
// ordered the hold and is mandatory.
type legalHoldRequest struct {
	Hold      bool   `json:"hold"`
	Authority string `json:"authority"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) handleLegalHold(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	var req legalHoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Authority == "" {
		writeError(w, http.StatusBadRequest, "authority is required")
		return
	}

	event, err := s.store.Get(r.Context(), id)
	if errors.Is(err, eventstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	touched, err := s.store.SetLegalHold(r.Context(), eventstore.Filter{
		From:    event.Timestamp,
		To:      event.Timestamp,
		ActorID: event.Actor.ID,
		Action:  event.Action,
	}, req.Hold)
	if err != nil {
		s.logger.Error("legal hold update failed", "event_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "hold update failed")
		return
	}

	s.logger.Info("legal hold changed",
		"event_id", id, "hold", req.Hold, "authority", req.Authority, "events", touched)
	writeJSON(w, http.StatusOK, map[string]any{
		"event_id": id,
		"hold":     req.Hold,
		"events":   touched,
	})
}

// --- rules ---

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.ListRules())
}

func (s *Server) handleUpsertRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.DetectionRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.engine.UpsertRule(&rule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stored, err := s.engine.GetRule(rule.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rule lookup failed")
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.engine.GetRule(r.PathValue("id"))
	if errors.Is(err, rules.ErrRuleNotFound) {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rule lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteRule(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRuleStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status rules.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.engine.SetStatus(r.PathValue("id"), req.Status); err != nil {
		if errors.Is(err, rules.ErrRuleNotFound) {
			writeError(w, http.StatusNotFound, "rule not found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- detections ---

func (s *Server) handleListDetections(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := detection.Filter{
		RuleID:  q.Get("rule_id"),
		ActorID: q.Get("actor_id"),
	}
	if v := q.Get("status"); v != "" {
		filter.Status = detection.Status(v)
	}
	if v := q.Get("severity"); v != "" {
		filter.Severity = schema.Severity(v)
	}
	writeJSON(w, http.StatusOK, s.detections.List(filter))
}

func (s *Server) handleGetDetection(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid detection id")
		return
	}
	d, err := s.detections.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "detection not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDetectionStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid detection id")
		return
	}

	var req struct {
		Status detection.Status `json:"status"`
		Actor  string           `json:"actor"`
		Note   string           `json:"note,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated, err := s.detections.Update(id, func(d *detection.ThreatDetection) error {
		return d.Transition(req.Status, req.Actor, req.Note)
	})
	if err != nil {
		var te *detection.TransitionError
		if errors.As(err, &te) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusNotFound, "detection not found")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// --- correlations ---

func (s *Server) handleListCorrelations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := correlation.GroupFilter{}
	if v := q.Get("type"); v != "" {
		filter.Type = correlation.GroupType(v)
	}
	if v := q.Get("status"); v != "" {
		filter.Status = correlation.GroupStatus(v)
	}
	writeJSON(w, http.StatusOK, s.correlator.List(filter))
}

func (s *Server) handleGetCorrelation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}
	group, ok := s.correlator.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "group not found")
		return
	}
	writeJSON(w, http.StatusOK, group)
}

// --- risk ---

func (s *Server) handleActorRisk(w http.ResponseWriter, r *http.Request) {
	score, err := s.scorer.ScoreActor(r.Context(), r.PathValue("id"))
	if err != nil {
		s.logger.Error("actor scoring failed", "actor_id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "scoring failed")
		return
	}
	writeJSON(w, http.StatusOK, score)
}

// --- compliance ---

func (s *Server) handleListFrameworks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mapper.ListFrameworks())
}

func (s *Server) handleAddFramework(w http.ResponseWriter, r *http.Request) {
	var f compliance.Framework
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.mapper.AddFramework(&f); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleGetFramework(w http.ResponseWriter, r *http.Request) {
	f, err := s.mapper.GetFramework(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "framework not found")
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleFrameworkScore(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	score, err := s.mapper.Score(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "framework not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"framework_id": id,
		"score":        score,
		"computed_at":  time.Now().UTC(),
	})
}

func (s *Server) handleListControls(w http.ResponseWriter, r *http.Request) {
	controls, err := s.mapper.ListControls(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "framework not found")
		return
	}
	writeJSON(w, http.StatusOK, controls)
}

func (s *Server) handleScanGaps(w http.ResponseWriter, r *http.Request) {
	gaps, err := s.mapper.FindGaps(r.PathValue("id"), time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusNotFound, "framework not found")
		return
	}
	writeJSON(w, http.StatusOK, gaps)
}

func (s *Server) handleListGaps(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mapper.ListGaps(r.PathValue("id")))
}

func (s *Server) handleResolveGap(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid gap id")
		return
	}
	if err := s.mapper.ResolveGap(id); err != nil {
		if errors.Is(err, compliance.ErrGapNotFound) {
			writeError(w, http.StatusNotFound, "gap not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAcceptGap(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid gap id")
		return
	}
	if err := s.mapper.AcceptGapRisk(id); err != nil {
		if errors.Is(err, compliance.ErrGapNotFound) {
			writeError(w, http.StatusNotFound, "gap not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddControl(w http.ResponseWriter, r *http.Request) {
	var c compliance.Control
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.mapper.AddControl(&c); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetControl(w http.ResponseWriter, r *http.Request) {
	c, err := s.mapper.GetControl(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "control not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleAdvanceControl(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status compliance.ControlStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.mapper.AdvanceControl(r.PathValue("id"), req.Status)
	if err != nil {
		if errors.Is(err, compliance.ErrControlNotFound) {
			writeError(w, http.StatusNotFound, "control not found")
			return
		}
		var se *compliance.StatusError
		if errors.As(err, &se) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecordTest(w http.ResponseWriter, r *http.Request) {
	var result compliance.TestResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if result.TestedAt.IsZero() {
		result.TestedAt = time.Now().UTC()
	}
	if err := s.mapper.RecordTest(r.PathValue("id"), result); err != nil {
		writeError(w, http.StatusNotFound, "control not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- remediation ---

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GapID   uuid.UUID             `json:"gap_id"`
		Name    string                `json:"name"`
		Actions []*remediation.Action `json:"actions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	gap, err := s.mapper.GetGap(req.GapID)
	if err != nil {
		writeError(w, http.StatusNotFound, "gap not found")
		return
	}
	plan, err := s.tracker.CreatePlan(gap, req.Name, req.Actions)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.ListPlans())
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid plan id")
		return
	}
	plan, err := s.tracker.GetPlan(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "plan not found")
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleApprovePlan(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid plan id")
		return
	}
	var req struct {
		Approver string `json:"approver"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.tracker.Approve(id, req.Approver); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdvanceAction(w http.ResponseWriter, r *http.Request) {
	planID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid plan id")
		return
	}

	var req struct {
		Status remediation.ActionStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.tracker.Advance(planID, r.PathValue("action"), req.Status); err != nil {
		var due *remediation.DependencyUnmetError
		if errors.As(err, &due) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	plan, err := s.tracker.GetPlan(planID)
	if err != nil {
		writeError(w, http.StatusNotFound, "plan not found")
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// --- retention ---

func (s *Server) handleRetentionPolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.policies)
}

// --- reports ---

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.generator.ListTemplates())
}

func (s *Server) handleUpsertTemplate(w http.ResponseWriter, r *http.Request) {
	var tmpl reports.Template
	if err := json.NewDecoder(r.Body).Decode(&tmpl); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.generator.UpsertTemplate(&tmpl); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, tmpl)
}

func (s *Server) handleGenerateReport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TemplateID  string    `json:"template_id"`
		PeriodStart time.Time `json:"period_start"`
		PeriodEnd   time.Time `json:"period_end"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PeriodEnd.IsZero() {
		req.PeriodEnd = time.Now().UTC()
	}

	report, err := s.generator.Generate(r.Context(), req.TemplateID, req.PeriodStart, req.PeriodEnd)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, report)
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.generator.ListReports())
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid report id")
		return
	}
	report, err := s.generator.GetReport(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "report not found")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
