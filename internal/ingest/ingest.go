// Package ingest handles HTTP submission of audit events.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"auditcore/internal/eventstore"
	"auditcore/internal/metrics"
	"auditcore/internal/queue"
	"auditcore/internal/retention"
	"auditcore/internal/schema"

	"github.com/google/uuid"
)

// Submitter enqueues accepted events for evaluation.
type Submitter interface {
	Submit(event *schema.AuditEvent) error
}

// Quarantiner stores events that failed integrity verification.
type Quarantiner interface {
	Write(ctx context.Context, entry *eventstore.QuarantineEntry) error
}

// Config configures the ingest handler.
type Config struct {
	MaxPayload int `yaml:"max_payload"`
	MaxBatch   int `yaml:"max_batch"`

	// RequireSealed rejects events submitted without an integrity hash.
	RequireSealed bool `yaml:"require_sealed"`
}

// DefaultConfig returns the default ingest configuration.
func DefaultConfig() Config {
	return Config{
		MaxPayload: 10 * 1024 * 1024,
		MaxBatch:   1000,
	}
}

// Handler accepts audit events over HTTP, validates and seals them, stamps
// retention dates, appends them to the store and queues them for
// evaluation.
type Handler struct {
	cfg        Config
	validator  *schema.Validator
	store      eventstore.Store
	policies   retention.PolicySet
	submitter  Submitter
	quarantine Quarantiner
	metrics    *metrics.Registry
	logger     *slog.Logger
	startTime  time.Time
}

// NewHandler creates an ingest handler. The quarantiner may be nil; failed
// integrity checks are then only rejected and logged.
func NewHandler(cfg Config, validator *schema.Validator, store eventstore.Store,
	policies retention.PolicySet, submitter Submitter, quarantine Quarantiner,
	reg *metrics.Registry, logger *slog.Logger) *Handler {

	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &Handler{
		cfg:        cfg,
		validator:  validator,
		store:      store,
		policies:   policies,
		submitter:  submitter,
		quarantine: quarantine,
		metrics:    reg,
		logger:     logger.With("component", "ingest"),
		startTime:  time.Now(),
	}
}

// SubmitRequest is the batch request body. A single bare event object is
// also accepted.
type SubmitRequest struct {
	Events []*schema.AuditEvent `json:"events"`
}

// EventOutcome reports what happened to one submitted event.
type EventOutcome struct {
	EventID      string `json:"event_id,omitempty"`
	Status       string `json:"status"` // accepted, deduplicated, rejected, quarantined
	Error        string `json:"error,omitempty"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
}

// SubmitResponse is the response for event submission.
type SubmitResponse struct {
	Success   bool           `json:"success"`
	Accepted  int            `json:"accepted"`
	Rejected  int            `json:"rejected"`
	Results   []EventOutcome `json:"results"`
	RequestID string         `json:"request_id"`
}

// HandleSubmit handles POST /v1/events. The body is either one event
// object or {"events": [...]}.
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	r.Body = http.MaxBytesReader(w, r.Body, int64(h.cfg.MaxPayload))
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return
	}

	events, err := decodeSubmission(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}
	if len(events) == 0 {
		respondError(w, http.StatusBadRequest, "no events provided", requestID)
		return
	}
	if len(events) > h.cfg.MaxBatch {
		respondError(w, http.StatusBadRequest,
			fmt.Sprintf("batch size exceeds maximum of %d", h.cfg.MaxBatch), requestID)
		return
	}

	resp := SubmitResponse{RequestID: requestID}
	for _, event := range events {
		outcome := h.admit(r.Context(), event, r.RemoteAddr)
		resp.Results = append(resp.Results, outcome)
		if outcome.Status == "accepted" || outcome.Status == "deduplicated" {
			resp.Accepted++
		} else {
			resp.Rejected++
		}
	}
	resp.Success = resp.Rejected == 0

	status := http.StatusOK
	switch {
	case resp.Accepted == 0:
		status = http.StatusBadRequest
	case resp.Rejected > 0:
		status = http.StatusMultiStatus
	}
	respondJSON(w, status, resp)
}

// decodeSubmission accepts either a batch envelope or a bare event.
func decodeSubmission(body []byte) ([]*schema.AuditEvent, error) {
	var req SubmitRequest
	if err := json.Unmarshal(body, &req); err == nil && req.Events != nil {
		return req.Events, nil
	}

	var single schema.AuditEvent
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, fmt.Errorf("invalid JSON: %v", err)
	}
	return []*schema.AuditEvent{&single}, nil
}

// admit runs one event through validation, integrity verification,
// retention stamping, append and queueing.
func (h *Handler) admit(ctx context.Context, event *schema.AuditEvent, sourceIP string) EventOutcome {
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.SchemaVersion == "" {
		event.SchemaVersion = schema.SchemaVersionCurrent
	}
	event.ReceivedAt = time.Now().UTC()

	if err := h.validator.Validate(event); err != nil {
		return EventOutcome{EventID: event.EventID.String(), Status: "rejected", Error: err.Error()}
	}

	if h.cfg.RequireSealed && event.IntegrityHash == "" {
		return EventOutcome{EventID: event.EventID.String(), Status: "rejected",
			Error: eventstore.ErrSealedRequired.Error()}
	}

	if err := schema.VerifyIntegrity(event); err != nil {
		h.quarantineEvent(ctx, event, sourceIP, err)
		return EventOutcome{EventID: event.EventID.String(), Status: "quarantined", Error: err.Error()}
	}
	if event.IntegrityHash == "" {
		schema.SealIntegrity(event)
	}

	h.policies.Resolve(event)

	result, err := h.store.Append(ctx, event)
	if err != nil {
		h.logger.Error("append failed", "event_id", event.EventID, "error", err)
		return EventOutcome{EventID: event.EventID.String(), Status: "rejected", Error: "storage failure"}
	}
	if result.Deduplicated {
		h.metrics.EventsDeduplicated.Inc()
		return EventOutcome{
			EventID:      result.Event.EventID.String(),
			Status:       "deduplicated",
			Deduplicated: true,
		}
	}

	if h.submitter != nil {
		if err := h.submitter.Submit(result.Event); err != nil {
			// Stored but not evaluated; the queue is saturated.
			if errors.Is(err, queue.ErrQueueFull) {
				h.logger.Warn("evaluation queue full", "event_id", event.EventID)
			} else {
				h.logger.Error("submit failed", "event_id", event.EventID, "error", err)
			}
		}
	}

	h.metrics.EventsIngested.Inc()
	return EventOutcome{EventID: result.Event.EventID.String(), Status: "accepted"}
}

func (h *Handler) quarantineEvent(ctx context.Context, event *schema.AuditEvent, sourceIP string, cause error) {
	h.metrics.EventsQuarantined.Inc()
	h.logger.Warn("event quarantined", "event_id", event.EventID, "error", cause)

	if h.quarantine == nil {
		return
	}
	raw, _ := json.Marshal(event)
	entry := &eventstore.QuarantineEntry{
		RawEvent:     string(raw),
		SourceIP:     sourceIP,
		FailedChecks: []string{"integrity_hash"},
		ErrorCode:    "INTEGRITY_MISMATCH",
	}
	if err := h.quarantine.Write(ctx, entry); err != nil {
		h.logger.Error("quarantine write failed", "event_id", event.EventID, "error", err)
	}
}

// HandleHealth handles GET /health.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	count, err := h.store.Count(r.Context())
	status := "healthy"
	if err != nil {
		status = "degraded"
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"events_stored":  count,
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	})
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, message string, requestID string) {
	respondJSON(w, status, map[string]any{
		"success":    false,
		"error":      message,
		"request_id": requestID,
	})
}
