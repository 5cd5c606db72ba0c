// Package alerting delivers detection alerts to notification channels with
// retries and a dead-letter queue.
package alerting

import (
	"context"
	"time"

	"auditcore/internal/detection"
	"auditcore/internal/schema"

	"github.com/google/uuid"
)

// Alert is the outbound notification built from a fired detection.
type Alert struct {
	ID          uuid.UUID       `json:"id"`
	DetectionID uuid.UUID       `json:"detection_id"`
	RuleID      string          `json:"rule_id"`
	RuleName    string          `json:"rule_name"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Category    schema.Category `json:"category"`
	Severity    schema.Severity `json:"severity"`
	Confidence  float64         `json:"confidence"`
	RiskScore   float64         `json:"risk_score,omitempty"`
	ActorID     string          `json:"actor_id,omitempty"`
	Resource    string          `json:"resource,omitempty"`
	EventIDs    []uuid.UUID     `json:"event_ids,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// FromDetection builds an alert from a fired detection.
func FromDetection(d *detection.ThreatDetection) *Alert {
	return &Alert{
		ID:          uuid.New(),
		DetectionID: d.ID,
		RuleID:      d.RuleID,
		RuleName:    d.RuleName,
		Title:       d.RuleName,
		Category:    d.Category,
		Severity:    d.Severity,
		Confidence:  d.Confidence,
		RiskScore:   d.RiskScore,
		ActorID:     d.ActorID,
		Resource:    d.Resource,
		EventIDs:    append([]uuid.UUID(nil), d.EventIDs...),
		CreatedAt:   time.Now(),
	}
}

// Channel delivers alerts to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert *Alert) error
}
