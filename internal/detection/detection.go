// Package detection defines threat detections produced by rule evaluation
// and their investigation lifecycle.
package detection

import (
	"errors"
	"fmt"
	"time"

	"auditcore/internal/schema"

	"github.com/google/uuid"
)

// Status is the investigation state of a detection.
type Status string

const (
	StatusNew           Status = "new"
	StatusInvestigating Status = "investigating"
	StatusConfirmed     Status = "confirmed"
	StatusFalsePositive Status = "false_positive"
	StatusResolved      Status = "resolved"
)

// IsValid checks if the status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusNew, StatusInvestigating, StatusConfirmed, StatusFalsePositive, StatusResolved:
		return true
	}
	return false
}

// Terminal reports whether the status allows no further transitions.
func (s Status) Terminal() bool {
	return s == StatusFalsePositive || s == StatusResolved
}

// IndicatorType classifies an IOC.
type IndicatorType string

const (
	IndicatorIP       IndicatorType = "ip"
	IndicatorDomain   IndicatorType = "domain"
	IndicatorHash     IndicatorType = "hash"
	IndicatorURL      IndicatorType = "url"
	IndicatorEmail    IndicatorType = "email"
	IndicatorActor    IndicatorType = "actor"
	IndicatorResource IndicatorType = "resource"
	IndicatorDevice   IndicatorType = "device"
)

// Indicator is a typed IOC attached to a detection.
type Indicator struct {
	Type       IndicatorType `json:"type"`
	Value      string        `json:"value"`
	Confidence float64       `json:"confidence"`
	Category   string        `json:"category,omitempty"`
	Reputation int           `json:"reputation,omitempty"`
	FirstSeen  time.Time     `json:"first_seen"`
	LastSeen   time.Time     `json:"last_seen"`
}

// Key returns the type-qualified indicator value used for correlation.
func (i Indicator) Key() string {
	return string(i.Type) + ":" + i.Value
}

// TimelineEntry is one append-only record of analyst or automated action.
type TimelineEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Note      string    `json:"note,omitempty"`
}

// MitigationStatus tracks a mitigation action.
type MitigationStatus string

const (
	MitigationPending    MitigationStatus = "pending"
	MitigationApplied    MitigationStatus = "applied"
	MitigationFailed     MitigationStatus = "failed"
	MitigationRolledBack MitigationStatus = "rolled_back"
)

// MitigationAction is a response taken against a detection.
type MitigationAction struct {
	ID        uuid.UUID        `json:"id"`
	Type      string           `json:"type"`
	Target    string           `json:"target"`
	Status    MitigationStatus `json:"status"`
	AppliedAt *time.Time       `json:"applied_at,omitempty"`
	AppliedBy string           `json:"applied_by,omitempty"`
}

// ThreatDetection is produced by the rule engine from one or more events
// matching a rule.
type ThreatDetection struct {
	ID         uuid.UUID       `json:"id"`
	RuleID     string          `json:"rule_id"`
	RuleName   string          `json:"rule_name"`
	Category   schema.Category `json:"category"`
	Severity   schema.Severity `json:"severity"`
	Status     Status          `json:"status"`
	Confidence float64         `json:"confidence"`
	RiskScore  float64         `json:"risk_score"`

	// EventIDs are the events that triggered the detection. Every id must
	// reference a stored event.
	EventIDs []uuid.UUID `json:"event_ids"`

	ActorID  string `json:"actor_id,omitempty"`
	Resource string `json:"resource,omitempty"`

	Indicators  []Indicator        `json:"indicators,omitempty"`
	Timeline    []TimelineEntry    `json:"timeline,omitempty"`
	Mitigations []MitigationAction `json:"mitigations,omitempty"`

	// Shadow marks detections from rules in testing status. Shadow
	// detections are logged but never alerted or correlated.
	Shadow bool `json:"shadow,omitempty"`

	DetectedAt time.Time `json:"detected_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TransitionError reports an invalid status transition.
type TransitionError struct {
	DetectionID uuid.UUID
	From        Status
	To          Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("detection %s: invalid transition %s -> %s", e.DetectionID, e.From, e.To)
}

// ErrTerminalStatus indicates a transition was attempted from a terminal
// status.
var ErrTerminalStatus = errors.New("detection status is terminal")

// validTransitions lists the allowed forward transitions. false_positive
// and resolved are terminal; investigating returns to new only through
// Reset.
var validTransitions = map[Status][]Status{
	StatusNew:           {StatusInvestigating, StatusFalsePositive},
	StatusInvestigating: {StatusConfirmed, StatusFalsePositive},
	StatusConfirmed:     {StatusResolved},
}

// Transition moves the detection to a new status, appending a timeline
// entry. Transitions are monotonic; use Reset for the explicit
// investigating -> new revert.
func (d *ThreatDetection) Transition(to Status, actor, note string) error {
	if d.Status.Terminal() {
		return fmt.Errorf("detection %s: %w (%s)", d.ID, ErrTerminalStatus, d.Status)
	}
	allowed := false
	for _, s := range validTransitions[d.Status] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return &TransitionError{DetectionID: d.ID, From: d.Status, To: to}
	}

	now := time.Now().UTC()
	d.Timeline = append(d.Timeline, TimelineEntry{
		Timestamp: now,
		Actor:     actor,
		Action:    fmt.Sprintf("status %s -> %s", d.Status, to),
		Note:      note,
	})
	d.Status = to
	d.UpdatedAt = now
	return nil
}

// Reset reverts an investigating detection to new. This is the only
// backward transition and requires an explicit actor.
func (d *ThreatDetection) Reset(actor, note string) error {
	if d.Status != StatusInvestigating {
		return &TransitionError{DetectionID: d.ID, From: d.Status, To: StatusNew}
	}

	now := time.Now().UTC()
	d.Timeline = append(d.Timeline, TimelineEntry{
		Timestamp: now,
		Actor:     actor,
		Action:    "status reset investigating -> new",
		Note:      note,
	})
	d.Status = StatusNew
	d.UpdatedAt = now
	return nil
}

// AddIndicator merges an indicator into the detection, extending last-seen
// for an existing key.
func (d *ThreatDetection) AddIndicator(ind Indicator) {
	for i := range d.Indicators {
		if d.Indicators[i].Key() == ind.Key() {
			if ind.LastSeen.After(d.Indicators[i].LastSeen) {
				d.Indicators[i].LastSeen = ind.LastSeen
			}
			if ind.Confidence > d.Indicators[i].Confidence {
				d.Indicators[i].Confidence = ind.Confidence
			}
			return
		}
	}
	d.Indicators = append(d.Indicators, ind)
}

// AppendTimeline records an analyst or automated action.
func (d *ThreatDetection) AppendTimeline(actor, action, note string) {
	d.Timeline = append(d.Timeline, TimelineEntry{
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Action:    action,
		Note:      note,
	})
}
