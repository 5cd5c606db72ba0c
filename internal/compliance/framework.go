// Package compliance maps audit evidence onto framework controls, derives
// per-framework compliance scores and identifies gaps.
package compliance

import (
	"fmt"
	"time"

	"auditcore/internal/schema"

	"github.com/google/uuid"
)

// ControlStatus is the implementation status of a control. Forward-only:
// not_started -> in_progress -> completed -> verified. A control may be
// marked not_applicable instead, which excludes it from scoring.
type ControlStatus string

const (
	ControlNotStarted    ControlStatus = "not_started"
	ControlInProgress    ControlStatus = "in_progress"
	ControlCompleted     ControlStatus = "completed"
	ControlVerified      ControlStatus = "verified"
	ControlNotApplicable ControlStatus = "not_applicable"
)

// IsValid checks if the status is a known value.
func (s ControlStatus) IsValid() bool {
	switch s {
	case ControlNotStarted, ControlInProgress, ControlCompleted, ControlVerified, ControlNotApplicable:
		return true
	}
	return false
}

// rank orders the forward-only statuses. not_applicable sits outside the
// progression.
func (s ControlStatus) rank() int {
	switch s {
	case ControlNotStarted:
		return 0
	case ControlInProgress:
		return 1
	case ControlCompleted:
		return 2
	case ControlVerified:
		return 3
	default:
		return -1
	}
}

// Implemented reports whether the control counts as implemented for scoring.
func (s ControlStatus) Implemented() bool {
	return s == ControlCompleted || s == ControlVerified
}

// TestResult is one control test outcome. Results are append-only; the last
// entry is the control's most recent test.
type TestResult struct {
	TestedAt time.Time `json:"tested_at"`
	Passed   bool      `json:"passed"`
	Tester   string    `json:"tester,omitempty"`
	Notes    string    `json:"notes,omitempty"`
}

// Control is a discrete compliance safeguard tracked for implementation and
// effectiveness. Status writes go through Mapper.AdvanceControl only.
type Control struct {
	ID          string `json:"id" yaml:"id"`
	FrameworkID string `json:"framework_id" yaml:"framework_id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	MaturityLevel int           `json:"maturity_level" yaml:"maturity_level"`
	Status        ControlStatus `json:"status" yaml:"status"`

	// EvidenceCategories names the event categories that count as evidence
	// for this control.
	EvidenceCategories []schema.Category `json:"evidence_categories,omitempty" yaml:"evidence_categories,omitempty"`

	TestingCadence time.Duration `json:"testing_cadence" yaml:"testing_cadence"`
	TestResults    []TestResult  `json:"test_results,omitempty"`

	Effectiveness float64         `json:"effectiveness" yaml:"effectiveness"`
	RiskRating    schema.Severity `json:"risk_rating" yaml:"risk_rating"`

	EvidenceCount  int        `json:"evidence_count"`
	LastEvidenceAt *time.Time `json:"last_evidence_at,omitempty"`

	// Version is the optimistic-concurrency counter; bumped on every commit.
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LatestTest returns the most recent test result, or nil when untested.
func (c *Control) LatestTest() *TestResult {
	if len(c.TestResults) == 0 {
		return nil
	}
	return &c.TestResults[len(c.TestResults)-1]
}

// clone returns a deep copy safe for CAS read-modify-write cycles.
func (c *Control) clone() *Control {
	copied := *c
	copied.EvidenceCategories = append([]schema.Category(nil), c.EvidenceCategories...)
	copied.TestResults = append([]TestResult(nil), c.TestResults...)
	if c.LastEvidenceAt != nil {
		t := *c.LastEvidenceAt
		copied.LastEvidenceAt = &t
	}
	return &copied
}

// Validate validates the control definition.
func (c *Control) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("control ID is required")
	}
	if c.Name == "" {
		return fmt.Errorf("control %s: name is required", c.ID)
	}
	if c.Status != "" && !c.Status.IsValid() {
		return fmt.Errorf("control %s: unknown status %q", c.ID, c.Status)
	}
	if c.Effectiveness < 0 || c.Effectiveness > 100 {
		return fmt.Errorf("control %s: effectiveness must be in [0,100]", c.ID)
	}
	if c.RiskRating != "" && !c.RiskRating.IsValid() {
		return fmt.Errorf("control %s: unknown risk rating %q", c.ID, c.RiskRating)
	}
	for _, cat := range c.EvidenceCategories {
		if !cat.IsValid() {
			return fmt.Errorf("control %s: unknown evidence category %q", c.ID, cat)
		}
	}
	return nil
}

// Requirement is a framework requirement satisfied by one or more controls.
type Requirement struct {
	ID          string   `json:"id" yaml:"id"`
	FrameworkID string   `json:"framework_id" yaml:"framework_id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	ControlIDs  []string `json:"control_ids,omitempty" yaml:"control_ids,omitempty"`

	EvidenceCount int       `json:"evidence_count"`
	Version       uint64    `json:"version"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Framework is a compliance framework definition. The overall score is
// always derived from its controls, never stored.
type Framework struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Category string `json:"category,omitempty" yaml:"category,omitempty"`

	ControlIDs     []string `json:"control_ids"`
	RequirementIDs []string `json:"requirement_ids"`

	AssessmentCadence  time.Duration `json:"assessment_cadence" yaml:"assessment_cadence"`
	CertificationStart time.Time     `json:"certification_start,omitempty" yaml:"certification_start,omitempty"`
	CertificationEnd   time.Time     `json:"certification_end,omitempty" yaml:"certification_end,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate validates the framework definition.
func (f *Framework) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("framework ID is required")
	}
	if f.Name == "" {
		return fmt.Errorf("framework %s: name is required", f.ID)
	}
	return nil
}

// GapStatus is the lifecycle state of a gap.
type GapStatus string

const (
	GapOpen         GapStatus = "open"
	GapInProgress   GapStatus = "in_progress"
	GapResolved     GapStatus = "resolved"
	GapAcceptedRisk GapStatus = "accepted_risk"
)

// Terminal reports whether the gap status is final.
func (s GapStatus) Terminal() bool {
	return s == GapResolved || s == GapAcceptedRisk
}

// GapReason names why a gap was raised.
type GapReason string

const (
	GapNotImplemented   GapReason = "not_implemented"
	GapStaleTest        GapReason = "stale_test"
	GapLowEffectiveness GapReason = "low_effectiveness"
)

// Gap is a shortfall between required and actual control state. Severity
// comes from the control's own risk rating.
type Gap struct {
	ID            uuid.UUID       `json:"id"`
	FrameworkID   string          `json:"framework_id"`
	ControlID     string          `json:"control_id"`
	RequirementID string          `json:"requirement_id,omitempty"`
	Reason        GapReason       `json:"reason"`
	Severity      schema.Severity `json:"severity"`
	Description   string          `json:"description"`
	Status        GapStatus       `json:"status"`
	DueDate       time.Time       `json:"due_date"`
	PlanID        uuid.UUID       `json:"plan_id,omitempty"`

	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (g *Gap) clone() *Gap {
	copied := *g
	return &copied
}
