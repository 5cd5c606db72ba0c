// Package schema defines the canonical audit event model for auditcore.
// All ingested events are normalized to this structure before storage.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// AuditEvent is the canonical, immutable audit record. Once appended to the
// event store it is never mutated; removal happens only through retention.
type AuditEvent struct {
	// Required fields
	EventID   uuid.UUID `json:"event_id" validate:"required"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
	Category  Category  `json:"category" validate:"required"`
	Severity  Severity  `json:"severity" validate:"required"`
	Actor     Actor     `json:"actor" validate:"required"`
	Action    string    `json:"action" validate:"required,action_format"`
	Resource  string    `json:"resource" validate:"required,max=1024"`
	Result    Result    `json:"result" validate:"required"`

	// Optional fields
	Target   *Target        `json:"target,omitempty"`
	Details  *Details       `json:"details,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// DedupeKey is supplied by the submitting client; resubmission with the
	// same key stores exactly one event.
	DedupeKey string `json:"dedupe_key,omitempty" validate:"max=256"`

	// IntegrityHash is the SHA-256 over the canonical fields, hex encoded.
	IntegrityHash string `json:"integrity_hash,omitempty"`

	// Internal fields (set by the store)
	Sequence      uint64    `json:"sequence,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`
	TenantID      string    `json:"tenant_id"`
	SchemaVersion string    `json:"schema_version"`

	// Retention state, owned by the event store.
	LegalHold    bool       `json:"legal_hold"`
	Archived     bool       `json:"archived,omitempty"`
	ArchiveDate  *time.Time `json:"archive_date,omitempty"`
	DeletionDate *time.Time `json:"deletion_date,omitempty"`
}

// Actor is the entity that performed the action.
type Actor struct {
	Type       ActorType `json:"type" validate:"required"`
	ID         string    `json:"id" validate:"required,max=256"`
	Name       string    `json:"name,omitempty" validate:"max=256"`
	Roles      []string  `json:"roles,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty" validate:"omitempty,ip"`
	Location   string    `json:"location,omitempty" validate:"max=256"`
	DeviceID   string    `json:"device_id,omitempty" validate:"max=256"`
	AuthMethod string    `json:"auth_method,omitempty" validate:"max=64"`
	RiskScore  float64   `json:"risk_score,omitempty" validate:"min=0,max=100"`
}

// Target is the entity the action was performed against.
type Target struct {
	Type        string      `json:"type" validate:"required,max=128"`
	ID          string      `json:"id" validate:"required,max=256"`
	Name        string      `json:"name,omitempty" validate:"max=256"`
	Sensitivity Sensitivity `json:"sensitivity,omitempty"`
}

// Details carries structured field-level change information.
type Details struct {
	Description string        `json:"description,omitempty" validate:"max=4096"`
	Changes     []FieldChange `json:"changes,omitempty"`
}

// FieldChange records a single before/after field mutation.
type FieldChange struct {
	Field  string `json:"field"`
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}

// Category classifies the audit event. Closed set: unknown values are
// rejected at validation, never routed on.
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryDataAccess     Category = "data_access"
	CategoryConfiguration  Category = "configuration"
	CategorySystem         Category = "system"
	CategoryUserManagement Category = "user_management"
	CategorySecurity       Category = "security"
	CategoryCompliance     Category = "compliance"
)

// Categories lists every valid category.
func Categories() []Category {
	return []Category{
		CategoryAuthentication, CategoryAuthorization, CategoryDataAccess,
		CategoryConfiguration, CategorySystem, CategoryUserManagement,
		CategorySecurity, CategoryCompliance,
	}
}

// IsValid checks if the category is a known value.
func (c Category) IsValid() bool {
	switch c {
	case CategoryAuthentication, CategoryAuthorization, CategoryDataAccess,
		CategoryConfiguration, CategorySystem, CategoryUserManagement,
		CategorySecurity, CategoryCompliance:
		return true
	}
	return false
}

// Severity grades an event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity is a known value.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Rank returns a numeric weight for ordering severities.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Result is the outcome of the audited action.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultError   Result = "error"
	ResultBlocked Result = "blocked"
	ResultWarning Result = "warning"
)

// IsValid checks if the result is a known value.
func (r Result) IsValid() bool {
	switch r {
	case ResultSuccess, ResultFailure, ResultError, ResultBlocked, ResultWarning:
		return true
	}
	return false
}

// ActorType classifies the acting entity.
type ActorType string

const (
	ActorUser    ActorType = "user"
	ActorService ActorType = "service"
	ActorSystem  ActorType = "system"
	ActorAPIKey  ActorType = "api_key"
	ActorUnknown ActorType = "unknown"
)

// IsValid checks if the actor type is a known value.
func (a ActorType) IsValid() bool {
	switch a {
	case ActorUser, ActorService, ActorSystem, ActorAPIKey, ActorUnknown:
		return true
	}
	return false
}

// Sensitivity classifies a target's data sensitivity.
type Sensitivity string

const (
	SensitivityPublic       Sensitivity = "public"
	SensitivityInternal     Sensitivity = "internal"
	SensitivityConfidential Sensitivity = "confidential"
	SensitivityRestricted   Sensitivity = "restricted"
)

// IsValid checks if the sensitivity is a known value.
func (s Sensitivity) IsValid() bool {
	switch s {
	case SensitivityPublic, SensitivityInternal, SensitivityConfidential, SensitivityRestricted:
		return true
	}
	return false
}

// SchemaVersionCurrent is the current version of the event schema.
const SchemaVersionCurrent = "1.0.0"
