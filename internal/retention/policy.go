// Package retention applies per-category retention policies: archive and
// deletion dates resolved at ingestion, and a background sweeper that
// archives then deletes expired events. Legal hold overrides deletion.
package retention

import (
	"fmt"
	"time"

	"auditcore/internal/schema"
)

// Policy is the retention configuration for one event category. Offsets are
// measured from the event timestamp.
type Policy struct {
	// ArchiveAfter is when the event moves to cold storage.
	ArchiveAfter time.Duration `yaml:"archive_after"`

	// DeleteAfter is when the event is removed, absent legal hold.
	DeleteAfter time.Duration `yaml:"delete_after"`
}

// Validate validates the policy offsets.
func (p Policy) Validate() error {
	if p.ArchiveAfter <= 0 || p.DeleteAfter <= 0 {
		return fmt.Errorf("retention offsets must be positive")
	}
	if p.ArchiveAfter > p.DeleteAfter {
		return fmt.Errorf("archive offset %v exceeds delete offset %v", p.ArchiveAfter, p.DeleteAfter)
	}
	return nil
}

// PolicySet holds per-category policies with a fallback default. Higher
// severities extend retention by the configured amount.
type PolicySet struct {
	Default  Policy                     `yaml:"default"`
	Policies map[schema.Category]Policy `yaml:"policies"`

	// SeverityExtension lengthens both offsets for events at or above the
	// given severity.
	SeverityExtension map[schema.Severity]time.Duration `yaml:"severity_extension"`
}

const day = 24 * time.Hour

// DefaultPolicySet returns the default retention configuration.
func DefaultPolicySet() PolicySet {
	return PolicySet{
		Default: Policy{ArchiveAfter: 90 * day, DeleteAfter: 365 * day},
		Policies: map[schema.Category]Policy{
			schema.CategoryAuthentication: {ArchiveAfter: 90 * day, DeleteAfter: 365 * day},
			schema.CategorySecurity:       {ArchiveAfter: 180 * day, DeleteAfter: 730 * day},
			schema.CategoryCompliance:     {ArchiveAfter: 365 * day, DeleteAfter: 2555 * day},
			schema.CategoryDataAccess:     {ArchiveAfter: 90 * day, DeleteAfter: 730 * day},
			schema.CategorySystem:         {ArchiveAfter: 30 * day, DeleteAfter: 180 * day},
		},
		SeverityExtension: map[schema.Severity]time.Duration{
			schema.SeverityHigh:     90 * day,
			schema.SeverityCritical: 365 * day,
		},
	}
}

// Validate validates every policy in the set.
func (ps PolicySet) Validate() error {
	if err := ps.Default.Validate(); err != nil {
		return fmt.Errorf("default policy: %w", err)
	}
	for cat, p := range ps.Policies {
		if !cat.IsValid() {
			return fmt.Errorf("unknown category %q", cat)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("policy for %s: %w", cat, err)
		}
	}
	return nil
}

// policyFor returns the category's policy or the default.
func (ps PolicySet) policyFor(cat schema.Category) Policy {
	if p, ok := ps.Policies[cat]; ok {
		return p
	}
	return ps.Default
}

// Resolve stamps the event with its archive and deletion dates. Called once
// at ingestion; the dates never change afterwards except via legal hold.
func (ps PolicySet) Resolve(event *schema.AuditEvent) {
	p := ps.policyFor(event.Category)
	ext := ps.SeverityExtension[event.Severity]

	archive := event.Timestamp.Add(p.ArchiveAfter + ext)
	deletion := event.Timestamp.Add(p.DeleteAfter + ext)
	event.ArchiveDate = &archive
	event.DeletionDate = &deletion
}
