// Package correlation groups related detections into higher-order findings
// (patterns, campaigns, incidents) within sliding time windows.
package correlation

import (
	"fmt"
	"time"

	"auditcore/internal/schema"

	"github.com/google/uuid"
)

// GroupType classifies a correlation group.
type GroupType string

const (
	GroupPattern  GroupType = "pattern"
	GroupSequence GroupType = "sequence"
	GroupAnomaly  GroupType = "anomaly"
	GroupCampaign GroupType = "campaign"
	GroupIncident GroupType = "incident"
)

// GroupStatus is the lifecycle state of a group. Frozen groups accept no
// new members but remain queryable as historical correlations.
type GroupStatus string

const (
	GroupOpen   GroupStatus = "open"
	GroupFrozen GroupStatus = "frozen"
)

// Pattern is the rule set that drives grouping. A detection joins a group
// of this pattern when it shares an indicator key, overlaps the window and
// the group's recomputed confidence stays at or above ConfidenceThreshold.
type Pattern struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Categories restricts which detection categories are compatible.
	// Empty means any category.
	Categories []schema.Category `yaml:"categories,omitempty" json:"categories,omitempty"`

	// Window is the sliding correlation window: a detection may join a
	// group only while the group saw activity within this span.
	Window time.Duration `yaml:"window" json:"window"`

	// ConfidenceThreshold is the minimum combined group confidence for a
	// join to stand.
	ConfidenceThreshold float64 `yaml:"confidence_threshold" json:"confidence_threshold"`

	// Promotion thresholds. A pattern group becomes a campaign, then an
	// incident, when member count and confidence both cross the mark.
	CampaignMembers    int     `yaml:"campaign_members" json:"campaign_members"`
	CampaignConfidence float64 `yaml:"campaign_confidence" json:"campaign_confidence"`
	IncidentMembers    int     `yaml:"incident_members" json:"incident_members"`
	IncidentConfidence float64 `yaml:"incident_confidence" json:"incident_confidence"`
}

// Validate validates the pattern definition.
func (p *Pattern) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("pattern ID is required")
	}
	if p.Name == "" {
		return fmt.Errorf("pattern name is required")
	}
	if p.Window <= 0 {
		return fmt.Errorf("pattern %s: window must be positive", p.ID)
	}
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		return fmt.Errorf("pattern %s: confidence threshold must be in [0,1]", p.ID)
	}
	for _, c := range p.Categories {
		if !c.IsValid() {
			return fmt.Errorf("pattern %s: unknown category %q", p.ID, c)
		}
	}
	return nil
}

// compatible reports whether a detection category fits the pattern.
func (p *Pattern) compatible(category schema.Category) bool {
	if len(p.Categories) == 0 {
		return true
	}
	for _, c := range p.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// Group is a correlation of related detections. Confidence is recomputed on
// every membership change as the noisy-or of member confidences:
// 1 - Π(1 - c_i).
type Group struct {
	ID        uuid.UUID   `json:"id"`
	Type      GroupType   `json:"type"`
	Status    GroupStatus `json:"status"`
	PatternID string      `json:"pattern_id"`
	Name      string      `json:"name"`

	DetectionIDs []uuid.UUID `json:"detection_ids"`
	EventIDs     []uuid.UUID `json:"event_ids"`

	// IndicatorKeys are the type-qualified indicator values shared by the
	// members, used for window indexing.
	IndicatorKeys []string `json:"indicator_keys"`

	Confidence  float64 `json:"confidence"`
	memberConfs []float64

	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// recomputeConfidence recomputes the combined confidence from member
// confidences.
func (g *Group) recomputeConfidence() {
	miss := 1.0
	for _, c := range g.memberConfs {
		if c < 0 {
			c = 0
		}
		if c > 1 {
			c = 1
		}
		miss *= 1 - c
	}
	g.Confidence = 1 - miss
}

// hasIndicator reports whether the group already tracks the indicator key.
func (g *Group) hasIndicator(key string) bool {
	for _, k := range g.IndicatorKeys {
		if k == key {
			return true
		}
	}
	return false
}

// clone returns a copy safe to hand to callers.
func (g *Group) clone() *Group {
	copied := *g
	copied.DetectionIDs = append([]uuid.UUID(nil), g.DetectionIDs...)
	copied.EventIDs = append([]uuid.UUID(nil), g.EventIDs...)
	copied.IndicatorKeys = append([]string(nil), g.IndicatorKeys...)
	copied.memberConfs = nil
	return &copied
}
