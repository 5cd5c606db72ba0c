// Package remediation tracks gap-to-plan-to-action lifecycles, deadlines
// and approvals.
package remediation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ActionStatus is the lifecycle state of a single remediation action.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionInProgress ActionStatus = "in_progress"
	ActionBlocked    ActionStatus = "blocked"
	ActionCompleted  ActionStatus = "completed"
)

// IsValid checks if the status is a known value.
func (s ActionStatus) IsValid() bool {
	switch s {
	case ActionPending, ActionInProgress, ActionBlocked, ActionCompleted:
		return true
	}
	return false
}

// PlanStatus is derived from the plan's action statuses on every transition.
type PlanStatus string

const (
	PlanInProgress PlanStatus = "in_progress"
	PlanAtRisk     PlanStatus = "at_risk"
	PlanCompleted  PlanStatus = "completed"
)

// Action is one step of a remediation plan. Dependencies name sibling
// actions that must complete first.
type Action struct {
	ID           string       `json:"id" yaml:"id"`
	Name         string       `json:"name" yaml:"name"`
	Owner        string       `json:"owner" yaml:"owner"`
	DueDate      time.Time    `json:"due_date" yaml:"due_date"`
	Status       ActionStatus `json:"status"`
	Dependencies []string     `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	CostEstimate float64 `json:"cost_estimate,omitempty" yaml:"cost_estimate,omitempty"`
	EffortHours  float64 `json:"effort_hours,omitempty" yaml:"effort_hours,omitempty"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Plan is an ordered set of remediation actions tied to a compliance gap.
type Plan struct {
	ID        uuid.UUID `json:"id"`
	GapID     uuid.UUID `json:"gap_id"`
	ControlID string    `json:"control_id"`
	Name      string    `json:"name"`

	Actions []*Action  `json:"actions"`
	Status  PlanStatus `json:"status"`

	ApprovedBy string     `json:"approved_by,omitempty"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// action finds an action by ID.
func (p *Plan) action(id string) *Action {
	for _, a := range p.Actions {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// unmetDependencies lists the action's dependencies that are not completed.
func (p *Plan) unmetDependencies(a *Action) []string {
	var unmet []string
	for _, dep := range a.Dependencies {
		d := p.action(dep)
		if d == nil || d.Status != ActionCompleted {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// recomputeStatus derives the aggregate plan status. All actions completed
// means completed; any blocked action past its due date means at_risk.
func (p *Plan) recomputeStatus(now time.Time) {
	completed := 0
	atRisk := false
	for _, a := range p.Actions {
		if a.Status == ActionCompleted {
			completed++
		}
		if a.Status == ActionBlocked && now.After(a.DueDate) {
			atRisk = true
		}
	}
	switch {
	case len(p.Actions) > 0 && completed == len(p.Actions):
		p.Status = PlanCompleted
	case atRisk:
		p.Status = PlanAtRisk
	default:
		p.Status = PlanInProgress
	}
}

// clone returns a deep copy safe to hand to callers.
func (p *Plan) clone() *Plan {
	copied := *p
	copied.Actions = make([]*Action, len(p.Actions))
	for i, a := range p.Actions {
		ac := *a
		ac.Dependencies = append([]string(nil), a.Dependencies...)
		copied.Actions[i] = &ac
	}
	return &copied
}

// validateActions checks action IDs are unique and dependencies resolve to
// sibling actions without cycles.
func validateActions(actions []*Action) error {
	if len(actions) == 0 {
		return fmt.Errorf("a plan needs at least one action")
	}
	byID := make(map[string]*Action, len(actions))
	for _, a := range actions {
		if a.ID == "" {
			return fmt.Errorf("action ID is required")
		}
		if _, dup := byID[a.ID]; dup {
			return fmt.Errorf("duplicate action ID %q", a.ID)
		}
		byID[a.ID] = a
	}
	for _, a := range actions {
		for _, dep := range a.Dependencies {
			if dep == a.ID {
				return fmt.Errorf("action %q depends on itself", a.ID)
			}
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("action %q depends on unknown action %q", a.ID, dep)
			}
		}
	}

	// Kahn's algorithm to reject dependency cycles.
	indeg := make(map[string]int, len(actions))
	for _, a := range actions {
		indeg[a.ID] = len(a.Dependencies)
	}
	var ready []string
	for id, n := range indeg {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	resolved := 0
	for len(ready) > 0 {
		id := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		resolved++
		for _, a := range actions {
			for _, dep := range a.Dependencies {
				if dep == id {
					indeg[a.ID]--
					if indeg[a.ID] == 0 {
						ready = append(ready, a.ID)
					}
				}
			}
		}
	}
	if resolved != len(actions) {
		var cyclic []string
		for id, n := range indeg {
			if n > 0 {
				cyclic = append(cyclic, id)
			}
		}
		return fmt.Errorf("dependency cycle among actions: %s", strings.Join(cyclic, ", "))
	}
	return nil
}

// DependencyUnmetError reports an attempt to complete an action before its
// dependencies.
type DependencyUnmetError struct {
	PlanID   uuid.UUID
	ActionID string
	Unmet    []string
}

func (e *DependencyUnmetError) Error() string {
	return fmt.Sprintf("plan %s: action %s has unmet dependencies: %s",
		e.PlanID, e.ActionID, strings.Join(e.Unmet, ", "))
}
