package remediation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"auditcore/internal/compliance"

	"github.com/google/uuid"
)

var (
	ErrPlanNotFound   = errors.New("plan not found")
	ErrActionNotFound = errors.New("action not found")
)

// ComplianceUpdater is the write-back surface into the compliance mapper.
// Plan completion is the only path that advances control status from here.
type ComplianceUpdater interface {
	SetGapPlan(gapID, planID uuid.UUID) error
	ResolveGap(gapID uuid.UUID) error
	AdvanceControl(controlID string, status compliance.ControlStatus) error
}

// Tracker manages remediation plans and their action lifecycles.
type Tracker struct {
	compliance ComplianceUpdater
	logger     *slog.Logger

	mu    sync.RWMutex
	plans map[uuid.UUID]*Plan
	order []uuid.UUID

	now func() time.Time
}

// NewTracker creates a tracker writing back into the given compliance
// mapper.
func NewTracker(cu ComplianceUpdater, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		compliance: cu,
		logger:     logger.With("component", "remediation_tracker"),
		plans:      make(map[uuid.UUID]*Plan),
		now:        time.Now,
	}
}

// CreatePlan opens a remediation plan for a gap and links it back.
func (t *Tracker) CreatePlan(gap *compliance.Gap, name string, actions []*Action) (*Plan, error) {
	if gap == nil {
		return nil, fmt.Errorf("gap is required")
	}
	if err := validateActions(actions); err != nil {
		return nil, err
	}

	now := t.now()
	p := &Plan{
		ID:        uuid.New(),
		GapID:     gap.ID,
		ControlID: gap.ControlID,
		Name:      name,
		Status:    PlanInProgress,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, a := range actions {
		ac := *a
		if ac.Status == "" {
			ac.Status = ActionPending
		}
		ac.Dependencies = append([]string(nil), a.Dependencies...)
		p.Actions = append(p.Actions, &ac)
	}

	if t.compliance != nil {
		if err := t.compliance.SetGapPlan(gap.ID, p.ID); err != nil {
			return nil, fmt.Errorf("linking plan to gap %s: %w", gap.ID, err)
		}
	}

	t.mu.Lock()
	t.plans[p.ID] = p
	t.order = append(t.order, p.ID)
	t.mu.Unlock()

	t.logger.Info("remediation plan created",
		"plan_id", p.ID, "gap_id", gap.ID, "control_id", gap.ControlID, "actions", len(p.Actions))
	return p.clone(), nil
}

// GetPlan returns a plan by ID.
func (t *Tracker) GetPlan(id uuid.UUID) (*Plan, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return p.clone(), nil
}

// ListPlans returns all plans in creation order.
func (t *Tracker) ListPlans() []*Plan {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Plan, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.plans[id].clone())
	}
	return out
}

// Approve records plan approval.
func (t *Tracker) Approve(planID uuid.UUID, approver string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.plans[planID]
	if !ok {
		return ErrPlanNotFound
	}
	now := t.now()
	p.ApprovedBy = approver
	p.ApprovedAt = &now
	p.UpdatedAt = now
	return nil
}

// validActionTransitions maps each status to its permitted successors.
var validActionTransitions = map[ActionStatus][]ActionStatus{
	ActionPending:    {ActionInProgress, ActionBlocked},
	ActionInProgress: {ActionCompleted, ActionBlocked},
	ActionBlocked:    {ActionInProgress},
	ActionCompleted:  {},
}

// Advance moves an action to a new status. Completing an action whose
// dependencies are not all completed fails with DependencyUnmetError. The
// plan's aggregate status is recomputed on every transition; when the whole
// plan completes, the gap resolves and the control advances.
func (t *Tracker) Advance(planID uuid.UUID, actionID string, status ActionStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("unknown action status %q", status)
	}

	t.mu.Lock()
	p, ok := t.plans[planID]
	if !ok {
		t.mu.Unlock()
		return ErrPlanNotFound
	}
	a := p.action(actionID)
	if a == nil {
		t.mu.Unlock()
		return ErrActionNotFound
	}

	if !transitionAllowed(a.Status, status) {
		t.mu.Unlock()
		return fmt.Errorf("plan %s: action %s cannot move from %s to %s",
			planID, actionID, a.Status, status)
	}
	if status == ActionCompleted {
		if unmet := p.unmetDependencies(a); len(unmet) > 0 {
			t.mu.Unlock()
			return &DependencyUnmetError{PlanID: planID, ActionID: actionID, Unmet: unmet}
		}
	}

	now := t.now()
	a.Status = status
	if status == ActionCompleted {
		a.CompletedAt = &now
	}
	p.recomputeStatus(now)
	p.UpdatedAt = now
	planDone := p.Status == PlanCompleted
	gapID := p.GapID
	controlID := p.ControlID
	t.mu.Unlock()

	if planDone {
		t.completePlan(planID, gapID, controlID)
	}
	return nil
}

// completePlan resolves the gap and advances the control after the last
// action completes.
func (t *Tracker) completePlan(planID, gapID uuid.UUID, controlID string) {
	t.logger.Info("remediation plan completed", "plan_id", planID, "gap_id", gapID)
	if t.compliance == nil {
		return
	}
	if err := t.compliance.ResolveGap(gapID); err != nil {
		t.logger.Warn("resolving gap failed", "gap_id", gapID, "error", err)
	}
	if controlID == "" {
		return
	}
	if err := t.compliance.AdvanceControl(controlID, compliance.ControlCompleted); err != nil {
		t.logger.Warn("advancing control failed", "control_id", controlID, "error", err)
	}
}

func transitionAllowed(from, to ActionStatus) bool {
	for _, s := range validActionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
