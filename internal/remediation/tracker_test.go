package remediation

import (
	"errors"
	"testing"
	"time"

	"auditcore/internal/compliance"
	"auditcore/internal/schema"

	"github.com/google/uuid"
)

var testBase = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func testGap() *compliance.Gap {
	return &compliance.Gap{
		ID:        uuid.New(),
		ControlID: "cc-1.1",
		Severity:  schema.SeverityHigh,
		Status:    compliance.GapOpen,
		DueDate:   testBase.Add(14 * 24 * time.Hour),
	}
}

func testActions() []*Action {
	return []*Action{
		{ID: "design", Name: "Design MFA rollout", Owner: "alice", DueDate: testBase.Add(7 * 24 * time.Hour)},
		{ID: "deploy", Name: "Deploy MFA", Owner: "bob", DueDate: testBase.Add(10 * 24 * time.Hour),
			Dependencies: []string{"design"}},
		{ID: "verify", Name: "Verify enrollment", Owner: "alice", DueDate: testBase.Add(14 * 24 * time.Hour),
			Dependencies: []string{"deploy"}},
	}
}

// fakeCompliance records write-backs from the tracker.
type fakeCompliance struct {
	linkedGap    uuid.UUID
	linkedPlan   uuid.UUID
	resolvedGaps []uuid.UUID
	advanced     []string
	advanceErr   error
}

func (f *fakeCompliance) SetGapPlan(gapID, planID uuid.UUID) error {
	f.linkedGap, f.linkedPlan = gapID, planID
	return nil
}

func (f *fakeCompliance) ResolveGap(gapID uuid.UUID) error {
	f.resolvedGaps = append(f.resolvedGaps, gapID)
	return nil
}

func (f *fakeCompliance) AdvanceControl(controlID string, status compliance.ControlStatus) error {
	if f.advanceErr != nil {
		return f.advanceErr
	}
	f.advanced = append(f.advanced, controlID+":"+string(status))
	return nil
}

func newTestTracker(cu ComplianceUpdater) *Tracker {
	t := NewTracker(cu, nil)
	t.now = func() time.Time { return testBase }
	return t
}

func TestCreatePlanLinksGap(t *testing.T) {
	fc := &fakeCompliance{}
	tr := newTestTracker(fc)
	gap := testGap()

	p, err := tr.CreatePlan(gap, "MFA rollout", testActions())
	if err != nil {
		t.Fatalf("CreatePlan() = %v", err)
	}
	if p.Status != PlanInProgress {
		t.Errorf("Status = %s, want in_progress", p.Status)
	}
	if fc.linkedGap != gap.ID || fc.linkedPlan != p.ID {
		t.Errorf("gap link = (%s, %s), want (%s, %s)", fc.linkedGap, fc.linkedPlan, gap.ID, p.ID)
	}
	for _, a := range p.Actions {
		if a.Status != ActionPending {
			t.Errorf("action %s status = %s, want pending", a.ID, a.Status)
		}
	}
}

func TestCreatePlanRejectsBadActions(t *testing.T) {
	tr := newTestTracker(nil)
	gap := testGap()

	tests := []struct {
		name    string
		actions []*Action
	}{
		{"no actions", nil},
		{"duplicate IDs", []*Action{{ID: "a"}, {ID: "a"}}},
		{"unknown dependency", []*Action{{ID: "a", Dependencies: []string{"ghost"}}}},
		{"self dependency", []*Action{{ID: "a", Dependencies: []string{"a"}}}},
		{"dependency cycle", []*Action{
			{ID: "a", Dependencies: []string{"b"}},
			{ID: "b", Dependencies: []string{"a"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tr.CreatePlan(gap, "bad", tt.actions); err == nil {
				t.Error("CreatePlan() succeeded, want error")
			}
		})
	}
}

func TestAdvanceBlocksUnmetDependencies(t *testing.T) {
	tr := newTestTracker(&fakeCompliance{})
	p, err := tr.CreatePlan(testGap(), "MFA rollout", testActions())
	if err != nil {
		t.Fatalf("CreatePlan() = %v", err)
	}

	if err := tr.Advance(p.ID, "deploy", ActionInProgress); err != nil {
		t.Fatalf("Advance(deploy, in_progress) = %v", err)
	}
	err = tr.Advance(p.ID, "deploy", ActionCompleted)
	var unmet *DependencyUnmetError
	if !errors.As(err, &unmet) {
		t.Fatalf("Advance(deploy, completed) = %v, want *DependencyUnmetError", err)
	}
	if len(unmet.Unmet) != 1 || unmet.Unmet[0] != "design" {
		t.Errorf("Unmet = %v, want [design]", unmet.Unmet)
	}

	got, _ := tr.GetPlan(p.ID)
	if got.Status == PlanCompleted {
		t.Error("plan reports completed with an unmet dependency")
	}
}

func TestAdvanceRejectsInvalidTransition(t *testing.T) {
	tr := newTestTracker(&fakeCompliance{})
	p, _ := tr.CreatePlan(testGap(), "MFA rollout", testActions())

	if err := tr.Advance(p.ID, "design", ActionCompleted); err == nil {
		t.Error("pending -> completed succeeded, want transition error")
	}
}

func TestPlanCompletionResolvesGapAndAdvancesControl(t *testing.T) {
	fc := &fakeCompliance{}
	tr := newTestTracker(fc)
	gap := testGap()
	p, err := tr.CreatePlan(gap, "MFA rollout", testActions())
	if err != nil {
		t.Fatalf("CreatePlan() = %v", err)
	}

	for _, id := range []string{"design", "deploy", "verify"} {
		if err := tr.Advance(p.ID, id, ActionInProgress); err != nil {
			t.Fatalf("Advance(%s, in_progress) = %v", id, err)
		}
		if err := tr.Advance(p.ID, id, ActionCompleted); err != nil {
			t.Fatalf("Advance(%s, completed) = %v", id, err)
		}
	}

	got, _ := tr.GetPlan(p.ID)
	if got.Status != PlanCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}
	if len(fc.resolvedGaps) != 1 || fc.resolvedGaps[0] != gap.ID {
		t.Errorf("resolved gaps = %v, want [%s]", fc.resolvedGaps, gap.ID)
	}
	if len(fc.advanced) != 1 || fc.advanced[0] != "cc-1.1:completed" {
		t.Errorf("advanced controls = %v, want [cc-1.1:completed]", fc.advanced)
	}
}

func TestPlanAtRiskWhenBlockedPastDue(t *testing.T) {
	tr := newTestTracker(&fakeCompliance{})
	p, _ := tr.CreatePlan(testGap(), "MFA rollout", testActions())

	// Block the first action, then move past its due date.
	if err := tr.Advance(p.ID, "design", ActionBlocked); err != nil {
		t.Fatalf("Advance(design, blocked) = %v", err)
	}
	tr.now = func() time.Time { return testBase.Add(8 * 24 * time.Hour) }
	if err := tr.Advance(p.ID, "deploy", ActionInProgress); err != nil {
		t.Fatalf("Advance(deploy, in_progress) = %v", err)
	}

	got, _ := tr.GetPlan(p.ID)
	if got.Status != PlanAtRisk {
		t.Errorf("Status = %s, want at_risk", got.Status)
	}
}

func TestAdvanceControlFailureDoesNotFailPlan(t *testing.T) {
	fc := &fakeCompliance{advanceErr: compliance.ErrFailingTest}
	tr := newTestTracker(fc)
	gap := testGap()
	p, _ := tr.CreatePlan(gap, "MFA rollout", testActions())

	for _, id := range []string{"design", "deploy", "verify"} {
		tr.Advance(p.ID, id, ActionInProgress)
		if err := tr.Advance(p.ID, id, ActionCompleted); err != nil {
			t.Fatalf("Advance(%s, completed) = %v", id, err)
		}
	}
	got, _ := tr.GetPlan(p.ID)
	if got.Status != PlanCompleted {
		t.Errorf("Status = %s, want completed despite control advance failure", got.Status)
	}
}
