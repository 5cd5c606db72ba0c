package compliance

import (
	"context"
	"errors"
	"testing"
	"time"

	"auditcore/internal/schema"

	"github.com/google/uuid"
)

var testBase = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newTestMapper(t *testing.T) *Mapper {
	t.Helper()
	m := NewMapper(DefaultConfig(), nil)
	m.now = func() time.Time { return testBase }

	if err := m.AddFramework(&Framework{ID: "soc2", Name: "SOC 2 Type II"}); err != nil {
		t.Fatalf("AddFramework() = %v", err)
	}
	return m
}

func addControl(t *testing.T, m *Mapper, id string, status ControlStatus) {
	t.Helper()
	err := m.AddControl(&Control{
		ID:                 id,
		FrameworkID:        "soc2",
		Name:               "Control " + id,
		Status:             status,
		EvidenceCategories: []schema.Category{schema.CategoryAuthentication},
		TestingCadence:     90 * 24 * time.Hour,
		Effectiveness:      85,
		RiskRating:         schema.SeverityHigh,
	})
	if err != nil {
		t.Fatalf("AddControl(%s) = %v", id, err)
	}
}

func TestScoreMonotonicity(t *testing.T) {
	m := newTestMapper(t)
	addControl(t, m, "cc-1.1", ControlInProgress)
	addControl(t, m, "cc-1.2", ControlCompleted)
	if err := m.RecordTest("cc-1.2", TestResult{TestedAt: testBase, Passed: true}); err != nil {
		t.Fatalf("RecordTest() = %v", err)
	}

	before, err := m.Score("soc2")
	if err != nil {
		t.Fatalf("Score() = %v", err)
	}

	// Implement the second control with a passing test: strictly higher.
	if err := m.RecordTest("cc-1.1", TestResult{TestedAt: testBase, Passed: true}); err != nil {
		t.Fatalf("RecordTest() = %v", err)
	}
	if err := m.AdvanceControl("cc-1.1", ControlCompleted); err != nil {
		t.Fatalf("AdvanceControl() = %v", err)
	}
	after, err := m.Score("soc2")
	if err != nil {
		t.Fatalf("Score() = %v", err)
	}
	if after <= before {
		t.Errorf("score after implementing with passing test = %v, want > %v", after, before)
	}

	// A failing test on a passing control: strictly lower.
	if err := m.RecordTest("cc-1.2", TestResult{TestedAt: testBase.Add(time.Hour), Passed: false}); err != nil {
		t.Fatalf("RecordTest() = %v", err)
	}
	failed, err := m.Score("soc2")
	if err != nil {
		t.Fatalf("Score() = %v", err)
	}
	if failed >= after {
		t.Errorf("score after failing test = %v, want < %v", failed, after)
	}
}

func TestScoreExcludesNotApplicable(t *testing.T) {
	m := newTestMapper(t)
	addControl(t, m, "cc-1.1", ControlCompleted)
	addControl(t, m, "cc-1.2", ControlNotApplicable)
	if err := m.RecordTest("cc-1.1", TestResult{TestedAt: testBase, Passed: true}); err != nil {
		t.Fatalf("RecordTest() = %v", err)
	}

	score, err := m.Score("soc2")
	if err != nil {
		t.Fatalf("Score() = %v", err)
	}
	if score != 100 {
		t.Errorf("Score() = %v, want 100 (not_applicable excluded from denominator)", score)
	}
}

func TestAdvanceControlRejectsImplementedWithFailingTest(t *testing.T) {
	m := newTestMapper(t)
	addControl(t, m, "cc-1.1", ControlInProgress)
	if err := m.RecordTest("cc-1.1", TestResult{TestedAt: testBase, Passed: false}); err != nil {
		t.Fatalf("RecordTest() = %v", err)
	}

	err := m.AdvanceControl("cc-1.1", ControlCompleted)
	if !errors.Is(err, ErrFailingTest) {
		t.Errorf("AdvanceControl() = %v, want ErrFailingTest", err)
	}

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error %T does not unwrap to *StatusError", err)
	}
	if statusErr.ControlID != "cc-1.1" {
		t.Errorf("StatusError.ControlID = %q", statusErr.ControlID)
	}
}

func TestAdvanceControlForwardOnly(t *testing.T) {
	m := newTestMapper(t)
	addControl(t, m, "cc-1.1", ControlCompleted)

	if err := m.AdvanceControl("cc-1.1", ControlInProgress); err == nil {
		t.Error("moving a control backwards succeeded")
	}
	if err := m.AdvanceControl("cc-1.1", ControlVerified); err != nil {
		t.Errorf("AdvanceControl(verified) = %v", err)
	}
}

func TestRecordFailingTestDemotesControl(t *testing.T) {
	m := newTestMapper(t)
	addControl(t, m, "cc-1.1", ControlVerified)

	if err := m.RecordTest("cc-1.1", TestResult{TestedAt: testBase, Passed: false}); err != nil {
		t.Fatalf("RecordTest() = %v", err)
	}
	c, err := m.GetControl("cc-1.1")
	if err != nil {
		t.Fatalf("GetControl() = %v", err)
	}
	if c.Status != ControlInProgress {
		t.Errorf("Status after failing test = %s, want in_progress", c.Status)
	}
}

func TestMapEvidenceIncrementsMatchingControls(t *testing.T) {
	m := newTestMapper(t)
	addControl(t, m, "cc-1.1", ControlInProgress)
	if err := m.AddRequirement(&Requirement{
		ID: "req-1", FrameworkID: "soc2", Name: "Access control",
		ControlIDs: []string{"cc-1.1"},
	}); err != nil {
		t.Fatalf("AddRequirement() = %v", err)
	}

	event := &schema.AuditEvent{
		EventID:   uuid.New(),
		Timestamp: testBase,
		Category:  schema.CategoryAuthentication,
	}
	if err := m.MapEvidence(context.Background(), event, nil); err != nil {
		t.Fatalf("MapEvidence() = %v", err)
	}

	c, _ := m.GetControl("cc-1.1")
	if c.EvidenceCount != 1 {
		t.Errorf("control EvidenceCount = %d, want 1", c.EvidenceCount)
	}
	if c.LastEvidenceAt == nil || !c.LastEvidenceAt.Equal(testBase) {
		t.Errorf("LastEvidenceAt = %v, want %v", c.LastEvidenceAt, testBase)
	}
	r, _ := m.GetRequirement("req-1")
	if r.EvidenceCount != 1 {
		t.Errorf("requirement EvidenceCount = %d, want 1", r.EvidenceCount)
	}

	// A non-matching category leaves counts alone.
	event.Category = schema.CategorySystem
	if err := m.MapEvidence(context.Background(), event, nil); err != nil {
		t.Fatalf("MapEvidence() = %v", err)
	}
	c, _ = m.GetControl("cc-1.1")
	if c.EvidenceCount != 1 {
		t.Errorf("EvidenceCount after non-matching event = %d, want 1", c.EvidenceCount)
	}
}

func TestCommitControlConflict(t *testing.T) {
	m := newTestMapper(t)
	addControl(t, m, "cc-1.1", ControlInProgress)

	stale, _ := m.GetControl("cc-1.1")
	fresh, _ := m.GetControl("cc-1.1")
	fresh.EvidenceCount++
	if err := m.commitControl(fresh); err != nil {
		t.Fatalf("first commit = %v", err)
	}

	stale.EvidenceCount++
	err := m.commitControl(stale)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("stale commit = %v, want *ConflictError", err)
	}
}

func TestFindGaps(t *testing.T) {
	m := newTestMapper(t)
	addControl(t, m, "cc-1.1", ControlInProgress) // not implemented
	addControl(t, m, "cc-1.2", ControlCompleted)  // stale test
	if err := m.RecordTest("cc-1.2", TestResult{TestedAt: testBase.Add(-365 * 24 * time.Hour), Passed: true}); err != nil {
		t.Fatalf("RecordTest() = %v", err)
	}

	gaps, err := m.FindGaps("soc2", testBase)
	if err != nil {
		t.Fatalf("FindGaps() = %v", err)
	}

	reasons := make(map[string][]GapReason)
	for _, g := range gaps {
		reasons[g.ControlID] = append(reasons[g.ControlID], g.Reason)
		if g.Severity != schema.SeverityHigh {
			t.Errorf("gap %s severity = %s, want high (from control risk rating)", g.ID, g.Severity)
		}
		if g.Status != GapOpen {
			t.Errorf("gap %s status = %s, want open", g.ID, g.Status)
		}
	}
	if !hasReason(reasons["cc-1.1"], GapNotImplemented) {
		t.Error("no not_implemented gap for cc-1.1")
	}
	if !hasReason(reasons["cc-1.1"], GapStaleTest) {
		t.Error("no stale_test gap for untested cc-1.1")
	}
	if !hasReason(reasons["cc-1.2"], GapStaleTest) {
		t.Error("no stale_test gap for cc-1.2")
	}

	// Rescanning reuses open gaps instead of duplicating them.
	again, err := m.FindGaps("soc2", testBase.Add(time.Hour))
	if err != nil {
		t.Fatalf("FindGaps() = %v", err)
	}
	if len(again) != len(gaps) {
		t.Errorf("second scan returned %d gaps, want %d", len(again), len(gaps))
	}
}

func TestGapLifecycle(t *testing.T) {
	m := newTestMapper(t)
	addControl(t, m, "cc-1.1", ControlInProgress)

	gaps, err := m.FindGaps("soc2", testBase)
	if err != nil || len(gaps) == 0 {
		t.Fatalf("FindGaps() = %v, %d gaps", err, len(gaps))
	}
	gapID := gaps[0].ID
	planID := uuid.New()

	if err := m.SetGapPlan(gapID, planID); err != nil {
		t.Fatalf("SetGapPlan() = %v", err)
	}
	g, _ := m.GetGap(gapID)
	if g.Status != GapInProgress || g.PlanID != planID {
		t.Errorf("gap after SetGapPlan: status=%s plan=%s", g.Status, g.PlanID)
	}

	if err := m.ResolveGap(gapID); err != nil {
		t.Fatalf("ResolveGap() = %v", err)
	}
	if err := m.ResolveGap(gapID); err == nil {
		t.Error("resolving a resolved gap succeeded")
	}
}

func hasReason(reasons []GapReason, want GapReason) bool {
	for _, r := range reasons {
		if r == want {
			return true
		}
	}
	return false
}
