package compliance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"auditcore/internal/detection"
	"auditcore/internal/schema"

	"github.com/google/uuid"
)

var (
	ErrFrameworkNotFound   = errors.New("framework not found")
	ErrControlNotFound     = errors.New("control not found")
	ErrRequirementNotFound = errors.New("requirement not found")
	ErrGapNotFound         = errors.New("gap not found")

	// ErrFailingTest blocks advancing a control to an implemented status
	// while its most recent test result is a failure.
	ErrFailingTest = errors.New("latest test result is a failure")
)

// ConflictError reports an optimistic-lock version mismatch. Callers retry
// with a fresh read.
type ConflictError struct {
	Entity   string
	ID       string
	Expected uint64
	Actual   uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s %s: expected %d, found %d",
		e.Entity, e.ID, e.Expected, e.Actual)
}

// StatusError reports a rejected control status transition.
type StatusError struct {
	ControlID string
	From      ControlStatus
	To        ControlStatus
	Err       error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("control %s: cannot move from %s to %s: %v",
		e.ControlID, e.From, e.To, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Config holds compliance mapper parameters.
type Config struct {
	// EffectivenessFloor is the minimum control effectiveness before a gap
	// is raised.
	EffectivenessFloor float64 `yaml:"effectiveness_floor"`

	// CASRetries bounds optimistic-concurrency retries on evidence updates.
	CASRetries int `yaml:"cas_retries"`

	// GapDue maps gap severity to the remediation due offset.
	GapDue map[schema.Severity]time.Duration `yaml:"gap_due"`
}

// DefaultConfig returns the default mapper configuration.
func DefaultConfig() Config {
	return Config{
		EffectivenessFloor: 70,
		CASRetries:         3,
		GapDue: map[schema.Severity]time.Duration{
			schema.SeverityCritical: 7 * 24 * time.Hour,
			schema.SeverityHigh:     14 * 24 * time.Hour,
			schema.SeverityMedium:   30 * 24 * time.Hour,
			schema.SeverityLow:      90 * 24 * time.Hour,
		},
	}
}

// Mapper holds frameworks, controls, requirements and gaps in flat
// id-indexed tables and maps incoming evidence onto them. Evidence and gap
// updates use a compare-and-swap version counter instead of long-held locks.
type Mapper struct {
	cfg    Config
	logger *slog.Logger

	mu           sync.RWMutex
	frameworks   map[string]*Framework
	controls     map[string]*Control
	requirements map[string]*Requirement
	gaps         map[uuid.UUID]*Gap
	gapOrder     []uuid.UUID

	now func() time.Time
}

// NewMapper creates an empty mapper.
func NewMapper(cfg Config, logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CASRetries <= 0 {
		cfg.CASRetries = DefaultConfig().CASRetries
	}
	return &Mapper{
		cfg:          cfg,
		logger:       logger.With("component", "compliance_mapper"),
		frameworks:   make(map[string]*Framework),
		controls:     make(map[string]*Control),
		requirements: make(map[string]*Requirement),
		gaps:         make(map[uuid.UUID]*Gap),
		now:          time.Now,
	}
}

// AddFramework registers a framework definition.
func (m *Mapper) AddFramework(f *Framework) error {
	if err := f.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *f
	now := m.now()
	copied.CreatedAt = now
	copied.UpdatedAt = now
	m.frameworks[f.ID] = &copied
	return nil
}

// GetFramework returns a framework by ID.
func (m *Mapper) GetFramework(id string) (*Framework, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.frameworks[id]
	if !ok {
		return nil, ErrFrameworkNotFound
	}
	copied := *f
	copied.ControlIDs = append([]string(nil), f.ControlIDs...)
	copied.RequirementIDs = append([]string(nil), f.RequirementIDs...)
	return &copied, nil
}

// ListFrameworks returns all frameworks sorted by ID.
func (m *Mapper) ListFrameworks() []*Framework {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Framework, 0, len(m.frameworks))
	for _, f := range m.frameworks {
		copied := *f
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddControl registers a control under its framework.
func (m *Mapper) AddControl(c *Control) error {
	if err := c.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.frameworks[c.FrameworkID]
	if !ok {
		return ErrFrameworkNotFound
	}

	copied := c.clone()
	if copied.Status == "" {
		copied.Status = ControlNotStarted
	}
	copied.Version = 1
	copied.UpdatedAt = m.now()
	m.controls[c.ID] = copied
	if !containsString(f.ControlIDs, c.ID) {
		f.ControlIDs = append(f.ControlIDs, c.ID)
	}
	return nil
}

// GetControl returns a control by ID.
func (m *Mapper) GetControl(id string) (*Control, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.controls[id]
	if !ok {
		return nil, ErrControlNotFound
	}
	return c.clone(), nil
}

// ListControls returns a framework's controls sorted by ID.
func (m *Mapper) ListControls(frameworkID string) ([]*Control, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.frameworks[frameworkID]
	if !ok {
		return nil, ErrFrameworkNotFound
	}
	out := make([]*Control, 0, len(f.ControlIDs))
	for _, id := range f.ControlIDs {
		if c, ok := m.controls[id]; ok {
			out = append(out, c.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AddRequirement registers a requirement under its framework.
func (m *Mapper) AddRequirement(r *Requirement) error {
	if r.ID == "" {
		return fmt.Errorf("requirement ID is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.frameworks[r.FrameworkID]
	if !ok {
		return ErrFrameworkNotFound
	}

	copied := *r
	copied.ControlIDs = append([]string(nil), r.ControlIDs...)
	copied.Version = 1
	copied.UpdatedAt = m.now()
	m.requirements[r.ID] = &copied
	if !containsString(f.RequirementIDs, r.ID) {
		f.RequirementIDs = append(f.RequirementIDs, r.ID)
	}
	return nil
}

// GetRequirement returns a requirement by ID.
func (m *Mapper) GetRequirement(id string) (*Requirement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requirements[id]
	if !ok {
		return nil, ErrRequirementNotFound
	}
	copied := *r
	copied.ControlIDs = append([]string(nil), r.ControlIDs...)
	return &copied, nil
}

// commitControl writes a modified control back if its version is unchanged.
func (m *Mapper) commitControl(c *Control) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.controls[c.ID]
	if !ok {
		return ErrControlNotFound
	}
	if cur.Version != c.Version {
		return &ConflictError{Entity: "control", ID: c.ID, Expected: c.Version, Actual: cur.Version}
	}
	c.Version++
	c.UpdatedAt = m.now()
	m.controls[c.ID] = c
	return nil
}

// updateControl runs a read-modify-write cycle with CAS retries.
func (m *Mapper) updateControl(id string, fn func(*Control) error) error {
	var err error
	for i := 0; i < m.cfg.CASRetries; i++ {
		var c *Control
		c, err = m.GetControl(id)
		if err != nil {
			return err
		}
		if err = fn(c); err != nil {
			return err
		}
		err = m.commitControl(c)
		if err == nil {
			return nil
		}
		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			return err
		}
	}
	return err
}

// updateRequirement mirrors updateControl for requirements.
func (m *Mapper) updateRequirement(id string, fn func(*Requirement)) error {
	var err error
	for i := 0; i < m.cfg.CASRetries; i++ {
		var r *Requirement
		r, err = m.GetRequirement(id)
		if err != nil {
			return err
		}
		fn(r)

		m.mu.Lock()
		cur, ok := m.requirements[id]
		if !ok {
			m.mu.Unlock()
			return ErrRequirementNotFound
		}
		if cur.Version != r.Version {
			err = &ConflictError{Entity: "requirement", ID: id, Expected: r.Version, Actual: cur.Version}
			m.mu.Unlock()
			continue
		}
		r.Version++
		r.UpdatedAt = m.now()
		m.requirements[id] = r
		m.mu.Unlock()
		return nil
	}
	return err
}

// MapEvidence tallies an event (and optionally the detection it produced) as
// evidence on every control whose evidence categories match, and on the
// requirements referencing those controls.
func (m *Mapper) MapEvidence(ctx context.Context, event *schema.AuditEvent, d *detection.ThreatDetection) error {
	if event == nil {
		return fmt.Errorf("event is required")
	}

	categories := map[schema.Category]bool{event.Category: true}
	if d != nil && d.Category != "" {
		categories[d.Category] = true
	}

	m.mu.RLock()
	var matched []string
	for id, c := range m.controls {
		for _, cat := range c.EvidenceCategories {
			if categories[cat] {
				matched = append(matched, id)
				break
			}
		}
	}
	m.mu.RUnlock()
	sort.Strings(matched)

	at := event.Timestamp
	for _, id := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := m.updateControl(id, func(c *Control) error {
			c.EvidenceCount++
			c.LastEvidenceAt = &at
			return nil
		})
		if err != nil {
			return fmt.Errorf("mapping evidence to control %s: %w", id, err)
		}
		if err := m.bumpRequirements(id); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mapper) bumpRequirements(controlID string) error {
	m.mu.RLock()
	var reqIDs []string
	for id, r := range m.requirements {
		if containsString(r.ControlIDs, controlID) {
			reqIDs = append(reqIDs, id)
		}
	}
	m.mu.RUnlock()
	sort.Strings(reqIDs)

	for _, id := range reqIDs {
		if err := m.updateRequirement(id, func(r *Requirement) { r.EvidenceCount++ }); err != nil {
			return fmt.Errorf("mapping evidence to requirement %s: %w", id, err)
		}
	}
	return nil
}

// AdvanceControl moves a control's implementation status forward. This is
// the only write path into control status; remediation completion calls it
// too. Moving into an implemented status is rejected while the latest test
// is a failure.
func (m *Mapper) AdvanceControl(controlID string, status ControlStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("unknown control status %q", status)
	}
	return m.updateControl(controlID, func(c *Control) error {
		if status == ControlNotApplicable {
			if c.Status.Implemented() {
				return &StatusError{ControlID: c.ID, From: c.Status, To: status,
					Err: errors.New("implemented controls cannot become not_applicable")}
			}
			c.Status = status
			return nil
		}
		if c.Status == ControlNotApplicable {
			return &StatusError{ControlID: c.ID, From: c.Status, To: status,
				Err: errors.New("not_applicable controls do not progress")}
		}
		if status.rank() <= c.Status.rank() {
			return &StatusError{ControlID: c.ID, From: c.Status, To: status,
				Err: errors.New("status only moves forward")}
		}
		if status.Implemented() {
			if t := c.LatestTest(); t != nil && !t.Passed {
				return &StatusError{ControlID: c.ID, From: c.Status, To: status, Err: ErrFailingTest}
			}
		}
		c.Status = status
		return nil
	})
}

// RecordTest appends a test result. A failing test on an implemented control
// demotes it to in_progress.
func (m *Mapper) RecordTest(controlID string, result TestResult) error {
	return m.updateControl(controlID, func(c *Control) error {
		c.TestResults = append(c.TestResults, result)
		if !result.Passed && c.Status.Implemented() {
			c.Status = ControlInProgress
		}
		return nil
	})
}

// Score derives the framework's compliance percentage: controls that are
// implemented with a passing latest test, over applicable controls. It is
// never persisted.
func (m *Mapper) Score(frameworkID string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.frameworks[frameworkID]
	if !ok {
		return 0, ErrFrameworkNotFound
	}

	var applicable, passing int
	for _, id := range f.ControlIDs {
		c, ok := m.controls[id]
		if !ok || c.Status == ControlNotApplicable {
			continue
		}
		applicable++
		if t := c.LatestTest(); c.Status.Implemented() && t != nil && t.Passed {
			passing++
		}
	}
	if applicable == 0 {
		return 0, nil
	}
	return float64(passing) / float64(applicable) * 100, nil
}

// FindGaps scans a framework's controls and raises gaps for any that are
// not implemented, overdue for testing, or below the effectiveness floor.
// An existing open gap for the same control and reason is reused; the
// returned list is every non-terminal gap for the framework.
func (m *Mapper) FindGaps(frameworkID string, now time.Time) ([]*Gap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.frameworks[frameworkID]
	if !ok {
		return nil, ErrFrameworkNotFound
	}

	for _, id := range f.ControlIDs {
		c, ok := m.controls[id]
		if !ok || c.Status == ControlNotApplicable {
			continue
		}

		if !c.Status.Implemented() {
			m.raiseGapLocked(c, GapNotImplemented,
				fmt.Sprintf("control %s is %s", c.ID, c.Status), now)
		}
		if c.TestingCadence > 0 {
			t := c.LatestTest()
			if t == nil || now.Sub(t.TestedAt) > c.TestingCadence {
				m.raiseGapLocked(c, GapStaleTest,
					fmt.Sprintf("control %s has no test within its cadence", c.ID), now)
			}
		}
		if c.Effectiveness < m.cfg.EffectivenessFloor {
			m.raiseGapLocked(c, GapLowEffectiveness,
				fmt.Sprintf("control %s effectiveness %.0f below floor %.0f",
					c.ID, c.Effectiveness, m.cfg.EffectivenessFloor), now)
		}
	}

	var out []*Gap
	for _, id := range m.gapOrder {
		g := m.gaps[id]
		if g.FrameworkID == frameworkID && !g.Status.Terminal() {
			out = append(out, g.clone())
		}
	}
	return out, nil
}

func (m *Mapper) raiseGapLocked(c *Control, reason GapReason, desc string, now time.Time) {
	for _, id := range m.gapOrder {
		g := m.gaps[id]
		if g.ControlID == c.ID && g.Reason == reason && !g.Status.Terminal() {
			return
		}
	}

	severity := c.RiskRating
	if severity == "" {
		severity = schema.SeverityMedium
	}
	due, ok := m.cfg.GapDue[severity]
	if !ok {
		due = 30 * 24 * time.Hour
	}

	g := &Gap{
		ID:          uuid.New(),
		FrameworkID: c.FrameworkID,
		ControlID:   c.ID,
		Reason:      reason,
		Severity:    severity,
		Description: desc,
		Status:      GapOpen,
		DueDate:     now.Add(due),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.gaps[g.ID] = g
	m.gapOrder = append(m.gapOrder, g.ID)
	m.logger.Info("gap raised",
		"gap_id", g.ID, "control_id", c.ID, "reason", reason, "severity", severity)
}

// GetGap returns a gap by ID.
func (m *Mapper) GetGap(id uuid.UUID) (*Gap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.gaps[id]
	if !ok {
		return nil, ErrGapNotFound
	}
	return g.clone(), nil
}

// ListGaps returns gaps for a framework in creation order; an empty
// framework ID returns everything.
func (m *Mapper) ListGaps(frameworkID string) []*Gap {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Gap
	for _, id := range m.gapOrder {
		g := m.gaps[id]
		if frameworkID == "" || g.FrameworkID == frameworkID {
			out = append(out, g.clone())
		}
	}
	return out
}

// SetGapPlan links a remediation plan to a gap and moves it in progress.
func (m *Mapper) SetGapPlan(gapID, planID uuid.UUID) error {
	return m.updateGap(gapID, func(g *Gap) error {
		if g.Status.Terminal() {
			return fmt.Errorf("gap %s is %s", g.ID, g.Status)
		}
		g.PlanID = planID
		if g.Status == GapOpen {
			g.Status = GapInProgress
		}
		return nil
	})
}

// ResolveGap marks a gap resolved.
func (m *Mapper) ResolveGap(gapID uuid.UUID) error {
	return m.updateGap(gapID, func(g *Gap) error {
		if g.Status.Terminal() {
			return fmt.Errorf("gap %s is already %s", g.ID, g.Status)
		}
		g.Status = GapResolved
		return nil
	})
}

// AcceptGapRisk closes a gap as accepted risk.
func (m *Mapper) AcceptGapRisk(gapID uuid.UUID) error {
	return m.updateGap(gapID, func(g *Gap) error {
		if g.Status.Terminal() {
			return fmt.Errorf("gap %s is already %s", g.ID, g.Status)
		}
		g.Status = GapAcceptedRisk
		return nil
	})
}

func (m *Mapper) updateGap(id uuid.UUID, fn func(*Gap) error) error {
	var err error
	for i := 0; i < m.cfg.CASRetries; i++ {
		var g *Gap
		g, err = m.GetGap(id)
		if err != nil {
			return err
		}
		if err = fn(g); err != nil {
			return err
		}

		m.mu.Lock()
		cur, ok := m.gaps[id]
		if !ok {
			m.mu.Unlock()
			return ErrGapNotFound
		}
		if cur.Version != g.Version {
			err = &ConflictError{Entity: "gap", ID: id.String(), Expected: g.Version, Actual: cur.Version}
			m.mu.Unlock()
			continue
		}
		g.Version++
		g.UpdatedAt = m.now()
		m.gaps[id] = g
		m.mu.Unlock()
		return nil
	}
	return err
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
