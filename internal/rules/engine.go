package rules

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"auditcore/internal/detection"
	"auditcore/internal/schema"

	"github.com/google/uuid"
)

// ErrRuleNotFound indicates the requested rule does not exist.
var ErrRuleNotFound = fmt.Errorf("rule not found")

// EngineConfig holds configuration for the rule engine.
type EngineConfig struct {
	// SeenTTL bounds how long an (event, rule) evaluation is remembered
	// for idempotent re-delivery.
	SeenTTL time.Duration `yaml:"seen_ttl"`

	// MaxSeen caps the idempotence index size.
	MaxSeen int `yaml:"max_seen"`
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		SeenTTL: 30 * time.Minute,
		MaxSeen: 100000,
	}
}

// Engine evaluates detection rules against events.
//
// Condition evaluation order: conditions fold strictly left to right with
// no precedence. The running boolean combines each condition via its
// combinator (acc = acc AND next, acc = acc OR next); "not" negates the
// predicate of the condition it is attached to before conjoining, and a
// nested condition list folds the same way and joins as one condition. An
// and-joined condition contributes its weight when its own (possibly
// negated) predicate holds; an or-joined condition contributes its weight
// when the fold holds after it is combined, so a satisfied earlier branch
// of the disjunction earns the weight too. The rule fires when the summed
// weight is greater than or equal to the rule's alert threshold.
type Engine struct {
	mu     sync.RWMutex
	rules  map[string]*DetectionRule
	seen   map[string]time.Time
	config EngineConfig
	logger *slog.Logger

	now func() time.Time
}

// NewEngine creates a rule engine.
func NewEngine(cfg EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		rules:  make(map[string]*DetectionRule),
		seen:   make(map[string]time.Time),
		config: cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// UpsertRule adds or replaces a rule, bumping its version on replace.
// Changes take effect on the next evaluation; historical events are never
// re-scored.
func (e *Engine) UpsertRule(rule *DetectionRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	copied := *rule
	if existing, ok := e.rules[rule.ID]; ok {
		copied.Version = existing.Version + 1
		copied.CreatedAt = existing.CreatedAt
	} else {
		copied.Version = 1
		copied.CreatedAt = now
	}
	copied.UpdatedAt = now
	if copied.Status == "" {
		copied.Status = StatusActive
	}
	e.rules[rule.ID] = &copied
	return nil
}

// DeleteRule removes a rule.
func (e *Engine) DeleteRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.rules[id]; !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	delete(e.rules, id)
	return nil
}

// GetRule fetches a rule by id.
func (e *Engine) GetRule(id string) (*DetectionRule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rule, ok := e.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	copied := *rule
	return &copied, nil
}

// ListRules returns all rules ordered by id.
func (e *Engine) ListRules() []*DetectionRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*DetectionRule, 0, len(e.rules))
	for _, rule := range e.rules {
		copied := *rule
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetStatus changes a rule's lifecycle status.
func (e *Engine) SetStatus(id string, status Status) error {
	if !status.IsValid() {
		return fmt.Errorf("unknown status %q", status)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rule, ok := e.rules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	rule.Status = status
	rule.Version++
	rule.UpdatedAt = e.now()
	return nil
}

// Evaluation is the outcome of evaluating one rule against one event.
// Matched is the result of the left-to-right combinator fold; Fired is the
// weighted-threshold decision.
type Evaluation struct {
	Rule            *DetectionRule
	SatisfiedWeight float64
	TotalWeight     float64
	Matched         bool
	Fired           bool
}

// EvaluateRule evaluates a single rule against an event. See the Engine
// documentation for the exact condition evaluation order.
func EvaluateRule(rule *DetectionRule, event *schema.AuditEvent) Evaluation {
	ev := Evaluation{Rule: rule}

	// A rule with zero conditions never fires.
	if len(rule.Conditions) == 0 {
		return ev
	}

	ev.Matched, ev.SatisfiedWeight, ev.TotalWeight = foldConditions(rule.Conditions, event)
	ev.Fired = ev.SatisfiedWeight >= rule.AlertThreshold
	return ev
}

// foldConditions runs the left-to-right combinator fold over a condition
// list, returning the fold result plus satisfied and total weights. Nested
// groups recurse; only the group's own weight counts at the outer level.
func foldConditions(conds []Condition, event *schema.AuditEvent) (acc bool, satisfied, total float64) {
	for i := range conds {
		cond := &conds[i]

		var holds bool
		if cond.IsGroup() {
			holds, _, _ = foldConditions(cond.Conditions, event)
		} else {
			holds = cond.Match(FieldValue(event, cond.Field))
		}
		if cond.Combinator == CombinatorNot {
			holds = !holds
		}

		total += cond.Weight
		switch {
		case i == 0:
			acc = holds
			if holds {
				satisfied += cond.Weight
			}
		case cond.Combinator == CombinatorOr:
			acc = acc || holds
			if acc {
				satisfied += cond.Weight
			}
		default:
			acc = acc && holds
			if holds {
				satisfied += cond.Weight
			}
		}
	}
	return acc, satisfied, total
}

// Evaluate runs every active and testing rule against the event and returns
// the resulting detections. Evaluation is idempotent per (event, rule):
// re-delivered events produce no duplicate detections.
func (e *Engine) Evaluate(event *schema.AuditEvent) []*detection.ThreatDetection {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pruneSeenLocked()

	var detections []*detection.ThreatDetection
	now := e.now()

	for _, rule := range e.rules {
		if rule.Status == StatusInactive {
			continue
		}

		seenKey := event.EventID.String() + "/" + rule.ID
		if _, done := e.seen[seenKey]; done {
			continue
		}

		ev := EvaluateRule(rule, event)
		e.seen[seenKey] = now
		if !ev.Fired {
			continue
		}

		d := e.buildDetection(rule, event, ev, now)
		if d.Shadow {
			e.logger.Info("shadow detection",
				"rule_id", rule.ID,
				"rule_name", rule.Name,
				"event_id", event.EventID,
				"confidence", d.Confidence,
			)
		}
		detections = append(detections, d)
	}

	return detections
}

func (e *Engine) buildDetection(rule *DetectionRule, event *schema.AuditEvent, ev Evaluation, now time.Time) *detection.ThreatDetection {
	ratio := 0.0
	if ev.TotalWeight > 0 {
		ratio = ev.SatisfiedWeight / ev.TotalWeight
	}

	category := rule.Category
	if category == "" {
		category = event.Category
	}
	severity := rule.Severity
	if severity == "" {
		severity = event.Severity
	}

	d := &detection.ThreatDetection{
		ID:         uuid.New(),
		RuleID:     rule.ID,
		RuleName:   rule.Name,
		Category:   category,
		Severity:   severity,
		Status:     detection.StatusNew,
		Confidence: ratio * rule.Confidence,
		EventIDs:   []uuid.UUID{event.EventID},
		ActorID:    event.Actor.ID,
		Resource:   event.Resource,
		Shadow:     rule.Status == StatusTesting,
		DetectedAt: now,
		UpdatedAt:  now,
	}

	if event.Actor.ID != "" {
		d.AddIndicator(detection.Indicator{
			Type:       detection.IndicatorActor,
			Value:      event.Actor.ID,
			Confidence: d.Confidence,
			FirstSeen:  event.Timestamp,
			LastSeen:   event.Timestamp,
		})
	}
	if event.Actor.IPAddress != "" {
		d.AddIndicator(detection.Indicator{
			Type:       detection.IndicatorIP,
			Value:      event.Actor.IPAddress,
			Confidence: d.Confidence,
			FirstSeen:  event.Timestamp,
			LastSeen:   event.Timestamp,
		})
	}
	if event.Resource != "" {
		d.AddIndicator(detection.Indicator{
			Type:       detection.IndicatorResource,
			Value:      event.Resource,
			Confidence: d.Confidence,
			FirstSeen:  event.Timestamp,
			LastSeen:   event.Timestamp,
		})
	}

	return d
}

// pruneSeenLocked evicts expired idempotence entries. Caller holds the lock.
func (e *Engine) pruneSeenLocked() {
	if len(e.seen) < e.config.MaxSeen {
		return
	}
	cutoff := e.now().Add(-e.config.SeenTTL)
	for k, t := range e.seen {
		if t.Before(cutoff) {
			delete(e.seen, k)
		}
	}
}
