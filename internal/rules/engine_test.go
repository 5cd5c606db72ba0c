package rules

import (
	"testing"

	"auditcore/internal/schema"
	"auditcore/internal/schema/schematest"
)

func failedLoginRule(threshold float64) *DetectionRule {
	return &DetectionRule{
		ID:       "auth-failed-login",
		Name:     "Failed Login",
		Category: schema.CategorySecurity,
		Severity: schema.SeverityHigh,
		Type:     RuleTypeSignature,
		Status:   StatusActive,
		Conditions: []Condition{
			{Field: "category", Operator: "eq", Value: "authentication", Weight: 0.5},
			{Field: "result", Operator: "eq", Value: "failure", Weight: 0.5},
		},
		AlertThreshold: threshold,
		Confidence:     0.9,
	}
}

func TestEvaluateRuleThresholdBoundary(t *testing.T) {
	failure := schematest.New(1).WithResult(schema.ResultFailure).Build()

	tests := []struct {
		name      string
		threshold float64
		wantFire  bool
	}{
		{"below satisfied weight", 0.5, true},
		{"exactly satisfied weight", 1.0, true},
		{"epsilon above satisfied weight", 1.0000001, false},
		{"zero threshold", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := EvaluateRule(failedLoginRule(tt.threshold), failure)
			if ev.Fired != tt.wantFire {
				t.Errorf("Fired = %v (satisfied %.2f, threshold %v), want %v",
					ev.Fired, ev.SatisfiedWeight, tt.threshold, tt.wantFire)
			}
		})
	}
}

func TestEvaluateRulePartialSatisfaction(t *testing.T) {
	// Successful login satisfies only the category condition.
	success := schematest.New(1).WithResult(schema.ResultSuccess).Build()

	ev := EvaluateRule(failedLoginRule(1.0), success)
	if ev.Fired {
		t.Error("rule fired with only half the weight satisfied")
	}
	if ev.SatisfiedWeight != 0.5 {
		t.Errorf("SatisfiedWeight = %v, want 0.5", ev.SatisfiedWeight)
	}

	// Lowering the threshold to the satisfied weight fires it.
	ev = EvaluateRule(failedLoginRule(0.5), success)
	if !ev.Fired {
		t.Error("rule did not fire at exactly the satisfied weight")
	}
}

func TestEvaluateRuleZeroConditionsNeverFires(t *testing.T) {
	rule := failedLoginRule(0)
	rule.Conditions = nil

	ev := EvaluateRule(rule, schematest.New(1).Build())
	if ev.Fired {
		t.Error("rule with zero conditions fired")
	}
}

func TestEvaluateRuleNotCombinator(t *testing.T) {
	rule := &DetectionRule{
		ID:     "r",
		Name:   "r",
		Type:   RuleTypeSignature,
		Status: StatusActive,
		Conditions: []Condition{
			{Field: "category", Operator: "eq", Value: "authentication", Weight: 0.5},
			{Field: "result", Operator: "eq", Value: "success", Weight: 0.5, Combinator: CombinatorNot},
		},
		AlertThreshold: 1.0,
		Confidence:     1.0,
	}

	failure := schematest.New(1).WithResult(schema.ResultFailure).Build()
	if ev := EvaluateRule(rule, failure); !ev.Fired {
		t.Error("not-combinator condition did not satisfy on non-matching value")
	}

	success := schematest.New(2).WithResult(schema.ResultSuccess).Build()
	if ev := EvaluateRule(rule, success); ev.Fired {
		t.Error("not-combinator condition satisfied on matching value")
	}
}

func TestEvaluateRuleOrCombinator(t *testing.T) {
	rule := &DetectionRule{
		ID:     "r",
		Name:   "r",
		Type:   RuleTypeSignature,
		Status: StatusActive,
		Conditions: []Condition{
			{Field: "result", Operator: "eq", Value: "failure", Weight: 0.5},
			{Field: "result", Operator: "eq", Value: "error", Weight: 0.5, Combinator: CombinatorOr},
		},
		AlertThreshold: 1.0,
		Confidence:     1.0,
	}

	// A satisfied left branch carries the or-joined condition's weight too.
	failure := schematest.New(1).WithResult(schema.ResultFailure).Build()
	ev := EvaluateRule(rule, failure)
	if !ev.Matched || !ev.Fired {
		t.Errorf("failure: Matched=%v Fired=%v (satisfied %.2f), want both true", ev.Matched, ev.Fired, ev.SatisfiedWeight)
	}
	if ev.SatisfiedWeight != 1.0 {
		t.Errorf("failure: SatisfiedWeight = %v, want 1.0", ev.SatisfiedWeight)
	}

	// The right branch alone satisfies the fold but earns only its own
	// weight: evaluation is strictly left to right.
	errEvent := schematest.New(2).WithResult(schema.ResultError).Build()
	ev = EvaluateRule(rule, errEvent)
	if !ev.Matched {
		t.Error("error: fold did not hold on the or branch")
	}
	if ev.SatisfiedWeight != 0.5 {
		t.Errorf("error: SatisfiedWeight = %v, want 0.5", ev.SatisfiedWeight)
	}
	if ev.Fired {
		t.Error("error: fired below threshold")
	}

	success := schematest.New(3).WithResult(schema.ResultSuccess).Build()
	ev = EvaluateRule(rule, success)
	if ev.Matched || ev.Fired {
		t.Errorf("success: Matched=%v Fired=%v, want both false", ev.Matched, ev.Fired)
	}
}

func TestEvaluateRuleFoldIsLeftToRight(t *testing.T) {
	matching := Condition{Field: "result", Operator: "eq", Value: "failure", Weight: 0.5}
	missing := Condition{Field: "result", Operator: "eq", Value: "error", Weight: 0.5}
	failure := schematest.New(1).WithResult(schema.ResultFailure).Build()

	rule := func(conds ...Condition) *DetectionRule {
		return &DetectionRule{
			ID: "r", Name: "r", Type: RuleTypeSignature, Status: StatusActive,
			Conditions: conds, AlertThreshold: 1.0, Confidence: 1.0,
		}
	}

	or := missing
	or.Combinator = CombinatorOr
	ev := EvaluateRule(rule(matching, or), failure)
	if ev.SatisfiedWeight != 1.0 || !ev.Fired {
		t.Errorf("matching-then-or: SatisfiedWeight=%v Fired=%v, want 1.0/true", ev.SatisfiedWeight, ev.Fired)
	}

	// Swapping the two conditions changes the outcome: the or-joined
	// condition only earns weight from the fold built up to its left.
	or = matching
	or.Combinator = CombinatorOr
	ev = EvaluateRule(rule(missing, or), failure)
	if ev.SatisfiedWeight != 0.5 || ev.Fired {
		t.Errorf("missing-then-or: SatisfiedWeight=%v Fired=%v, want 0.5/false", ev.SatisfiedWeight, ev.Fired)
	}
	if !ev.Matched {
		t.Error("missing-then-or: fold should hold through the or branch")
	}
}

func TestEvaluateRuleNestedGroup(t *testing.T) {
	rule := &DetectionRule{
		ID:     "r",
		Name:   "r",
		Type:   RuleTypeSignature,
		Status: StatusActive,
		Conditions: []Condition{
			{
				Weight: 0.5,
				Conditions: []Condition{
					{Field: "actor.id", Operator: "eq", Value: "alice", Weight: 1.0},
					{Field: "actor.id", Operator: "eq", Value: "bob", Weight: 1.0, Combinator: CombinatorOr},
				},
			},
			{Field: "result", Operator: "eq", Value: "failure", Weight: 0.5},
		},
		AlertThreshold: 1.0,
		Confidence:     1.0,
	}
	if err := rule.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}

	bob := schematest.New(1).WithActorID("bob").WithResult(schema.ResultFailure).Build()
	ev := EvaluateRule(rule, bob)
	if !ev.Fired || ev.SatisfiedWeight != 1.0 {
		t.Errorf("bob: Fired=%v SatisfiedWeight=%v, want true/1.0", ev.Fired, ev.SatisfiedWeight)
	}

	mallory := schematest.New(2).WithActorID("mallory").WithResult(schema.ResultFailure).Build()
	ev = EvaluateRule(rule, mallory)
	if ev.Fired || ev.Matched {
		t.Errorf("mallory: Fired=%v Matched=%v, want both false", ev.Fired, ev.Matched)
	}
	if ev.SatisfiedWeight != 0.5 {
		t.Errorf("mallory: SatisfiedWeight = %v, want 0.5", ev.SatisfiedWeight)
	}
}

func TestEvaluateRuleOperators(t *testing.T) {
	event := schematest.New(1).
		WithSeverity(schema.SeverityCritical).
		WithAction("record.exported").
		WithMetadata("row_count", 50000).
		Build()
	event.Actor.RiskScore = 75

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"eq match", Condition{Field: "action", Operator: "eq", Value: "record.exported"}, true},
		{"ne match", Condition{Field: "action", Operator: "ne", Value: "auth.login"}, true},
		{"gt on risk score", Condition{Field: "actor.risk_score", Operator: "gt", Value: 50}, true},
		{"gt not met", Condition{Field: "actor.risk_score", Operator: "gt", Value: 80}, false},
		{"gte boundary", Condition{Field: "actor.risk_score", Operator: "gte", Value: 75}, true},
		{"contains", Condition{Field: "action", Operator: "contains", Value: "export"}, true},
		{"regex", Condition{Field: "action", Operator: "regex", Value: `^record\.`}, true},
		{"in", Condition{Field: "severity", Operator: "in", Values: []string{"high", "critical"}}, true},
		{"not_in", Condition{Field: "severity", Operator: "not_in", Values: []string{"low", "medium"}}, true},
		{"exists metadata", Condition{Field: "metadata.row_count", Operator: "exists"}, true},
		{"not_exists missing metadata", Condition{Field: "metadata.absent", Operator: "not_exists"}, true},
		{"gt on metadata number", Condition{Field: "metadata.row_count", Operator: "gt", Value: 10000}, true},
		{"missing target", Condition{Field: "target.sensitivity", Operator: "eq", Value: "restricted"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cond.Match(FieldValue(event, tt.cond.Field)); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEngineEvaluateProducesDetection(t *testing.T) {
	engine := NewEngine(DefaultEngineConfig(), nil)
	if err := engine.UpsertRule(failedLoginRule(1.0)); err != nil {
		t.Fatalf("UpsertRule() = %v", err)
	}

	event := schematest.New(1).WithResult(schema.ResultFailure).Build()
	detections := engine.Evaluate(event)
	if len(detections) != 1 {
		t.Fatalf("Evaluate() produced %d detections, want 1", len(detections))
	}

	d := detections[0]
	if d.RuleID != "auth-failed-login" {
		t.Errorf("RuleID = %q", d.RuleID)
	}
	if d.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9 (full satisfaction * rule confidence)", d.Confidence)
	}
	if d.Severity != schema.SeverityHigh {
		t.Errorf("Severity = %q, want high", d.Severity)
	}
	if d.Shadow {
		t.Error("active rule produced shadow detection")
	}
	if len(d.EventIDs) != 1 || d.EventIDs[0] != event.EventID {
		t.Errorf("EventIDs = %v, want [%s]", d.EventIDs, event.EventID)
	}
	if len(d.Indicators) == 0 {
		t.Error("detection has no indicators")
	}
}

func TestEngineEvaluateIdempotentPerEventAndRule(t *testing.T) {
	engine := NewEngine(DefaultEngineConfig(), nil)
	if err := engine.UpsertRule(failedLoginRule(1.0)); err != nil {
		t.Fatalf("UpsertRule() = %v", err)
	}

	event := schematest.New(1).WithResult(schema.ResultFailure).Build()
	first := engine.Evaluate(event)
	second := engine.Evaluate(event)

	if len(first) != 1 {
		t.Fatalf("first Evaluate() produced %d detections, want 1", len(first))
	}
	if len(second) != 0 {
		t.Errorf("re-delivered event produced %d detections, want 0", len(second))
	}
}

func TestEngineShadowMode(t *testing.T) {
	engine := NewEngine(DefaultEngineConfig(), nil)
	rule := failedLoginRule(1.0)
	rule.Status = StatusTesting
	if err := engine.UpsertRule(rule); err != nil {
		t.Fatalf("UpsertRule() = %v", err)
	}

	detections := engine.Evaluate(schematest.New(1).WithResult(schema.ResultFailure).Build())
	if len(detections) != 1 {
		t.Fatalf("Evaluate() produced %d detections, want 1", len(detections))
	}
	if !detections[0].Shadow {
		t.Error("testing rule produced non-shadow detection")
	}
}

func TestEngineInactiveRuleSkipped(t *testing.T) {
	engine := NewEngine(DefaultEngineConfig(), nil)
	rule := failedLoginRule(1.0)
	rule.Status = StatusInactive
	if err := engine.UpsertRule(rule); err != nil {
		t.Fatalf("UpsertRule() = %v", err)
	}

	if detections := engine.Evaluate(schematest.New(1).WithResult(schema.ResultFailure).Build()); len(detections) != 0 {
		t.Errorf("inactive rule produced %d detections, want 0", len(detections))
	}
}

func TestEngineVersioning(t *testing.T) {
	engine := NewEngine(DefaultEngineConfig(), nil)
	rule := failedLoginRule(1.0)

	if err := engine.UpsertRule(rule); err != nil {
		t.Fatalf("UpsertRule() = %v", err)
	}
	got, err := engine.GetRule(rule.ID)
	if err != nil {
		t.Fatalf("GetRule() = %v", err)
	}
	if got.Version != 1 {
		t.Errorf("initial Version = %d, want 1", got.Version)
	}

	rule.AlertThreshold = 0.5
	if err := engine.UpsertRule(rule); err != nil {
		t.Fatalf("UpsertRule() = %v", err)
	}
	got, _ = engine.GetRule(rule.ID)
	if got.Version != 2 {
		t.Errorf("Version after edit = %d, want 2", got.Version)
	}

	if err := engine.SetStatus(rule.ID, StatusInactive); err != nil {
		t.Fatalf("SetStatus() = %v", err)
	}
	got, _ = engine.GetRule(rule.ID)
	if got.Status != StatusInactive || got.Version != 3 {
		t.Errorf("after SetStatus: status=%s version=%d, want inactive/3", got.Status, got.Version)
	}
}

func TestParseRulesYAML(t *testing.T) {
	data := []byte(`
- id: data-export-large
  name: Large Data Export
  category: data_access
  severity: high
  type: behavioral
  status: active
  alert_threshold: 0.7
  confidence: 0.8
  conditions:
    - field: action
      operator: eq
      value: record.exported
      weight: 0.4
    - field: metadata.row_count
      operator: gt
      value: 10000
      weight: 0.3
    - field: target.sensitivity
      operator: in
      values: [confidential, restricted]
      weight: 0.3
  actions:
    - type: alert
    - type: notify
      config:
        channel: secops
`)

	parsed, err := ParseRules(data)
	if err != nil {
		t.Fatalf("ParseRules() = %v", err)
	}
	if len(parsed) != 1 {
		t.Fatalf("parsed %d rules, want 1", len(parsed))
	}

	rule := parsed[0]
	if rule.ID != "data-export-large" {
		t.Errorf("ID = %q", rule.ID)
	}
	if len(rule.Conditions) != 3 {
		t.Errorf("len(Conditions) = %d, want 3", len(rule.Conditions))
	}
	if rule.Conditions[2].Operator != "in" || len(rule.Conditions[2].Values) != 2 {
		t.Errorf("third condition = %+v", rule.Conditions[2])
	}
	if len(rule.Actions) != 2 || rule.Actions[1].Type != ActionNotify {
		t.Errorf("Actions = %+v", rule.Actions)
	}
}

func TestParseRulesNestedGroup(t *testing.T) {
	data := []byte(`
- id: admin-or-service-failure
  name: Privileged Account Failure
  category: security
  severity: high
  type: signature
  status: active
  alert_threshold: 1.0
  confidence: 0.9
  conditions:
    - weight: 0.5
      conditions:
        - field: actor.id
          operator: eq
          value: admin
          weight: 1.0
        - field: actor.type
          operator: eq
          value: service
          weight: 1.0
          combinator: or
    - field: result
      operator: eq
      value: failure
      weight: 0.5
`)

	parsed, err := ParseRules(data)
	if err != nil {
		t.Fatalf("ParseRules() = %v", err)
	}
	group := parsed[0].Conditions[0]
	if !group.IsGroup() || len(group.Conditions) != 2 {
		t.Fatalf("first condition not parsed as a group: %+v", group)
	}
	if group.Conditions[1].Combinator != CombinatorOr {
		t.Errorf("nested combinator = %q, want or", group.Conditions[1].Combinator)
	}
}

func TestParseRulesRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing id", "- name: x\n  type: signature\n"},
		{"bad operator", "- id: r\n  name: x\n  type: signature\n  conditions:\n    - field: action\n      operator: matches\n      weight: 1\n"},
		{"bad type", "- id: r\n  name: x\n  type: quantum\n"},
		{"negative weight", "- id: r\n  name: x\n  type: signature\n  conditions:\n    - field: action\n      operator: eq\n      value: a\n      weight: -1\n"},
		{"confidence out of range", "- id: r\n  name: x\n  type: signature\n  confidence: 1.5\n"},
		{"in without values", "- id: r\n  name: x\n  type: signature\n  conditions:\n    - field: action\n      operator: in\n      weight: 1\n"},
		{"group with field", "- id: r\n  name: x\n  type: signature\n  conditions:\n    - field: action\n      weight: 1\n      conditions:\n        - field: result\n          operator: eq\n          value: failure\n          weight: 1\n"},
		{"group with invalid child", "- id: r\n  name: x\n  type: signature\n  conditions:\n    - weight: 1\n      conditions:\n        - field: result\n          operator: matches\n          weight: 1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseRules([]byte(tt.yaml)); err == nil {
				t.Error("ParseRules() = nil, want error")
			}
		})
	}
}
