// Package rules provides detection rule definitions and the weighted rule
// evaluation engine.
package rules

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"auditcore/internal/schema"

	"gopkg.in/yaml.v3"
)

// RuleType classifies how a detection rule was authored.
type RuleType string

const (
	RuleTypeSignature  RuleType = "signature"
	RuleTypeAnomaly    RuleType = "anomaly"
	RuleTypeBehavioral RuleType = "behavioral"
	RuleTypeML         RuleType = "ml"
	RuleTypeHeuristic  RuleType = "heuristic"
)

// IsValid checks if the rule type is a known value.
func (t RuleType) IsValid() bool {
	switch t {
	case RuleTypeSignature, RuleTypeAnomaly, RuleTypeBehavioral, RuleTypeML, RuleTypeHeuristic:
		return true
	}
	return false
}

// Status is the lifecycle state of a rule. Rules in testing status evaluate
// in shadow mode: detections are logged but never alerted.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusTesting  Status = "testing"
)

// IsValid checks if the status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusTesting:
		return true
	}
	return false
}

// Combinator joins a condition with the conditions before it. Conditions
// fold strictly left to right: "and" (the default) conjoins, "or" disjoins,
// and "not" negates its own condition's predicate before conjoining. There
// is no other precedence; a nested condition list is the only grouping.
type Combinator string

const (
	CombinatorAnd Combinator = "and"
	CombinatorOr  Combinator = "or"
	CombinatorNot Combinator = "not"
)

// Condition is one weighted predicate over an event field, or a nested
// group of conditions folded as a single predicate. A group sets Conditions
// and leaves Field/Operator empty; its children fold left to right exactly
// like top-level conditions.
type Condition struct {
	Field      string      `yaml:"field,omitempty" json:"field,omitempty"`
	Operator   string      `yaml:"operator,omitempty" json:"operator,omitempty"` // eq, ne, gt, gte, lt, lte, contains, regex, in, not_in, exists, not_exists
	Value      any         `yaml:"value,omitempty" json:"value,omitempty"`
	Values     []string    `yaml:"values,omitempty" json:"values,omitempty"` // for in / not_in
	Weight     float64     `yaml:"weight" json:"weight"`
	Combinator Combinator  `yaml:"combinator,omitempty" json:"combinator,omitempty"` // default "and"
	Conditions []Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"` // nested group
}

// IsGroup reports whether the condition is a nested group rather than a
// field predicate.
func (c *Condition) IsGroup() bool {
	return len(c.Conditions) > 0
}

// ActionType is a response a firing rule requests.
type ActionType string

const (
	ActionAlert      ActionType = "alert"
	ActionBlock      ActionType = "block"
	ActionQuarantine ActionType = "quarantine"
	ActionLog        ActionType = "log"
	ActionNotify     ActionType = "notify"
	ActionEscalate   ActionType = "escalate"
)

// IsValid checks if the action type is a known value.
func (a ActionType) IsValid() bool {
	switch a {
	case ActionAlert, ActionBlock, ActionQuarantine, ActionLog, ActionNotify, ActionEscalate:
		return true
	}
	return false
}

// ActionSpec is one action with its configuration.
type ActionSpec struct {
	Type   ActionType     `yaml:"type" json:"type"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// DetectionRule is a weighted-condition detection rule. A rule fires for an
// event when the sum of weights of its satisfied conditions meets or
// exceeds AlertThreshold (inclusive).
type DetectionRule struct {
	ID          string          `yaml:"id" json:"id"`
	Name        string          `yaml:"name" json:"name"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	Category    schema.Category `yaml:"category" json:"category"`
	Severity    schema.Severity `yaml:"severity" json:"severity"`
	Type        RuleType        `yaml:"type" json:"type"`
	Status      Status          `yaml:"status" json:"status"`

	Conditions []Condition  `yaml:"conditions" json:"conditions"`
	Actions    []ActionSpec `yaml:"actions,omitempty" json:"actions,omitempty"`

	// AlertThreshold is the weighted sum of satisfied conditions at or
	// above which the rule fires.
	AlertThreshold float64 `yaml:"alert_threshold" json:"alert_threshold"`

	// Confidence scales the detection confidence: detection confidence =
	// satisfied-weight ratio * Confidence.
	Confidence float64 `yaml:"confidence" json:"confidence"`

	// FalsePositiveRate is the operator-observed FP rate, informational.
	FalsePositiveRate float64 `yaml:"false_positive_rate,omitempty" json:"false_positive_rate,omitempty"`

	Version   int       `yaml:"version,omitempty" json:"version"`
	CreatedAt time.Time `yaml:"created_at,omitempty" json:"created_at,omitempty"`
	UpdatedAt time.Time `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// validOperators lists the supported condition operators.
var validOperators = map[string]bool{
	"eq": true, "ne": true, "gt": true, "gte": true,
	"lt": true, "lte": true, "contains": true,
	"regex": true, "in": true, "not_in": true,
	"exists": true, "not_exists": true,
}

// Validate validates the rule definition.
func (r *DetectionRule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule ID is required")
	}
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if !r.Type.IsValid() {
		return fmt.Errorf("rule %s: unknown type %q", r.ID, r.Type)
	}
	if r.Status != "" && !r.Status.IsValid() {
		return fmt.Errorf("rule %s: unknown status %q", r.ID, r.Status)
	}
	if r.Category != "" && !r.Category.IsValid() {
		return fmt.Errorf("rule %s: unknown category %q", r.ID, r.Category)
	}
	if r.Severity != "" && !r.Severity.IsValid() {
		return fmt.Errorf("rule %s: unknown severity %q", r.ID, r.Severity)
	}
	if r.AlertThreshold < 0 {
		return fmt.Errorf("rule %s: alert threshold must not be negative", r.ID)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("rule %s: confidence must be in [0,1]", r.ID)
	}

	for i := range r.Conditions {
		if err := r.Conditions[i].Validate(); err != nil {
			return fmt.Errorf("rule %s: condition %d: %w", r.ID, i, err)
		}
	}
	return nil
}

// Validate validates a condition.
func (c *Condition) Validate() error {
	if c.IsGroup() {
		if c.Field != "" || c.Operator != "" {
			return fmt.Errorf("condition group must not set field or operator")
		}
		if c.Weight < 0 {
			return fmt.Errorf("weight must not be negative")
		}
		switch c.Combinator {
		case "", CombinatorAnd, CombinatorOr, CombinatorNot:
		default:
			return fmt.Errorf("invalid combinator: %s", c.Combinator)
		}
		for i := range c.Conditions {
			if err := c.Conditions[i].Validate(); err != nil {
				return fmt.Errorf("nested condition %d: %w", i, err)
			}
		}
		return nil
	}

	if c.Field == "" {
		return fmt.Errorf("field is required")
	}
	if c.Operator == "" {
		return fmt.Errorf("operator is required")
	}
	if !validOperators[c.Operator] {
		return fmt.Errorf("invalid operator: %s", c.Operator)
	}
	if c.Operator == "in" || c.Operator == "not_in" {
		if len(c.Values) == 0 {
			return fmt.Errorf("values required for %s operator", c.Operator)
		}
	}
	if c.Weight < 0 {
		return fmt.Errorf("weight must not be negative")
	}
	switch c.Combinator {
	case "", CombinatorAnd, CombinatorOr, CombinatorNot:
	default:
		return fmt.Errorf("invalid combinator: %s", c.Combinator)
	}
	return nil
}

// Match checks the condition's predicate against the extracted field value.
// A "not" combinator is applied by the caller, not here.
func (c *Condition) Match(eventValue any) bool {
	switch c.Operator {
	case "eq":
		return c.matchEquals(eventValue)
	case "ne":
		return !c.matchEquals(eventValue)
	case "gt":
		return c.matchCompare(eventValue) > 0
	case "gte":
		return c.matchCompare(eventValue) >= 0
	case "lt":
		return c.matchCompare(eventValue) < 0
	case "lte":
		return c.matchCompare(eventValue) <= 0
	case "contains":
		return c.matchContains(eventValue)
	case "regex":
		return c.matchRegex(eventValue)
	case "in":
		return c.matchIn(eventValue)
	case "not_in":
		return !c.matchIn(eventValue)
	case "exists":
		return eventValue != nil && eventValue != ""
	case "not_exists":
		return eventValue == nil || eventValue == ""
	}
	return false
}

func (c *Condition) matchEquals(eventValue any) bool {
	if strVal, ok := eventValue.(string); ok {
		if condVal, ok := c.Value.(string); ok {
			return strVal == condVal
		}
	}
	if numVal, ok := toFloat64(eventValue); ok {
		if condVal, ok := toFloat64(c.Value); ok {
			return numVal == condVal
		}
	}
	return fmt.Sprintf("%v", eventValue) == fmt.Sprintf("%v", c.Value)
}

func (c *Condition) matchCompare(eventValue any) int {
	numVal, ok1 := toFloat64(eventValue)
	condVal, ok2 := toFloat64(c.Value)
	if !ok1 || !ok2 {
		return strings.Compare(fmt.Sprintf("%v", eventValue), fmt.Sprintf("%v", c.Value))
	}
	if numVal < condVal {
		return -1
	}
	if numVal > condVal {
		return 1
	}
	return 0
}

func (c *Condition) matchContains(eventValue any) bool {
	str := fmt.Sprintf("%v", eventValue)
	pattern := fmt.Sprintf("%v", c.Value)
	return strings.Contains(strings.ToLower(str), strings.ToLower(pattern))
}

func (c *Condition) matchRegex(eventValue any) bool {
	str := fmt.Sprintf("%v", eventValue)
	pattern := fmt.Sprintf("%v", c.Value)
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(str)
}

func (c *Condition) matchIn(eventValue any) bool {
	str := fmt.Sprintf("%v", eventValue)
	for _, v := range c.Values {
		if str == v {
			return true
		}
	}
	return false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%f", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

// FieldValue extracts a named field from an event. Dotted paths address
// nested structures: "actor.id", "target.sensitivity", "metadata.key".
func FieldValue(e *schema.AuditEvent, field string) any {
	switch field {
	case "category":
		return string(e.Category)
	case "severity":
		return string(e.Severity)
	case "severity_rank":
		return e.Severity.Rank()
	case "action":
		return e.Action
	case "resource":
		return e.Resource
	case "result":
		return string(e.Result)
	case "tenant_id":
		return e.TenantID
	case "actor.type":
		return string(e.Actor.Type)
	case "actor.id":
		return e.Actor.ID
	case "actor.name":
		return e.Actor.Name
	case "actor.ip_address":
		return e.Actor.IPAddress
	case "actor.location":
		return e.Actor.Location
	case "actor.device_id":
		return e.Actor.DeviceID
	case "actor.auth_method":
		return e.Actor.AuthMethod
	case "actor.risk_score":
		return e.Actor.RiskScore
	}

	if strings.HasPrefix(field, "target.") {
		if e.Target == nil {
			return nil
		}
		switch strings.TrimPrefix(field, "target.") {
		case "type":
			return e.Target.Type
		case "id":
			return e.Target.ID
		case "name":
			return e.Target.Name
		case "sensitivity":
			return string(e.Target.Sensitivity)
		}
		return nil
	}

	if key, ok := strings.CutPrefix(field, "metadata."); ok {
		if e.Metadata == nil {
			return nil
		}
		return e.Metadata[key]
	}

	return nil
}

// ParseRule parses a single rule from YAML bytes.
func ParseRule(data []byte) (*DetectionRule, error) {
	var rule DetectionRule
	if err := yaml.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("failed to parse rule: %w", err)
	}
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rule: %w", err)
	}
	return &rule, nil
}

// ParseRules parses multiple rules from YAML bytes. A document holding a
// single rule object is accepted too.
func ParseRules(data []byte) ([]*DetectionRule, error) {
	var rules []*DetectionRule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		rule, singleErr := ParseRule(data)
		if singleErr != nil {
			return nil, fmt.Errorf("failed to parse rules: %w", err)
		}
		return []*DetectionRule{rule}, nil
	}

	for i, rule := range rules {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return rules, nil
}
