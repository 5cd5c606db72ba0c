package schema

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// actionPattern defines the valid format for action strings.
// Actions must be lowercase, start with a letter, and use dots as separators.
// Examples: "auth.login", "policy.updated", "record.exported"
var actionPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)*$`)

// ValidationError reports a malformed event. It is never retried and is
// surfaced directly to the submitting caller.
type ValidationError struct {
	EventID string
	Fields  []string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("schema: event %s failed validation", e.EventID)
	}
	return fmt.Sprintf("schema: event %s failed validation: %s", e.EventID, strings.Join(e.Fields, "; "))
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validator checks events against the canonical schema.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    30 * 24 * time.Hour,
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a Validator with the given configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	v.RegisterValidation("action_format", func(fl validator.FieldLevel) bool {
		return actionPattern.MatchString(fl.Field().String())
	})

	return &Validator{
		validate:  v,
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
	}
}

// Validate checks an event against the canonical schema. It returns a
// *ValidationError listing every failed field, or nil.
func (v *Validator) Validate(event *AuditEvent) error {
	var fields []string

	if err := v.validate.Struct(event); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			fields = append(fields, err.Error())
		}
	}

	if !event.Category.IsValid() {
		fields = append(fields, fmt.Sprintf("category: unknown value %q", event.Category))
	}
	if !event.Severity.IsValid() {
		fields = append(fields, fmt.Sprintf("severity: unknown value %q", event.Severity))
	}
	if !event.Result.IsValid() {
		fields = append(fields, fmt.Sprintf("result: unknown value %q", event.Result))
	}
	if !event.Actor.Type.IsValid() {
		fields = append(fields, fmt.Sprintf("actor.type: unknown value %q", event.Actor.Type))
	}
	if event.Target != nil && event.Target.Sensitivity != "" && !event.Target.Sensitivity.IsValid() {
		fields = append(fields, fmt.Sprintf("target.sensitivity: unknown value %q", event.Target.Sensitivity))
	}

	now := time.Now().UTC()
	switch {
	case event.Timestamp.IsZero():
		fields = append(fields, "timestamp: required")
	case event.Timestamp.Before(now.Add(-v.maxAge)):
		fields = append(fields, fmt.Sprintf("timestamp: too old (max age %v)", v.maxAge))
	case event.Timestamp.After(now.Add(v.maxFuture)):
		fields = append(fields, fmt.Sprintf("timestamp: in the future (max skew %v)", v.maxFuture))
	}

	if len(fields) > 0 {
		return &ValidationError{EventID: event.EventID.String(), Fields: fields}
	}
	return nil
}

// ValidateAction checks if an action string matches the required format.
func ValidateAction(action string) bool {
	return actionPattern.MatchString(action)
}
