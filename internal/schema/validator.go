package schema

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Validator checks envelopes and assessments before they reach the engine.
type Validator struct {
	validate  *validator.Validate
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	// Severity must agree with the score band it claims.
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		ra := sl.Current().Interface().(RiskAssessment)
		if ra.Severity.IsValid() && ra.Severity != SeverityForScore(ra.RiskScore) {
			sl.ReportError(ra.Severity, "Severity", "severity", "score_band", string(ra.Severity))
		}
	}, RiskAssessment{})

	return &Validator{
		validate:  v,
		maxFuture: cfg.MaxFuture,
	}
}

// ValidateEnvelope validates an inbound envelope and its optional assessment.
func (v *Validator) ValidateEnvelope(env *Envelope) error {
	if env == nil {
		return fmt.Errorf("envelope is required")
	}
	if err := v.validate.Struct(env); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if !env.ReceivedAt.IsZero() && env.ReceivedAt.After(time.Now().UTC().Add(v.maxFuture)) {
		return fmt.Errorf("received_at in future: %v (max future: %v)", env.ReceivedAt, v.maxFuture)
	}
	return nil
}

// ValidateAssessment validates a risk assessment on its own.
func (v *Validator) ValidateAssessment(ra *RiskAssessment) error {
	if ra == nil {
		return fmt.Errorf("assessment is required")
	}
	if err := v.validate.Struct(ra); err != nil {
		return fmt.Errorf("invalid assessment: %w", err)
	}
	return nil
}
