package analysis

import (
	"context"
	"log/slog"
	"time"

	"response-engine/internal/schema"
)

// Chain consults a primary analyzer and substitutes the fallback whenever the
// primary is missing, errors, times out or returns an unusable assessment.
type Chain struct {
	primary   Analyzer
	fallback  *FallbackAnalyzer
	validator *schema.Validator
	timeout   time.Duration
	logger    *slog.Logger
}

// NewChain creates an analyzer chain. primary may be nil.
func NewChain(primary Analyzer, timeout time.Duration, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		primary:   primary,
		fallback:  NewFallbackAnalyzer(),
		validator: schema.NewValidator(),
		timeout:   timeout,
		logger:    logger.With("component", "analyzer"),
	}
}

// Assess returns an assessment for the event and reports whether the
// fallback produced it. It never fails.
func (c *Chain) Assess(ctx context.Context, event schema.Event) (*schema.RiskAssessment, bool) {
	if c.primary == nil {
		return c.fallback.Assess(event), true
	}

	actx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	c.logger.Info("analyzing event with reasoning engine")
	ra, err := c.primary.Analyze(actx, event)
	if err != nil {
		c.logger.Error("threat analysis failed, using fallback", "error", err)
		return c.fallback.Assess(event), true
	}
	if err := c.validator.ValidateAssessment(ra); err != nil {
		c.logger.Error("reasoning engine returned unusable assessment, using fallback", "error", err)
		return c.fallback.Assess(event), true
	}

	c.logger.Info("threat analysis complete",
		"threat_id", ra.ID,
		"risk_score", ra.RiskScore,
		"severity", ra.Severity)
	return ra, false
}

// Analyze implements Analyzer.
func (c *Chain) Analyze(ctx context.Context, event schema.Event) (*schema.RiskAssessment, error) {
	ra, _ := c.Assess(ctx, event)
	return ra, nil
}
