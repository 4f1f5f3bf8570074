// Package analysis produces risk assessments for raw security events.
//
// The reasoning collaborator is pluggable through the Analyzer interface.
// FallbackAnalyzer is the deterministic rule-based substitute used whenever
// that collaborator is absent or fails, so the pipeline never stalls on it.
package analysis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"response-engine/internal/schema"
)

// Analyzer turns a raw event into a risk assessment.
type Analyzer interface {
	Analyze(ctx context.Context, event schema.Event) (*schema.RiskAssessment, error)
}

// Keyword vocabularies scanned by the fallback analyzer.
var (
	HighRiskTerms   = []string{"malware", "attack", "breach", "exploit"}
	MediumRiskTerms = []string{"suspicious", "anomaly", "failed"}
)

// Fallback scores.
const (
	FallbackHighScore    = 80.0
	FallbackMediumScore  = 60.0
	FallbackDefaultScore = 30.0
)

// FallbackReasoning is the rationale attached to every fallback assessment.
const FallbackReasoning = "Fallback analysis - AI reasoning engine not available"

// FallbackAnalyzer is a keyword-based analyzer with no I/O.
type FallbackAnalyzer struct {
	now func() time.Time
}

// NewFallbackAnalyzer creates a fallback analyzer.
func NewFallbackAnalyzer() *FallbackAnalyzer {
	return &FallbackAnalyzer{now: time.Now}
}

// Analyze never returns an error.
func (f *FallbackAnalyzer) Analyze(_ context.Context, event schema.Event) (*schema.RiskAssessment, error) {
	return f.Assess(event), nil
}

// Assess scores the event by scanning its serialized text.
func (f *FallbackAnalyzer) Assess(event schema.Event) *schema.RiskAssessment {
	now := time.Now
	if f != nil && f.now != nil {
		now = f.now
	}
	ts := now()

	text := strings.ToLower(event.Text())

	score := FallbackDefaultScore
	severity := schema.SeverityMedium
	var matched []schema.Indicator

	if terms := containsAny(text, HighRiskTerms); len(terms) > 0 {
		score = FallbackHighScore
		severity = schema.SeverityCritical
		matched = keywordIndicators(terms, schema.SeverityCritical)
	} else if terms := containsAny(text, MediumRiskTerms); len(terms) > 0 {
		score = FallbackMediumScore
		severity = schema.SeverityHigh
		matched = keywordIndicators(terms, schema.SeverityHigh)
	}

	return &schema.RiskAssessment{
		ID:                 fmt.Sprintf("FALLBACK_%s", ts.Format("20060102_150405")),
		RiskScore:          score,
		Severity:           severity,
		Reasoning:          FallbackReasoning,
		RecommendedActions: []string{"Monitor situation", "Increase logging"},
		Indicators:         matched,
		AnalyzedAt:         ts,
	}
}

func containsAny(text string, terms []string) []string {
	var found []string
	for _, term := range terms {
		if strings.Contains(text, term) {
			found = append(found, term)
		}
	}
	return found
}

func keywordIndicators(terms []string, sev schema.Severity) []schema.Indicator {
	out := make([]schema.Indicator, 0, len(terms))
	for _, term := range terms {
		out = append(out, schema.Indicator{
			Type:        "keyword",
			Value:       term,
			Severity:    sev,
			Source:      "fallback",
			Description: fmt.Sprintf("event text contains %q", term),
		})
	}
	return out
}
