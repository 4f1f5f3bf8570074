package schema

import "time"

// Severity is the ordinal classification derived from a risk score.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Score band lower bounds.
const (
	CriticalScore = 80.0
	HighScore     = 60.0
	MediumScore   = 30.0
)

// SeverityForScore maps a risk score onto its severity tier.
func SeverityForScore(score float64) Severity {
	switch {
	case score >= CriticalScore:
		return SeverityCritical
	case score >= HighScore:
		return SeverityHigh
	case score >= MediumScore:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Rank returns the ordinal position of the severity, 0 for unknown values.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// IsValid checks if the severity is one of the known tiers.
func (s Severity) IsValid() bool {
	return s.Rank() > 0
}

// Indicator is a single observable the analyzer based its verdict on.
type Indicator struct {
	Type        string   `json:"indicator_type"`
	Value       string   `json:"value"`
	Severity    Severity `json:"severity,omitempty"`
	Confidence  float64  `json:"confidence,omitempty"`
	Source      string   `json:"source,omitempty"`
	Description string   `json:"description,omitempty"`
}

// RiskAssessment is the verdict of the reasoning collaborator for one event.
// It is treated as immutable once produced.
type RiskAssessment struct {
	ID                 string      `json:"threat_id" validate:"required,max=128"`
	RiskScore          float64     `json:"risk_score" validate:"gte=0,lte=100"`
	Severity           Severity    `json:"severity" validate:"required,oneof=LOW MEDIUM HIGH CRITICAL"`
	Reasoning          string      `json:"reasoning" validate:"max=65536"`
	RecommendedActions []string    `json:"recommended_actions,omitempty"`
	Indicators         []Indicator `json:"indicators,omitempty"`
	AnalyzedAt         time.Time   `json:"analysis_time"`
}
