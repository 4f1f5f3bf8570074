package response

import (
	"time"

	"github.com/google/uuid"

	"response-engine/internal/schema"
)

// BatchReport is the outbound record of one processed envelope.
type BatchReport struct {
	EnvelopeID   uuid.UUID              `json:"envelope_id"`
	Source       string                 `json:"source,omitempty"`
	Assessment   *schema.RiskAssessment `json:"assessment"`
	UsedFallback bool                   `json:"used_fallback"`
	Results      []ExecutionResult      `json:"results"`
	Succeeded    int                    `json:"succeeded"`
	Failed       int                    `json:"failed"`
	ProcessedAt  time.Time              `json:"processed_at"`
}

func newBatchReport(env *schema.Envelope, ra *schema.RiskAssessment, fallback bool, results []ExecutionResult) *BatchReport {
	r := &BatchReport{
		EnvelopeID:   env.ID,
		Source:       env.Source,
		Assessment:   ra,
		UsedFallback: fallback,
		Results:      results,
		ProcessedAt:  time.Now().UTC(),
	}
	for _, res := range results {
		if res.Success {
			r.Succeeded++
		} else {
			r.Failed++
		}
	}
	return r
}
