package response

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"response-engine/internal/schema"
)

// Alert targets.
const (
	TargetSecurityTeam     = "security_team"
	TargetMonitoringSystem = "monitoring_system"
	TargetAuditSystem      = "audit_system"
)

// reasoningExcerpt is the number of runes of reasoning quoted in high-tier alerts.
const reasoningExcerpt = 100

// ErrGenerationDefect marks a generated batch that violates the batch
// invariants. It is a programming error and fails the whole batch.
var ErrGenerationDefect = errors.New("action generation defect")

// Generator derives the action list for one assessed event.
type Generator struct {
	now   func() time.Time
	newID func() string
}

// NewGenerator creates a generator.
func NewGenerator() *Generator {
	return &Generator{
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Generate maps an assessment and its raw event to an ordered action list.
// Tier actions come first, highest band first, and the audit alert is always
// last.
func (g *Generator) Generate(ra *schema.RiskAssessment, event schema.Event) ([]*SecurityAction, error) {
	if ra == nil {
		return nil, fmt.Errorf("%w: nil assessment", ErrGenerationDefect)
	}

	now := g.now()
	text := event.Text()
	var actions []*SecurityAction

	newAction := func(kind ActionKind, target string, priority int, params map[string]any) *SecurityAction {
		return &SecurityAction{
			ID:         g.newID(),
			Kind:       kind,
			Target:     target,
			Parameters: params,
			Priority:   priority,
			ThreatID:   ra.ID,
			CreatedAt:  now,
			Status:     StatusPending,
		}
	}

	switch {
	case ra.RiskScore >= schema.CriticalScore:
		if hasAddressField(text) {
			actions = append(actions, newAction(KindBlockAddress, ExtractAddress(text), PriorityCritical, map[string]any{
				"reason": fmt.Sprintf("Critical threat - Risk: %.1f", ra.RiskScore),
			}))
		}
		if hasUserField(text) {
			actions = append(actions, newAction(KindLockAccount, ExtractUser(text), PriorityCritical, map[string]any{
				"reason": "Account compromise suspected",
			}))
		}

	case ra.RiskScore >= schema.HighScore:
		actions = append(actions, newAction(KindSendAlert, TargetSecurityTeam, PriorityHigh, map[string]any{
			"message":    "High-risk threat detected: " + truncateRunes(ra.Reasoning, reasoningExcerpt),
			"threat_id":  ra.ID,
			"risk_score": ra.RiskScore,
		}))

	case ra.RiskScore >= schema.MediumScore:
		actions = append(actions, newAction(KindSendAlert, TargetMonitoringSystem, PriorityMedium, map[string]any{
			"message":             "Medium-risk activity detected",
			"increase_monitoring": true,
			"threat_id":           ra.ID,
		}))
	}

	actions = append(actions, newAction(KindSendAlert, TargetAuditSystem, PriorityAudit, map[string]any{
		"log_entry": map[string]any{
			"threat_analysis": ra,
			"security_data":   event,
			"timestamp":       now.Format(time.RFC3339Nano),
		},
	}))

	slog.Debug("generated security actions", "threat_id", ra.ID, "count", len(actions))
	return actions, nil
}

// isAudit reports whether a is the mandatory audit alert.
func isAudit(a *SecurityAction) bool {
	return a.Kind == KindSendAlert && a.Target == TargetAuditSystem
}

// checkBatch enforces the batch invariants: non-empty with exactly one audit
// alert in terminal position.
func checkBatch(actions []*SecurityAction) error {
	if len(actions) == 0 {
		return fmt.Errorf("%w: empty action list", ErrGenerationDefect)
	}
	audits := 0
	for _, a := range actions {
		if isAudit(a) {
			audits++
		}
	}
	if audits != 1 || !isAudit(actions[len(actions)-1]) {
		return fmt.Errorf("%w: audit action missing or not terminal", ErrGenerationDefect)
	}
	return nil
}

// orderByPriority stable-sorts actions ascending by priority. The audit alert
// stays last regardless of its priority.
func orderByPriority(actions []*SecurityAction) []*SecurityAction {
	out := make([]*SecurityAction, 0, len(actions))
	var audit []*SecurityAction
	for _, a := range actions {
		if isAudit(a) {
			audit = append(audit, a)
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return append(out, audit...)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
