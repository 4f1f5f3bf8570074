package response

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Simulated executor delays before scaling.
var simulatedDelays = map[ActionKind]time.Duration{
	KindBlockAddress:       100 * time.Millisecond,
	KindLockAccount:        50 * time.Millisecond,
	KindIsolateHost:        200 * time.Millisecond,
	KindTerminateProcess:   20 * time.Millisecond,
	KindSendAlert:          10 * time.Millisecond,
	KindCreateFirewallRule: 100 * time.Millisecond,
	KindQuarantineFile:     50 * time.Millisecond,
	KindForceLogout:        30 * time.Millisecond,
}

// SimulatedExecutor stands in for a real control-plane integration. It waits
// a bounded delay and returns a synthetic payload describing the effect.
type SimulatedExecutor struct {
	kind    ActionKind
	delay   time.Duration
	payload func(a *SecurityAction) map[string]any
}

// Kind implements Executor.
func (s *SimulatedExecutor) Kind() ActionKind { return s.kind }

// Execute implements Executor.
func (s *SimulatedExecutor) Execute(ctx context.Context, action *SecurityAction) (map[string]any, error) {
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	slog.Info("executing simulated action",
		"action_type", s.kind,
		"target", action.Target,
		"action_id", action.ID)

	out := s.payload(action)
	out["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	out["simulated"] = true
	return out, nil
}

// Rollback implements Rollbacker. Simulated effects have nothing to undo.
func (s *SimulatedExecutor) Rollback(_ context.Context, action *SecurityAction) error {
	slog.Info("rolling back simulated action", "action_type", s.kind, "target", action.Target)
	return nil
}

// SimulatedExecutors returns one stand-in executor per action kind. scale
// multiplies the nominal delays; 0 disables them.
func SimulatedExecutors(scale float64) []Executor {
	if scale < 0 {
		scale = 0
	}
	payloads := map[ActionKind]func(a *SecurityAction) map[string]any{
		KindBlockAddress: func(a *SecurityAction) map[string]any {
			return map[string]any{
				"blocked_ip":       a.Target,
				"firewall_rule_id": "rule_" + shortID(),
				"status":           "blocked",
			}
		},
		KindLockAccount: func(a *SecurityAction) map[string]any {
			reason, _ := a.Parameters["reason"].(string)
			if reason == "" {
				reason = "Security policy violation"
			}
			return map[string]any{
				"locked_account": a.Target,
				"lock_reason":    reason,
				"status":         "locked",
			}
		},
		KindIsolateHost: func(a *SecurityAction) map[string]any {
			return map[string]any{
				"isolated_system": a.Target,
				"isolation_type":  "network",
				"status":          "isolated",
			}
		},
		KindTerminateProcess: func(a *SecurityAction) map[string]any {
			return map[string]any{
				"terminated_process": a.Target,
				"status":             "terminated",
			}
		},
		KindSendAlert: func(a *SecurityAction) map[string]any {
			msg, _ := a.Parameters["message"].(string)
			if msg == "" {
				msg = "Security alert"
			}
			return map[string]any{
				"alert_sent_to": a.Target,
				"alert_id":      uuid.NewString(),
				"message":       msg,
				"status":        "sent",
			}
		},
		KindCreateFirewallRule: func(a *SecurityAction) map[string]any {
			return map[string]any{
				"firewall_rule": a.Target,
				"rule_id":       "fw_rule_" + shortID(),
				"action_type":   "deny",
				"status":        "created",
			}
		},
		KindQuarantineFile: func(a *SecurityAction) map[string]any {
			return map[string]any{
				"quarantined_file":    a.Target,
				"quarantine_location": "/quarantine/" + shortID(),
				"status":              "quarantined",
			}
		},
		KindForceLogout: func(a *SecurityAction) map[string]any {
			sessions := 1
			if n, ok := a.Parameters["session_count"].(int); ok {
				sessions = n
			}
			return map[string]any{
				"logged_out_user":     a.Target,
				"sessions_terminated": sessions,
				"status":              "logged_out",
			}
		},
	}

	executors := make([]Executor, 0, len(payloads))
	for _, kind := range AllKinds() {
		executors = append(executors, &SimulatedExecutor{
			kind:    kind,
			delay:   time.Duration(float64(simulatedDelays[kind]) * scale),
			payload: payloads[kind],
		})
	}
	return executors
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
