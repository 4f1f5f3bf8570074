// Package response turns risk assessments into prioritized containment and
// notification actions and executes them against pluggable executors.
package response

import (
	"errors"
	"fmt"
	"time"
)

// ActionKind is the closed set of automated response operations.
type ActionKind string

const (
	KindBlockAddress       ActionKind = "block_ip"
	KindLockAccount        ActionKind = "lock_account"
	KindIsolateHost        ActionKind = "isolate_system"
	KindTerminateProcess   ActionKind = "terminate_process"
	KindSendAlert          ActionKind = "send_alert"
	KindCreateFirewallRule ActionKind = "create_firewall_rule"
	KindQuarantineFile     ActionKind = "quarantine_file"
	KindForceLogout        ActionKind = "force_logout"
)

// AllKinds returns every supported action kind. Adding a kind here makes the
// registry exhaustiveness check demand an executor for it.
func AllKinds() []ActionKind {
	return []ActionKind{
		KindBlockAddress,
		KindLockAccount,
		KindIsolateHost,
		KindTerminateProcess,
		KindSendAlert,
		KindCreateFirewallRule,
		KindQuarantineFile,
		KindForceLogout,
	}
}

// IsValid reports whether k is a member of the closed kind set.
func (k ActionKind) IsValid() bool {
	for _, known := range AllKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// ActionStatus is the lifecycle state of an action.
type ActionStatus string

const (
	StatusPending    ActionStatus = "pending"
	StatusExecuting  ActionStatus = "executing"
	StatusCompleted  ActionStatus = "completed"
	StatusFailed     ActionStatus = "failed"
	StatusRolledBack ActionStatus = "rolled_back"
)

// ErrInvalidTransition is returned when an action is moved to a state its
// current state does not allow.
var ErrInvalidTransition = errors.New("invalid action status transition")

var transitions = map[ActionStatus][]ActionStatus{
	StatusPending:   {StatusExecuting},
	StatusExecuting: {StatusCompleted, StatusFailed},
	StatusCompleted: {StatusRolledBack},
}

// CanTransition reports whether an action may move from one status to another.
func CanTransition(from, to ActionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priorities, 1 is the most urgent.
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityMedium   = 3
	PriorityLow      = 4
	PriorityAudit    = 5
)

// SecurityAction is a planned operation against one target.
type SecurityAction struct {
	ID         string         `json:"action_id"`
	Kind       ActionKind     `json:"action_type"`
	Target     string         `json:"target"`
	Parameters map[string]any `json:"parameters"`
	Priority   int            `json:"priority"`
	ThreatID   string         `json:"threat_id"`
	CreatedAt  time.Time      `json:"created_at"`

	Status     ActionStatus   `json:"status"`
	ExecutedAt *time.Time     `json:"executed_at,omitempty"`
	Duration   time.Duration  `json:"execution_time,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

func (a *SecurityAction) transition(to ActionStatus) error {
	if !CanTransition(a.Status, to) {
		return fmt.Errorf("%w: %s -> %s (action %s)", ErrInvalidTransition, a.Status, to, a.ID)
	}
	a.Status = to
	return nil
}

// clone returns a copy that shares no maps with a.
func (a *SecurityAction) clone() *SecurityAction {
	c := *a
	c.Parameters = copyMap(a.Parameters)
	c.Result = copyMap(a.Result)
	if a.ExecutedAt != nil {
		t := *a.ExecutedAt
		c.ExecutedAt = &t
	}
	return &c
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ExecutionResult is the outcome of one execution attempt.
type ExecutionResult struct {
	ActionID       string         `json:"action_id"`
	Kind           ActionKind     `json:"action_type"`
	Target         string         `json:"target"`
	Priority       int            `json:"priority"`
	Success        bool           `json:"success"`
	Duration       time.Duration  `json:"execution_time"`
	Data           map[string]any `json:"result_data,omitempty"`
	Error          string         `json:"error_message,omitempty"`
	RollbackNeeded bool           `json:"rollback_needed,omitempty"`
}
