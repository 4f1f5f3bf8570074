package response

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Statistics is a point-in-time view of accumulated execution outcomes.
type Statistics struct {
	TotalActions         int64            `json:"total_actions"`
	SuccessfulActions    int64            `json:"successful_actions"`
	FailedActions        int64            `json:"failed_actions"`
	AverageExecutionTime float64          `json:"average_execution_time"`
	ActionsByType        map[string]int64 `json:"actions_by_type"`
	ActionsByPriority    map[string]int64 `json:"actions_by_priority"`
}

// AverageDuration returns the running average as a duration.
func (s Statistics) AverageDuration() time.Duration {
	return time.Duration(s.AverageExecutionTime * float64(time.Second))
}

// SuccessRate returns the success percentage rounded to two decimals.
func (s Statistics) SuccessRate() float64 {
	if s.TotalActions == 0 {
		return 0
	}
	rate := float64(s.SuccessfulActions) / float64(s.TotalActions) * 100
	return math.Round(rate*100) / 100
}

// Aggregator accumulates execution outcomes. Memory is bounded by the number
// of distinct kinds and priorities, not by the number of records.
type Aggregator struct {
	mu    sync.Mutex
	stats Statistics
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		stats: Statistics{
			ActionsByType:     make(map[string]int64),
			ActionsByPriority: make(map[string]int64),
		},
	}
}

// Record folds one outcome into the running totals.
func (a *Aggregator) Record(action *SecurityAction, success bool, duration time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := &a.stats
	s.TotalActions++
	if success {
		s.SuccessfulActions++
	} else {
		s.FailedActions++
	}

	n := float64(s.TotalActions)
	s.AverageExecutionTime = (s.AverageExecutionTime*(n-1) + duration.Seconds()) / n

	s.ActionsByType[string(action.Kind)]++
	s.ActionsByPriority[fmt.Sprintf("priority_%d", action.Priority)]++
}

// Snapshot returns a copy of the current totals.
func (a *Aggregator) Snapshot() Statistics {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := a.stats
	out.ActionsByType = make(map[string]int64, len(a.stats.ActionsByType))
	for k, v := range a.stats.ActionsByType {
		out.ActionsByType[k] = v
	}
	out.ActionsByPriority = make(map[string]int64, len(a.stats.ActionsByPriority))
	for k, v := range a.stats.ActionsByPriority {
		out.ActionsByPriority[k] = v
	}
	return out
}

// EngineStats is the statistics view exposed to downstream consumers.
type EngineStats struct {
	Statistics
	SuccessRatePercentage float64 `json:"success_rate_percentage"`
	ActiveActions         int     `json:"active_actions"`
	HistoryCount          int     `json:"history_count"`
}
