package response

import (
	"reflect"
	"testing"
	"time"
)

func TestAggregator_RunningAverage(t *testing.T) {
	agg := NewAggregator()
	action := &SecurityAction{Kind: KindBlockAddress, Priority: 1}

	for _, d := range []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second} {
		agg.Record(action, true, d)
	}

	snap := agg.Snapshot()
	if snap.AverageExecutionTime != 4.0 {
		t.Errorf("AverageExecutionTime = %v, want 4.0", snap.AverageExecutionTime)
	}
	if snap.AverageDuration() != 4*time.Second {
		t.Errorf("AverageDuration() = %v", snap.AverageDuration())
	}
}

func TestAggregator_Breakdowns(t *testing.T) {
	agg := NewAggregator()
	agg.Record(&SecurityAction{Kind: KindBlockAddress, Priority: 1}, true, time.Millisecond)
	agg.Record(&SecurityAction{Kind: KindLockAccount, Priority: 1}, false, time.Millisecond)
	agg.Record(&SecurityAction{Kind: KindSendAlert, Priority: 5}, true, time.Millisecond)

	snap := agg.Snapshot()
	if snap.TotalActions != 3 || snap.SuccessfulActions != 2 || snap.FailedActions != 1 {
		t.Errorf("counts = %+v", snap)
	}
	wantType := map[string]int64{"block_ip": 1, "lock_account": 1, "send_alert": 1}
	if !reflect.DeepEqual(snap.ActionsByType, wantType) {
		t.Errorf("ActionsByType = %v, want %v", snap.ActionsByType, wantType)
	}
	wantPriority := map[string]int64{"priority_1": 2, "priority_5": 1}
	if !reflect.DeepEqual(snap.ActionsByPriority, wantPriority) {
		t.Errorf("ActionsByPriority = %v, want %v", snap.ActionsByPriority, wantPriority)
	}
	if snap.SuccessRate() != 66.67 {
		t.Errorf("SuccessRate() = %v, want 66.67", snap.SuccessRate())
	}
}

func TestAggregator_SnapshotIsIdempotent(t *testing.T) {
	agg := NewAggregator()
	agg.Record(&SecurityAction{Kind: KindSendAlert, Priority: 3}, true, 10*time.Millisecond)

	first := agg.Snapshot()
	second := agg.Snapshot()
	if !reflect.DeepEqual(first, second) {
		t.Errorf("snapshots differ: %+v vs %+v", first, second)
	}

	first.ActionsByType["send_alert"] = 99
	if agg.Snapshot().ActionsByType["send_alert"] != 1 {
		t.Error("mutating a snapshot changed the aggregator")
	}
}

func TestAggregator_Empty(t *testing.T) {
	snap := NewAggregator().Snapshot()
	if snap.TotalActions != 0 || snap.AverageExecutionTime != 0 || snap.SuccessRate() != 0 {
		t.Errorf("empty snapshot = %+v", snap)
	}
}
