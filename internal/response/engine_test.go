package response

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"response-engine/internal/analysis"
	"response-engine/internal/schema"
)

type failingExecutor struct {
	kind ActionKind
}

func (f *failingExecutor) Kind() ActionKind { return f.kind }

func (f *failingExecutor) Execute(context.Context, *SecurityAction) (map[string]any, error) {
	return nil, errors.New("firewall api unreachable")
}

type slowExecutor struct {
	kind  ActionKind
	delay time.Duration
}

func (s *slowExecutor) Kind() ActionKind { return s.kind }

func (s *slowExecutor) Execute(ctx context.Context, _ *SecurityAction) (map[string]any, error) {
	select {
	case <-time.After(s.delay):
		return map[string]any{"status": "done"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// stuckExecutor ignores its context and succeeds once released.
type stuckExecutor struct {
	kind     ActionKind
	release  chan struct{}
	returned chan struct{}
}

func (s *stuckExecutor) Kind() ActionKind { return s.kind }

func (s *stuckExecutor) Execute(_ context.Context, action *SecurityAction) (map[string]any, error) {
	<-s.release
	action.Target = "mutated"
	defer close(s.returned)
	return map[string]any{"status": "late"}, nil
}

type panicExecutor struct {
	kind ActionKind
}

func (p *panicExecutor) Kind() ActionKind { return p.kind }

func (p *panicExecutor) Execute(context.Context, *SecurityAction) (map[string]any, error) {
	panic("boom")
}

type noRollbackExecutor struct {
	kind ActionKind
}

func (n *noRollbackExecutor) Kind() ActionKind { return n.kind }

func (n *noRollbackExecutor) Execute(context.Context, *SecurityAction) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}

func newTestEngine(t *testing.T, overrides ...Executor) *Engine {
	t.Helper()
	reg := NewRegistry(SimulatedExecutors(0)...)
	for _, ex := range overrides {
		reg.Register(ex)
	}
	cfg := DefaultEngineConfig()
	cfg.ExecutorTimeout = time.Second
	return NewEngine(cfg, reg, nil, nil)
}

func TestEngine_CriticalScenario(t *testing.T) {
	e := newTestEngine(t)
	ra := &schema.RiskAssessment{ID: "threat-1", RiskScore: 90, Severity: schema.SeverityCritical}

	results, err := e.Run(context.Background(), ra, schema.Event{"src_ip": "10.0.0.5", "user": "admin"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}

	want := []struct {
		kind     ActionKind
		target   string
		priority int
	}{
		{KindBlockAddress, "10.0.0.5", 1},
		{KindLockAccount, "admin", 1},
		{KindSendAlert, TargetAuditSystem, 5},
	}
	for i, w := range want {
		r := results[i]
		if r.Kind != w.kind || r.Target != w.target || r.Priority != w.priority {
			t.Errorf("result[%d] = %s/%s/p%d, want %s/%s/p%d", i, r.Kind, r.Target, r.Priority, w.kind, w.target, w.priority)
		}
		if !r.Success {
			t.Errorf("result[%d] failed: %s", i, r.Error)
		}
	}
	if results[0].Data["blocked_ip"] != "10.0.0.5" {
		t.Errorf("block payload = %v", results[0].Data)
	}

	stats := e.Stats()
	if stats.TotalActions != 3 || stats.SuccessfulActions != 3 || stats.SuccessRatePercentage != 100 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.ActionsByPriority["priority_1"] != 2 || stats.ActionsByPriority["priority_5"] != 1 {
		t.Errorf("ActionsByPriority = %v", stats.ActionsByPriority)
	}
	if stats.ActionsByType[string(KindSendAlert)] != 1 {
		t.Errorf("ActionsByType = %v", stats.ActionsByType)
	}
	if stats.ActiveActions != 0 || stats.HistoryCount != 3 {
		t.Errorf("active=%d history=%d", stats.ActiveActions, stats.HistoryCount)
	}
}

func TestEngine_FailureIsolation(t *testing.T) {
	tests := []struct {
		name     string
		executor Executor
		wantErr  string
		rollback bool
	}{
		{"executor error", &failingExecutor{kind: KindBlockAddress}, "unreachable", false},
		{"executor panic", &panicExecutor{kind: KindBlockAddress}, "panic", false},
		{"executor timeout", &slowExecutor{kind: KindBlockAddress, delay: 5 * time.Second}, "timed out", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, tt.executor)
			e.config.ExecutorTimeout = 50 * time.Millisecond
			ra := &schema.RiskAssessment{ID: "threat-2", RiskScore: 95, Severity: schema.SeverityCritical}

			results, err := e.Run(context.Background(), ra, schema.Event{"src_ip": "10.0.0.5", "user": "admin"})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if len(results) != 3 {
				t.Fatalf("got %d results, want 3", len(results))
			}
			if results[0].Success || results[0].Error == "" {
				t.Errorf("failing action result = %+v", results[0])
			}
			if !strings.Contains(results[0].Error, tt.wantErr) {
				t.Errorf("error = %q, want substring %q", results[0].Error, tt.wantErr)
			}
			if results[0].RollbackNeeded != tt.rollback {
				t.Errorf("RollbackNeeded = %v, want %v", results[0].RollbackNeeded, tt.rollback)
			}
			for _, r := range results[1:] {
				if !r.Success {
					t.Errorf("action %s failed: %s", r.Kind, r.Error)
				}
			}

			failed, ok := e.Action(results[0].ActionID)
			if !ok || failed.Status != StatusFailed || failed.Error == "" {
				t.Errorf("ledger entry = %+v", failed)
			}
			stats := e.Stats()
			if stats.FailedActions != 1 || stats.SuccessfulActions != 2 {
				t.Errorf("stats = %+v", stats.Statistics)
			}
			if stats.SuccessRatePercentage != 66.67 {
				t.Errorf("success rate = %v, want 66.67", stats.SuccessRatePercentage)
			}
		})
	}
}

func TestEngine_TimeoutIgnoredContext(t *testing.T) {
	stuck := &stuckExecutor{kind: KindBlockAddress, release: make(chan struct{}), returned: make(chan struct{})}
	e := newTestEngine(t, stuck)
	e.config.ExecutorTimeout = 50 * time.Millisecond
	ra := &schema.RiskAssessment{ID: "threat-3", RiskScore: 95, Severity: schema.SeverityCritical}

	start := time.Now()
	results, err := e.Run(context.Background(), ra, schema.Event{"src_ip": "10.0.0.5", "user": "admin"})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("batch took %s, executor timeout was not enforced", elapsed)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].Success || !strings.Contains(results[0].Error, "timed out") {
		t.Errorf("block result = %+v, want timed out failure", results[0])
	}
	if !results[0].RollbackNeeded {
		t.Error("RollbackNeeded = false, want true for a timed out action")
	}
	for _, r := range results[1:] {
		if !r.Success {
			t.Errorf("action %s failed: %s", r.Kind, r.Error)
		}
	}

	close(stuck.release)
	select {
	case <-stuck.returned:
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not return after release")
	}
	time.Sleep(10 * time.Millisecond)

	a, ok := e.Action(results[0].ActionID)
	if !ok {
		t.Fatal("timed out action missing from ledger")
	}
	if a.Status != StatusFailed || a.Result != nil || a.Target != "10.0.0.5" {
		t.Errorf("late result leaked into ledger: status=%s result=%v target=%s", a.Status, a.Result, a.Target)
	}
	if stats := e.Stats(); stats.FailedActions != 1 || stats.SuccessfulActions != 2 {
		t.Errorf("stats = %+v", stats.Statistics)
	}
}

func TestEngine_MissingExecutorFailsAction(t *testing.T) {
	reg := NewRegistry(SimulatedExecutors(0)...)
	delete(reg.executors, KindLockAccount)
	e := NewEngine(DefaultEngineConfig(), reg, nil, nil)

	if err := reg.Validate(); !errors.Is(err, ErrExecutorNotFound) {
		t.Errorf("Validate() error = %v, want ErrExecutorNotFound", err)
	}

	ra := &schema.RiskAssessment{ID: "t", RiskScore: 90, Severity: schema.SeverityCritical}
	results, err := e.Run(context.Background(), ra, schema.Event{"user": "admin"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Success || !strings.Contains(results[0].Error, "no executor") {
		t.Errorf("result[0] = %+v", results[0])
	}
	if !results[1].Success {
		t.Errorf("audit action failed: %s", results[1].Error)
	}
}

func TestEngine_LedgerInvariants(t *testing.T) {
	e := newTestEngine(t, &failingExecutor{kind: KindLockAccount})
	ra := &schema.RiskAssessment{ID: "t", RiskScore: 85, Severity: schema.SeverityCritical}

	results, err := e.Run(context.Background(), ra, schema.Event{"src_ip": "1.2.3.4", "user": "admin"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	history := e.History(0)
	if len(history) != len(results) {
		t.Fatalf("history has %d entries, want %d", len(history), len(results))
	}
	for i, a := range history {
		if a.ID != results[i].ActionID {
			t.Errorf("history[%d] = %s, want %s", i, a.ID, results[i].ActionID)
		}
		if a.Status != StatusCompleted && a.Status != StatusFailed {
			t.Errorf("history[%d] status = %s", i, a.Status)
		}
		if a.ExecutedAt == nil {
			t.Errorf("history[%d] missing executed_at", i)
		}
	}

	// Re-executing a finished action is rejected and not recorded twice.
	done := e.index[results[0].ActionID]
	res := e.ExecuteOne(context.Background(), done)
	if res.Success || !strings.Contains(res.Error, ErrInvalidTransition.Error()) {
		t.Errorf("re-execution result = %+v", res)
	}
	if got := e.Stats().HistoryCount; got != len(results) {
		t.Errorf("history count = %d after re-execution, want %d", got, len(results))
	}
	if got := e.Stats().TotalActions; got != int64(len(results)) {
		t.Errorf("total actions = %d after re-execution, want %d", got, len(results))
	}

	// Copies returned by the ledger do not alias it.
	copyA, _ := e.Action(results[0].ActionID)
	copyA.Parameters["reason"] = "tampered"
	orig, _ := e.Action(results[0].ActionID)
	if orig.Parameters["reason"] == "tampered" {
		t.Error("Action() returned an aliased copy")
	}
}

func TestEngine_OrderByPriority(t *testing.T) {
	e := newTestEngine(t)
	e.config.OrderByPriority = true

	// Tier actions are already priority ordered, so the sort keeps the
	// generated order and the audit alert terminal.
	ra := &schema.RiskAssessment{ID: "t", RiskScore: 65, Severity: schema.SeverityHigh}
	results, err := e.Run(context.Background(), ra, schema.Event{"a": "b"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(results) != 2 || results[0].Target != TargetSecurityTeam || results[1].Target != TargetAuditSystem {
		t.Errorf("results = %+v", results)
	}
}

func TestEngine_ConcurrentBatches(t *testing.T) {
	e := newTestEngine(t)
	ra := &schema.RiskAssessment{ID: "t", RiskScore: 90, Severity: schema.SeverityCritical}

	const batches = 25
	var wg sync.WaitGroup
	for i := 0; i < batches; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Run(context.Background(), ra, schema.Event{"src_ip": "10.0.0.5", "user": "admin"}); err != nil {
				t.Errorf("Run() error = %v", err)
			}
		}()
	}
	wg.Wait()

	stats := e.Stats()
	if stats.TotalActions != batches*3 || stats.HistoryCount != batches*3 || stats.ActiveActions != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestEngine_AnalyzeAndExecuteFallback(t *testing.T) {
	e := newTestEngine(t)

	results, err := e.AnalyzeAndExecute(context.Background(), schema.Event{"type": "malware_detected", "host": "ws-42"})
	if err != nil {
		t.Fatalf("AnalyzeAndExecute() error = %v", err)
	}
	if len(results) != 1 || results[0].Target != TargetAuditSystem {
		t.Fatalf("results = %+v", results)
	}

	a, _ := e.Action(results[0].ActionID)
	if !strings.HasPrefix(a.ThreatID, "FALLBACK_") {
		t.Errorf("ThreatID = %s, want fallback id", a.ThreatID)
	}
}

type erroringAnalyzer struct{}

func (erroringAnalyzer) Analyze(context.Context, schema.Event) (*schema.RiskAssessment, error) {
	return nil, errors.New("model offline")
}

func TestEngine_Process(t *testing.T) {
	reg := NewRegistry(SimulatedExecutors(0)...)
	chain := analysis.NewChain(erroringAnalyzer{}, time.Second, nil)
	e := NewEngine(DefaultEngineConfig(), reg, chain, nil)
	promReg := prometheus.NewRegistry()
	e.SetMetrics(NewMetrics(promReg))

	t.Run("fallback assessment", func(t *testing.T) {
		env := schema.NewEnvelope("edr", schema.Event{"message": "exploit attempt", "src_ip": "10.1.1.1"})
		report, err := e.Process(context.Background(), env)
		if err != nil {
			t.Fatalf("Process() error = %v", err)
		}
		if !report.UsedFallback || report.Assessment.RiskScore != 80 {
			t.Errorf("report = %+v", report)
		}
		if report.EnvelopeID != env.ID || report.Succeeded != 2 || report.Failed != 0 {
			t.Errorf("report totals = %+v", report)
		}
	})

	t.Run("supplied assessment", func(t *testing.T) {
		env := schema.NewEnvelope("siem", schema.Event{"message": "port scan"})
		env.Assessment = &schema.RiskAssessment{ID: "ext-1", RiskScore: 45, Severity: schema.SeverityMedium}
		report, err := e.Process(context.Background(), env)
		if err != nil {
			t.Fatalf("Process() error = %v", err)
		}
		if report.UsedFallback || report.Assessment.ID != "ext-1" || len(report.Results) != 2 {
			t.Errorf("report = %+v", report)
		}
	})

	if got := testutil.ToFloat64(e.metrics.FallbackAssessments); got != 1 {
		t.Errorf("fallback assessments = %v, want 1", got)
	}
	if got := testutil.ToFloat64(e.metrics.ActionsTotal.WithLabelValues(string(KindSendAlert), string(StatusCompleted))); got != 3 {
		t.Errorf("completed send_alert actions = %v, want 3", got)
	}
	if got := testutil.ToFloat64(e.metrics.BatchesTotal.WithLabelValues("completed")); got != 2 {
		t.Errorf("completed batches = %v, want 2", got)
	}
	if got := testutil.ToFloat64(e.metrics.ActionsInFlight); got != 0 {
		t.Errorf("in-flight gauge = %v, want 0", got)
	}
}

func TestEngine_GenerationDefect(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Run(context.Background(), nil, schema.Event{}); !errors.Is(err, ErrGenerationDefect) {
		t.Errorf("Run(nil) error = %v, want ErrGenerationDefect", err)
	}
	if e.Stats().TotalActions != 0 {
		t.Error("defective batch recorded statistics")
	}
}

func TestEngine_Rollback(t *testing.T) {
	e := newTestEngine(t, &failingExecutor{kind: KindLockAccount}, &noRollbackExecutor{kind: KindSendAlert})
	ra := &schema.RiskAssessment{ID: "t", RiskScore: 90, Severity: schema.SeverityCritical}
	results, err := e.Run(context.Background(), ra, schema.Event{"src_ip": "10.0.0.5", "user": "admin"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	blocked, locked, audit := results[0].ActionID, results[1].ActionID, results[2].ActionID

	a, err := e.Rollback(context.Background(), blocked)
	if err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if a.Status != StatusRolledBack {
		t.Errorf("status = %s, want rolled_back", a.Status)
	}

	tests := []struct {
		name string
		id   string
		want error
	}{
		{"already rolled back", blocked, ErrInvalidTransition},
		{"failed action", locked, ErrInvalidTransition},
		{"executor without rollback", audit, ErrRollbackUnsupported},
		{"unknown action", "nope", ErrActionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.Rollback(context.Background(), tt.id); !errors.Is(err, tt.want) {
				t.Errorf("Rollback() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEngine_HistoryLimit(t *testing.T) {
	e := newTestEngine(t)
	e.config.HistoryLimit = 4
	ra := &schema.RiskAssessment{ID: "t", RiskScore: 90, Severity: schema.SeverityCritical}

	var first string
	for i := 0; i < 3; i++ {
		results, _ := e.Run(context.Background(), ra, schema.Event{"src_ip": "10.0.0.5", "user": "admin"})
		if i == 0 {
			first = results[0].ActionID
		}
	}
	if got := len(e.History(0)); got != 4 {
		t.Errorf("history length = %d, want 4", got)
	}
	if got := len(e.History(2)); got != 2 {
		t.Errorf("History(2) length = %d", got)
	}
	if _, ok := e.Action(first); ok {
		t.Error("trimmed action still resolvable")
	}
	if e.Stats().TotalActions != 9 {
		t.Error("statistics must not be affected by history trimming")
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to ActionStatus
		want     bool
	}{
		{StatusPending, StatusExecuting, true},
		{StatusExecuting, StatusCompleted, true},
		{StatusExecuting, StatusFailed, true},
		{StatusCompleted, StatusRolledBack, true},
		{StatusPending, StatusCompleted, false},
		{StatusCompleted, StatusExecuting, false},
		{StatusFailed, StatusExecuting, false},
		{StatusFailed, StatusRolledBack, false},
		{StatusRolledBack, StatusCompleted, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
