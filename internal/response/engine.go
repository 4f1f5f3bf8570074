package response

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"response-engine/internal/analysis"
	"response-engine/internal/schema"
)

var (
	// ErrActionNotFound is returned when an action ID is not in the ledger.
	ErrActionNotFound = errors.New("action not found")
	// ErrRollbackUnsupported is returned when the executor cannot undo its effect.
	ErrRollbackUnsupported = errors.New("executor does not support rollback")
)

// EngineConfig configures the execution engine.
type EngineConfig struct {
	// ExecutorTimeout bounds each executor call. Zero disables the bound.
	ExecutorTimeout time.Duration
	// OrderByPriority stable-sorts each batch by priority before execution.
	OrderByPriority bool
	// HistoryLimit caps the retained history. Zero keeps everything.
	HistoryLimit int
}

// DefaultEngineConfig returns default configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ExecutorTimeout: 30 * time.Second,
		OrderByPriority: true,
	}
}

// Engine generates and executes response actions and keeps the ledger of
// in-flight and finished actions.
type Engine struct {
	config    EngineConfig
	generator *Generator
	registry  *Registry
	analyzer  *analysis.Chain
	stats     *Aggregator
	metrics   *Metrics
	logger    *slog.Logger

	mu          sync.RWMutex
	inFlight    map[string]*SecurityAction
	history     []*SecurityAction
	index       map[string]*SecurityAction
	rollingBack map[string]struct{}
}

// NewEngine creates an engine. A nil analyzer uses the fallback analyzer only.
func NewEngine(config EngineConfig, registry *Registry, analyzer *analysis.Chain, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if analyzer == nil {
		analyzer = analysis.NewChain(nil, 0, logger)
	}
	return &Engine{
		config:      config,
		generator:   NewGenerator(),
		registry:    registry,
		analyzer:    analyzer,
		stats:       NewAggregator(),
		logger:      logger.With("component", "response-engine"),
		inFlight:    make(map[string]*SecurityAction),
		index:       make(map[string]*SecurityAction),
		rollingBack: make(map[string]struct{}),
	}
}

// SetMetrics attaches Prometheus collectors. Call before the engine is used.
func (e *Engine) SetMetrics(m *Metrics) {
	e.metrics = m
}

// Registry returns the executor registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Process assesses the envelope's event, unless it already carries an
// assessment, and executes the resulting batch.
func (e *Engine) Process(ctx context.Context, env *schema.Envelope) (*BatchReport, error) {
	if env == nil {
		return nil, fmt.Errorf("envelope is required")
	}

	ra := env.Assessment
	fallback := false
	if ra == nil {
		ra, fallback = e.assess(ctx, env.Event)
	}

	results, err := e.Run(ctx, ra, env.Event)
	if err != nil {
		return nil, err
	}
	return newBatchReport(env, ra, fallback, results), nil
}

// AnalyzeAndExecute assesses a raw event and executes the resulting batch.
// Analyzer failures fall back to the rule-based analyzer and are never
// returned.
func (e *Engine) AnalyzeAndExecute(ctx context.Context, event schema.Event) ([]ExecutionResult, error) {
	ra, _ := e.assess(ctx, event)
	return e.Run(ctx, ra, event)
}

func (e *Engine) assess(ctx context.Context, event schema.Event) (*schema.RiskAssessment, bool) {
	ra, fallback := e.analyzer.Assess(ctx, event)
	if fallback && e.metrics != nil {
		e.metrics.FallbackAssessments.Inc()
	}
	return ra, fallback
}

// Run generates the action batch for an assessed event and executes it one
// action at a time. Results are returned in attempt order. A failing action
// never stops the rest of the batch; only a generation defect fails the call.
func (e *Engine) Run(ctx context.Context, ra *schema.RiskAssessment, event schema.Event) ([]ExecutionResult, error) {
	actions, err := e.generator.Generate(ra, event)
	if err == nil {
		err = checkBatch(actions)
	}
	if err != nil {
		e.metrics.observeBatch("defect")
		e.logger.Error("action generation failed", "error", err)
		return nil, err
	}

	if e.config.OrderByPriority {
		actions = orderByPriority(actions)
	}

	e.logger.Info("executing security actions",
		"threat_id", ra.ID,
		"risk_score", ra.RiskScore,
		"count", len(actions))

	results := make([]ExecutionResult, 0, len(actions))
	failed := 0
	for _, action := range actions {
		res := e.ExecuteOne(ctx, action)
		if !res.Success {
			failed++
		}
		results = append(results, res)
	}

	if failed > 0 {
		e.metrics.observeBatch("partial")
	} else {
		e.metrics.observeBatch("completed")
	}
	return results, nil
}

// ExecuteOne executes a single pending action. It never returns an error:
// missing executors, executor errors, panics and timeouts all produce a
// failed result.
func (e *Engine) ExecuteOne(ctx context.Context, action *SecurityAction) ExecutionResult {
	start := time.Now()
	if err := e.begin(action, start); err != nil {
		return ExecutionResult{
			ActionID: action.ID,
			Kind:     action.Kind,
			Target:   action.Target,
			Priority: action.Priority,
			Error:    err.Error(),
		}
	}

	e.logger.Info("executing action",
		"action_id", action.ID,
		"action_type", action.Kind,
		"target", action.Target,
		"priority", action.Priority)

	data, timedOut, err := e.dispatch(ctx, action)
	duration := time.Since(start)

	res := ExecutionResult{
		ActionID: action.ID,
		Kind:     action.Kind,
		Target:   action.Target,
		Priority: action.Priority,
		Success:  err == nil,
		Duration: duration,
	}
	if err != nil {
		res.Error = err.Error()
		res.RollbackNeeded = timedOut
		e.logger.Error("action failed",
			"action_id", action.ID,
			"action_type", action.Kind,
			"error", err)
	} else {
		res.Data = data
		e.logger.Info("action completed",
			"action_id", action.ID,
			"action_type", action.Kind,
			"duration", duration)
	}

	e.finish(action, res)
	e.stats.Record(action, res.Success, duration)
	e.metrics.observeAction(res)
	return res
}

// dispatch resolves and invokes the executor for action. timedOut reports
// whether the executor was cut off by the per-action timeout, in which case
// its effect may have been partially applied.
func (e *Engine) dispatch(ctx context.Context, action *SecurityAction) (data map[string]any, timedOut bool, err error) {
	executor, err := e.registry.Resolve(action.Kind)
	if err != nil {
		return nil, false, err
	}

	execCtx := ctx
	if e.config.ExecutorTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.config.ExecutorTimeout)
		defer cancel()
	}

	// The executor works on a snapshot, so a result arriving after the
	// deadline is dropped without touching the tracked action.
	done := make(chan invokeResult, 1)
	go func() {
		d, err := invoke(execCtx, executor, e.snapshot(action))
		done <- invokeResult{data: d, err: err}
	}()

	var res invokeResult
	select {
	case res = <-done:
	case <-execCtx.Done():
		// Prefer a result that raced the deadline.
		select {
		case res = <-done:
		default:
			res.err = execCtx.Err()
		}
	}

	if res.err != nil && ctx.Err() == nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return nil, true, fmt.Errorf("action timed out after %s: %w", e.config.ExecutorTimeout, res.err)
	}
	if res.err == nil && res.data == nil {
		res.data = map[string]any{}
	}
	return res.data, false, res.err
}

type invokeResult struct {
	data map[string]any
	err  error
}

func invoke(ctx context.Context, executor Executor, action *SecurityAction) (data map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return executor.Execute(ctx, action)
}

// begin moves a pending action to executing and into the in-flight set.
func (e *Engine) begin(action *SecurityAction, start time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := action.transition(StatusExecuting); err != nil {
		return err
	}
	action.ExecutedAt = &start
	e.inFlight[action.ID] = action

	if e.metrics != nil {
		e.metrics.ActionsInFlight.Inc()
	}
	return nil
}

// finish records the outcome on the action and moves it to history.
func (e *Engine) finish(action *SecurityAction, res ExecutionResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	action.Duration = res.Duration
	if res.Success {
		action.Result = res.Data
		_ = action.transition(StatusCompleted)
	} else {
		action.Error = res.Error
		_ = action.transition(StatusFailed)
	}

	delete(e.inFlight, action.ID)
	e.history = append(e.history, action)
	e.index[action.ID] = action

	if e.config.HistoryLimit > 0 && len(e.history) > e.config.HistoryLimit {
		drop := len(e.history) - e.config.HistoryLimit
		for _, old := range e.history[:drop] {
			delete(e.index, old.ID)
		}
		e.history = e.history[drop:]
	}

	if e.metrics != nil {
		e.metrics.ActionsInFlight.Dec()
	}
}

func (e *Engine) snapshot(action *SecurityAction) *SecurityAction {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return action.clone()
}

// Action returns a copy of an in-flight or finished action.
func (e *Engine) Action(id string) (*SecurityAction, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if a, ok := e.inFlight[id]; ok {
		return a.clone(), true
	}
	if a, ok := e.index[id]; ok {
		return a.clone(), true
	}
	return nil, false
}

// History returns copies of the most recent finished actions, oldest first.
// limit <= 0 returns the whole history.
func (e *Engine) History(limit int) []*SecurityAction {
	e.mu.RLock()
	defer e.mu.RUnlock()

	start := 0
	if limit > 0 && len(e.history) > limit {
		start = len(e.history) - limit
	}
	out := make([]*SecurityAction, 0, len(e.history)-start)
	for _, a := range e.history[start:] {
		out = append(out, a.clone())
	}
	return out
}

// Stats returns the aggregate statistics together with ledger sizes.
func (e *Engine) Stats() EngineStats {
	snap := e.stats.Snapshot()

	e.mu.RLock()
	active := len(e.inFlight)
	historyCount := len(e.history)
	e.mu.RUnlock()

	return EngineStats{
		Statistics:            snap,
		SuccessRatePercentage: snap.SuccessRate(),
		ActiveActions:         active,
		HistoryCount:          historyCount,
	}
}

// Rollback undoes a completed action through its executor and marks it
// rolled back.
func (e *Engine) Rollback(ctx context.Context, id string) (*SecurityAction, error) {
	e.mu.Lock()
	action, ok := e.index[id]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	if _, busy := e.rollingBack[id]; busy || !CanTransition(action.Status, StatusRolledBack) {
		status := action.Status
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot roll back %s action %s", ErrInvalidTransition, status, id)
	}
	e.rollingBack[id] = struct{}{}
	snap := action.clone()
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.rollingBack, id)
		e.mu.Unlock()
	}()

	executor, err := e.registry.Resolve(snap.Kind)
	if err != nil {
		return nil, err
	}
	rb, ok := executor.(Rollbacker)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRollbackUnsupported, snap.Kind)
	}

	rctx := ctx
	if e.config.ExecutorTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, e.config.ExecutorTimeout)
		defer cancel()
	}
	if err := rb.Rollback(rctx, snap); err != nil {
		return nil, fmt.Errorf("rollback of action %s failed: %w", id, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := action.transition(StatusRolledBack); err != nil {
		return nil, err
	}
	e.logger.Info("action rolled back", "action_id", id, "action_type", action.Kind, "target", action.Target)
	return action.clone(), nil
}
