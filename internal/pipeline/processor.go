// Package pipeline drains queued envelopes through the response engine and
// publishes the resulting batch reports.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"response-engine/internal/queue"
	"response-engine/internal/response"
	"response-engine/internal/schema"
)

// Config holds the processor configuration.
type Config struct {
	Workers         int           `yaml:"workers"`
	ShutdownWait    time.Duration `yaml:"shutdown_wait"`
	DedupCacheSize  int           `yaml:"dedup_cache_size"`
	ReportCacheSize int           `yaml:"report_cache_size"`
}

// DefaultConfig returns the default processor configuration.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		ShutdownWait:    30 * time.Second,
		DedupCacheSize:  10000,
		ReportCacheSize: 1000,
	}
}

// BatchProcessor executes one envelope. *response.Engine satisfies it.
type BatchProcessor interface {
	Process(ctx context.Context, env *schema.Envelope) (*response.BatchReport, error)
}

// Publisher delivers batch reports downstream.
type Publisher interface {
	Publish(ctx context.Context, report *response.BatchReport) error
}

// Processor runs a pool of workers popping envelopes from the queue.
type Processor struct {
	queue     *queue.RingBuffer
	engine    BatchProcessor
	publisher Publisher
	config    Config
	logger    *slog.Logger

	seen    *lru.Cache[uuid.UUID, struct{}]
	reports *lru.Cache[uuid.UUID, *response.BatchReport]

	group  *errgroup.Group
	cancel context.CancelFunc

	processed     atomic.Uint64
	duplicates    atomic.Uint64
	failed        atomic.Uint64
	published     atomic.Uint64
	publishErrors atomic.Uint64
}

// New creates a processor. publisher may be nil.
func New(q *queue.RingBuffer, engine BatchProcessor, publisher Publisher, cfg Config, logger *slog.Logger) (*Processor, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.DedupCacheSize <= 0 {
		cfg.DedupCacheSize = DefaultConfig().DedupCacheSize
	}
	if cfg.ReportCacheSize <= 0 {
		cfg.ReportCacheSize = DefaultConfig().ReportCacheSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	seen, err := lru.New[uuid.UUID, struct{}](cfg.DedupCacheSize)
	if err != nil {
		return nil, err
	}
	reports, err := lru.New[uuid.UUID, *response.BatchReport](cfg.ReportCacheSize)
	if err != nil {
		return nil, err
	}

	return &Processor{
		queue:     q,
		engine:    engine,
		publisher: publisher,
		config:    cfg,
		logger:    logger.With("component", "pipeline"),
		seen:      seen,
		reports:   reports,
	}, nil
}

// Start launches the workers. They run until Stop or ctx is done.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)

	for i := 0; i < p.config.Workers; i++ {
		id := i
		p.group.Go(func() error {
			return p.worker(ctx, id)
		})
	}

	p.logger.Info("pipeline started", "workers", p.config.Workers)
}

func (p *Processor) worker(ctx context.Context, id int) error {
	p.logger.Debug("pipeline worker started", "worker_id", id)

	for {
		env, err := p.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) || ctx.Err() != nil {
				p.logger.Debug("pipeline worker stopping", "worker_id", id)
				return nil
			}
			return err
		}
		p.handle(ctx, env)
	}
}

// handle processes one envelope. Errors are counted and logged, never
// returned, so one bad envelope does not stop the worker.
func (p *Processor) handle(ctx context.Context, env *schema.Envelope) {
	if found, _ := p.seen.ContainsOrAdd(env.ID, struct{}{}); found {
		p.duplicates.Add(1)
		p.logger.Debug("skipping duplicate envelope", "envelope_id", env.ID)
		return
	}

	report, err := p.engine.Process(ctx, env)
	if err != nil {
		// Let a redelivery retry it.
		p.seen.Remove(env.ID)
		p.failed.Add(1)
		p.logger.Error("failed to process envelope", "envelope_id", env.ID, "error", err)
		return
	}
	p.processed.Add(1)
	p.reports.Add(env.ID, report)

	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, report); err != nil {
		p.publishErrors.Add(1)
		p.logger.Error("failed to publish report", "envelope_id", env.ID, "error", err)
		return
	}
	p.published.Add(1)
}

// Report returns the report for a recently processed envelope.
func (p *Processor) Report(id uuid.UUID) (*response.BatchReport, bool) {
	return p.reports.Get(id)
}

// Stop closes the queue, lets the workers drain it and waits up to
// ShutdownWait before cancelling in-flight work.
func (p *Processor) Stop() {
	p.queue.Close()
	if p.group == nil {
		return
	}

	done := make(chan error, 1)
	go func() { done <- p.group.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			p.logger.Error("pipeline stopped with error", "error", err)
		} else {
			p.logger.Info("pipeline stopped gracefully")
		}
	case <-time.After(p.config.ShutdownWait):
		p.logger.Warn("pipeline shutdown timed out, cancelling workers")
		p.cancel()
		<-done
	}
	p.cancel()
}

// Metrics returns processor statistics.
func (p *Processor) Metrics() Metrics {
	return Metrics{
		Processed:     p.processed.Load(),
		Duplicates:    p.duplicates.Load(),
		Failed:        p.failed.Load(),
		Published:     p.published.Load(),
		PublishErrors: p.publishErrors.Load(),
		Queue:         p.queue.Metrics(),
	}
}

// Metrics holds processor statistics.
type Metrics struct {
	Processed     uint64             `json:"processed"`
	Duplicates    uint64             `json:"duplicates"`
	Failed        uint64             `json:"failed"`
	Published     uint64             `json:"published"`
	PublishErrors uint64             `json:"publish_errors"`
	Queue         queue.QueueMetrics `json:"queue"`
}

// LogPublisher writes a summary of each report to the log.
type LogPublisher struct {
	Logger *slog.Logger
}

// Publish implements Publisher.
func (l LogPublisher) Publish(_ context.Context, report *response.BatchReport) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("batch report",
		"envelope_id", report.EnvelopeID,
		"threat_id", report.Assessment.ID,
		"risk_score", report.Assessment.RiskScore,
		"used_fallback", report.UsedFallback,
		"succeeded", report.Succeeded,
		"failed", report.Failed)
	return nil
}
