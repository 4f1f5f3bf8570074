package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"response-engine/internal/queue"
	"response-engine/internal/schema"
)

// messageReader is the subset of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads events from the input topic and pushes them onto the
// engine queue. Offsets are committed only once the envelope is queued.
type Consumer struct {
	reader    messageReader
	queue     *queue.RingBuffer
	validator *schema.Validator
	config    *Config
	logger    *slog.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
	started atomic.Bool

	consumed      atomic.Int64
	bytesConsumed atomic.Int64
	rejected      atomic.Int64
	errors        atomic.Int64
	lastError     atomic.Value
	lastErrorTime atomic.Value
}

// NewConsumer creates a consumer for config.InputTopic.
func NewConsumer(config *Config, q *queue.RingBuffer, logger *slog.Logger) (*Consumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if q == nil {
		return nil, errors.New("kafka: queue is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer, err := config.Dialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           config.Brokers,
		GroupID:           config.ConsumerGroup,
		Topic:             config.InputTopic,
		Dialer:            dialer,
		MinBytes:          config.Consumer.MinBytes,
		MaxBytes:          config.Consumer.MaxBytes,
		MaxWait:           config.Consumer.MaxWait,
		StartOffset:       config.Consumer.StartOffset,
		HeartbeatInterval: config.Consumer.HeartbeatInterval,
		SessionTimeout:    config.Consumer.SessionTimeout,
		RebalanceTimeout:  config.Consumer.RebalanceTimeout,
		ReadBackoffMin:    100 * time.Millisecond,
		ReadBackoffMax:    time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	logger.Info("kafka consumer initialized",
		"brokers", config.Brokers,
		"topic", config.InputTopic,
		"group", config.ConsumerGroup,
	)

	return newConsumer(reader, q, config, logger), nil
}

func newConsumer(reader messageReader, q *queue.RingBuffer, config *Config, logger *slog.Logger) *Consumer {
	return &Consumer{
		reader:    reader,
		queue:     q,
		validator: schema.NewValidator(),
		config:    config,
		logger:    logger.With("component", "kafka-consumer"),
	}
}

// Start runs the consume loop in a goroutine until Stop or ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrConsumerClosed
	}
	if c.started.Swap(true) {
		return errors.New("kafka: consumer already started")
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.consumeLoop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("consumer loop exited with error", "error", err)
		}
	}()

	c.logger.Info("kafka consumer started", "topic", c.config.InputTopic)
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.recordError(err)
			c.logger.Error("failed to fetch message", "error", err)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.recordError(err)
			c.logger.Error("failed to enqueue message",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.recordError(err)
			c.logger.Error("failed to commit offset", "error", err, "offset", msg.Offset)
		}
	}
}

// handle decodes one message and queues it. Malformed messages are counted
// as rejected and return nil so their offset is committed and they are not
// redelivered forever.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	env, err := DecodeEnvelope(msg.Value, c.config.Source)
	if err == nil {
		err = c.validator.ValidateEnvelope(env)
	}
	if err != nil {
		c.rejected.Add(1)
		c.logger.Warn("rejecting message", "error", err, "offset", msg.Offset)
		return nil
	}

	for {
		err := c.queue.Push(env)
		if err == nil {
			c.consumed.Add(1)
			c.bytesConsumed.Add(int64(len(msg.Key) + len(msg.Value)))
			return nil
		}
		if !errors.Is(err, queue.ErrQueueFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.config.Consumer.EnqueueBackoff):
		}
	}
}

func (c *Consumer) recordError(err error) {
	c.errors.Add(1)
	c.lastError.Store(err.Error())
	c.lastErrorTime.Store(time.Now())
}

// DecodeEnvelope parses a message value into an envelope. See
// schema.ParseEnvelope for the accepted shapes.
func DecodeEnvelope(data []byte, source string) (*schema.Envelope, error) {
	env, err := schema.ParseEnvelope(data, source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return env, nil
}

// GetMetrics returns consumer counters.
func (c *Consumer) GetMetrics() Metrics {
	m := Metrics{
		MessagesConsumed: c.consumed.Load(),
		BytesConsumed:    c.bytesConsumed.Load(),
		Rejected:         c.rejected.Load(),
		Errors:           c.errors.Load(),
	}
	if v, ok := c.lastError.Load().(string); ok {
		m.LastError = v
	}
	if t, ok := c.lastErrorTime.Load().(time.Time); ok {
		m.LastErrorTime = t
	}
	return m
}

// Stop stops the consume loop and closes the reader.
func (c *Consumer) Stop() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.logger.Info("stopping kafka consumer",
		"messages_consumed", c.consumed.Load(),
		"rejected", c.rejected.Load(),
	)

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close consumer: %w", err)
	}
	return nil
}
