package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"response-engine/internal/response"
)

// messageWriter is the subset of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes batch reports to the output topic, keyed by envelope
// ID so every report for an envelope lands on the same partition.
type Producer struct {
	writer messageWriter
	config *Config
	logger *slog.Logger
	closed atomic.Bool

	produced      atomic.Int64
	bytesProduced atomic.Int64
	errors        atomic.Int64
	retries       atomic.Int64
	lastError     atomic.Value
	lastErrorTime atomic.Value
}

// NewProducer creates a producer for config.OutputTopic.
func NewProducer(config *Config, logger *slog.Logger) (*Producer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.OutputTopic == "" {
		return nil, errors.New("kafka: output topic is required for the producer")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer, err := config.Dialer()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.OutputTopic,
		Balancer:     &kafka.Hash{},
		BatchSize:    config.Producer.BatchSize,
		BatchTimeout: config.Producer.BatchTimeout,
		MaxAttempts:  1,
		WriteTimeout: config.WriteTimeout,
		ReadTimeout:  config.ReadTimeout,
		RequiredAcks: kafka.RequiredAcks(config.Producer.RequiredAcks),
		Compression:  config.Codec(),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	logger.Info("kafka producer initialized",
		"brokers", config.Brokers,
		"topic", config.OutputTopic,
		"compression", config.Producer.Compression,
	)

	return newProducer(writer, config, logger), nil
}

func newProducer(writer messageWriter, config *Config, logger *slog.Logger) *Producer {
	return &Producer{
		writer: writer,
		config: config,
		logger: logger.With("component", "kafka-producer"),
	}
}

// Publish serializes the report as JSON and writes it to the output topic.
func (p *Producer) Publish(ctx context.Context, report *response.BatchReport) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	if report == nil {
		return fmt.Errorf("%w: nil report", ErrInvalidMessage)
	}

	value, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal report: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(report.EnvelopeID.String()),
		Value: value,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "used_fallback", Value: []byte(strconv.FormatBool(report.UsedFallback))},
		},
	}
	if report.Assessment != nil {
		msg.Headers = append(msg.Headers,
			kafka.Header{Key: "threat_id", Value: []byte(report.Assessment.ID)},
			kafka.Header{Key: "severity", Value: []byte(report.Assessment.Severity)},
		)
	}

	return p.write(ctx, msg)
}

// write sends messages with exponential backoff between attempts.
func (p *Producer) write(ctx context.Context, messages ...kafka.Message) error {
	var lastErr error
	backoff := p.config.Producer.RetryBackoff

	for attempt := 0; attempt <= p.config.Producer.MaxRetries; attempt++ {
		if attempt > 0 {
			p.retries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := p.writer.WriteMessages(ctx, messages...)
		if err == nil {
			for _, msg := range messages {
				p.produced.Add(1)
				p.bytesProduced.Add(int64(len(msg.Key) + len(msg.Value)))
			}
			return nil
		}

		lastErr = err
		p.errors.Add(1)
		p.lastError.Store(err.Error())
		p.lastErrorTime.Store(time.Now())

		p.logger.Warn("kafka produce failed",
			"error", err,
			"attempt", attempt+1,
			"max_attempts", p.config.Producer.MaxRetries+1,
		)

		if isNonRetryableError(err) {
			return fmt.Errorf("kafka: non-retryable error: %w", err)
		}
	}

	return fmt.Errorf("kafka: failed after %d attempts: %w", p.config.Producer.MaxRetries+1, lastErr)
}

// GetMetrics returns producer counters.
func (p *Producer) GetMetrics() Metrics {
	m := Metrics{
		MessagesProduced: p.produced.Load(),
		BytesProduced:    p.bytesProduced.Load(),
		Errors:           p.errors.Load(),
		Retries:          p.retries.Load(),
	}
	if v, ok := p.lastError.Load().(string); ok {
		m.LastError = v
	}
	if t, ok := p.lastErrorTime.Load().(time.Time); ok {
		m.LastErrorTime = t
	}
	return m
}

// Close flushes buffered messages and closes the writer.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.logger.Info("closing kafka producer", "messages_produced", p.produced.Load())

	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close producer: %w", err)
	}
	return nil
}

func isNonRetryableError(err error) bool {
	switch {
	case errors.Is(err, kafka.MessageSizeTooLarge),
		errors.Is(err, kafka.InvalidTopic),
		errors.Is(err, kafka.TopicAuthorizationFailed),
		errors.Is(err, kafka.ClusterAuthorizationFailed):
		return true
	}
	return false
}
