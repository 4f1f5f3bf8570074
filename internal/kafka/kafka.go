// Package kafka connects the response engine to Kafka: raw security events
// are consumed from an input topic and batch reports are published to an
// output topic.
package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// Config describes the event and report topics and how to reach them.
type Config struct {
	Brokers []string `json:"brokers" yaml:"brokers"`

	// InputTopic carries raw events or envelopes into the engine.
	InputTopic string `json:"input_topic" yaml:"input_topic"`
	// OutputTopic receives batch reports. Empty disables publishing.
	OutputTopic   string `json:"output_topic" yaml:"output_topic"`
	ConsumerGroup string `json:"consumer_group" yaml:"consumer_group"`
	// Source is recorded on envelopes built from raw events.
	Source string `json:"source" yaml:"source"`

	Security SecurityConfig `json:"security" yaml:"security"`
	Producer ProducerConfig `json:"producer" yaml:"producer"`
	Consumer ConsumerConfig `json:"consumer" yaml:"consumer"`

	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// Security protocols.
const (
	ProtocolPlaintext     = "PLAINTEXT"
	ProtocolSSL           = "SSL"
	ProtocolSASLPlaintext = "SASL_PLAINTEXT"
	ProtocolSASLSSL       = "SASL_SSL"
)

// SecurityConfig holds transport security and authentication settings.
type SecurityConfig struct {
	Protocol string `json:"protocol" yaml:"protocol"`

	// Mechanism is PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512.
	Mechanism string `json:"mechanism,omitempty" yaml:"mechanism,omitempty"`
	Username  string `json:"username,omitempty" yaml:"username,omitempty"`
	Password  string `json:"-" yaml:"password,omitempty"`

	// TLS forces TLS under PLAINTEXT/SASL_PLAINTEXT.
	TLS        bool   `json:"tls" yaml:"tls"`
	CertFile   string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile    string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	CAFile     string `json:"ca_file,omitempty" yaml:"ca_file,omitempty"`
	SkipVerify bool   `json:"skip_verify,omitempty" yaml:"skip_verify,omitempty"`
}

// ProducerConfig tunes report publishing.
type ProducerConfig struct {
	// Compression is none, gzip, snappy, lz4 or zstd.
	Compression  string        `json:"compression" yaml:"compression"`
	BatchSize    int           `json:"batch_size" yaml:"batch_size"`
	BatchTimeout time.Duration `json:"batch_timeout" yaml:"batch_timeout"`
	MaxRetries   int           `json:"max_retries" yaml:"max_retries"`
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry_backoff"`
	RequiredAcks int           `json:"required_acks" yaml:"required_acks"` // -1 all, 1 leader, 0 none
}

// ConsumerConfig tunes event consumption.
type ConsumerConfig struct {
	MinBytes          int           `json:"min_bytes" yaml:"min_bytes"`
	MaxBytes          int           `json:"max_bytes" yaml:"max_bytes"`
	MaxWait           time.Duration `json:"max_wait" yaml:"max_wait"`
	StartOffset       int64         `json:"start_offset" yaml:"start_offset"` // -1 latest, -2 earliest
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	SessionTimeout    time.Duration `json:"session_timeout" yaml:"session_timeout"`
	RebalanceTimeout  time.Duration `json:"rebalance_timeout" yaml:"rebalance_timeout"`
	// EnqueueBackoff is the wait before retrying a message the full queue
	// turned away.
	EnqueueBackoff time.Duration `json:"enqueue_backoff" yaml:"enqueue_backoff"`
}

// DefaultConfig returns the defaults for a local single-broker setup.
func DefaultConfig() *Config {
	return &Config{
		Brokers:       []string{"localhost:9092"},
		InputTopic:    "security-events",
		OutputTopic:   "response-reports",
		ConsumerGroup: "response-engine",
		Source:        "kafka",
		Security: SecurityConfig{
			Protocol: ProtocolPlaintext,
		},
		Producer: ProducerConfig{
			Compression:  "lz4",
			BatchSize:    100,
			BatchTimeout: 10 * time.Millisecond,
			MaxRetries:   3,
			RetryBackoff: 100 * time.Millisecond,
			RequiredAcks: -1,
		},
		Consumer: ConsumerConfig{
			MinBytes:          1,
			MaxBytes:          10 << 20,
			MaxWait:           500 * time.Millisecond,
			StartOffset:       kafka.LastOffset,
			HeartbeatInterval: 3 * time.Second,
			SessionTimeout:    30 * time.Second,
			RebalanceTimeout:  60 * time.Second,
			EnqueueBackoff:    100 * time.Millisecond,
		},
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	switch {
	case len(c.Brokers) == 0:
		return errors.New("kafka: at least one broker is required")
	case c.InputTopic == "":
		return errors.New("kafka: input topic is required")
	case c.OutputTopic != "" && c.OutputTopic == c.InputTopic:
		return errors.New("kafka: output topic must differ from input topic")
	}
	return c.Security.validate()
}

func (s *SecurityConfig) validate() error {
	switch s.Protocol {
	case ProtocolPlaintext, ProtocolSSL:
		return nil
	case ProtocolSASLPlaintext, ProtocolSASLSSL:
	default:
		return fmt.Errorf("kafka: invalid security protocol: %q", s.Protocol)
	}

	if s.Username == "" || s.Password == "" {
		return errors.New("kafka: SASL username and password are required")
	}
	if _, err := s.mechanism(); err != nil {
		return err
	}
	return nil
}

func (s *SecurityConfig) usesSASL() bool {
	return s.Protocol == ProtocolSASLPlaintext || s.Protocol == ProtocolSASLSSL
}

func (s *SecurityConfig) usesTLS() bool {
	return s.TLS || s.Protocol == ProtocolSSL || s.Protocol == ProtocolSASLSSL
}

func (s *SecurityConfig) mechanism() (sasl.Mechanism, error) {
	switch s.Mechanism {
	case "PLAIN":
		return plain.Mechanism{Username: s.Username, Password: s.Password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, s.Username, s.Password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, s.Username, s.Password)
	}
	return nil, fmt.Errorf("kafka: invalid SASL mechanism: %q", s.Mechanism)
}

func (s *SecurityConfig) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if s.SkipVerify {
		slog.Warn("kafka TLS certificate verification disabled", "component", "kafka")
		cfg.InsecureSkipVerify = true
	}

	if s.CAFile != "" {
		pem, err := os.ReadFile(s.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in CA file %s", s.CAFile)
		}
		cfg.RootCAs = pool
	}

	if s.CertFile != "" && s.KeyFile != "" {
		pair, err := tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = append(cfg.Certificates, pair)
	}
	return cfg, nil
}

// Codec maps the configured producer compression onto kafka-go's codecs.
// Unknown names disable compression.
func (c *Config) Codec() kafka.Compression {
	codecs := map[string]kafka.Compression{
		"gzip":   kafka.Gzip,
		"snappy": kafka.Snappy,
		"lz4":    kafka.Lz4,
		"zstd":   kafka.Zstd,
	}
	return codecs[c.Producer.Compression]
}

// Dialer builds the dialer shared by the reader and the writer's transport.
func (c *Config) Dialer() (*kafka.Dialer, error) {
	d := &kafka.Dialer{Timeout: c.DialTimeout, DualStack: true}

	if c.Security.usesTLS() {
		tc, err := c.Security.tlsConfig()
		if err != nil {
			return nil, fmt.Errorf("kafka: TLS: %w", err)
		}
		d.TLS = tc
	}
	if c.Security.usesSASL() {
		m, err := c.Security.mechanism()
		if err != nil {
			return nil, err
		}
		d.SASLMechanism = m
	}
	return d, nil
}

// Metrics holds producer or consumer counters.
type Metrics struct {
	MessagesProduced int64     `json:"messages_produced"`
	MessagesConsumed int64     `json:"messages_consumed"`
	BytesProduced    int64     `json:"bytes_produced"`
	BytesConsumed    int64     `json:"bytes_consumed"`
	Rejected         int64     `json:"rejected"`
	Errors           int64     `json:"errors"`
	Retries          int64     `json:"retries"`
	LastError        string    `json:"last_error,omitempty"`
	LastErrorTime    time.Time `json:"last_error_time,omitempty"`
}

// Common errors.
var (
	ErrProducerClosed = errors.New("kafka: producer is closed")
	ErrConsumerClosed = errors.New("kafka: consumer is closed")
	ErrInvalidMessage = errors.New("kafka: invalid message")
)
