// Package config handles configuration loading for the response engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"response-engine/internal/api"
	"response-engine/internal/containment"
	"response-engine/internal/kafka"
	"response-engine/internal/middleware"
	"response-engine/internal/pipeline"
	"response-engine/internal/response"
)

// DefaultPath is used when RESPONSE_CONFIG_PATH is unset.
const DefaultPath = "configs/config.yaml"

// Config holds the complete application configuration.
type Config struct {
	Server    ServerConfig               `yaml:"server"`
	Auth      api.AuthConfig             `yaml:"auth"`
	RateLimit middleware.RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig              `yaml:"logging"`
	Engine    EngineConfig               `yaml:"engine"`
	Analyzer  AnalyzerConfig             `yaml:"analyzer"`
	Queue     QueueConfig                `yaml:"queue"`
	Pipeline  pipeline.Config            `yaml:"pipeline"`
	Kafka     KafkaConfig                `yaml:"kafka"`
	Redis     RedisConfig                `yaml:"redis"`
	Alerting  AlertingConfig             `yaml:"alerting"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort       int           `yaml:"http_port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxPayloadSize int           `yaml:"max_payload_size"`
	// Production enables error sanitization on HTTP responses.
	Production bool `yaml:"production"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EngineConfig holds response engine settings.
type EngineConfig struct {
	ExecutorTimeout time.Duration `yaml:"executor_timeout"`
	OrderByPriority bool          `yaml:"order_by_priority"`
	// DelayScale multiplies the simulated executor delays. 0 disables them.
	DelayScale   float64 `yaml:"delay_scale"`
	HistoryLimit int     `yaml:"history_limit"`
}

// Response converts to the engine's own config type.
func (e EngineConfig) Response() response.EngineConfig {
	return response.EngineConfig{
		ExecutorTimeout: e.ExecutorTimeout,
		OrderByPriority: e.OrderByPriority,
		HistoryLimit:    e.HistoryLimit,
	}
}

// Analyzer providers.
const (
	ProviderNone   = "none"
	ProviderOpenAI = "openai"
)

// AnalyzerConfig selects the reasoning collaborator.
type AnalyzerConfig struct {
	Provider    string        `yaml:"provider"`
	Model       string        `yaml:"model"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Temperature float32       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// QueueConfig holds queue settings.
type QueueConfig struct {
	Size int `yaml:"size"`
}

// KafkaConfig enables the Kafka transport.
type KafkaConfig struct {
	Enabled      bool `yaml:"enabled"`
	kafka.Config `yaml:",inline"`
}

// RedisConfig enables the Redis-backed containment executors.
type RedisConfig struct {
	Enabled                 bool          `yaml:"enabled"`
	BlockTTL                time.Duration `yaml:"block_ttl"`
	containment.RedisConfig `yaml:",inline"`
}

// AlertingConfig configures the webhook alert executor.
type AlertingConfig struct {
	WebhookURL     string            `yaml:"webhook_url"`
	WebhookHeaders map[string]string `yaml:"webhook_headers"`
	Timeout        time.Duration     `yaml:"timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:       8080,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   60 * time.Second,
			MaxPayloadSize: 1024 * 1024, // 1MB
		},
		Auth: api.AuthConfig{
			APIKeyHeader: "X-API-Key",
		},
		RateLimit: middleware.DefaultRateLimitConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Engine: EngineConfig{
			ExecutorTimeout: 30 * time.Second,
			OrderByPriority: true,
			DelayScale:      1.0,
		},
		Analyzer: AnalyzerConfig{
			Provider:    ProviderNone,
			Temperature: 0.1,
			MaxTokens:   1000,
			Timeout:     30 * time.Second,
		},
		Queue: QueueConfig{
			Size: 10000,
		},
		Pipeline: pipeline.DefaultConfig(),
		Kafka: KafkaConfig{
			Config: *kafka.DefaultConfig(),
		},
		Redis: RedisConfig{
			BlockTTL: 24 * time.Hour,
			RedisConfig: containment.RedisConfig{
				Addr:         "localhost:6379",
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
				PoolSize:     10,
				MaxRetries:   3,
			},
		},
		Alerting: AlertingConfig{
			Timeout: 10 * time.Second,
		},
	}
}

// Load reads the file named by RESPONSE_CONFIG_PATH (or DefaultPath). A
// missing file yields the defaults. Environment overrides are applied
// either way.
func Load() (*Config, error) {
	path := os.Getenv("RESPONSE_CONFIG_PATH")
	if path == "" {
		path = DefaultPath
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("RESPONSE_HTTP_PORT"); port != "" {
		if v, err := strconv.Atoi(port); err == nil {
			c.Server.HTTPPort = v
		}
	}
	if os.Getenv("RESPONSE_PRODUCTION") == "true" {
		c.Server.Production = true
	}

	if apiKey := os.Getenv("RESPONSE_API_KEY"); apiKey != "" {
		c.Auth.APIKeys = append(c.Auth.APIKeys, apiKey)
		c.Auth.Enabled = true
	}

	if os.Getenv("RESPONSE_RATE_LIMIT_ENABLED") == "false" {
		c.RateLimit.Enabled = false
	}

	if level := os.Getenv("RESPONSE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("RESPONSE_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if timeout := os.Getenv("RESPONSE_EXECUTOR_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			c.Engine.ExecutorTimeout = d
		}
	}
	if scale := os.Getenv("RESPONSE_DELAY_SCALE"); scale != "" {
		if v, err := strconv.ParseFloat(scale, 64); err == nil {
			c.Engine.DelayScale = v
		}
	}

	if provider := os.Getenv("RESPONSE_ANALYZER_PROVIDER"); provider != "" {
		c.Analyzer.Provider = provider
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Analyzer.APIKey = key
	}
	if url := os.Getenv("OPENAI_BASE_URL"); url != "" {
		c.Analyzer.BaseURL = url
	}
	if model := os.Getenv("RESPONSE_ANALYZER_MODEL"); model != "" {
		c.Analyzer.Model = model
	}

	if os.Getenv("RESPONSE_KAFKA_ENABLED") == "true" {
		c.Kafka.Enabled = true
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
	}

	if os.Getenv("RESPONSE_REDIS_ENABLED") == "true" {
		c.Redis.Enabled = true
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Redis.Password = pass
	}

	if url := os.Getenv("RESPONSE_WEBHOOK_URL"); url != "" {
		c.Alerting.WebhookURL = url
	}
}

func splitAndTrim(s, sep string) []string {
	var parts []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}
	if c.Server.MaxPayloadSize <= 0 {
		return fmt.Errorf("max_payload_size must be positive")
	}

	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth enabled but no api_keys configured")
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerClient <= 0 {
		return fmt.Errorf("rate_limit requests_per_client must be positive")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}

	if c.Engine.ExecutorTimeout < 0 {
		return fmt.Errorf("executor_timeout must not be negative")
	}
	if c.Engine.DelayScale < 0 {
		return fmt.Errorf("delay_scale must not be negative")
	}
	if c.Engine.HistoryLimit < 0 {
		return fmt.Errorf("history_limit must not be negative")
	}

	switch c.Analyzer.Provider {
	case ProviderNone, "":
	case ProviderOpenAI:
		if c.Analyzer.APIKey == "" {
			return fmt.Errorf("analyzer provider %q requires api_key", ProviderOpenAI)
		}
	default:
		return fmt.Errorf("unknown analyzer provider: %q", c.Analyzer.Provider)
	}

	if c.Queue.Size <= 0 {
		return fmt.Errorf("queue size must be positive")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline workers must be positive")
	}

	if c.Kafka.Enabled {
		if err := c.Kafka.Config.Validate(); err != nil {
			return err
		}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when redis is enabled")
	}

	return nil
}
