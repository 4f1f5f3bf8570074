// Package main is the entry point for the response engine service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"response-engine/internal/analysis"
	"response-engine/internal/api"
	"response-engine/internal/config"
	"response-engine/internal/containment"
	apperrors "response-engine/internal/errors"
	"response-engine/internal/kafka"
	"response-engine/internal/logging"
	"response-engine/internal/middleware"
	"response-engine/internal/pipeline"
	"response-engine/internal/queue"
	"response-engine/internal/response"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	logger := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	apperrors.SetProductionMode(cfg.Server.Production)

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"queue_size", cfg.Queue.Size,
		"auth_enabled", cfg.Auth.Enabled,
		"rate_limit_enabled", cfg.RateLimit.Enabled,
		"analyzer", cfg.Analyzer.Provider,
		"kafka_enabled", cfg.Kafka.Enabled,
		"redis_enabled", cfg.Redis.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Executors
	registry, redisClient, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		slog.Error("failed to initialize executors", "error", err)
		os.Exit(1)
	}

	// Analyzer chain
	chain, err := buildAnalyzer(cfg, logger)
	if err != nil {
		slog.Error("failed to initialize analyzer", "error", err)
		os.Exit(1)
	}

	engine := response.NewEngine(cfg.Engine.Response(), registry, chain, logger)
	engine.SetMetrics(response.NewMetrics(prometheus.DefaultRegisterer))

	eventQueue := queue.NewRingBuffer(cfg.Queue.Size)

	// Report publisher
	var publisher pipeline.Publisher = pipeline.LogPublisher{Logger: logger}
	var producer *kafka.Producer
	if cfg.Kafka.Enabled && cfg.Kafka.OutputTopic != "" {
		producer, err = kafka.NewProducer(&cfg.Kafka.Config, logger)
		if err != nil {
			slog.Error("failed to create kafka producer", "error", err)
			os.Exit(1)
		}
		publisher = producer
	}

	processor, err := pipeline.New(eventQueue, engine, publisher, cfg.Pipeline, logger)
	if err != nil {
		slog.Error("failed to create pipeline", "error", err)
		os.Exit(1)
	}
	processor.Start(ctx)

	// Kafka ingest
	var consumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		consumer, err = kafka.NewConsumer(&cfg.Kafka.Config, eventQueue, logger)
		if err != nil {
			slog.Error("failed to create kafka consumer", "error", err)
			os.Exit(1)
		}
		if err := consumer.Start(ctx); err != nil {
			slog.Error("failed to start kafka consumer", "error", err)
			os.Exit(1)
		}
	}

	handler := api.NewHandler(engine, eventQueue, processor, logger).
		WithMaxPayload(cfg.Server.MaxPayloadSize)
	limiter := middleware.NewRateLimiter(cfg.RateLimit, prometheus.DefaultRegisterer)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      api.WithMiddleware(limiter.Middleware(handler.Routes(), logger), cfg.Auth, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start HTTP server
	go func() {
		slog.Info("starting response engine", "address", server.Addr, "executors", len(registry.Kinds()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting new requests
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			slog.Error("kafka consumer stop error", "error", err)
		}
	}

	// Drains whatever is still queued.
	processor.Stop()

	if producer != nil {
		if err := producer.Close(); err != nil {
			slog.Error("kafka producer close error", "error", err)
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			slog.Error("redis close error", "error", err)
		}
	}

	// Log final metrics
	pm := processor.Metrics()
	stats := engine.Stats()
	slog.Info("shutdown complete",
		"processed", pm.Processed,
		"duplicates", pm.Duplicates,
		"failed", pm.Failed,
		"published", pm.Published,
		"publish_errors", pm.PublishErrors,
		"queue_dropped", pm.Queue.Dropped,
		"total_actions", stats.TotalActions,
		"success_rate", stats.SuccessRatePercentage,
	)
}

// buildRegistry starts from the simulated executors and replaces them with
// real integrations where those are configured.
func buildRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*response.Registry, *containment.GoRedisClient, error) {
	registry := response.NewRegistry(response.SimulatedExecutors(cfg.Engine.DelayScale)...)

	var redisClient *containment.GoRedisClient
	if cfg.Redis.Enabled {
		client, err := containment.NewGoRedisClient(ctx, cfg.Redis.RedisConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		redisClient = client

		denylist := containment.NewDenylist(client, cfg.Redis.BlockTTL, logger)
		for _, ex := range denylist.Executors() {
			registry.Register(ex)
		}
		slog.Info("redis containment enabled", "addr", cfg.Redis.Addr, "block_ttl", cfg.Redis.BlockTTL)
	}

	if cfg.Alerting.WebhookURL != "" {
		registry.Register(containment.NewWebhookAlerter(cfg.Alerting.WebhookURL, cfg.Alerting.WebhookHeaders, cfg.Alerting.Timeout))
		slog.Info("webhook alerting enabled")
	}

	if err := registry.Validate(); err != nil {
		if redisClient != nil {
			redisClient.Close()
		}
		return nil, nil, err
	}
	return registry, redisClient, nil
}

func buildAnalyzer(cfg *config.Config, logger *slog.Logger) (*analysis.Chain, error) {
	if cfg.Analyzer.Provider != config.ProviderOpenAI {
		return analysis.NewChain(nil, cfg.Analyzer.Timeout, logger), nil
	}

	oa, err := analysis.NewOpenAIAnalyzer(analysis.OpenAIConfig{
		APIKey:      cfg.Analyzer.APIKey,
		BaseURL:     cfg.Analyzer.BaseURL,
		Model:       cfg.Analyzer.Model,
		Temperature: cfg.Analyzer.Temperature,
		MaxTokens:   cfg.Analyzer.MaxTokens,
	}, logger)
	if err != nil {
		return nil, err
	}
	return analysis.NewChain(oa, cfg.Analyzer.Timeout, logger), nil
}
