package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"response-engine/internal/schema"
)

const systemPrompt = `You are a security analyst. Assess the security event supplied by the user.
Reply with a single JSON object with these fields:
  risk_score: number between 0 and 100
  severity: one of LOW, MEDIUM, HIGH, CRITICAL
  reasoning: short explanation
  recommended_actions: list of strings
  indicators: list of {"indicator_type", "value", "confidence"}`

// OpenAIConfig configures the chat-completion backed analyzer.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
}

// OpenAIAnalyzer asks a chat-completion model for a risk assessment.
type OpenAIAnalyzer struct {
	client *openai.Client
	cfg    OpenAIConfig
	logger *slog.Logger
}

// NewOpenAIAnalyzer creates an analyzer backed by the OpenAI API or any
// compatible endpoint.
func NewOpenAIAnalyzer(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIAnalyzer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	logger.Info("initializing openai analyzer", "model", cfg.Model)
	return &OpenAIAnalyzer{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logger.With("component", "openai-analyzer"),
	}, nil
}

type modelIndicator struct {
	Type       string  `json:"indicator_type"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

type modelReply struct {
	RiskScore          float64          `json:"risk_score"`
	Severity           string           `json:"severity"`
	Reasoning          string           `json:"reasoning"`
	RecommendedActions []string         `json:"recommended_actions"`
	Indicators         []modelIndicator `json:"indicators"`
}

// Analyze implements Analyzer.
func (a *OpenAIAnalyzer) Analyze(ctx context.Context, event schema.Event) (*schema.RiskAssessment, error) {
	req := openai.ChatCompletionRequest{
		Model: a.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: event.Text()},
		},
		Temperature: a.cfg.Temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	if a.cfg.MaxTokens > 0 {
		req.MaxCompletionTokens = a.cfg.MaxTokens
	}

	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai api call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}
	a.logger.Debug("received response from openai", "finish_reason", resp.Choices[0].FinishReason)

	return parseReply(resp.Choices[0].Message.Content, time.Now())
}

// parseReply converts the model's JSON reply into an assessment. The score
// is clamped and the severity is always derived from it.
func parseReply(content string, now time.Time) (*schema.RiskAssessment, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var reply modelReply
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &reply); err != nil {
		return nil, fmt.Errorf("failed to parse model reply: %w", err)
	}

	score := reply.RiskScore
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	severity := schema.SeverityForScore(score)

	indicators := make([]schema.Indicator, 0, len(reply.Indicators))
	for _, ind := range reply.Indicators {
		indicators = append(indicators, schema.Indicator{
			Type:       ind.Type,
			Value:      ind.Value,
			Severity:   severity,
			Confidence: ind.Confidence,
			Source:     "openai",
		})
	}

	return &schema.RiskAssessment{
		ID:                 "THREAT_" + uuid.NewString(),
		RiskScore:          score,
		Severity:           severity,
		Reasoning:          reply.Reasoning,
		RecommendedActions: reply.RecommendedActions,
		Indicators:         indicators,
		AnalyzedAt:         now,
	}, nil
}
