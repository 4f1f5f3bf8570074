package containment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"response-engine/internal/logging"
	"response-engine/internal/response"
)

// Alert is the JSON body posted to the alert webhook.
type Alert struct {
	ID         string         `json:"alert_id"`
	Recipient  string         `json:"recipient"`
	ThreatID   string         `json:"threat_id"`
	ActionID   string         `json:"action_id"`
	Priority   int            `json:"priority"`
	Message    string         `json:"message,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// WebhookAlerter delivers send-alert actions over HTTP.
type WebhookAlerter struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookAlerter creates an alerter posting to url.
func NewWebhookAlerter(url string, headers map[string]string, timeout time.Duration) *WebhookAlerter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookAlerter{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
	}
}

func (w *WebhookAlerter) Kind() response.ActionKind { return response.KindSendAlert }

// Execute posts the alert. Parameters are redacted before they leave the
// process. A non-2xx status is an error.
func (w *WebhookAlerter) Execute(ctx context.Context, action *response.SecurityAction) (map[string]any, error) {
	msg, _ := action.Parameters["message"].(string)
	alert := Alert{
		ID:         uuid.NewString(),
		Recipient:  action.Target,
		ThreatID:   action.ThreatID,
		ActionID:   action.ID,
		Priority:   action.Priority,
		Message:    logging.MaskSensitivePatterns(msg),
		Parameters: logging.MaskMap(toPlainMap(action.Parameters)),
		Timestamp:  time.Now().UTC(),
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
	}

	return map[string]any{
		"alert_sent_to": action.Target,
		"alert_id":      alert.ID,
		"message":       alert.Message,
		"http_status":   resp.StatusCode,
		"status":        "sent",
	}, nil
}

// toPlainMap round-trips through JSON so nested structs (such as the audit
// entry's assessment) become maps the masker can walk.
func toPlainMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return m
	}
	return out
}
