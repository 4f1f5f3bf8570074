package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"response-engine/internal/response"
)

func testEngine() *response.Engine {
	return newEngine(response.DefaultEngineConfig(), 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRunEvent(t *testing.T) {
	tests := []struct {
		name        string
		event       string
		assessment  string
		wantCode    int
		wantActions int
	}{
		{
			name:        "critical event with address and user",
			event:       `{"type":"malware","src_ip":"10.1.2.3","user":"admin"}`,
			wantCode:    0,
			wantActions: 3,
		},
		{
			name:        "wrapped envelope",
			event:       `{"source":"edr","event":{"msg":"suspicious process"}}`,
			wantCode:    0,
			wantActions: 2,
		},
		{
			name:        "supplied assessment overrides analysis",
			event:       `{"msg":"user logged in"}`,
			assessment:  `{"threat_id":"T-1","risk_score":10,"severity":"LOW","reasoning":"benign"}`,
			wantCode:    0,
			wantActions: 1,
		},
		{
			name:       "inconsistent assessment",
			event:      `{"msg":"x"}`,
			assessment: `{"threat_id":"T-2","risk_score":95,"severity":"LOW"}`,
			wantCode:   1,
		},
		{
			name:       "malformed assessment",
			event:      `{"msg":"x"}`,
			assessment: `{not json`,
			wantCode:   1,
		},
		{
			name:     "not an object",
			event:    `[1,2,3]`,
			wantCode: 1,
		},
		{
			name:     "empty event",
			event:    `{}`,
			wantCode: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			var assessment []byte
			if tt.assessment != "" {
				assessment = []byte(tt.assessment)
			}

			code := runEvent(context.Background(), testEngine(), []byte(tt.event), assessment, &out)
			if code != tt.wantCode {
				t.Fatalf("runEvent() = %d, want %d", code, tt.wantCode)
			}
			if tt.wantCode != 0 {
				return
			}

			var got struct {
				Report response.BatchReport `json:"report"`
				Stats  response.EngineStats `json:"stats"`
			}
			if err := json.Unmarshal(out.Bytes(), &got); err != nil {
				t.Fatalf("output is not JSON: %v\n%s", err, out.String())
			}
			if len(got.Report.Results) != tt.wantActions {
				t.Errorf("got %d results, want %d", len(got.Report.Results), tt.wantActions)
			}
			if got.Stats.TotalActions != int64(tt.wantActions) {
				t.Errorf("stats total = %d, want %d", got.Stats.TotalActions, tt.wantActions)
			}
		})
	}
}

func TestRunScenarios(t *testing.T) {
	engine := testEngine()
	var out bytes.Buffer

	if code := runScenarios(context.Background(), engine, &out); code != 0 {
		t.Fatalf("runScenarios() = %d\n%s", code, out.String())
	}

	// Brute force is high tier, malware is critical with no address or
	// user, exfiltration is medium tier.
	stats := engine.Stats()
	if stats.TotalActions != 5 {
		t.Errorf("TotalActions = %d, want 5", stats.TotalActions)
	}
	if stats.SuccessRatePercentage != 100 {
		t.Errorf("SuccessRatePercentage = %v", stats.SuccessRatePercentage)
	}

	for _, sc := range demoScenarios() {
		if !strings.Contains(out.String(), sc.Name) {
			t.Errorf("output missing scenario %q", sc.Name)
		}
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789"); got != "01234567" {
		t.Errorf("shortID() = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID() = %q", got)
	}
}
