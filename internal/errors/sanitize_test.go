package errors

import (
	"errors"
	"strings"
	"testing"
)

func withProduction(t *testing.T, on bool) {
	t.Helper()
	prev := IsProduction()
	SetProductionMode(on)
	t.Cleanup(func() { SetProductionMode(prev) })
}

func TestSanitizeString_ProductionMode(t *testing.T) {
	withProduction(t, true)

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"file path", "failed to open /etc/response/config.yaml", "failed to open config.yaml"},
		{"ip address", "block failed for 192.168.10.20", "block failed for 192.168.x.x"},
		{"redis failure", "redis: connection pool timeout", MsgDependency},
		{"dial failure", "webhook request failed: dial tcp 10.0.0.1:443: connection refused", MsgDependency},
		{"credential leak", "openai api call failed: api_key=sk-123", MsgCredential},
		{"stack trace", "panic\ngoroutine 1\nmain.go:10\nfoo\nbar", MsgInternal},
		{"plain message", "action timed out after 5s", "action timed out after 5s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeString(tt.input); got != tt.expected {
				t.Errorf("SanitizeString(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSanitizeError_DevelopmentMode(t *testing.T) {
	withProduction(t, false)

	err := errors.New("redis: dial tcp 10.0.0.1:6379: connection refused")
	if got := SanitizeError(err); got != err {
		t.Errorf("SanitizeError() = %v, want original error", got)
	}
	if SanitizeError(nil) != nil {
		t.Error("SanitizeError(nil) should be nil")
	}
}

func TestSafeErrorMessage(t *testing.T) {
	withProduction(t, true)

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"validation", errors.New("validation failed: Event is required"), "validation failed: Event is required"},
		{"unknown action", errors.New("action not found: abc"), "action not found: abc"},
		{"transition", errors.New("invalid action status transition: failed -> rolled_back"), "invalid action status transition: failed -> rolled_back"},
		{"internal", errors.New("kafka: write to broker 10.1.2.3:9092 failed"), MsgDependency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeErrorMessage(tt.err); got != tt.want {
				t.Errorf("SafeErrorMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWrapSanitized(t *testing.T) {
	withProduction(t, true)

	err := WrapSanitized(errors.New("lookup at /var/lib/engine/state.db"), "load state")
	if err == nil || strings.Contains(err.Error(), "/var/lib") {
		t.Errorf("WrapSanitized() = %v", err)
	}
	if WrapSanitized(nil, "x") != nil {
		t.Error("WrapSanitized(nil) should be nil")
	}
}

func TestSetProductionMode(t *testing.T) {
	withProduction(t, false)
	if IsProduction() {
		t.Fatal("expected development mode")
	}
	SetProductionMode(true)
	if !IsProduction() {
		t.Error("expected production mode")
	}
}
