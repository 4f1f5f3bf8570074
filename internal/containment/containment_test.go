package containment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"response-engine/internal/logging"
	"response-engine/internal/response"
	"response-engine/internal/schema"
)

func executorFor(t *testing.T, d *Denylist, kind response.ActionKind) response.Executor {
	t.Helper()
	for _, ex := range d.Executors() {
		if ex.Kind() == kind {
			return ex
		}
	}
	t.Fatalf("no executor for %s", kind)
	return nil
}

func TestBlockAddress(t *testing.T) {
	ctx := context.Background()
	client := NewMockRedisClient()
	d := NewDenylist(client, time.Hour, nil)
	ex := executorFor(t, d, response.KindBlockAddress)

	action := &response.SecurityAction{ID: "a1", Kind: response.KindBlockAddress, Target: "10.0.0.5",
		Parameters: map[string]any{"reason": "Critical threat - Risk: 90.0"}}

	out, err := ex.Execute(ctx, action)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out["blocked_ip"] != "10.0.0.5" || out["expires_at"] == nil {
		t.Errorf("payload = %v", out)
	}

	members, _ := client.SMembers(ctx, DenylistSetKey)
	if len(members) != 1 || members[0] != "10.0.0.5" {
		t.Errorf("denylist members = %v", members)
	}
	reason, _ := client.Get(ctx, "denylist:ip:10.0.0.5")
	if !strings.Contains(string(reason), "90.0") {
		t.Errorf("block entry = %q", reason)
	}
	if blocked, _ := d.IsBlocked(ctx, "10.0.0.5"); !blocked {
		t.Error("IsBlocked() = false after block")
	}

	if err := ex.(response.Rollbacker).Rollback(ctx, action); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if blocked, _ := d.IsBlocked(ctx, "10.0.0.5"); blocked {
		t.Error("IsBlocked() = true after rollback")
	}
	if members, _ := client.SMembers(ctx, DenylistSetKey); len(members) != 0 {
		t.Errorf("denylist members after rollback = %v", members)
	}
}

func TestBlockAddress_Expiry(t *testing.T) {
	ctx := context.Background()
	client := NewMockRedisClient()
	now := time.Now()
	client.now = func() time.Time { return now }

	d := NewDenylist(client, time.Minute, nil)
	ex := executorFor(t, d, response.KindBlockAddress)
	if _, err := ex.Execute(ctx, &response.SecurityAction{Target: "192.168.1.100"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	now = now.Add(2 * time.Minute)
	if blocked, _ := d.IsBlocked(ctx, "192.168.1.100"); blocked {
		t.Error("block entry should have expired")
	}
}

func TestBlockAddress_RejectsUnresolvedTarget(t *testing.T) {
	d := NewDenylist(NewMockRedisClient(), 0, nil)
	ex := executorFor(t, d, response.KindBlockAddress)
	if _, err := ex.Execute(context.Background(), &response.SecurityAction{Target: response.UnknownAddress}); err == nil {
		t.Error("expected error for unresolved address")
	}
}

func TestLockAccount(t *testing.T) {
	ctx := context.Background()
	client := NewMockRedisClient()
	d := NewDenylist(client, 0, nil)
	ex := executorFor(t, d, response.KindLockAccount)

	action := &response.SecurityAction{ID: "a2", Kind: response.KindLockAccount, Target: "admin"}
	out, err := ex.Execute(ctx, action)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out["lock_reason"] != "Security policy violation" {
		t.Errorf("payload = %v", out)
	}
	if locked, _ := d.IsLocked(ctx, "admin"); !locked {
		t.Error("IsLocked() = false after lock")
	}

	if err := ex.(response.Rollbacker).Rollback(ctx, action); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if locked, _ := d.IsLocked(ctx, "admin"); locked {
		t.Error("IsLocked() = true after rollback")
	}

	if _, err := ex.Execute(ctx, &response.SecurityAction{Target: response.UnknownUser}); err == nil {
		t.Error("expected error for unresolved account")
	}
}

func TestForceLogout(t *testing.T) {
	ctx := context.Background()
	client := NewMockRedisClient()
	client.SAdd(ctx, "sessions:admin", "s1", "s2", "s3")

	d := NewDenylist(client, 0, nil)
	ex := executorFor(t, d, response.KindForceLogout)

	out, err := ex.Execute(ctx, &response.SecurityAction{Target: "admin"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out["sessions_terminated"] != 3 {
		t.Errorf("sessions_terminated = %v, want 3", out["sessions_terminated"])
	}
	if left, _ := client.SMembers(ctx, "sessions:admin"); len(left) != 0 {
		t.Errorf("sessions left = %v", left)
	}
	if _, ok := ex.(response.Rollbacker); ok {
		t.Error("force logout must not advertise rollback")
	}
}

func TestDenylist_BackendFailure(t *testing.T) {
	client := NewMockRedisClient()
	client.Close()
	d := NewDenylist(client, 0, nil)

	for _, ex := range d.Executors() {
		_, err := ex.Execute(context.Background(), &response.SecurityAction{Target: "10.0.0.5"})
		if err == nil {
			t.Errorf("%s: expected error from closed client", ex.Kind())
		}
	}
}

func TestDenylist_WithEngine(t *testing.T) {
	ctx := context.Background()
	client := NewMockRedisClient()
	d := NewDenylist(client, time.Hour, nil)

	reg := response.NewRegistry(response.SimulatedExecutors(0)...)
	for _, ex := range d.Executors() {
		reg.Register(ex)
	}
	if err := reg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	e := response.NewEngine(response.DefaultEngineConfig(), reg, nil, nil)

	ra := &schema.RiskAssessment{ID: "t", RiskScore: 90, Severity: schema.SeverityCritical}
	results, err := e.Run(ctx, ra, schema.Event{"src_ip": "10.0.0.5", "user": "admin"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for _, r := range results {
		if !r.Success {
			t.Errorf("%s failed: %s", r.Kind, r.Error)
		}
	}

	if blocked, _ := d.IsBlocked(ctx, "10.0.0.5"); !blocked {
		t.Error("address not blocked")
	}
	if _, err := e.Rollback(ctx, results[0].ActionID); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if blocked, _ := d.IsBlocked(ctx, "10.0.0.5"); blocked {
		t.Error("address still blocked after rollback")
	}
}

func TestWebhookAlerter(t *testing.T) {
	var received Alert
	var gotHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Team")
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &received); err != nil {
			t.Errorf("invalid alert body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	alerter := NewWebhookAlerter(server.URL, map[string]string{"X-Team": "soc"}, time.Second)
	action := &response.SecurityAction{
		ID:       "a3",
		Kind:     response.KindSendAlert,
		Target:   response.TargetAuditSystem,
		Priority: response.PriorityAudit,
		ThreatID: "threat-9",
		Parameters: map[string]any{
			"message": "login with password=hunter2",
			"log_entry": map[string]any{
				"security_data": schema.Event{"user": "admin", "api_key": "sk-abcdef"},
			},
		},
	}

	out, err := alerter.Execute(context.Background(), action)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out["http_status"] != http.StatusAccepted {
		t.Errorf("payload = %v", out)
	}
	if gotHeader != "soc" {
		t.Errorf("X-Team header = %q", gotHeader)
	}
	if received.Recipient != response.TargetAuditSystem || received.ThreatID != "threat-9" {
		t.Errorf("alert = %+v", received)
	}
	if strings.Contains(received.Message, "hunter2") {
		t.Errorf("message leaks secret: %q", received.Message)
	}
	entry := received.Parameters["log_entry"].(map[string]any)["security_data"].(map[string]any)
	if entry["api_key"] != logging.MaskedValue || entry["user"] != "admin" {
		t.Errorf("security_data = %v", entry)
	}
}

func TestWebhookAlerter_Non2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer server.Close()

	alerter := NewWebhookAlerter(server.URL, nil, time.Second)
	_, err := alerter.Execute(context.Background(), &response.SecurityAction{Target: "security_team"})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("Execute() error = %v, want 502", err)
	}
}

func TestMockRedisClient_Closed(t *testing.T) {
	m := NewMockRedisClient()
	m.Close()
	if _, err := m.Get(context.Background(), "k"); err == nil {
		t.Error("expected error from closed client")
	}
	if _, err := NewMockRedisClient().Get(context.Background(), "missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get(missing) error = %v", err)
	}

	ctx := context.Background()
	m = NewMockRedisClient()
	m.SAdd(ctx, "s", "b", "a")
	members, _ := m.SMembers(ctx, "s")
	sort.Strings(members)
	if strings.Join(members, ",") != "a,b" {
		t.Errorf("members = %v", members)
	}
}
