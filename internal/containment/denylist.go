package containment

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"response-engine/internal/response"
)

// Redis keys shared with enforcement points.
const (
	DenylistSetKey    = "denylist:ip"
	denylistEntryKey  = "denylist:ip:"
	LockedAccountsKey = "locked:accounts"
	lockedEntryKey    = "locked:accounts:"
	sessionsKeyPrefix = "sessions:"
)

// Denylist applies containment actions by writing to Redis.
type Denylist struct {
	client   RedisClient
	blockTTL time.Duration
	logger   *slog.Logger
}

// NewDenylist creates a denylist. blockTTL bounds how long a blocked address
// stays blocked; zero blocks until rolled back.
func NewDenylist(client RedisClient, blockTTL time.Duration, logger *slog.Logger) *Denylist {
	if logger == nil {
		logger = slog.Default()
	}
	return &Denylist{
		client:   client,
		blockTTL: blockTTL,
		logger:   logger.With("component", "denylist"),
	}
}

// Executors returns the executors backed by this denylist.
func (d *Denylist) Executors() []response.Executor {
	return []response.Executor{
		&BlockAddressExecutor{d: d},
		&LockAccountExecutor{d: d},
		&ForceLogoutExecutor{d: d},
	}
}

// IsBlocked reports whether addr has an unexpired block entry.
func (d *Denylist) IsBlocked(ctx context.Context, addr string) (bool, error) {
	n, err := d.client.Exists(ctx, denylistEntryKey+addr)
	return n > 0, err
}

// IsLocked reports whether account is locked.
func (d *Denylist) IsLocked(ctx context.Context, account string) (bool, error) {
	n, err := d.client.Exists(ctx, lockedEntryKey+account)
	return n > 0, err
}

// BlockAddressExecutor adds addresses to the denylist.
type BlockAddressExecutor struct {
	d *Denylist
}

// Kind implements response.Executor.
func (e *BlockAddressExecutor) Kind() response.ActionKind { return response.KindBlockAddress }

// Execute implements response.Executor.
func (e *BlockAddressExecutor) Execute(ctx context.Context, action *response.SecurityAction) (map[string]any, error) {
	ip := net.ParseIP(action.Target)
	if ip == nil {
		return nil, fmt.Errorf("refusing to block unresolved address %q", action.Target)
	}
	addr := ip.String()
	reason, _ := action.Parameters["reason"].(string)

	if err := e.d.client.SAdd(ctx, DenylistSetKey, addr); err != nil {
		return nil, fmt.Errorf("failed to add %s to denylist: %w", addr, err)
	}
	if err := e.d.client.Set(ctx, denylistEntryKey+addr, []byte(reason), e.d.blockTTL); err != nil {
		return nil, fmt.Errorf("failed to record block entry for %s: %w", addr, err)
	}

	e.d.logger.Info("address blocked", "address", addr, "ttl", e.d.blockTTL, "action_id", action.ID)

	out := map[string]any{
		"blocked_ip": addr,
		"denylist":   DenylistSetKey,
		"status":     "blocked",
	}
	if e.d.blockTTL > 0 {
		out["expires_at"] = time.Now().Add(e.d.blockTTL).UTC().Format(time.RFC3339)
	}
	return out, nil
}

// Rollback implements response.Rollbacker.
func (e *BlockAddressExecutor) Rollback(ctx context.Context, action *response.SecurityAction) error {
	addr := action.Target
	if ip := net.ParseIP(addr); ip != nil {
		addr = ip.String()
	}
	if err := e.d.client.SRem(ctx, DenylistSetKey, addr); err != nil {
		return fmt.Errorf("failed to remove %s from denylist: %w", addr, err)
	}
	if err := e.d.client.Delete(ctx, denylistEntryKey+addr); err != nil {
		return fmt.Errorf("failed to delete block entry for %s: %w", addr, err)
	}
	e.d.logger.Info("address unblocked", "address", addr, "action_id", action.ID)
	return nil
}

// LockAccountExecutor marks accounts as locked.
type LockAccountExecutor struct {
	d *Denylist
}

// Kind implements response.Executor.
func (e *LockAccountExecutor) Kind() response.ActionKind { return response.KindLockAccount }

// Execute implements response.Executor.
func (e *LockAccountExecutor) Execute(ctx context.Context, action *response.SecurityAction) (map[string]any, error) {
	account := action.Target
	if account == "" || account == response.UnknownUser {
		return nil, fmt.Errorf("refusing to lock unresolved account %q", account)
	}
	reason, _ := action.Parameters["reason"].(string)
	if reason == "" {
		reason = "Security policy violation"
	}

	if err := e.d.client.SAdd(ctx, LockedAccountsKey, account); err != nil {
		return nil, fmt.Errorf("failed to lock account %s: %w", account, err)
	}
	if err := e.d.client.Set(ctx, lockedEntryKey+account, []byte(reason), 0); err != nil {
		return nil, fmt.Errorf("failed to record lock for %s: %w", account, err)
	}

	e.d.logger.Info("account locked", "account", account, "action_id", action.ID)
	return map[string]any{
		"locked_account": account,
		"lock_reason":    reason,
		"status":         "locked",
	}, nil
}

// Rollback implements response.Rollbacker.
func (e *LockAccountExecutor) Rollback(ctx context.Context, action *response.SecurityAction) error {
	if err := e.d.client.SRem(ctx, LockedAccountsKey, action.Target); err != nil {
		return fmt.Errorf("failed to unlock account %s: %w", action.Target, err)
	}
	if err := e.d.client.Delete(ctx, lockedEntryKey+action.Target); err != nil {
		return fmt.Errorf("failed to delete lock for %s: %w", action.Target, err)
	}
	e.d.logger.Info("account unlocked", "account", action.Target, "action_id", action.ID)
	return nil
}

// ForceLogoutExecutor drops every session of a user. Terminated sessions
// cannot be restored, so it does not implement rollback.
type ForceLogoutExecutor struct {
	d *Denylist
}

// Kind implements response.Executor.
func (e *ForceLogoutExecutor) Kind() response.ActionKind { return response.KindForceLogout }

// Execute implements response.Executor.
func (e *ForceLogoutExecutor) Execute(ctx context.Context, action *response.SecurityAction) (map[string]any, error) {
	key := sessionsKeyPrefix + action.Target
	sessions, err := e.d.client.SMembers(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for %s: %w", action.Target, err)
	}
	if len(sessions) > 0 {
		if err := e.d.client.Delete(ctx, key); err != nil {
			return nil, fmt.Errorf("failed to drop sessions for %s: %w", action.Target, err)
		}
	}

	e.d.logger.Info("user logged out", "user", action.Target, "sessions", len(sessions), "action_id", action.ID)
	return map[string]any{
		"logged_out_user":     action.Target,
		"sessions_terminated": len(sessions),
		"status":              "logged_out",
	}, nil
}
