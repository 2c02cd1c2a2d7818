// Package attempts implements the Login-Attempt Tracker (C5): per-user and
// per-IP failure counters with threshold-triggered auto-block via
// internal/blocklist.
package attempts

import (
	"context"
	"fmt"
	"time"

	"github.com/sentrygw/apigateway/internal/blocklist"
	"github.com/sentrygw/apigateway/internal/kv"
)

// Thresholds are fixed by policy (spec.md §4.6): changing them is a
// configuration decision outside the core.
const (
	UserThreshold = 5
	IPThreshold   = 10
	Window        = 15 * time.Minute
	BlockTTL      = 30 * time.Minute

	autoBlockReason = "auto-block: repeated failures"
)

// Tracker increments failure counters and triggers a block once a scope
// crosses its threshold.
type Tracker struct {
	kv     *kv.Client
	blocks *blocklist.Store
}

func New(c *kv.Client, blocks *blocklist.Store) *Tracker {
	return &Tracker{kv: c, blocks: blocks}
}

func userKey(userID string) string { return fmt.Sprintf("login_attempts:%s", userID) }
func ipKey(addr string) string     { return fmt.Sprintf("login_attempts:ip:%s", addr) }

// RecordFailure increments the user (if a candidate subject was
// extractable) and IP counters, setting the window TTL on first write, and
// auto-blocks any scope that crosses its threshold.
func (t *Tracker) RecordFailure(ctx context.Context, userID, ip string) error {
	if userID != "" {
		n, err := t.kv.IncrWithTTL(ctx, userKey(userID), Window)
		if err != nil {
			return err
		}
		if n >= UserThreshold {
			if err := t.blocks.Block(ctx, blocklist.ScopeUser, userID, autoBlockReason, BlockTTL); err != nil {
				return err
			}
		}
	}

	if ip != "" {
		n, err := t.kv.IncrWithTTL(ctx, ipKey(ip), Window)
		if err != nil {
			return err
		}
		if n >= IPThreshold {
			if err := t.blocks.Block(ctx, blocklist.ScopeIP, ip, autoBlockReason, BlockTTL); err != nil {
				return err
			}
		}
	}

	return nil
}

// RecordSuccess clears both counters for the now-authenticated user and IP.
func (t *Tracker) RecordSuccess(ctx context.Context, userID, ip string) error {
	if userID != "" {
		if _, err := t.kv.Del(ctx, userKey(userID)); err != nil {
			return err
		}
	}
	if ip != "" {
		if _, err := t.kv.Del(ctx, ipKey(ip)); err != nil {
			return err
		}
	}
	return nil
}

// Stats is the read-only view exposed to the admin API.
type Stats struct {
	Current         int64
	Remaining       int64
	WindowExpiresAt time.Time
	Blocked         bool
}

// UserStats reports the current counter state for userID.
func (t *Tracker) UserStats(ctx context.Context, userID string) (Stats, error) {
	return t.stats(ctx, userKey(userID), UserThreshold, blocklist.ScopeUser, userID)
}

// IPStats reports the current counter state for addr.
func (t *Tracker) IPStats(ctx context.Context, addr string) (Stats, error) {
	return t.stats(ctx, ipKey(addr), IPThreshold, blocklist.ScopeIP, addr)
}

func (t *Tracker) stats(ctx context.Context, key string, threshold int64, scope blocklist.Scope, id string) (Stats, error) {
	raw, ok, err := t.kv.Get(ctx, key)
	if err != nil {
		return Stats{}, err
	}
	if !ok {
		st, err := t.blocks.IsBlocked(ctx, scope, id)
		if err != nil {
			return Stats{}, err
		}
		return Stats{Blocked: st.Blocked}, nil
	}

	var current int64
	_, _ = fmt.Sscanf(raw, "%d", &current)

	ttl, err := t.kv.TTL(ctx, key)
	if err != nil {
		return Stats{}, err
	}

	remaining := threshold - current
	if remaining < 0 {
		remaining = 0
	}

	st, err := t.blocks.IsBlocked(ctx, scope, id)
	if err != nil {
		return Stats{}, err
	}

	return Stats{
		Current:         current,
		Remaining:       remaining,
		WindowExpiresAt: time.Now().Add(ttl),
		Blocked:         st.Blocked,
	}, nil
}

// ResetUser clears the user counter without requiring an auth success,
// used by the admin API's DELETE /login-attempts/user/{id} (spec.md §4.13).
func (t *Tracker) ResetUser(ctx context.Context, userID string) (bool, error) {
	return t.kv.Del(ctx, userKey(userID))
}
