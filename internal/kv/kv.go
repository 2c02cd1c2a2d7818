// Package kv is a thin, timeout-bounded wrapper over Redis used by the
// block store and login-attempt tracker (C1 in the design). The Redis rate
// limiter talks to go-redis directly.
package kv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable is returned when a call fails or times out; callers must
// apply their own fail-open/fail-closed policy (spec.md §5/§7) rather than
// treating this as a hard error.
var ErrUnavailable = errors.New("kv: backend unavailable")

// Client wraps a pooled go-redis client with a fixed per-call timeout.
type Client struct {
	rdb     *redis.Client
	timeout time.Duration
}

// Config configures the pooled Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration // default 200ms, per spec.md §5
}

// New constructs a Client. It does not ping; callers should use Ping during
// startup if they want fail-fast behavior.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Client{rdb: rdb, timeout: timeout}
}

// NewFromRedis wraps an already-constructed *redis.Client (used by tests
// against miniredis-style servers; cmd/gateway builds its client with New).
func NewFromRedis(rdb *redis.Client, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	return &Client{rdb: rdb, timeout: timeout}
}

func (c *Client) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// Ping verifies connectivity at startup.
func (c *Client) Ping(ctx context.Context) error {
	cctx, cancel := c.ctx(ctx)
	defer cancel()
	return c.rdb.Ping(cctx).Err()
}

// Get returns the string value, ("", false, nil) if absent.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	cctx, cancel := c.ctx(ctx)
	defer cancel()
	v, err := c.rdb.Get(cctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, ErrUnavailable
	}
	return v, true, nil
}

// Set writes key=value with an optional TTL (0 = no expiry).
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	cctx, cancel := c.ctx(ctx)
	defer cancel()
	if err := c.rdb.Set(cctx, key, value, ttl).Err(); err != nil {
		return ErrUnavailable
	}
	return nil
}

// Del removes a key, returning whether it existed.
func (c *Client) Del(ctx context.Context, key string) (bool, error) {
	cctx, cancel := c.ctx(ctx)
	defer cancel()
	n, err := c.rdb.Del(cctx, key).Result()
	if err != nil {
		return false, ErrUnavailable
	}
	return n > 0, nil
}

// TTL returns the remaining time-to-live; a non-positive duration means no
// expiry (permanent) or the key is absent — callers must check Exists first.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	cctx, cancel := c.ctx(ctx)
	defer cancel()
	d, err := c.rdb.TTL(cctx, key).Result()
	if err != nil {
		return 0, ErrUnavailable
	}
	return d, nil
}

// Expire sets a TTL on an existing key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	cctx, cancel := c.ctx(ctx)
	defer cancel()
	if err := c.rdb.Expire(cctx, key, ttl).Err(); err != nil {
		return ErrUnavailable
	}
	return nil
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	cctx, cancel := c.ctx(ctx)
	defer cancel()
	n, err := c.rdb.Exists(cctx, key).Result()
	if err != nil {
		return false, ErrUnavailable
	}
	return n > 0, nil
}

// IncrWithTTL atomically increments key, applying ttl only on first creation
// (NX-style), returning the post-increment value.
func (c *Client) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	cctx, cancel := c.ctx(ctx)
	defer cancel()
	n, err := c.rdb.Eval(cctx, `
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n`, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, ErrUnavailable
	}
	return n, nil
}

// Eval runs a Lua script atomically against the given keys/args.
func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	cctx, cancel := c.ctx(ctx)
	defer cancel()
	res, err := c.rdb.Eval(cctx, script, keys, args...).Result()
	if err != nil {
		return nil, ErrUnavailable
	}
	return res, nil
}

// ScanPattern enumerates all keys matching pattern (glob-style, e.g.
// "blocked:user:*"). Intended for admin/list use, not the hot path.
func (c *Client) ScanPattern(ctx context.Context, pattern string) ([]string, error) {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var keys []string
	iter := c.rdb.Scan(cctx, 0, pattern, 100).Iterator()
	for iter.Next(cctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, ErrUnavailable
	}
	return keys, nil
}

// Close releases pooled connections.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Redis exposes the underlying client for components (like the rate
// limiter) that need raw EVAL access with custom return-type handling.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}
