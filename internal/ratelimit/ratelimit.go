// Package ratelimit implements the Rate Limiter (C6): a token-bucket backed
// by an atomic Redis Lua script, or an in-memory fallback, keyed per
// (policy, principal-or-ip).
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Decision is the outcome of one Allow call (spec.md §4.7).
type Decision struct {
	Allowed           bool
	RetryAfterSeconds int
	Remaining         float64
	LimitRPS          float64
	Burst             float64
	ResetAt           time.Time
}

// Limiter is the atomic token-bucket backend (Redis in production, in-memory
// for single-process deployments or tests).
type Limiter interface {
	Allow(ctx context.Context, key string, rps float64, burst float64, cost float64) (Decision, error)
	Close() error
}

// Policy names one of the fixed rate-limit tiers a route references.
type Policy struct {
	Name  string
	RPS   float64
	Burst float64
}

// Named policies. A route config references one of these by name; spec.md
// §9 treats the exact set as a configuration decision, not core behavior.
var (
	PolicyDefault = Policy{Name: "default", RPS: 1, Burst: 3}
	PolicyLenient = Policy{Name: "lenient", RPS: 20, Burst: 40}
	PolicyStrict  = Policy{Name: "strict", RPS: 5, Burst: 10}
	PolicyAdmin   = Policy{Name: "admin", RPS: 15, Burst: 30}
)

var policies = map[string]Policy{
	PolicyDefault.Name: PolicyDefault,
	PolicyLenient.Name: PolicyLenient,
	PolicyStrict.Name:  PolicyStrict,
	PolicyAdmin.Name:   PolicyAdmin,
}

// Lookup resolves a policy by name, falling back to PolicyDefault.
func Lookup(name string) Policy {
	if p, ok := policies[name]; ok {
		return p
	}
	return PolicyDefault
}

// Key resolves the bucket key for a request: an authenticated subject takes
// precedence over client IP (spec.md §4.7).
func Key(policy, subject, ip string) string {
	if subject != "" {
		return fmt.Sprintf("ratelimit:%s:user:%s", policy, subject)
	}
	return fmt.Sprintf("ratelimit:%s:ip:%s", policy, ip)
}
