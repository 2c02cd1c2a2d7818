// Package blocklist implements the Block Store (C4): a KV-backed registry of
// blocked scopes (user/ip/api-key) consulted by the BlockCheck filter.
package blocklist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sentrygw/apigateway/internal/kv"
)

// Scope names the identifier space being blocked.
type Scope string

const (
	ScopeUser   Scope = "user"
	ScopeIP     Scope = "ip"
	ScopeAPIKey Scope = "key"
)

// Status is the result of an is_blocked lookup.
type Status struct {
	Blocked   bool
	Reason    string
	ExpiresAt time.Time // zero value means permanent
}

// Store wraps a kv.Client with the `blocked:<scope>:<id>` key convention.
type Store struct {
	kv *kv.Client
}

func New(c *kv.Client) *Store {
	return &Store{kv: c}
}

func key(scope Scope, id string) string {
	return fmt.Sprintf("blocked:%s:%s", scope, id)
}

// Block writes a block entry. A zero ttl means permanent.
func (s *Store) Block(ctx context.Context, scope Scope, id, reason string, ttl time.Duration) error {
	return s.kv.Set(ctx, key(scope, id), reason, ttl)
}

// Unblock removes a block entry, returning whether one existed.
func (s *Store) Unblock(ctx context.Context, scope Scope, id string) (bool, error) {
	return s.kv.Del(ctx, key(scope, id))
}

// IsBlocked reports the current block status for id in scope. A key present
// with a remaining TTL is temporary; present with no/negative TTL is
// permanent, per spec.md §4.5.
func (s *Store) IsBlocked(ctx context.Context, scope Scope, id string) (Status, error) {
	reason, ok, err := s.kv.Get(ctx, key(scope, id))
	if err != nil {
		return Status{}, err
	}
	if !ok {
		return Status{}, nil
	}

	ttl, err := s.kv.TTL(ctx, key(scope, id))
	if err != nil {
		return Status{}, err
	}

	st := Status{Blocked: true, Reason: reason}
	if ttl > 0 {
		st.ExpiresAt = time.Now().Add(ttl)
	}
	return st, nil
}

// Entry is one row of a List result.
type Entry struct {
	ID     string
	Status Status
}

// List enumerates every blocked id in scope via a key scan.
func (s *Store) List(ctx context.Context, scope Scope) ([]Entry, error) {
	keys, err := s.kv.ScanPattern(ctx, fmt.Sprintf("blocked:%s:*", scope))
	if err != nil {
		return nil, err
	}

	prefix := fmt.Sprintf("blocked:%s:", scope)
	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		id := k[len(prefix):]
		st, err := s.IsBlocked(ctx, scope, id)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{ID: id, Status: st})
	}
	return entries, nil
}

// CheckResult is the outcome of a concurrent multi-scope check.
type CheckResult struct {
	Scope  Scope
	ID     string
	Status Status
}

// CheckAny consults every (scope, id) pair concurrently and returns the
// first hit, mirroring the BlockCheck filter's requirement to check user, IP
// and API-key keys in parallel and short-circuit on the first match
// (spec.md §4.5). A nil result means none of the pairs are blocked.
func (s *Store) CheckAny(ctx context.Context, pairs map[Scope]string) (*CheckResult, error) {
	type outcome struct {
		res *CheckResult
		err error
	}

	results := make(chan outcome, len(pairs))
	var wg sync.WaitGroup
	for scope, id := range pairs {
		if id == "" {
			continue
		}
		wg.Add(1)
		go func(scope Scope, id string) {
			defer wg.Done()
			st, err := s.IsBlocked(ctx, scope, id)
			if err != nil {
				results <- outcome{err: err}
				return
			}
			if st.Blocked {
				results <- outcome{res: &CheckResult{Scope: scope, ID: id, Status: st}}
				return
			}
			results <- outcome{}
		}(scope, id)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var firstErr error
	for o := range results {
		if o.res != nil {
			return o.res, nil
		}
		if o.err != nil && firstErr == nil {
			firstErr = o.err
		}
	}
	return nil, firstErr
}
