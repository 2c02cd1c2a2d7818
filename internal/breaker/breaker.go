// Package breaker implements the Circuit Breaker Registry (C7): a per-route
// state machine backed by sony/gobreaker, with an auxiliary sliding window
// evaluating the failure/slow-call rates spec.md §4.8 requires instead of
// gobreaker's own cumulative Counts.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// State mirrors gobreaker.State under the gateway's own vocabulary so
// callers (telemetry, admin API) don't import gobreaker directly.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config configures one route's breaker (spec.md §4.8).
type Config struct {
	Name             string
	WindowSize       int           // N, default 20
	MinimumSamples   int           // M, default 10
	FailureRate      float64       // default 0.5
	SlowCallRate     float64       // default 0.5
	SlowCallDuration time.Duration // default 3s for every breaker; there is no per-policy default
	WaitDuration     time.Duration // default 10s
	HalfOpenProbes   uint32        // P, default 3
	FallbackReason   string
}

func (c *Config) applyDefaults() {
	if c.WindowSize <= 0 {
		c.WindowSize = 20
	}
	if c.MinimumSamples <= 0 {
		c.MinimumSamples = 10
	}
	if c.FailureRate <= 0 {
		c.FailureRate = 0.5
	}
	if c.SlowCallRate <= 0 {
		c.SlowCallRate = 0.5
	}
	if c.SlowCallDuration <= 0 {
		c.SlowCallDuration = 3 * time.Second
	}
	if c.WaitDuration <= 0 {
		c.WaitDuration = 10 * time.Second
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = 3
	}
	if c.FallbackReason == "" {
		c.FallbackReason = "upstream temporarily unavailable"
	}
}

// StateChange is emitted on every transition for the telemetry emitter
// (spec.md §4.8: "Transitions emit telemetry events {breaker, from, to,
// metrics_snapshot}").
type StateChange struct {
	Breaker  string
	From     State
	To       State
	Snapshot Snapshot
}

// Snapshot is the metrics_snapshot accompanying a transition event.
type Snapshot struct {
	FailureRate float64
	SlowRate    float64
	Samples     int
}

// Listener receives breaker state transitions. internal/telemetry implements
// this to publish StateChange events without internal/breaker importing it.
type Listener func(StateChange)

// ErrOpen is returned by Execute when the breaker rejects a call outright.
var ErrOpen = errors.New("breaker: circuit open")

// Breaker wraps one route's gobreaker.CircuitBreaker plus its sliding window.
type Breaker struct {
	cfg Config
	cb  *gobreaker.CircuitBreaker
	win *window
}

// New constructs a Breaker. listener may be nil.
func New(cfg Config, listener Listener) *Breaker {
	cfg.applyDefaults()
	b := &Breaker{cfg: cfg, win: newWindow(cfg.WindowSize, cfg.MinimumSamples)}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenProbes,
		Interval:    0, // CLOSED-state counts never auto-reset; our window governs that
		Timeout:     cfg.WaitDuration,
		ReadyToTrip: func(_ gobreaker.Counts) bool {
			failureRate, slowRate, ready := b.win.rates()
			if !ready {
				return false
			}
			return failureRate >= cfg.FailureRate || slowRate >= cfg.SlowCallRate
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			failureRate, slowRate, _ := b.win.rates()
			b.win.reset()
			if listener == nil {
				return
			}
			listener(StateChange{
				Breaker: name,
				From:    fromGobreakerState(from),
				To:      fromGobreakerState(to),
				Snapshot: Snapshot{
					FailureRate: failureRate,
					SlowRate:    slowRate,
				},
			})
		},
	}
	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

func fromGobreakerState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	return fromGobreakerState(b.cb.State())
}

// FallbackReason is the route-specific message for a 503 fallback envelope.
func (b *Breaker) FallbackReason() string {
	return b.cfg.FallbackReason
}

// Execute runs fn, recording its outcome against both gobreaker and the
// sliding window. A call that takes longer than SlowCallDuration counts as
// slow even if it ultimately succeeds. Returns ErrOpen (in place of
// gobreaker.ErrOpenState/ErrTooManyRequests) when the breaker rejects the
// call outright.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) (status int, err error)) (int, error) {
	status, err := b.cb.Execute(func() (any, error) {
		start := time.Now()
		st, callErr := fn(ctx)
		elapsed := time.Since(start)

		failed := callErr != nil || st >= 500
		slow := elapsed >= b.cfg.SlowCallDuration

		switch {
		case failed:
			b.win.record(outcomeFailed)
		case slow:
			b.win.record(outcomeSlow)
		default:
			b.win.record(outcomeOK)
		}

		if failed {
			if callErr == nil {
				callErr = errUpstreamFailure
			}
			return st, callErr
		}
		// gobreaker consults ReadyToTrip only after a failed call, so a
		// success that brings the window over a threshold is reported as one.
		if failureRate, slowRate, ready := b.win.rates(); ready &&
			(failureRate >= b.cfg.FailureRate || slowRate >= b.cfg.SlowCallRate) {
			return st, errWindowTripped
		}
		return st, nil
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, ErrOpen
		}
		if status == nil {
			return 0, err
		}
	}

	if status == nil {
		return 0, err
	}
	return status.(int), err
}

var errUpstreamFailure = errors.New("breaker: upstream call failed")

var errWindowTripped = errors.New("breaker: failure or slow-call rate reached")

// Registry holds one Breaker per route name.
type Registry struct {
	breakers map[string]*Breaker
}

// NewRegistry builds a Registry from a per-route config map.
func NewRegistry(configs map[string]Config, listener Listener) *Registry {
	r := &Registry{breakers: make(map[string]*Breaker, len(configs))}
	for route, cfg := range configs {
		cfg.Name = route
		r.breakers[route] = New(cfg, listener)
	}
	return r
}

// Get returns the breaker for route, or nil if the route has no breaker
// configured (meaning the filter should pass through unguarded).
func (r *Registry) Get(route string) *Breaker {
	return r.breakers[route]
}
