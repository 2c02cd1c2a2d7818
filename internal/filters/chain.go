// Package filters implements the Filter Chain Engine (C9): an ordered
// pre/post pipeline around the reverse-proxy forward call, adapted from the
// teacher's internal/mw middleware functions generalized into data-driven
// Filter values (spec.md §9's "filter registry, not annotations").
package filters

import (
	"context"
	"net/http"

	"github.com/sentrygw/apigateway/internal/envelope"
	"github.com/sentrygw/apigateway/internal/reqctx"
)

// Canonical built-in orders (spec.md §4.3).
const (
	OrderRequestID           = -100
	OrderTelemetryStart      = -90
	OrderBlockCheck          = -80
	OrderAuth                = -70
	OrderAttemptTracking     = -60
	OrderRateLimit           = -50
	OrderCircuitBreaker      = -40
	OrderIdentityPropagation = 10
	OrderEnvelopeRewrite     = 50
	OrderRateLimitHeaders    = 60
	OrderTelemetryEnd        = 90
)

// PreFunc runs before the forward call. Returning halted=true skips every
// remaining pre-filter, the pre-forward filters, and the forward call
// itself, jumping straight to post-filters that opt into AlwaysRun.
type PreFunc func(w http.ResponseWriter, r *http.Request) (next *http.Request, halted bool)

// PostFunc runs after the forward call (or after a halt/panic). status is 0
// if the forward call never ran.
type PostFunc func(w http.ResponseWriter, r *http.Request, status int)

// Filter is one named stage in the chain. A Filter may populate Pre, Post,
// or both (e.g. AttemptTracking populates only Post).
// AlwaysRun marks a Post hook that must still execute after a short-circuit
// or recovered panic; the built-ins that set it are AttemptTracking and the
// end-of-request telemetry filter. EnvelopeRewrite does not set it and runs
// only when the chain was not halted.
type Filter struct {
	Name      string
	Order     int
	Pre       PreFunc
	Post      PostFunc
	AlwaysRun bool
}

// Chain is an assembled, sorted pipeline plus the terminal forward handler.
type Chain struct {
	pre     []Filter // ascending order
	post    []Filter // descending order
	forward http.Handler
}

// New builds a Chain from an unordered filter list and the C10 forward
// handler. Filters are sorted once at construction time.
func New(fs []Filter, forward http.Handler) *Chain {
	pre := make([]Filter, 0, len(fs))
	post := make([]Filter, 0, len(fs))
	for _, f := range fs {
		if f.Pre != nil {
			pre = append(pre, f)
		}
		if f.Post != nil {
			post = append(post, f)
		}
	}
	insertionSort(pre, true)
	insertionSort(post, false)
	return &Chain{pre: pre, post: post, forward: forward}
}

func insertionSort(fs []Filter, ascending bool) {
	for i := 1; i < len(fs); i++ {
		for j := i; j > 0; j-- {
			swap := fs[j-1].Order > fs[j].Order
			if !ascending {
				swap = fs[j-1].Order < fs[j].Order
			}
			if !swap {
				break
			}
			fs[j-1], fs[j] = fs[j], fs[j-1]
		}
	}
}

// ServeHTTP runs the full pipeline: ascending pre-filters, the forward call,
// descending post-filters, guaranteeing post-filters with AlwaysRun execute
// on every exit path including a recovered panic (spec.md §4.3).
func (c *Chain) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := 0
	halted := false

	defer func() {
		if rec := recover(); rec != nil {
			envelope.WriteProblem(w, envelope.InternalError(r.Context(), rec))
			status = http.StatusInternalServerError
			halted = true
		}
		c.runPost(w, r, status, halted)
	}()

	for _, f := range c.pre {
		var next *http.Request
		next, halted = f.Pre(w, r)
		if next != nil {
			r = next
		}
		if halted {
			return
		}
	}

	sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	c.forward.ServeHTTP(sw, r)

	// The forward handler (BuildForward) writes through a CaptureWriter that
	// buffers JSON bodies for the EnvelopeRewrite post-filter instead of
	// writing into sw directly, so sw.status only reflects reality when the
	// forward call bypassed capture entirely (e.g. a circuit-open fallback).
	if rc := rcFrom(r.Context()); rc.Capture != nil && rc.Capture.Wrote() {
		status = rc.Capture.Status()
	} else {
		status = sw.status
	}
}

func (c *Chain) runPost(w http.ResponseWriter, r *http.Request, status int, halted bool) {
	for _, f := range c.post {
		if halted && !f.AlwaysRun {
			continue
		}
		f.Post(w, r, status)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.written = true
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	if !s.written {
		s.WriteHeader(http.StatusOK)
	}
	return s.ResponseWriter.Write(p)
}

// rcFrom is a small helper shared by built-in filters.
func rcFrom(ctx context.Context) *reqctx.Context {
	return reqctx.From(ctx)
}
