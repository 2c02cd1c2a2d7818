// Package envelope implements the Response Envelope Rewriter (C11) and the
// RFC 7807 Problem-Details Error Responder (C12), grounded on
// iruldev-golang-api-hexagonal's Problem type (moogar0880/problems
// embedding pattern).
package envelope

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/moogar0880/problems"

	"github.com/sentrygw/apigateway/internal/reqctx"
)

const ContentTypeProblemJSON = "application/problem+json"

// ErrorKind is the gateway's internal error taxonomy (spec.md §7).
type ErrorKind string

const (
	KindRoutingNotFound   ErrorKind = "ROUTING_NOT_FOUND"
	KindBlocked           ErrorKind = "BLOCKED"
	KindUnauthenticated   ErrorKind = "UNAUTHENTICATED"
	KindForbidden         ErrorKind = "FORBIDDEN"
	KindRateLimited       ErrorKind = "RATE_LIMITED"
	KindCircuitOpen       ErrorKind = "CIRCUIT_OPEN"
	KindUpstreamTimeout   ErrorKind = "UPSTREAM_TIMEOUT"
	KindUpstreamUnreach   ErrorKind = "UPSTREAM_UNREACHABLE"
	KindUpstreamError     ErrorKind = "UPSTREAM_ERROR"
	KindInternal          ErrorKind = "INTERNAL"
)

var kindStatus = map[ErrorKind]int{
	KindRoutingNotFound: http.StatusNotFound,
	KindBlocked:         http.StatusForbidden,
	KindUnauthenticated: http.StatusUnauthorized,
	KindForbidden:       http.StatusForbidden,
	KindRateLimited:     http.StatusTooManyRequests,
	KindCircuitOpen:     http.StatusServiceUnavailable,
	KindUpstreamTimeout: http.StatusServiceUnavailable,
	KindUpstreamUnreach: http.StatusServiceUnavailable,
	KindUpstreamError:   http.StatusBadGateway,
	KindInternal:        http.StatusInternalServerError,
}

// Problem is the gateway's RFC 7807 body: core fields from
// problems.DefaultProblem plus gateway extensions. spec.md §3 specifies
// `instance:request_id` and a `timestamp` field rather than a bespoke
// `request_id` field, so the request id rides in the standard Instance
// field instead of a custom one.
type Problem struct {
	*problems.DefaultProblem
	Kind      ErrorKind      `json:"code"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// New builds a Problem for kind, sanitizing detail per spec.md §7.
func New(ctx context.Context, kind ErrorKind, detail string) *Problem {
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	base := problems.NewStatusProblem(status)
	base.Detail = Sanitize(detail)

	rc := reqctx.From(ctx)
	base.Instance = rc.RequestID
	return &Problem{
		DefaultProblem: base,
		Kind:           kind,
		Timestamp:      time.Now(),
	}
}

// WithDetails attaches extra machine-readable fields (e.g. block
// scope/reason/expires_at, or retry_after_seconds) and returns p for
// chaining.
func (p *Problem) WithDetails(d map[string]any) *Problem {
	p.Details = d
	return p
}

// InternalError builds a 500 problem from a recovered panic value, never
// leaking the panic's raw message to the client.
func InternalError(ctx context.Context, rec any) *Problem {
	return New(ctx, KindInternal, "An error occurred")
}

// WriteProblem writes p as application/problem+json.
func WriteProblem(w http.ResponseWriter, p *Problem) {
	w.Header().Set("Content-Type", ContentTypeProblemJSON)
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}
