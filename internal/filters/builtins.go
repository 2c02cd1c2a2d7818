// builtins.go adapts the teacher's internal/mw middleware functions into the
// data-driven Filter shape of spec.md §9: each canonical stage of spec.md
// §4.3's order table becomes a Filter value built from the shared Deps
// bundle instead of a hand-wired http.Handler chain.
package filters

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sentrygw/apigateway/internal/attempts"
	"github.com/sentrygw/apigateway/internal/auth"
	"github.com/sentrygw/apigateway/internal/blocklist"
	"github.com/sentrygw/apigateway/internal/breaker"
	"github.com/sentrygw/apigateway/internal/envelope"
	"github.com/sentrygw/apigateway/internal/identity"
	"github.com/sentrygw/apigateway/internal/netx"
	"github.com/sentrygw/apigateway/internal/proxy"
	"github.com/sentrygw/apigateway/internal/ratelimit"
	"github.com/sentrygw/apigateway/internal/reqctx"
	"github.com/sentrygw/apigateway/internal/routetable"
	"github.com/sentrygw/apigateway/internal/telemetry"
)

// Deps bundles the process-wide collaborators the canonical filters
// consult. Any field may be nil to disable that concern entirely (e.g. no
// Breakers means routes never trip).
type Deps struct {
	Verifier   *auth.Verifier
	Blocks     *blocklist.Store
	Attempts   *attempts.Tracker
	Limiter    ratelimit.Limiter
	Breakers   *breaker.Registry
	Telemetry  *telemetry.Emitter
	IPResolver netx.Resolver
}

// Build assembles the canonical filter list for route (spec.md §4.3's order
// table) around forward, which must already be the route's breaker-aware,
// capture-wrapped proxy handler (see BuildForward).
func Build(route *routetable.Route, deps Deps, forward http.Handler) *Chain {
	fs := []Filter{
		requestIDFilter(deps, route),
		telemetryStartFilter(deps, route),
		blockCheckFilter(deps, route),
		authFilter(deps, route),
		attemptTrackingFilter(deps),
		rateLimitFilter(deps, route),
		identityPropagationFilter(),
		envelopeRewriteFilter(),
		rateLimitHeadersFilter(),
		telemetryEndFilter(deps, route),
	}
	return New(fs, forward)
}

// BuildForward wraps proxyHandler with the circuit breaker (C7, evaluated
// immediately around the call it guards since gobreaker's Execute must see
// the call atomically) and a proxy.CaptureWriter so the post-phase envelope
// filter can rewrite the body after the call returns (spec.md §4.8/§4.9).
func BuildForward(br *breaker.Breaker, proxyHandler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cw := proxy.NewCaptureWriter(w)
		rc := rcFrom(r.Context())
		rc.Capture = cw

		if br == nil {
			proxyHandler.ServeHTTP(cw, r)
			return
		}

		_, err := br.Execute(r.Context(), func(_ context.Context) (int, error) {
			proxyHandler.ServeHTTP(cw, r)
			return cw.Status(), nil
		})
		if errors.Is(err, breaker.ErrOpen) {
			rc.ErrorKind = string(envelope.KindCircuitOpen)
			envelope.WriteFailure(w, http.StatusServiceUnavailable, string(envelope.KindCircuitOpen),
				br.FallbackReason(), map[string]any{"breaker": "open"}, rc.RequestID, time.Since(rc.StartTime))
		}
	})
}

// requestIDFilter no longer mints the request id itself: the C14 listener
// (cmd/gateway's top-level handler, via reqctx.Mint) does that ahead of
// route matching so a 404 still carries X-Request-ID. This filter just
// reuses that Context, falling back to minting one only if a caller invoked
// the chain directly without going through the listener.
func requestIDFilter(deps Deps, route *routetable.Route) Filter {
	return Filter{
		Name:  "RequestId",
		Order: OrderRequestID,
		Pre: func(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
			identity.StripInbound(r)
			next := r
			rc, ok := reqctx.Attached(r.Context())
			if !ok {
				next = reqctx.Mint(w, r)
				rc, _ = reqctx.Attached(next.Context())
			}
			rc.ClientIP = deps.IPResolver.ClientIP(r)
			rc.MatchedRoute = route.ID
			if next != r {
				return next, false
			}
			return nil, false
		},
	}
}

func telemetryStartFilter(deps Deps, route *routetable.Route) Filter {
	return Filter{
		Name:  "Telemetry-Start",
		Order: OrderTelemetryStart,
		Pre: func(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
			if deps.Telemetry != nil {
				rc := rcFrom(r.Context())
				deps.Telemetry.Emit(telemetry.Event{
					Type: "http", RequestID: rc.RequestID, Route: route.ID,
					Fields: map[string]any{"phase": "start", "method": r.Method, "path": r.URL.Path},
				})
			}
			return nil, false
		},
	}
}

func blockCheckFilter(deps Deps, route *routetable.Route) Filter {
	return Filter{
		Name:  "BlockCheck",
		Order: OrderBlockCheck,
		Pre: func(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
			if deps.Blocks == nil || route.Public {
				return nil, false
			}
			rc := rcFrom(r.Context())

			pairs := map[blocklist.Scope]string{}
			if rc.ClientIP != "" {
				pairs[blocklist.ScopeIP] = rc.ClientIP
			}
			if sub := bearerSubject(r); sub != "" {
				pairs[blocklist.ScopeUser] = sub
			}
			if key := r.Header.Get("X-Api-Key"); key != "" {
				pairs[blocklist.ScopeAPIKey] = key
			}

			hit, err := deps.Blocks.CheckAny(r.Context(), pairs)
			if err != nil {
				warn(deps, rc, "block store unavailable, failing open")
				return nil, false
			}
			if hit == nil {
				return nil, false
			}

			rc.ErrorKind = "BLOCKED"
			details := map[string]any{"type": string(hit.Scope), "reason": hit.Status.Reason}
			if !hit.Status.ExpiresAt.IsZero() {
				details["expires_at"] = hit.Status.ExpiresAt.Format(time.RFC3339)
			}
			envelope.WriteFailure(w, http.StatusForbidden, "FORBIDDEN",
				"This request has been blocked.", details, rc.RequestID, time.Since(rc.StartTime))
			return nil, true
		},
	}
}

func authFilter(deps Deps, route *routetable.Route) Filter {
	return Filter{
		Name:  "Auth",
		Order: OrderAuth,
		Pre: func(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
			rc := rcFrom(r.Context())
			if route.Public || !route.AuthRequired || deps.Verifier == nil || deps.Verifier.IsPublic(r.URL.Path) {
				return nil, false
			}

			token := bearerToken(r)
			if token == "" {
				rc.ErrorKind = "UNAUTHENTICATED"
				envelope.WriteProblem(w, envelope.New(r.Context(), envelope.KindUnauthenticated, "Authentication failed"))
				return nil, true
			}

			principal, err := deps.Verifier.Verify(r.Context(), token)
			if err != nil {
				rc.ErrorKind = "UNAUTHENTICATED"
				detail := "Authentication failed"
				var ve *auth.VerifyError
				if errors.As(err, &ve) {
					detail = "Authentication failed: " + string(ve.Kind)
				}
				envelope.WriteProblem(w, envelope.New(r.Context(), envelope.KindUnauthenticated, detail))
				return nil, true
			}

			rc.Principal = principal
			return nil, false
		},
	}
}

func attemptTrackingFilter(deps Deps) Filter {
	return Filter{
		Name:      "AttemptTracking",
		Order:     OrderAttemptTracking,
		AlwaysRun: true,
		Post: func(w http.ResponseWriter, r *http.Request, status int) {
			if deps.Attempts == nil {
				return
			}
			rc := rcFrom(r.Context())
			switch {
			case status == http.StatusUnauthorized:
				user := ""
				if rc.Principal != nil {
					user = rc.Principal.Subject
				} else {
					user = bearerSubject(r)
				}
				_ = deps.Attempts.RecordFailure(r.Context(), user, rc.ClientIP)
			case status >= 200 && status < 300 && rc.Principal != nil:
				_ = deps.Attempts.RecordSuccess(r.Context(), rc.Principal.Subject, rc.ClientIP)
			}
		},
	}
}

func rateLimitFilter(deps Deps, route *routetable.Route) Filter {
	return Filter{
		Name:  "RateLimit",
		Order: OrderRateLimit,
		Pre: func(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
			if deps.Limiter == nil || route.RateLimitPolicy == "" {
				return nil, false
			}
			rc := rcFrom(r.Context())
			policy := ratelimit.Lookup(route.RateLimitPolicy)

			subject := ""
			if rc.Principal != nil {
				subject = rc.Principal.Subject
			}
			key := ratelimit.Key(policy.Name, subject, rc.ClientIP)

			dec, err := deps.Limiter.Allow(r.Context(), key, policy.RPS, policy.Burst, 1)
			if err != nil {
				warn(deps, rc, "rate limiter unavailable, failing open")
				return nil, false
			}

			rc.RateLimit = &reqctx.RateLimitResult{
				Allowed: dec.Allowed, Limit: policy.RPS, Remaining: dec.Remaining,
				ResetAt: dec.ResetAt, RetryAfter: dec.RetryAfterSeconds,
			}

			if !dec.Allowed {
				rc.ErrorKind = "RATE_LIMITED"
				retry := dec.RetryAfterSeconds
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("X-RateLimit-Limit", trimFloat(policy.RPS))
				w.Header().Set("X-RateLimit-Remaining", trimFloat(dec.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetAt.Unix(), 10))
				envelope.WriteFailure(w, http.StatusTooManyRequests, "RATE_LIMIT",
					"Too many requests; please slow down.",
					map[string]any{"retry_after_seconds": retry}, rc.RequestID, time.Since(rc.StartTime))
				return nil, true
			}
			return nil, false
		},
	}
}

func identityPropagationFilter() Filter {
	return Filter{
		Name:  "IdentityPropagation",
		Order: OrderIdentityPropagation,
		Pre: func(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
			rc := rcFrom(r.Context())
			if rc.Principal != nil {
				identity.Propagate(r, rc.Principal, time.Now())
			}
			return nil, false
		},
	}
}

func envelopeRewriteFilter() Filter {
	return Filter{
		Name:  "EnvelopeRewrite",
		Order: OrderEnvelopeRewrite,
		Post: func(w http.ResponseWriter, r *http.Request, status int) {
			rc := rcFrom(r.Context())
			if rc.ErrorKind == string(envelope.KindCircuitOpen) || rc.Capture == nil || status == 0 {
				return
			}
			cw := rc.Capture
			if !cw.Buffered() {
				return
			}
			body := cw.Bytes()
			if envelope.Excluded(r.URL.Path) {
				cw.Flush(body)
				return
			}
			rewritten := envelope.Rewrite(cw.Status(), body, rc.RequestID, time.Since(rc.StartTime))
			cw.Flush(rewritten)
		},
	}
}

func rateLimitHeadersFilter() Filter {
	return Filter{
		Name:  "RateLimitHeaders",
		Order: OrderRateLimitHeaders,
		Post: func(w http.ResponseWriter, r *http.Request, status int) {
			rc := rcFrom(r.Context())
			if rc.RateLimit == nil || status == 0 {
				return
			}
			res := rc.RateLimit
			w.Header().Set("X-RateLimit-Limit", trimFloat(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", trimFloat(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
		},
	}
}

func telemetryEndFilter(deps Deps, route *routetable.Route) Filter {
	return Filter{
		Name:      "Telemetry-End",
		Order:     OrderTelemetryEnd,
		AlwaysRun: true,
		Post: func(w http.ResponseWriter, r *http.Request, status int) {
			rc := rcFrom(r.Context())
			rc.StatusCode = status
			if deps.Telemetry == nil {
				return
			}
			deps.Telemetry.Emit(telemetry.Event{
				Type: "http", RequestID: rc.RequestID, Route: route.ID,
				Fields: map[string]any{
					"phase":       "end",
					"status":      status,
					"duration_ms": time.Since(rc.StartTime).Milliseconds(),
					"error_kind":  rc.ErrorKind,
				},
			})
		},
	}
}

func warn(deps Deps, rc *reqctx.Context, msg string) {
	if deps.Telemetry == nil {
		return
	}
	deps.Telemetry.Emit(telemetry.Event{
		Type: "http", RequestID: rc.RequestID,
		Fields: map[string]any{"level": "warn", "message": msg},
	})
}

func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if authz == "" || !strings.HasPrefix(authz, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
}

func bearerSubject(r *http.Request) string {
	tok := bearerToken(r)
	if tok == "" {
		return ""
	}
	return auth.UnverifiedSubject(tok)
}

func trimFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', 2, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	if s == "" {
		s = "0"
	}
	return s
}
