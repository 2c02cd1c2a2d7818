// Package identity implements Identity Propagation (C13): injecting derived
// X-User-*/X-Gateway-Verified headers from a verified principal onto the
// forwarded request, after stripping any inbound spoofed headers.
package identity

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sentrygw/apigateway/internal/reqctx"
)

// spoofableHeaders are stripped from every inbound request before the
// gateway injects its own, so a client can never impersonate another
// principal by forging these headers (spec.md §4.12).
var spoofableHeaders = []string{
	"X-User-Id",
	"X-User-Email",
	"X-User-Authorities",
	"X-User-Roles",
	"X-Gateway-Verified",
	"X-Gateway-Verification-Time",
}

// StripInbound removes any client-supplied identity headers.
func StripInbound(r *http.Request) {
	for _, h := range spoofableHeaders {
		r.Header.Del(h)
	}
}

// Propagate injects identity headers derived from p onto the forwarded
// request. p must be non-nil; callers should skip calling Propagate for
// anonymous requests on public routes.
func Propagate(r *http.Request, p *reqctx.Principal, verifiedAt time.Time) {
	r.Header.Set("Authorization", "Bearer "+p.RawToken)
	r.Header.Set("X-User-Id", p.Subject)
	if p.Email != "" {
		r.Header.Set("X-User-Email", p.Email)
	}
	if len(p.Permissions) > 0 {
		r.Header.Set("X-User-Authorities", strings.Join(p.Permissions, ","))
	}
	if len(p.Roles) > 0 {
		r.Header.Set("X-User-Roles", strings.Join(p.Roles, ","))
	}
	r.Header.Set("X-Gateway-Verified", "true")
	r.Header.Set("X-Gateway-Verification-Time", strconv.FormatInt(verifiedAt.UnixMilli(), 10))
}
