// Package routetable implements the Route Table (C8): ordered predicate
// matching of method + glob path against a configured route list, adapted
// from the teacher's prefix-only internal/proxy.Router.
package routetable

import (
	"net/url"
	"strings"
)

// Route is one immutable routing entry (spec.md §3 "Route").
type Route struct {
	ID                  string
	Methods             []string // empty means "any"
	PathPattern         string   // glob, segments, "**" suffix wildcard
	Upstream            *url.URL
	StripPrefixSegments int
	CircuitBreakerName  string
	RateLimitPolicy     string
	AuthRequired        bool
	Public              bool

	segments []string
}

// Table holds routes in declaration order; the first match wins
// (spec.md §4.2).
type Table struct {
	routes []*Route
}

// New compiles each route's glob pattern into matchable segments and
// preserves declaration order (no reordering by specificity, per spec.md
// §4.2's explicit "first match wins" semantics).
func New(routes []*Route) *Table {
	for _, r := range routes {
		r.segments = splitPath(r.PathPattern)
	}
	return &Table{routes: routes}
}

// Match returns the first route whose method and path predicate matches, or
// nil.
func (t *Table) Match(method, path string) *Route {
	reqSegments := splitPath(path)
	for _, r := range t.routes {
		if !methodAllowed(r.Methods, method) {
			continue
		}
		if matchSegments(r.segments, reqSegments) {
			return r
		}
	}
	return nil
}

func methodAllowed(allowed []string, method string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, m := range allowed {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// matchSegments matches request segments against a pattern's segments.
// A pattern segment of "*" matches exactly one request segment; a trailing
// "**" matches zero or more remaining segments.
func matchSegments(pattern, req []string) bool {
	for i, seg := range pattern {
		if seg == "**" {
			return i == len(pattern)-1
		}
		if i >= len(req) {
			return false
		}
		if seg != "*" && seg != req[i] {
			return false
		}
	}
	return len(req) == len(pattern)
}

// StripPath removes the first n path segments, preserving a leading slash.
func StripPath(path string, n int) string {
	if n <= 0 {
		return path
	}
	segs := splitPath(path)
	if n >= len(segs) {
		return "/"
	}
	return "/" + strings.Join(segs[n:], "/")
}
