// Package proxy implements the Reverse Proxy (C10): forwards a matched
// route's request upstream via httputil.ReverseProxy, stripping hop-by-hop
// headers and setting X-Forwarded-*, adapted from the teacher's
// internal/proxy/router.go BuildProxy.
package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
)

// hopByHopHeaders are stripped before forwarding (spec.md §4.9).
var hopByHopHeaders = []string{
	"Cookie",
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// BuildProxy constructs a reverse proxy to up using transport, stripping
// hop-by-hop headers and appending canonical X-Forwarded-* headers.
func BuildProxy(up *url.URL, transport http.RoundTripper) *httputil.ReverseProxy {
	p := httputil.NewSingleHostReverseProxy(up)
	p.Transport = transport

	orig := p.Director
	p.Director = func(req *http.Request) {
		origHost := req.Host

		orig(req)
		req.Host = up.Host

		for _, h := range hopByHopHeaders {
			req.Header.Del(h)
		}

		// X-Forwarded-For is left to httputil.ReverseProxy, which appends the
		// client address to any inbound value after Director returns.
		proto := "http"
		if req.TLS != nil {
			proto = "https"
		}
		req.Header.Set("X-Forwarded-Proto", proto)
		req.Header.Set("X-Forwarded-Host", origHost)
	}

	p.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		msg := ""
		code := http.StatusBadGateway
		if err != nil {
			msg = err.Error()
			if strings.Contains(msg, "request body too large") {
				code = http.StatusRequestEntityTooLarge
				msg = "request_too_large"
			}
		}
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": msg,
		})
	}

	return p
}
