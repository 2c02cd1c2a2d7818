package netx

import (
	"net"
	"net/http"
	"strings"
)

// Resolver extracts a client IP from a request, trusting forwarded headers
// only from a configured set of proxy addresses and rejecting anything that
// doesn't parse as IPv4 or falls in a private range filter not explicitly
// allowed (spec.md §3 client_ip, §4.7 key resolution).
type Resolver struct {
	TrustedProxies *CIDRSet
	DenyPrivate    *CIDRSet
}

// ClientIP resolves the caller's address. It prefers X-Forwarded-For[0],
// then X-Real-IP, then CF-Connecting-IP, accepting a forwarded value only
// when the immediate peer is a trusted proxy and the candidate is a valid
// IPv4 address not in the deny-private filter; otherwise it falls back to
// the socket peer address.
func (r Resolver) ClientIP(req *http.Request) string {
	peer := peerIP(req.RemoteAddr)

	if peer != nil && r.TrustedProxies != nil && r.TrustedProxies.Contains(peer) {
		for _, h := range []string{"X-Forwarded-For", "X-Real-IP", "CF-Connecting-IP"} {
			if cand, ok := r.candidateFromHeader(req, h); ok {
				return cand
			}
		}
	}

	if peer != nil {
		return peer.String()
	}
	return req.RemoteAddr
}

func (r Resolver) candidateFromHeader(req *http.Request, header string) (string, bool) {
	v := req.Header.Get(header)
	if v == "" {
		return "", false
	}
	if header == "X-Forwarded-For" {
		parts := strings.Split(v, ",")
		v = strings.TrimSpace(parts[0])
	}
	ip := net.ParseIP(v)
	if ip == nil || ip.To4() == nil {
		return "", false
	}
	if r.DenyPrivate != nil && r.DenyPrivate.Contains(ip) {
		return "", false
	}
	return ip.String(), true
}

func peerIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return net.ParseIP(remoteAddr)
	}
	return net.ParseIP(host)
}
