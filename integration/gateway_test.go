package integration_test

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/sentrygw/apigateway/internal/attempts"
	"github.com/sentrygw/apigateway/internal/auth"
	"github.com/sentrygw/apigateway/internal/blocklist"
	"github.com/sentrygw/apigateway/internal/breaker"
	"github.com/sentrygw/apigateway/internal/envelope"
	"github.com/sentrygw/apigateway/internal/filters"
	"github.com/sentrygw/apigateway/internal/kv"
	"github.com/sentrygw/apigateway/internal/netx"
	"github.com/sentrygw/apigateway/internal/proxy"
	"github.com/sentrygw/apigateway/internal/ratelimit"
	"github.com/sentrygw/apigateway/internal/reqctx"
	"github.com/sentrygw/apigateway/internal/routetable"
	"github.com/sentrygw/apigateway/internal/telemetry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// buildGateway assembles a mux the same way cmd/gateway does, minus config
// loading: match the route, wrap its proxy handler with the breaker/capture
// forward, and run it through the canonical filter chain.
func buildGateway(routes []*routetable.Route, deps filters.Deps) http.Handler {
	table := routetable.New(routes)
	mux := http.NewServeMux()
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = reqctx.Mint(w, r)
		route := table.Match(r.Method, r.URL.Path)
		if route == nil {
			envelope.WriteProblem(w, envelope.New(r.Context(), envelope.KindRoutingNotFound, "no route matches this request"))
			return
		}
		p := proxy.BuildProxy(route.Upstream, http.DefaultTransport)
		proxyHandler := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			req.URL.Path = routetable.StripPath(req.URL.Path, route.StripPrefixSegments)
			p.ServeHTTP(w, req)
		})
		var br *breaker.Breaker
		if deps.Breakers != nil {
			br = deps.Breakers.Get(route.CircuitBreakerName)
		}
		forward := filters.BuildForward(br, proxyHandler)
		filters.Build(route, deps, forward).ServeHTTP(w, r)
	}))
	return mux
}

func TestGateway_JWKS_Auth_And_RateLimit(t *testing.T) {
	usersUp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/me" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"service": "users", "path": r.URL.Path})
	}))
	defer usersUp.Close()

	publicUp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"service": "public", "path": r.URL.Path})
	}))
	defer publicUp.Close()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	kid := "k1"
	issuer := "http://jwks.local"
	audience := "apigw"

	jwksJSON := map[string]any{"keys": []any{rsaPublicKeyToJWK(kid, &priv.PublicKey)}}
	jwksSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jwksJSON)
	}))
	defer jwksSrv.Close()

	verifier, err := auth.New(auth.Config{
		JWKSURL:     jwksSrv.URL,
		HTTPTimeout: 2 * time.Second,
		CacheTTL:    5 * time.Minute,
		Leeway:      30 * time.Second,
		Issuer:      issuer,
		Audience:    audience,
	})
	if err != nil {
		t.Fatal(err)
	}

	usersURL, _ := url.Parse(usersUp.URL)
	publicURL, _ := url.Parse(publicUp.URL)

	routes := []*routetable.Route{
		{
			ID: "users", PathPattern: "/api/users/**", Upstream: usersURL,
			StripPrefixSegments: 1, AuthRequired: true, RateLimitPolicy: "strict",
		},
		{
			ID: "public", PathPattern: "/public/**", Upstream: publicURL,
			RateLimitPolicy: "default",
		},
	}

	limiter := ratelimit.NewMemoryLimiter(5*time.Minute, 200*time.Millisecond)
	defer limiter.Close()

	deps := filters.Deps{
		Verifier:   verifier,
		Limiter:    limiter,
		Breakers:   breaker.NewRegistry(nil, nil),
		Telemetry:  telemetry.NewNoop(discardLogger()),
		IPResolver: netx.Resolver{},
	}

	gw := httptest.NewServer(buildGateway(routes, deps))
	defer gw.Close()

	// Protected route, no token => 401.
	{
		resp, err := http.Get(gw.URL + "/api/users/me")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			b, _ := io.ReadAll(resp.Body)
			t.Fatalf("expected 401, got %d body=%s", resp.StatusCode, string(b))
		}
	}

	// Protected route, valid token => 200, enveloped.
	okToken := mintRS256Token(t, priv, kid, issuer, audience, "user_123")
	{
		req, _ := http.NewRequest(http.MethodGet, gw.URL+"/api/users/me", nil)
		req.Header.Set("Authorization", "Bearer "+okToken)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d body=%s", resp.StatusCode, string(b))
		}
		var env map[string]any
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("expected json envelope body: %v", err)
		}
		if env["success"] != true || env["code"] != "SUCCESS" {
			t.Fatalf("expected success envelope, got %v", env)
		}
	}

	// Protected route, wrong audience => 401.
	badAudToken := mintRS256Token(t, priv, kid, issuer, "WRONG", "user_123")
	{
		req, _ := http.NewRequest(http.MethodGet, gw.URL+"/api/users/me", nil)
		req.Header.Set("Authorization", "Bearer "+badAudToken)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
	}

	// Public route under PolicyDefault (1 rps / 3 burst): some requests 429.
	{
		limited, ok := 0, 0
		for i := 0; i < 12; i++ {
			resp, err := http.Get(gw.URL + "/public/hello")
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusTooManyRequests:
				limited++
				if resp.Header.Get("Retry-After") == "" {
					t.Fatalf("expected Retry-After header on 429")
				}
			case http.StatusOK:
				ok++
			}
		}
		if limited == 0 {
			t.Fatalf("expected some 429s, got ok=%d limited=%d", ok, limited)
		}
	}
}

func TestGateway_CircuitBreaker_Opens_HalfOpens_Closes(t *testing.T) {
	var calls int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls <= 2 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer up.Close()

	upURL, _ := url.Parse(up.URL)
	routes := []*routetable.Route{
		{ID: "cb", PathPattern: "/cb/**", Upstream: upURL, CircuitBreakerName: "cb"},
	}

	limiter := ratelimit.NewMemoryLimiter(5*time.Minute, 200*time.Millisecond)
	defer limiter.Close()

	breakers := breaker.NewRegistry(map[string]breaker.Config{
		"cb": {
			WindowSize: 2, MinimumSamples: 2, FailureRate: 0.5, SlowCallRate: 0.9,
			SlowCallDuration: 5 * time.Second, WaitDuration: 200 * time.Millisecond, HalfOpenProbes: 1,
		},
	}, nil)

	deps := filters.Deps{
		Limiter:    limiter,
		Breakers:   breakers,
		Telemetry:  telemetry.NewNoop(discardLogger()),
		IPResolver: netx.Resolver{},
	}

	gw := httptest.NewServer(buildGateway(routes, deps))
	defer gw.Close()

	client := &http.Client{Timeout: 2 * time.Second}

	for i := 0; i < 2; i++ {
		resp, err := client.Get(gw.URL + "/cb/hello")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusInternalServerError {
			t.Fatalf("expected 500 on call %d, got %d", i+1, resp.StatusCode)
		}
	}

	// Third call: breaker should now be open, failing fast with an envelope.
	{
		resp, err := client.Get(gw.URL + "/cb/hello")
		if err != nil {
			t.Fatal(err)
		}
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("expected 503 once breaker is open, got %d body=%s", resp.StatusCode, string(b))
		}
		if !strings.Contains(string(b), `"code":"CIRCUIT_OPEN"`) {
			t.Fatalf("expected CIRCUIT_OPEN envelope body, got %s", string(b))
		}
		if breakers.Get("cb").State() != breaker.StateOpen {
			t.Fatalf("expected breaker state open, got %s", breakers.Get("cb").State())
		}
	}

	time.Sleep(250 * time.Millisecond)

	// Upstream now succeeds; breaker should close.
	{
		resp, err := client.Get(gw.URL + "/cb/hello")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200 once half-open probe succeeds, got %d", resp.StatusCode)
		}
		if breakers.Get("cb").State() != breaker.StateClosed {
			t.Fatalf("expected breaker state closed after success, got %s", breakers.Get("cb").State())
		}
	}
}

func TestGateway_AutoBlock_After_RepeatedAuthFailures(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kvClient := kv.NewFromRedis(rdb, time.Second)
	blocks := blocklist.New(kvClient)
	tracker := attempts.New(kvClient, blocks)

	// The upstream plays a login service that keeps rejecting credentials;
	// AttemptTracking only fires off a real forwarded response, not off the
	// gateway's own auth filter, so this route carries no AuthRequired.
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "invalid_credentials"})
	}))
	defer up.Close()

	upURL, _ := url.Parse(up.URL)
	routes := []*routetable.Route{
		{ID: "login", PathPattern: "/login/**", Upstream: upURL},
	}

	deps := filters.Deps{
		Blocks:     blocks,
		Attempts:   tracker,
		Breakers:   breaker.NewRegistry(nil, nil),
		Telemetry:  telemetry.NewNoop(discardLogger()),
		IPResolver: netx.Resolver{},
	}

	gw := httptest.NewServer(buildGateway(routes, deps))
	defer gw.Close()

	client := &http.Client{Timeout: 2 * time.Second}

	// Every failed login attempt shares a client IP (loopback via httptest),
	// so IPThreshold consecutive 401s from the upstream auto-blocks that IP.
	for i := 0; i < attempts.IPThreshold; i++ {
		resp, err := client.Get(gw.URL + "/login/attempt")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("call %d: expected 401 from upstream, got %d", i, resp.StatusCode)
		}
	}

	// The IP should now be auto-blocked; the next request is rejected by
	// BlockCheck before the request ever reaches the upstream.
	{
		resp, err := client.Get(gw.URL + "/login/attempt")
		if err != nil {
			t.Fatal(err)
		}
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("expected 403 once auto-blocked, got %d body=%s", resp.StatusCode, string(b))
		}
		if !strings.Contains(string(b), `"code":"FORBIDDEN"`) {
			t.Fatalf("expected FORBIDDEN envelope body, got %s", string(b))
		}
	}
}

func TestGateway_RoutingNotFound_StillEchoesRequestID(t *testing.T) {
	gw := httptest.NewServer(buildGateway(nil, filters.Deps{}))
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/no/such/route")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body=%s", resp.StatusCode, string(b))
	}
	rid := resp.Header.Get("X-Request-ID")
	if rid == "" {
		t.Fatalf("expected X-Request-ID on an unmatched route, got none; body=%s", string(b))
	}
	if !strings.Contains(string(b), `"instance":"`+rid+`"`) {
		t.Fatalf("expected problem-details instance to equal %q, got %s", rid, string(b))
	}
}

func mintRS256Token(t *testing.T, priv *rsa.PrivateKey, kid string, iss string, aud string, sub string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss": iss,
		"aud": aud,
		"sub": sub,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(5 * time.Minute).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(priv)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func rsaPublicKeyToJWK(kid string, pub *rsa.PublicKey) map[string]any {
	n := base64.RawURLEncoding.EncodeToString(pub.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes())
	return map[string]any{
		"kty": "RSA",
		"use": "sig",
		"alg": "RS256",
		"kid": kid,
		"n":   n,
		"e":   e,
	}
}
