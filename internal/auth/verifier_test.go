package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func rsaJWKSServer(t *testing.T, priv *rsa.PrivateKey, kid string) *httptest.Server {
	t.Helper()
	jwks := map[string]any{
		"keys": []any{
			map[string]any{
				"kty": "RSA",
				"kid": kid,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(priv.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString([]byte{1, 0, 1}),
			},
		},
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jwks)
	}))
}

func TestVerifier_ValidToken(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	kid := "kid1"
	s := rsaJWKSServer(t, priv, kid)
	defer s.Close()

	v, err := New(Config{
		JWKSURL:     s.URL,
		HTTPTimeout: 2 * time.Second,
		CacheTTL:    5 * time.Minute,
		Issuer:      "issuer-1",
		Audience:    "apigw",
		Leeway:      30 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}

	claims := jwt.MapClaims{
		"sub":         "user_123",
		"email":       "user@example.com",
		"permissions": []string{"read:orders"},
		"iss":         "issuer-1",
		"aud":         "apigw",
		"iat":         time.Now().Unix(),
		"exp":         time.Now().Add(time.Hour).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	tokStr, err := tok.SignedString(priv)
	if err != nil {
		t.Fatal(err)
	}

	p, err := v.Verify(context.Background(), tokStr)
	if err != nil {
		t.Fatalf("expected ok, got err: %v", err)
	}
	if p.Subject != "user_123" {
		t.Fatalf("expected sub user_123, got %q", p.Subject)
	}
	if p.Email != "user@example.com" {
		t.Fatalf("expected email to carry through, got %q", p.Email)
	}
	if len(p.Permissions) != 1 || p.Permissions[0] != "read:orders" {
		t.Fatalf("expected permissions to carry through, got %v", p.Permissions)
	}
}

func TestVerifier_IssuerMismatch(t *testing.T) {
	priv, _ := rsa.GenerateKey(rand.Reader, 2048)
	kid := "kid1"
	s := rsaJWKSServer(t, priv, kid)
	defer s.Close()

	v, _ := New(Config{JWKSURL: s.URL, Issuer: "issuer-1"})

	claims := jwt.MapClaims{
		"sub": "user_123",
		"iss": "someone-else",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	tokStr, _ := tok.SignedString(priv)

	_, err := v.Verify(context.Background(), tokStr)
	assertKind(t, err, ErrIssuerMismatch)
}

func TestVerifier_AudienceMismatch(t *testing.T) {
	priv, _ := rsa.GenerateKey(rand.Reader, 2048)
	kid := "kid1"
	s := rsaJWKSServer(t, priv, kid)
	defer s.Close()

	v, _ := New(Config{JWKSURL: s.URL, Audience: "apigw"})

	claims := jwt.MapClaims{
		"sub": "user_123",
		"aud": "other-service",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	tokStr, _ := tok.SignedString(priv)

	_, err := v.Verify(context.Background(), tokStr)
	assertKind(t, err, ErrAudienceMismatch)
}

func TestVerifier_Expired(t *testing.T) {
	priv, _ := rsa.GenerateKey(rand.Reader, 2048)
	kid := "kid1"
	s := rsaJWKSServer(t, priv, kid)
	defer s.Close()

	v, _ := New(Config{JWKSURL: s.URL})

	claims := jwt.MapClaims{
		"sub": "user_123",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	tokStr, _ := tok.SignedString(priv)

	_, err := v.Verify(context.Background(), tokStr)
	assertKind(t, err, ErrExpired)
}

func TestVerifier_TestModeHMAC(t *testing.T) {
	v, err := New(Config{TestMode: true, HMACSecret: []byte("shh")})
	if err != nil {
		t.Fatal(err)
	}

	claims := jwt.MapClaims{
		"sub": "user_123",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokStr, err := tok.SignedString([]byte("shh"))
	if err != nil {
		t.Fatal(err)
	}

	p, err := v.Verify(context.Background(), tokStr)
	if err != nil {
		t.Fatalf("expected ok, got err: %v", err)
	}
	if p.Subject != "user_123" {
		t.Fatalf("expected sub user_123, got %q", p.Subject)
	}
}

func TestVerifier_IsPublic(t *testing.T) {
	v := &Verifier{public: []string{"/public/*", "/healthz"}}

	cases := map[string]bool{
		"/public/widgets": true,
		"/healthz":        true,
		"/private/thing":  false,
	}
	for path, want := range cases {
		if got := v.IsPublic(path); got != want {
			t.Errorf("IsPublic(%q) = %v, want %v", path, got, want)
		}
	}
}

func assertKind(t *testing.T, err error, want ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error of kind %s, got nil", want)
	}
	ve, ok := err.(*VerifyError)
	if !ok {
		t.Fatalf("expected *VerifyError, got %T (%v)", err, err)
	}
	if ve.Kind != want {
		t.Fatalf("expected kind %s, got %s", want, ve.Kind)
	}
}
