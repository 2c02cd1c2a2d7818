// Package auth implements the JWT Verifier (C3): JWKS-backed RS256
// verification with an HS256 test-mode fallback, producing a reqctx.Principal
// on success or a typed VerifyError on failure.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sentrygw/apigateway/internal/reqctx"
)

// Config configures the Verifier. Either JWKSURL (production, RS256) or
// TestMode+HMACSecret (integration tests, HS256) must be set.
type Config struct {
	JWKSURL     string
	HTTPTimeout time.Duration
	CacheTTL    time.Duration

	Issuer   string
	Audience string
	Leeway   time.Duration

	TestMode   bool
	HMACSecret []byte

	// PublicPaths lists paths that bypass verification entirely. An entry
	// ending in "*" matches every path with that prefix; any other entry
	// matches only that exact path, e.g. "/public/*", "/auth/*", "/healthz".
	PublicPaths []string
}

// Verifier validates bearer tokens and extracts principals.
type Verifier struct {
	cfg    Config
	jwks   *jwksSource
	public []string
}

// New constructs a Verifier. In test mode no JWKS source is created.
func New(cfg Config) (*Verifier, error) {
	v := &Verifier{cfg: cfg, public: cfg.PublicPaths}
	if cfg.TestMode {
		if len(cfg.HMACSecret) == 0 {
			return nil, errors.New("auth: test mode requires an HMAC secret")
		}
		return v, nil
	}
	if cfg.JWKSURL == "" {
		return nil, errors.New("auth: jwks url required outside test mode")
	}
	src, err := newJWKSSource(cfg.JWKSURL, cfg.HTTPTimeout, cfg.CacheTTL)
	if err != nil {
		return nil, err
	}
	v.jwks = src
	return v, nil
}

// IsPublic reports whether path bypasses the Auth filter entirely.
func (v *Verifier) IsPublic(path string) bool {
	for _, p := range v.public {
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(path, strings.TrimSuffix(p, "*")) {
				return true
			}
			continue
		}
		if path == p {
			return true
		}
	}
	return false
}

// Verify validates the given bearer token string and returns the derived
// principal. On any failure it returns a *VerifyError with a typed Kind.
func (v *Verifier) Verify(ctx context.Context, tokenStr string) (*reqctx.Principal, error) {
	if tokenStr == "" {
		return nil, newVerifyError(ErrMalformed, "auth: missing bearer token")
	}

	claims := jwt.MapClaims{}
	validAlgs := []string{"RS256"}
	if v.cfg.TestMode {
		validAlgs = []string{"HS256"}
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(validAlgs),
		jwt.WithoutClaimsValidation(),
	)

	tok, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if v.cfg.TestMode {
			return v.cfg.HMACSecret, nil
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, newVerifyError(ErrMalformed, "auth: token missing kid")
		}
		return v.jwks.key(ctx, kid)
	})
	if err != nil {
		return nil, classifyParseError(err)
	}
	if tok == nil || !tok.Valid {
		return nil, newVerifyError(ErrInvalidSignature, "auth: token signature invalid")
	}

	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}

	return principalFromClaims(claims, tokenStr), nil
}

// UnverifiedSubject extracts the "sub" claim from tokenStr without checking
// its signature, used by filters that need a block-list/attempt-tracking key
// before (or regardless of) full verification, e.g. BlockCheck running
// ahead of Auth in the pipeline. Returns "" if the token can't be parsed or
// carries no string "sub".
func UnverifiedSubject(tokenStr string) string {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(tokenStr, claims); err != nil {
		return ""
	}
	sub, _ := claims["sub"].(string)
	return sub
}

func classifyParseError(err error) error {
	var ve *VerifyError
	if errors.As(err, &ve) {
		return ve
	}
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return newVerifyError(ErrExpired, "auth: token expired")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return newVerifyError(ErrMalformed, "auth: token malformed")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return newVerifyError(ErrInvalidSignature, "auth: token signature invalid")
	default:
		return newVerifyError(ErrInvalidSignature, "auth: "+err.Error())
	}
}

func (v *Verifier) validateClaims(claims jwt.MapClaims) error {
	now := time.Now()
	leeway := v.cfg.Leeway

	if v.cfg.Issuer != "" {
		iss, _ := claims["iss"].(string)
		if iss != v.cfg.Issuer {
			return newVerifyError(ErrIssuerMismatch, "auth: unexpected issuer")
		}
	}

	if v.cfg.Audience != "" {
		if !audienceContains(claims["aud"], v.cfg.Audience) {
			return newVerifyError(ErrAudienceMismatch, "auth: unexpected audience")
		}
	}

	exp, ok := numericClaim(claims["exp"])
	if !ok {
		return newVerifyError(ErrMalformed, "auth: missing exp")
	}
	if now.After(time.Unix(exp, 0).Add(leeway)) {
		return newVerifyError(ErrExpired, "auth: token expired")
	}

	if nbf, ok := numericClaim(claims["nbf"]); ok {
		if now.Before(time.Unix(nbf, 0).Add(-leeway)) {
			return newVerifyError(ErrMalformed, "auth: token not yet active")
		}
	}

	if _, ok := claims["sub"].(string); !ok {
		return newVerifyError(ErrMalformed, "auth: missing sub")
	}

	return nil
}

func principalFromClaims(claims jwt.MapClaims, raw string) *reqctx.Principal {
	p := &reqctx.Principal{
		RawToken: raw,
	}
	p.Subject, _ = claims["sub"].(string)
	p.Email, _ = claims["email"].(string)
	p.Name, _ = claims["name"].(string)
	p.Permissions = stringSlice(claims["permissions"])
	p.Roles = stringSlice(claims["roles"])
	return p
}

func audienceContains(v any, want string) bool {
	for _, a := range stringSlice(v) {
		if a == want {
			return true
		}
	}
	if s, ok := v.(string); ok {
		return s == want
	}
	return false
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, it := range t {
			if s, ok := it.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	default:
		return nil
	}
}

func numericClaim(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case json.Number:
		i, err := t.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
