package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// jwksSource fetches a remote JWKS document and caches keys by kid, with a
// single in-flight fetch per cache generation (teacher's internal/mw/jwks.go
// refreshMu pattern, generalized to an LRU and golang.org/x/sync/singleflight
// instead of a hand-rolled mutex dance).
type jwksSource struct {
	url    string
	client *http.Client
	ttl    time.Duration

	cache *lru.Cache[string, *rsa.PublicKey]
	group singleflight.Group

	mu        sync.RWMutex
	fetchedAt time.Time
}

type jwksDoc struct {
	Keys []jwkKey `json:"keys"`
}

type jwkKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func newJWKSSource(url string, timeout, ttl time.Duration) (*jwksSource, error) {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	cache, err := lru.New[string, *rsa.PublicKey](256)
	if err != nil {
		return nil, err
	}
	return &jwksSource{
		url:    url,
		client: &http.Client{Timeout: timeout},
		ttl:    ttl,
		cache:  cache,
	}, nil
}

// key returns the RSA public key for kid, refreshing the JWKS document on a
// cache miss or once the cache has gone stale. Concurrent callers for the
// same generation share one HTTP round trip via singleflight.
func (j *jwksSource) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key, ok := j.cache.Get(kid); ok && !j.stale() {
		return key, nil
	}

	_, err, _ := j.group.Do("refresh", func() (any, error) {
		if _, ok := j.cache.Get(kid); ok && !j.stale() {
			return nil, nil
		}
		return nil, j.refresh(ctx)
	})
	if err != nil {
		if key, ok := j.cache.Get(kid); ok {
			return key, nil
		}
		return nil, err
	}

	key, ok := j.cache.Get(kid)
	if !ok {
		return nil, newVerifyError(ErrMalformed, "jwks: unknown kid")
	}
	return key, nil
}

func (j *jwksSource) stale() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return time.Since(j.fetchedAt) >= j.ttl
}

func (j *jwksSource) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.url, nil)
	if err != nil {
		return err
	}
	resp, err := j.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("jwks: http %d", resp.StatusCode)
	}

	var doc jwksDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return err
	}
	if len(doc.Keys) == 0 {
		return fmt.Errorf("jwks: empty key set")
	}

	for _, k := range doc.Keys {
		if k.Kid == "" || k.Kty != "RSA" {
			continue
		}
		pub, err := jwkToRSAPublicKey(k)
		if err != nil {
			continue
		}
		j.cache.Add(k.Kid, pub)
	}

	j.mu.Lock()
	j.fetchedAt = time.Now()
	j.mu.Unlock()
	return nil
}

func jwkToRSAPublicKey(k jwkKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	if n.Sign() <= 0 || e.Sign() <= 0 || !e.IsInt64() {
		return nil, fmt.Errorf("jwks: bad rsa params for kid %s", k.Kid)
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}
