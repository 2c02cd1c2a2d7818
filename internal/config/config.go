// Package config loads and validates the gateway's YAML configuration,
// adapted from the teacher's flat server/upstream/auth/routes shape and
// extended with the KV, message-bus, CORS and admin sections the full
// filter chain (internal/filters) and admin API (internal/admin) need.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Upstream  UpstreamConfig   `yaml:"upstream"`
	Auth      AuthConfig       `yaml:"auth"`
	RateLimit RateLimitBackend `yaml:"rate_limit"`
	KV        KVConfig         `yaml:"kv"`
	Bus       BusConfig        `yaml:"bus"`
	CORS      CORSConfig       `yaml:"cors"`
	Admin     AdminConfig      `yaml:"admin"`
	Routes    []RouteConfig    `yaml:"routes"`
}

type ServerConfig struct {
	Addr                     string   `yaml:"addr"`
	TrustedProxies           []string `yaml:"trusted_proxies"`
	MaxHeaderBytes           int      `yaml:"max_header_bytes"`
	MaxBodyBytes             int64    `yaml:"max_body_bytes"`
	ReadTimeoutSeconds       int      `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds      int      `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds       int      `yaml:"idle_timeout_seconds"`
	ReadHeaderTimeoutSeconds int      `yaml:"read_header_timeout_seconds"`
}

type UpstreamConfig struct {
	DialTimeoutSeconds           int `yaml:"dial_timeout_seconds"`
	TLSHandshakeTimeoutSeconds   int `yaml:"tls_handshake_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int `yaml:"response_header_timeout_seconds"`
	IdleConnTimeoutSeconds       int `yaml:"idle_conn_timeout_seconds"`
	MaxIdleConns                 int `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost          int `yaml:"max_idle_conns_per_host"`
}

// AuthConfig configures the JWT Verifier (C3). Mode "hmac" is test-mode
// HS256; "jwks" is production RS256 against a JWKS endpoint.
type AuthConfig struct {
	Mode        string         `yaml:"mode"` // "hmac" | "jwks"
	HMACSecret  string         `yaml:"hmac_secret"`
	JWKS        JWKSAuthConfig `yaml:"jwks"`
	PublicPaths []string       `yaml:"public_paths"`
}

type JWKSAuthConfig struct {
	URL                string `yaml:"url"`
	CacheTTLSeconds    int    `yaml:"cache_ttl_seconds"`
	HTTPTimeoutSeconds int    `yaml:"http_timeout_seconds"`
	LeewaySeconds      int    `yaml:"leeway_seconds"`
	Issuer             string `yaml:"issuer"`
	Audience           string `yaml:"audience"`
}

// RateLimitBackend selects and configures the Rate Limiter (C6) backend.
type RateLimitBackend struct {
	Backend string         `yaml:"backend"` // "redis" | "memory"
	Redis   RedisConfig    `yaml:"redis"`
	Memory  MemoryRLConfig `yaml:"memory"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MemoryRLConfig struct {
	CleanupSeconds int `yaml:"cleanup_seconds"`
	TTLSeconds     int `yaml:"ttl_seconds"`
}

// KVConfig configures the shared Redis connection backing the Block Store
// (C4) and Login-Attempt Tracker (C5). Left zero-value, those components
// are simply not constructed and the filters that use them fail open.
type KVConfig struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	TimeoutMillis int    `yaml:"timeout_millis"`
}

// BusConfig configures the AMQP connection backing the Telemetry Emitter
// (C2). When disabled, a no-op Emitter is used instead.
type BusConfig struct {
	Enabled       bool   `yaml:"enabled"`
	AMQPURL       string `yaml:"amqp_url"`
	Exchange      string `yaml:"exchange"`
	QueueCapacity int    `yaml:"queue_capacity"`
}

// CORSConfig configures the cross-origin preflight handling wrapped around
// the whole gateway (spec.md §4.1).
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	ExposedHeaders   []string `yaml:"exposed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAgeSeconds    int      `yaml:"max_age_seconds"`
}

// AdminConfig gates the Admin API (C15) behind a shared-secret header and a
// mount path distinct from proxied routes.
type AdminConfig struct {
	Enabled         bool   `yaml:"enabled"`
	PathPrefix      string `yaml:"path_prefix"` // default "/admin"
	APIKey          string `yaml:"api_key"`
	RateLimitPolicy string `yaml:"rate_limit_policy"` // default "admin"
}

type RouteCircuitBreaker struct {
	Enabled                 bool    `yaml:"enabled"`
	WindowSize              int     `yaml:"window_size"`
	MinimumSamples          int     `yaml:"minimum_samples"`
	FailureRate             float64 `yaml:"failure_rate"`
	SlowCallRate            float64 `yaml:"slow_call_rate"`
	SlowCallDurationSeconds float64 `yaml:"slow_call_duration_seconds"`
	WaitSeconds             float64 `yaml:"wait_seconds"`
	HalfOpenProbes          int     `yaml:"half_open_probes"`
	FallbackReason          string  `yaml:"fallback_reason"`
}

// RouteConfig is one entry of the Route Table (C8). Path is a glob pattern:
// a "*" segment matches exactly one path segment, a trailing "**" matches
// the remainder.
type RouteConfig struct {
	Name                string              `yaml:"name"`
	Methods             []string            `yaml:"methods"`
	Path                string              `yaml:"path"`
	Upstream            string              `yaml:"upstream"`
	StripPrefixSegments int                 `yaml:"strip_prefix_segments"`
	AuthRequired        bool                `yaml:"auth_required"`
	Public              bool                `yaml:"public"`
	RateLimitPolicy     string              `yaml:"rate_limit_policy"`
	CircuitBreaker      RouteCircuitBreaker `yaml:"circuit_breaker"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MaxHeaderBytes == 0 {
		cfg.Server.MaxHeaderBytes = 1 << 20 // 1 MiB
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20 // 1 MiB
	}
	if cfg.Server.ReadHeaderTimeoutSeconds == 0 {
		cfg.Server.ReadHeaderTimeoutSeconds = 5
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 15
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 60
	}
	if cfg.Server.IdleTimeoutSeconds == 0 {
		cfg.Server.IdleTimeoutSeconds = 60
	}

	if cfg.Upstream.DialTimeoutSeconds == 0 {
		cfg.Upstream.DialTimeoutSeconds = 5
	}
	if cfg.Upstream.TLSHandshakeTimeoutSeconds == 0 {
		cfg.Upstream.TLSHandshakeTimeoutSeconds = 5
	}
	if cfg.Upstream.ResponseHeaderTimeoutSeconds == 0 {
		cfg.Upstream.ResponseHeaderTimeoutSeconds = 15
	}
	if cfg.Upstream.IdleConnTimeoutSeconds == 0 {
		cfg.Upstream.IdleConnTimeoutSeconds = 90
	}
	if cfg.Upstream.MaxIdleConns == 0 {
		cfg.Upstream.MaxIdleConns = 100
	}
	if cfg.Upstream.MaxIdleConnsPerHost == 0 {
		cfg.Upstream.MaxIdleConnsPerHost = 20
	}

	if cfg.Auth.JWKS.CacheTTLSeconds == 0 {
		cfg.Auth.JWKS.CacheTTLSeconds = 300
	}
	if cfg.Auth.JWKS.HTTPTimeoutSeconds == 0 {
		cfg.Auth.JWKS.HTTPTimeoutSeconds = 3
	}
	if cfg.Auth.JWKS.LeewaySeconds == 0 {
		cfg.Auth.JWKS.LeewaySeconds = 30
	}

	if cfg.KV.TimeoutMillis == 0 {
		cfg.KV.TimeoutMillis = 200
	}

	if cfg.Bus.Exchange == "" {
		cfg.Bus.Exchange = "apigw.events"
	}
	if cfg.Bus.QueueCapacity == 0 {
		cfg.Bus.QueueCapacity = 10000
	}

	if cfg.CORS.Enabled {
		if len(cfg.CORS.AllowedMethods) == 0 {
			cfg.CORS.AllowedMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
		}
		if len(cfg.CORS.AllowedHeaders) == 0 {
			cfg.CORS.AllowedHeaders = []string{"Authorization", "Content-Type", "X-Request-ID", "X-Api-Key"}
		}
		if cfg.CORS.MaxAgeSeconds == 0 {
			cfg.CORS.MaxAgeSeconds = 300
		}
	}

	if cfg.Admin.Enabled {
		if cfg.Admin.PathPrefix == "" {
			cfg.Admin.PathPrefix = "/admin"
		}
		if cfg.Admin.RateLimitPolicy == "" {
			cfg.Admin.RateLimitPolicy = "admin"
		}
	}

	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		if r.CircuitBreaker.Enabled {
			if r.CircuitBreaker.WindowSize == 0 {
				r.CircuitBreaker.WindowSize = 20
			}
			if r.CircuitBreaker.MinimumSamples == 0 {
				r.CircuitBreaker.MinimumSamples = 10
			}
			if r.CircuitBreaker.FailureRate == 0 {
				r.CircuitBreaker.FailureRate = 0.5
			}
			if r.CircuitBreaker.SlowCallRate == 0 {
				r.CircuitBreaker.SlowCallRate = 0.5
			}
			if r.CircuitBreaker.SlowCallDurationSeconds == 0 {
				r.CircuitBreaker.SlowCallDurationSeconds = 3
			}
			if r.CircuitBreaker.WaitSeconds == 0 {
				r.CircuitBreaker.WaitSeconds = 10
			}
			if r.CircuitBreaker.HalfOpenProbes == 0 {
				r.CircuitBreaker.HalfOpenProbes = 3
			}
		}
	}
}

func Validate(cfg *Config) error {
	if len(cfg.Routes) == 0 {
		return errors.New("no routes configured")
	}

	seenNames := map[string]struct{}{}
	for i, r := range cfg.Routes {
		idx := fmt.Sprintf("routes[%d]", i)
		name := strings.TrimSpace(r.Name)
		if name == "" {
			return fmt.Errorf("%s.name is required", idx)
		}
		if _, ok := seenNames[name]; ok {
			return fmt.Errorf("duplicate route name: %q", name)
		}
		seenNames[name] = struct{}{}

		path := strings.TrimSpace(r.Path)
		if path == "" || !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%s.path must start with '/'", idx)
		}

		if r.Upstream == "" {
			return fmt.Errorf("%s.upstream is required", idx)
		}
		if _, err := url.Parse(r.Upstream); err != nil {
			return fmt.Errorf("%s.upstream invalid: %v", idx, err)
		}

		if r.StripPrefixSegments < 0 {
			return fmt.Errorf("%s.strip_prefix_segments must be >= 0", idx)
		}
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.RateLimit.Backend))
	if backend != "redis" && backend != "memory" {
		return fmt.Errorf("rate_limit.backend must be 'redis' or 'memory'")
	}
	if backend == "redis" && strings.TrimSpace(cfg.RateLimit.Redis.Addr) == "" {
		return fmt.Errorf("rate_limit.redis.addr is required when backend is redis")
	}

	if cfg.Auth.Mode != "" {
		mode := strings.ToLower(strings.TrimSpace(cfg.Auth.Mode))
		switch mode {
		case "hmac":
			if strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
				return fmt.Errorf("auth.hmac_secret is required when auth.mode is hmac")
			}
		case "jwks":
			if strings.TrimSpace(cfg.Auth.JWKS.URL) == "" {
				return fmt.Errorf("auth.jwks.url is required when auth.mode is jwks")
			}
			if _, err := url.Parse(cfg.Auth.JWKS.URL); err != nil {
				return fmt.Errorf("auth.jwks.url invalid: %v", err)
			}
		default:
			return fmt.Errorf("auth.mode must be 'hmac' or 'jwks'")
		}
	}

	if cfg.Bus.Enabled && strings.TrimSpace(cfg.Bus.AMQPURL) == "" {
		return fmt.Errorf("bus.amqp_url is required when bus.enabled is true")
	}

	if cfg.CORS.Enabled && len(cfg.CORS.AllowedOrigins) == 0 {
		return fmt.Errorf("cors.allowed_origins must be non-empty when cors.enabled is true")
	}

	if cfg.Admin.Enabled && strings.TrimSpace(cfg.Admin.APIKey) == "" {
		return fmt.Errorf("admin.api_key is required when admin.enabled is true")
	}

	return nil
}
