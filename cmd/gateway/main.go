package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/sentrygw/apigateway/internal/admin"
	"github.com/sentrygw/apigateway/internal/attempts"
	"github.com/sentrygw/apigateway/internal/auth"
	"github.com/sentrygw/apigateway/internal/blocklist"
	"github.com/sentrygw/apigateway/internal/breaker"
	"github.com/sentrygw/apigateway/internal/config"
	"github.com/sentrygw/apigateway/internal/envelope"
	"github.com/sentrygw/apigateway/internal/filters"
	"github.com/sentrygw/apigateway/internal/kv"
	"github.com/sentrygw/apigateway/internal/logging"
	"github.com/sentrygw/apigateway/internal/metrics"
	"github.com/sentrygw/apigateway/internal/netx"
	"github.com/sentrygw/apigateway/internal/proxy"
	"github.com/sentrygw/apigateway/internal/ratelimit"
	"github.com/sentrygw/apigateway/internal/reqctx"
	"github.com/sentrygw/apigateway/internal/routetable"
	"github.com/sentrygw/apigateway/internal/telemetry"
)

func main() {
	var configPath string
	var validateOnly bool
	flag.StringVar(&configPath, "config", "./config/config.example.yaml", "path to yaml config")
	flag.BoolVar(&validateOnly, "validate-config", false, "validate config and exit")
	flag.Parse()

	log := logging.New()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if validateOnly {
		log.Info("config ok")
		return
	}

	limiter := buildRateLimiter(log, cfg)
	defer limiter.Close()

	kvClient := buildKV(cfg)
	var blocks *blocklist.Store
	var tracker *attempts.Tracker
	if kvClient != nil {
		blocks = blocklist.New(kvClient)
		tracker = attempts.New(kvClient, blocks)
	}

	verifier := buildVerifier(log, cfg)

	telemetryEmitter := buildTelemetry(log, cfg)
	defer telemetryEmitter.Close()

	transport := proxy.NewTransport(proxy.TransportConfig{
		DialTimeout:           time.Duration(cfg.Upstream.DialTimeoutSeconds) * time.Second,
		TLSHandshakeTimeout:   time.Duration(cfg.Upstream.TLSHandshakeTimeoutSeconds) * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.ResponseHeaderTimeoutSeconds) * time.Second,
		IdleConnTimeout:       time.Duration(cfg.Upstream.IdleConnTimeoutSeconds) * time.Second,
		MaxIdleConns:          cfg.Upstream.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.Upstream.MaxIdleConnsPerHost,
	})

	trustedProxies, err := netx.ParseCIDRSet(cfg.Server.TrustedProxies)
	if err != nil {
		log.Error("invalid server.trusted_proxies", slog.String("error", err.Error()))
		os.Exit(1)
	}
	resolver := netx.Resolver{TrustedProxies: trustedProxies, DenyPrivate: netx.PrivateRanges()}

	reg := prometheus.NewRegistry()
	metricsCollector := metrics.New(reg)
	breakerConfigs := map[string]breaker.Config{}
	routes := make([]*routetable.Route, 0, len(cfg.Routes))

	for _, rc := range cfg.Routes {
		u, perr := url.Parse(rc.Upstream)
		if perr != nil {
			log.Error("invalid upstream url", slog.String("route", rc.Name), slog.String("error", perr.Error()))
			os.Exit(1)
		}
		routes = append(routes, &routetable.Route{
			ID:                  rc.Name,
			Methods:             rc.Methods,
			PathPattern:         rc.Path,
			Upstream:            u,
			StripPrefixSegments: rc.StripPrefixSegments,
			CircuitBreakerName:  rc.Name,
			RateLimitPolicy:     rc.RateLimitPolicy,
			AuthRequired:        rc.AuthRequired,
			Public:              rc.Public,
		})
		if rc.CircuitBreaker.Enabled {
			breakerConfigs[rc.Name] = breaker.Config{
				Name:             rc.Name,
				WindowSize:       rc.CircuitBreaker.WindowSize,
				MinimumSamples:   rc.CircuitBreaker.MinimumSamples,
				FailureRate:      rc.CircuitBreaker.FailureRate,
				SlowCallRate:     rc.CircuitBreaker.SlowCallRate,
				SlowCallDuration: time.Duration(rc.CircuitBreaker.SlowCallDurationSeconds * float64(time.Second)),
				WaitDuration:     time.Duration(rc.CircuitBreaker.WaitSeconds * float64(time.Second)),
				HalfOpenProbes:   uint32(rc.CircuitBreaker.HalfOpenProbes),
				FallbackReason:   rc.CircuitBreaker.FallbackReason,
			}
		}
	}

	table := routetable.New(routes)
	breakers := breaker.NewRegistry(breakerConfigs, func(sc breaker.StateChange) {
		telemetryEmitter.Emit(telemetry.Event{
			Type: "circuitbreaker",
			Fields: map[string]any{
				"breaker":      sc.Breaker,
				"from":         string(sc.From),
				"to":           string(sc.To),
				"failure_rate": sc.Snapshot.FailureRate,
				"slow_rate":    sc.Snapshot.SlowRate,
			},
		})
	})

	deps := filters.Deps{
		Verifier:   verifier,
		Blocks:     blocks,
		Attempts:   tracker,
		Limiter:    limiter,
		Breakers:   breakers,
		Telemetry:  telemetryEmitter,
		IPResolver: resolver,
	}

	chains := make(map[string]*filters.Chain, len(routes))
	for _, r := range routes {
		p := proxy.BuildProxy(r.Upstream, transport)
		stripSegments := r.StripPrefixSegments
		proxyHandler := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			req.URL.Path = routetable.StripPath(req.URL.Path, stripSegments)
			p.ServeHTTP(w, req)
		})
		forward := filters.BuildForward(breakers.Get(r.CircuitBreakerName), proxyHandler)
		chains[r.ID] = filters.Build(r, deps, forward)
	}

	routeHandlers := make(map[string]http.Handler, len(routes))
	for _, r := range routes {
		routeHandlers[r.ID] = metricsCollector.Instrument(r.ID, chains[r.ID])
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.Admin.Enabled {
		mux.Handle(cfg.Admin.PathPrefix+"/", http.StripPrefix(cfg.Admin.PathPrefix, requireAdminKey(cfg.Admin.APIKey, admin.New(blocks, tracker).Mux())))
	}

	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = reqctx.Mint(w, r)
		route := table.Match(r.Method, r.URL.Path)
		if route == nil {
			envelope.WriteProblem(w, envelope.New(r.Context(), envelope.KindRoutingNotFound, "no route matches this request"))
			return
		}
		routeHandlers[route.ID].ServeHTTP(w, r)
	}))

	var handler http.Handler = mux
	if cfg.CORS.Enabled {
		handler = cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowedMethods:   cfg.CORS.AllowedMethods,
			AllowedHeaders:   cfg.CORS.AllowedHeaders,
			ExposedHeaders:   cfg.CORS.ExposedHeaders,
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           cfg.CORS.MaxAgeSeconds,
		})(mux)
	}
	handler = http.MaxBytesHandler(handler, cfg.Server.MaxBodyBytes)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	go func() {
		log.Info("apigw listening", slog.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Info("shutdown complete")
}

func buildRateLimiter(log *slog.Logger, cfg *config.Config) ratelimit.Limiter {
	switch strings.ToLower(cfg.RateLimit.Backend) {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.Redis.Addr,
			Password: cfg.RateLimit.Redis.Password,
			DB:       cfg.RateLimit.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable; falling back to memory limiter", slog.String("error", err.Error()))
			return ratelimit.NewMemoryLimiter(5*time.Minute, time.Minute)
		}
		return ratelimit.NewRedisLimiter(rdb)
	default:
		ttl := time.Duration(cfg.RateLimit.Memory.TTLSeconds) * time.Second
		cleanup := time.Duration(cfg.RateLimit.Memory.CleanupSeconds) * time.Second
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		if cleanup <= 0 {
			cleanup = time.Minute
		}
		return ratelimit.NewMemoryLimiter(ttl, cleanup)
	}
}

func buildKV(cfg *config.Config) *kv.Client {
	if strings.TrimSpace(cfg.KV.Addr) == "" {
		return nil
	}
	return kv.New(kv.Config{
		Addr:     cfg.KV.Addr,
		Password: cfg.KV.Password,
		DB:       cfg.KV.DB,
		Timeout:  time.Duration(cfg.KV.TimeoutMillis) * time.Millisecond,
	})
}

func buildVerifier(log *slog.Logger, cfg *config.Config) *auth.Verifier {
	mode := strings.ToLower(cfg.Auth.Mode)
	if mode == "" {
		return nil
	}

	ac := auth.Config{
		Issuer:      cfg.Auth.JWKS.Issuer,
		Audience:    cfg.Auth.JWKS.Audience,
		Leeway:      time.Duration(cfg.Auth.JWKS.LeewaySeconds) * time.Second,
		PublicPaths: cfg.Auth.PublicPaths,
	}
	switch mode {
	case "hmac":
		ac.TestMode = true
		ac.HMACSecret = []byte(cfg.Auth.HMACSecret)
	case "jwks":
		ac.JWKSURL = cfg.Auth.JWKS.URL
		ac.HTTPTimeout = time.Duration(cfg.Auth.JWKS.HTTPTimeoutSeconds) * time.Second
		ac.CacheTTL = time.Duration(cfg.Auth.JWKS.CacheTTLSeconds) * time.Second
	default:
		log.Error("unknown auth.mode", slog.String("mode", cfg.Auth.Mode))
		os.Exit(1)
	}

	v, err := auth.New(ac)
	if err != nil {
		log.Error("failed to init auth verifier", slog.String("error", err.Error()))
		os.Exit(1)
	}
	return v
}

func buildTelemetry(log *slog.Logger, cfg *config.Config) *telemetry.Emitter {
	if !cfg.Bus.Enabled {
		return telemetry.NewNoop(log)
	}
	e, err := telemetry.New(log, telemetry.Config{
		AMQPURL:       cfg.Bus.AMQPURL,
		Exchange:      cfg.Bus.Exchange,
		QueueCapacity: cfg.Bus.QueueCapacity,
	})
	if err != nil {
		log.Warn("telemetry bus unreachable; continuing without it", slog.String("error", err.Error()))
		return telemetry.NewNoop(log)
	}
	return e
}

// requireAdminKey gates the admin mux behind a shared-secret header, mirroring
// the teacher's mw.RequireAdminKey pattern for the old "/-/*" endpoints.
func requireAdminKey(key string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key == "" || r.Header.Get("X-Admin-Key") != key {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		h.ServeHTTP(w, r)
	})
}
