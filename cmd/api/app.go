package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ssrikantan/contoso-payments-api/internal/api"
	"github.com/ssrikantan/contoso-payments-api/internal/audit"
	"github.com/ssrikantan/contoso-payments-api/internal/auth"
	"github.com/ssrikantan/contoso-payments-api/internal/config"
	"github.com/ssrikantan/contoso-payments-api/internal/db"
	"github.com/ssrikantan/contoso-payments-api/internal/health"
	"github.com/ssrikantan/contoso-payments-api/internal/idempotency"
	"github.com/ssrikantan/contoso-payments-api/internal/jobs"
	"github.com/ssrikantan/contoso-payments-api/internal/middleware"
	"github.com/ssrikantan/contoso-payments-api/internal/payment"
	"github.com/ssrikantan/contoso-payments-api/internal/receipt"
)

const (
	serviceName       = "contoso-payments-api"
	authorizePath     = "/payments/authorize"
	connectTimeout    = 5 * time.Second
	rateLimitSweep    = 5 * time.Minute
	idempotencyPrefix = "payments:idem:"
)

// Paths reachable without a bearer token.
var publicPaths = map[string]bool{
	"/":        true,
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// app holds the wired components of the API server.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	registry    *prometheus.Registry
	httpMetrics *middleware.Metrics
	jobMetrics  *jobs.Metrics

	index       idempotency.Index
	limiter     middleware.RateLimitStore
	memLimiter  *middleware.InMemoryRateLimitStore
	tokens      middleware.TokenValidator
	lifecycle   *payment.Lifecycle
	journal     *audit.Journal
	payments    *api.PaymentHandlers
	healthRoute *api.HealthHandlers

	closers []func() error
}

// newApp connects to the configured backends and wires the lifecycle, its
// observers and the HTTP handlers. Empty DATABASE_URL and REDIS_URL select
// in-memory implementations.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{
		cfg:         cfg,
		logger:      logger,
		registry:    prometheus.NewRegistry(),
		httpMetrics: middleware.NewMetrics(),
		jobMetrics:  jobs.NewMetrics(),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	payMetrics := payment.NewMetrics()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, r := range []interface{ Register(prometheus.Registerer) error }{a.httpMetrics, a.jobMetrics, payMetrics} {
		if err := r.Register(a.registry); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	var (
		store        payment.Store
		dbChecker    api.HealthChecker
		redisChecker api.HealthChecker
	)

	if cfg.DatabaseURL != "" {
		pool, err := db.Open(ctx, cfg.DatabaseURL, db.DefaultPool)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		store = payment.NewPostgresStore(pool, logger)
		dbChecker = health.NewDBChecker(pool)
		logger.Info("using postgres payment store")
	} else {
		store = payment.NewInMemoryStore()
		logger.Warn("DATABASE_URL not set, payments are kept in memory")
	}

	if cfg.RedisURL != "" {
		client, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		a.index = idempotency.NewRedisIndex(client, idempotencyPrefix, cfg.IdempotencyTTL)
		a.limiter = middleware.NewRedisRateLimitStore(client).WithMetrics(a.httpMetrics)
		redisChecker = health.NewRedisChecker(client)
		logger.Info("using redis for idempotency keys and rate limits")
	} else {
		a.index = idempotency.NewInMemoryIndex()
		a.memLimiter = middleware.NewInMemoryRateLimitStore()
		a.limiter = a.memLimiter
	}

	var gw payment.Gateway
	switch cfg.Gateway {
	case config.GatewayStripe:
		gw = payment.NewStripeGateway(cfg.StripeAPIKey)
	default:
		gw = payment.NewSimulatedGateway()
	}
	breaker := payment.NewCircuitBreakerGateway(gw, payment.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		OpenTimeout:      cfg.BreakerOpenTimeout,
		OnStateChange: func(s payment.BreakerState) {
			payMetrics.SetBreakerState(s)
			logger.Warn("gateway circuit breaker state changed", "gateway", cfg.Gateway, "state", s.String())
		},
	})
	payMetrics.SetBreakerState(breaker.State())

	a.lifecycle = payment.NewLifecycle(store, a.index, breaker, payment.Options{
		GatewayTimeout: cfg.GatewayTimeout,
		RefundScale:    cfg.RefundScale,
		Metrics:        payMetrics,
		Logger:         logger,
	})

	a.journal = audit.NewJournal(audit.NewInMemoryRepository(), logger)
	a.lifecycle.AddObserver(a.journal)

	var linker api.ReceiptLinker
	if cfg.ReceiptArchiveEnabled() {
		archiver, err := receipt.NewS3Archiver(receipt.Config{
			Bucket:          cfg.ReceiptBucket,
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		}, a.jobMetrics, logger)
		if err != nil {
			return nil, fmt.Errorf("init receipt archive: %w", err)
		}
		a.lifecycle.AddObserver(archiver)
		linker = archiver
		logger.Info("archiving receipts", "bucket", cfg.ReceiptBucket)
	}

	if cfg.AuthEnabled() {
		a.tokens = auth.NewJWTServiceWithRotation(cfg.JWTSecret, cfg.JWTPreviousSecret)
	} else {
		logger.Warn("JWT_SECRET not set, API authentication disabled")
	}

	a.payments = api.NewPaymentHandlers(api.PaymentHandlersConfig{
		Lifecycle: a.lifecycle,
		History:   a.journal,
		Receipts:  linker,
		Version:   version,
	})
	a.healthRoute = api.NewHealthHandlers(api.HealthHandlersConfig{
		DBChecker:      dbChecker,
		RedisChecker:   redisChecker,
		GatewayChecker: health.NewGatewayChecker(breaker),
	})
	return a, nil
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Handler returns the routed handler wrapped in the middleware chain.
//
// Order, outermost first: RequestID, Tracing, Logging, Recoverer, Profiling,
// HTTPMetrics, CORS, per-IP RateLimiter, Auth, per-caller authorize
// RateLimiter, IdempotencyKey.
func (a *app) Handler() http.Handler {
	mux := http.NewServeMux()
	a.payments.Register(mux)
	a.healthRoute.Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))

	global := middleware.RateLimitConfig{RequestsPerWindow: a.cfg.RateLimitPerMinute, WindowDuration: time.Minute}
	authorize := middleware.RateLimitConfig{RequestsPerWindow: a.cfg.AuthorizeRateLimitPerMinute, WindowDuration: time.Minute}

	var h http.Handler = mux
	h = middleware.IdempotencyKey(map[string]bool{authorizePath: true})(h)
	h = when(isAuthorize, middleware.RateLimiter(a.limiter, authorize, middleware.SubjectKeyFunc(), a.httpMetrics))(h)
	if a.tokens != nil {
		h = middleware.Auth(a.tokens, publicPaths, a.httpMetrics)(h)
	}
	h = when(isNotProbe, middleware.RateLimiter(a.limiter, global, middleware.IPKeyFunc(), a.httpMetrics))(h)
	h = middleware.CORS(middleware.CORSConfig{AllowedOrigins: a.cfg.CORSAllowedOrigins, MaxAge: 600})(h)
	h = middleware.HTTPMetrics(a.httpMetrics)(h)
	h = middleware.Profiling(a.cfg.ProfilingEnabled, a.cfg.Env)(h)
	h = middleware.Recoverer(a.logger)(h)
	h = middleware.Logging(a.logger)(h)
	h = middleware.Tracing(serviceName)(h)
	return middleware.RequestID(h)
}

// when applies mw only to requests matching match.
func when(match func(*http.Request) bool, mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		wrapped := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if match(r) {
				wrapped.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isAuthorize(r *http.Request) bool {
	return r.Method == http.MethodPost && r.URL.Path == authorizePath
}

func isNotProbe(r *http.Request) bool {
	switch r.URL.Path {
	case "/health", "/ready", "/metrics":
		return false
	}
	return true
}

// startBackground launches the periodic maintenance jobs. They stop when ctx
// is cancelled.
func (a *app) startBackground(ctx context.Context) {
	go idempotency.RunPeriodicCleanup(ctx, a.index, a.cfg.IdempotencyCleanupInterval, a.cfg.IdempotencyTTL, a.jobMetrics)
	if a.memLimiter != nil {
		go a.memLimiter.RunCleanup(ctx, rateLimitSweep)
	}
}

// Close releases database and Redis connections.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error("failed to close resource", "error", err)
		}
	}
	a.closers = nil
}
