package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-pawtag/internal/auth"
	"github.com/noah-isme/backend-pawtag/internal/common"
	"github.com/noah-isme/backend-pawtag/internal/config"
	"github.com/noah-isme/backend-pawtag/internal/health"
	"github.com/noah-isme/backend-pawtag/internal/notify"
	"github.com/noah-isme/backend-pawtag/internal/obs"
	"github.com/noah-isme/backend-pawtag/internal/payment"
	"github.com/noah-isme/backend-pawtag/internal/pet"
	"github.com/noah-isme/backend-pawtag/internal/queue"
	"github.com/noah-isme/backend-pawtag/internal/ratelimit"
	"github.com/noah-isme/backend-pawtag/internal/resilience"
	"github.com/noah-isme/backend-pawtag/internal/security"
	"github.com/noah-isme/backend-pawtag/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "pawtag")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		sampling := envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0)
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "pawtag-api",
			Endpoint:      cfg.OTLPEndpoint,
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: sampling,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				ctx := context.Background()
				if err := shutdown(ctx); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if envBool("DB_AUTO_MIGRATE", true) {
		if err := store.Migrate(cfg.DatabaseURL, envOrDefault("DB_MIGRATIONS_DIR", "db/migrations")); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "pawtag-api"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metricsEnabled {
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}

	payments := store.NewPaymentStore(pool)
	pets := store.NewPetStore(pool)
	users := store.NewUserStore(pool)
	memberships := store.NewMembershipStore(pool)
	notifications := store.NewNotificationStore(pool)

	gateway, err := payment.NewYoco(cfg.YocoSecretKey, cfg.YocoBaseURL, resilience.HTTPClient{
		Client:      &http.Client{Timeout: 30 * time.Second},
		Breaker:     resilience.NewBreaker(envInt("CIRCUIT_GATEWAY_MIN_REQUESTS", 5), envFloat("CIRCUIT_GATEWAY_FAILURE_RATE", 0.5), envDurationMillis("CIRCUIT_GATEWAY_OPEN_FOR_MS", 30000)),
		BaseBackoff: envDurationMillis("RETRY_BASE_MS", 200),
		MaxAttempts: envInt("RETRY_MAX_ATTEMPTS", 3),
		Jitter:      envFloat("RETRY_JITTER_PERCENT", 0.2),
		Timeout:     envDurationMillis("OUTBOUND_TIMEOUT_MS", 15000),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise payment gateway")
	}

	taskQueue := queue.Enqueuer{
		R:        redisClient,
		Prefix:   envOrDefault("QUEUE_REDIS_PREFIX", "pawtag"),
		DedupTTL: envDurationMillis("QUEUE_DEDUP_TTL_MS", 60000),
	}
	dispatcher := &notify.Dispatcher{
		Notifications: notifications,
		Payments:      payments,
		Users:         users,
		Email:         common.NopEmailSender{},
		Push:          newPushSender(logger),
		Enqueuer:      &taskQueue,
		StaleAfter:    envDurationMillis("NOTIFY_STALE_AFTER_MS", 120000),
		Log:           logger,
	}

	finalizer := &payment.Finalizer{
		Payments:    payments,
		Pets:        pets,
		Users:       users,
		Memberships: memberships,
		Notifier:    dispatcher,
		Log:         logger,
	}
	reconciler := &payment.Reconciler{
		Payments:  payments,
		Gateway:   gateway,
		Finalizer: finalizer,
		Log:       logger,
	}
	checkoutSvc := &payment.CheckoutService{
		Payments:    payments,
		Pets:        pets,
		Users:       users,
		Memberships: memberships,
		Gateway:     gateway,
		FrontendURL: cfg.FrontendURL,
		Log:         logger,
	}
	webhookHandler := payment.Webhook{
		Finalizer: finalizer,
		Replay:    redisClient,
		ReplayTTL: envDurationMillis("WEBHOOK_REPLAY_TTL_MS", 86400000),
		Log:       logger,
	}

	validate := validator.New()

	paymentHandler := &payment.Handler{
		Checkout:    checkoutSvc,
		Finalizer:   finalizer,
		Reconciler:  reconciler,
		Payments:    payments,
		Pets:        pets,
		Memberships: memberships,
		Gateway:     gateway,
		Validate:    validate,
		Log:         logger,
	}
	adminHandler := &payment.AdminHandler{Payments: payments, Log: logger}

	authService, err := auth.NewService(auth.Config{
		Users:          users,
		Secret:         cfg.JWTSecret,
		AccessTokenTTL: cfg.AccessTokenTTL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise auth service")
	}
	authHandler := &auth.Handler{Service: authService, Validate: validate}
	authMiddleware := auth.Middleware{Service: authService}

	petHandler := &pet.Handler{Pets: pets, Validate: validate}

	limiterStore, err := ratelimit.NewRedisStore(redisClient, envOrDefault("RATE_LIMIT_REDIS_PREFIX", "pawtag:ratelimit"))
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter")
	}
	checkoutLimiter := ratelimit.Handler{
		Limiter: ratelimit.StoreLimiter{Store: limiterStore},
		Config: ratelimit.Config{
			Key:    rateLimitKey,
			Window: envDurationMillis("RATE_LIMIT_CHECKOUT_WINDOW_MS", 60000),
			Max:    envInt("RATE_LIMIT_CHECKOUT_MAX", 10),
		},
		OnError: func(err error) {
			logger.Error().Err(err).Msg("rate limiter error")
		},
	}

	idem := common.Idem(redisClient, envDurationMillis("IDEMPOTENCY_TTL_MS", 86400000))

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(security.Headers{Enable: envBool("SECURE_HEADERS_ENABLE", true)}.Middleware)
	r.Use(security.BodyLimit{Max: int64(envInt("SECURE_MAX_BODY_BYTES", 1<<20))}.Middleware)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if metricsEnabled && httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", true) {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{
		Checker:      health.Deps{Pool: pool, Redis: redisClient},
		DBTimeout:    envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500),
		RedisTimeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Route("/auth", func(a chi.Router) {
			a.Post("/register", authHandler.Register)
			a.Post("/login", authHandler.Login)

			a.Group(func(protected chi.Router) {
				protected.Use(authMiddleware.RequireAuth)
				protected.Get("/me", authHandler.Me)
			})
		})

		v.Route("/pets", func(p chi.Router) {
			p.Use(authMiddleware.RequireAuth)
			p.Get("/", petHandler.List)
			p.Post("/", petHandler.Create)
			p.Route("/{petId}", func(child chi.Router) {
				child.Get("/", petHandler.Get)
				child.Put("/", petHandler.Update)
				child.Delete("/", petHandler.Delete)
			})
		})

		v.Route("/payment", func(p chi.Router) {
			p.Post("/webhook", webhookHandler.Handle)

			p.Group(func(g chi.Router) {
				g.Use(authMiddleware.RequireAuth)
				g.With(idem, checkoutLimiter.Middleware).Post("/createCheckout", paymentHandler.CreateCheckout)
				g.With(idem).Post("/pay", paymentHandler.Pay)
				g.Get("/details/{paymentId}", paymentHandler.Details)
			})

			p.Route("/admin", func(admin chi.Router) {
				admin.Use(authMiddleware.RequireAuth)
				admin.Use(auth.RequireRole("admin"))
				admin.Get("/tag-orders", adminHandler.ListTagOrders)
				admin.Patch("/tag-orders/{paymentId}/fulfillment", adminHandler.UpdateFulfillment)
			})
		})
	})

	srv := &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: r,
	}

	logger.Info().Str("addr", srv.Addr).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
}

// newPushSender returns the HTTP push relay when one is configured, falling
// back to log-only delivery.
func newPushSender(logger zerolog.Logger) notify.PushSender {
	endpoint := envOrDefault("PUSH_RELAY_ENDPOINT", "")
	if endpoint == "" {
		return notify.LogPush{Log: logger}
	}
	return &notify.HTTPPush{
		Endpoint: endpoint,
		APIKey:   envOrDefault("PUSH_RELAY_API_KEY", ""),
		Client: resilience.HTTPClient{
			Client:      &http.Client{Timeout: 10 * time.Second},
			MaxAttempts: envInt("PUSH_RELAY_MAX_ATTEMPTS", 2),
		},
		Log: logger,
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

// rateLimitKey scopes limits per authenticated user, falling back to the
// client address for anonymous traffic.
func rateLimitKey(r *http.Request) string {
	if userID, ok := common.UserID(r.Context()); ok {
		return "user:" + userID
	}
	return "ip:" + r.RemoteAddr
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/allocs", pprof.Handler("allocs"))
	mux.Handle("/block", pprof.Handler("block"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	mux.Handle("/mutex", pprof.Handler("mutex"))
	mux.Handle("/threadcreate", pprof.Handler("threadcreate"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
