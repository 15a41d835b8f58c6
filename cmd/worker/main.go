package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/backend-pawtag/internal/common"
	"github.com/noah-isme/backend-pawtag/internal/config"
	"github.com/noah-isme/backend-pawtag/internal/lock"
	"github.com/noah-isme/backend-pawtag/internal/notify"
	"github.com/noah-isme/backend-pawtag/internal/obs"
	"github.com/noah-isme/backend-pawtag/internal/payment"
	"github.com/noah-isme/backend-pawtag/internal/queue"
	"github.com/noah-isme/backend-pawtag/internal/reconcile"
	"github.com/noah-isme/backend-pawtag/internal/resilience"
	"github.com/noah-isme/backend-pawtag/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Logger()

	obs.MustRegisterDomainMetrics(envOrDefault("OBS_METRICS_NAMESPACE", "pawtag"), nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := mustInitDatabase(ctx, cfg, logger)
	defer pool.Close()

	redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

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

	queuePrefix := envOrDefault("QUEUE_REDIS_PREFIX", "pawtag")
	taskQueue := queue.Enqueuer{
		R:        redisClient,
		Prefix:   queuePrefix,
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

	sweeper := &reconcile.Sweeper{
		Payments:   payments,
		Reconciler: reconciler,
		Locker:     lock.Locker{R: redisClient},
		Interval:   cfg.ReconcileInterval,
		MinAge:     cfg.ReconcileMinAge,
		BatchSize:  envInt("RECONCILE_BATCH_SIZE", 100),
		Log:        logger,
	}

	notifyWorker := queue.Worker{
		R:                 redisClient,
		Prefix:            queuePrefix,
		Kind:              notify.TaskKind,
		Concurrency:       envInt("QUEUE_CONCURRENCY_NOTIFY", 2),
		VisibilityTimeout: envDurationMillis("QUEUE_VISIBILITY_TIMEOUT_MS", 60000),
		RetryBase:         envDurationMillis("QUEUE_BACKOFF_BASE_MS", 1000),
		RetryJitter:       envFloat("QUEUE_BACKOFF_JITTER", 0.2),
		Handler:           dispatcher.HandleTask,
	}

	logger.Info().Msg("worker starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return notifyWorker.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
	} else {
		logger.Info().Msg("worker shutdown complete")
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

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "pawtag-worker"
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient
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
