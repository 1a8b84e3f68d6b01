package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	api "booking-webhook-pipeline/internal/api"
	"booking-webhook-pipeline/internal/billing"
	"booking-webhook-pipeline/internal/config"
	"booking-webhook-pipeline/internal/producer"
	"booking-webhook-pipeline/internal/queue"
	"booking-webhook-pipeline/internal/ratelimit"
	"booking-webhook-pipeline/internal/store"
	"booking-webhook-pipeline/internal/telemetry"
)

func main() {
	cfg := config.Load()

	logger, err := telemetry.NewLogger(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("component", "api"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("init tracing", zap.Error(err))
	}
	defer shutdownTracing()
	telemetry.Register()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	registry, err := queue.DefaultRegistry(cfg)
	if err != nil {
		logger.Fatal("queue config", zap.Error(err))
	}

	q := queue.NewRedisQueue(cfg)
	defer func() { _ = q.Close() }()

	redisLimiter := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = redisLimiter.Close() }()
	limiter := ratelimit.NewTokenBucket(redisLimiter, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	prod := producer.New(st, producer.NewAsyncBackend(st, q, registry, cfg.IdempotencyTTL), logger)
	provider := billing.NewStripeClient(cfg.BillingAPIBase, cfg.BillingAPIKey, cfg.DeliveryTimeout)
	factory := billing.NewFactory(st, st, prod, cfg.BillingModeCacheTTL)
	if cfg.BillingWebhookSecret == "" {
		logger.Warn("BILLING_WEBHOOK_SECRET not set, billing webhook signatures are not verified")
	}

	server := api.New(api.Deps{
		Producer:      prod,
		Billing:       billing.NewWebhookHandler(factory, provider, logger),
		Tasks:         st,
		DLQ:           q,
		Limiter:       limiter,
		Activity:      st,
		Health:        st,
		WebhookSecret: cfg.BillingWebhookSecret,
		Log:           logger,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", zap.String("addr", httpServer.Addr), zap.Int("queues", len(registry.All())))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("api stopped")
}
