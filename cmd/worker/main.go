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

	"go.uber.org/zap"

	"booking-webhook-pipeline/internal/archive"
	"booking-webhook-pipeline/internal/billing"
	"booking-webhook-pipeline/internal/config"
	"booking-webhook-pipeline/internal/models"
	"booking-webhook-pipeline/internal/queue"
	"booking-webhook-pipeline/internal/store"
	"booking-webhook-pipeline/internal/telemetry"
	workerproc "booking-webhook-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()

	logger, err := telemetry.NewLogger(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		workerID, _ = os.Hostname()
	}
	logger = logger.With(zap.String("component", "worker"), zap.String("worker_id", workerID))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("init tracing", zap.Error(err))
	}
	defer shutdownTracing()

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

	dispatcher := workerproc.NewDispatcher()
	dispatcher.Register(models.TaskTypeWebhookDelivery, workerproc.NewWebhookDeliverer(st, cfg.DeliveryTimeout).Handle)
	provider := billing.NewStripeClient(cfg.BillingAPIBase, cfg.BillingAPIKey, cfg.DeliveryTimeout)
	dispatcher.Register(models.TaskTypeUsageIncrement, workerproc.NewUsageHandler(provider).Handle)

	processor := workerproc.NewProcessor(cfg, registry, q, st, dispatcher, logger)
	archiver, err := archive.New(ctx, cfg)
	if err != nil {
		logger.Fatal("init dlq archive", zap.Error(err))
	}
	if archiver != nil {
		processor.WithArchiver(archiver)
	}

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.String("machine", processor.Machine()),
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.Int("max_attempts", cfg.RetryMaxAttempts),
		zap.Bool("archive", archiver != nil),
	)
	if err := processor.Run(ctx); err != nil {
		logger.Error("worker stopped", zap.Error(err))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsServer.Shutdown(shutdownCtx)
	logger.Info("worker stopped")
}
