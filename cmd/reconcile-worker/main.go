package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/clearlinehq/vaultbridge/internal/billing"
	"github.com/clearlinehq/vaultbridge/internal/cron"
	"github.com/clearlinehq/vaultbridge/internal/dedup"
	"github.com/clearlinehq/vaultbridge/internal/gateway"
	"github.com/clearlinehq/vaultbridge/internal/idempotency"
	"github.com/clearlinehq/vaultbridge/internal/reconcile"
	"github.com/clearlinehq/vaultbridge/internal/saga"
	"github.com/clearlinehq/vaultbridge/pkg/config"
	"github.com/clearlinehq/vaultbridge/pkg/db"
	"github.com/clearlinehq/vaultbridge/pkg/logger"
	"github.com/clearlinehq/vaultbridge/pkg/metrics"
	"github.com/clearlinehq/vaultbridge/pkg/migrate"
	"github.com/clearlinehq/vaultbridge/pkg/outbox"
	"github.com/clearlinehq/vaultbridge/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "reconcile-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "reconcile-worker"

	logg = logger.New(logger.Options{
		ServiceName: "reconcile-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	gatewayClient, err := gateway.NewClient(context.Background(), cfg.Gateway, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create gateway client", err)
		os.Exit(1)
	}

	idempotencyStore, err := idempotency.NewStore(idempotency.StoreParams{
		KV:     redisClient,
		Config: cfg.Idempotency,
		Logger: logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create idempotency store", err)
		os.Exit(1)
	}

	billingRepo := billing.NewRepository(dbClient.DB())
	billingService, err := billing.NewService(billing.ServiceParams{
		Repo:        billingRepo,
		Gateway:     gatewayClient,
		DB:          dbClient,
		Idempotency: idempotencyStore,
		Logger:      logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create billing service", err)
		os.Exit(1)
	}

	outboxRepo := outbox.NewRepository(dbClient.DB())
	outboxService, err := outbox.NewService(outbox.ServiceParams{
		Repo:   outboxRepo,
		Logger: logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create outbox service", err)
		os.Exit(1)
	}

	sagaService, err := saga.NewService(saga.ServiceParams{
		Repo:        saga.NewRepository(dbClient.DB()),
		Billing:     billingService,
		Gateway:     gatewayClient,
		DB:          dbClient,
		Idempotency: idempotencyStore,
		Outbox:      outboxService,
		Logger:      logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create saga service", err)
		os.Exit(1)
	}

	deduplicator, err := dedup.NewDeduplicator(dedup.DeduplicatorParams{
		Repo:   dedup.NewRepository(dbClient.DB()),
		KV:     redisClient,
		Config: cfg.Dedup,
		Logger: logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create deduplicator", err)
		os.Exit(1)
	}

	sagaJob, err := reconcile.NewSagaJob(reconcile.SagaJobParams{
		Logger: logg,
		Saga:   sagaService,
		Limit:  cfg.Reconcile.Limit,
		Grace:  cfg.Reconcile.Grace,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create saga reconcile job", err)
		os.Exit(1)
	}

	entityJob, err := reconcile.NewEntityJob(reconcile.EntityJobParams{
		Logger:      logg,
		Repo:        billingRepo,
		Transitions: billingService,
		Gateway:     gatewayClient,
		DB:          dbClient,
		Limit:       cfg.Reconcile.Limit,
		Grace:       cfg.Reconcile.Grace,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create entity reconcile job", err)
		os.Exit(1)
	}

	ledgerJob, err := reconcile.NewLedgerJob(reconcile.LedgerJobParams{
		Logger:  logg,
		Repo:    billingRepo,
		Gateway: gatewayClient,
		Limit:   cfg.Reconcile.Limit,
		Grace:   cfg.Reconcile.Grace,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create ledger reconcile job", err)
		os.Exit(1)
	}

	webhookRetentionJob, err := cron.NewWebhookRetentionJob(cron.WebhookRetentionJobParams{
		Logger: logg,
		Dedup:  deduplicator,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook retention job", err)
		os.Exit(1)
	}

	outboxRetentionJob, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:        logg,
		Repo:          outboxRepo,
		RetentionDays: cfg.Outbox.RetentionDays,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create outbox retention job", err)
		os.Exit(1)
	}

	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey("reconcile-worker"), 0)
	if err != nil {
		logg.Error(context.Background(), "failed to create worker lock", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: cron.NewRegistry(sagaJob, entityJob, ledgerJob, webhookRetentionJob, outboxRetentionJob),
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Reconcile.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create worker service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting reconcile worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "reconcile worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "reconcile worker shutting down gracefully")
}
