package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/clearlinehq/vaultbridge/api/routes"
	"github.com/clearlinehq/vaultbridge/internal/billing"
	"github.com/clearlinehq/vaultbridge/internal/dedup"
	"github.com/clearlinehq/vaultbridge/internal/gateway"
	"github.com/clearlinehq/vaultbridge/internal/idempotency"
	"github.com/clearlinehq/vaultbridge/internal/saga"
	gatewaywebhook "github.com/clearlinehq/vaultbridge/internal/webhooks/gateway"
	"github.com/clearlinehq/vaultbridge/pkg/config"
	"github.com/clearlinehq/vaultbridge/pkg/db"
	"github.com/clearlinehq/vaultbridge/pkg/logger"
	"github.com/clearlinehq/vaultbridge/pkg/metrics"
	"github.com/clearlinehq/vaultbridge/pkg/migrate"
	"github.com/clearlinehq/vaultbridge/pkg/outbox"
	"github.com/clearlinehq/vaultbridge/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	billingService, err := billing.NewService(billing.ServiceParams{
		Repo:        billing.NewRepository(dbClient.DB()),
		Gateway:     gatewayClient,
		DB:          dbClient,
		Idempotency: idempotencyStore,
		Logger:      logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create billing service", err)
		os.Exit(1)
	}

	outboxService, err := outbox.NewService(outbox.ServiceParams{
		Repo:   outbox.NewRepository(dbClient.DB()),
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

	webhookService, err := gatewaywebhook.NewService(gatewaywebhook.ServiceParams{
		Billing: billingService,
		Dedup:   deduplicator,
		Outbox:  outboxService,
		DB:      dbClient,
		Metrics: metrics.NewWebhookMetrics(prometheus.DefaultRegisterer),
		Logger:  logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook service", err)
		os.Exit(1)
	}

	webhookVerifier, err := gatewaywebhook.NewVerifier(cfg.Gateway.WebhookSecret)
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook verifier", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(
			cfg,
			logg,
			dbClient,
			redisClient,
			sagaService,
			billingService,
			webhookService,
			webhookVerifier,
			prometheus.DefaultGatherer,
		),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}
