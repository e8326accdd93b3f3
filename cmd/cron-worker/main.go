package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/peermarket-backend/internal/cron"
	"github.com/angelmondragon/peermarket-backend/internal/ledger"
	"github.com/angelmondragon/peermarket-backend/internal/orders"
	"github.com/angelmondragon/peermarket-backend/internal/payments"
	"github.com/angelmondragon/peermarket-backend/internal/users"
	"github.com/angelmondragon/peermarket-backend/pkg/config"
	"github.com/angelmondragon/peermarket-backend/pkg/db"
	"github.com/angelmondragon/peermarket-backend/pkg/instance"
	"github.com/angelmondragon/peermarket-backend/pkg/logger"
	"github.com/angelmondragon/peermarket-backend/pkg/metrics"
	"github.com/angelmondragon/peermarket-backend/pkg/migrate"
	"github.com/angelmondragon/peermarket-backend/pkg/outbox"
	"github.com/angelmondragon/peermarket-backend/pkg/redis"
	"github.com/angelmondragon/peermarket-backend/pkg/stripe"
)

const lockKeyFormat = "cron-worker:%s"

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
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

	stripeClient, err := stripe.NewClient(context.Background(), cfg.Stripe, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap stripe client", err)
		os.Exit(1)
	}

	orderMetrics := metrics.NewOrderMetrics(prometheus.DefaultRegisterer)
	gateway, err := payments.NewClient(stripeClient, cfg.Gateway.Timeout, orderMetrics)
	if err != nil {
		logg.Error(context.Background(), "failed to create payment gateway", err)
		os.Exit(1)
	}

	ordersRepo := orders.NewRepository(dbClient.DB())
	outboxRepo := outbox.NewRepository(dbClient.DB())
	outboxService := outbox.NewService(outboxRepo, logg)

	usersService, err := users.NewService(users.NewRepository(dbClient.DB()), dbClient)
	if err != nil {
		logg.Error(context.Background(), "failed to create users service", err)
		os.Exit(1)
	}

	ledgerService, err := ledger.NewService(ledger.ServiceParams{
		Repository:     ledger.NewRepository(dbClient.DB()),
		Outbox:         outboxService,
		Gateway:        gateway,
		Accounts:       usersService,
		Logger:         logg,
		PlatformFeeBps: cfg.Orders.PlatformFeeBps,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create payout ledger", err)
		os.Exit(1)
	}

	ordersService, err := orders.NewService(ordersRepo, dbClient, outboxService, gateway, ledgerService, usersService, orders.Options{
		Logger:                logg,
		Observer:              orderMetrics,
		DefaultCurrency:       cfg.Orders.DefaultCurrency,
		StalePaymentThreshold: cfg.Orders.StalePaymentThreshold(),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create orders service", err)
		os.Exit(1)
	}

	metricsCollector := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)

	staleJob, err := cron.NewStalePaymentJob(cron.StalePaymentJobParams{
		Logger:    logg,
		Orders:    ordersRepo,
		Reaper:    ordersService,
		Metrics:   metricsCollector,
		Threshold: cfg.Orders.StalePaymentThreshold(),
		BatchSize: cfg.Orders.StalePaymentBatchSize,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create stale payment job", err)
		os.Exit(1)
	}
	payoutJob, err := cron.NewPayoutDispatchJob(cron.PayoutDispatchJobParams{
		Logger:     logg,
		Dispatcher: ledgerService,
		Metrics:    metricsCollector,
		BatchSize:  cfg.Cron.PayoutBatchSize,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create payout dispatch job", err)
		os.Exit(1)
	}
	purgeJob, err := cron.NewCancelledPurgeJob(cron.CancelledPurgeJobParams{
		Logger:        logg,
		Orders:        ordersRepo,
		Metrics:       metricsCollector,
		RetentionDays: cfg.Orders.CancelledRetentionDays,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cancelled purge job", err)
		os.Exit(1)
	}
	retentionJob, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:      logg,
		DB:          dbClient,
		Repository:  outboxRepo,
		Metrics:     metricsCollector,
		Retention:   cfg.Outbox.RetentionDays,
		MinAttempts: cfg.Outbox.MaxAttempts,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create outbox retention job", err)
		os.Exit(1)
	}

	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(lockKey(cfg.App.Env)), lockTTL(cfg.Cron))
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	registry := cron.NewRegistry(staleJob, payoutJob, purgeJob, retentionJob)
	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metricsCollector,
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"workerId":    instance.GetID(),
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func lockKey(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockKeyFormat, env)
}

// lockTTL outlives one cycle so a slow sweep is never run twice concurrently.
func lockTTL(cfg config.CronConfig) time.Duration {
	multiplier := cfg.LockTTLMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	return cfg.Interval * time.Duration(multiplier)
}
