package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/billing-engine/internal/bootstrap"
	"github.com/angelmondragon/billing-engine/internal/cron"
	"github.com/angelmondragon/billing-engine/pkg/config"
	"github.com/angelmondragon/billing-engine/pkg/logger"
	"github.com/angelmondragon/billing-engine/pkg/metrics"
)

// Usage:
//
//	cron-worker            run every job on its schedule
//	cron-worker run <job>  run one job once and exit
func main() {
	flag.Parse()
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       cfg.App.LogLevel,
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	core, err := bootstrap.Open(context.Background(), cfg, logg, prometheus.DefaultRegisterer)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap services", err)
		os.Exit(1)
	}
	defer core.Close(context.Background())

	registry, err := buildRegistry(core)
	if err != nil {
		logg.Error(context.Background(), "failed to build cron jobs", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Locks:    cron.NewRedisLockFactory(core.Redis, lockKeyFn(cfg.App.Env, core.Redis.LockKey), cfg.Cron.LockTTL),
		Metrics:  metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": "cron-worker",
	})

	if args := flag.Args(); len(args) > 0 {
		if err := runOnce(ctx, service, registry, args); err != nil {
			logg.Error(ctx, "one-off cron run failed", err)
			core.Close(context.Background())
			os.Exit(1)
		}
		return
	}

	logg.Info(ctx, "starting cron worker")
	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		core.Close(context.Background())
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func buildRegistry(core *bootstrap.Core) (*cron.Registry, error) {
	cfg := core.Config
	registry := cron.NewRegistry()

	usageJob, err := cron.NewUsageReconcileJob(cron.UsageReconcileJobParams{Logger: core.Logger, Usage: core.Usage})
	if err != nil {
		return nil, err
	}
	registry.Register(cfg.Cron.UsageReconcileSchedule, usageJob)

	sweepJob, err := cron.NewWebhookSweepJob(cron.WebhookSweepJobParams{Logger: core.Logger, Dispatcher: core.Dispatcher})
	if err != nil {
		return nil, err
	}
	registry.Register(cfg.Cron.WebhookSweepSchedule, sweepJob)

	retentionJob, err := cron.NewRetentionJob(cron.RetentionJobParams{
		Logger:           core.Logger,
		DB:               core.DB,
		Outbox:           core.OutboxRepo,
		Deliveries:       core.Deliveries,
		Retention:        cfg.Cron.RetentionPeriod,
		TerminalAttempts: cfg.Outbox.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}
	registry.Register(cfg.Cron.RetentionSchedule, retentionJob)

	if core.Gateway != nil {
		reconcileJob, err := cron.NewSubscriptionReconcileJob(cron.SubscriptionReconcileJobParams{
			Logger:        core.Logger,
			DB:            core.DB,
			Subscriptions: core.SubscriptionRepo,
			Syncer:        core.Subscriptions,
			Gateway:       core.Gateway,
			Events:        core.Dispatcher,
			Limit:         cfg.Cron.SubscriptionReconcileLimit,
		})
		if err != nil {
			return nil, err
		}
		registry.Register(cfg.Cron.SubscriptionReconcileSchedule, reconcileJob)
	}

	return registry, nil
}

func runOnce(ctx context.Context, service *cron.Service, registry *cron.Registry, args []string) error {
	if len(args) != 2 || args[0] != "run" {
		return fmt.Errorf("usage: cron-worker run <job>")
	}
	job, ok := registry.Find(args[1])
	if !ok {
		return fmt.Errorf("unknown job %q", args[1])
	}
	return service.RunJob(ctx, job)
}

// lockKeyFn scopes lock keys per environment.
func lockKeyFn(env string, base func(string) string) func(string) string {
	if env == "" {
		env = "local"
	}
	return func(name string) string {
		return base(env + ":" + name)
	}
}
