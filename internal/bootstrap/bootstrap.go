// Package bootstrap assembles the billing services shared by the api and
// cron-worker binaries.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/billing-engine/internal/gateway"
	"github.com/angelmondragon/billing-engine/internal/notifications"
	"github.com/angelmondragon/billing-engine/internal/pricing"
	"github.com/angelmondragon/billing-engine/internal/subscriptions"
	"github.com/angelmondragon/billing-engine/internal/usage"
	"github.com/angelmondragon/billing-engine/internal/webhooks/outbound"
	stripewebhook "github.com/angelmondragon/billing-engine/internal/webhooks/stripe"
	"github.com/angelmondragon/billing-engine/pkg/config"
	"github.com/angelmondragon/billing-engine/pkg/db"
	"github.com/angelmondragon/billing-engine/pkg/logger"
	"github.com/angelmondragon/billing-engine/pkg/metrics"
	"github.com/angelmondragon/billing-engine/pkg/migrate"
	"github.com/angelmondragon/billing-engine/pkg/outbox"
	pkgredis "github.com/angelmondragon/billing-engine/pkg/redis"
	pkgstripe "github.com/angelmondragon/billing-engine/pkg/stripe"
)

// Core holds the wired services. Stripe and Gateway are nil when no gateway
// key is configured; subscriptions are then local-only.
type Core struct {
	Config *config.Config
	Logger *logger.Logger

	DB    *db.Client
	Redis *pkgredis.Client

	Stripe  *pkgstripe.Client
	Gateway gateway.Gateway

	Outbox           *outbox.Service
	OutboxRepo       *outbox.Repository
	Notifier         notifications.Notifier
	Quoter           *pricing.Quoter
	Deliveries       outbound.Repository
	Dispatcher       *outbound.Dispatcher
	Usage            usage.Service
	Subscriptions    subscriptions.Service
	SubscriptionRepo subscriptions.Repository
	StripeEvents     *stripewebhook.Processor
}

// Open connects to Postgres and Redis, applies dev migrations when enabled,
// and builds every service. Close releases what Open acquired.
func Open(ctx context.Context, cfg *config.Config, logg *logger.Logger, reg prometheus.Registerer) (*Core, error) {
	c := &Core{Config: cfg, Logger: logg}

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap database: %w", err)
	}
	c.DB = dbClient

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		c.Close(ctx)
		return nil, fmt.Errorf("run dev migrations: %w", err)
	}

	redisClient, err := pkgredis.New(ctx, cfg.Redis, logg)
	if err != nil {
		c.Close(ctx)
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}
	c.Redis = redisClient

	if cfg.Stripe.Enabled() {
		stripeClient, err := pkgstripe.NewClient(ctx, cfg.Stripe, logg)
		if err != nil {
			c.Close(ctx)
			return nil, fmt.Errorf("bootstrap stripe: %w", err)
		}
		stripeGateway, err := gateway.NewStripeGateway(stripeClient, logg)
		if err != nil {
			c.Close(ctx)
			return nil, fmt.Errorf("build stripe gateway: %w", err)
		}
		c.Stripe = stripeClient
		c.Gateway = stripeGateway
	} else {
		logg.Warn(ctx, "stripe not configured; subscriptions stay local and inbound webhooks are disabled")
	}

	if err := c.wire(reg); err != nil {
		c.Close(ctx)
		return nil, err
	}
	return c, nil
}

func (c *Core) wire(reg prometheus.Registerer) error {
	cfg := c.Config
	gdb := c.DB.DB()
	billingMetrics := metrics.NewBillingMetrics(reg)

	c.OutboxRepo = outbox.NewRepository(gdb)
	c.Outbox = outbox.NewService(c.OutboxRepo, c.Logger)

	notifier, err := notifications.NewService(notifications.ServiceParams{
		Repository: notifications.NewRepository(gdb),
		Outbox:     c.Outbox,
		TxRunner:   c.DB,
		Logger:     c.Logger,
	})
	if err != nil {
		return fmt.Errorf("build notifier: %w", err)
	}
	c.Notifier = notifier

	quoter, err := pricing.NewQuoter(pricing.QuoterParams{
		Repository: pricing.NewRepository(gdb),
		Config:     cfg.Cache,
	})
	if err != nil {
		return fmt.Errorf("build quoter: %w", err)
	}
	c.Quoter = quoter

	c.Deliveries = outbound.NewRepository(gdb)
	dispatcher, err := outbound.NewDispatcher(outbound.DispatcherParams{
		Repository: c.Deliveries,
		HTTPClient: &http.Client{Timeout: cfg.Webhooks.RequestTimeout},
		Config:     cfg.Webhooks,
		Metrics:    billingMetrics,
		Logger:     c.Logger,
	})
	if err != nil {
		return fmt.Errorf("build webhook dispatcher: %w", err)
	}
	c.Dispatcher = dispatcher

	usageSvc, err := usage.NewService(usage.ServiceParams{
		Repository: usage.NewRepository(gdb),
		Catalog:    quoter,
		Gateway:    c.Gateway,
		Notifier:   notifier,
		Deduper:    c.Redis,
		TxRunner:   c.DB,
		Config:     cfg.Usage,
		Metrics:    billingMetrics,
		Logger:     c.Logger,
	})
	if err != nil {
		return fmt.Errorf("build usage service: %w", err)
	}
	c.Usage = usageSvc

	c.SubscriptionRepo = subscriptions.NewRepository(gdb)
	subs, err := subscriptions.NewService(subscriptions.ServiceParams{
		Repository: c.SubscriptionRepo,
		Catalog:    quoter,
		Gateway:    c.Gateway,
		Usage:      usageSvc,
		Notifier:   notifier,
		Outbox:     c.Outbox,
		Events:     dispatcher,
		TxRunner:   c.DB,
		Config:     cfg.Lifecycle,
		Logger:     c.Logger,
	})
	if err != nil {
		return fmt.Errorf("build subscription service: %w", err)
	}
	c.Subscriptions = subs

	processor, err := stripewebhook.NewService(stripewebhook.ServiceParams{
		Ledger:        stripewebhook.NewLedger(gdb),
		Subscriptions: subs,
		Notifier:      notifier,
		Events:        dispatcher,
		TxRunner:      c.DB,
		Metrics:       billingMetrics,
		Logger:        c.Logger,
	})
	if err != nil {
		return fmt.Errorf("build inbound webhook processor: %w", err)
	}
	c.StripeEvents = processor
	return nil
}

// Close disarms pending retry timers and waits for in-flight webhook
// attempts, then closes Redis and the database. Disarmed retries stay pending
// for the sweep.
func (c *Core) Close(ctx context.Context) {
	if c.Dispatcher != nil {
		c.Dispatcher.Close()
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			c.Logger.Error(ctx, "error closing redis", err)
		}
	}
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			c.Logger.Error(ctx, "error closing database", err)
		}
	}
}
