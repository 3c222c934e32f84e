package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/billing-engine/api/controllers"
	billingcontrollers "github.com/angelmondragon/billing-engine/api/controllers/billing"
	subscriptioncontrollers "github.com/angelmondragon/billing-engine/api/controllers/subscriptions"
	webhookcontrollers "github.com/angelmondragon/billing-engine/api/controllers/webhooks"
	"github.com/angelmondragon/billing-engine/api/middleware"
	subscriptionsvc "github.com/angelmondragon/billing-engine/internal/subscriptions"
	"github.com/angelmondragon/billing-engine/internal/usage"
	stripewebhook "github.com/angelmondragon/billing-engine/internal/webhooks/stripe"
	"github.com/angelmondragon/billing-engine/pkg/logger"
	"github.com/angelmondragon/billing-engine/pkg/stripe"
)

// Deps collects everything the HTTP edge calls into. Nil services produce
// 503 responses on their routes rather than panics.
type Deps struct {
	Logger        *logger.Logger
	DB            controllers.Pinger
	Redis         controllers.Pinger
	Metrics       prometheus.Gatherer
	Subscriptions subscriptionsvc.Service
	Usage         usage.Service
	Quoter        billingcontrollers.Quoter
	Stripe        *stripe.Client
	StripeEvents  *stripewebhook.Processor
}

func NewRouter(deps Deps) http.Handler {
	logg := deps.Logger
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.Recoverer(logg),
	)

	ready := map[string]controllers.Pinger{}
	if deps.DB != nil {
		ready["database"] = deps.DB
	}
	if deps.Redis != nil {
		ready["redis"] = deps.Redis
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive())
		r.Get("/ready", controllers.HealthReady(logg, ready))
	})

	gatherer := deps.Metrics
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhookcontrollers.StripeWebhook(stripeProcessor(deps.StripeEvents), stripeVerifier(deps.Stripe), logg))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/quotes", billingcontrollers.Quote(deps.Quoter, logg))

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", subscriptioncontrollers.SubscriptionCreate(deps.Subscriptions, logg))
			r.Route("/{subscriptionId}", func(r chi.Router) {
				r.Get("/", subscriptioncontrollers.SubscriptionFetch(deps.Subscriptions, logg))
				r.Post("/plan-change/preview", subscriptioncontrollers.SubscriptionPlanChangePreview(deps.Subscriptions, logg))
				r.Post("/plan-change", subscriptioncontrollers.SubscriptionPlanChange(deps.Subscriptions, logg))
				r.Post("/cancel", subscriptioncontrollers.SubscriptionCancel(deps.Subscriptions, logg))
				r.Post("/resume", subscriptioncontrollers.SubscriptionResume(deps.Subscriptions, logg))
				r.Post("/pause", subscriptioncontrollers.SubscriptionPause(deps.Subscriptions, logg))
				r.Post("/unpause", subscriptioncontrollers.SubscriptionUnpause(deps.Subscriptions, logg))
				r.Post("/usage", subscriptioncontrollers.UsageRecord(deps.Usage, logg))
				r.Get("/usage", subscriptioncontrollers.UsageSummary(deps.Usage, logg))
			})
		})
	})

	return r
}

// stripeProcessor and stripeVerifier keep typed nil pointers from reaching
// the handler as non-nil interfaces.
func stripeProcessor(p *stripewebhook.Processor) webhookcontrollers.EventProcessor {
	if p == nil {
		return nil
	}
	return p
}

func stripeVerifier(c *stripe.Client) webhookcontrollers.EventVerifier {
	if c == nil {
		return nil
	}
	return c
}
