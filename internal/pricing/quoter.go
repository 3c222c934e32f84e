package pricing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-engine/pkg/cache"
	"github.com/angelmondragon/billing-engine/pkg/config"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
)

// TaxRateLookup resolves a flat tax rate for a jurisdiction; nil means untaxed.
type TaxRateLookup interface {
	TaxRate(ctx context.Context, jurisdiction string) (*decimal.Decimal, error)
}

// PlanCatalog serves plans with their tiers and features.
type PlanCatalog interface {
	Plan(ctx context.Context, id uuid.UUID) (*models.PricingPlan, error)
	InvalidatePlan(id uuid.UUID)
}

type QuoteRequest struct {
	PlanID             uuid.UUID
	Quantity           int64
	UsageRecords       []models.UsageRecord
	BillingInterval    enums.BillingInterval
	IntervalMultiplier int
	CouponCode         string
	PromotionIDs       []uuid.UUID
	Jurisdiction       string
	Currency           string
	At                 time.Time
}

type QuoterParams struct {
	Repository Repository
	Engine     *Engine
	Config     config.CacheConfig
	Clock      func() time.Time
}

// Quoter prices plans from persisted catalog data behind TTL caches.
type Quoter struct {
	repo   Repository
	engine *Engine
	plans  *cache.TTL[uuid.UUID, *models.PricingPlan]
	rates  *cache.TTL[string, decimal.Decimal]
	now    func() time.Time
}

func NewQuoter(params QuoterParams) (*Quoter, error) {
	if params.Repository == nil {
		return nil, errors.New("pricing repository required")
	}
	engine := params.Engine
	if engine == nil {
		engine = NewEngine()
	}
	plans, err := cache.New[uuid.UUID, *models.PricingPlan](params.Config.Size, params.Config.PlanTTL, uuid.UUID.String)
	if err != nil {
		return nil, err
	}
	rates, err := cache.New[string, decimal.Decimal](params.Config.Size, params.Config.RateTTL, func(s string) string { return s })
	if err != nil {
		return nil, err
	}
	now := params.Clock
	if now == nil {
		now = time.Now
	}
	return &Quoter{repo: params.Repository, engine: engine, plans: plans, rates: rates, now: now}, nil
}

// Plan returns the plan with tiers and feature tiers. Missing plans are never cached.
func (q *Quoter) Plan(ctx context.Context, id uuid.UUID) (*models.PricingPlan, error) {
	return q.plans.GetOrLoad(ctx, id, func(ctx context.Context) (*models.PricingPlan, error) {
		plan, err := q.repo.FindPlan(ctx, id)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load pricing plan").WithContext("load_plan", id.String())
		}
		if plan == nil {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "pricing plan not found").WithContext("load_plan", id.String())
		}
		return plan, nil
	})
}

func (q *Quoter) InvalidatePlan(id uuid.UUID) {
	q.plans.Invalidate(id)
}

// TaxRate caches both hits and "no rate" so untaxed jurisdictions are not re-queried.
func (q *Quoter) TaxRate(ctx context.Context, jurisdiction string) (*decimal.Decimal, error) {
	key := strings.ToUpper(strings.TrimSpace(jurisdiction))
	if key == "" {
		return nil, nil
	}
	rate, err := q.rates.GetOrLoad(ctx, key, func(ctx context.Context) (decimal.Decimal, error) {
		row, err := q.repo.FindTaxRate(ctx, key)
		if err != nil {
			return decimal.Zero, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load tax rate").WithContext("load_tax_rate", key)
		}
		if row == nil {
			return decimal.Zero, nil
		}
		return row.Rate, nil
	})
	if err != nil {
		return nil, err
	}
	if rate.IsZero() {
		return nil, nil
	}
	return &rate, nil
}

// InvalidateRates drops every cached tax rate.
func (q *Quoter) InvalidateRates() {
	q.rates.Purge()
}

// Quote resolves catalog, coupon and tax data then prices the request.
func (q *Quoter) Quote(ctx context.Context, req QuoteRequest) (*PriceBreakdown, error) {
	plan, err := q.Plan(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}
	at := req.At
	if at.IsZero() {
		at = q.now().UTC()
	}

	promos, err := q.repo.FindPromotions(ctx, req.PromotionIDs)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load promotions")
	}
	if code := strings.TrimSpace(req.CouponCode); code != "" {
		coupon, err := q.repo.FindCouponByCode(ctx, code)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load coupon")
		}
		if coupon == nil {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "coupon not found").WithContext("quote", code)
		}
		if !coupon.RedeemableAt(at) {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "coupon is not redeemable").WithContext("quote", code)
		}
		promos = append(promos, coupon.Promotion)
	}

	rate, err := q.TaxRate(ctx, req.Jurisdiction)
	if err != nil {
		return nil, err
	}

	return q.engine.CalculatePrice(*plan, PriceInput{
		Quantity:           req.Quantity,
		UsageRecords:       req.UsageRecords,
		BillingInterval:    req.BillingInterval,
		IntervalMultiplier: req.IntervalMultiplier,
		Promotions:         promos,
		Currency:           req.Currency,
		TaxRate:            rate,
		At:                 at,
	})
}
