package pricing

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
)

var hundred = decimal.NewFromInt(100)

// PriceInput is everything a price depends on. At is the instant promotion
// windows are evaluated against; the engine never reads a clock.
type PriceInput struct {
	Quantity           int64
	UsageRecords       []models.UsageRecord
	BillingInterval    enums.BillingInterval
	IntervalMultiplier int
	Promotions         []models.Promotion
	Currency           string
	TaxRate            *decimal.Decimal
	At                 time.Time
}

type AppliedDiscount struct {
	PromotionID uuid.UUID
	Name        string
	Type        enums.DiscountType
	Amount      int64
}

type UsageCharge struct {
	FeatureID   uuid.UUID
	FeatureKey  string
	Quantity    int64
	Amount      int64
	TierMatched bool
}

// PriceBreakdown amounts are minor currency units.
type PriceBreakdown struct {
	Currency      string
	Subtotal      int64
	Discounts     []AppliedDiscount
	TotalDiscount int64
	UsageCharges  []UsageCharge
	UsageTotal    int64
	Tax           int64
	Total         int64
	TotalWithTax  int64
	Degraded      bool

	FormattedSubtotal     string
	FormattedTotal        string
	FormattedTotalWithTax string
}

// Engine is the stateless price calculator.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// CalculatePrice prices one billing period of plan for in.
func (e *Engine) CalculatePrice(plan models.PricingPlan, in PriceInput) (*PriceBreakdown, error) {
	if in.Quantity < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must not be negative").
			WithContext("calculate_price", plan.ID.String())
	}
	if !plan.PricingType.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeConfiguration, fmt.Sprintf("unknown pricing type %q", plan.PricingType)).
			WithContext("calculate_price", plan.ID.String())
	}
	cur, err := resolveCurrency(plan, in.Currency)
	if err != nil {
		return nil, err
	}

	out := &PriceBreakdown{Currency: cur.Code}

	base, degraded := baseAmount(plan, in.Quantity)
	out.Degraded = degraded
	months := intervalFactor(plan, in)
	out.Subtotal = cur.ToMinor(base.Mul(decimal.NewFromInt(int64(months))))

	if plan.PricingType == enums.PricingTypeUsageBased {
		charges, matchedAll, err := usageCharges(plan, in.UsageRecords, cur)
		if err != nil {
			return nil, err
		}
		out.UsageCharges = charges
		for _, c := range charges {
			out.UsageTotal += c.Amount
		}
		if !matchedAll {
			out.Degraded = true
		}
	}

	running := out.Subtotal
	for _, promo := range selectPromotions(plan, in.Promotions, in.At) {
		amount := discountAmount(promo, running, cur)
		running -= amount
		out.TotalDiscount += amount
		out.Discounts = append(out.Discounts, AppliedDiscount{
			PromotionID: promo.ID,
			Name:        promo.Name,
			Type:        promo.DiscountType,
			Amount:      amount,
		})
	}

	out.Total = out.Subtotal - out.TotalDiscount + out.UsageTotal
	if in.TaxRate != nil && in.TaxRate.IsPositive() {
		out.Tax = roundMinor(decimal.NewFromInt(out.Total).Mul(*in.TaxRate))
	}
	out.TotalWithTax = out.Total + out.Tax

	out.FormattedSubtotal = cur.Format(out.Subtotal)
	out.FormattedTotal = cur.Format(out.Total)
	out.FormattedTotalWithTax = cur.Format(out.TotalWithTax)
	return out, nil
}

func resolveCurrency(plan models.PricingPlan, requested string) (Currency, error) {
	code := strings.TrimSpace(requested)
	if code == "" {
		code = plan.Currency
	}
	if plan.Currency != "" && !strings.EqualFold(code, plan.Currency) {
		return Currency{}, pkgerrors.New(pkgerrors.CodeValidation,
			fmt.Sprintf("plan is priced in %s, cannot quote %s", plan.Currency, code)).
			WithContext("calculate_price", plan.ID.String())
	}
	return ParseCurrency(code)
}

// baseAmount is the per-period amount in major units before the interval factor.
func baseAmount(plan models.PricingPlan, quantity int64) (decimal.Decimal, bool) {
	qty := decimal.NewFromInt(quantity)
	switch plan.PricingType {
	case enums.PricingTypeFlat, enums.PricingTypeUsageBased:
		return plan.BasePrice, false
	case enums.PricingTypePerUnit:
		return plan.BasePrice.Mul(qty), false
	case enums.PricingTypeTiered:
		tier, ok := FindTier(plan.Tiers, quantity)
		if !ok {
			// degraded mode: no tier covers quantity
			return plan.BasePrice.Mul(qty), true
		}
		return tier.FlatFee.Add(tier.UnitPrice.Mul(qty)), false
	}
	return decimal.Zero, false
}

func intervalFactor(plan models.PricingPlan, in PriceInput) int {
	interval := in.BillingInterval
	if interval == "" {
		interval = plan.BillingInterval
	}
	if interval == enums.BillingIntervalCustom && in.IntervalMultiplier > 0 {
		return in.IntervalMultiplier
	}
	if months := interval.Months(); months > 0 {
		return months
	}
	// custom without an explicit multiplier prices as monthly
	return 1
}

func usageCharges(plan models.PricingPlan, records []models.UsageRecord, cur Currency) ([]UsageCharge, bool, error) {
	totals := map[uuid.UUID]int64{}
	for _, rec := range records {
		if rec.Quantity < 0 {
			return nil, false, pkgerrors.New(pkgerrors.CodeValidation, "usage quantity must not be negative").
				WithContext("calculate_price", rec.ID.String())
		}
		totals[rec.FeatureID] += rec.Quantity
	}
	features := map[uuid.UUID]models.Feature{}
	for _, pf := range plan.Features {
		features[pf.FeatureID] = pf.Feature
	}

	ids := make([]uuid.UUID, 0, len(totals))
	for id := range totals {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	matchedAll := true
	charges := make([]UsageCharge, 0, len(ids))
	for _, id := range ids {
		qty := totals[id]
		feature := features[id]
		charge := UsageCharge{FeatureID: id, FeatureKey: feature.Key, Quantity: qty}
		if tier, ok := FindTier(feature.Tiers, qty); ok {
			amount := tier.FlatFee.Add(tier.UnitPrice.Mul(decimal.NewFromInt(qty)))
			charge.Amount = cur.ToMinor(amount)
			charge.TierMatched = true
		} else {
			matchedAll = false
		}
		charges = append(charges, charge)
	}
	return charges, matchedAll, nil
}

// selectPromotions keeps active, applicable promotions: every stackable one
// plus at most one non-stackable, stackable first, input order otherwise.
func selectPromotions(plan models.PricingPlan, promos []models.Promotion, at time.Time) []models.Promotion {
	var stackable, exclusive []models.Promotion
	for _, p := range promos {
		if !p.DiscountType.IsValid() || !p.ActiveAt(at) || !appliesTo(p, plan) {
			continue
		}
		if p.Stackable {
			stackable = append(stackable, p)
			continue
		}
		if len(exclusive) == 0 {
			exclusive = append(exclusive, p)
		}
	}
	return append(stackable, exclusive...)
}

func appliesTo(p models.Promotion, plan models.PricingPlan) bool {
	if len(p.AppliesToPlanIDs) == 0 && len(p.AppliesToFeatureIDs) == 0 {
		return true
	}
	if p.AppliesToPlanIDs.Contains(plan.ID) {
		return true
	}
	for _, pf := range plan.Features {
		if p.AppliesToFeatureIDs.Contains(pf.FeatureID) {
			return true
		}
	}
	return false
}

// discountAmount never exceeds running, so the subtotal cannot go negative.
func discountAmount(p models.Promotion, running int64, cur Currency) int64 {
	if running <= 0 {
		return 0
	}
	var amount int64
	switch p.DiscountType {
	case enums.DiscountTypePercentage:
		pct := decimal.Min(p.Value, hundred)
		amount = roundMinor(decimal.NewFromInt(running).Mul(pct).Div(hundred))
	case enums.DiscountTypeFixedAmount:
		amount = cur.ToMinor(p.Value)
	case enums.DiscountTypeFreePeriod:
		if p.Value.IsPositive() {
			amount = running
		}
	}
	if amount < 0 {
		return 0
	}
	if amount > running {
		return running
	}
	return amount
}
