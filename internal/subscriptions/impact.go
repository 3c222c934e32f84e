package subscriptions

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-engine/internal/gateway"
	"github.com/angelmondragon/billing-engine/internal/pricing"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
)

// LimitChange compares one feature's per-plan limit. A nil limit is unlimited.
type LimitChange struct {
	FeatureKey string
	From       *int64
	To         *int64
}

// PlanChangeImpact amounts are minor units of Currency.
type PlanChangeImpact struct {
	SubscriptionID   uuid.UUID
	CurrentPlanID    uuid.UUID
	NewPlanID        uuid.UUID
	ChangeType       enums.PlanChangeType
	Currency         string
	PriceDifference  int64
	AddedFeatures    []string
	RemovedFeatures  []string
	UpgradedLimits   []LimitChange
	DowngradedLimits []LimitChange
	ProrationDate    time.Time
	ProratedAmount   int64
	AmountDue        *int64
	ProrationSource  enums.ProrationSource
	// GatewayError is set when a preview was attempted and failed.
	GatewayError string
}

// CalculatePlanChangeImpact never writes. A gateway preview wins over the local estimate.
func (s *service) CalculatePlanChangeImpact(ctx context.Context, subscriptionID, newPlanID uuid.UUID, prorationDate *time.Time) (*PlanChangeImpact, error) {
	sub, err := s.load(ctx, "plan_change_impact", subscriptionID)
	if err != nil {
		return nil, err
	}
	current, err := s.plan(ctx, "plan_change_impact", sub.PlanID)
	if err != nil {
		return nil, err
	}
	next, err := s.plan(ctx, "plan_change_impact", newPlanID)
	if err != nil {
		return nil, err
	}
	return s.impact(ctx, sub, current, next, prorationDate, false)
}

func (s *service) impact(ctx context.Context, sub *models.Subscription, current, next *models.PricingPlan, prorationDate *time.Time, invoiceNow bool) (*PlanChangeImpact, error) {
	cur, err := pricing.ParseCurrency(current.Currency)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeConfiguration, err, "plan currency").
			WithContext("plan_change_impact", current.ID.String())
	}
	at := s.now().UTC()
	if prorationDate != nil {
		at = prorationDate.UTC()
	}

	oldPrice := periodPrice(current, sub.Quantity)
	newPrice := periodPrice(next, sub.Quantity)
	out := &PlanChangeImpact{
		SubscriptionID:  sub.ID,
		CurrentPlanID:   current.ID,
		NewPlanID:       next.ID,
		ChangeType:      classifyChange(current, next, sub.Quantity),
		Currency:        cur.Code,
		PriceDifference: cur.ToMinor(newPrice.Sub(oldPrice)),
		ProrationDate:   at,
	}
	out.AddedFeatures, out.RemovedFeatures, out.UpgradedLimits, out.DowngradedLimits = diffFeatures(current, next)

	out.ProratedAmount = cur.ToMinor(newPrice.Sub(oldPrice).Mul(remainingFraction(sub, at)))
	out.ProrationSource = enums.ProrationSourceEstimate

	if s.gateway == nil || !sub.HasGateway() || next.GatewayPriceID == nil {
		return out, nil
	}
	preview, err := s.gateway.PreviewProration(ctx, gateway.UpdateSubscriptionInput{
		SubscriptionID: *sub.GatewaySubscriptionID,
		PriceID:        *next.GatewayPriceID,
		Quantity:       sub.Quantity,
		InvoiceNow:     invoiceNow,
		ProrationDate:  &at,
	})
	if err != nil {
		s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
			"subscription_id": sub.ID.String(),
			"error":           err.Error(),
		}), "proration preview unavailable, using local estimate")
		out.GatewayError = err.Error()
		return out, nil
	}
	amountDue := preview.AmountDue
	out.ProratedAmount = preview.ProratedAmount
	out.AmountDue = &amountDue
	out.ProrationSource = enums.ProrationSourceGateway
	if preview.Currency != "" {
		out.Currency = strings.ToUpper(preview.Currency)
	}
	if !preview.ProrationDate.IsZero() {
		out.ProrationDate = preview.ProrationDate
	}
	return out, nil
}

// periodPrice is the recurring base charge for one billing period.
func periodPrice(plan *models.PricingPlan, quantity int64) decimal.Decimal {
	if plan.PricingType == enums.PricingTypePerUnit && quantity > 0 {
		return plan.BasePrice.Mul(decimal.NewFromInt(quantity))
	}
	return plan.BasePrice
}

// monthlyPrice normalizes across intervals so an annual plan compares fairly with a monthly one.
func monthlyPrice(plan *models.PricingPlan, quantity int64) decimal.Decimal {
	price := periodPrice(plan, quantity)
	if months := plan.BillingInterval.Months(); months > 0 {
		return price.Div(decimal.NewFromInt(int64(months)))
	}
	if plan.CustomIntervalDays > 0 {
		return price.Mul(decimal.NewFromInt(30)).Div(decimal.NewFromInt(int64(plan.CustomIntervalDays)))
	}
	return price
}

func classifyChange(current, next *models.PricingPlan, quantity int64) enums.PlanChangeType {
	switch monthlyPrice(next, quantity).Cmp(monthlyPrice(current, quantity)) {
	case 1:
		return enums.PlanChangeUpgrade
	case -1:
		return enums.PlanChangeDowngrade
	default:
		return enums.PlanChangeCrossgrade
	}
}

func remainingFraction(sub *models.Subscription, at time.Time) decimal.Decimal {
	total := sub.CurrentPeriodEnd.Sub(sub.CurrentPeriodStart)
	if total <= 0 {
		return decimal.Zero
	}
	left := sub.CurrentPeriodEnd.Sub(at)
	if left <= 0 {
		return decimal.Zero
	}
	if left >= total {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(int64(left)).Div(decimal.NewFromInt(int64(total)))
}

// diffFeatures matches features by their stable key, never by surrogate id.
func diffFeatures(current, next *models.PricingPlan) (added, removed []string, upgraded, downgraded []LimitChange) {
	from := featuresByKey(current)
	to := featuresByKey(next)
	for key, pf := range to {
		old, ok := from[key]
		if !ok {
			added = append(added, key)
			continue
		}
		change := LimitChange{FeatureKey: key, From: old.Limit, To: pf.Limit}
		switch compareLimits(old.Limit, pf.Limit) {
		case 1:
			upgraded = append(upgraded, change)
		case -1:
			downgraded = append(downgraded, change)
		}
	}
	for key := range from {
		if _, ok := to[key]; !ok {
			removed = append(removed, key)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Slice(upgraded, func(i, j int) bool { return upgraded[i].FeatureKey < upgraded[j].FeatureKey })
	sort.Slice(downgraded, func(i, j int) bool { return downgraded[i].FeatureKey < downgraded[j].FeatureKey })
	return added, removed, upgraded, downgraded
}

func featuresByKey(plan *models.PricingPlan) map[string]models.PlanFeature {
	out := make(map[string]models.PlanFeature, len(plan.Features))
	for _, pf := range plan.Features {
		key := strings.ToLower(strings.TrimSpace(pf.Feature.Key))
		if key == "" {
			continue
		}
		out[key] = pf
	}
	return out
}

// compareLimits returns 1 when to is more generous than from, -1 when less.
func compareLimits(from, to *int64) int {
	switch {
	case from == nil && to == nil:
		return 0
	case from == nil:
		return -1
	case to == nil:
		return 1
	case *to > *from:
		return 1
	case *to < *from:
		return -1
	default:
		return 0
	}
}
