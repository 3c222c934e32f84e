package billing

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-engine/api/responses"
	"github.com/angelmondragon/billing-engine/api/validators"
	"github.com/angelmondragon/billing-engine/internal/pricing"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/logger"
)

// Quoter prices a plan without creating anything.
type Quoter interface {
	Quote(ctx context.Context, req pricing.QuoteRequest) (*pricing.PriceBreakdown, error)
}

type quoteUsage struct {
	FeatureID string `json:"feature_id" validate:"required,uuid"`
	Quantity  int64  `json:"quantity" validate:"gte=0"`
}

type quoteRequest struct {
	PlanID             string       `json:"plan_id" validate:"required,uuid"`
	Quantity           int64        `json:"quantity" validate:"gte=0"`
	Usage              []quoteUsage `json:"usage,omitempty" validate:"omitempty,dive"`
	BillingInterval    string       `json:"billing_interval,omitempty" validate:"omitempty,billing_interval"`
	IntervalMultiplier int          `json:"interval_multiplier,omitempty" validate:"gte=0,lte=36"`
	CouponCode         string       `json:"coupon_code,omitempty" validate:"omitempty,max=64"`
	PromotionIDs       []string     `json:"promotion_ids,omitempty" validate:"omitempty,dive,uuid"`
	Jurisdiction       string       `json:"jurisdiction,omitempty" validate:"omitempty,max=32"`
	Currency           string       `json:"currency,omitempty" validate:"omitempty,len=3"`
}

type discountResponse struct {
	PromotionID uuid.UUID `json:"promotion_id"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Amount      int64     `json:"amount"`
}

type usageChargeResponse struct {
	FeatureID   uuid.UUID `json:"feature_id"`
	FeatureKey  string    `json:"feature_key"`
	Quantity    int64     `json:"quantity"`
	Amount      int64     `json:"amount"`
	TierMatched bool      `json:"tier_matched"`
}

type quoteResponse struct {
	Currency              string                `json:"currency"`
	Subtotal              int64                 `json:"subtotal"`
	Discounts             []discountResponse    `json:"discounts"`
	TotalDiscount         int64                 `json:"total_discount"`
	UsageCharges          []usageChargeResponse `json:"usage_charges"`
	UsageTotal            int64                 `json:"usage_total"`
	Tax                   int64                 `json:"tax"`
	Total                 int64                 `json:"total"`
	TotalWithTax          int64                 `json:"total_with_tax"`
	Degraded              bool                  `json:"degraded"`
	FormattedSubtotal     string                `json:"formatted_subtotal"`
	FormattedTotal        string                `json:"formatted_total"`
	FormattedTotalWithTax string                `json:"formatted_total_with_tax"`
}

// Quote returns the price breakdown for a plan, usage, promotions and tax.
func Quote(svc Quoter, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeDependency, "pricing unavailable"))
			return
		}

		var payload quoteRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		req, err := payload.toQuoteRequest()
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		breakdown, err := svc.Quote(r.Context(), req)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newQuoteResponse(breakdown))
	}
}

func (p quoteRequest) toQuoteRequest() (pricing.QuoteRequest, error) {
	planID, err := uuid.Parse(p.PlanID)
	if err != nil {
		return pricing.QuoteRequest{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid plan_id")
	}
	req := pricing.QuoteRequest{
		PlanID:             planID,
		Quantity:           p.Quantity,
		IntervalMultiplier: p.IntervalMultiplier,
		CouponCode:         strings.TrimSpace(p.CouponCode),
		Jurisdiction:       strings.TrimSpace(p.Jurisdiction),
		Currency:           strings.ToUpper(strings.TrimSpace(p.Currency)),
	}
	if p.BillingInterval != "" {
		interval, err := enums.ParseBillingInterval(p.BillingInterval)
		if err != nil {
			return pricing.QuoteRequest{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid billing_interval")
		}
		req.BillingInterval = interval
	}
	for _, u := range p.Usage {
		featureID, err := uuid.Parse(u.FeatureID)
		if err != nil {
			return pricing.QuoteRequest{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid usage feature_id")
		}
		req.UsageRecords = append(req.UsageRecords, models.UsageRecord{
			FeatureID: featureID,
			PlanID:    planID,
			Quantity:  u.Quantity,
		})
	}
	for _, raw := range p.PromotionIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return pricing.QuoteRequest{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid promotion id")
		}
		req.PromotionIDs = append(req.PromotionIDs, id)
	}
	return req, nil
}

func newQuoteResponse(b *pricing.PriceBreakdown) quoteResponse {
	if b == nil {
		return quoteResponse{Discounts: []discountResponse{}, UsageCharges: []usageChargeResponse{}}
	}
	resp := quoteResponse{
		Currency:              b.Currency,
		Subtotal:              b.Subtotal,
		Discounts:             make([]discountResponse, 0, len(b.Discounts)),
		TotalDiscount:         b.TotalDiscount,
		UsageCharges:          make([]usageChargeResponse, 0, len(b.UsageCharges)),
		UsageTotal:            b.UsageTotal,
		Tax:                   b.Tax,
		Total:                 b.Total,
		TotalWithTax:          b.TotalWithTax,
		Degraded:              b.Degraded,
		FormattedSubtotal:     b.FormattedSubtotal,
		FormattedTotal:        b.FormattedTotal,
		FormattedTotalWithTax: b.FormattedTotalWithTax,
	}
	for _, d := range b.Discounts {
		resp.Discounts = append(resp.Discounts, discountResponse{
			PromotionID: d.PromotionID,
			Name:        d.Name,
			Type:        string(d.Type),
			Amount:      d.Amount,
		})
	}
	for _, c := range b.UsageCharges {
		resp.UsageCharges = append(resp.UsageCharges, usageChargeResponse{
			FeatureID:   c.FeatureID,
			FeatureKey:  c.FeatureKey,
			Quantity:    c.Quantity,
			Amount:      c.Amount,
			TierMatched: c.TierMatched,
		})
	}
	return resp
}
