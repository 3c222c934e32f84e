package subscriptions

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-engine/api/responses"
	"github.com/angelmondragon/billing-engine/api/validators"
	"github.com/angelmondragon/billing-engine/internal/usage"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/logger"
)

// recordUsageRequest names the feature by id or by key.
type recordUsageRequest struct {
	FeatureID  string     `json:"feature_id,omitempty" validate:"required_without=FeatureKey,omitempty,uuid"`
	FeatureKey string     `json:"feature_key,omitempty" validate:"required_without=FeatureID,omitempty,max=100"`
	Quantity   int64      `json:"quantity" validate:"gte=0"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
}

// tierResponse reports a nil max for the infinite tier.
type tierResponse struct {
	MinQuantity int64           `json:"min_quantity"`
	MaxQuantity *int64          `json:"max_quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	FlatFee     decimal.Decimal `json:"flat_fee"`
}

type limitResponse struct {
	Quantity   int64         `json:"quantity"`
	Tier       *tierResponse `json:"tier,omitempty"`
	NextTier   *tierResponse `json:"next_tier,omitempty"`
	TierLimit  *int64        `json:"tier_limit,omitempty"`
	Percentage float64       `json:"percentage"`
	IsWarning  bool          `json:"is_warning"`
	IsExceeded bool          `json:"is_exceeded"`
	Remaining  *int64        `json:"remaining,omitempty"`
	Unlimited  bool          `json:"unlimited"`
}

type recordUsageResponse struct {
	RecordID   uuid.UUID     `json:"record_id"`
	FeatureID  uuid.UUID     `json:"feature_id"`
	Quantity   int64         `json:"quantity"`
	Timestamp  time.Time     `json:"timestamp"`
	Aggregated int64         `json:"aggregated"`
	Limit      limitResponse `json:"limit"`
	Notified   bool          `json:"notified"`
}

type featureUsageResponse struct {
	FeatureID   uuid.UUID     `json:"feature_id"`
	FeatureKey  string        `json:"feature_key"`
	Total       int64         `json:"total"`
	CurrentTier *tierResponse `json:"current_tier,omitempty"`
	NextTier    *tierResponse `json:"next_tier,omitempty"`
	Limit       *int64        `json:"limit,omitempty"`
	Percentage  float64       `json:"percentage"`
	IsWarning   bool          `json:"is_warning"`
	IsExceeded  bool          `json:"is_exceeded"`
	Remaining   *int64        `json:"remaining,omitempty"`
}

type usageSummaryResponse struct {
	SubscriptionID uuid.UUID              `json:"subscription_id"`
	PlanID         uuid.UUID              `json:"plan_id"`
	PeriodStart    time.Time              `json:"period_start"`
	PeriodEnd      time.Time              `json:"period_end"`
	Features       []featureUsageResponse `json:"features"`
}

// UsageRecord meters one usage event against the subscription's current period.
func UsageRecord(svc usage.Service, logg *logger.Logger) http.HandlerFunc {
	return withSubscriptionID(svc != nil, logg, func(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
		var payload recordUsageRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		in := usage.RecordUsageInput{
			SubscriptionID: id,
			FeatureKey:     strings.TrimSpace(payload.FeatureKey),
			Quantity:       payload.Quantity,
		}
		if payload.FeatureID != "" {
			featureID, err := parseID("feature_id", payload.FeatureID)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
			in.FeatureID = featureID
		}
		if payload.Timestamp != nil {
			in.Timestamp = payload.Timestamp.UTC()
		}

		result, err := svc.RecordUsage(r.Context(), in)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if result == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "usage result missing"))
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, recordUsageResponse{
			RecordID:   result.Record.ID,
			FeatureID:  result.Record.FeatureID,
			Quantity:   result.Record.Quantity,
			Timestamp:  result.Record.Timestamp,
			Aggregated: result.Aggregated,
			Limit:      newLimitResponse(result.Limit),
			Notified:   result.Notified,
		})
	})
}

func UsageSummary(svc usage.Service, logg *logger.Logger) http.HandlerFunc {
	return withSubscriptionID(svc != nil, logg, func(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
		summary, err := svc.GetUsageSummary(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		resp := usageSummaryResponse{
			SubscriptionID: summary.SubscriptionID,
			PlanID:         summary.PlanID,
			PeriodStart:    summary.PeriodStart,
			PeriodEnd:      summary.PeriodEnd,
			Features:       make([]featureUsageResponse, 0, len(summary.Features)),
		}
		for _, f := range summary.Features {
			resp.Features = append(resp.Features, featureUsageResponse{
				FeatureID:   f.FeatureID,
				FeatureKey:  f.FeatureKey,
				Total:       f.Total,
				CurrentTier: newTierResponse(f.CurrentTier),
				NextTier:    newTierResponse(f.NextTier),
				Limit:       f.Limit,
				Percentage:  f.Percentage,
				IsWarning:   f.IsWarning,
				IsExceeded:  f.IsExceeded,
				Remaining:   f.Remaining,
			})
		}
		responses.WriteSuccess(w, resp)
	})
}

func newLimitResponse(l usage.LimitStatus) limitResponse {
	return limitResponse{
		Quantity:   l.Quantity,
		Tier:       newTierResponse(l.Tier),
		NextTier:   newTierResponse(l.NextTier),
		TierLimit:  l.TierLimit,
		Percentage: l.Percentage,
		IsWarning:  l.IsWarning,
		IsExceeded: l.IsExceeded,
		Remaining:  l.Remaining,
		Unlimited:  l.Unlimited,
	}
}

func newTierResponse(t *models.PricingTier) *tierResponse {
	if t == nil {
		return nil
	}
	resp := &tierResponse{
		MinQuantity: t.MinQuantity,
		UnitPrice:   t.UnitPrice,
		FlatFee:     t.FlatFee,
	}
	if !t.Infinite {
		max := t.MaxQuantity
		resp.MaxQuantity = &max
	}
	return resp
}
