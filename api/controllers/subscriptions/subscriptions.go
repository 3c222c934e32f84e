package subscriptions

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/billing-engine/api/responses"
	"github.com/angelmondragon/billing-engine/api/validators"
	subsvc "github.com/angelmondragon/billing-engine/internal/subscriptions"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/logger"
)

type createSubscriptionRequest struct {
	OrganizationID string `json:"organization_id" validate:"required,uuid"`
	PlanID         string `json:"plan_id" validate:"required,uuid"`
	Quantity       int64  `json:"quantity" validate:"gte=0"`
	CouponCode     string `json:"coupon_code,omitempty" validate:"omitempty,max=64"`
	TrialDays      *int   `json:"trial_days,omitempty" validate:"omitempty,gte=0,lte=730"`
}

type planChangeRequest struct {
	PlanID          string     `json:"plan_id" validate:"required,uuid"`
	ImmediateChange bool       `json:"immediate_change"`
	PreserveUsage   bool       `json:"preserve_usage"`
	ProrationDate   *time.Time `json:"proration_date,omitempty"`
}

type cancelRequest struct {
	CancelImmediately bool   `json:"cancel_immediately"`
	Reason            string `json:"reason,omitempty" validate:"max=100"`
	Feedback          string `json:"feedback,omitempty" validate:"max=2000"`
}

type subscriptionResponse struct {
	ID                    uuid.UUID  `json:"id"`
	OrganizationID        uuid.UUID  `json:"organization_id"`
	PlanID                uuid.UUID  `json:"plan_id"`
	Status                string     `json:"status"`
	Quantity              int64      `json:"quantity"`
	CurrentPeriodStart    time.Time  `json:"current_period_start"`
	CurrentPeriodEnd      time.Time  `json:"current_period_end"`
	TrialEnd              *time.Time `json:"trial_end,omitempty"`
	CancelAtPeriodEnd     bool       `json:"cancel_at_period_end"`
	CanceledAt            *time.Time `json:"canceled_at,omitempty"`
	EndedAt               *time.Time `json:"ended_at,omitempty"`
	PausedAt              *time.Time `json:"paused_at,omitempty"`
	GatewaySubscriptionID *string    `json:"gateway_subscription_id,omitempty"`
	Version               int        `json:"version"`
}

type limitChangeResponse struct {
	FeatureKey string `json:"feature_key"`
	From       *int64 `json:"from"`
	To         *int64 `json:"to"`
}

type impactResponse struct {
	SubscriptionID   uuid.UUID             `json:"subscription_id"`
	CurrentPlanID    uuid.UUID             `json:"current_plan_id"`
	NewPlanID        uuid.UUID             `json:"new_plan_id"`
	ChangeType       string                `json:"change_type"`
	Currency         string                `json:"currency"`
	PriceDifference  int64                 `json:"price_difference"`
	AddedFeatures    []string              `json:"added_features"`
	RemovedFeatures  []string              `json:"removed_features"`
	UpgradedLimits   []limitChangeResponse `json:"upgraded_limits"`
	DowngradedLimits []limitChangeResponse `json:"downgraded_limits"`
	ProrationDate    time.Time             `json:"proration_date"`
	ProratedAmount   int64                 `json:"prorated_amount"`
	AmountDue        *int64                `json:"amount_due,omitempty"`
	ProrationSource  string                `json:"proration_source"`
	GatewayError     string                `json:"gateway_error,omitempty"`
}

type planChangeResponse struct {
	Subscription       subscriptionResponse `json:"subscription"`
	Impact             *impactResponse      `json:"impact,omitempty"`
	TransferredRecords int                  `json:"transferred_records"`
}

func SubscriptionCreate(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, unavailable())
			return
		}

		var payload createSubscriptionRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		orgID, err := parseID("organization_id", payload.OrganizationID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		planID, err := parseID("plan_id", payload.PlanID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		sub, err := svc.Create(r.Context(), subsvc.CreateParams{
			OrganizationID: orgID,
			PlanID:         planID,
			Quantity:       payload.Quantity,
			CouponCode:     strings.TrimSpace(payload.CouponCode),
			TrialDays:      payload.TrialDays,
			IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newSubscriptionResponse(sub))
	}
}

func SubscriptionFetch(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return withSubscriptionID(svc != nil, logg, func(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
		sub, err := svc.Get(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newSubscriptionResponse(sub))
	})
}

// SubscriptionPlanChangePreview reports the impact of a plan change without applying it.
func SubscriptionPlanChangePreview(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return withSubscriptionID(svc != nil, logg, func(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
		var payload planChangeRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		planID, err := parseID("plan_id", payload.PlanID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		impact, err := svc.CalculatePlanChangeImpact(r.Context(), id, planID, payload.ProrationDate)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newImpactResponse(impact))
	})
}

func SubscriptionPlanChange(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return withSubscriptionID(svc != nil, logg, func(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
		var payload planChangeRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		planID, err := parseID("plan_id", payload.PlanID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.ChangePlan(r.Context(), subsvc.ChangePlanParams{
			SubscriptionID:  id,
			NewPlanID:       planID,
			ImmediateChange: payload.ImmediateChange,
			PreserveUsage:   payload.PreserveUsage,
			ProrationDate:   payload.ProrationDate,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, planChangeResponse{
			Subscription:       newSubscriptionResponse(result.Subscription),
			Impact:             newImpactResponse(result.Impact),
			TransferredRecords: len(result.TransferredUsage),
		})
	})
}

func SubscriptionCancel(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return withSubscriptionID(svc != nil, logg, func(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
		var payload cancelRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		sub, err := svc.Cancel(r.Context(), subsvc.CancelParams{
			SubscriptionID:    id,
			CancelImmediately: payload.CancelImmediately,
			Reason:            strings.TrimSpace(payload.Reason),
			Feedback:          strings.TrimSpace(payload.Feedback),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newSubscriptionResponse(sub))
	})
}

func SubscriptionPause(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return lifecycleAction(svc, logg, func(svc subsvc.Service) transition { return svc.Pause })
}

func SubscriptionUnpause(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return lifecycleAction(svc, logg, func(svc subsvc.Service) transition { return svc.Unpause })
}

func SubscriptionResume(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return lifecycleAction(svc, logg, func(svc subsvc.Service) transition { return svc.Resume })
}

type transition func(ctx context.Context, subscriptionID uuid.UUID) (*models.Subscription, error)

func lifecycleAction(svc subsvc.Service, logg *logger.Logger, pick func(subsvc.Service) transition) http.HandlerFunc {
	return withSubscriptionID(svc != nil, logg, func(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
		sub, err := pick(svc)(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newSubscriptionResponse(sub))
	})
}

func withSubscriptionID(available bool, logg *logger.Logger, next func(http.ResponseWriter, *http.Request, uuid.UUID)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !available {
			responses.WriteError(r.Context(), logg, w, unavailable())
			return
		}
		id, err := subscriptionIDParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithSubscriptionID(ctx, id.String())
		}
		next(w, r.WithContext(ctx), id)
	}
}

func subscriptionIDParam(r *http.Request) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "subscriptionId"))
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid subscription id")
	}
	return id, nil
}

func parseID(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid "+field).
			WithDetails(map[string]string{field: "must be a valid uuid"})
	}
	return id, nil
}

func unavailable() *pkgerrors.Error {
	return pkgerrors.New(pkgerrors.CodeDependency, "subscription service unavailable")
}

func newSubscriptionResponse(sub *models.Subscription) subscriptionResponse {
	if sub == nil {
		return subscriptionResponse{}
	}
	return subscriptionResponse{
		ID:                    sub.ID,
		OrganizationID:        sub.OrganizationID,
		PlanID:                sub.PlanID,
		Status:                string(sub.Status),
		Quantity:              sub.Quantity,
		CurrentPeriodStart:    sub.CurrentPeriodStart,
		CurrentPeriodEnd:      sub.CurrentPeriodEnd,
		TrialEnd:              sub.TrialEnd,
		CancelAtPeriodEnd:     sub.CancelAtPeriodEnd,
		CanceledAt:            sub.CanceledAt,
		EndedAt:               sub.EndedAt,
		PausedAt:              sub.PausedAt,
		GatewaySubscriptionID: sub.GatewaySubscriptionID,
		Version:               sub.Version,
	}
}

func newImpactResponse(impact *subsvc.PlanChangeImpact) *impactResponse {
	if impact == nil {
		return nil
	}
	return &impactResponse{
		SubscriptionID:   impact.SubscriptionID,
		CurrentPlanID:    impact.CurrentPlanID,
		NewPlanID:        impact.NewPlanID,
		ChangeType:       string(impact.ChangeType),
		Currency:         impact.Currency,
		PriceDifference:  impact.PriceDifference,
		AddedFeatures:    nonNil(impact.AddedFeatures),
		RemovedFeatures:  nonNil(impact.RemovedFeatures),
		UpgradedLimits:   limitChanges(impact.UpgradedLimits),
		DowngradedLimits: limitChanges(impact.DowngradedLimits),
		ProrationDate:    impact.ProrationDate,
		ProratedAmount:   impact.ProratedAmount,
		AmountDue:        impact.AmountDue,
		ProrationSource:  string(impact.ProrationSource),
		GatewayError:     impact.GatewayError,
	}
}

func limitChanges(in []subsvc.LimitChange) []limitChangeResponse {
	out := make([]limitChangeResponse, 0, len(in))
	for _, c := range in {
		out = append(out, limitChangeResponse{FeatureKey: c.FeatureKey, From: c.From, To: c.To})
	}
	return out
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
