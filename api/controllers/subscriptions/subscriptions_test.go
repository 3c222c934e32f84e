package subscriptions

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	subsvc "github.com/angelmondragon/billing-engine/internal/subscriptions"
	"github.com/angelmondragon/billing-engine/internal/usage"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
	"github.com/angelmondragon/billing-engine/pkg/logger"
)

func newTestRouter(svc subsvc.Service, usageSvc usage.Service) http.Handler {
	logg := logger.Nop()
	r := chi.NewRouter()
	r.Post("/subscriptions", SubscriptionCreate(svc, logg))
	r.Get("/subscriptions/{subscriptionId}", SubscriptionFetch(svc, logg))
	r.Post("/subscriptions/{subscriptionId}/plan-change/preview", SubscriptionPlanChangePreview(svc, logg))
	r.Post("/subscriptions/{subscriptionId}/plan-change", SubscriptionPlanChange(svc, logg))
	r.Post("/subscriptions/{subscriptionId}/cancel", SubscriptionCancel(svc, logg))
	r.Post("/subscriptions/{subscriptionId}/pause", SubscriptionPause(svc, logg))
	r.Post("/subscriptions/{subscriptionId}/usage", UsageRecord(usageSvc, logg))
	r.Get("/subscriptions/{subscriptionId}/usage", UsageSummary(usageSvc, logg))
	return r
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubscriptionCreate(t *testing.T) {
	svc := &stubSubscriptionService{}
	orgID, planID := uuid.New(), uuid.New()
	rec := do(t, newTestRouter(svc, nil), http.MethodPost, "/subscriptions", map[string]any{
		"organization_id": orgID.String(),
		"plan_id":         planID.String(),
		"quantity":        3,
		"coupon_code":     " WELCOME ",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	if svc.created == nil {
		t.Fatalf("expected create to be called")
	}
	if svc.created.OrganizationID != orgID || svc.created.PlanID != planID {
		t.Fatalf("unexpected params %+v", svc.created)
	}
	if svc.created.Quantity != 3 || svc.created.CouponCode != "WELCOME" {
		t.Fatalf("unexpected params %+v", svc.created)
	}

	var body struct {
		Data subscriptionResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Data.Status != string(enums.SubscriptionStatusActive) || body.Data.PlanID != planID {
		t.Fatalf("unexpected response %+v", body.Data)
	}
}

func TestSubscriptionCreateRejectsInvalidBody(t *testing.T) {
	svc := &stubSubscriptionService{}
	h := newTestRouter(svc, nil)

	cases := map[string]any{
		"missing plan":   map[string]any{"organization_id": uuid.NewString()},
		"bad uuid":       map[string]any{"organization_id": "nope", "plan_id": uuid.NewString()},
		"negative qty":   map[string]any{"organization_id": uuid.NewString(), "plan_id": uuid.NewString(), "quantity": -1},
		"unknown field":  map[string]any{"organization_id": uuid.NewString(), "plan_id": uuid.NewString(), "extra": true},
		"trial too long": map[string]any{"organization_id": uuid.NewString(), "plan_id": uuid.NewString(), "trial_days": 1000},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/subscriptions", body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d (%s)", rec.Code, rec.Body.String())
			}
		})
	}
	if svc.created != nil {
		t.Fatalf("service must not be called for invalid input")
	}
}

func TestSubscriptionFetchMapsErrors(t *testing.T) {
	svc := &stubSubscriptionService{err: pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")}
	h := newTestRouter(svc, nil)

	rec := do(t, h, http.MethodGet, "/subscriptions/"+uuid.NewString(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/subscriptions/not-a-uuid", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", rec.Code)
	}
}

func TestSubscriptionPlanChangePreview(t *testing.T) {
	amountDue := int64(1250)
	svc := &stubSubscriptionService{impact: &subsvc.PlanChangeImpact{
		ChangeType:      enums.PlanChangeUpgrade,
		Currency:        "USD",
		PriceDifference: 2000,
		AddedFeatures:   []string{"api_calls"},
		ProratedAmount:  1000,
		AmountDue:       &amountDue,
		ProrationSource: enums.ProrationSourceGateway,
	}}
	id := uuid.New()
	newPlan := uuid.New()
	rec := do(t, newTestRouter(svc, nil), http.MethodPost, "/subscriptions/"+id.String()+"/plan-change/preview", map[string]any{
		"plan_id": newPlan.String(),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if svc.impactFor != id || svc.impactTo != newPlan {
		t.Fatalf("unexpected ids %s -> %s", svc.impactFor, svc.impactTo)
	}
	var body struct {
		Data impactResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Data.ChangeType != string(enums.PlanChangeUpgrade) || body.Data.AmountDue == nil || *body.Data.AmountDue != 1250 {
		t.Fatalf("unexpected impact %+v", body.Data)
	}
	if len(body.Data.RemovedFeatures) != 0 || body.Data.RemovedFeatures == nil {
		t.Fatalf("expected empty removed features list, got %v", body.Data.RemovedFeatures)
	}
}

func TestSubscriptionCancelForwardsOptions(t *testing.T) {
	svc := &stubSubscriptionService{}
	id := uuid.New()
	rec := do(t, newTestRouter(svc, nil), http.MethodPost, "/subscriptions/"+id.String()+"/cancel", map[string]any{
		"cancel_immediately": true,
		"reason":             "too_expensive",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if svc.canceled == nil || svc.canceled.SubscriptionID != id || !svc.canceled.CancelImmediately || svc.canceled.Reason != "too_expensive" {
		t.Fatalf("unexpected cancel params %+v", svc.canceled)
	}
}

func TestSubscriptionPauseConflict(t *testing.T) {
	svc := &stubSubscriptionService{err: pkgerrors.New(pkgerrors.CodeStateConflict, "cannot pause canceled subscription")}
	rec := do(t, newTestRouter(svc, nil), http.MethodPost, "/subscriptions/"+uuid.NewString()+"/pause", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestUsageRecordByKey(t *testing.T) {
	usageSvc := &stubUsageService{}
	id := uuid.New()
	rec := do(t, newTestRouter(nil, usageSvc), http.MethodPost, "/subscriptions/"+id.String()+"/usage", map[string]any{
		"feature_key": "api_calls",
		"quantity":    40,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	if usageSvc.recorded == nil || usageSvc.recorded.SubscriptionID != id || usageSvc.recorded.FeatureKey != "api_calls" || usageSvc.recorded.Quantity != 40 {
		t.Fatalf("unexpected input %+v", usageSvc.recorded)
	}
}

func TestUsageRecordRequiresFeature(t *testing.T) {
	usageSvc := &stubUsageService{}
	rec := do(t, newTestRouter(nil, usageSvc), http.MethodPost, "/subscriptions/"+uuid.NewString()+"/usage", map[string]any{
		"quantity": 1,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if usageSvc.recorded != nil {
		t.Fatalf("service must not be called")
	}
}

func TestUsageSummaryReportsInfiniteTier(t *testing.T) {
	usageSvc := &stubUsageService{summary: &usage.Summary{
		Features: []usage.FeatureUsage{{
			FeatureKey:  "seats",
			Total:       12,
			CurrentTier: &models.PricingTier{MinQuantity: 10, Infinite: true},
		}},
	}}
	rec := do(t, newTestRouter(nil, usageSvc), http.MethodGet, "/subscriptions/"+uuid.NewString()+"/usage", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Data usageSummaryResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Data.Features) != 1 {
		t.Fatalf("expected one feature, got %d", len(body.Data.Features))
	}
	tier := body.Data.Features[0].CurrentTier
	if tier == nil || tier.MaxQuantity != nil || tier.MinQuantity != 10 {
		t.Fatalf("unexpected tier %+v", tier)
	}
}

func TestHandlersWithoutServices(t *testing.T) {
	h := newTestRouter(nil, nil)
	rec := do(t, h, http.MethodGet, "/subscriptions/"+uuid.NewString(), nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/subscriptions/"+uuid.NewString()+"/usage", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

type stubSubscriptionService struct {
	err       error
	created   *subsvc.CreateParams
	canceled  *subsvc.CancelParams
	impact    *subsvc.PlanChangeImpact
	impactFor uuid.UUID
	impactTo  uuid.UUID
}

func (s *stubSubscriptionService) sub(id uuid.UUID) *models.Subscription {
	now := time.Now().UTC()
	return &models.Subscription{
		ID:                 id,
		Status:             enums.SubscriptionStatusActive,
		Quantity:           1,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		Version:            1,
	}
}

func (s *stubSubscriptionService) Create(ctx context.Context, params subsvc.CreateParams) (*models.Subscription, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.created = &params
	sub := s.sub(uuid.New())
	sub.OrganizationID = params.OrganizationID
	sub.PlanID = params.PlanID
	sub.Quantity = params.Quantity
	return sub, nil
}

func (s *stubSubscriptionService) ChangePlan(ctx context.Context, params subsvc.ChangePlanParams) (*subsvc.PlanChangeResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	sub := s.sub(params.SubscriptionID)
	sub.PlanID = params.NewPlanID
	return &subsvc.PlanChangeResult{Subscription: sub, Impact: s.impact}, nil
}

func (s *stubSubscriptionService) CalculatePlanChangeImpact(ctx context.Context, subscriptionID, newPlanID uuid.UUID, prorationDate *time.Time) (*subsvc.PlanChangeImpact, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.impactFor, s.impactTo = subscriptionID, newPlanID
	return s.impact, nil
}

func (s *stubSubscriptionService) Cancel(ctx context.Context, params subsvc.CancelParams) (*models.Subscription, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.canceled = &params
	sub := s.sub(params.SubscriptionID)
	sub.Status = enums.SubscriptionStatusCanceled
	return sub, nil
}

func (s *stubSubscriptionService) Resume(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	return s.transition(id)
}

func (s *stubSubscriptionService) Pause(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	return s.transition(id)
}

func (s *stubSubscriptionService) Unpause(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	return s.transition(id)
}

func (s *stubSubscriptionService) Get(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	return s.transition(id)
}

func (s *stubSubscriptionService) ApplyGatewayUpdate(ctx context.Context, tx *gorm.DB, update subsvc.GatewayUpdate) (*subsvc.GatewayUpdateResult, error) {
	return nil, s.err
}

func (s *stubSubscriptionService) transition(id uuid.UUID) (*models.Subscription, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.sub(id), nil
}

type stubUsageService struct {
	recorded *usage.RecordUsageInput
	summary  *usage.Summary
	err      error
}

func (s *stubUsageService) RecordUsage(ctx context.Context, in usage.RecordUsageInput) (*usage.RecordUsageResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.recorded = &in
	return &usage.RecordUsageResult{
		Record:     models.UsageRecord{ID: uuid.New(), SubscriptionID: in.SubscriptionID, Quantity: in.Quantity, Timestamp: time.Now().UTC()},
		Aggregated: in.Quantity,
	}, nil
}

func (s *stubUsageService) CheckUsageLimits(ctx context.Context, featureID uuid.UUID, aggregatedQuantity int64) (*usage.LimitStatus, error) {
	return &usage.LimitStatus{FeatureID: featureID, Quantity: aggregatedQuantity}, s.err
}

func (s *stubUsageService) GetUsageSummary(ctx context.Context, subscriptionID uuid.UUID) (*usage.Summary, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.summary == nil {
		return &usage.Summary{SubscriptionID: subscriptionID}, nil
	}
	return s.summary, nil
}

func (s *stubUsageService) TransferUsage(ctx context.Context, tx *gorm.DB, in usage.TransferInput) ([]models.UsageRecord, error) {
	return nil, s.err
}

func (s *stubUsageService) ProcessUsageRecords(ctx context.Context) (*usage.ReconcileResult, error) {
	return &usage.ReconcileResult{}, s.err
}
