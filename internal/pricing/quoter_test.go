package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/billing-engine/pkg/config"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
)

type stubRepo struct {
	plans     map[uuid.UUID]*models.PricingPlan
	coupons   map[string]*models.Coupon
	promos    []models.Promotion
	rates     map[string]*models.TaxRate
	planErr   error
	planCalls int
	rateCalls int
}

func (s *stubRepo) FindPlan(_ context.Context, id uuid.UUID) (*models.PricingPlan, error) {
	s.planCalls++
	if s.planErr != nil {
		return nil, s.planErr
	}
	return s.plans[id], nil
}

func (s *stubRepo) FindCouponByCode(_ context.Context, code string) (*models.Coupon, error) {
	return s.coupons[code], nil
}

func (s *stubRepo) FindPromotions(_ context.Context, ids []uuid.UUID) ([]models.Promotion, error) {
	var out []models.Promotion
	for _, p := range s.promos {
		for _, id := range ids {
			if p.ID == id {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func (s *stubRepo) FindTaxRate(_ context.Context, jurisdiction string) (*models.TaxRate, error) {
	s.rateCalls++
	return s.rates[jurisdiction], nil
}

func newTestQuoter(t *testing.T, repo *stubRepo) *Quoter {
	t.Helper()
	q, err := NewQuoter(QuoterParams{
		Repository: repo,
		Config:     config.CacheConfig{Size: 16, PlanTTL: time.Minute, RateTTL: time.Minute},
		Clock:      func() time.Time { return quoteAt },
	})
	require.NoError(t, err)
	return q
}

func TestQuoterCachesPlansUntilInvalidated(t *testing.T) {
	plan := usdPlan(enums.PricingTypeFlat, "10.00")
	repo := &stubRepo{plans: map[uuid.UUID]*models.PricingPlan{plan.ID: &plan}}
	q := newTestQuoter(t, repo)

	for i := 0; i < 3; i++ {
		got, err := q.Plan(context.Background(), plan.ID)
		require.NoError(t, err)
		assert.Equal(t, plan.ID, got.ID)
	}
	assert.Equal(t, 1, repo.planCalls)

	q.InvalidatePlan(plan.ID)
	_, err := q.Plan(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, repo.planCalls)
}

func TestQuoterDoesNotCacheMissingPlans(t *testing.T) {
	repo := &stubRepo{plans: map[uuid.UUID]*models.PricingPlan{}}
	q := newTestQuoter(t, repo)
	id := uuid.New()

	_, err := q.Plan(context.Background(), id)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
	_, err = q.Plan(context.Background(), id)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
	assert.Equal(t, 2, repo.planCalls)

	repo.planErr = errors.New("connection reset")
	_, err = q.Plan(context.Background(), id)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))
}

func TestQuoterTaxRateCachesMisses(t *testing.T) {
	repo := &stubRepo{rates: map[string]*models.TaxRate{
		"US-TX": {Jurisdiction: "US-TX", Rate: decimal.RequireFromString("0.0825")},
	}}
	q := newTestQuoter(t, repo)

	rate, err := q.TaxRate(context.Background(), " us-tx ")
	require.NoError(t, err)
	require.NotNil(t, rate)
	assert.True(t, rate.Equal(decimal.RequireFromString("0.0825")))

	for i := 0; i < 2; i++ {
		rate, err = q.TaxRate(context.Background(), "US-OR")
		require.NoError(t, err)
		assert.Nil(t, rate)
	}
	assert.Equal(t, 2, repo.rateCalls)

	rate, err = q.TaxRate(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, rate)
	assert.Equal(t, 2, repo.rateCalls)

	q.InvalidateRates()
	_, err = q.TaxRate(context.Background(), "US-TX")
	require.NoError(t, err)
	assert.Equal(t, 3, repo.rateCalls)
}

func TestQuoteAppliesCouponPromotionsAndTax(t *testing.T) {
	plan := usdPlan(enums.PricingTypePerUnit, "20.00")
	stack := promo(enums.DiscountTypePercentage, "10", true)
	coupon := &models.Coupon{Code: "WELCOME", IsActive: true, Promotion: promo(enums.DiscountTypeFixedAmount, "5.00", false)}
	repo := &stubRepo{
		plans:   map[uuid.UUID]*models.PricingPlan{plan.ID: &plan},
		coupons: map[string]*models.Coupon{"WELCOME": coupon},
		promos:  []models.Promotion{stack},
		rates:   map[string]*models.TaxRate{"US-CA": {Rate: decimal.RequireFromString("0.10")}},
	}
	q := newTestQuoter(t, repo)

	got, err := q.Quote(context.Background(), QuoteRequest{
		PlanID:       plan.ID,
		Quantity:     2,
		CouponCode:   "WELCOME",
		PromotionIDs: []uuid.UUID{stack.ID},
		Jurisdiction: "us-ca",
	})
	require.NoError(t, err)
	// 4000 -10% = 3600, -500 = 3100, tax 310
	assert.Equal(t, int64(4000), got.Subtotal)
	assert.Equal(t, int64(3100), got.Total)
	assert.Equal(t, int64(310), got.Tax)
	assert.Equal(t, int64(3410), got.TotalWithTax)
	require.Len(t, got.Discounts, 2)
}

func TestQuoteRejectsUnusableCoupons(t *testing.T) {
	plan := usdPlan(enums.PricingTypeFlat, "20.00")
	expired := quoteAt.Add(-time.Hour)
	repo := &stubRepo{
		plans: map[uuid.UUID]*models.PricingPlan{plan.ID: &plan},
		coupons: map[string]*models.Coupon{
			"OLD": {Code: "OLD", IsActive: true, ExpiresAt: &expired},
		},
	}
	q := newTestQuoter(t, repo)

	_, err := q.Quote(context.Background(), QuoteRequest{PlanID: plan.ID, CouponCode: "MISSING"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	_, err = q.Quote(context.Background(), QuoteRequest{PlanID: plan.ID, CouponCode: "OLD"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}
