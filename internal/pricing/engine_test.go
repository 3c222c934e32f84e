package pricing

import (
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-engine/pkg/db/models"
	dbtypes "github.com/angelmondragon/billing-engine/pkg/db/types"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
)

var quoteAt = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func usdPlan(kind enums.PricingType, base string) models.PricingPlan {
	return models.PricingPlan{
		ID:              uuid.New(),
		Name:            "Team",
		PricingType:     kind,
		BasePrice:       dec(base),
		Currency:        "USD",
		BillingInterval: enums.BillingIntervalMonthly,
	}
}

func tier(min, max int64, flat, unit string) models.PricingTier {
	return models.PricingTier{MinQuantity: min, MaxQuantity: max, FlatFee: dec(flat), UnitPrice: dec(unit)}
}

func infiniteTier(min int64, flat, unit string) models.PricingTier {
	return models.PricingTier{MinQuantity: min, Infinite: true, FlatFee: dec(flat), UnitPrice: dec(unit)}
}

func promo(kind enums.DiscountType, value string, stackable bool) models.Promotion {
	return models.Promotion{
		ID:           uuid.New(),
		Name:         string(kind) + " " + value,
		DiscountType: kind,
		Value:        dec(value),
		Stackable:    stackable,
		IsActive:     true,
	}
}

func TestCalculatePriceSubtotalByPricingType(t *testing.T) {
	tiered := usdPlan(enums.PricingTypeTiered, "3.00")
	tiered.Tiers = []models.PricingTier{
		infiniteTier(50, "40.00", "1.00"),
		tier(0, 10, "0", "5.00"),
		tier(10, 50, "10.00", "2.00"),
	}

	cases := []struct {
		name     string
		plan     models.PricingPlan
		quantity int64
		want     int64
		degraded bool
	}{
		{"flat ignores quantity", usdPlan(enums.PricingTypeFlat, "49.00"), 7, 4900, false},
		{"per unit", usdPlan(enums.PricingTypePerUnit, "12.50"), 4, 5000, false},
		{"first tier", tiered, 3, 1500, false},
		{"upper bound is exclusive", tiered, 10, 3000, false},
		{"infinite tier", tiered, 100, 14000, false},
	}
	engine := NewEngine()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := engine.CalculatePrice(tc.plan, PriceInput{Quantity: tc.quantity, At: quoteAt})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Subtotal != tc.want || got.Total != tc.want {
				t.Fatalf("subtotal=%d total=%d want %d", got.Subtotal, got.Total, tc.want)
			}
			if got.Degraded != tc.degraded {
				t.Fatalf("degraded=%v", got.Degraded)
			}
		})
	}
}

func TestCalculatePriceTierFallbackIsDegradedNotZero(t *testing.T) {
	plan := usdPlan(enums.PricingTypeTiered, "2.00")
	plan.Tiers = []models.PricingTier{tier(0, 10, "0", "5.00")}

	got, err := NewEngine().CalculatePrice(plan, PriceInput{Quantity: 25, At: quoteAt})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Degraded {
		t.Fatalf("expected degraded breakdown")
	}
	if got.Subtotal != 5000 {
		t.Fatalf("expected base price fallback 5000, got %d", got.Subtotal)
	}
}

func TestCalculatePriceIntervalFactor(t *testing.T) {
	plan := usdPlan(enums.PricingTypeFlat, "10.00")
	cases := []struct {
		interval   enums.BillingInterval
		multiplier int
		want       int64
	}{
		{enums.BillingIntervalMonthly, 0, 1000},
		{enums.BillingIntervalQuarterly, 0, 3000},
		{enums.BillingIntervalAnnual, 0, 12000},
		{enums.BillingIntervalCustom, 0, 1000},
		{enums.BillingIntervalCustom, 6, 6000},
		{"", 0, 1000},
	}
	for _, tc := range cases {
		got, err := NewEngine().CalculatePrice(plan, PriceInput{BillingInterval: tc.interval, IntervalMultiplier: tc.multiplier, At: quoteAt})
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.interval, err)
		}
		if got.Subtotal != tc.want {
			t.Fatalf("%s x%d: got %d want %d", tc.interval, tc.multiplier, got.Subtotal, tc.want)
		}
	}
}

func TestCalculatePriceUsageCharges(t *testing.T) {
	apiCalls := models.Feature{
		ID:  uuid.New(),
		Key: "api_calls",
		Tiers: []models.PricingTier{
			tier(0, 1000, "0", "0.01"),
			infiniteTier(1000, "5.00", "0.005"),
		},
	}
	seats := models.Feature{ID: uuid.New(), Key: "seats"}

	plan := usdPlan(enums.PricingTypeUsageBased, "20.00")
	plan.Features = []models.PlanFeature{
		{FeatureID: apiCalls.ID, Feature: apiCalls},
		{FeatureID: seats.ID, Feature: seats},
	}
	records := []models.UsageRecord{
		{FeatureID: apiCalls.ID, Quantity: 800},
		{FeatureID: apiCalls.ID, Quantity: 400},
		{FeatureID: seats.ID, Quantity: 3},
	}

	got, err := NewEngine().CalculatePrice(plan, PriceInput{UsageRecords: records, At: quoteAt})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 1200 calls land in the infinite tier: 5.00 + 0.005*1200 = 11.00
	var apiCharge *UsageCharge
	for i := range got.UsageCharges {
		if got.UsageCharges[i].FeatureID == apiCalls.ID {
			apiCharge = &got.UsageCharges[i]
		}
	}
	if apiCharge == nil || apiCharge.Amount != 1100 || apiCharge.Quantity != 1200 {
		t.Fatalf("unexpected api charge %+v", apiCharge)
	}
	if got.UsageTotal != 1100 {
		t.Fatalf("usage total %d", got.UsageTotal)
	}
	if got.Total != 2000+1100 {
		t.Fatalf("total %d", got.Total)
	}
	if !got.Degraded {
		t.Fatalf("feature without tiers should mark the breakdown degraded")
	}
}

func TestStackablePercentagesCompound(t *testing.T) {
	plan := usdPlan(enums.PricingTypeFlat, "100.00")
	got, err := NewEngine().CalculatePrice(plan, PriceInput{
		Promotions: []models.Promotion{
			promo(enums.DiscountTypePercentage, "10", true),
			promo(enums.DiscountTypePercentage, "10", true),
		},
		At: quoteAt,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Total != 8100 {
		t.Fatalf("expected 8100, got %d", got.Total)
	}
	if got.TotalDiscount != 1900 || len(got.Discounts) != 2 {
		t.Fatalf("unexpected discounts %+v", got.Discounts)
	}
	if got.Discounts[0].Amount != 1000 || got.Discounts[1].Amount != 900 {
		t.Fatalf("discounts not sequential: %+v", got.Discounts)
	}
}

func TestOnlyOneNonStackablePromotionAppliesAfterStackables(t *testing.T) {
	plan := usdPlan(enums.PricingTypeFlat, "100.00")
	exclusiveA := promo(enums.DiscountTypeFixedAmount, "30.00", false)
	exclusiveB := promo(enums.DiscountTypePercentage, "50", false)
	stack := promo(enums.DiscountTypePercentage, "10", true)

	got, err := NewEngine().CalculatePrice(plan, PriceInput{
		Promotions: []models.Promotion{exclusiveA, exclusiveB, stack},
		At:         quoteAt,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Discounts) != 2 {
		t.Fatalf("expected two discounts, got %+v", got.Discounts)
	}
	if got.Discounts[0].PromotionID != stack.ID || got.Discounts[1].PromotionID != exclusiveA.ID {
		t.Fatalf("unexpected order %+v", got.Discounts)
	}
	// 10000 -10% = 9000, then -3000 fixed
	if got.Total != 6000 {
		t.Fatalf("expected 6000, got %d", got.Total)
	}
}

func TestFixedDiscountIsCappedAndFreePeriodZeroesSubtotal(t *testing.T) {
	plan := usdPlan(enums.PricingTypeFlat, "25.00")
	got, err := NewEngine().CalculatePrice(plan, PriceInput{
		Promotions: []models.Promotion{promo(enums.DiscountTypeFixedAmount, "40.00", false)},
		At:         quoteAt,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Total != 0 || got.TotalDiscount != 2500 {
		t.Fatalf("fixed discount not capped: total=%d discount=%d", got.Total, got.TotalDiscount)
	}

	got, err = NewEngine().CalculatePrice(plan, PriceInput{
		Promotions: []models.Promotion{promo(enums.DiscountTypeFreePeriod, "1", false)},
		At:         quoteAt,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Total != 0 || got.TotalDiscount != 2500 {
		t.Fatalf("free period: total=%d discount=%d", got.Total, got.TotalDiscount)
	}
}

func TestPromotionFiltering(t *testing.T) {
	plan := usdPlan(enums.PricingTypeFlat, "100.00")
	before := quoteAt.Add(-48 * time.Hour)
	after := quoteAt.Add(48 * time.Hour)
	max := 5

	inactive := promo(enums.DiscountTypePercentage, "10", true)
	inactive.IsActive = false
	expired := promo(enums.DiscountTypePercentage, "10", true)
	expired.EndsAt = &before
	future := promo(enums.DiscountTypePercentage, "10", true)
	future.StartsAt = &after
	exhausted := promo(enums.DiscountTypePercentage, "10", true)
	exhausted.MaxRedemptions = &max
	exhausted.CurrentRedemptions = 5
	otherPlan := promo(enums.DiscountTypePercentage, "10", true)
	otherPlan.AppliesToPlanIDs = dbtypes.UUIDArray{uuid.New()}
	thisPlan := promo(enums.DiscountTypePercentage, "20", true)
	thisPlan.AppliesToPlanIDs = dbtypes.UUIDArray{plan.ID}
	thisPlan.StartsAt = &before
	thisPlan.EndsAt = &after

	got, err := NewEngine().CalculatePrice(plan, PriceInput{
		Promotions: []models.Promotion{inactive, expired, future, exhausted, otherPlan, thisPlan},
		At:         quoteAt,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Discounts) != 1 || got.Discounts[0].PromotionID != thisPlan.ID {
		t.Fatalf("unexpected discounts %+v", got.Discounts)
	}
	if got.Total != 8000 {
		t.Fatalf("expected 8000, got %d", got.Total)
	}
}

func TestPercentageDiscountRoundsToMinorUnit(t *testing.T) {
	plan := usdPlan(enums.PricingTypeFlat, "9.99")
	got, err := NewEngine().CalculatePrice(plan, PriceInput{
		Promotions: []models.Promotion{promo(enums.DiscountTypePercentage, "15", false)},
		At:         quoteAt,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 999 * 0.15 = 149.85 -> 150
	if got.TotalDiscount != 150 || got.Total != 849 {
		t.Fatalf("discount=%d total=%d", got.TotalDiscount, got.Total)
	}
}

func TestCalculatePriceTaxAndFormatting(t *testing.T) {
	plan := usdPlan(enums.PricingTypePerUnit, "10.00")
	rate := dec("0.0825")
	got, err := NewEngine().CalculatePrice(plan, PriceInput{Quantity: 3, TaxRate: &rate, At: quoteAt})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 3000 * 0.0825 = 247.5 -> 248
	if got.Tax != 248 || got.TotalWithTax != 3248 {
		t.Fatalf("tax=%d totalWithTax=%d", got.Tax, got.TotalWithTax)
	}
	if got.FormattedTotal != "USD 30.00" || got.FormattedTotalWithTax != "USD 32.48" {
		t.Fatalf("formatted %q %q", got.FormattedTotal, got.FormattedTotalWithTax)
	}

	yen := usdPlan(enums.PricingTypeFlat, "1200")
	yen.Currency = "JPY"
	got, err = NewEngine().CalculatePrice(yen, PriceInput{At: quoteAt})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Total != 1200 || got.FormattedTotal != "JPY 1200" {
		t.Fatalf("zero-decimal currency: total=%d formatted=%q", got.Total, got.FormattedTotal)
	}
}

func TestCalculatePriceRejectsBadInput(t *testing.T) {
	engine := NewEngine()

	_, err := engine.CalculatePrice(usdPlan(enums.PricingTypeFlat, "1.00"), PriceInput{Quantity: -1})
	if !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	_, err = engine.CalculatePrice(usdPlan("volume", "1.00"), PriceInput{Quantity: 1})
	if !pkgerrors.IsCode(err, pkgerrors.CodeConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if typed := pkgerrors.As(err); typed == nil || typed.Retryable() {
		t.Fatalf("configuration errors must not be retryable")
	}

	_, err = engine.CalculatePrice(usdPlan(enums.PricingTypeFlat, "1.00"), PriceInput{Currency: "EUR"})
	if !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected currency mismatch to be rejected, got %v", err)
	}
}

func TestCalculatePriceIsDeterministic(t *testing.T) {
	feature := models.Feature{ID: uuid.New(), Key: "api_calls", Tiers: []models.PricingTier{infiniteTier(0, "1.00", "0.02")}}
	other := models.Feature{ID: uuid.New(), Key: "storage_gb", Tiers: []models.PricingTier{infiniteTier(0, "0", "0.10")}}
	plan := usdPlan(enums.PricingTypeUsageBased, "15.00")
	plan.Features = []models.PlanFeature{{FeatureID: feature.ID, Feature: feature}, {FeatureID: other.ID, Feature: other}}
	rate := dec("0.07")
	in := PriceInput{
		UsageRecords: []models.UsageRecord{
			{FeatureID: feature.ID, Quantity: 321},
			{FeatureID: other.ID, Quantity: 12},
			{FeatureID: feature.ID, Quantity: 9},
		},
		Promotions: []models.Promotion{promo(enums.DiscountTypePercentage, "12.5", true)},
		TaxRate:    &rate,
		At:         quoteAt,
	}

	engine := NewEngine()
	first, err := engine.CalculatePrice(plan, in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := engine.CalculatePrice(plan, in)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("non-deterministic result:\n%+v\n%+v", first, again)
		}
	}
}
