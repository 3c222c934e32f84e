package usage

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-engine/internal/pricing"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
)

const (
	thresholdWarning  = "warning"
	thresholdExceeded = "exceeded"
)

var hundred = decimal.NewFromInt(100)

// LimitStatus describes where an aggregated quantity sits in a feature's tiers.
// Remaining is nil when there is no next tier; Unlimited means an infinite tier
// (or no bound at all) applies.
type LimitStatus struct {
	FeatureID  uuid.UUID
	Quantity   int64
	Tier       *models.PricingTier
	NextTier   *models.PricingTier
	TierLimit  *int64
	Percentage float64
	IsWarning  bool
	IsExceeded bool
	Remaining  *int64
	Unlimited  bool
}

// Threshold names the highest threshold crossed, or "" if none.
func (s LimitStatus) Threshold() string {
	switch {
	case s.IsExceeded:
		return thresholdExceeded
	case s.IsWarning:
		return thresholdWarning
	}
	return ""
}

// EvaluateLimit applies the [min,max) tier rule to quantity. A quantity past the
// last finite tier is measured against that tier, so it reads as exceeded. When
// the feature has no tiers, planLimit (if set) acts as a single [0,limit) tier.
func EvaluateLimit(featureID uuid.UUID, tiers []models.PricingTier, planLimit *int64, quantity int64, warningPercent float64) LimitStatus {
	status := LimitStatus{FeatureID: featureID, Quantity: quantity}

	sorted := pricing.SortTiers(tiers)
	if len(sorted) == 0 && planLimit != nil && *planLimit > 0 {
		sorted = []models.PricingTier{{MinQuantity: 0, MaxQuantity: *planLimit}}
	}
	if len(sorted) == 0 {
		status.Unlimited = true
		return status
	}

	idx := pricing.TierIndex(sorted, quantity)
	if idx < 0 {
		if quantity < sorted[0].MinQuantity {
			idx = 0
		} else {
			idx = len(sorted) - 1
		}
	}
	tier := sorted[idx]
	status.Tier = &tier
	if idx+1 < len(sorted) {
		next := sorted[idx+1]
		status.NextTier = &next
		remaining := next.MinQuantity - quantity
		status.Remaining = &remaining
	}
	if tier.Infinite || tier.MaxQuantity <= 0 {
		status.Unlimited = true
		status.Remaining = nil
		return status
	}

	limit := tier.MaxQuantity
	status.TierLimit = &limit
	pct := decimal.NewFromInt(quantity).Mul(hundred).Div(decimal.NewFromInt(limit))
	status.Percentage = pct.Round(2).InexactFloat64()
	status.IsExceeded = pct.GreaterThanOrEqual(hundred)
	status.IsWarning = pct.GreaterThanOrEqual(decimal.NewFromFloat(warningPercent))
	return status
}
