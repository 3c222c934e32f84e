package pricing

import (
	"fmt"
	"sort"

	"github.com/angelmondragon/billing-engine/pkg/db/models"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
)

// SortTiers returns a copy ordered by lower bound.
func SortTiers(tiers []models.PricingTier) []models.PricingTier {
	out := make([]models.PricingTier, len(tiers))
	copy(out, tiers)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].MinQuantity < out[j].MinQuantity
	})
	return out
}

// TierIndex applies [min,max) matching over sorted tiers. First match wins; -1 when none.
func TierIndex(sorted []models.PricingTier, quantity int64) int {
	for i, tier := range sorted {
		if tier.Contains(quantity) {
			return i
		}
	}
	return -1
}

// FindTier locates the tier containing quantity.
func FindTier(tiers []models.PricingTier, quantity int64) (models.PricingTier, bool) {
	sorted := SortTiers(tiers)
	idx := TierIndex(sorted, quantity)
	if idx < 0 {
		return models.PricingTier{}, false
	}
	return sorted[idx], true
}

// ValidateTiers checks that tiers are contiguous and non-overlapping with at
// most one infinite tier, placed last.
func ValidateTiers(tiers []models.PricingTier) error {
	sorted := SortTiers(tiers)
	for i, tier := range sorted {
		if tier.MinQuantity < 0 {
			return tierError(i, "lower bound is negative")
		}
		last := i == len(sorted)-1
		if tier.Infinite {
			if !last {
				return tierError(i, "infinite tier must be last")
			}
			continue
		}
		if tier.MaxQuantity <= tier.MinQuantity {
			return tierError(i, "upper bound must exceed lower bound")
		}
		if !last && sorted[i+1].MinQuantity != tier.MaxQuantity {
			if sorted[i+1].MinQuantity < tier.MaxQuantity {
				return tierError(i, "overlaps the next tier")
			}
			return tierError(i, "leaves a gap before the next tier")
		}
	}
	return nil
}

func tierError(idx int, reason string) error {
	return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("tier %d %s", idx, reason)).
		WithContext("validate_tiers", "")
}
