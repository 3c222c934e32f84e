package enums

import "fmt"

// PricingType selects how a plan's subtotal is computed.
type PricingType string

const (
	PricingTypeFlat       PricingType = "flat"
	PricingTypePerUnit    PricingType = "per_unit"
	PricingTypeTiered     PricingType = "tiered"
	PricingTypeUsageBased PricingType = "usage_based"
)

var validPricingTypes = []PricingType{
	PricingTypeFlat,
	PricingTypePerUnit,
	PricingTypeTiered,
	PricingTypeUsageBased,
}

func (p PricingType) String() string {
	return string(p)
}

func (p PricingType) IsValid() bool {
	for _, candidate := range validPricingTypes {
		if candidate == p {
			return true
		}
	}
	return false
}

func ParsePricingType(value string) (PricingType, error) {
	for _, candidate := range validPricingTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid pricing type %q", value)
}
