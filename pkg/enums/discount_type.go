package enums

import "fmt"

// DiscountType describes how a promotion reduces the subtotal.
type DiscountType string

const (
	DiscountTypePercentage  DiscountType = "percentage"
	DiscountTypeFixedAmount DiscountType = "fixed_amount"
	DiscountTypeFreePeriod  DiscountType = "free_period"
)

func (d DiscountType) IsValid() bool {
	switch d {
	case DiscountTypePercentage, DiscountTypeFixedAmount, DiscountTypeFreePeriod:
		return true
	default:
		return false
	}
}

func ParseDiscountType(value string) (DiscountType, error) {
	d := DiscountType(value)
	if !d.IsValid() {
		return "", fmt.Errorf("invalid discount type %q", value)
	}
	return d, nil
}
