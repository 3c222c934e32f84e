package enums

import "fmt"

// BillingInterval is how often a plan bills.
type BillingInterval string

const (
	BillingIntervalMonthly   BillingInterval = "monthly"
	BillingIntervalQuarterly BillingInterval = "quarterly"
	BillingIntervalAnnual    BillingInterval = "annual"
	// BillingIntervalCustom periods are sized by the plan's day count.
	BillingIntervalCustom BillingInterval = "custom"
)

func (b BillingInterval) String() string { return string(b) }

func (b BillingInterval) IsValid() bool {
	return b == BillingIntervalCustom || b.Months() > 0
}

// Months is the calendar length of one period, zero for custom intervals.
func (b BillingInterval) Months() int {
	switch b {
	case BillingIntervalMonthly:
		return 1
	case BillingIntervalQuarterly:
		return 3
	case BillingIntervalAnnual:
		return 12
	}
	return 0
}

func ParseBillingInterval(value string) (BillingInterval, error) {
	if b := BillingInterval(value); b.IsValid() {
		return b, nil
	}
	return "", fmt.Errorf("invalid billing interval %q", value)
}
