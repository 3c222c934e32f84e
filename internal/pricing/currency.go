package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
)

// Currency pairs an ISO 4217 code with its minor-unit scale (USD=2, JPY=0, BHD=3).
type Currency struct {
	Code  string
	Scale int32
}

// ParseCurrency resolves the minor-unit convention for an ISO code.
func ParseCurrency(code string) (Currency, error) {
	unit, err := currency.ParseISO(strings.TrimSpace(code))
	if err != nil {
		return Currency{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, fmt.Sprintf("unknown currency %q", code))
	}
	scale, _ := currency.Standard.Rounding(unit)
	return Currency{Code: unit.String(), Scale: int32(scale)}, nil
}

// ToMinor converts a major-unit amount to minor units, rounding half away from zero.
func (c Currency) ToMinor(major decimal.Decimal) int64 {
	return major.Shift(c.Scale).Round(0).IntPart()
}

func (c Currency) FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -c.Scale)
}

// Format renders minor units with the currency's decimal places, e.g. "USD 12.50" or "JPY 1200".
func (c Currency) Format(minor int64) string {
	return c.Code + " " + c.FromMinor(minor).StringFixed(c.Scale)
}

// roundMinor rounds a fractional minor-unit amount to a whole unit.
func roundMinor(v decimal.Decimal) int64 {
	return v.Round(0).IntPart()
}
