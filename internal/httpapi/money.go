package httpapi

import (
	"fmt"
	"math"
	"strings"

	"github.com/MarkoPoloResearchLab/marketledger/pkg/ledger"
	"github.com/shopspring/decimal"
)

const centsExponent = 2

var maxCents = decimal.NewFromInt(math.MaxInt64)

// FormatCents renders minor units as a fixed two-decimal string.
func FormatCents(cents int64) string {
	return decimal.New(cents, -centsExponent).StringFixed(centsExponent)
}

// ParseAmountCents converts a positive decimal string such as "12.50" into cents.
func ParseAmountCents(raw string) (int64, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ledger.ErrInvalidAmount, raw)
	}
	cents := value.Shift(centsExponent)
	if !cents.Equal(cents.Truncate(0)) {
		return 0, fmt.Errorf("%w: %q has more than two decimal places", ledger.ErrInvalidAmount, raw)
	}
	if !cents.IsPositive() || cents.GreaterThan(maxCents) {
		return 0, fmt.Errorf("%w: %q", ledger.ErrInvalidAmount, raw)
	}
	return cents.IntPart(), nil
}
