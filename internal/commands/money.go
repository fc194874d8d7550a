package commands

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var centsPerUnit = decimal.NewFromInt(100)

// parseAmount reads a dollar amount such as "12.50" into cents. More than
// two decimal places is an error rather than a silent rounding.
func parseAmount(text string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimPrefix(strings.TrimSpace(text), "$"))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", text)
	}
	cents := d.Mul(centsPerUnit)
	if !cents.Equal(cents.Truncate(0)) {
		return 0, fmt.Errorf("invalid amount %q: at most two decimal places", text)
	}
	if !cents.IsPositive() {
		return 0, fmt.Errorf("invalid amount %q: must be positive", text)
	}
	return cents.IntPart(), nil
}

func formatCents(cents int64) string {
	return "$" + decimal.New(cents, -2).StringFixed(2)
}
