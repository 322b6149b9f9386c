package models

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatAmount renders minor currency units as a two-decimal string.
// Only the payment boundary uses this representation.
func FormatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

// ParseAmount converts a decimal string back to minor units, rounding half-up
// on any digits past the second decimal.
func ParseAmount(s string) (int64, error) {
	raw := strings.TrimSpace(s)
	neg := strings.HasPrefix(raw, "-")
	raw = strings.TrimPrefix(raw, "-")

	whole, frac, _ := strings.Cut(raw, ".")
	if whole == "" {
		whole = "0"
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	for _, r := range frac {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("parse amount %q: invalid fraction", s)
		}
	}

	frac += "000"
	cents, _ := strconv.ParseInt(frac[:2], 10, 64)
	minor := units*100 + cents
	if frac[2] >= '5' {
		minor++
	}
	if neg {
		minor = -minor
	}
	return minor, nil
}
