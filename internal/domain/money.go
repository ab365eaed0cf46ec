package domain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// CurrencySpec describes the limits applied to a supported currency.
type CurrencySpec struct {
	Code     string
	Exponent int32
	Min      decimal.Decimal
	Max      decimal.Decimal
}

var currencies = map[string]CurrencySpec{
	"JPY": {Code: "JPY", Exponent: 0, Min: decimal.RequireFromString("50"), Max: decimal.RequireFromString("9999999")},
	"USD": {Code: "USD", Exponent: 2, Min: decimal.RequireFromString("0.50"), Max: decimal.RequireFromString("999999.99")},
	"EUR": {Code: "EUR", Exponent: 2, Min: decimal.RequireFromString("0.50"), Max: decimal.RequireFromString("999999.99")},
	"GBP": {Code: "GBP", Exponent: 2, Min: decimal.RequireFromString("0.30"), Max: decimal.RequireFromString("999999.99")},
	"AUD": {Code: "AUD", Exponent: 2, Min: decimal.RequireFromString("0.50"), Max: decimal.RequireFromString("999999.99")},
	"CAD": {Code: "CAD", Exponent: 2, Min: decimal.RequireFromString("0.50"), Max: decimal.RequireFromString("999999.99")},
}

// LookupCurrency returns the limits for a currency code, case-insensitively.
func LookupCurrency(code string) (CurrencySpec, bool) {
	spec, ok := currencies[strings.ToUpper(strings.TrimSpace(code))]
	return spec, ok
}

// SupportedCurrencies returns the supported codes sorted alphabetically.
func SupportedCurrencies() []string {
	codes := make([]string, 0, len(currencies))
	for code := range currencies {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// ToMinorUnits converts an amount to the provider's smallest currency unit
// (cents for USD, yen for JPY).
func ToMinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	spec, ok := LookupCurrency(currency)
	if !ok {
		return 0, fmt.Errorf("unsupported currency %q", currency)
	}
	shifted := amount.Shift(spec.Exponent)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more precision than %s allows", amount, spec.Code)
	}
	return shifted.IntPart(), nil
}

// FromMinorUnits converts a provider's minor-unit amount back to a decimal amount.
// Unknown currencies are treated as two-decimal.
func FromMinorUnits(minor int64, currency string) decimal.Decimal {
	exp := int32(2)
	if spec, ok := LookupCurrency(currency); ok {
		exp = spec.Exponent
	}
	return decimal.New(minor, -exp)
}

// FormatAmount renders an amount with the currency's fixed number of decimals,
// e.g. "10.00" for USD and "1000" for JPY.
func FormatAmount(amount decimal.Decimal, currency string) string {
	exp := int32(2)
	if spec, ok := LookupCurrency(currency); ok {
		exp = spec.Exponent
	}
	return amount.StringFixed(exp)
}
