// Package money provides currency-aware monetary amounts backed by
// arbitrary-precision decimals. All settlement math goes through this
// package; float64 never touches an amount.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Currency is an ISO 4217 alphabetic code, e.g. "USD".
type Currency string

// Common currencies. Any three-letter code is accepted by New; these
// constants exist for the codes the coordinator handles daily.
const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	JPY Currency = "JPY"
	SGD Currency = "SGD"
	KRW Currency = "KRW"
	BHD Currency = "BHD"
	KWD Currency = "KWD"
)

// DecimalPlaces returns the minor-unit exponent used when rounding
// amounts in this currency for final ledger entries.
func (c Currency) DecimalPlaces() int32 {
	switch c {
	case "JPY", "KRW", "VND", "ISK":
		return 0
	case "BHD", "KWD", "OMR":
		return 3
	default:
		return 2
	}
}

// Valid reports whether the code is three uppercase ASCII letters.
func (c Currency) Valid() bool {
	if len(c) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if c[i] < 'A' || c[i] > 'Z' {
			return false
		}
	}
	return true
}

// MaxFractionDigits is the most fractional digits accepted on any
// externally supplied amount, regardless of currency.
const MaxFractionDigits = 8

// Money is an immutable amount in a single currency.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency Currency        `json:"currency"`
}

// New builds a Money from a decimal amount and currency code.
func New(amount decimal.Decimal, currency Currency) (Money, error) {
	if !currency.Valid() {
		return Money{}, fmt.Errorf("invalid currency code %q", currency)
	}
	if amount.Exponent() < -MaxFractionDigits {
		return Money{}, fmt.Errorf("amount %s exceeds %d fractional digits", amount, MaxFractionDigits)
	}
	return Money{Amount: amount, Currency: currency}, nil
}

// MustParse builds a Money from a decimal string, panicking on bad
// input. Test and fixture use only.
func MustParse(amount string, currency Currency) Money {
	m, err := New(decimal.RequireFromString(amount), currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Zero returns the zero amount in the given currency.
func Zero(currency Currency) Money {
	return Money{Amount: decimal.Zero, Currency: currency}
}

// Add returns m + other. The currencies must match.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount.Add(other.Amount), Currency: m.Currency}, nil
}

// Sub returns m - other. The currencies must match.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount.Sub(other.Amount), Currency: m.Currency}, nil
}

// Neg returns the amount with the sign flipped.
func (m Money) Neg() Money {
	return Money{Amount: m.Amount.Neg(), Currency: m.Currency}
}

// Round returns the amount rounded to the currency's minor unit using
// banker's rounding (round half to even).
func (m Money) Round() Money {
	return Money{Amount: m.Amount.RoundBank(m.Currency.DecimalPlaces()), Currency: m.Currency}
}

// IsPositive reports whether the amount is strictly greater than zero.
func (m Money) IsPositive() bool { return m.Amount.IsPositive() }

// IsZero reports whether the amount is exactly zero.
func (m Money) IsZero() bool { return m.Amount.IsZero() }

// IsNegative reports whether the amount is strictly less than zero.
func (m Money) IsNegative() bool { return m.Amount.IsNegative() }

// Cmp compares m against other, which must share m's currency.
// Returns -1, 0, or 1.
func (m Money) Cmp(other Money) (int, error) {
	if m.Currency != other.Currency {
		return 0, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return m.Amount.Cmp(other.Amount), nil
}

// Equal reports whether both currency and amount match exactly.
func (m Money) Equal(other Money) bool {
	return m.Currency == other.Currency && m.Amount.Equal(other.Amount)
}

func (m Money) String() string {
	return m.Amount.String() + " " + string(m.Currency)
}
