package money_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"AtomicSettle/internal/money"
)

// ============================================================
// Currency
// ============================================================

func TestCurrencyDecimalPlaces(t *testing.T) {
	cases := []struct {
		currency money.Currency
		want     int32
	}{
		{money.USD, 2},
		{money.EUR, 2},
		{money.JPY, 0},
		{money.KRW, 0},
		{money.BHD, 3},
		{money.KWD, 3},
		{money.Currency("OMR"), 3},
		{money.Currency("CHF"), 2},
	}
	for _, tc := range cases {
		if got := tc.currency.DecimalPlaces(); got != tc.want {
			t.Errorf("%s: decimal places = %d, want %d", tc.currency, got, tc.want)
		}
	}
}

func TestCurrencyValid(t *testing.T) {
	if !money.USD.Valid() {
		t.Error("USD should be valid")
	}
	for _, bad := range []money.Currency{"", "US", "usd", "USDX", "U$D"} {
		if bad.Valid() {
			t.Errorf("%q should be invalid", bad)
		}
	}
}

// ============================================================
// Money construction
// ============================================================

func TestNewRejectsExcessPrecision(t *testing.T) {
	// 9 fractional digits is over the limit regardless of currency.
	_, err := money.New(decimal.RequireFromString("1.123456789"), money.USD)
	if err == nil {
		t.Fatal("expected error for 9 fractional digits")
	}

	if _, err := money.New(decimal.RequireFromString("1.12345678"), money.USD); err != nil {
		t.Fatalf("8 fractional digits should be accepted: %v", err)
	}
}

func TestNewRejectsBadCurrency(t *testing.T) {
	if _, err := money.New(decimal.NewFromInt(1), "usd"); err == nil {
		t.Fatal("expected error for lowercase currency code")
	}
}

// ============================================================
// Arithmetic
// ============================================================

func TestAddSubCurrencyGuard(t *testing.T) {
	usd := money.MustParse("100.00", money.USD)
	eur := money.MustParse("50.00", money.EUR)

	if _, err := usd.Add(eur); err == nil {
		t.Error("Add across currencies should fail")
	}
	if _, err := usd.Sub(eur); err == nil {
		t.Error("Sub across currencies should fail")
	}

	sum, err := usd.Add(money.MustParse("0.50", money.USD))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !sum.Equal(money.MustParse("100.50", money.USD)) {
		t.Errorf("sum = %s, want 100.50 USD", sum)
	}
}

func TestRoundBankersToMinorUnit(t *testing.T) {
	cases := []struct {
		in   money.Money
		want money.Money
	}{
		// Half to even at two places.
		{money.MustParse("2.345", money.USD), money.MustParse("2.34", money.USD)},
		{money.MustParse("2.355", money.USD), money.MustParse("2.36", money.USD)},
		// Zero-decimal currency.
		{money.MustParse("100.5", money.JPY), money.MustParse("100", money.JPY)},
		{money.MustParse("101.5", money.JPY), money.MustParse("102", money.JPY)},
		// Three-decimal currency.
		{money.MustParse("1.23456", money.BHD), money.MustParse("1.235", money.BHD)},
	}
	for _, tc := range cases {
		if got := tc.in.Round(); !got.Equal(tc.want) {
			t.Errorf("Round(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestCmpAndSigns(t *testing.T) {
	a := money.MustParse("1.00", money.USD)
	b := money.MustParse("2.00", money.USD)

	c, err := a.Cmp(b)
	if err != nil || c != -1 {
		t.Errorf("Cmp = %d, %v; want -1, nil", c, err)
	}
	if !a.IsPositive() || a.IsZero() || a.IsNegative() {
		t.Error("sign predicates wrong for positive amount")
	}
	if !a.Neg().IsNegative() {
		t.Error("Neg should flip sign")
	}
	if !money.Zero(money.USD).IsZero() {
		t.Error("Zero should be zero")
	}
}

// ============================================================
// Pair
// ============================================================

func TestParsePair(t *testing.T) {
	p, err := money.ParsePair("USD/EUR")
	if err != nil {
		t.Fatalf("ParsePair: %v", err)
	}
	if p.Base != money.USD || p.Quote != money.EUR {
		t.Errorf("pair = %s, want USD/EUR", p)
	}
	if inv := p.Inverse(); inv.Base != money.EUR || inv.Quote != money.USD {
		t.Errorf("inverse = %s, want EUR/USD", inv)
	}

	for _, bad := range []string{"USDEUR", "USD/USD", "usd/eur", "USD/"} {
		if _, err := money.ParsePair(bad); err == nil {
			t.Errorf("ParsePair(%q) should fail", bad)
		}
	}
}
