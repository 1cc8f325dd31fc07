package money

import (
	"fmt"
	"strings"
)

// Pair is an ordered currency pair, base/quote. A rate for the pair is
// the number of quote units per one base unit.
type Pair struct {
	Base  Currency `json:"base"`
	Quote Currency `json:"quote"`
}

// NewPair validates both legs and rejects identity pairs.
func NewPair(base, quote Currency) (Pair, error) {
	if !base.Valid() || !quote.Valid() {
		return Pair{}, fmt.Errorf("invalid currency pair %s/%s", base, quote)
	}
	if base == quote {
		return Pair{}, fmt.Errorf("identity pair %s/%s", base, quote)
	}
	return Pair{Base: base, Quote: quote}, nil
}

// ParsePair parses "USD/EUR" form.
func ParsePair(s string) (Pair, error) {
	base, quote, ok := strings.Cut(s, "/")
	if !ok {
		return Pair{}, fmt.Errorf("malformed currency pair %q", s)
	}
	return NewPair(Currency(base), Currency(quote))
}

// Inverse returns the pair with base and quote swapped.
func (p Pair) Inverse() Pair {
	return Pair{Base: p.Quote, Quote: p.Base}
}

func (p Pair) String() string {
	return string(p.Base) + "/" + string(p.Quote)
}
