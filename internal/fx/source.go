package fx

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"AtomicSettle/internal/money"
)

// Quote is one provider's mid-rate observation for a pair.
type Quote struct {
	Pair     money.Pair
	Mid      decimal.Decimal
	Source   string
	QuotedAt time.Time
}

// Source supplies rate quotes. Implementations wrap market-data
// providers or the central-bank reference feed.
type Source interface {
	Name() string
	Quote(ctx context.Context, pair money.Pair) (Quote, error)
}

// breakerSource wraps a Source with a circuit breaker so a flapping
// provider is dropped from quorum instead of stalling every rate lock.
type breakerSource struct {
	inner Source
	cb    *gobreaker.CircuitBreaker
}

func newBreakerSource(inner Source) *breakerSource {
	return &breakerSource{
		inner: inner,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "fx-source-" + inner.Name(),
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

func (b *breakerSource) Name() string { return b.inner.Name() }

func (b *breakerSource) Quote(ctx context.Context, pair money.Pair) (Quote, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.inner.Quote(ctx, pair)
	})
	if err != nil {
		return Quote{}, err
	}
	return out.(Quote), nil
}

// StaticSource serves fixed rates from memory. Used for the
// central-bank reference table and in tests.
type StaticSource struct {
	name string

	mu    sync.RWMutex
	rates map[money.Pair]decimal.Decimal
	now   func() time.Time
}

// NewStaticSource creates an empty static source.
func NewStaticSource(name string) *StaticSource {
	return &StaticSource{
		name:  name,
		rates: make(map[money.Pair]decimal.Decimal),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Set installs or replaces the rate for a pair.
func (s *StaticSource) Set(pair money.Pair, mid decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[pair] = mid
}

func (s *StaticSource) Name() string { return s.name }

func (s *StaticSource) Quote(_ context.Context, pair money.Pair) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mid, ok := s.rates[pair]
	if !ok {
		return Quote{}, &NoQuoteError{Source: s.name, Pair: pair}
	}
	return Quote{Pair: pair, Mid: mid, Source: s.name, QuotedAt: s.now()}, nil
}

// NoQuoteError reports a source with no rate for the requested pair.
type NoQuoteError struct {
	Source string
	Pair   money.Pair
}

func (e *NoQuoteError) Error() string {
	return "no quote for " + e.Pair.String() + " from " + e.Source
}
