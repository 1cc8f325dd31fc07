package fx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"AtomicSettle/internal/money"
)

// rateUpdate is the wire format a provider publishes on
// as.fx.rates.<provider>.<BASE><QUOTE>.
type rateUpdate struct {
	Pair     string `json:"pair"`
	Mid      string `json:"mid"`
	QuotedAt int64  `json:"quoted_at_ms"`
}

// NATSSource caches the latest quote per pair from a provider's rate
// subject. Quotes carry the provider's publish time, so the engine's
// freshness window still applies even when updates stop.
type NATSSource struct {
	name string
	sub  *nats.Subscription
	log  zerolog.Logger

	mu     sync.RWMutex
	quotes map[money.Pair]Quote
}

// NewNATSSource subscribes to the provider's rate subject on plain
// NATS; rate updates are a stream of current values, so losing one is
// harmless.
func NewNATSSource(nc *nats.Conn, provider string, log zerolog.Logger) (*NATSSource, error) {
	s := &NATSSource{
		name:   provider,
		log:    log,
		quotes: make(map[money.Pair]Quote),
	}
	subject := fmt.Sprintf("as.fx.rates.%s.>", provider)
	sub, err := nc.Subscribe(subject, s.onUpdate)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.sub = sub
	return s, nil
}

func (s *NATSSource) onUpdate(msg *nats.Msg) {
	var u rateUpdate
	if err := json.Unmarshal(msg.Data, &u); err != nil {
		s.log.Warn().Err(err).Str("subject", msg.Subject).Msg("undecodable rate update")
		return
	}
	pair, err := parsePairCode(u.Pair)
	if err != nil {
		s.log.Warn().Err(err).Str("pair", u.Pair).Msg("rate update with bad pair")
		return
	}
	mid, err := decimal.NewFromString(u.Mid)
	if err != nil || !mid.IsPositive() {
		s.log.Warn().Str("mid", u.Mid).Str("pair", u.Pair).Msg("rate update with bad mid")
		return
	}

	s.mu.Lock()
	s.quotes[pair] = Quote{
		Pair:     pair,
		Mid:      mid,
		Source:   s.name,
		QuotedAt: time.UnixMilli(u.QuotedAt).UTC(),
	}
	s.mu.Unlock()
}

func (s *NATSSource) Name() string { return s.name }

func (s *NATSSource) Quote(_ context.Context, pair money.Pair) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[pair]
	if !ok {
		return Quote{}, &NoQuoteError{Source: s.name, Pair: pair}
	}
	return q, nil
}

// Close drops the subscription.
func (s *NATSSource) Close() error {
	return s.sub.Unsubscribe()
}

// parsePairCode reads "EURUSD" or "EUR/USD" into a Pair.
func parsePairCode(code string) (money.Pair, error) {
	code = strings.ToUpper(strings.ReplaceAll(code, "/", ""))
	if len(code) != 6 {
		return money.Pair{}, fmt.Errorf("pair code %q is not six letters", code)
	}
	return money.Pair{
		Base:  money.Currency(code[:3]),
		Quote: money.Currency(code[3:]),
	}, nil
}
