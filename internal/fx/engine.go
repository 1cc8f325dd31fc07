// Package fx aggregates quotes from multiple rate providers into
// short-lived locked rates. Aggregation takes the median of a quorum
// of fresh quotes, which tolerates a minority of stale or deviating
// providers without weighting or trust configuration.
package fx

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"AtomicSettle/internal/errs"
	"AtomicSettle/internal/money"
)

// RateLock is an aggregated rate frozen for a bounded window. A
// settlement validated against a lock converts at exactly this mid
// until valid_until, after which commit attempts fail.
type RateLock struct {
	ID         uuid.UUID       `json:"id"`
	Pair       money.Pair      `json:"pair"`
	Mid        decimal.Decimal `json:"mid"`
	LockedAt   time.Time       `json:"locked_at"`
	ValidUntil time.Time       `json:"valid_until"`
	// Digest is a SHA-256 over the contributing quotes, recorded for
	// audit of which sources produced the rate.
	Digest string `json:"digest"`
}

// Expired reports whether the lock has passed its validity window.
func (r *RateLock) Expired(now time.Time) bool {
	return now.After(r.ValidUntil)
}

// Config tunes the engine.
type Config struct {
	// Freshness is how old a provider quote may be and still count
	// toward quorum.
	Freshness time.Duration
	// LockDuration is how long an aggregated rate stays valid.
	LockDuration time.Duration
	// ToleranceBps bounds sender-provided conversions around the mid.
	ToleranceBps int64
	// QuoteTimeout bounds each provider call.
	QuoteTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Freshness:    10 * time.Second,
		LockDuration: 30 * time.Second,
		ToleranceBps: 50,
		QuoteTimeout: 2 * time.Second,
	}
}

// Engine aggregates provider quotes and manages rate locks.
type Engine struct {
	cfg       Config
	sources   []Source
	reference Source
	log       zerolog.Logger
	now       func() time.Time

	mu    sync.Mutex
	locks map[uuid.UUID]*RateLock
}

// NewEngine wraps each provider in a circuit breaker. reference may be
// nil when no central-bank feed is configured.
func NewEngine(cfg Config, sources []Source, reference Source, log zerolog.Logger) *Engine {
	wrapped := make([]Source, len(sources))
	for i, s := range sources {
		wrapped[i] = newBreakerSource(s)
	}
	return &Engine{
		cfg:       cfg,
		sources:   wrapped,
		reference: reference,
		log:       log,
		locks:     make(map[uuid.UUID]*RateLock),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the wall clock, for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Quorum returns the minimum number of fresh quotes required,
// ceil(N/2)+1 for N configured providers.
func (e *Engine) Quorum() int {
	n := len(e.sources)
	return (n+1)/2 + 1
}

// LockRate queries all providers, aggregates a median mid from the
// fresh quorum, and freezes it for the configured lock duration.
func (e *Engine) LockRate(ctx context.Context, pair money.Pair) (*RateLock, error) {
	quotes := e.collect(ctx, pair)

	now := e.now()
	fresh := quotes[:0]
	for _, q := range quotes {
		if now.Sub(q.QuotedAt) <= e.cfg.Freshness {
			fresh = append(fresh, q)
		}
	}
	if len(fresh) < e.Quorum() {
		return nil, errs.Newf(errs.CodeRateSourcesInsufficient,
			"%s: %d fresh quotes, quorum %d", pair, len(fresh), e.Quorum())
	}

	mid := medianMid(fresh)
	lock := &RateLock{
		ID:         uuid.New(),
		Pair:       pair,
		Mid:        mid,
		LockedAt:   now,
		ValidUntil: now.Add(e.cfg.LockDuration),
		Digest:     aggregationDigest(pair, fresh, e.referenceQuote(ctx, pair)),
	}

	e.mu.Lock()
	e.locks[lock.ID] = lock
	e.mu.Unlock()

	e.log.Debug().
		Str("pair", pair.String()).
		Str("mid", mid.String()).
		Int("quotes", len(fresh)).
		Str("lock_id", lock.ID.String()).
		Msg("fx rate locked")
	return lock, nil
}

// Lookup returns the lock if it exists and is still valid.
func (e *Engine) Lookup(id uuid.UUID) (*RateLock, error) {
	e.mu.Lock()
	lock, ok := e.locks[id]
	e.mu.Unlock()
	if !ok {
		return nil, errs.Newf(errs.CodeFxRateExpired, "rate lock %s not found", id)
	}
	if lock.Expired(e.now()) {
		return nil, errs.Newf(errs.CodeFxRateExpired,
			"rate lock %s expired at %s", id, lock.ValidUntil.Format(time.RFC3339))
	}
	return lock, nil
}

// Convert applies the locked rate to a source amount and rounds the
// result to the target currency's minor unit with banker's rounding.
// The lock's pair must connect the two currencies in either direction.
func (e *Engine) Convert(lock *RateLock, source money.Money, target money.Currency) (money.Money, error) {
	if lock.Expired(e.now()) {
		return money.Money{}, errs.Newf(errs.CodeFxRateExpired, "rate lock %s expired", lock.ID)
	}
	var raw decimal.Decimal
	switch {
	case lock.Pair.Base == source.Currency && lock.Pair.Quote == target:
		raw = source.Amount.Mul(lock.Mid)
	case lock.Pair.Quote == source.Currency && lock.Pair.Base == target:
		if lock.Mid.IsZero() {
			return money.Money{}, errs.New(errs.CodeInternalError, "zero mid rate")
		}
		raw = source.Amount.DivRound(lock.Mid, money.MaxFractionDigits)
	default:
		return money.Money{}, errs.Newf(errs.CodeInternalError,
			"rate lock %s does not cover %s -> %s", lock.Pair, source.Currency, target)
	}
	rounded := raw.RoundBank(target.DecimalPlaces())
	converted, err := money.New(rounded, target)
	if err != nil {
		return money.Money{}, errs.Wrap(errs.CodeInternalError, "conversion result", err)
	}
	return converted, nil
}

// ValidateProvided checks a sender-supplied conversion against the
// locked mid within the tolerance band. maxSpreadBps narrows the band
// when the sender asked for a tighter bound than the engine default.
func (e *Engine) ValidateProvided(lock *RateLock, providedRate decimal.Decimal, maxSpreadBps int64) error {
	tol := e.cfg.ToleranceBps
	if maxSpreadBps > 0 && maxSpreadBps < tol {
		tol = maxSpreadBps
	}
	band := lock.Mid.Mul(decimal.NewFromInt(tol)).Div(decimal.NewFromInt(10000))
	lo := lock.Mid.Sub(band)
	hi := lock.Mid.Add(band)
	if providedRate.LessThan(lo) || providedRate.GreaterThan(hi) {
		return errs.Newf(errs.CodeFxToleranceViolated,
			"provided rate %s outside [%s, %s] (mid %s, tolerance %dbps)",
			providedRate, lo, hi, lock.Mid, tol)
	}
	return nil
}

// SweepExpired drops expired locks and returns how many were removed.
// Called periodically by the coordinator's housekeeping loop.
func (e *Engine) SweepExpired() int {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for id, lock := range e.locks {
		if lock.Expired(now) {
			delete(e.locks, id)
			removed++
		}
	}
	return removed
}

// collect fans out to every provider with a bounded per-call timeout.
func (e *Engine) collect(ctx context.Context, pair money.Pair) []Quote {
	type result struct {
		q   Quote
		err error
	}
	results := make(chan result, len(e.sources))
	for _, src := range e.sources {
		go func(src Source) {
			qctx, cancel := context.WithTimeout(ctx, e.cfg.QuoteTimeout)
			defer cancel()
			q, err := src.Quote(qctx, pair)
			results <- result{q: q, err: err}
		}(src)
	}

	quotes := make([]Quote, 0, len(e.sources))
	for range e.sources {
		r := <-results
		if r.err != nil {
			e.log.Warn().Err(r.err).Str("pair", pair.String()).Msg("fx source quote failed")
			continue
		}
		quotes = append(quotes, r.q)
	}
	return quotes
}

func (e *Engine) referenceQuote(ctx context.Context, pair money.Pair) *Quote {
	if e.reference == nil {
		return nil
	}
	qctx, cancel := context.WithTimeout(ctx, e.cfg.QuoteTimeout)
	defer cancel()
	q, err := e.reference.Quote(qctx, pair)
	if err != nil {
		e.log.Warn().Err(err).Str("pair", pair.String()).Msg("reference rate unavailable")
		return nil
	}
	return &q
}

// medianMid returns the median of the quotes' mids. Even counts take
// the mean of the middle two.
func medianMid(quotes []Quote) decimal.Decimal {
	mids := make([]decimal.Decimal, len(quotes))
	for i, q := range quotes {
		mids[i] = q.Mid
	}
	sort.Slice(mids, func(i, j int) bool { return mids[i].LessThan(mids[j]) })
	n := len(mids)
	if n%2 == 1 {
		return mids[n/2]
	}
	return mids[n/2-1].Add(mids[n/2]).Div(decimal.NewFromInt(2))
}

// aggregationDigest hashes the contributing quotes in a canonical
// order so the rate's provenance can be audited later.
func aggregationDigest(pair money.Pair, quotes []Quote, reference *Quote) string {
	lines := make([]string, 0, len(quotes)+2)
	lines = append(lines, pair.String())
	for _, q := range quotes {
		lines = append(lines, fmt.Sprintf("%s:%s", q.Source, q.Mid))
	}
	sort.Strings(lines[1:])
	if reference != nil {
		lines = append(lines, fmt.Sprintf("ref:%s:%s", reference.Source, reference.Mid))
	}
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}
