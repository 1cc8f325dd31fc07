// Package netting buffers opted-in settlements in short windows and
// collapses them into bilateral net flows. Each window emits at most
// one net settlement per ordered participant pair per currency, and
// the reduction preserves every participant's net position.
package netting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"AtomicSettle/internal/money"
)

// Input is one gross obligation entering the current window.
type Input struct {
	IdempotencyKey string
	From           string
	To             string
	Amount         money.Money
	// FromAccount/ToAccount carry the account numbers so the emitted
	// net settlement can address real accounts.
	FromAccount string
	ToAccount   string
}

// NetFlow is a collapsed bilateral obligation for one currency.
type NetFlow struct {
	WindowID string
	From     string
	To       string
	Amount   money.Money
	// Sources lists the idempotency keys of the gross settlements the
	// flow replaces.
	Sources     []string
	FromAccount string
	ToAccount   string
}

// IdempotencyKey derives the net settlement's key from the window and
// the flow's endpoints, so a recovered coordinator re-emitting the
// window cannot double-settle.
func (f NetFlow) IdempotencyKey() string {
	return fmt.Sprintf("net:%s:%s:%s:%s", f.WindowID, f.From, f.To, f.Amount.Currency)
}

// Compute collapses gross flows to net flows. Per currency, per
// unordered pair {a, b}, the net of a->b minus b->a becomes a single
// flow in the surviving direction; exact offsets vanish.
func Compute(windowID string, inputs []Input) []NetFlow {
	type pairKey struct {
		lo, hi   string
		currency money.Currency
	}
	type agg struct {
		// net is the signed flow lo -> hi. Accounts are tracked per
		// direction: the surviving direction's inputs name the accounts
		// the net settlement addresses.
		net        decimal.Decimal
		sources    []string
		loToHiFrom string
		loToHiTo   string
		hiToLoFrom string
		hiToLoTo   string
	}

	pairs := make(map[pairKey]*agg)
	for _, in := range inputs {
		lo, hi := in.From, in.To
		sign := decimal.NewFromInt(1)
		if lo > hi {
			lo, hi = hi, lo
			sign = decimal.NewFromInt(-1)
		}
		k := pairKey{lo: lo, hi: hi, currency: in.Amount.Currency}
		a, ok := pairs[k]
		if !ok {
			a = &agg{}
			pairs[k] = a
		}
		a.net = a.net.Add(in.Amount.Amount.Mul(sign))
		a.sources = append(a.sources, in.IdempotencyKey)
		if in.From == lo {
			a.loToHiFrom, a.loToHiTo = in.FromAccount, in.ToAccount
		} else {
			a.hiToLoFrom, a.hiToLoTo = in.FromAccount, in.ToAccount
		}
	}

	keys := make([]pairKey, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.lo != b.lo {
			return a.lo < b.lo
		}
		if a.hi != b.hi {
			return a.hi < b.hi
		}
		return a.currency < b.currency
	})

	var flows []NetFlow
	for _, k := range keys {
		a := pairs[k]
		if a.net.IsZero() {
			continue
		}
		f := NetFlow{WindowID: windowID, Sources: a.sources}
		if a.net.IsPositive() {
			f.From, f.To = k.lo, k.hi
			f.FromAccount, f.ToAccount = a.loToHiFrom, a.loToHiTo
			f.Amount = money.Money{Amount: a.net, Currency: k.currency}
		} else {
			f.From, f.To = k.hi, k.lo
			f.FromAccount, f.ToAccount = a.hiToLoFrom, a.hiToLoTo
			f.Amount = money.Money{Amount: a.net.Neg(), Currency: k.currency}
		}
		flows = append(flows, f)
	}
	return flows
}

// Engine buffers inputs and closes windows on a fixed cadence,
// handing each closed window to the emit callback.
type Engine struct {
	window time.Duration
	emit   func(windowID string, inputs []Input, flows []NetFlow)
	log    zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending []Input
	windows int64
}

// NewEngine creates a netting engine. emit is called outside the
// engine lock with each closed window's inputs and flows; inputs
// absent from every flow netted to exactly zero.
func NewEngine(window time.Duration, emit func(windowID string, inputs []Input, flows []NetFlow), log zerolog.Logger) *Engine {
	if window <= 0 {
		window = 100 * time.Millisecond
	}
	return &Engine{
		window: window,
		emit:   emit,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Add buffers one gross obligation into the open window.
func (e *Engine) Add(in Input) {
	e.mu.Lock()
	e.pending = append(e.pending, in)
	e.mu.Unlock()
}

// Run closes windows on the configured cadence until the context
// ends, then flushes the final window.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.CloseWindow()
			return
		case <-ticker.C:
			e.CloseWindow()
		}
	}
}

// CloseWindow collapses and emits the buffered inputs, if any.
// Returns the emitted flows.
func (e *Engine) CloseWindow() []NetFlow {
	e.mu.Lock()
	inputs := e.pending
	e.pending = nil
	e.windows++
	windowID := fmt.Sprintf("%d-%d", e.now().UnixMilli(), e.windows)
	e.mu.Unlock()

	if len(inputs) == 0 {
		return nil
	}
	flows := Compute(windowID, inputs)
	e.log.Debug().
		Int("gross", len(inputs)).
		Int("net", len(flows)).
		Str("window_id", windowID).
		Msg("netting window closed")
	if e.emit != nil {
		e.emit(windowID, inputs, flows)
	}
	return flows
}
