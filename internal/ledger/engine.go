// Package ledger implements the double-entry settlement ledger: per
// account balances with an available/locked split, an append-only
// sequenced journal, and atomic multi-entry settlement commits.
//
// The in-memory engine is the authoritative copy. Every mutation is
// handed to an optional observer so a persistence worker can mirror
// the state to Postgres off the hot path.
package ledger

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"AtomicSettle/internal/errs"
	"AtomicSettle/internal/money"
	"AtomicSettle/internal/settlement"
)

// Observer receives applied mutations for asynchronous persistence.
// Calls are made while the engine lock is held, so implementations
// must be fast and non-blocking.
type Observer interface {
	BalanceUpdated(Balance)
	EntriesAppended([]Entry)
}

// Engine is the double-entry ledger. All public methods are safe for
// concurrent use; each method is atomic with respect to the others.
type Engine struct {
	mu       sync.Mutex
	balances map[string]*Balance
	journal  []Entry
	seq      int64
	observer Observer
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver attaches a persistence observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an empty ledger.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		balances: make(map[string]*Balance),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OpenAccount registers an account with an initial available balance.
// Opening an existing account is an error.
func (e *Engine) OpenAccount(account settlement.AccountID, initial decimal.Decimal) error {
	if initial.IsNegative() {
		return errs.Newf(errs.CodeMalformedAmount, "initial balance %s is negative", initial)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	key := account.String()
	if _, exists := e.balances[key]; exists {
		return errs.Newf(errs.CodeInternalError, "account %s already open", key)
	}
	b := &Balance{
		Account:   account,
		Available: initial,
		Locked:    decimal.Zero,
		Version:   1,
		UpdatedAt: e.now(),
	}
	e.balances[key] = b
	e.notifyBalance(*b)
	return nil
}

// BalanceOf returns a copy of the account's balance.
func (e *Engine) BalanceOf(account settlement.AccountID) (Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.balances[account.String()]
	if !ok {
		return Balance{}, errs.Newf(errs.CodeUnknownParticipant, "account %s not found", account)
	}
	return *b, nil
}

// HasAvailable reports whether the account's available balance covers
// amount. Used for validation-time checks; it takes no reservation.
func (e *Engine) HasAvailable(account settlement.AccountID, amount money.Money) (bool, error) {
	b, err := e.BalanceOf(account)
	if err != nil {
		return false, err
	}
	if account.Currency != amount.Currency {
		return false, errs.Newf(errs.CodeMalformedAmount,
			"amount currency %s does not match account %s", amount.Currency, account)
	}
	return b.Available.GreaterThanOrEqual(amount.Amount), nil
}

// Reserve moves amount from available to locked on the account,
// returning the new balance version. Fails with insufficient_funds
// when available does not cover the amount.
func (e *Engine) Reserve(account settlement.AccountID, amount money.Money) (int64, error) {
	if !amount.IsPositive() {
		return 0, errs.Newf(errs.CodeMalformedAmount, "reserve amount %s must be positive", amount)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.balances[account.String()]
	if !ok {
		return 0, errs.Newf(errs.CodeUnknownParticipant, "account %s not found", account)
	}
	if account.Currency != amount.Currency {
		return 0, errs.Newf(errs.CodeMalformedAmount,
			"amount currency %s does not match account %s", amount.Currency, account)
	}
	if b.Available.LessThan(amount.Amount) {
		return 0, errs.Newf(errs.CodeInsufficientFunds,
			"account %s: available %s, requested %s", account, b.Available, amount.Amount)
	}
	b.Available = b.Available.Sub(amount.Amount)
	b.Locked = b.Locked.Add(amount.Amount)
	b.Version++
	b.UpdatedAt = e.now()
	e.notifyBalance(*b)
	return b.Version, nil
}

// Release moves amount back from locked to available, undoing a
// reservation after a settlement fails or a lock expires.
func (e *Engine) Release(account settlement.AccountID, amount money.Money) error {
	if !amount.IsPositive() {
		return errs.Newf(errs.CodeMalformedAmount, "release amount %s must be positive", amount)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.balances[account.String()]
	if !ok {
		return errs.Newf(errs.CodeUnknownParticipant, "account %s not found", account)
	}
	if b.Locked.LessThan(amount.Amount) {
		return errs.Newf(errs.CodeInternalError,
			"account %s: locked %s cannot release %s", account, b.Locked, amount.Amount)
	}
	b.Locked = b.Locked.Sub(amount.Amount)
	b.Available = b.Available.Add(amount.Amount)
	b.Version++
	b.UpdatedAt = e.now()
	e.notifyBalance(*b)
	return nil
}

// CommitSettlement atomically applies the settlement's journal
// entries. Debits consume locked reservations; credits add to
// available. Within each currency the debit and credit totals must be
// equal or nothing is applied. On success the appended entries are
// returned in sequence order.
func (e *Engine) CommitSettlement(settlementID uuid.UUID, inputs []EntryInput) ([]Entry, error) {
	if len(inputs) == 0 {
		return nil, errs.New(errs.CodeInternalError, "commit with no entries")
	}
	if err := checkBalanced(inputs); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// First pass: verify every input can apply before touching state.
	for _, in := range inputs {
		b, ok := e.balances[in.Account.String()]
		if !ok {
			return nil, errs.Newf(errs.CodeUnknownParticipant, "account %s not found", in.Account)
		}
		if in.ExpectedVersion != 0 && b.Version != in.ExpectedVersion {
			return nil, errs.Newf(errs.CodeCommitLedgerConflict,
				"account %s: version %d, expected %d", in.Account, b.Version, in.ExpectedVersion)
		}
		if in.Account.Currency != in.Amount.Currency {
			return nil, errs.Newf(errs.CodeMalformedAmount,
				"entry currency %s does not match account %s", in.Amount.Currency, in.Account)
		}
		if !in.Amount.IsPositive() {
			return nil, errs.Newf(errs.CodeMalformedAmount, "entry amount %s must be positive", in.Amount)
		}
		if in.Kind == EntryDebit && b.Locked.LessThan(in.Amount.Amount) {
			return nil, errs.Newf(errs.CodeCommitLockInvalid,
				"account %s: locked %s does not cover debit %s", in.Account, b.Locked, in.Amount.Amount)
		}
	}

	// Second pass: apply and journal.
	now := e.now()
	entries := make([]Entry, 0, len(inputs))
	for _, in := range inputs {
		b := e.balances[in.Account.String()]
		switch in.Kind {
		case EntryDebit:
			b.Locked = b.Locked.Sub(in.Amount.Amount)
		case EntryCredit:
			b.Available = b.Available.Add(in.Amount.Amount)
		default:
			return nil, errs.Newf(errs.CodeInternalError, "unknown entry kind %q", in.Kind)
		}
		b.Version++
		b.UpdatedAt = now
		e.notifyBalance(*b)

		e.seq++
		entries = append(entries, Entry{
			Sequence:     e.seq,
			SettlementID: settlementID,
			LegNumber:    in.LegNumber,
			Account:      in.Account,
			Kind:         in.Kind,
			Amount:       in.Amount,
			BalanceAfter: b.Total(),
			CreatedAt:    now,
		})
	}
	e.journal = append(e.journal, entries...)
	if e.observer != nil {
		e.observer.EntriesAppended(entries)
	}
	return entries, nil
}

// Entries returns a copy of the journal, oldest first.
func (e *Engine) Entries() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Entry, len(e.journal))
	copy(out, e.journal)
	return out
}

// EntriesForSettlement returns the journal lines for one settlement.
func (e *Engine) EntriesForSettlement(id uuid.UUID) []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Entry
	for _, entry := range e.journal {
		if entry.SettlementID == id {
			out = append(out, entry)
		}
	}
	return out
}

// Balances returns a snapshot of every balance, for queries and for
// conservation checks in tests.
func (e *Engine) Balances() []Balance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Balance, 0, len(e.balances))
	for _, b := range e.balances {
		out = append(out, *b)
	}
	return out
}

// Restore loads persisted balances and journal entries into an empty
// engine during warm restart. The journal sequence resumes after the
// highest restored entry. Restoring into a non-empty engine is an
// error.
func (e *Engine) Restore(balances []Balance, entries []Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.balances) > 0 || len(e.journal) > 0 {
		return errs.New(errs.CodeInternalError, "restore into non-empty ledger")
	}
	for _, b := range balances {
		c := b
		e.balances[b.Account.String()] = &c
	}
	e.journal = append(e.journal, entries...)
	for _, entry := range entries {
		if entry.Sequence > e.seq {
			e.seq = entry.Sequence
		}
	}
	return nil
}

func (e *Engine) notifyBalance(b Balance) {
	if e.observer != nil {
		e.observer.BalanceUpdated(b)
	}
}

// checkBalanced verifies debit and credit totals match per currency.
func checkBalanced(inputs []EntryInput) error {
	net := make(map[money.Currency]decimal.Decimal)
	for _, in := range inputs {
		cur := in.Amount.Currency
		switch in.Kind {
		case EntryDebit:
			net[cur] = net[cur].Add(in.Amount.Amount)
		case EntryCredit:
			net[cur] = net[cur].Sub(in.Amount.Amount)
		default:
			return errs.Newf(errs.CodeInternalError, "unknown entry kind %q", in.Kind)
		}
	}
	for cur, n := range net {
		if !n.IsZero() {
			return errs.Newf(errs.CodeInternalError,
				"unbalanced commit: %s off by %s", cur, n)
		}
	}
	return nil
}
