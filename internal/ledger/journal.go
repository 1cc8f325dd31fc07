package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"AtomicSettle/internal/money"
	"AtomicSettle/internal/settlement"
)

// EntryKind distinguishes the two sides of a transfer.
type EntryKind string

const (
	// EntryDebit takes funds out of the account's locked reservation.
	EntryDebit EntryKind = "debit"
	// EntryCredit adds funds to the account's available balance.
	EntryCredit EntryKind = "credit"
)

// Entry is one immutable journal line. Entries are append-only and
// globally sequenced; balance_after is the account's total balance
// immediately after the entry applied.
type Entry struct {
	Sequence     int64                `json:"sequence"`
	SettlementID uuid.UUID            `json:"settlement_id"`
	LegNumber    int                  `json:"leg_number"`
	Account      settlement.AccountID `json:"account"`
	Kind         EntryKind            `json:"kind"`
	Amount       money.Money          `json:"amount"`
	BalanceAfter decimal.Decimal      `json:"balance_after"`
	CreatedAt    time.Time            `json:"created_at"`
}

// EntryInput describes one line of a settlement commit before it is
// sequenced and applied.
type EntryInput struct {
	LegNumber int
	Account   settlement.AccountID
	Kind      EntryKind
	Amount    money.Money
	// ExpectedVersion, when non-zero, must match the account's current
	// balance version or the commit aborts with commit_ledger_conflict.
	ExpectedVersion int64
}

// Balance is the per-account position. Total is available + locked.
// Version increases on every mutation and serves as the
// optimistic-concurrency token.
type Balance struct {
	Account   settlement.AccountID `json:"account"`
	Available decimal.Decimal      `json:"available"`
	Locked    decimal.Decimal      `json:"locked"`
	Version   int64                `json:"version"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Total returns available + locked.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}
