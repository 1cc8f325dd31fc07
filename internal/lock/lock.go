package lock

import (
	"time"

	"github.com/google/uuid"

	"AtomicSettle/internal/money"
	"AtomicSettle/internal/settlement"
)

// Status is the lock lifecycle state.
type Status string

const (
	// StatusPending means the reservation is taken but the owning
	// participant has not confirmed yet.
	StatusPending Status = "pending"
	// StatusActive means the participant confirmed the lock.
	StatusActive Status = "active"
	// StatusConsumed means the settlement committed through this lock.
	StatusConsumed Status = "consumed"
	// StatusReleased means the reservation was returned before commit.
	StatusReleased Status = "released"
	// StatusExpired means the sweeper reclaimed the lock past expires_at.
	StatusExpired Status = "expired"
	// StatusFailed means acquisition never completed.
	StatusFailed Status = "failed"
)

// Settled reports whether the lock can never hold funds again.
func (s Status) Settled() bool {
	return s == StatusConsumed || s == StatusReleased || s == StatusExpired || s == StatusFailed
}

// ReleaseReason says why a lock was released back.
type ReleaseReason string

const (
	ReasonSettlementComplete ReleaseReason = "settlement_complete"
	ReasonSettlementFailed   ReleaseReason = "settlement_failed"
	ReasonLockExpired        ReleaseReason = "lock_expired"
	ReasonCoordinatorAbort   ReleaseReason = "coordinator_abort"
)

// Lock reserves an amount on one account for one settlement leg.
type Lock struct {
	ID           uuid.UUID            `json:"id"`
	SettlementID uuid.UUID            `json:"settlement_id"`
	LegNumber    int                  `json:"leg_number"`
	Account      settlement.AccountID `json:"account"`
	Amount       money.Money          `json:"amount"`
	Status       Status               `json:"status"`
	Priority     settlement.Priority  `json:"priority"`
	CreatedAt    time.Time            `json:"created_at"`
	AcquiredAt   *time.Time           `json:"acquired_at,omitempty"`
	ExpiresAt    time.Time            `json:"expires_at"`
	// Extended marks that the one permitted extension was used.
	Extended bool `json:"extended"`
	// ConfirmationSig is the participant's signature over the lock
	// confirmation, kept for dispute evidence.
	ConfirmationSig []byte `json:"confirmation_sig,omitempty"`
	// Internal locks reserve coordinator liquidity and need no
	// participant confirmation.
	Internal bool `json:"internal"`
	// ReleaseCause is set for released and expired locks.
	ReleaseCause ReleaseReason `json:"release_cause,omitempty"`
	// BalanceVersion is the ledger version observed when the
	// reservation was taken.
	BalanceVersion int64 `json:"balance_version"`

	// committing pins the lock while a ledger commit is in flight so
	// the sweeper cannot expire it under the commit.
	committing bool
}

// Change is a lock status transition handed to the replicated log and
// the persistence worker.
type Change struct {
	Lock Lock      `json:"lock"`
	At   time.Time `json:"at"`
}
