package protocol

import (
	"time"

	"github.com/google/uuid"

	"AtomicSettle/internal/errs"
	"AtomicSettle/internal/money"
	"AtomicSettle/internal/settlement"
)

// SettleRequest initiates a settlement.
type SettleRequest struct {
	IdempotencyKey  string                    `json:"idempotency_key"`
	Initiator       string                    `json:"initiator"`
	Legs            []LegSpec                 `json:"legs"`
	Fx              *settlement.FxInstruction `json:"fx,omitempty"`
	Compliance      settlement.ComplianceInfo `json:"compliance"`
	NettingEligible bool                      `json:"netting_eligible"`
	Priority        settlement.Priority       `json:"priority"`
}

// LegSpec is the wire form of one leg.
type LegSpec struct {
	Number          int         `json:"number"`
	Source          string      `json:"source_account"`
	Destination     string      `json:"destination_account"`
	SourceAmount    money.Money `json:"source_amount"`
	ConvertedAmount money.Money `json:"converted_amount,omitempty"`
}

// SettleResponse is the coordinator's first reply to a SettleRequest,
// and the terminal outcome report for settlements that finish while
// the caller is connected.
type SettleResponse struct {
	SettlementID uuid.UUID         `json:"settlement_id"`
	Status       settlement.Status `json:"status"`
	Duplicate    bool              `json:"duplicate,omitempty"`
	ErrorCode    errs.Code         `json:"error_code,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Retryable    bool              `json:"retryable,omitempty"`
	Legs         []LegSpec         `json:"legs,omitempty"`
}

// LockRequest asks a participant to confirm a reservation on its
// account.
type LockRequest struct {
	LockID               uuid.UUID            `json:"lock_id"`
	SettlementID         uuid.UUID            `json:"settlement_id"`
	Account              settlement.AccountID `json:"account"`
	Amount               money.Money          `json:"amount"`
	ExpiresAt            time.Time            `json:"expires_at"`
	Priority             settlement.Priority  `json:"priority"`
	CoordinatorSignature []byte               `json:"coordinator_signature,omitempty"`
}

// LockResult is the participant's verdict in a LockResponse.
type LockResult string

const (
	LockAcquired LockResult = "acquired"
	LockFailed   LockResult = "failed"
	LockExtended LockResult = "extended"
	LockReleased LockResult = "released"
)

// LockResponse answers a LockRequest or reports a participant-side
// lock event.
type LockResponse struct {
	LockID               uuid.UUID  `json:"lock_id"`
	Result               LockResult `json:"result"`
	FailureCode          errs.Code  `json:"failure_code,omitempty"`
	AvailableBalance     string     `json:"available_balance,omitempty"`
	ParticipantSignature []byte     `json:"participant_signature,omitempty"`
}

// LockRelease tells a participant its lock was released.
type LockRelease struct {
	LockID uuid.UUID `json:"lock_id"`
	Reason string    `json:"reason"`
}

// SettlementNotification reports a committed settlement to every
// involved participant.
type SettlementNotification struct {
	SettlementID uuid.UUID         `json:"settlement_id"`
	Status       settlement.Status `json:"status"`
	Legs         []LegSpec         `json:"legs"`
	CommittedAt  time.Time         `json:"committed_at"`
}

// SettlementAcknowledgment confirms a participant processed a
// notification.
type SettlementAcknowledgment struct {
	SettlementID   uuid.UUID `json:"settlement_id"`
	LocalReference string    `json:"local_reference,omitempty"`
}

// SettleAbort is the terminal failure report.
type SettleAbort struct {
	SettlementID uuid.UUID `json:"settlement_id"`
	Code         errs.Code `json:"code"`
	Message      string    `json:"message"`
}

// Heartbeat keeps the participant channel alive and drives online
// detection.
type Heartbeat struct {
	At time.Time `json:"at"`
}
