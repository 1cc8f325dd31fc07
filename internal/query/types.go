package query

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"AtomicSettle/internal/ledger"
	"AtomicSettle/internal/settlement"
)

// BalanceResponse is one account's position. AsOfSequence is the
// projection watermark at query time, for freshness semantics.
type BalanceResponse struct {
	Account      string          `json:"account"`
	Currency     string          `json:"currency"`
	Available    decimal.Decimal `json:"available"`
	Locked       decimal.Decimal `json:"locked"`
	Total        decimal.Decimal `json:"total"`
	Version      int64           `json:"version"`
	UpdatedAt    time.Time       `json:"updated_at"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// SettlementResponse wraps a settlement snapshot with freshness.
type SettlementResponse struct {
	Settlement   *settlement.Settlement `json:"settlement"`
	AsOfSequence int64                  `json:"as_of_sequence"`
}

// JournalResponse is one settlement's journal lines.
type JournalResponse struct {
	SettlementID uuid.UUID      `json:"settlement_id"`
	Entries      []ledger.Entry `json:"entries"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// UnbalancedCurrency reports a currency whose journal does not sum to
// zero across debits and credits.
type UnbalancedCurrency struct {
	Currency  string          `json:"currency"`
	Imbalance decimal.Decimal `json:"imbalance"`
}

// IntegrityReport is the admin integrity verification result.
type IntegrityReport struct {
	Healthy              bool                 `json:"healthy"`
	LogRecords           int                  `json:"log_records"`
	LogChainError        string               `json:"log_chain_error,omitempty"`
	AuditChainError      string               `json:"audit_chain_error,omitempty"`
	UnbalancedCurrencies []UnbalancedCurrency `json:"unbalanced_currencies,omitempty"`
}
