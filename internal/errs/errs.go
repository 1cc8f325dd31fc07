// Package errs defines the coordinator's coded error taxonomy. Every
// failure that can reach a settlement boundary or a caller is wrapped
// in an *Error carrying a stable code and a retryability flag, so
// responses and stored failure records stay machine-readable.
package errs

import (
	"errors"
	"fmt"
)

// Code is a stable, wire-visible error code.
type Code string

// Validation errors. Non-retryable, surfaced before any state change.
const (
	CodeInvalidMessage       Code = "invalid_message"
	CodeInvalidSignature     Code = "invalid_signature"
	CodeUnknownParticipant   Code = "unknown_participant"
	CodeCurrencyNotPermitted Code = "currency_not_permitted"
	CodeLimitExceeded        Code = "limit_exceeded"
	CodeBlockedCounterparty  Code = "blocked_counterparty"
	CodeMalformedAmount      Code = "malformed_amount"
)

// Compliance errors.
const (
	CodeComplianceRejected       Code = "compliance_rejected"
	CodeComplianceReviewRequired Code = "compliance_review_required"
)

// Lock-phase errors. All fail the settlement after releasing any
// locks already acquired.
const (
	CodeInsufficientFunds  Code = "insufficient_funds"
	CodeAccountBlocked     Code = "account_blocked"
	CodeLockConflict       Code = "lock_conflict"
	CodeParticipantOffline Code = "participant_offline"
	CodeLockTimeout        Code = "lock_timeout"
)

// FX errors.
const (
	CodeRateSourcesInsufficient Code = "rate_sources_insufficient"
	CodeFxRateExpired           Code = "fx_rate_expired"
	CodeFxToleranceViolated     Code = "fx_tolerance_violated"
)

// Commit errors.
const (
	CodeCommitLockInvalid    Code = "commit_lock_invalid"
	CodeCommitLedgerConflict Code = "commit_ledger_conflict"
)

// Infrastructure errors. Retryable by the caller.
const (
	CodeCoordinatorBusy      Code = "coordinator_busy"
	CodeInternalError        Code = "internal_error"
	CodeLogReplicationFailed Code = "log_replication_failed"
)

// CodeDuplicateRequest marks an idempotent replay. It never fails a
// settlement; the original result is returned alongside it.
const CodeDuplicateRequest Code = "duplicate_request"

var retryable = map[Code]bool{
	CodeLockConflict:         true,
	CodeParticipantOffline:   true,
	CodeLockTimeout:          true,
	CodeFxRateExpired:        true,
	CodeCommitLedgerConflict: true,
	CodeCoordinatorBusy:      true,
	CodeInternalError:        true,
	CodeLogReplicationFailed: true,
}

// Retryable reports whether a caller may resubmit after seeing this code.
func (c Code) Retryable() bool { return retryable[c] }

// Error is a coded coordinator error.
type Error struct {
	Code    Code
	Message string
	cause   error
}

// New creates a coded error.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the error's code is retryable.
func (e *Error) Retryable() bool { return e.Code.Retryable() }

// CodeOf extracts the code from err, unwrapping as needed. Errors
// outside the taxonomy map to internal_error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternalError
}

// IsRetryable reports whether err carries a retryable code. Uncoded
// errors are treated as internal and therefore retryable.
func IsRetryable(err error) bool {
	return CodeOf(err).Retryable()
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
