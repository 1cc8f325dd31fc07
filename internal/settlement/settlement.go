// Package settlement holds the core settlement aggregate: legs,
// accounts, FX instructions, and the lifecycle state machine every
// other component keys off.
package settlement

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"AtomicSettle/internal/errs"
	"AtomicSettle/internal/money"
)

// FxMode says where currency conversion happens for a cross-currency leg.
type FxMode string

const (
	// FxAtSource means the sender already converted; the coordinator
	// validates the provided rate against its own within tolerance.
	FxAtSource FxMode = "AT_SOURCE"
	// FxAtCoordinator means the coordinator converts at its locked rate.
	FxAtCoordinator FxMode = "AT_COORDINATOR"
	// FxAtDestination is accepted on the wire but not supported for
	// execution; such requests are rejected at validation.
	FxAtDestination FxMode = "AT_DESTINATION"
)

// AccountID identifies a ledger account: a participant's numbered
// account in a single currency.
type AccountID struct {
	Participant string         `json:"participant"`
	Number      string         `json:"number"`
	Currency    money.Currency `json:"currency"`
}

func (a AccountID) String() string {
	return a.Participant + ":" + a.Number + ":" + string(a.Currency)
}

// ParseAccountID parses the "participant:number:currency" form.
func ParseAccountID(s string) (AccountID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return AccountID{}, fmt.Errorf("malformed account id %q", s)
	}
	c := money.Currency(parts[2])
	if !c.Valid() {
		return AccountID{}, fmt.Errorf("malformed account id %q: bad currency", s)
	}
	return AccountID{Participant: parts[0], Number: parts[1], Currency: c}, nil
}

// FxInstruction is attached to a cross-currency settlement or leg.
type FxInstruction struct {
	Mode FxMode     `json:"mode"`
	Pair money.Pair `json:"pair"`
	// ProvidedRate is the sender's rate for AT_SOURCE validation.
	ProvidedRate string `json:"provided_rate,omitempty"`
	// MaxSpreadBps bounds acceptable deviation for AT_SOURCE.
	MaxSpreadBps int64 `json:"max_spread_bps,omitempty"`
}

// Leg is one transfer within a settlement.
type Leg struct {
	Number          int            `json:"number"`
	Source          AccountID      `json:"source"`
	Destination     AccountID      `json:"destination"`
	SourceAmount    money.Money    `json:"source_amount"`
	ConvertedAmount money.Money    `json:"converted_amount"`
	Fx              *FxInstruction `json:"fx,omitempty"`
}

// CrossCurrency reports whether the leg's source and destination
// accounts are in different currencies.
func (l Leg) CrossCurrency() bool {
	return l.Source.Currency != l.Destination.Currency
}

// ComplianceInfo travels with the request for hook evaluation.
type ComplianceInfo struct {
	Purpose       string            `json:"purpose,omitempty"`
	OriginatorRef string            `json:"originator_ref,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// RateLockRef is the FX rate locked for a settlement at validation.
type RateLockRef struct {
	ID         uuid.UUID  `json:"id"`
	Pair       money.Pair `json:"pair"`
	Mid        string     `json:"mid"`
	ValidUntil time.Time  `json:"valid_until"`
	Digest     string     `json:"digest"`
}

// Failure records why a settlement ended in rejected or failed.
type Failure struct {
	Code      errs.Code `json:"code"`
	Message   string    `json:"message"`
	LegNumber int       `json:"leg_number,omitempty"`
	At        time.Time `json:"at"`
}

// Settlement is the aggregate driven through the lifecycle by the
// processor. It owns its legs exclusively.
type Settlement struct {
	ID              uuid.UUID      `json:"id"`
	IdempotencyKey  string         `json:"idempotency_key"`
	Status          Status         `json:"status"`
	Initiator       string         `json:"initiator"`
	Legs            []Leg          `json:"legs"`
	Fx              *FxInstruction `json:"fx,omitempty"`
	Compliance      ComplianceInfo `json:"compliance"`
	LockedRate      *RateLockRef   `json:"locked_rate,omitempty"`
	NettingEligible bool           `json:"netting_eligible"`
	// NettedInto names the idempotency key of the net settlement that
	// replaced this one, when it entered a netting window.
	NettedInto string   `json:"netted_into,omitempty"`
	Priority   Priority `json:"priority"`

	CreatedAt   time.Time  `json:"created_at"`
	CommittedAt *time.Time `json:"committed_at,omitempty"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`
	Failure     *Failure   `json:"failure,omitempty"`
}

// Priority orders competing lock admissions on the same account.
type Priority int

const (
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
	PrioritySystem Priority = 2
)

// New builds a settlement in the received state with a time-ordered id.
func New(idempotencyKey, initiator string, legs []Leg) (*Settlement, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate settlement id: %w", err)
	}
	return &Settlement{
		ID:             id,
		IdempotencyKey: idempotencyKey,
		Status:         StatusReceived,
		Initiator:      initiator,
		Legs:           legs,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// TransitionTo moves the settlement to next, enforcing the lifecycle
// graph. Terminal states never transition again.
func (s *Settlement) TransitionTo(next Status) error {
	if !s.Status.CanTransitionTo(next) {
		return &ErrInvalidTransition{From: s.Status, To: next}
	}
	s.Status = next
	now := time.Now().UTC()
	switch next {
	case StatusCommitted:
		s.CommittedAt = &now
	case StatusSettled:
		s.SettledAt = &now
	}
	return nil
}

// Fail moves the settlement into the failed state with a stored
// failure record. Legal only from locking, locked, or committing.
func (s *Settlement) Fail(code errs.Code, msg string, legNumber int) error {
	if err := s.TransitionTo(StatusFailed); err != nil {
		return err
	}
	s.Failure = &Failure{Code: code, Message: msg, LegNumber: legNumber, At: time.Now().UTC()}
	return nil
}

// Reject moves the settlement into the rejected state with a stored
// failure record. Legal only at validation or from pending_review.
func (s *Settlement) Reject(code errs.Code, msg string) error {
	if err := s.TransitionTo(StatusRejected); err != nil {
		return err
	}
	s.Failure = &Failure{Code: code, Message: msg, At: time.Now().UTC()}
	return nil
}

// CrossCurrency reports whether any leg needs FX conversion.
func (s *Settlement) CrossCurrency() bool {
	for _, l := range s.Legs {
		if l.CrossCurrency() {
			return true
		}
	}
	return false
}

// Participants returns the distinct participant ids touching the
// settlement, sources and destinations combined.
func (s *Settlement) Participants() []string {
	seen := make(map[string]struct{}, len(s.Legs)*2)
	var out []string
	for _, l := range s.Legs {
		for _, p := range []string{l.Source.Participant, l.Destination.Participant} {
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				out = append(out, p)
			}
		}
	}
	return out
}

// Clone returns a deep copy safe to hand across goroutines.
func (s *Settlement) Clone() *Settlement {
	c := *s
	c.Legs = make([]Leg, len(s.Legs))
	copy(c.Legs, s.Legs)
	if s.Fx != nil {
		fx := *s.Fx
		c.Fx = &fx
	}
	if s.LockedRate != nil {
		r := *s.LockedRate
		c.LockedRate = &r
	}
	if s.Failure != nil {
		f := *s.Failure
		c.Failure = &f
	}
	if s.CommittedAt != nil {
		t := *s.CommittedAt
		c.CommittedAt = &t
	}
	if s.SettledAt != nil {
		t := *s.SettledAt
		c.SettledAt = &t
	}
	if s.Compliance.Attributes != nil {
		c.Compliance.Attributes = make(map[string]string, len(s.Compliance.Attributes))
		for k, v := range s.Compliance.Attributes {
			c.Compliance.Attributes[k] = v
		}
	}
	return &c
}
