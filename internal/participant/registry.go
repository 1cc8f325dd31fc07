// Package participant tracks registered settlement participants and
// owns the outbound side of the participant protocol: signing,
// delivery with circuit breaking, lock-response correlation, and
// notification redelivery.
package participant

import (
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"AtomicSettle/internal/errs"
	"AtomicSettle/internal/money"
)

// Status is the participant's administrative state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Participant is one registered settlement member.
type Participant struct {
	ID     string
	Status Status
	// PublicKey verifies the participant's envelope signatures.
	PublicKey ed25519.PublicKey
	// AllowedCurrencies the participant may settle in.
	AllowedCurrencies map[money.Currency]bool
	// Limits caps a single settlement's source amount per currency.
	Limits map[money.Currency]decimal.Decimal
	// Blocklist names counterparties this participant refuses funds from.
	Blocklist map[string]bool

	LastHeartbeat time.Time
}

// Registry is the authoritative participant directory.
type Registry struct {
	mu           sync.RWMutex
	participants map[string]*Participant
	offlineAfter time.Duration
	now          func() time.Time
}

// NewRegistry creates a registry. offlineAfter is how long after the
// last heartbeat a participant counts as offline.
func NewRegistry(offlineAfter time.Duration) *Registry {
	if offlineAfter <= 0 {
		offlineAfter = 15 * time.Second
	}
	return &Registry{
		participants: make(map[string]*Participant),
		offlineAfter: offlineAfter,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the wall clock, for tests.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Register adds or replaces a participant. Registration counts as a
// heartbeat.
func (r *Registry) Register(p *Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.Status == "" {
		p.Status = StatusActive
	}
	p.LastHeartbeat = r.now()
	r.participants[p.ID] = p
}

// Get returns a copy of the participant.
func (r *Registry) Get(id string) (*Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[id]
	if !ok {
		return nil, errs.Newf(errs.CodeUnknownParticipant, "participant %s not registered", id)
	}
	c := *p
	return &c, nil
}

// SetStatus changes the administrative status.
func (r *Registry) SetStatus(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[id]
	if !ok {
		return errs.Newf(errs.CodeUnknownParticipant, "participant %s not registered", id)
	}
	p.Status = status
	return nil
}

// Heartbeat records liveness for the participant.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[id]
	if !ok {
		return errs.Newf(errs.CodeUnknownParticipant, "participant %s not registered", id)
	}
	p.LastHeartbeat = r.now()
	return nil
}

// Online reports whether the participant heartbeated recently enough.
func (r *Registry) Online(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[id]
	if !ok {
		return false
	}
	return r.now().Sub(p.LastHeartbeat) <= r.offlineAfter
}

// CheckSubmission validates that from may send amount to the
// recipient to, against status, currency permissions, per-currency
// limits, and the recipient's blocklist.
func (r *Registry) CheckSubmission(from, to string, amount money.Money) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sender, ok := r.participants[from]
	if !ok {
		return errs.Newf(errs.CodeUnknownParticipant, "participant %s not registered", from)
	}
	receiver, ok := r.participants[to]
	if !ok {
		return errs.Newf(errs.CodeUnknownParticipant, "participant %s not registered", to)
	}
	if sender.Status != StatusActive {
		return errs.Newf(errs.CodeUnknownParticipant, "participant %s is %s", from, sender.Status)
	}
	if receiver.Status != StatusActive {
		return errs.Newf(errs.CodeUnknownParticipant, "participant %s is %s", to, receiver.Status)
	}
	if !sender.AllowedCurrencies[amount.Currency] {
		return errs.Newf(errs.CodeCurrencyNotPermitted,
			"participant %s may not settle in %s", from, amount.Currency)
	}
	if limit, ok := sender.Limits[amount.Currency]; ok && amount.Amount.GreaterThan(limit) {
		return errs.Newf(errs.CodeLimitExceeded,
			"amount %s exceeds %s limit %s for %s", amount, amount.Currency, limit, from)
	}
	if receiver.Blocklist[from] {
		return errs.Newf(errs.CodeBlockedCounterparty,
			"participant %s blocks settlements from %s", to, from)
	}
	return nil
}
