// Package lock manages fund reservations on ledger accounts. The
// manager serializes competing acquisitions per account through an
// admission queue, tracks the lock lifecycle, and reclaims expired
// locks with a 1 Hz sweeper.
package lock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"AtomicSettle/internal/errs"
	"AtomicSettle/internal/money"
	"AtomicSettle/internal/settlement"
)

// Reserver is the ledger surface the manager needs: atomic
// reservation and release of funds.
type Reserver interface {
	Reserve(account settlement.AccountID, amount money.Money) (int64, error)
	Release(account settlement.AccountID, amount money.Money) error
}

// Request asks for a reservation on one account for one leg.
type Request struct {
	SettlementID uuid.UUID
	LegNumber    int
	Account      settlement.AccountID
	Amount       money.Money
	Priority     settlement.Priority
	// Internal locks reserve coordinator liquidity; they activate
	// immediately without participant confirmation.
	Internal bool
}

// Claim is a validated lock handed to the ledger commit.
type Claim struct {
	LockID         uuid.UUID
	LegNumber      int
	Account        settlement.AccountID
	Amount         money.Money
	BalanceVersion int64
}

// Config tunes lock lifetimes and the sweeper.
type Config struct {
	// HoldDuration is the initial lock lifetime.
	HoldDuration time.Duration
	// MaxHold bounds expires_at - acquired_at after an extension.
	MaxHold time.Duration
	// SweepInterval is the sweeper cadence.
	SweepInterval time.Duration
	// ClockSkew is tolerated before treating a lock as expired.
	ClockSkew time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HoldDuration:  30 * time.Second,
		MaxHold:       60 * time.Second,
		SweepInterval: time.Second,
		ClockSkew:     100 * time.Millisecond,
	}
}

type waiter struct {
	priority settlement.Priority
	seq      int64
	ready    chan struct{}
	admitted bool
}

type accountQueue struct {
	busy    bool
	waiters []*waiter
}

// Manager owns all lock records and the per-account admission queues.
type Manager struct {
	cfg    Config
	ledger Reserver
	log    zerolog.Logger
	now    func() time.Time

	// onChange observes every lock status change, for the replicated
	// log and persistence. Called while the manager lock is held.
	onChange func(Change)

	mu           sync.Mutex
	locks        map[uuid.UUID]*Lock
	bySettlement map[uuid.UUID][]uuid.UUID
	queues       map[string]*accountQueue
	arrivals     int64
}

// NewManager creates a lock manager over the given ledger.
func NewManager(cfg Config, ledger Reserver, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		ledger:       ledger,
		log:          log,
		now:          func() time.Time { return time.Now().UTC() },
		locks:        make(map[uuid.UUID]*Lock),
		bySettlement: make(map[uuid.UUID][]uuid.UUID),
		queues:       make(map[string]*accountQueue),
	}
}

// SetClock overrides the wall clock, for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// OnChange registers the status-change observer.
func (m *Manager) OnChange(fn func(Change)) { m.onChange = fn }

// Restore loads lock records materialized from the replicated log into
// an empty manager during recovery. The ledger reservations behind
// pending and active locks are already present in the warmed ledger,
// so no reservations are taken here, and nothing is emitted to the
// observer. Terminal locks are kept for release accounting.
func (m *Manager) Restore(locks []Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.locks) > 0 {
		return errs.New(errs.CodeInternalError, "restore into non-empty lock manager")
	}
	ordered := make([]Lock, len(locks))
	copy(ordered, locks)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.LegNumber != b.LegNumber {
			return a.LegNumber < b.LegNumber
		}
		return a.ID.String() < b.ID.String()
	})
	for i := range ordered {
		l := ordered[i]
		m.locks[l.ID] = &l
		m.bySettlement[l.SettlementID] = append(m.bySettlement[l.SettlementID], l.ID)
	}
	return nil
}

// Acquire admits the request against the account's queue, takes the
// ledger reservation, and records a lock. Admission order under
// contention is priority descending then arrival ascending. The
// context bounds the wait; expiry surfaces as lock_timeout.
func (m *Manager) Acquire(ctx context.Context, req Request) (*Lock, error) {
	if !req.Amount.IsPositive() {
		return nil, errs.Newf(errs.CodeMalformedAmount, "lock amount %s must be positive", req.Amount)
	}
	key := req.Account.String()

	m.mu.Lock()
	m.arrivals++
	w := &waiter{priority: req.Priority, seq: m.arrivals, ready: make(chan struct{})}
	q := m.queue(key)
	q.waiters = append(q.waiters, w)
	m.pump(key)
	m.mu.Unlock()

	select {
	case <-w.ready:
	case <-ctx.Done():
		m.mu.Lock()
		if !w.admitted {
			m.dropWaiter(key, w)
			m.mu.Unlock()
			return nil, errs.Newf(errs.CodeLockTimeout,
				"lock admission for %s timed out", req.Account)
		}
		// Admitted while the deadline fired: give the slot back.
		m.finish(key)
		m.mu.Unlock()
		return nil, errs.Newf(errs.CodeLockTimeout,
			"lock admission for %s timed out", req.Account)
	}

	version, err := m.ledger.Reserve(req.Account, req.Amount)

	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.finish(key)

	now := m.now()
	l := &Lock{
		ID:             uuid.New(),
		SettlementID:   req.SettlementID,
		LegNumber:      req.LegNumber,
		Account:        req.Account,
		Amount:         req.Amount,
		Priority:       req.Priority,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.cfg.HoldDuration),
		Internal:       req.Internal,
		BalanceVersion: version,
	}
	if err != nil {
		l.Status = StatusFailed
		m.store(l)
		return nil, err
	}

	if req.Internal {
		l.Status = StatusActive
		at := now
		l.AcquiredAt = &at
	} else {
		l.Status = StatusPending
	}
	m.store(l)
	return m.copyOf(l), nil
}

// Confirm records the participant's confirmation, moving the lock
// from pending to active.
func (m *Manager) Confirm(lockID uuid.UUID, signature []byte) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[lockID]
	if !ok {
		return nil, errs.Newf(errs.CodeLockConflict, "lock %s not found", lockID)
	}
	if l.Status != StatusPending {
		return nil, errs.Newf(errs.CodeLockConflict,
			"lock %s is %s, cannot confirm", lockID, l.Status)
	}
	at := m.now()
	l.Status = StatusActive
	l.AcquiredAt = &at
	l.ConfirmationSig = signature
	m.emit(l)
	return m.copyOf(l), nil
}

// Fail marks a pending lock failed and returns its reservation. Used
// when the participant declines or never answers.
func (m *Manager) Fail(lockID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[lockID]
	if !ok {
		return errs.Newf(errs.CodeLockConflict, "lock %s not found", lockID)
	}
	if l.Status != StatusPending {
		return errs.Newf(errs.CodeLockConflict, "lock %s is %s, cannot fail", lockID, l.Status)
	}
	if err := m.ledger.Release(l.Account, l.Amount); err != nil {
		return err
	}
	l.Status = StatusFailed
	m.emit(l)
	return nil
}

// Extend pushes an active lock's expiry out. Allowed once per lock,
// and the total hold from acquisition may not exceed MaxHold.
func (m *Manager) Extend(lockID uuid.UUID, newExpiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[lockID]
	if !ok {
		return errs.Newf(errs.CodeLockConflict, "lock %s not found", lockID)
	}
	if l.Status != StatusActive {
		return errs.Newf(errs.CodeLockConflict, "lock %s is %s, cannot extend", lockID, l.Status)
	}
	if l.Extended {
		return errs.Newf(errs.CodeLockConflict, "lock %s already extended", lockID)
	}
	anchor := l.CreatedAt
	if l.AcquiredAt != nil {
		anchor = *l.AcquiredAt
	}
	if newExpiry.Sub(anchor) > m.cfg.MaxHold {
		return errs.Newf(errs.CodeLockConflict,
			"extension past %s from acquisition not allowed", m.cfg.MaxHold)
	}
	if !newExpiry.After(l.ExpiresAt) {
		return errs.Newf(errs.CodeLockConflict, "new expiry must be after current expiry")
	}
	l.ExpiresAt = newExpiry
	l.Extended = true
	m.emit(l)
	return nil
}

// ReleaseSettlement releases every pending or active lock of the
// settlement and restores the reservations.
func (m *Manager) ReleaseSettlement(settlementID uuid.UUID, reason ReleaseReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, id := range m.bySettlement[settlementID] {
		l := m.locks[id]
		if l.Status != StatusPending && l.Status != StatusActive {
			continue
		}
		if err := m.ledger.Release(l.Account, l.Amount); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			m.log.Error().Err(err).Str("lock_id", l.ID.String()).Msg("release reservation failed")
			continue
		}
		l.Status = StatusReleased
		l.ReleaseCause = reason
		l.committing = false
		m.emit(l)
	}
	return firstErr
}

// BeginCommit validates that every lock of the settlement is active
// and unexpired, pins them against the sweeper, and returns the
// claims for the ledger commit. Fails with commit_lock_invalid if any
// lock cannot back the commit.
func (m *Manager) BeginCommit(settlementID uuid.UUID) ([]Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.bySettlement[settlementID]
	if len(ids) == 0 {
		return nil, errs.Newf(errs.CodeCommitLockInvalid, "no locks for settlement %s", settlementID)
	}
	now := m.now()
	claims := make([]Claim, 0, len(ids))
	for _, id := range ids {
		l := m.locks[id]
		if l.Status != StatusActive {
			return nil, errs.Newf(errs.CodeCommitLockInvalid,
				"lock %s is %s at commit", l.ID, l.Status)
		}
		if m.expired(l, now) {
			return nil, errs.Newf(errs.CodeCommitLockInvalid,
				"lock %s expired at %s", l.ID, l.ExpiresAt.Format(time.RFC3339))
		}
		claims = append(claims, Claim{
			LockID:         l.ID,
			LegNumber:      l.LegNumber,
			Account:        l.Account,
			Amount:         l.Amount,
			BalanceVersion: l.BalanceVersion,
		})
	}
	for _, id := range ids {
		m.locks[id].committing = true
	}
	sort.Slice(claims, func(i, j int) bool { return claims[i].LegNumber < claims[j].LegNumber })
	return claims, nil
}

// CompleteCommit marks the settlement's locks consumed after the
// ledger commit applied. The reservations were drained by the debit
// entries, so nothing is released here. Active locks are consumed
// whether or not they carry the in-memory commit pin: a recovered
// coordinator completing a commit found in the journal holds restored
// locks that were never pinned in this process.
func (m *Manager) CompleteCommit(settlementID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.bySettlement[settlementID] {
		l := m.locks[id]
		if l.Status != StatusActive {
			continue
		}
		l.Status = StatusConsumed
		l.ReleaseCause = ReasonSettlementComplete
		l.committing = false
		m.emit(l)
	}
}

// AbortCommit unpins the settlement's locks after a failed commit
// attempt, leaving them active for a retry or release.
func (m *Manager) AbortCommit(settlementID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.bySettlement[settlementID] {
		m.locks[id].committing = false
	}
}

// Get returns a copy of the lock.
func (m *Manager) Get(lockID uuid.UUID) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[lockID]
	if !ok {
		return nil, errs.Newf(errs.CodeLockConflict, "lock %s not found", lockID)
	}
	return m.copyOf(l), nil
}

// ForSettlement returns copies of the settlement's locks in creation
// order.
func (m *Manager) ForSettlement(settlementID uuid.UUID) []*Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.bySettlement[settlementID]
	out := make([]*Lock, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.copyOf(m.locks[id]))
	}
	return out
}

// Run drives the expiry sweeper until the context ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.SweepExpired(); n > 0 {
				m.log.Info().Int("expired", n).Msg("lock sweep reclaimed reservations")
			}
		}
	}
}

// SweepExpired reclaims every pending or active lock past its expiry,
// skipping locks pinned by an in-flight commit. Returns the count.
func (m *Manager) SweepExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	expired := 0
	for _, l := range m.locks {
		if l.Status != StatusPending && l.Status != StatusActive {
			continue
		}
		if l.committing || !m.expired(l, now) {
			continue
		}
		if err := m.ledger.Release(l.Account, l.Amount); err != nil {
			m.log.Error().Err(err).Str("lock_id", l.ID.String()).Msg("sweep release failed")
			continue
		}
		l.Status = StatusExpired
		l.ReleaseCause = ReasonLockExpired
		l.committing = false
		m.emit(l)
		expired++
	}
	return expired
}

// expired applies the clock-skew tolerance: a lock is expired only
// when now is past expires_at by more than the allowed skew.
func (m *Manager) expired(l *Lock, now time.Time) bool {
	return now.Sub(l.ExpiresAt) > m.cfg.ClockSkew
}

func (m *Manager) queue(key string) *accountQueue {
	q, ok := m.queues[key]
	if !ok {
		q = &accountQueue{}
		m.queues[key] = q
	}
	return q
}

// pump admits the best waiter when the account slot is free. Caller
// holds m.mu.
func (m *Manager) pump(key string) {
	q := m.queues[key]
	if q == nil || q.busy || len(q.waiters) == 0 {
		return
	}
	best := 0
	for i, w := range q.waiters {
		b := q.waiters[best]
		if w.priority > b.priority || (w.priority == b.priority && w.seq < b.seq) {
			best = i
		}
	}
	w := q.waiters[best]
	q.waiters = append(q.waiters[:best], q.waiters[best+1:]...)
	q.busy = true
	w.admitted = true
	close(w.ready)
}

// finish frees the account slot and admits the next waiter. Caller
// holds m.mu.
func (m *Manager) finish(key string) {
	if q := m.queues[key]; q != nil {
		q.busy = false
		m.pump(key)
	}
}

// dropWaiter removes a waiter that gave up before admission. Caller
// holds m.mu.
func (m *Manager) dropWaiter(key string, w *waiter) {
	q := m.queues[key]
	if q == nil {
		return
	}
	for i, cand := range q.waiters {
		if cand == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

func (m *Manager) store(l *Lock) {
	m.locks[l.ID] = l
	m.bySettlement[l.SettlementID] = append(m.bySettlement[l.SettlementID], l.ID)
	m.emit(l)
}

func (m *Manager) emit(l *Lock) {
	if m.onChange != nil {
		m.onChange(Change{Lock: *l, At: m.now()})
	}
}

func (m *Manager) copyOf(l *Lock) *Lock {
	c := *l
	return &c
}
