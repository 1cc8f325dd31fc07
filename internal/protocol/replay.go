package protocol

import (
	"sync"
	"time"

	"AtomicSettle/internal/errs"
)

// MaxEnvelopeAge bounds how far an envelope's timestamp may drift from
// the receiver's clock, in either direction.
const MaxEnvelopeAge = 5 * time.Minute

// ReplayGuard enforces the per-sender monotonic sequence and the
// envelope freshness window: an envelope whose sequence is not strictly
// greater than the last accepted one from the same sender, or whose
// timestamp falls outside the freshness window, is dropped.
type ReplayGuard struct {
	maxAge time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last map[string]uint64
}

// NewReplayGuard creates an empty guard with the default freshness window.
func NewReplayGuard() *ReplayGuard {
	return &ReplayGuard{
		maxAge: MaxEnvelopeAge,
		now:    func() time.Time { return time.Now().UTC() },
		last:   make(map[string]uint64),
	}
}

// SetClock overrides the guard's clock for tests.
func (g *ReplayGuard) SetClock(now func() time.Time) { g.now = now }

// Admit accepts the envelope if it is fresh and its sequence advances
// the sender's window, recording it. Rejections do not move the window.
func (g *ReplayGuard) Admit(e *Envelope) error {
	if age := g.now().Sub(e.Timestamp); age > g.maxAge || age < -g.maxAge {
		return errs.Newf(errs.CodeInvalidMessage,
			"stale message from %s: timestamp %s outside %s window",
			e.SenderID, e.Timestamp.Format(time.RFC3339), g.maxAge)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	last, seen := g.last[e.SenderID]
	if seen && e.Sequence <= last {
		return errs.Newf(errs.CodeInvalidMessage,
			"replayed message from %s: sequence %d, last %d", e.SenderID, e.Sequence, last)
	}
	g.last[e.SenderID] = e.Sequence
	return nil
}

// Last returns the last accepted sequence for the sender.
func (g *ReplayGuard) Last(sender string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last[sender]
}

// Reset clears the sender's window, used when a participant
// re-registers with a fresh key.
func (g *ReplayGuard) Reset(sender string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.last, sender)
}
