package processor

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"AtomicSettle/internal/errs"
	"AtomicSettle/internal/lock"
	"AtomicSettle/internal/replog"
	"AtomicSettle/internal/settlement"
)

// RecoverAll rebuilds every settlement from the replicated log and
// resumes or terminates the non-terminal ones. Run once on leader
// promotion, before the gateway accepts traffic.
func (p *Processor) RecoverAll(ctx context.Context) error {
	records, err := p.replog.ReadAll(ctx)
	if err != nil {
		return errs.Wrap(errs.CodeLogReplicationFailed, "read replicated log", err)
	}
	if err := replog.VerifyChain(records); err != nil {
		return err
	}
	snapshots, lockStates, err := replog.Materialize(records)
	if err != nil {
		return err
	}

	// The warmed ledger already carries the reservations behind pending
	// and active locks. Without the lock records the commit phase finds
	// no claims and the reservations are stranded.
	if len(lockStates) > 0 {
		restored := make([]lock.Lock, 0, len(lockStates))
		for _, l := range lockStates {
			restored = append(restored, l)
		}
		if err := p.locks.Restore(restored); err != nil {
			return err
		}
	}

	ids := make([]uuid.UUID, 0, len(snapshots))
	for id := range snapshots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := snapshots[ids[i]], snapshots[ids[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})

	recovered := 0
	for _, id := range ids {
		s := snapshots[id]
		p.mu.Lock()
		if _, exists := p.settlements[id]; exists {
			p.mu.Unlock()
			continue
		}
		p.settlements[id] = s
		p.byKey[s.IdempotencyKey] = id
		ch := make(chan struct{})
		p.done[id] = ch
		if s.Status.Terminal() {
			close(ch)
		} else {
			p.inFlight++
		}
		p.mu.Unlock()

		if s.Status.Terminal() {
			continue
		}
		recovered++
		p.resume(ctx, s)
	}
	p.log.Info().
		Int("records", len(records)).
		Int("settlements", len(snapshots)).
		Int("resumed", recovered).
		Msg("recovery complete")
	return nil
}

// resume applies the recovery action for one in-flight settlement
// based on the last durably recorded state.
func (p *Processor) resume(ctx context.Context, s *settlement.Settlement) {
	p.log.Info().
		Str("settlement_id", s.ID.String()).
		Str("status", string(s.Status)).
		Msg("resuming settlement")

	switch s.Status {
	case settlement.StatusInitiated:
		if p.now().Sub(s.CreatedAt) > p.cfg.ValidationTimeout {
			p.reject(ctx, s, errs.CodeInternalError,
				"validation interrupted by coordinator failover")
			return
		}
		go p.resumeValidation(ctx, s)

	case settlement.StatusPendingReview:
		// Awaits an external decision through ResolveReview.

	case settlement.StatusValidated:
		p.dispatch(s)

	case settlement.StatusLocking:
		// Participant lock state cannot be trusted across a failover
		// mid-acquisition: treat unconfirmed locks as failed, release
		// everything, and let the caller resubmit.
		go p.fail(ctx, s, errs.New(errs.CodeLockTimeout,
			"lock phase interrupted by coordinator failover"))

	case settlement.StatusLocked:
		go func() {
			if err := p.commitPhase(ctx, s); err != nil {
				p.fail(ctx, s, err)
				return
			}
			p.notifyPhase(ctx, s)
		}()

	case settlement.StatusCommitting:
		go p.resumeCommitting(ctx, s)

	case settlement.StatusCommitted:
		go p.notifyPhase(ctx, s)
	}
}

func (p *Processor) resumeValidation(ctx context.Context, s *settlement.Settlement) {
	vctx, cancel := context.WithTimeout(ctx, p.cfg.ValidationTimeout)
	defer cancel()

	work := s.Clone()
	verdict := p.validate(vctx, work)
	p.mu.Lock()
	s.Legs = work.Legs
	s.LockedRate = work.LockedRate
	p.mu.Unlock()

	switch verdict.kind {
	case verdictReject:
		p.reject(ctx, s, verdict.code, verdict.message)
	case verdictReview:
		if err := p.transition(ctx, s, settlement.StatusPendingReview); err != nil {
			p.reject(ctx, s, errs.CodeOf(err), err.Error())
		}
	default:
		if err := p.transition(ctx, s, settlement.StatusValidated); err != nil {
			p.reject(ctx, s, errs.CodeOf(err), err.Error())
			return
		}
		p.dispatch(s)
	}
}

// resumeCommitting decides whether the interrupted commit happened by
// consulting the journal: entries for the settlement mean the ledger
// transaction is durable, so only notification remains. Otherwise the
// commit is retried once against re-validated locks.
func (p *Processor) resumeCommitting(ctx context.Context, s *settlement.Settlement) {
	if len(p.ledger.EntriesForSettlement(s.ID)) > 0 {
		p.locks.CompleteCommit(s.ID)
		if err := p.transition(ctx, s, settlement.StatusCommitted); err != nil {
			p.log.Error().Err(err).
				Str("settlement_id", s.ID.String()).
				Msg("committed transition append during recovery")
		}
		p.notifyPhase(ctx, s)
		return
	}

	p.locks.AbortCommit(s.ID)
	if err := p.commitLedger(ctx, s); err != nil {
		p.fail(ctx, s, err)
		return
	}
	p.notifyPhase(ctx, s)
}
