package processor

import (
	"context"

	"AtomicSettle/internal/compliance"
	"AtomicSettle/internal/errs"
	"AtomicSettle/internal/ledger"
	"AtomicSettle/internal/lock"
	"AtomicSettle/internal/money"
	"AtomicSettle/internal/protocol"
	"AtomicSettle/internal/replog"
	"AtomicSettle/internal/settlement"
)

// transition moves the settlement forward and appends the change to
// the replicated log. The in-memory move happens under the processor
// lock so snapshots taken by Get never observe a half-applied state.
func (p *Processor) transition(ctx context.Context, s *settlement.Settlement, next settlement.Status) error {
	p.mu.Lock()
	from := s.Status
	if err := s.TransitionTo(next); err != nil {
		p.mu.Unlock()
		return errs.Wrap(errs.CodeInternalError, "settlement transition", err)
	}
	snap := s.Clone()
	p.mu.Unlock()

	if err := replog.AppendTransition(ctx, p.replog, from, next, snap); err != nil {
		return errs.Wrap(errs.CodeLogReplicationFailed, "append settlement transition", err)
	}
	if p.metrics != nil {
		p.metrics.LogAppends.Inc()
	}
	return nil
}

// drive runs a validated settlement to a terminal state.
func (p *Processor) drive(s *settlement.Settlement) {
	ctx := p.taskCtx()
	if err := p.lockPhase(ctx, s); err != nil {
		p.fail(ctx, s, err)
		return
	}
	if err := p.commitPhase(ctx, s); err != nil {
		p.fail(ctx, s, err)
		return
	}
	p.notifyPhase(ctx, s)
}

// lockPhase acquires every leg's reservation in deterministic order
// and collects participant confirmations, all under the global
// lock-phase deadline. Cross-currency legs additionally reserve the
// coordinator's quote-side liquidity with an internal lock.
func (p *Processor) lockPhase(ctx context.Context, s *settlement.Settlement) error {
	start := p.now()
	if err := p.transition(ctx, s, settlement.StatusLocking); err != nil {
		return err
	}
	lctx, cancel := context.WithTimeout(ctx, p.cfg.LockPhaseTimeout)
	defer cancel()

	for _, leg := range lock.PlanOrder(s.Legs) {
		l, err := p.locks.Acquire(lctx, lock.Request{
			SettlementID: s.ID,
			LegNumber:    leg.Number,
			Account:      leg.Source,
			Amount:       leg.SourceAmount,
			Priority:     s.Priority,
		})
		if err != nil {
			return err
		}

		resp, err := p.gateway.RequestLock(lctx, leg.Source.Participant, protocol.LockRequest{
			LockID:       l.ID,
			SettlementID: s.ID,
			Account:      leg.Source,
			Amount:       leg.SourceAmount,
			ExpiresAt:    l.ExpiresAt,
			Priority:     s.Priority,
		})
		if err != nil {
			_ = p.locks.Fail(l.ID)
			return err
		}
		if resp.Result != protocol.LockAcquired {
			_ = p.locks.Fail(l.ID)
			code := resp.FailureCode
			if code == "" {
				code = errs.CodeLockConflict
			}
			return errs.Newf(code, "participant %s declined lock on %s",
				leg.Source.Participant, leg.Source)
		}
		if _, err := p.locks.Confirm(l.ID, resp.ParticipantSignature); err != nil {
			return err
		}
		if p.metrics != nil {
			p.metrics.LocksAcquired.Inc()
		}

		if leg.CrossCurrency() {
			_, err := p.locks.Acquire(lctx, lock.Request{
				SettlementID: s.ID,
				LegNumber:    leg.Number,
				Account:      p.fxAccount(leg.Destination.Currency),
				Amount:       leg.ConvertedAmount,
				Priority:     s.Priority,
				Internal:     true,
			})
			if err != nil {
				return err
			}
		}
	}

	if err := p.transition(ctx, s, settlement.StatusLocked); err != nil {
		return err
	}
	p.observePhase("locking", start)
	return nil
}

// commitPhase runs the pre-commit gates, transitions to committing,
// and applies the ledger commit.
func (p *Processor) commitPhase(ctx context.Context, s *settlement.Settlement) error {
	if d := p.hooks.Evaluate(ctx, compliance.PreLock, s); d.Outcome == compliance.Reject {
		return errs.Newf(errs.CodeComplianceRejected, "pre-lock hook %s: %s", d.Hook, d.Reason)
	} else if d.Outcome == compliance.Review {
		return errs.Newf(errs.CodeComplianceReviewRequired, "pre-lock hook %s: %s", d.Hook, d.Reason)
	}

	if s.LockedRate != nil {
		if _, err := p.fx.Lookup(s.LockedRate.ID); err != nil {
			return err
		}
	}

	if err := p.transition(ctx, s, settlement.StatusCommitting); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, p.cfg.CommitTimeout)
	defer cancel()
	return p.commitLedger(cctx, s)
}

// commitLedger validates the locks, applies the journal entries
// atomically, and records the committed transition. The ledger commit
// and the committed transition together are what recovery consults:
// journal entries present means the commit happened.
func (p *Processor) commitLedger(ctx context.Context, s *settlement.Settlement) error {
	start := p.now()
	claims, err := p.locks.BeginCommit(s.ID)
	if err != nil {
		return err
	}
	claimed := make(map[string]bool, len(claims))
	for _, c := range claims {
		claimed[c.Account.String()] = true
	}
	for _, leg := range s.Legs {
		if !claimed[leg.Source.String()] {
			p.locks.AbortCommit(s.ID)
			return errs.Newf(errs.CodeCommitLockInvalid,
				"no active lock backs account %s", leg.Source)
		}
	}

	inputs := p.entryInputs(s)
	var entries []ledger.Entry
	for attempt := 0; attempt < 3; attempt++ {
		// Each attempt pins the current balance versions so a write that
		// lands between the reads and the commit is detected and retried.
		for i := range inputs {
			b, berr := p.ledger.BalanceOf(inputs[i].Account)
			if berr != nil {
				p.locks.AbortCommit(s.ID)
				return berr
			}
			inputs[i].ExpectedVersion = b.Version
		}
		entries, err = p.ledger.CommitSettlement(s.ID, inputs)
		if err == nil || !errs.HasCode(err, errs.CodeCommitLedgerConflict) {
			break
		}
		if p.metrics != nil {
			p.metrics.CommitConflicts.Inc()
		}
	}
	if err != nil {
		p.locks.AbortCommit(s.ID)
		return err
	}
	p.locks.CompleteCommit(s.ID)

	if p.metrics != nil {
		p.metrics.JournalEntries.Add(float64(len(entries)))
		p.metrics.LedgerSequence.Set(float64(entries[len(entries)-1].Sequence))
	}

	if terr := p.transition(ctx, s, settlement.StatusCommitted); terr != nil {
		// The ledger mutation is already durable; recovery reconciles
		// committing-with-journal-entries as committed.
		p.log.Error().Err(terr).
			Str("settlement_id", s.ID.String()).
			Msg("committed transition append failed after ledger apply")
	}
	p.observePhase("commit", start)

	p.hooks.Evaluate(ctx, compliance.PostCommit, s)
	return nil
}

// entryInputs builds the journal entries for the settlement. Same
// currency legs are a debit/credit pair. Cross-currency legs route
// through the coordinator's liquidity accounts so each currency's
// debits and credits balance independently.
func (p *Processor) entryInputs(s *settlement.Settlement) []ledger.EntryInput {
	inputs := make([]ledger.EntryInput, 0, len(s.Legs)*2)
	for _, leg := range s.Legs {
		inputs = append(inputs, ledger.EntryInput{
			LegNumber: leg.Number, Account: leg.Source,
			Kind: ledger.EntryDebit, Amount: leg.SourceAmount,
		})
		if !leg.CrossCurrency() {
			inputs = append(inputs, ledger.EntryInput{
				LegNumber: leg.Number, Account: leg.Destination,
				Kind: ledger.EntryCredit, Amount: leg.SourceAmount,
			})
			continue
		}
		inputs = append(inputs,
			ledger.EntryInput{
				LegNumber: leg.Number, Account: p.fxAccount(leg.Source.Currency),
				Kind: ledger.EntryCredit, Amount: leg.SourceAmount,
			},
			ledger.EntryInput{
				LegNumber: leg.Number, Account: p.fxAccount(leg.Destination.Currency),
				Kind: ledger.EntryDebit, Amount: leg.ConvertedAmount,
			},
			ledger.EntryInput{
				LegNumber: leg.Number, Account: leg.Destination,
				Kind: ledger.EntryCredit, Amount: leg.ConvertedAmount,
			})
	}
	return inputs
}

func (p *Processor) fxAccount(c money.Currency) settlement.AccountID {
	return settlement.AccountID{
		Participant: p.cfg.CoordinatorID,
		Number:      p.cfg.FxAccountNumber,
		Currency:    c,
	}
}

// notifyPhase reports the committed settlement to every involved
// participant and collects acknowledgments. Finality does not depend
// on acks: the settlement settles when all acks arrive or the ack
// deadline elapses, and unacked notifications stay queued for
// redelivery.
func (p *Processor) notifyPhase(ctx context.Context, s *settlement.Settlement) {
	start := p.now()
	parts := s.Participants()
	committedAt := p.now()
	if s.CommittedAt != nil {
		committedAt = *s.CommittedAt
	}
	notif := protocol.SettlementNotification{
		SettlementID: s.ID,
		Status:       s.Status,
		Legs:         legSpecs(s),
		CommittedAt:  committedAt,
	}

	actx, cancel := context.WithTimeout(ctx, p.cfg.AckTimeout)
	defer cancel()
	wait := p.gateway.WatchAcks(s.ID, parts)
	for _, pid := range parts {
		p.gateway.Notify(actx, pid, notif)
	}
	acked := wait(actx)
	if len(acked) < len(parts) {
		if p.metrics != nil {
			p.metrics.AcksMissing.Inc()
		}
		p.log.Warn().
			Str("settlement_id", s.ID.String()).
			Int("acked", len(acked)).
			Int("expected", len(parts)).
			Msg("settlement finalized with missing acknowledgments")
	}

	if err := p.transition(ctx, s, settlement.StatusSettled); err != nil {
		p.log.Error().Err(err).Str("settlement_id", s.ID.String()).Msg("settled transition append failed")
	}
	p.observePhase("settlement", start)
	p.hooks.Evaluate(ctx, compliance.PostSettle, s)
	p.finish(s)
}

// fail terminates a settlement from the locking, locked, or committing
// states: release reservations, inform participants, record the
// failure.
func (p *Processor) fail(ctx context.Context, s *settlement.Settlement, cause error) {
	code := errs.CodeOf(cause)
	if rerr := p.locks.ReleaseSettlement(s.ID, lock.ReasonSettlementFailed); rerr != nil {
		p.log.Error().Err(rerr).Str("settlement_id", s.ID.String()).Msg("release locks on failure")
	}
	for _, l := range p.locks.ForSettlement(s.ID) {
		if l.Status == lock.StatusReleased && !l.Internal {
			p.gateway.SendRelease(ctx, l.Account.Participant, protocol.LockRelease{
				LockID: l.ID,
				Reason: string(l.ReleaseCause),
			})
		}
	}

	p.mu.Lock()
	from := s.Status
	ferr := s.Fail(code, cause.Error(), 0)
	snap := s.Clone()
	p.mu.Unlock()
	if ferr != nil {
		p.log.Error().Err(ferr).
			Str("settlement_id", s.ID.String()).
			Str("status", string(from)).
			Msg("failure transition not legal from current state")
		p.finish(s)
		return
	}
	if aerr := replog.AppendTransition(ctx, p.replog, from, settlement.StatusFailed, snap); aerr != nil {
		p.log.Error().Err(aerr).Str("settlement_id", s.ID.String()).Msg("append failure transition")
	}
	for _, pid := range s.Participants() {
		p.gateway.SendAbort(ctx, pid, protocol.SettleAbort{
			SettlementID: s.ID,
			Code:         code,
			Message:      cause.Error(),
		})
	}
	p.log.Warn().
		Str("settlement_id", s.ID.String()).
		Str("code", string(code)).
		Str("from", string(from)).
		Msg("settlement failed")
	p.finish(s)
}

// reject terminates a settlement at validation or out of review.
func (p *Processor) reject(ctx context.Context, s *settlement.Settlement, code errs.Code, msg string) {
	p.mu.Lock()
	from := s.Status
	rerr := s.Reject(code, msg)
	snap := s.Clone()
	p.mu.Unlock()
	if rerr != nil {
		p.log.Error().Err(rerr).
			Str("settlement_id", s.ID.String()).
			Msg("reject transition not legal from current state")
		p.finish(s)
		return
	}
	if aerr := replog.AppendTransition(ctx, p.replog, from, settlement.StatusRejected, snap); aerr != nil {
		p.log.Error().Err(aerr).Str("settlement_id", s.ID.String()).Msg("append rejection transition")
	}
	p.finish(s)
}

// finish closes the settlement's done channel exactly once and
// releases its in-flight slot.
func (p *Processor) finish(s *settlement.Settlement) {
	p.mu.Lock()
	ch, ok := p.done[s.ID]
	closed := false
	if ok {
		select {
		case <-ch:
			closed = true
		default:
			close(ch)
		}
	}
	if !closed {
		p.inFlight--
	}
	p.mu.Unlock()
	if !closed {
		p.countTerminal(s)
	}
}
