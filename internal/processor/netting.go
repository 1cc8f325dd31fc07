package processor

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"AtomicSettle/internal/errs"
	"AtomicSettle/internal/netting"
	"AtomicSettle/internal/protocol"
	"AtomicSettle/internal/settlement"
)

// onWindowClosed receives a closed netting window. Every gross
// settlement in the window is replaced: pairs that netted to zero
// settle immediately with no transfer, and each surviving net flow
// becomes a derived settlement whose outcome resolves its sources.
func (p *Processor) onWindowClosed(windowID string, inputs []netting.Input, flows []netting.NetFlow) {
	ctx := p.taskCtx()

	consumed := make(map[string]uuid.UUID, len(inputs))
	p.mu.Lock()
	for _, in := range inputs {
		if id, ok := p.parked[in.IdempotencyKey]; ok {
			consumed[in.IdempotencyKey] = id
			delete(p.parked, in.IdempotencyKey)
		}
	}
	p.mu.Unlock()

	netted := make(map[string]bool)
	for _, f := range flows {
		for _, src := range f.Sources {
			netted[src] = true
		}
	}
	for key, id := range consumed {
		if !netted[key] {
			p.resolveNetted(ctx, []uuid.UUID{id},
				fmt.Sprintf("net:%s:offset", windowID), nil)
		}
	}

	if p.metrics != nil && len(inputs) > 0 {
		p.metrics.NettingWindowGross.Observe(float64(len(inputs)))
		p.metrics.NettingWindowNet.Observe(float64(len(flows)))
	}

	for _, f := range flows {
		sources := make([]uuid.UUID, 0, len(f.Sources))
		for _, key := range f.Sources {
			if id, ok := consumed[key]; ok {
				sources = append(sources, id)
			}
		}
		go p.executeNetFlow(ctx, f, sources)
	}
}

// executeNetFlow submits the derived net settlement and propagates its
// terminal outcome to the gross settlements it replaced. The derived
// idempotency key makes re-emission of the same window harmless.
func (p *Processor) executeNetFlow(ctx context.Context, f netting.NetFlow, sources []uuid.UUID) {
	netKey := f.IdempotencyKey()
	req := protocol.SettleRequest{
		IdempotencyKey: netKey,
		Initiator:      f.From,
		Legs: []protocol.LegSpec{{
			Number:       1,
			Source:       f.FromAccount,
			Destination:  f.ToAccount,
			SourceAmount: f.Amount,
		}},
		Priority: settlement.PrioritySystem,
	}

	resp := p.Submit(ctx, f.From, req)
	if resp.Status.Terminal() && resp.Status != settlement.StatusSettled {
		code := resp.ErrorCode
		if code == "" {
			code = errs.CodeInternalError
		}
		p.resolveNetted(ctx, sources, netKey, errs.New(code, resp.ErrorMessage))
		return
	}

	final, err := p.Await(ctx, resp.SettlementID)
	if err != nil {
		p.resolveNetted(ctx, sources, netKey,
			errs.Wrap(errs.CodeInternalError, "net settlement interrupted", err))
		return
	}
	if final.Status == settlement.StatusSettled {
		p.resolveNetted(ctx, sources, netKey, nil)
		return
	}
	cause := errs.New(errs.CodeInternalError, "net settlement did not settle")
	if final.Failure != nil {
		cause = errs.New(final.Failure.Code, final.Failure.Message)
	}
	p.resolveNetted(ctx, sources, netKey, cause)
}

// resolveNetted finishes replaced gross settlements with the net
// outcome. The net settlement carried the value, so a successful net
// advances the sources to settled with no ledger effect of their own;
// a failed net fails them with the same cause.
func (p *Processor) resolveNetted(ctx context.Context, sources []uuid.UUID, nettedInto string, cause error) {
	for _, id := range sources {
		p.mu.Lock()
		s, ok := p.settlements[id]
		if ok {
			s.NettedInto = nettedInto
		}
		p.mu.Unlock()
		if !ok {
			continue
		}

		if cause != nil {
			if err := p.transition(ctx, s, settlement.StatusLocking); err != nil {
				p.log.Error().Err(err).Str("settlement_id", id.String()).Msg("netted settlement failure path")
			}
			p.fail(ctx, s, cause)
			continue
		}

		for _, next := range []settlement.Status{
			settlement.StatusLocking,
			settlement.StatusLocked,
			settlement.StatusCommitting,
			settlement.StatusCommitted,
			settlement.StatusSettled,
		} {
			if err := p.transition(ctx, s, next); err != nil {
				p.log.Error().Err(err).
					Str("settlement_id", id.String()).
					Str("next", string(next)).
					Msg("netted settlement resolution halted")
				break
			}
		}
		p.finish(s)
	}
}
