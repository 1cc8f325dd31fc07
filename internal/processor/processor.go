// Package processor drives each settlement through its lifecycle:
// validation, compliance, FX rate locking, the two-phase lock/commit
// protocol, notification, and failover recovery. One task per
// in-flight settlement; every transition is appended to the
// replicated log before the side effect it precedes.
package processor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.uber.org/ratelimit"

	"AtomicSettle/internal/compliance"
	"AtomicSettle/internal/errs"
	"AtomicSettle/internal/fx"
	"AtomicSettle/internal/ledger"
	"AtomicSettle/internal/lock"
	"AtomicSettle/internal/money"
	"AtomicSettle/internal/netting"
	"AtomicSettle/internal/observability"
	"AtomicSettle/internal/participant"
	"AtomicSettle/internal/protocol"
	"AtomicSettle/internal/replog"
	"AtomicSettle/internal/settlement"
)

// Config tunes admission and the per-phase deadlines.
type Config struct {
	// CoordinatorID is this coordinator's participant-facing identity,
	// and the owner of the FX liquidity accounts.
	CoordinatorID string
	// SubmitRatePerSec paces admissions; zero disables pacing.
	SubmitRatePerSec int
	// MaxInFlight bounds concurrent non-terminal settlements; past it
	// submissions are refused with coordinator_busy.
	MaxInFlight int

	ValidationTimeout time.Duration
	LockPhaseTimeout  time.Duration
	CommitTimeout     time.Duration
	AckTimeout        time.Duration
	// NettingWindow is the buffer duration for opted-in settlements.
	NettingWindow time.Duration

	// FxAccountNumber is the account number of the coordinator's
	// per-currency liquidity accounts backing cross-currency commits.
	FxAccountNumber string
}

// DefaultConfig returns production defaults.
func DefaultConfig(coordinatorID string) Config {
	return Config{
		CoordinatorID:     coordinatorID,
		SubmitRatePerSec:  0,
		MaxInFlight:       10_000,
		ValidationTimeout: 500 * time.Millisecond,
		LockPhaseTimeout:  10 * time.Second,
		CommitTimeout:     200 * time.Millisecond,
		AckTimeout:        60 * time.Second,
		NettingWindow:     100 * time.Millisecond,
		FxAccountNumber:   "FX",
	}
}

// Deps wires the processor to the components it orchestrates.
type Deps struct {
	Registry *participant.Registry
	Gateway  *participant.Gateway
	Ledger   *ledger.Engine
	Locks    *lock.Manager
	Fx       *fx.Engine
	Hooks    *compliance.Registry
	Log      replog.Log
	// Metrics may be nil in tests.
	Metrics *observability.Metrics
}

// Processor is the settlement state machine driver.
type Processor struct {
	cfg     Config
	reg     *participant.Registry
	gateway *participant.Gateway
	ledger  *ledger.Engine
	locks   *lock.Manager
	fx      *fx.Engine
	hooks   *compliance.Registry
	replog  replog.Log
	metrics *observability.Metrics
	log     zerolog.Logger
	limiter ratelimit.Limiter
	netting *netting.Engine
	now     func() time.Time

	mu          sync.Mutex
	settlements map[uuid.UUID]*settlement.Settlement
	byKey       map[string]uuid.UUID
	done        map[uuid.UUID]chan struct{}
	// parked maps idempotency keys of settlements waiting in the
	// netting buffer to their ids.
	parked   map[string]uuid.UUID
	inFlight int

	runCtx context.Context
}

// New creates a processor. Run must be started for the netting window
// ticker; everything else works immediately.
func New(cfg Config, deps Deps, log zerolog.Logger) *Processor {
	p := &Processor{
		cfg:         cfg,
		reg:         deps.Registry,
		gateway:     deps.Gateway,
		ledger:      deps.Ledger,
		locks:       deps.Locks,
		fx:          deps.Fx,
		hooks:       deps.Hooks,
		replog:      deps.Log,
		metrics:     deps.Metrics,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
		settlements: make(map[uuid.UUID]*settlement.Settlement),
		byKey:       make(map[string]uuid.UUID),
		done:        make(map[uuid.UUID]chan struct{}),
		parked:      make(map[string]uuid.UUID),
		runCtx:      context.Background(),
	}
	if cfg.SubmitRatePerSec > 0 {
		p.limiter = ratelimit.New(cfg.SubmitRatePerSec)
	} else {
		p.limiter = ratelimit.NewUnlimited()
	}
	p.netting = netting.NewEngine(cfg.NettingWindow, p.onWindowClosed, log)
	return p
}

// Run drives the netting window ticker until the context ends.
func (p *Processor) Run(ctx context.Context) {
	p.mu.Lock()
	p.runCtx = ctx
	p.mu.Unlock()
	p.netting.Run(ctx)
}

func (p *Processor) taskCtx() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runCtx
}

// Submit admits one settlement request and returns the first reply.
// It is idempotent on the idempotency key: a repeat returns the
// existing settlement's current state. Valid settlements continue
// asynchronously; the response reflects the validation outcome.
func (p *Processor) Submit(ctx context.Context, sender string, req protocol.SettleRequest) protocol.SettleResponse {
	p.limiter.Take()

	if req.IdempotencyKey == "" {
		return errorResponse(uuid.Nil, errs.CodeInvalidMessage, "idempotency key is required")
	}

	p.mu.Lock()
	if id, ok := p.byKey[req.IdempotencyKey]; ok {
		s, registered := p.settlements[id]
		if !registered {
			// Another submission holds the key but has not registered
			// its settlement yet.
			p.mu.Unlock()
			p.countDuplicate()
			return inProgressResponse()
		}
		snap := s.Clone()
		p.mu.Unlock()
		p.countDuplicate()
		return duplicateResponse(snap)
	}
	if p.inFlight >= p.cfg.MaxInFlight {
		p.mu.Unlock()
		return errorResponse(uuid.Nil, errs.CodeCoordinatorBusy, "in-flight settlement ceiling reached")
	}
	// Claim the key before releasing the lock so a concurrent repeat of
	// the same request cannot start a second settlement.
	p.byKey[req.IdempotencyKey] = uuid.Nil
	p.mu.Unlock()

	if req.Initiator == "" || req.Initiator != sender {
		p.releaseKey(req.IdempotencyKey)
		return errorResponse(uuid.Nil, errs.CodeInvalidMessage, "initiator does not match authenticated sender")
	}
	legs, err := parseLegs(req.Legs)
	if err != nil {
		p.releaseKey(req.IdempotencyKey)
		return errorResponse(uuid.Nil, errs.CodeOf(err), err.Error())
	}

	s, err := settlement.New(req.IdempotencyKey, req.Initiator, legs)
	if err != nil {
		p.releaseKey(req.IdempotencyKey)
		return errorResponse(uuid.Nil, errs.CodeInternalError, err.Error())
	}
	s.Fx = req.Fx
	s.Compliance = req.Compliance
	s.NettingEligible = req.NettingEligible
	s.Priority = req.Priority

	if err := p.transition(ctx, s, settlement.StatusInitiated); err != nil {
		// Nothing durable exists yet; the caller may safely retry.
		p.releaseKey(req.IdempotencyKey)
		return errorResponse(uuid.Nil, errs.CodeOf(err), err.Error())
	}

	p.mu.Lock()
	p.settlements[s.ID] = s
	p.byKey[s.IdempotencyKey] = s.ID
	p.done[s.ID] = make(chan struct{})
	p.inFlight++
	p.mu.Unlock()
	p.countSubmitted(s.Initiator)

	vstart := p.now()
	vctx, cancel := context.WithTimeout(ctx, p.cfg.ValidationTimeout)
	defer cancel()
	// Validation works on a detached copy; concurrent duplicate
	// submissions snapshot the registered settlement meanwhile.
	work := s.Clone()
	verdict := p.validate(vctx, work)
	p.mu.Lock()
	s.Legs = work.Legs
	s.LockedRate = work.LockedRate
	p.mu.Unlock()
	p.observePhase("validation", vstart)

	switch verdict.kind {
	case verdictReject:
		p.reject(ctx, s, verdict.code, verdict.message)
		return responseFor(s)
	case verdictReview:
		if err := p.transition(ctx, s, settlement.StatusPendingReview); err != nil {
			p.reject(ctx, s, errs.CodeOf(err), err.Error())
			return responseFor(s)
		}
		resp := responseFor(s)
		resp.ErrorCode = errs.CodeComplianceReviewRequired
		resp.ErrorMessage = verdict.message
		return resp
	}

	if err := p.transition(ctx, s, settlement.StatusValidated); err != nil {
		p.reject(ctx, s, errs.CodeOf(err), err.Error())
		return responseFor(s)
	}
	resp := responseFor(s)
	p.dispatch(s)
	return resp
}

// releaseKey frees an idempotency key claimed by a submission that
// failed before registering its settlement. Only the placeholder is
// removed; a registered settlement keeps its key.
func (p *Processor) releaseKey(key string) {
	p.mu.Lock()
	if id, ok := p.byKey[key]; ok && id == uuid.Nil {
		delete(p.byKey, key)
	}
	p.mu.Unlock()
}

// CloseNettingWindow force-closes the open netting window, flushing
// buffered settlements immediately. Used by administrative drains.
func (p *Processor) CloseNettingWindow() {
	p.netting.CloseWindow()
}

// dispatch routes a validated settlement into the netting buffer or
// straight to its pipeline task.
func (p *Processor) dispatch(s *settlement.Settlement) {
	if s.NettingEligible && len(s.Legs) == 1 && !s.Legs[0].CrossCurrency() {
		leg := s.Legs[0]
		p.mu.Lock()
		p.parked[s.IdempotencyKey] = s.ID
		p.mu.Unlock()
		p.netting.Add(netting.Input{
			IdempotencyKey: s.IdempotencyKey,
			From:           leg.Source.Participant,
			To:             leg.Destination.Participant,
			Amount:         leg.SourceAmount,
			FromAccount:    leg.Source.String(),
			ToAccount:      leg.Destination.String(),
		})
		return
	}
	go p.drive(s)
}

// ResolveReview applies a manual compliance decision to a settlement
// parked in pending_review.
func (p *Processor) ResolveReview(ctx context.Context, id uuid.UUID, approve bool, reason string) error {
	p.mu.Lock()
	s, ok := p.settlements[id]
	p.mu.Unlock()
	if !ok {
		return errs.Newf(errs.CodeInvalidMessage, "settlement %s not found", id)
	}
	if s.Status != settlement.StatusPendingReview {
		return errs.Newf(errs.CodeInvalidMessage, "settlement %s is %s, not pending review", id, s.Status)
	}

	if !approve {
		p.reject(ctx, s, errs.CodeComplianceRejected, reason)
		return nil
	}

	// A review verdict at PRE_VALIDATE parked the settlement before
	// conversion; resolve rates now so the pipeline sees final legs.
	vctx, cancel := context.WithTimeout(ctx, p.cfg.ValidationTimeout)
	defer cancel()
	work := s.Clone()
	if v := p.resolveFx(vctx, work); v.kind != verdictOK {
		p.reject(ctx, s, v.code, v.message)
		return nil
	}
	p.mu.Lock()
	s.Legs = work.Legs
	s.LockedRate = work.LockedRate
	p.mu.Unlock()

	if err := p.transition(ctx, s, settlement.StatusValidated); err != nil {
		return err
	}
	p.dispatch(s)
	return nil
}

// Get returns a copy of the settlement.
func (p *Processor) Get(id uuid.UUID) (*settlement.Settlement, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.settlements[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// Await blocks until the settlement reaches a terminal state or the
// context ends, returning the final snapshot.
func (p *Processor) Await(ctx context.Context, id uuid.UUID) (*settlement.Settlement, error) {
	p.mu.Lock()
	ch, ok := p.done[id]
	p.mu.Unlock()
	if !ok {
		return nil, errs.Newf(errs.CodeInvalidMessage, "settlement %s not found", id)
	}
	select {
	case <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s, _ := p.Get(id)
	return s, nil
}

// ==== validation ====

type verdictKind int

const (
	verdictOK verdictKind = iota
	verdictReject
	verdictReview
)

type verdict struct {
	kind    verdictKind
	code    errs.Code
	message string
}

func rejectVerdict(code errs.Code, msg string) verdict {
	return verdict{kind: verdictReject, code: code, message: msg}
}

// validate runs the full validation stage: participant checks, hooks,
// FX rate locking and conversion, and the available-funds precheck.
// It mutates the settlement's legs (converted amounts) and locked rate.
func (p *Processor) validate(ctx context.Context, s *settlement.Settlement) verdict {
	for _, leg := range s.Legs {
		if err := p.reg.CheckSubmission(leg.Source.Participant, leg.Destination.Participant, leg.SourceAmount); err != nil {
			return rejectVerdict(errs.CodeOf(err), err.Error())
		}
	}

	if d := p.hooks.Evaluate(ctx, compliance.PreValidate, s); d.Outcome == compliance.Reject {
		return rejectVerdict(errs.CodeComplianceRejected, d.Reason)
	} else if d.Outcome == compliance.Review {
		return verdict{kind: verdictReview, message: d.Reason}
	}

	if v := p.resolveFx(ctx, s); v.kind != verdictOK {
		return v
	}

	for _, leg := range s.Legs {
		bal, err := p.ledger.BalanceOf(leg.Source)
		if err != nil {
			return rejectVerdict(errs.CodeOf(err), err.Error())
		}
		if bal.Available.LessThan(leg.SourceAmount.Amount) {
			return rejectVerdict(errs.CodeInsufficientFunds,
				"account "+leg.Source.String()+": available "+bal.Available.String())
		}
	}

	if d := p.hooks.Evaluate(ctx, compliance.PostValidate, s); d.Outcome == compliance.Reject {
		return rejectVerdict(errs.CodeComplianceRejected, d.Reason)
	} else if d.Outcome == compliance.Review {
		return verdict{kind: verdictReview, message: d.Reason}
	}
	return verdict{kind: verdictOK}
}

// resolveFx handles cross-currency legs: rate locking, conversion for
// AT_COORDINATOR, tolerance validation for AT_SOURCE. Same-currency
// legs get converted_amount = source_amount.
func (p *Processor) resolveFx(ctx context.Context, s *settlement.Settlement) verdict {
	var rateLock *fx.RateLock
	for i := range s.Legs {
		leg := &s.Legs[i]
		if !leg.CrossCurrency() {
			leg.ConvertedAmount = leg.SourceAmount
			continue
		}

		fxi := leg.Fx
		if fxi == nil {
			fxi = s.Fx
		}
		if fxi == nil {
			return rejectVerdict(errs.CodeInvalidMessage,
				"cross-currency leg without fx instruction")
		}
		if fxi.Mode == settlement.FxAtDestination {
			return rejectVerdict(errs.CodeCurrencyNotPermitted,
				"AT_DESTINATION conversion is not supported for cross-currency legs")
		}

		pair := fxi.Pair
		if pair == (money.Pair{}) {
			var err error
			pair, err = money.NewPair(leg.Source.Currency, leg.Destination.Currency)
			if err != nil {
				return rejectVerdict(errs.CodeInvalidMessage, err.Error())
			}
		}
		if !pairCovers(pair, leg.Source.Currency, leg.Destination.Currency) {
			return rejectVerdict(errs.CodeInvalidMessage,
				"fx pair "+pair.String()+" does not cover the leg's currencies")
		}

		if rateLock == nil || rateLock.Pair != pair {
			rl, err := p.fx.LockRate(ctx, pair)
			if err != nil {
				return rejectVerdict(errs.CodeOf(err), err.Error())
			}
			rateLock = rl
			s.LockedRate = &settlement.RateLockRef{
				ID:         rl.ID,
				Pair:       rl.Pair,
				Mid:        rl.Mid.String(),
				ValidUntil: rl.ValidUntil,
				Digest:     rl.Digest,
			}
		}

		switch fxi.Mode {
		case settlement.FxAtCoordinator:
			converted, err := p.fx.Convert(rateLock, leg.SourceAmount, leg.Destination.Currency)
			if err != nil {
				return rejectVerdict(errs.CodeOf(err), err.Error())
			}
			leg.ConvertedAmount = converted
		case settlement.FxAtSource:
			if !leg.ConvertedAmount.IsPositive() {
				return rejectVerdict(errs.CodeMalformedAmount,
					"AT_SOURCE leg must carry the sender's converted amount")
			}
			if leg.ConvertedAmount.Currency != leg.Destination.Currency {
				return rejectVerdict(errs.CodeMalformedAmount,
					"converted amount currency does not match destination account")
			}
			provided, err := providedRate(fxi, *leg)
			if err != nil {
				return rejectVerdict(errs.CodeMalformedAmount, err.Error())
			}
			// Provided rates are destination units per source unit;
			// flip when the lock pair is quoted the other way.
			if rateLock.Pair.Quote == leg.Source.Currency {
				provided = invertRate(provided)
			}
			if err := p.fx.ValidateProvided(rateLock, provided, fxi.MaxSpreadBps); err != nil {
				return rejectVerdict(errs.CodeOf(err), err.Error())
			}
		default:
			return rejectVerdict(errs.CodeInvalidMessage,
				"unknown fx mode "+string(fxi.Mode))
		}
	}
	return verdict{kind: verdictOK}
}

// providedRate extracts the sender's rate for AT_SOURCE validation:
// explicit when given, otherwise implied by the leg's amounts.
func providedRate(fxi *settlement.FxInstruction, leg settlement.Leg) (decimal.Decimal, error) {
	if fxi.ProvidedRate != "" {
		return decimal.NewFromString(fxi.ProvidedRate)
	}
	if leg.SourceAmount.IsZero() {
		return decimal.Decimal{}, errs.New(errs.CodeMalformedAmount, "zero source amount")
	}
	return leg.ConvertedAmount.Amount.DivRound(leg.SourceAmount.Amount, money.MaxFractionDigits), nil
}

func invertRate(r decimal.Decimal) decimal.Decimal {
	if r.IsZero() {
		return r
	}
	return decimal.NewFromInt(1).DivRound(r, money.MaxFractionDigits)
}

func pairCovers(pair money.Pair, a, b money.Currency) bool {
	return (pair.Base == a && pair.Quote == b) || (pair.Base == b && pair.Quote == a)
}

// ==== wire mapping ====

func parseLegs(specs []protocol.LegSpec) ([]settlement.Leg, error) {
	if len(specs) == 0 {
		return nil, errs.New(errs.CodeInvalidMessage, "settlement has no legs")
	}
	legs := make([]settlement.Leg, 0, len(specs))
	for i, ls := range specs {
		src, err := settlement.ParseAccountID(ls.Source)
		if err != nil {
			return nil, errs.Wrap(errs.CodeInvalidMessage, "source account", err)
		}
		dst, err := settlement.ParseAccountID(ls.Destination)
		if err != nil {
			return nil, errs.Wrap(errs.CodeInvalidMessage, "destination account", err)
		}
		if !ls.SourceAmount.IsPositive() {
			return nil, errs.Newf(errs.CodeMalformedAmount, "leg %d amount must be positive", ls.Number)
		}
		if ls.SourceAmount.Currency != src.Currency {
			return nil, errs.Newf(errs.CodeMalformedAmount,
				"leg %d amount currency %s does not match source account", ls.Number, ls.SourceAmount.Currency)
		}
		number := ls.Number
		if number == 0 {
			number = i + 1
		}
		legs = append(legs, settlement.Leg{
			Number:          number,
			Source:          src,
			Destination:     dst,
			SourceAmount:    ls.SourceAmount,
			ConvertedAmount: ls.ConvertedAmount,
		})
	}
	return legs, nil
}

func legSpecs(s *settlement.Settlement) []protocol.LegSpec {
	out := make([]protocol.LegSpec, 0, len(s.Legs))
	for _, l := range s.Legs {
		out = append(out, protocol.LegSpec{
			Number:          l.Number,
			Source:          l.Source.String(),
			Destination:     l.Destination.String(),
			SourceAmount:    l.SourceAmount,
			ConvertedAmount: l.ConvertedAmount,
		})
	}
	return out
}

func responseFor(s *settlement.Settlement) protocol.SettleResponse {
	resp := protocol.SettleResponse{
		SettlementID: s.ID,
		Status:       s.Status,
		Legs:         legSpecs(s),
	}
	if s.Failure != nil {
		resp.ErrorCode = s.Failure.Code
		resp.ErrorMessage = s.Failure.Message
		resp.Retryable = s.Failure.Code.Retryable()
	}
	return resp
}

func duplicateResponse(s *settlement.Settlement) protocol.SettleResponse {
	resp := responseFor(s)
	resp.Duplicate = true
	return resp
}

// inProgressResponse answers a repeat that raced the original before
// its settlement was registered. The caller polls or retries to learn
// the outcome.
func inProgressResponse() protocol.SettleResponse {
	return protocol.SettleResponse{
		Status:       settlement.StatusReceived,
		Duplicate:    true,
		ErrorCode:    errs.CodeDuplicateRequest,
		ErrorMessage: "settlement submission in progress",
		Retryable:    true,
	}
}

func errorResponse(id uuid.UUID, code errs.Code, msg string) protocol.SettleResponse {
	return protocol.SettleResponse{
		SettlementID: id,
		Status:       settlement.StatusRejected,
		ErrorCode:    code,
		ErrorMessage: msg,
		Retryable:    code.Retryable(),
	}
}

// ==== metrics guards ====

func (p *Processor) countSubmitted(initiator string) {
	if p.metrics != nil {
		p.metrics.SettlementsSubmitted.WithLabelValues(initiator).Inc()
		p.metrics.SettlementsInFlight.Inc()
	}
}

func (p *Processor) countDuplicate() {
	if p.metrics != nil {
		p.metrics.DuplicateSubmissions.Inc()
	}
}

func (p *Processor) countTerminal(s *settlement.Settlement) {
	if p.metrics == nil {
		return
	}
	code := ""
	if s.Failure != nil {
		code = string(s.Failure.Code)
	}
	p.metrics.SettlementsTerminal.WithLabelValues(string(s.Status), code).Inc()
	p.metrics.SettlementsInFlight.Dec()
}

func (p *Processor) observePhase(phase string, since time.Time) {
	if p.metrics != nil {
		p.metrics.PhaseDuration.WithLabelValues(phase).Observe(p.now().Sub(since).Seconds())
	}
}
