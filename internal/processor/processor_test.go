package processor_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AtomicSettle/internal/compliance"
	"AtomicSettle/internal/errs"
	"AtomicSettle/internal/fx"
	"AtomicSettle/internal/ledger"
	"AtomicSettle/internal/lock"
	"AtomicSettle/internal/money"
	"AtomicSettle/internal/participant"
	"AtomicSettle/internal/processor"
	"AtomicSettle/internal/protocol"
	"AtomicSettle/internal/replog"
	"AtomicSettle/internal/settlement"
	"AtomicSettle/internal/testutil"
)

const coordID = "COORD"

type harness struct {
	t     *testing.T
	net   *testutil.Network
	reg   *participant.Registry
	gw    *participant.Gateway
	led   *ledger.Engine
	locks *lock.Manager
	fxe   *fx.Engine
	srcs  []*fx.StaticSource
	hooks *compliance.Registry
	rlog  *replog.MemoryLog
	proc  *processor.Processor
	sims  map[string]*testutil.SimParticipant
}

func newHarness(t *testing.T, tweak func(*processor.Config)) *harness {
	t.Helper()
	cfg := processor.DefaultConfig(coordID)
	cfg.ValidationTimeout = time.Second
	cfg.LockPhaseTimeout = 2 * time.Second
	cfg.AckTimeout = 2 * time.Second
	if tweak != nil {
		tweak(&cfg)
	}

	h := &harness{
		t:    t,
		net:  testutil.NewNetwork(),
		reg:  participant.NewRegistry(time.Hour),
		led:  ledger.NewEngine(),
		rlog: replog.NewMemoryLog(),
		sims: make(map[string]*testutil.SimParticipant),
	}
	h.locks = lock.NewManager(lock.DefaultConfig(), h.led, zerolog.Nop())
	h.locks.OnChange(func(c lock.Change) {
		_ = replog.AppendLockChange(context.Background(), h.rlog, c)
	})

	h.srcs = []*fx.StaticSource{
		fx.NewStaticSource("alpha"),
		fx.NewStaticSource("beta"),
		fx.NewStaticSource("gamma"),
	}
	sources := make([]fx.Source, len(h.srcs))
	for i, s := range h.srcs {
		sources[i] = s
	}
	h.fxe = fx.NewEngine(fx.DefaultConfig(), sources, nil, zerolog.Nop())

	h.hooks = compliance.NewRegistry(200*time.Millisecond, zerolog.Nop())
	h.gw = participant.NewGateway(participant.DefaultGatewayConfig(coordID), h.net, h.reg, nil, zerolog.Nop())
	h.proc = processor.New(cfg, processor.Deps{
		Registry: h.reg,
		Gateway:  h.gw,
		Ledger:   h.led,
		Locks:    h.locks,
		Fx:       h.fxe,
		Hooks:    h.hooks,
		Log:      h.rlog,
	}, zerolog.Nop())
	h.gw.OnSettleRequest(func(sender string, req protocol.SettleRequest) protocol.SettleResponse {
		return h.proc.Submit(context.Background(), sender, req)
	})
	return h
}

func (h *harness) addSim(id string) *testutil.SimParticipant {
	h.t.Helper()
	sim := testutil.NewSimParticipant(h.t, id)
	sim.Connect(h.net, func(env *protocol.Envelope) {
		_ = h.gw.HandleInbound(context.Background(), env)
	})
	h.reg.Register(&participant.Participant{
		ID:        id,
		PublicKey: sim.PubKey,
		AllowedCurrencies: map[money.Currency]bool{
			money.USD: true,
			money.EUR: true,
		},
	})
	h.sims[id] = sim
	return sim
}

func (h *harness) open(accountID, amount string) settlement.AccountID {
	h.t.Helper()
	acc, err := settlement.ParseAccountID(accountID)
	require.NoError(h.t, err)
	require.NoError(h.t, h.led.OpenAccount(acc, decimal.RequireFromString(amount)))
	return acc
}

func (h *harness) setRate(pair money.Pair, mid string) {
	for _, s := range h.srcs {
		s.Set(pair, decimal.RequireFromString(mid))
	}
}

func (h *harness) submit(req protocol.SettleRequest) protocol.SettleResponse {
	return h.proc.Submit(context.Background(), req.Initiator, req)
}

func (h *harness) await(id uuid.UUID) *settlement.Settlement {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := h.proc.Await(ctx, id)
	require.NoError(h.t, err)
	return s
}

func (h *harness) available(acc settlement.AccountID) decimal.Decimal {
	h.t.Helper()
	b, err := h.led.BalanceOf(acc)
	require.NoError(h.t, err)
	return b.Available
}

func (h *harness) total(acc settlement.AccountID) decimal.Decimal {
	h.t.Helper()
	b, err := h.led.BalanceOf(acc)
	require.NoError(h.t, err)
	return b.Available.Add(b.Locked)
}

func transfer(key, from, source, dest, amount string, cur money.Currency) protocol.SettleRequest {
	return protocol.SettleRequest{
		IdempotencyKey: key,
		Initiator:      from,
		Legs: []protocol.LegSpec{{
			Number:       1,
			Source:       source,
			Destination:  dest,
			SourceAmount: money.MustParse(amount, cur),
		}},
	}
}

// assertForwardOnly checks every logged transition against the
// lifecycle graph.
func assertForwardOnly(t *testing.T, records []replog.Record) {
	t.Helper()
	for _, r := range records {
		if r.Kind != replog.KindSettlementTransition {
			continue
		}
		var tr replog.Transition
		require.NoError(t, json.Unmarshal(r.Payload, &tr))
		assert.True(t, tr.From.CanTransitionTo(tr.To),
			"illegal transition %s -> %s at sequence %d", tr.From, tr.To, r.Sequence)
	}
}

func TestSameCurrencySettlement(t *testing.T) {
	h := newHarness(t, nil)
	h.addSim("BANK_A")
	h.addSim("BANK_B")
	a := h.open("BANK_A:1:USD", "1000")
	b := h.open("BANK_B:1:USD", "0")

	resp := h.submit(transfer("k1", "BANK_A", "BANK_A:1:USD", "BANK_B:1:USD", "100.00", money.USD))
	require.Empty(t, resp.ErrorCode, "submit failed: %s", resp.ErrorMessage)
	require.Equal(t, settlement.StatusValidated, resp.Status)

	final := h.await(resp.SettlementID)
	require.Equal(t, settlement.StatusSettled, final.Status)
	require.NotNil(t, final.CommittedAt)
	require.NotNil(t, final.SettledAt)

	assert.True(t, h.available(a).Equal(decimal.NewFromInt(900)), "A available = %s", h.available(a))
	assert.True(t, h.available(b).Equal(decimal.NewFromInt(100)), "B available = %s", h.available(b))

	entries := h.led.EntriesForSettlement(resp.SettlementID)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.EntryDebit, entries[0].Kind)
	assert.Equal(t, a, entries[0].Account)
	assert.Equal(t, ledger.EntryCredit, entries[1].Kind)
	assert.Equal(t, b, entries[1].Account)

	records, err := h.rlog.ReadAll(context.Background())
	require.NoError(t, err)
	require.NoError(t, replog.VerifyChain(records))
	assertForwardOnly(t, records)
}

func TestInsufficientFundsRejectedAtValidation(t *testing.T) {
	h := newHarness(t, nil)
	h.addSim("BANK_A")
	h.addSim("BANK_B")
	a := h.open("BANK_A:1:USD", "50")
	h.open("BANK_B:1:USD", "0")

	resp := h.submit(transfer("k1", "BANK_A", "BANK_A:1:USD", "BANK_B:1:USD", "100.00", money.USD))
	require.Equal(t, settlement.StatusRejected, resp.Status)
	assert.Equal(t, errs.CodeInsufficientFunds, resp.ErrorCode)
	assert.Contains(t, resp.ErrorMessage, "available 50")
	assert.False(t, resp.Retryable)

	assert.True(t, h.available(a).Equal(decimal.NewFromInt(50)))
	assert.Empty(t, h.led.EntriesForSettlement(resp.SettlementID))
}

func TestValidationErrorCodes(t *testing.T) {
	h := newHarness(t, nil)
	h.addSim("BANK_A")
	h.addSim("BANK_B")
	h.open("BANK_A:1:USD", "1000")
	h.open("BANK_B:1:USD", "0")

	cases := []struct {
		name string
		req  protocol.SettleRequest
		code errs.Code
	}{
		{
			name: "unknown participant",
			req:  transfer("v1", "BANK_A", "BANK_A:1:USD", "BANK_X:1:USD", "10.00", money.USD),
			code: errs.CodeUnknownParticipant,
		},
		{
			name: "currency not permitted",
			req:  transfer("v2", "BANK_A", "BANK_A:1:GBP", "BANK_B:1:GBP", "10.00", money.GBP),
			code: errs.CodeCurrencyNotPermitted,
		},
		{
			name: "malformed amount",
			req: protocol.SettleRequest{
				IdempotencyKey: "v3",
				Initiator:      "BANK_A",
				Legs: []protocol.LegSpec{{
					Number:       1,
					Source:       "BANK_A:1:USD",
					Destination:  "BANK_B:1:USD",
					SourceAmount: money.MustParse("-5.00", money.USD),
				}},
			},
			code: errs.CodeMalformedAmount,
		},
		{
			name: "no legs",
			req:  protocol.SettleRequest{IdempotencyKey: "v4", Initiator: "BANK_A"},
			code: errs.CodeInvalidMessage,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := h.submit(tc.req)
			assert.Equal(t, tc.code, resp.ErrorCode)
			assert.Equal(t, settlement.StatusRejected, resp.Status)
		})
	}
}

func TestLimitAndBlocklistEnforced(t *testing.T) {
	h := newHarness(t, nil)
	simA := h.addSim("BANK_A")
	h.addSim("BANK_B")
	h.open("BANK_A:1:USD", "100000")
	h.open("BANK_B:1:USD", "0")

	h.reg.Register(&participant.Participant{
		ID:                "BANK_A",
		PublicKey:         simA.PubKey,
		AllowedCurrencies: map[money.Currency]bool{money.USD: true},
		Limits:            map[money.Currency]decimal.Decimal{money.USD: decimal.NewFromInt(500)},
	})
	resp := h.submit(transfer("k1", "BANK_A", "BANK_A:1:USD", "BANK_B:1:USD", "600.00", money.USD))
	assert.Equal(t, errs.CodeLimitExceeded, resp.ErrorCode)

	simB := h.sims["BANK_B"]
	h.reg.Register(&participant.Participant{
		ID:                "BANK_B",
		PublicKey:         simB.PubKey,
		AllowedCurrencies: map[money.Currency]bool{money.USD: true},
		Blocklist:         map[string]bool{"BANK_A": true},
	})
	resp = h.submit(transfer("k2", "BANK_A", "BANK_A:1:USD", "BANK_B:1:USD", "100.00", money.USD))
	assert.Equal(t, errs.CodeBlockedCounterparty, resp.ErrorCode)
}

func TestCrossCurrencyAtCoordinator(t *testing.T) {
	h := newHarness(t, nil)
	h.addSim("BANK_A")
	h.addSim("BANK_B")
	a := h.open("BANK_A:1:USD", "1000")
	b := h.open("BANK_B:1:EUR", "0")
	fxUSD := h.open(coordID+":FX:USD", "0")
	fxEUR := h.open(coordID+":FX:EUR", "10000")

	pair := money.Pair{Base: money.USD, Quote: money.EUR}
	h.setRate(pair, "0.92")

	req := transfer("x1", "BANK_A", "BANK_A:1:USD", "BANK_B:1:EUR", "100.00", money.USD)
	req.Fx = &settlement.FxInstruction{Mode: settlement.FxAtCoordinator, Pair: pair}

	resp := h.submit(req)
	require.Empty(t, resp.ErrorCode, "submit failed: %s", resp.ErrorMessage)
	final := h.await(resp.SettlementID)
	require.Equal(t, settlement.StatusSettled, final.Status)

	require.NotNil(t, final.LockedRate)
	assert.Equal(t, "0.92", final.LockedRate.Mid)
	assert.NotEmpty(t, final.LockedRate.Digest)
	assert.True(t, final.Legs[0].ConvertedAmount.Equal(money.MustParse("92.00", money.EUR)),
		"converted = %s", final.Legs[0].ConvertedAmount)

	assert.True(t, h.available(a).Equal(decimal.NewFromInt(900)))
	assert.True(t, h.available(b).Equal(decimal.NewFromInt(92)))
	assert.True(t, h.available(fxUSD).Equal(decimal.NewFromInt(100)))
	assert.True(t, h.available(fxEUR).Equal(decimal.RequireFromString("9908")))

	// Per currency, debits equal credits.
	entries := h.led.EntriesForSettlement(resp.SettlementID)
	require.Len(t, entries, 4)
	net := map[money.Currency]decimal.Decimal{}
	for _, e := range entries {
		if e.Kind == ledger.EntryDebit {
			net[e.Amount.Currency] = net[e.Amount.Currency].Add(e.Amount.Amount)
		} else {
			net[e.Amount.Currency] = net[e.Amount.Currency].Sub(e.Amount.Amount)
		}
	}
	for cur, n := range net {
		assert.True(t, n.IsZero(), "%s off by %s", cur, n)
	}
}

func TestAtSourceTolerance(t *testing.T) {
	h := newHarness(t, nil)
	h.addSim("BANK_A")
	h.addSim("BANK_B")
	h.open("BANK_A:1:USD", "1000")
	h.open("BANK_B:1:EUR", "0")
	h.open(coordID+":FX:USD", "0")
	h.open(coordID+":FX:EUR", "10000")

	pair := money.Pair{Base: money.USD, Quote: money.EUR}
	h.setRate(pair, "0.92")

	atSource := func(key, converted string, maxSpreadBps int64) protocol.SettleRequest {
		req := transfer(key, "BANK_A", "BANK_A:1:USD", "BANK_B:1:EUR", "100.00", money.USD)
		req.Fx = &settlement.FxInstruction{Mode: settlement.FxAtSource, Pair: pair, MaxSpreadBps: maxSpreadBps}
		req.Legs[0].ConvertedAmount = money.MustParse(converted, money.EUR)
		return req
	}

	// 92.10 on 100 implies 0.921, about 11 bps off the mid: inside the
	// default 50 bps band.
	resp := h.submit(atSource("s1", "92.10", 0))
	require.Empty(t, resp.ErrorCode, "submit failed: %s", resp.ErrorMessage)
	final := h.await(resp.SettlementID)
	assert.Equal(t, settlement.StatusSettled, final.Status)
	assert.True(t, final.Legs[0].ConvertedAmount.Equal(money.MustParse("92.10", money.EUR)))

	// 95.00 implies 0.95, far outside tolerance.
	resp = h.submit(atSource("s2", "95.00", 0))
	assert.Equal(t, errs.CodeFxToleranceViolated, resp.ErrorCode)

	// The sender may tighten the band below the engine default.
	resp = h.submit(atSource("s3", "92.10", 5))
	assert.Equal(t, errs.CodeFxToleranceViolated, resp.ErrorCode)
}

func TestParticipantDeclinesLock(t *testing.T) {
	h := newHarness(t, nil)
	simA := h.addSim("BANK_A")
	h.addSim("BANK_B")
	a := h.open("BANK_A:1:USD", "1000")
	h.open("BANK_B:1:USD", "0")

	simA.DeclineLocks.Store(true)
	resp := h.submit(transfer("k1", "BANK_A", "BANK_A:1:USD", "BANK_B:1:USD", "100.00", money.USD))
	require.Equal(t, settlement.StatusValidated, resp.Status)

	final := h.await(resp.SettlementID)
	require.Equal(t, settlement.StatusFailed, final.Status)
	require.NotNil(t, final.Failure)
	assert.Equal(t, errs.CodeAccountBlocked, final.Failure.Code)

	// The reservation was returned in full.
	assert.True(t, h.available(a).Equal(decimal.NewFromInt(1000)))
	assert.True(t, h.total(a).Equal(decimal.NewFromInt(1000)))
	assert.Empty(t, h.led.EntriesForSettlement(resp.SettlementID))
}

func TestLockRequestTimeout(t *testing.T) {
	h := newHarness(t, func(cfg *processor.Config) {
		cfg.LockPhaseTimeout = 300 * time.Millisecond
	})
	simA := h.addSim("BANK_A")
	h.addSim("BANK_B")
	a := h.open("BANK_A:1:USD", "1000")
	h.open("BANK_B:1:USD", "0")

	simA.MuteLocks.Store(true)
	resp := h.submit(transfer("k1", "BANK_A", "BANK_A:1:USD", "BANK_B:1:USD", "100.00", money.USD))
	require.Equal(t, settlement.StatusValidated, resp.Status)

	final := h.await(resp.SettlementID)
	require.Equal(t, settlement.StatusFailed, final.Status)
	require.NotNil(t, final.Failure)
	assert.Equal(t, errs.CodeLockTimeout, final.Failure.Code)
	assert.True(t, final.Failure.Code.Retryable())

	assert.True(t, h.available(a).Equal(decimal.NewFromInt(1000)))
	assert.True(t, h.total(a).Equal(decimal.NewFromInt(1000)))
	assert.Empty(t, h.led.EntriesForSettlement(resp.SettlementID))
}

func TestIdempotentResubmission(t *testing.T) {
	h := newHarness(t, nil)
	h.addSim("BANK_A")
	h.addSim("BANK_B")
	h.open("BANK_A:1:USD", "1000")
	h.open("BANK_B:1:USD", "0")

	req := transfer("same-key", "BANK_A", "BANK_A:1:USD", "BANK_B:1:USD", "100.00", money.USD)
	first := h.submit(req)
	require.Empty(t, first.ErrorCode)

	second := h.submit(req)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.SettlementID, second.SettlementID)

	final := h.await(first.SettlementID)
	require.Equal(t, settlement.StatusSettled, final.Status)

	third := h.submit(req)
	assert.True(t, third.Duplicate)
	assert.Equal(t, first.SettlementID, third.SettlementID)
	assert.Equal(t, settlement.StatusSettled, third.Status)

	// One journal side effect total.
	assert.Len(t, h.led.EntriesForSettlement(first.SettlementID), 2)
	assert.Len(t, h.led.Entries(), 2)
}

func TestConcurrentDuplicateSubmissionsCommitOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.addSim("BANK_A")
	h.addSim("BANK_B")
	a := h.open("BANK_A:1:USD", "1000")
	b := h.open("BANK_B:1:USD", "0")

	entered := make(chan struct{})
	var once sync.Once
	h.hooks.Register(compliance.PreValidate, compliance.HookFunc{
		HookName: "slow-screening",
		Fn: func(_ context.Context, _ *settlement.Settlement, _ compliance.HookPoint) compliance.Decision {
			once.Do(func() { close(entered) })
			time.Sleep(150 * time.Millisecond)
			return compliance.Decision{Outcome: compliance.Approve}
		},
	})

	req := transfer("race-key", "BANK_A", "BANK_A:1:USD", "BANK_B:1:USD", "100.00", money.USD)
	firstCh := make(chan protocol.SettleResponse, 1)
	go func() { firstCh <- h.submit(req) }()

	// The repeat lands while the original is still validating.
	<-entered
	second := h.submit(req)
	assert.True(t, second.Duplicate)

	first := <-firstCh
	require.Empty(t, first.ErrorCode, "%s", first.ErrorMessage)
	assert.Equal(t, first.SettlementID, second.SettlementID)

	final := h.await(first.SettlementID)
	require.Equal(t, settlement.StatusSettled, final.Status)

	// One settlement, one journal side effect.
	assert.Len(t, h.led.Entries(), 2)
	assert.True(t, h.available(a).Equal(decimal.NewFromInt(900)))
	assert.True(t, h.available(b).Equal(decimal.NewFromInt(100)))
}

func TestConcurrentCommitsOnSharedAccount(t *testing.T) {
	h := newHarness(t, nil)
	h.addSim("BANK_A")
	h.addSim("BANK_B")
	a := h.open("BANK_A:1:USD", "1000")
	b := h.open("BANK_B:1:USD", "0")

	var wg sync.WaitGroup
	resps := make([]protocol.SettleResponse, 3)
	for i := range resps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resps[i] = h.submit(transfer(
				fmt.Sprintf("shared-%d", i), "BANK_A",
				"BANK_A:1:USD", "BANK_B:1:USD", "100.00", money.USD))
		}(i)
	}
	wg.Wait()

	// Interleaved commits on the same accounts must all land: a commit
	// that loses the version race retries with fresh versions.
	for _, resp := range resps {
		require.Empty(t, resp.ErrorCode, "%s", resp.ErrorMessage)
		final := h.await(resp.SettlementID)
		require.Equal(t, settlement.StatusSettled, final.Status)
	}
	assert.Len(t, h.led.Entries(), 6)
	assert.True(t, h.available(a).Equal(decimal.NewFromInt(700)))
	assert.True(t, h.available(b).Equal(decimal.NewFromInt(300)))
}

func TestComplianceRejectAtPreValidate(t *testing.T) {
	h := newHarness(t, nil)
	h.addSim("BANK_A")
	h.addSim("BANK_B")
	h.open("BANK_A:1:USD", "1000")
	h.open("BANK_B:1:USD", "0")

	h.hooks.Register(compliance.PreValidate, compliance.HookFunc{
		HookName: "sanctions",
		Fn: func(_ context.Context, s *settlement.Settlement, _ compliance.HookPoint) compliance.Decision {
			if s.Compliance.Purpose == "SUSP" {
				return compliance.Decision{Outcome: compliance.Reject, Reason: "sanctions match"}
			}
			return compliance.Decision{Outcome: compliance.Approve}
		},
	})

	req := transfer("k1", "BANK_A", "BANK_A:1:USD", "BANK_B:1:USD", "100.00", money.USD)
	req.Compliance = settlement.ComplianceInfo{Purpose: "SUSP"}
	resp := h.submit(req)
	assert.Equal(t, settlement.StatusRejected, resp.Status)
	assert.Equal(t, errs.CodeComplianceRejected, resp.ErrorCode)
	assert.Contains(t, resp.ErrorMessage, "sanctions match")
}

func TestComplianceReviewAndResolution(t *testing.T) {
	h := newHarness(t, nil)
	h.addSim("BANK_A")
	h.addSim("BANK_B")
	a := h.open("BANK_A:1:USD", "1000")
	b := h.open("BANK_B:1:USD", "0")

	h.hooks.Register(compliance.PostValidate, compliance.HookFunc{
		HookName: "threshold",
		Fn: func(_ context.Context, s *settlement.Settlement, _ compliance.HookPoint) compliance.Decision {
			if s.Legs[0].SourceAmount.Amount.GreaterThan(decimal.NewFromInt(500)) {
				return compliance.Decision{Outcome: compliance.Review, Reason: "manual check above 500"}
			}
			return compliance.Decision{Outcome: compliance.Approve}
		},
	})

	resp := h.submit(transfer("k1", "BANK_A", "BANK_A:1:USD", "BANK_B:1:USD", "600.00", money.USD))
	require.Equal(t, settlement.StatusPendingReview, resp.Status)
	assert.Equal(t, errs.CodeComplianceReviewRequired, resp.ErrorCode)

	require.NoError(t, h.proc.ResolveReview(context.Background(), resp.SettlementID, true, "reviewed"))
	final := h.await(resp.SettlementID)
	require.Equal(t, settlement.StatusSettled, final.Status)
	assert.True(t, h.available(a).Equal(decimal.NewFromInt(400)))
	assert.True(t, h.available(b).Equal(decimal.NewFromInt(600)))

	// Rejection out of review is terminal with the reviewer's reason.
	resp = h.submit(transfer("k2", "BANK_A", "BANK_A:1:USD", "BANK_B:1:USD", "700.00", money.USD))
	require.Equal(t, settlement.StatusPendingReview, resp.Status)
	require.NoError(t, h.proc.ResolveReview(context.Background(), resp.SettlementID, false, "declined by reviewer"))
	rejected, ok := h.proc.Get(resp.SettlementID)
	require.True(t, ok)
	assert.Equal(t, settlement.StatusRejected, rejected.Status)
	require.NotNil(t, rejected.Failure)
	assert.Equal(t, errs.CodeComplianceRejected, rejected.Failure.Code)
}

func TestCoordinatorBusy(t *testing.T) {
	h := newHarness(t, func(cfg *processor.Config) {
		cfg.MaxInFlight = 0
	})
	h.addSim("BANK_A")
	h.addSim("BANK_B")

	resp := h.submit(transfer("k1", "BANK_A", "BANK_A:1:USD", "BANK_B:1:USD", "1.00", money.USD))
	assert.Equal(t, errs.CodeCoordinatorBusy, resp.ErrorCode)
	assert.True(t, resp.Retryable)
}

// ==== netting ====

func TestNettingWindowCollapsesToNetFlow(t *testing.T) {
	h := newHarness(t, func(cfg *processor.Config) {
		cfg.NettingWindow = time.Hour // closed manually
	})
	h.addSim("BANK_A")
	h.addSim("BANK_B")
	a := h.open("BANK_A:1:USD", "1000")
	b := h.open("BANK_B:1:USD", "1000")

	reqs := []protocol.SettleRequest{
		transfer("g1", "BANK_A", "BANK_A:1:USD", "BANK_B:1:USD", "100.00", money.USD),
		transfer("g2", "BANK_B", "BANK_B:1:USD", "BANK_A:1:USD", "80.00", money.USD),
		transfer("g3", "BANK_A", "BANK_A:1:USD", "BANK_B:1:USD", "50.00", money.USD),
		transfer("g4", "BANK_B", "BANK_B:1:USD", "BANK_A:1:USD", "30.00", money.USD),
	}
	var ids []uuid.UUID
	for _, req := range reqs {
		req.NettingEligible = true
		resp := h.submit(req)
		require.Equal(t, settlement.StatusValidated, resp.Status, "%s", resp.ErrorMessage)
		ids = append(ids, resp.SettlementID)
	}

	h.proc.CloseNettingWindow()

	for _, id := range ids {
		final := h.await(id)
		assert.Equal(t, settlement.StatusSettled, final.Status)
		assert.Contains(t, final.NettedInto, "net:")
		// Replaced settlements carry no journal entries of their own.
		assert.Empty(t, h.led.EntriesForSettlement(id))
	}

	// One net settlement, A -> B 40.
	entries := h.led.Entries()
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Amount.Equal(money.MustParse("40.00", money.USD)),
		"net amount = %s", entries[0].Amount)
	assert.True(t, h.available(a).Equal(decimal.NewFromInt(960)))
	assert.True(t, h.available(b).Equal(decimal.NewFromInt(1040)))
}

func TestNettingExactOffsetSettlesWithNoTransfer(t *testing.T) {
	h := newHarness(t, func(cfg *processor.Config) {
		cfg.NettingWindow = time.Hour
	})
	h.addSim("BANK_A")
	h.addSim("BANK_B")
	a := h.open("BANK_A:1:USD", "1000")
	b := h.open("BANK_B:1:USD", "1000")

	r1 := transfer("o1", "BANK_A", "BANK_A:1:USD", "BANK_B:1:USD", "75.00", money.USD)
	r1.NettingEligible = true
	r2 := transfer("o2", "BANK_B", "BANK_B:1:USD", "BANK_A:1:USD", "75.00", money.USD)
	r2.NettingEligible = true
	id1 := h.submit(r1).SettlementID
	id2 := h.submit(r2).SettlementID

	h.proc.CloseNettingWindow()

	for _, id := range []uuid.UUID{id1, id2} {
		final := h.await(id)
		assert.Equal(t, settlement.StatusSettled, final.Status)
		assert.Contains(t, final.NettedInto, ":offset")
	}
	assert.Empty(t, h.led.Entries())
	assert.True(t, h.available(a).Equal(decimal.NewFromInt(1000)))
	assert.True(t, h.available(b).Equal(decimal.NewFromInt(1000)))
}

// ==== recovery ====

// seed writes a settlement's transition history straight into the
// log, standing in for a leader that died mid-flight.
func seed(t *testing.T, rlog replog.Log, s *settlement.Settlement, path ...settlement.Status) {
	t.Helper()
	ctx := context.Background()
	for _, next := range path {
		from := s.Status
		require.NoError(t, s.TransitionTo(next))
		require.NoError(t, replog.AppendTransition(ctx, rlog, from, next, s))
	}
}

// priorLocks stands in for the dead leader's lock manager: it shares
// the harness ledger and log, so its reservations and lock records
// survive the crash.
func (h *harness) priorLocks() *lock.Manager {
	m := lock.NewManager(lock.DefaultConfig(), h.led, zerolog.Nop())
	m.OnChange(func(c lock.Change) {
		_ = replog.AppendLockChange(context.Background(), h.rlog, c)
	})
	return m
}

func legsUSD(amount string) []settlement.Leg {
	src, _ := settlement.ParseAccountID("BANK_A:1:USD")
	dst, _ := settlement.ParseAccountID("BANK_B:1:USD")
	m := money.MustParse(amount, money.USD)
	return []settlement.Leg{{
		Number: 1, Source: src, Destination: dst,
		SourceAmount: m, ConvertedAmount: m,
	}}
}

func TestRecoveryCommittingWithDurableLedger(t *testing.T) {
	h := newHarness(t, nil)
	h.addSim("BANK_A")
	h.addSim("BANK_B")
	a := h.open("BANK_A:1:USD", "1000")
	b := h.open("BANK_B:1:USD", "0")

	s, err := settlement.New("r1", "BANK_A", legsUSD("100.00"))
	require.NoError(t, err)
	seed(t, h.rlog, s,
		settlement.StatusInitiated,
		settlement.StatusValidated,
		settlement.StatusLocking,
		settlement.StatusLocked,
		settlement.StatusCommitting,
	)

	// The dead leader's ledger transaction landed before the crash.
	_, err = h.led.Reserve(a, money.MustParse("100.00", money.USD))
	require.NoError(t, err)
	_, err = h.led.CommitSettlement(s.ID, []ledger.EntryInput{
		{LegNumber: 1, Account: a, Kind: ledger.EntryDebit, Amount: money.MustParse("100.00", money.USD)},
		{LegNumber: 1, Account: b, Kind: ledger.EntryCredit, Amount: money.MustParse("100.00", money.USD)},
	})
	require.NoError(t, err)

	require.NoError(t, h.proc.RecoverAll(context.Background()))

	final := h.await(s.ID)
	require.Equal(t, settlement.StatusSettled, final.Status)

	// No duplicate journal entries.
	assert.Len(t, h.led.EntriesForSettlement(s.ID), 2)
	assert.True(t, h.available(a).Equal(decimal.NewFromInt(900)))
	assert.True(t, h.available(b).Equal(decimal.NewFromInt(100)))

	records, err := h.rlog.ReadAll(context.Background())
	require.NoError(t, err)
	assertForwardOnly(t, records)
}

func TestRecoveryCommittingWithoutLedgerFails(t *testing.T) {
	h := newHarness(t, nil)
	h.addSim("BANK_A")
	h.addSim("BANK_B")
	a := h.open("BANK_A:1:USD", "1000")
	h.open("BANK_B:1:USD", "0")

	s, err := settlement.New("r2", "BANK_A", legsUSD("100.00"))
	require.NoError(t, err)
	seed(t, h.rlog, s,
		settlement.StatusInitiated,
		settlement.StatusValidated,
		settlement.StatusLocking,
		settlement.StatusLocked,
		settlement.StatusCommitting,
	)

	require.NoError(t, h.proc.RecoverAll(context.Background()))

	final := h.await(s.ID)
	require.Equal(t, settlement.StatusFailed, final.Status)
	require.NotNil(t, final.Failure)
	assert.Equal(t, errs.CodeCommitLockInvalid, final.Failure.Code)
	assert.Empty(t, h.led.EntriesForSettlement(s.ID))
	assert.True(t, h.total(a).Equal(decimal.NewFromInt(1000)))
}

func TestRecoveryLockingAborts(t *testing.T) {
	h := newHarness(t, nil)
	h.addSim("BANK_A")
	h.addSim("BANK_B")
	a := h.open("BANK_A:1:USD", "1000")
	h.open("BANK_B:1:USD", "0")

	s, err := settlement.New("r3", "BANK_A", legsUSD("100.00"))
	require.NoError(t, err)
	seed(t, h.rlog, s,
		settlement.StatusInitiated,
		settlement.StatusValidated,
		settlement.StatusLocking,
	)

	require.NoError(t, h.proc.RecoverAll(context.Background()))

	final := h.await(s.ID)
	require.Equal(t, settlement.StatusFailed, final.Status)
	require.NotNil(t, final.Failure)
	assert.Equal(t, errs.CodeLockTimeout, final.Failure.Code)
	assert.True(t, h.total(a).Equal(decimal.NewFromInt(1000)))
}

func TestRecoveryLockedResumesCommitWithRestoredLocks(t *testing.T) {
	h := newHarness(t, nil)
	h.addSim("BANK_A")
	h.addSim("BANK_B")
	a := h.open("BANK_A:1:USD", "1000")
	b := h.open("BANK_B:1:USD", "0")

	s, err := settlement.New("rl1", "BANK_A", legsUSD("100.00"))
	require.NoError(t, err)
	seed(t, h.rlog, s,
		settlement.StatusInitiated,
		settlement.StatusValidated,
		settlement.StatusLocking,
	)

	// The dead leader reserved the funds and collected the participant
	// confirmation before reaching the locked state.
	prior := h.priorLocks()
	l, err := prior.Acquire(context.Background(), lock.Request{
		SettlementID: s.ID, LegNumber: 1,
		Account: a, Amount: money.MustParse("100.00", money.USD),
	})
	require.NoError(t, err)
	_, err = prior.Confirm(l.ID, []byte("BANK_A-lock-sig"))
	require.NoError(t, err)
	seed(t, h.rlog, s, settlement.StatusLocked)

	require.NoError(t, h.proc.RecoverAll(context.Background()))

	final := h.await(s.ID)
	require.Equal(t, settlement.StatusSettled, final.Status)

	// The commit consumed the restored lock's reservation exactly once.
	assert.Len(t, h.led.EntriesForSettlement(s.ID), 2)
	assert.True(t, h.available(a).Equal(decimal.NewFromInt(900)))
	assert.True(t, h.total(a).Equal(decimal.NewFromInt(900)))
	assert.True(t, h.available(b).Equal(decimal.NewFromInt(100)))

	restored := h.locks.ForSettlement(s.ID)
	require.Len(t, restored, 1)
	assert.Equal(t, l.ID, restored[0].ID)
	assert.Equal(t, lock.StatusConsumed, restored[0].Status)

	records, err := h.rlog.ReadAll(context.Background())
	require.NoError(t, err)
	assertForwardOnly(t, records)
}

func TestRecoveryLockingReleasesRestoredReservations(t *testing.T) {
	h := newHarness(t, nil)
	h.addSim("BANK_A")
	h.addSim("BANK_B")
	a := h.open("BANK_A:1:USD", "1000")
	h.open("BANK_B:1:USD", "0")

	s, err := settlement.New("rl2", "BANK_A", legsUSD("100.00"))
	require.NoError(t, err)
	seed(t, h.rlog, s,
		settlement.StatusInitiated,
		settlement.StatusValidated,
		settlement.StatusLocking,
	)

	// The reservation landed but the participant never confirmed.
	prior := h.priorLocks()
	l, err := prior.Acquire(context.Background(), lock.Request{
		SettlementID: s.ID, LegNumber: 1,
		Account: a, Amount: money.MustParse("100.00", money.USD),
	})
	require.NoError(t, err)

	require.NoError(t, h.proc.RecoverAll(context.Background()))

	final := h.await(s.ID)
	require.Equal(t, settlement.StatusFailed, final.Status)
	require.NotNil(t, final.Failure)
	assert.Equal(t, errs.CodeLockTimeout, final.Failure.Code)

	// The restored reservation is released, not stranded as locked.
	assert.True(t, h.available(a).Equal(decimal.NewFromInt(1000)))
	assert.True(t, h.total(a).Equal(decimal.NewFromInt(1000)))

	restored := h.locks.ForSettlement(s.ID)
	require.Len(t, restored, 1)
	assert.Equal(t, l.ID, restored[0].ID)
	assert.Equal(t, lock.StatusReleased, restored[0].Status)
}

func TestRecoveryCommittingRetriesWithRestoredLocks(t *testing.T) {
	h := newHarness(t, nil)
	h.addSim("BANK_A")
	h.addSim("BANK_B")
	a := h.open("BANK_A:1:USD", "1000")
	b := h.open("BANK_B:1:USD", "0")

	s, err := settlement.New("rl3", "BANK_A", legsUSD("100.00"))
	require.NoError(t, err)
	seed(t, h.rlog, s,
		settlement.StatusInitiated,
		settlement.StatusValidated,
		settlement.StatusLocking,
	)
	prior := h.priorLocks()
	l, err := prior.Acquire(context.Background(), lock.Request{
		SettlementID: s.ID, LegNumber: 1,
		Account: a, Amount: money.MustParse("100.00", money.USD),
	})
	require.NoError(t, err)
	_, err = prior.Confirm(l.ID, []byte("BANK_A-lock-sig"))
	require.NoError(t, err)
	seed(t, h.rlog, s, settlement.StatusLocked, settlement.StatusCommitting)

	// The crash hit after the committing record but before the ledger
	// transaction: the commit is retried against the restored locks.
	require.NoError(t, h.proc.RecoverAll(context.Background()))

	final := h.await(s.ID)
	require.Equal(t, settlement.StatusSettled, final.Status)
	assert.Len(t, h.led.EntriesForSettlement(s.ID), 2)
	assert.True(t, h.available(a).Equal(decimal.NewFromInt(900)))
	assert.True(t, h.available(b).Equal(decimal.NewFromInt(100)))
}

func TestRecoveryPendingReviewWaits(t *testing.T) {
	h := newHarness(t, nil)
	h.addSim("BANK_A")
	h.addSim("BANK_B")
	a := h.open("BANK_A:1:USD", "1000")
	b := h.open("BANK_B:1:USD", "0")

	s, err := settlement.New("r4", "BANK_A", legsUSD("100.00"))
	require.NoError(t, err)
	seed(t, h.rlog, s,
		settlement.StatusInitiated,
		settlement.StatusPendingReview,
	)

	require.NoError(t, h.proc.RecoverAll(context.Background()))

	parked, ok := h.proc.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, settlement.StatusPendingReview, parked.Status)

	// The external decision still lands after failover.
	require.NoError(t, h.proc.ResolveReview(context.Background(), s.ID, true, "reviewed"))
	final := h.await(s.ID)
	assert.Equal(t, settlement.StatusSettled, final.Status)
	assert.True(t, h.available(a).Equal(decimal.NewFromInt(900)))
	assert.True(t, h.available(b).Equal(decimal.NewFromInt(100)))
}

func TestRecoveryStaleInitiatedTimesOut(t *testing.T) {
	h := newHarness(t, nil)
	h.addSim("BANK_A")
	h.addSim("BANK_B")
	h.open("BANK_A:1:USD", "1000")
	h.open("BANK_B:1:USD", "0")

	s, err := settlement.New("r5", "BANK_A", legsUSD("100.00"))
	require.NoError(t, err)
	s.CreatedAt = time.Now().UTC().Add(-time.Minute)
	seed(t, h.rlog, s, settlement.StatusInitiated)

	require.NoError(t, h.proc.RecoverAll(context.Background()))

	final, ok := h.proc.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, settlement.StatusRejected, final.Status)
}

func TestRecoveryPreservesIdempotency(t *testing.T) {
	h := newHarness(t, nil)
	h.addSim("BANK_A")
	h.addSim("BANK_B")

	s, err := settlement.New("done-key", "BANK_A", legsUSD("100.00"))
	require.NoError(t, err)
	seed(t, h.rlog, s,
		settlement.StatusInitiated,
		settlement.StatusValidated,
		settlement.StatusLocking,
		settlement.StatusLocked,
		settlement.StatusCommitting,
		settlement.StatusCommitted,
		settlement.StatusSettled,
	)

	require.NoError(t, h.proc.RecoverAll(context.Background()))

	resp := h.submit(transfer("done-key", "BANK_A", "BANK_A:1:USD", "BANK_B:1:USD", "100.00", money.USD))
	assert.True(t, resp.Duplicate)
	assert.Equal(t, s.ID, resp.SettlementID)
	assert.Equal(t, settlement.StatusSettled, resp.Status)
}

// ==== gateway round trip ====

func TestSubmitThroughGateway(t *testing.T) {
	h := newHarness(t, nil)
	simA := h.addSim("BANK_A")
	h.addSim("BANK_B")
	h.open("BANK_A:1:USD", "1000")
	h.open("BANK_B:1:USD", "0")

	require.NoError(t, simA.Submit(transfer("gw1", "BANK_A", "BANK_A:1:USD", "BANK_B:1:USD", "100.00", money.USD)))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-simA.Inbound:
			if env.Type != protocol.TypeSettleResponse {
				continue
			}
			var resp protocol.SettleResponse
			require.NoError(t, env.Decode(&resp))
			require.Empty(t, resp.ErrorCode, "%s", resp.ErrorMessage)
			final := h.await(resp.SettlementID)
			assert.Equal(t, settlement.StatusSettled, final.Status)
			return
		case <-deadline:
			t.Fatal("no settle response received")
		}
	}
}
