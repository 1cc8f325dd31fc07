package replog_test

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"AtomicSettle/internal/errs"
	"AtomicSettle/internal/lock"
	"AtomicSettle/internal/money"
	"AtomicSettle/internal/replog"
	"AtomicSettle/internal/settlement"
)

func newSettlement(t *testing.T) *settlement.Settlement {
	t.Helper()
	s, err := settlement.New("idem-1", "BANK_A", []settlement.Leg{{
		Number:       1,
		Source:       settlement.AccountID{Participant: "BANK_A", Number: "1", Currency: money.USD},
		Destination:  settlement.AccountID{Participant: "BANK_B", Number: "2", Currency: money.USD},
		SourceAmount: money.MustParse("10.00", money.USD),
	}})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// ============================================================
// Append + chain
// ============================================================

func TestAppendChainsHashes(t *testing.T) {
	log := replog.NewMemoryLog()
	ctx := context.Background()
	s := newSettlement(t)

	if err := replog.AppendTransition(ctx, log, settlement.StatusReceived, settlement.StatusInitiated, s); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := replog.AppendTransition(ctx, log, settlement.StatusInitiated, settlement.StatusValidated, s); err != nil {
		t.Fatalf("append: %v", err)
	}

	records, err := log.ReadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d", len(records))
	}
	if records[0].Sequence != 1 || records[1].Sequence != 2 {
		t.Errorf("sequences = %d, %d", records[0].Sequence, records[1].Sequence)
	}
	if records[1].PrevHash != records[0].Hash {
		t.Error("second record must chain off the first")
	}
	if err := replog.VerifyChain(records); err != nil {
		t.Errorf("VerifyChain: %v", err)
	}
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	log := replog.NewMemoryLog()
	ctx := context.Background()
	s := newSettlement(t)

	for i := 0; i < 3; i++ {
		if _, err := log.Append(ctx, replog.KindSettlementTransition, s.ID, replog.Transition{Snapshot: s}); err != nil {
			t.Fatal(err)
		}
	}
	records, _ := log.ReadAll(ctx)
	records[1].Payload = []byte(`{"tampered":true}`)

	if err := replog.VerifyChain(records); err == nil {
		t.Fatal("tampered chain must not verify")
	}
}

func TestFailedAppendSurfacesReplicationError(t *testing.T) {
	log := replog.NewMemoryLog()
	log.FailNextAppend()

	err := replog.AppendTransition(context.Background(), log,
		settlement.StatusReceived, settlement.StatusInitiated, newSettlement(t))
	if !errs.HasCode(err, errs.CodeLogReplicationFailed) {
		t.Fatalf("want log_replication_failed, got %v", err)
	}

	// The failed append must not occupy a sequence slot.
	if err := replog.AppendTransition(context.Background(), log,
		settlement.StatusReceived, settlement.StatusInitiated, newSettlement(t)); err != nil {
		t.Fatal(err)
	}
	records, _ := log.ReadAll(context.Background())
	if len(records) != 1 || records[0].Sequence != 1 {
		t.Errorf("records = %+v", records)
	}
}

// ============================================================
// Materialize
// ============================================================

func TestMaterializeLatestSnapshotWins(t *testing.T) {
	log := replog.NewMemoryLog()
	ctx := context.Background()
	s := newSettlement(t)

	if err := replog.AppendTransition(ctx, log, settlement.StatusReceived, settlement.StatusInitiated, s); err != nil {
		t.Fatal(err)
	}
	if err := s.TransitionTo(settlement.StatusInitiated); err != nil {
		t.Fatal(err)
	}
	if err := s.TransitionTo(settlement.StatusValidated); err != nil {
		t.Fatal(err)
	}
	if err := replog.AppendTransition(ctx, log, settlement.StatusInitiated, settlement.StatusValidated, s); err != nil {
		t.Fatal(err)
	}

	l := lock.Lock{ID: uuid.New(), SettlementID: s.ID, Status: lock.StatusActive,
		Account: s.Legs[0].Source, Amount: s.Legs[0].SourceAmount}
	if err := replog.AppendLockChange(ctx, log, lock.Change{Lock: l}); err != nil {
		t.Fatal(err)
	}

	records, _ := log.ReadAll(ctx)
	settlements, locks, err := replog.Materialize(records)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if got := settlements[s.ID]; got == nil || got.Status != settlement.StatusValidated {
		t.Errorf("materialized settlement = %+v", got)
	}
	if got, ok := locks[l.ID]; !ok || got.Status != lock.StatusActive {
		t.Errorf("materialized lock = %+v", got)
	}
}
