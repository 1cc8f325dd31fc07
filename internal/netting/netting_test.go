package netting_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AtomicSettle/internal/money"
	"AtomicSettle/internal/netting"
)

func in(key, from, to, amount string, cur money.Currency) netting.Input {
	return netting.Input{
		IdempotencyKey: key,
		From:           from,
		To:             to,
		Amount:         money.MustParse(amount, cur),
		FromAccount:    from + ":1",
		ToAccount:      to + ":1",
	}
}

func TestBilateralNetSurvivingDirection(t *testing.T) {
	// A->B 100, B->A 60: one flow A->B 40.
	flows := netting.Compute("w1", []netting.Input{
		in("k1", "BANK_A", "BANK_B", "100.00", money.USD),
		in("k2", "BANK_B", "BANK_A", "60.00", money.USD),
	})

	require.Len(t, flows, 1)
	f := flows[0]
	assert.Equal(t, "BANK_A", f.From)
	assert.Equal(t, "BANK_B", f.To)
	assert.True(t, f.Amount.Equal(money.MustParse("40.00", money.USD)), "amount = %s", f.Amount)
	assert.ElementsMatch(t, []string{"k1", "k2"}, f.Sources)
	assert.Equal(t, "net:w1:BANK_A:BANK_B:USD", f.IdempotencyKey())
}

func TestNetFlowAccountsFollowSurvivingDirection(t *testing.T) {
	// Each direction settles through its own accounts. The last input
	// is in the losing direction and must not name the net accounts.
	flows := netting.Compute("w1", []netting.Input{
		{
			IdempotencyKey: "k1",
			From:           "BANK_A",
			To:             "BANK_B",
			Amount:         money.MustParse("100.00", money.USD),
			FromAccount:    "BANK_A:out",
			ToAccount:      "BANK_B:in",
		},
		{
			IdempotencyKey: "k2",
			From:           "BANK_B",
			To:             "BANK_A",
			Amount:         money.MustParse("60.00", money.USD),
			FromAccount:    "BANK_B:out",
			ToAccount:      "BANK_A:in",
		},
	})

	require.Len(t, flows, 1)
	f := flows[0]
	assert.Equal(t, "BANK_A", f.From)
	assert.Equal(t, "BANK_B", f.To)
	assert.Equal(t, "BANK_A:out", f.FromAccount)
	assert.Equal(t, "BANK_B:in", f.ToAccount)
}

func TestExactOffsetEmitsNothing(t *testing.T) {
	flows := netting.Compute("w1", []netting.Input{
		in("k1", "BANK_A", "BANK_B", "75.00", money.USD),
		in("k2", "BANK_B", "BANK_A", "75.00", money.USD),
	})
	assert.Empty(t, flows)
}

func TestCurrenciesNetIndependently(t *testing.T) {
	flows := netting.Compute("w1", []netting.Input{
		in("k1", "BANK_A", "BANK_B", "100.00", money.USD),
		in("k2", "BANK_B", "BANK_A", "100.00", money.EUR),
	})
	require.Len(t, flows, 2)
	assert.Equal(t, money.EUR, flows[0].Amount.Currency)
	assert.Equal(t, money.USD, flows[1].Amount.Currency)
}

func TestNetPositionPreserved(t *testing.T) {
	inputs := []netting.Input{
		in("k1", "BANK_A", "BANK_B", "100.00", money.USD),
		in("k2", "BANK_B", "BANK_A", "30.00", money.USD),
		in("k3", "BANK_A", "BANK_C", "50.00", money.USD),
		in("k4", "BANK_C", "BANK_B", "20.00", money.USD),
		in("k5", "BANK_B", "BANK_C", "45.00", money.USD),
	}
	flows := netting.Compute("w1", inputs)

	gross := map[string]decimal.Decimal{}
	for _, i := range inputs {
		gross[i.From] = gross[i.From].Sub(i.Amount.Amount)
		gross[i.To] = gross[i.To].Add(i.Amount.Amount)
	}
	net := map[string]decimal.Decimal{}
	for _, f := range flows {
		net[f.From] = net[f.From].Sub(f.Amount.Amount)
		net[f.To] = net[f.To].Add(f.Amount.Amount)
	}
	for p, want := range gross {
		assert.True(t, net[p].Equal(want), "%s: net %s, gross %s", p, net[p], want)
	}

	// Reduction is real: five gross settlements collapse to three.
	assert.Len(t, flows, 3)
}

func TestComputeDeterministicOrder(t *testing.T) {
	inputs := []netting.Input{
		in("k1", "BANK_C", "BANK_A", "10.00", money.USD),
		in("k2", "BANK_B", "BANK_A", "10.00", money.USD),
	}
	a := netting.Compute("w1", inputs)
	b := netting.Compute("w1", []netting.Input{inputs[1], inputs[0]})

	require.Len(t, a, 2)
	require.Len(t, b, 2)
	assert.Equal(t, a[0].From, b[0].From)
	assert.Equal(t, a[0].To, b[0].To)
}

func TestEngineWindowLifecycle(t *testing.T) {
	var emitted [][]netting.NetFlow
	e := netting.NewEngine(0, func(_ string, _ []netting.Input, flows []netting.NetFlow) {
		emitted = append(emitted, flows)
	}, zerolog.Nop())

	// Empty window emits nothing.
	assert.Nil(t, e.CloseWindow())
	assert.Empty(t, emitted)

	e.Add(in("k1", "BANK_A", "BANK_B", "100.00", money.USD))
	e.Add(in("k2", "BANK_B", "BANK_A", "60.00", money.USD))
	flows := e.CloseWindow()
	require.Len(t, flows, 1)
	require.Len(t, emitted, 1)

	// The buffer resets between windows.
	assert.Nil(t, e.CloseWindow())

	// Window ids differ, so derived idempotency keys differ too.
	e.Add(in("k3", "BANK_A", "BANK_B", "100.00", money.USD))
	next := e.CloseWindow()
	require.Len(t, next, 1)
	assert.NotEqual(t, flows[0].IdempotencyKey(), next[0].IdempotencyKey())
}
