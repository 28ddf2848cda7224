package loyalty

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTx struct{ accounts map[string]*Account }

func (tx *fakeTx) LockAccount(_ context.Context, id string) (*Account, error) {
	a, ok := tx.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (tx *fakeTx) SaveAccount(_ context.Context, a *Account) error {
	cp := *a
	tx.accounts[a.CustomerID] = &cp
	return nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func defaultRules() Rules {
	return Rules{PointValue: dec("1"), EarnPoints: 100, EarnPer: dec("1000"), EligibilitySpend: dec("0")}
}

func newTx(points int, spent string) *fakeTx {
	return &fakeTx{accounts: map[string]*Account{
		"c-1": {CustomerID: "c-1", Points: points, TotalSpent: dec(spent)},
	}}
}

func TestQuote(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(Rules{PointValue: dec("0.5"), EarnPoints: 100, EarnPer: dec("1000")})
	tx := newTx(100, "0")

	d, err := l.Quote(ctx, tx, "c-1", 40)
	require.NoError(t, err)
	assert.True(t, d.Equal(dec("20")))

	d, err = l.Quote(ctx, tx, "c-1", 0)
	require.NoError(t, err)
	assert.True(t, d.IsZero())

	_, err = l.Quote(ctx, tx, "c-1", 101)
	assert.ErrorIs(t, err, ErrInsufficientPoints)

	_, err = l.Quote(ctx, tx, "c-1", -1)
	assert.ErrorIs(t, err, ErrInvalidPoints)

	_, err = l.Quote(ctx, tx, "ghost", 1)
	assert.ErrorIs(t, err, ErrAccountNotFound)

	assert.Equal(t, 100, tx.accounts["c-1"].Points, "quote never mutates")
}

func TestEarned(t *testing.T) {
	l := NewLedger(defaultRules())
	assert.Equal(t, 65, l.Earned(dec("650")))
	assert.Equal(t, 100, l.Earned(dec("1000")))
	assert.Equal(t, 0, l.Earned(dec("9.99")))
	assert.Equal(t, 0, l.Earned(dec("-5")))
	assert.Equal(t, 0, NewLedger(Rules{EarnPoints: 100}).Earned(dec("1000")))
}

func TestSettle(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(defaultRules())
	tx := newTx(50, "100")

	earned, err := l.Settle(ctx, tx, "c-1", 30, dec("1200"))
	require.NoError(t, err)
	assert.Equal(t, 120, earned)

	a := tx.accounts["c-1"]
	assert.Equal(t, 50-30+120, a.Points)
	assert.True(t, a.TotalSpent.Equal(dec("1300")))
	assert.True(t, a.Eligible)
}

func TestSettle_InsufficientLeavesBalance(t *testing.T) {
	ctx := context.Background()
	tx := newTx(10, "0")

	_, err := NewLedger(defaultRules()).Settle(ctx, tx, "c-1", 11, dec("500"))
	assert.ErrorIs(t, err, ErrInsufficientPoints)
	assert.Equal(t, 10, tx.accounts["c-1"].Points)
	assert.True(t, tx.accounts["c-1"].TotalSpent.IsZero())
}

func TestSettle_EligibilityThreshold(t *testing.T) {
	ctx := context.Background()
	rules := defaultRules()
	rules.EligibilitySpend = dec("5000")
	l := NewLedger(rules)
	tx := newTx(0, "3000")

	earned, err := l.Settle(ctx, tx, "c-1", 0, dec("1000"))
	require.NoError(t, err)
	assert.Zero(t, earned)
	assert.False(t, tx.accounts["c-1"].Eligible)

	earned, err = l.Settle(ctx, tx, "c-1", 0, dec("1000"))
	require.NoError(t, err)
	assert.Equal(t, 100, earned, "crossing the threshold earns on the crossing order")
	assert.True(t, tx.accounts["c-1"].Eligible)
}

func TestReverse(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(defaultRules())
	tx := newTx(20, "1000")

	short, err := l.Reverse(ctx, tx, "c-1", 10, 100, dec("1500"))
	require.NoError(t, err)
	assert.Equal(t, 70, short, "earned points spent elsewhere are reported")

	a := tx.accounts["c-1"]
	assert.Equal(t, 0, a.Points, "clamped at zero")
	assert.True(t, a.TotalSpent.IsZero())

	tx = newTx(200, "3000")
	short, err = l.Reverse(ctx, tx, "c-1", 10, 100, dec("1500"))
	require.NoError(t, err)
	assert.Zero(t, short)
	assert.Equal(t, 110, tx.accounts["c-1"].Points)
	assert.Equal(t, "1500", tx.accounts["c-1"].TotalSpent.String())
}
