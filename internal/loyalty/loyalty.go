// Package loyalty keeps customer point balances and lifetime spend.
// Every mutation runs on the caller's transaction so it commits with the order
// that justified it.
package loyalty

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientPoints = errors.New("loyalty: insufficient points")
	ErrInvalidPoints      = errors.New("loyalty: points must not be negative")
	ErrAccountNotFound    = errors.New("loyalty: customer not found")
)

type Account struct {
	CustomerID string
	Name       string
	Email      string
	Points     int
	TotalSpent decimal.Decimal
	Eligible   bool
}

type Tx interface {
	LockAccount(ctx context.Context, customerID string) (*Account, error)
	SaveAccount(ctx context.Context, a *Account) error
}

type Rules struct {
	PointValue       decimal.Decimal // currency value of one redeemed point
	EarnPoints       int64           // points granted per EarnPer of spend
	EarnPer          decimal.Decimal
	EligibilitySpend decimal.Decimal // cumulative spend before earning starts
}

type Ledger struct{ rules Rules }

func NewLedger(r Rules) *Ledger { return &Ledger{rules: r} }

// Quote prices a redemption without mutating the balance.
func (l *Ledger) Quote(ctx context.Context, tx Tx, customerID string, points int) (decimal.Decimal, error) {
	if points < 0 {
		return decimal.Zero, ErrInvalidPoints
	}
	if points == 0 {
		return decimal.Zero, nil
	}
	a, err := tx.LockAccount(ctx, customerID)
	if err != nil {
		return decimal.Zero, err
	}
	if points > a.Points {
		return decimal.Zero, fmt.Errorf("%w: requested %d, balance %d", ErrInsufficientPoints, points, a.Points)
	}
	return l.rules.PointValue.Mul(decimal.NewFromInt(int64(points))), nil
}

// Earned is floor(total * EarnPoints / EarnPer).
func (l *Ledger) Earned(total decimal.Decimal) int {
	if !l.rules.EarnPer.IsPositive() || !total.IsPositive() {
		return 0
	}
	return int(total.Mul(decimal.NewFromInt(l.rules.EarnPoints)).Div(l.rules.EarnPer).Floor().IntPart())
}

// Settle deducts redeemed points, records spend and credits earned points in one write.
func (l *Ledger) Settle(ctx context.Context, tx Tx, customerID string, redeem int, total decimal.Decimal) (int, error) {
	if redeem < 0 {
		return 0, ErrInvalidPoints
	}
	a, err := tx.LockAccount(ctx, customerID)
	if err != nil {
		return 0, err
	}
	if redeem > a.Points {
		return 0, fmt.Errorf("%w: requested %d, balance %d", ErrInsufficientPoints, redeem, a.Points)
	}

	a.Points -= redeem
	a.TotalSpent = a.TotalSpent.Add(total)
	earned := 0
	if a.TotalSpent.GreaterThanOrEqual(l.rules.EligibilitySpend) {
		a.Eligible = true
		earned = l.Earned(total)
	}
	a.Points += earned

	if err := tx.SaveAccount(ctx, a); err != nil {
		return 0, err
	}
	return earned, nil
}

// Reverse undoes a settlement. Earned points already spent elsewhere cannot be
// taken back; the balance stops at zero and the unrecovered count is returned.
func (l *Ledger) Reverse(ctx context.Context, tx Tx, customerID string, redeemed, earned int, total decimal.Decimal) (int, error) {
	a, err := tx.LockAccount(ctx, customerID)
	if err != nil {
		return 0, err
	}
	balance := a.Points + redeemed - earned
	shortfall := max(0, -balance)
	a.Points = max(0, balance)
	a.TotalSpent = decimal.Max(decimal.Zero, a.TotalSpent.Sub(total))
	if err := tx.SaveAccount(ctx, a); err != nil {
		return 0, err
	}
	return shortfall, nil
}
