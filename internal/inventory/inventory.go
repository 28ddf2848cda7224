package inventory

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrProductNotFound   = errors.New("inventory: product not found")
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	ErrInvalidQuantity   = errors.New("inventory: quantity must be greater than zero")
)

type Product struct {
	ID            string
	Name          string
	Price         decimal.Decimal
	StockQuantity int
	DeliveryPrice decimal.Decimal // per unit, zero when unset
	Discount      decimal.Decimal // per unit, zero when unset
}

func (p Product) InStock() bool { return p.StockQuantity > 0 }

// Tx is the part of a store transaction the ledger works on.
// LockProduct must keep the row locked against other writers until the transaction ends.
type Tx interface {
	LockProduct(ctx context.Context, productID string) (*Product, error)
	SetStock(ctx context.Context, productID string, qty int) error
}

// Reservation is a committed stock decrement. Product is the record as read under lock.
type Reservation struct {
	Product   Product
	Quantity  int
	Remaining int
}
