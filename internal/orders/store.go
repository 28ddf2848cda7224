package orders

import (
	"context"

	"github.com/ariefcatur/go-mpesa-orders/internal/inventory"
	"github.com/ariefcatur/go-mpesa-orders/internal/loyalty"
	"github.com/ariefcatur/go-mpesa-orders/internal/mpesa"
)

// Tx is one atomic unit of work. Lock* methods hold the row until the unit ends.
// Lock order is order, then products by id, then customer.
type Tx interface {
	inventory.Tx
	loyalty.Tx

	// EnsureCustomer creates the loyalty account on first checkout and leaves an existing one untouched.
	EnsureCustomer(ctx context.Context, a loyalty.Account) error
	InsertOrder(ctx context.Context, o *Order) error
	LockOrder(ctx context.Context, orderID string) (*Order, error)
	LockOrderByPaymentRequest(ctx context.Context, requestID string) (*Order, error)
	UpdateOrder(ctx context.Context, o *Order) error
	InsertPaymentEvent(ctx context.Context, ev PaymentEvent) error
}

type Store interface {
	// InTx commits when fn returns nil and rolls everything back otherwise.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	ListOrders(ctx context.Context, customerID string) ([]*Order, error)
}

type Gateway interface {
	Initiate(ctx context.Context, req mpesa.PushRequest) (*mpesa.PushResponse, error)
}

// StatusCache is a read-through cache of order status. A miss returns nil, nil.
type StatusCache interface {
	GetStatus(ctx context.Context, orderID string) (*StatusView, error)
	// SetStatus overwrites; transitions use it.
	SetStatus(ctx context.Context, v StatusView) error
	// FillStatus writes only when the entry is absent; read-through fills use it.
	FillStatus(ctx context.Context, v StatusView) error
}

type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}
