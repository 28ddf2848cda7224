// Package memstore is an in-memory order store. Units of work are serialised
// by one mutex and applied to a copy of the data that replaces the original on
// commit, so a failed unit leaves nothing behind.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/ariefcatur/go-mpesa-orders/internal/inventory"
	"github.com/ariefcatur/go-mpesa-orders/internal/loyalty"
	"github.com/ariefcatur/go-mpesa-orders/internal/orders"
)

var ErrConflict = errors.New("memstore: unique constraint violated")

type data struct {
	products  map[string]inventory.Product
	customers map[string]loyalty.Account
	orders    map[string]*orders.Order
	byRequest map[string]string // payment_request_id -> order id
	byReceipt map[string]string // provider_correlation_id -> order id
	events    []orders.PaymentEvent
}

func (d *data) clone() *data {
	return &data{
		products:  maps.Clone(d.products),
		customers: maps.Clone(d.customers),
		orders:    maps.Clone(d.orders),
		byRequest: maps.Clone(d.byRequest),
		byReceipt: maps.Clone(d.byReceipt),
		events:    d.events[:len(d.events):len(d.events)],
	}
}

type Store struct {
	mu sync.RWMutex
	d  *data
}

func New() *Store {
	return &Store{d: &data{
		products:  map[string]inventory.Product{},
		customers: map[string]loyalty.Account{},
		orders:    map[string]*orders.Order{},
		byRequest: map[string]string{},
		byReceipt: map[string]string{},
	}}
}

func (s *Store) InTx(ctx context.Context, fn func(tx orders.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{d: s.d.clone()}
	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.d = t.d
	return nil
}

func (s *Store) GetOrder(_ context.Context, orderID string) (*orders.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.d.orders[orderID]
	if !ok {
		return nil, orders.ErrNotFound
	}
	return o.Clone(), nil
}

// ListOrders returns the customer's orders, newest first.
func (s *Store) ListOrders(_ context.Context, customerID string) ([]*orders.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*orders.Order
	for _, o := range s.d.orders {
		if o.CustomerID == customerID {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) PutProduct(p inventory.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.products[p.ID] = p
}

func (s *Store) Product(id string) (inventory.Product, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.d.products[id]
	return p, ok
}

func (s *Store) PutCustomer(a loyalty.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.customers[a.CustomerID] = a
}

func (s *Store) Customer(id string) (loyalty.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.d.customers[id]
	return a, ok
}

func (s *Store) OrderCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.d.orders)
}

func (s *Store) PaymentEvents() []orders.PaymentEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]orders.PaymentEvent(nil), s.d.events...)
}

type tx struct{ d *data }

func (t *tx) LockProduct(_ context.Context, id string) (*inventory.Product, error) {
	p, ok := t.d.products[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", inventory.ErrProductNotFound, id)
	}
	return &p, nil
}

func (t *tx) SetStock(_ context.Context, id string, qty int) error {
	p, ok := t.d.products[id]
	if !ok {
		return fmt.Errorf("%w: %s", inventory.ErrProductNotFound, id)
	}
	if qty < 0 {
		return fmt.Errorf("memstore: negative stock for %s", id)
	}
	p.StockQuantity = qty
	t.d.products[id] = p
	return nil
}

func (t *tx) LockAccount(_ context.Context, id string) (*loyalty.Account, error) {
	a, ok := t.d.customers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", loyalty.ErrAccountNotFound, id)
	}
	return &a, nil
}

func (t *tx) SaveAccount(_ context.Context, a *loyalty.Account) error {
	if _, ok := t.d.customers[a.CustomerID]; !ok {
		return fmt.Errorf("%w: %s", loyalty.ErrAccountNotFound, a.CustomerID)
	}
	if a.Points < 0 || a.TotalSpent.IsNegative() {
		return fmt.Errorf("memstore: negative loyalty balance for %s", a.CustomerID)
	}
	t.d.customers[a.CustomerID] = *a
	return nil
}

func (t *tx) EnsureCustomer(_ context.Context, a loyalty.Account) error {
	if _, ok := t.d.customers[a.CustomerID]; ok {
		return nil
	}
	t.d.customers[a.CustomerID] = loyalty.Account{CustomerID: a.CustomerID, Name: a.Name, Email: a.Email}
	return nil
}

func (t *tx) InsertOrder(_ context.Context, o *orders.Order) error {
	if _, ok := t.d.orders[o.ID]; ok {
		return fmt.Errorf("%w: order %s", ErrConflict, o.ID)
	}
	if err := t.index(o); err != nil {
		return err
	}
	t.d.orders[o.ID] = o.Clone()
	return nil
}

func (t *tx) LockOrder(_ context.Context, id string) (*orders.Order, error) {
	o, ok := t.d.orders[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	return o.Clone(), nil
}

func (t *tx) LockOrderByPaymentRequest(ctx context.Context, requestID string) (*orders.Order, error) {
	id, ok := t.d.byRequest[requestID]
	if !ok || requestID == "" {
		return nil, orders.ErrNotFound
	}
	return t.LockOrder(ctx, id)
}

func (t *tx) UpdateOrder(_ context.Context, o *orders.Order) error {
	prev, ok := t.d.orders[o.ID]
	if !ok {
		return orders.ErrNotFound
	}
	if prev.PaymentRequestID != o.PaymentRequestID {
		delete(t.d.byRequest, prev.PaymentRequestID)
	}
	if prev.ProviderCorrelationID != o.ProviderCorrelationID {
		delete(t.d.byReceipt, prev.ProviderCorrelationID)
	}
	if err := t.index(o); err != nil {
		return err
	}
	t.d.orders[o.ID] = o.Clone()
	return nil
}

func (t *tx) index(o *orders.Order) error {
	if id, ok := t.d.byRequest[o.PaymentRequestID]; o.PaymentRequestID != "" && ok && id != o.ID {
		return fmt.Errorf("%w: payment_request_id %s", ErrConflict, o.PaymentRequestID)
	}
	if id, ok := t.d.byReceipt[o.ProviderCorrelationID]; o.ProviderCorrelationID != "" && ok && id != o.ID {
		return fmt.Errorf("%w: provider_correlation_id %s", ErrConflict, o.ProviderCorrelationID)
	}
	if o.PaymentRequestID != "" {
		t.d.byRequest[o.PaymentRequestID] = o.ID
	}
	if o.ProviderCorrelationID != "" {
		t.d.byReceipt[o.ProviderCorrelationID] = o.ID
	}
	return nil
}

func (t *tx) InsertPaymentEvent(_ context.Context, ev orders.PaymentEvent) error {
	t.d.events = append(t.d.events, ev)
	return nil
}
