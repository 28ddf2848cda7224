package inventory

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-mpesa-orders/internal/logging"
	"github.com/ariefcatur/go-mpesa-orders/internal/metrics"
	"github.com/ariefcatur/go-mpesa-orders/internal/notify"
	"go.uber.org/zap"
)

type Ledger struct {
	sink     notify.Sink
	lowWater int
	metrics  *metrics.Metrics
}

func NewLedger(sink notify.Sink, lowWater int, m *metrics.Metrics) *Ledger {
	if sink == nil {
		sink = notify.NopSink{}
	}
	return &Ledger{sink: sink, lowWater: lowWater, metrics: m}
}

// Reserve decrements stock under the product row lock held by tx.
func (l *Ledger) Reserve(ctx context.Context, tx Tx, productID string, qty int) (Reservation, error) {
	if qty <= 0 {
		return Reservation{}, ErrInvalidQuantity
	}
	p, err := tx.LockProduct(ctx, productID)
	if err != nil {
		return Reservation{}, err
	}
	if p.StockQuantity < qty {
		return Reservation{}, fmt.Errorf("%w: %s (requested %d, available %d)",
			ErrInsufficientStock, p.Name, qty, p.StockQuantity)
	}
	remaining := p.StockQuantity - qty
	if err := tx.SetStock(ctx, productID, remaining); err != nil {
		return Reservation{}, err
	}
	return Reservation{Product: *p, Quantity: qty, Remaining: remaining}, nil
}

// Release returns exactly qty units to the product.
func (l *Ledger) Release(ctx context.Context, tx Tx, productID string, qty int) error {
	_, err := l.add(ctx, tx, productID, qty)
	return err
}

func (l *Ledger) Restock(ctx context.Context, tx Tx, productID string, qty int) (int, error) {
	return l.add(ctx, tx, productID, qty)
}

func (l *Ledger) add(ctx context.Context, tx Tx, productID string, qty int) (int, error) {
	if qty <= 0 {
		return 0, ErrInvalidQuantity
	}
	p, err := tx.LockProduct(ctx, productID)
	if err != nil {
		return 0, err
	}
	stock := p.StockQuantity + qty
	if err := tx.SetStock(ctx, productID, stock); err != nil {
		return 0, err
	}
	return stock, nil
}

// NotifyLowStock emits a low-stock event for every reservation that left the
// product at or below the low-water mark. Call it after commit; sink errors are
// logged and dropped.
func (l *Ledger) NotifyLowStock(ctx context.Context, rs []Reservation) {
	for _, r := range rs {
		if r.Remaining > l.lowWater {
			continue
		}
		msg := fmt.Sprintf("%s has %d unit(s) left", r.Product.Name, r.Remaining)
		if r.Remaining == 0 {
			msg = fmt.Sprintf("%s is out of stock", r.Product.Name)
		}
		err := l.sink.Notify(ctx, notify.Notification{
			Kind:      notify.KindLowStock,
			Title:     "Low stock",
			Message:   msg,
			Audience:  notify.AudienceAdmin,
			ProductID: r.Product.ID,
		})
		if err != nil {
			logging.FromContext(ctx).Warn("low_stock_notify_failed",
				zap.String("product_id", r.Product.ID), zap.Error(err))
			continue
		}
		if l.metrics != nil {
			l.metrics.LowStockEvents.Inc()
		}
	}
}
