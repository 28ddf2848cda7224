package orders

import (
	"github.com/ariefcatur/go-mpesa-orders/internal/inventory"
	"github.com/shopspring/decimal"
)

type Pricing struct {
	DeliveryFee   decimal.Decimal // flat, charged on any non-empty order
	BulkThreshold decimal.Decimal // bulk discount applies when subtotal exceeds this; zero disables
	BulkAmount    decimal.Decimal
}

type Totals struct {
	Subtotal    decimal.Decimal
	DeliveryFee decimal.Decimal
	Discount    decimal.Decimal
	Total       decimal.Decimal
}

// Compute prices reservations from the product rows read under lock, never from client input.
func (p Pricing) Compute(rs []inventory.Reservation, loyaltyDiscount decimal.Decimal) (Totals, error) {
	var t Totals
	var perUnitFee, productDiscount decimal.Decimal
	for _, r := range rs {
		q := decimal.NewFromInt(int64(r.Quantity))
		t.Subtotal = t.Subtotal.Add(r.Product.Price.Mul(q))
		perUnitFee = perUnitFee.Add(r.Product.DeliveryPrice.Mul(q))
		productDiscount = productDiscount.Add(r.Product.Discount.Mul(q))
	}
	if t.Subtotal.IsPositive() {
		t.DeliveryFee = p.DeliveryFee.Add(perUnitFee)
	}

	t.Discount = productDiscount.Add(loyaltyDiscount)
	if p.BulkThreshold.IsPositive() && t.Subtotal.GreaterThan(p.BulkThreshold) {
		t.Discount = t.Discount.Add(p.BulkAmount)
	}

	t.Subtotal = t.Subtotal.Round(2)
	t.DeliveryFee = t.DeliveryFee.Round(2)
	t.Discount = t.Discount.Round(2)
	t.Total = t.Subtotal.Add(t.DeliveryFee).Sub(t.Discount)
	if t.Total.IsNegative() {
		return Totals{}, validationf("discount %s exceeds order value %s", t.Discount, t.Subtotal.Add(t.DeliveryFee))
	}
	return t, nil
}
