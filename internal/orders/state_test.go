package orders

import (
	"testing"

	"github.com/ariefcatur/go-mpesa-orders/internal/inventory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition(t *testing.T) {
	cases := []struct {
		name     string
		from     Order
		pay      PaymentStatus
		st       Status
		ok       bool
		wantPay  PaymentStatus
		wantStat Status
	}{
		{"paid", Order{PaymentStatus: PaymentPending, Status: StatusProcessing}, PaymentCompleted, StatusPaid, true, PaymentCompleted, StatusPaid},
		{"cancel", Order{PaymentStatus: PaymentPending, Status: StatusProcessing}, PaymentCancelled, StatusCancelled, true, PaymentCancelled, StatusCancelled},
		{"failed is retryable", Order{PaymentStatus: PaymentFailed, Status: StatusProcessing}, PaymentPending, "", true, PaymentPending, StatusProcessing},
		{"fulfil", Order{PaymentStatus: PaymentCompleted, Status: StatusPaid}, "", StatusCompleted, true, PaymentCompleted, StatusCompleted},
		{"out of completed", Order{PaymentStatus: PaymentCompleted, Status: StatusPaid}, PaymentCancelled, StatusCancelled, false, PaymentCompleted, StatusPaid},
		{"out of cancelled", Order{PaymentStatus: PaymentCancelled, Status: StatusCancelled}, PaymentCompleted, StatusPaid, false, PaymentCancelled, StatusCancelled},
		{"fulfil unpaid", Order{PaymentStatus: PaymentPending, Status: StatusProcessing}, "", StatusCompleted, false, PaymentPending, StatusProcessing},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := tc.from
			err := o.Transition(tc.pay, tc.st)
			if tc.ok {
				require.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
			assert.Equal(t, tc.wantPay, o.PaymentStatus)
			assert.Equal(t, tc.wantStat, o.Status)
		})
	}
}

func TestPricingCompute(t *testing.T) {
	d := decimal.RequireFromString
	rs := []inventory.Reservation{
		{Product: inventory.Product{Price: d("200")}, Quantity: 3},
		{Product: inventory.Product{Price: d("99.99"), DeliveryPrice: d("2.5"), Discount: d("0.99")}, Quantity: 2},
	}

	p := Pricing{DeliveryFee: d("50"), BulkThreshold: d("700"), BulkAmount: d("25")}
	tot, err := p.Compute(rs, d("10"))
	require.NoError(t, err)
	assert.Equal(t, "799.98", tot.Subtotal.StringFixed(2))
	assert.Equal(t, "55.00", tot.DeliveryFee.StringFixed(2))
	assert.Equal(t, "36.98", tot.Discount.StringFixed(2))
	assert.Equal(t, "818.00", tot.Total.StringFixed(2))

	tot, err = Pricing{DeliveryFee: d("50")}.Compute(nil, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, tot.DeliveryFee.IsZero(), "no fee on an empty subtotal")

	_, err = Pricing{}.Compute(rs[:1], d("601"))
	assert.ErrorIs(t, err, ErrValidation)
}
