package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentCancelled PaymentStatus = "cancelled"
	PaymentFailed    PaymentStatus = "failed"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusPaid       Status = "paid"
	StatusCancelled  Status = "cancelled"
	StatusCompleted  Status = "completed"
)

type PaymentMethod string

const (
	MethodMpesa PaymentMethod = "mpesa"
	MethodCash  PaymentMethod = "cash"
)

func (m PaymentMethod) Valid() bool { return m == MethodMpesa || m == MethodCash }

// LineItem is the product as priced at checkout. Later catalog changes never touch it.
type LineItem struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Quantity  int             `json:"quantity"`
	LineTotal decimal.Decimal `json:"lineTotal"`
}

type Order struct {
	ID              string `json:"id"`
	CustomerID      string `json:"customerId,omitempty"` // empty for guest checkout
	CustomerName    string `json:"customerName"`
	CustomerPhone   string `json:"customerPhone,omitempty"`
	CustomerEmail   string `json:"customerEmail,omitempty"`
	DeliveryAddress string `json:"deliveryAddress"`

	Items []LineItem `json:"items"`

	Subtotal    decimal.Decimal `json:"subtotal"`
	DeliveryFee decimal.Decimal `json:"deliveryFee"`
	Discount    decimal.Decimal `json:"discount"`
	Total       decimal.Decimal `json:"total"`

	PaymentMethod PaymentMethod `json:"paymentMethod"`
	PaymentStatus PaymentStatus `json:"paymentStatus"`
	Status        Status        `json:"orderStatus"`

	PointsRedeemed int `json:"pointsRedeemed"`
	PointsEarned   int `json:"pointsEarned"`

	// PaymentRequestID is the CheckoutRequestID of the latest push and is what
	// callbacks are matched on. ProviderCorrelationID starts equal to it and is
	// replaced by the receipt number once paid.
	PaymentRequestID      string `json:"-"`
	ProviderCorrelationID string `json:"providerCorrelationId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	cp.Items = append([]LineItem(nil), o.Items...)
	return &cp
}

// OwnedBy reports whether actor may act on the order. Guest orders belong to the anonymous actor.
func (o *Order) OwnedBy(actorID string) bool { return o.CustomerID == actorID }

// Payable reports whether a payment may still be requested or the order cancelled.
func (o *Order) Payable() bool {
	return o.PaymentStatus == PaymentPending || o.PaymentStatus == PaymentFailed
}

type StatusView struct {
	OrderID       string        `json:"orderId"`
	PaymentStatus PaymentStatus `json:"paymentStatus"`
	OrderStatus   Status        `json:"orderStatus"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

func (o *Order) StatusView() StatusView {
	return StatusView{OrderID: o.ID, PaymentStatus: o.PaymentStatus, OrderStatus: o.Status, UpdatedAt: o.UpdatedAt}
}

const (
	OutcomeApplied        = "applied"
	OutcomeDuplicate      = "duplicate"
	OutcomeFailed         = "failed"
	OutcomeUnmatched      = "unmatched"
	OutcomeMissingReceipt = "missing_receipt"
	OutcomeRejected       = "rejected"
	OutcomeInitiateFailed = "initiate_failed"
)

// PaymentEvent is one row of the payment audit log.
type PaymentEvent struct {
	OrderID       string
	CorrelationID string
	ResultCode    int
	ResultDesc    string
	Receipt       string
	Outcome       string
	CreatedAt     time.Time
}
