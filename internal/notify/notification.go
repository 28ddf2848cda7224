package notify

import "context"

const (
	KindLowStock    = "low_stock"
	KindOrderStatus = "order_status"

	// AudienceAdmin addresses every administrator; any other audience is a customer id.
	AudienceAdmin = "admin"

	EventNotification = "Notification"
)

type Notification struct {
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Audience  string `json:"audience"`
	OrderID   string `json:"order_id,omitempty"`
	ProductID string `json:"product_id,omitempty"`
}

// Sink accepts notifications fire-and-forget. Implementations must not block.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

type NopSink struct{}

func (NopSink) Notify(context.Context, Notification) error { return nil }
