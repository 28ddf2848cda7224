package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	OrdersCreated    *prometheus.CounterVec
	OrderRejected    *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
	PaymentRequests  *prometheus.CounterVec
	PaymentCallbacks *prometheus.CounterVec
	LowStockEvents   prometheus.Counter
	LoyaltyWriteOffs prometheus.Counter
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_created_total",
			Help: "Orders persisted, by payment method.",
		}, []string{"payment_method"}),
		OrderRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_rejected_total",
			Help: "Checkout attempts rejected before commit, by reason.",
		}, []string{"reason"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_transitions_total",
			Help: "Order status transitions, by field, target and outcome.",
		}, []string{"field", "to", "outcome"}),
		PaymentRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_requests_total",
			Help: "Push-payment initiations, by outcome.",
		}, []string{"outcome"}),
		PaymentCallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_callbacks_total",
			Help: "Provider callbacks, by reconciliation outcome.",
		}, []string{"outcome"}),
		LowStockEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inventory_low_stock_events_total",
			Help: "Low-stock notifications emitted.",
		}),
		LoyaltyWriteOffs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loyalty_points_written_off_total",
			Help: "Earned points a cancellation could not take back.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests, by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		m.OrdersCreated, m.OrderRejected, m.Transitions, m.PaymentRequests,
		m.PaymentCallbacks, m.LowStockEvents, m.LoyaltyWriteOffs, m.HTTPRequests, m.HTTPDuration,
	)
	return m
}

// NewNop returns collectors bound to a throwaway registry.
func NewNop() *Metrics { return New(prometheus.NewRegistry()) }
