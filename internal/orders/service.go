package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ariefcatur/go-mpesa-orders/internal/inventory"
	"github.com/ariefcatur/go-mpesa-orders/internal/logging"
	"github.com/ariefcatur/go-mpesa-orders/internal/loyalty"
	"github.com/ariefcatur/go-mpesa-orders/internal/metrics"
	"github.com/ariefcatur/go-mpesa-orders/internal/mpesa"
	"github.com/ariefcatur/go-mpesa-orders/internal/notify"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type CartItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type CreateOrderInput struct {
	CustomerID      string // empty for guest checkout
	CustomerName    string
	CustomerEmail   string
	CustomerPhone   string
	DeliveryAddress string
	Items           []CartItem
	PaymentMethod   PaymentMethod
	RedeemPoints    int
}

type Deps struct {
	Store     Store
	Gateway   Gateway
	Inventory *inventory.Ledger
	Loyalty   *loyalty.Ledger
	Pricing   Pricing
	Sink      notify.Sink
	Cache     StatusCache // optional
	Dedup     Deduper     // optional
	Metrics   *metrics.Metrics

	// PaymentTimeout bounds a single push request.
	PaymentTimeout time.Duration
}

type Service struct {
	store          Store
	gateway        Gateway
	stock          *inventory.Ledger
	points         *loyalty.Ledger
	pricing        Pricing
	sink           notify.Sink
	cache          StatusCache
	dedup          Deduper
	metrics        *metrics.Metrics
	paymentTimeout time.Duration

	now   func() time.Time
	newID func() string
}

func NewService(d Deps) *Service {
	s := &Service{
		store:          d.Store,
		gateway:        d.Gateway,
		stock:          d.Inventory,
		points:         d.Loyalty,
		pricing:        d.Pricing,
		sink:           d.Sink,
		cache:          d.Cache,
		dedup:          d.Dedup,
		metrics:        d.Metrics,
		paymentTimeout: d.PaymentTimeout,
		now:            func() time.Time { return time.Now().UTC() },
		newID:          uuid.NewString,
	}
	if s.sink == nil {
		s.sink = notify.NopSink{}
	}
	if s.stock == nil {
		s.stock = inventory.NewLedger(s.sink, 5, s.metrics)
	}
	if s.points == nil {
		s.points = loyalty.NewLedger(loyalty.Rules{
			PointValue: decimal.NewFromInt(1),
			EarnPoints: 100,
			EarnPer:    decimal.NewFromInt(1000),
		})
	}
	if s.metrics == nil {
		s.metrics = metrics.NewNop()
	}
	if s.paymentTimeout <= 0 {
		s.paymentTimeout = 20 * time.Second
	}
	return s
}

func (s *Service) validate(in *CreateOrderInput) error {
	if len(in.Items) == 0 {
		return ErrEmptyCart
	}
	for i, it := range in.Items {
		if strings.TrimSpace(it.ProductID) == "" {
			return validationf("item %d: missing product id", i)
		}
		if it.Quantity <= 0 {
			return validationf("item %d: quantity must be positive", i)
		}
	}
	if !in.PaymentMethod.Valid() {
		return validationf("unsupported payment method %q", in.PaymentMethod)
	}
	if strings.TrimSpace(in.CustomerName) == "" {
		return validationf("customer name is required")
	}
	if strings.TrimSpace(in.DeliveryAddress) == "" {
		return validationf("delivery address is required")
	}
	if in.RedeemPoints < 0 {
		return validationf("redeem points must not be negative")
	}
	if in.RedeemPoints > 0 && in.CustomerID == "" {
		return validationf("guest checkout cannot redeem points")
	}
	if in.PaymentMethod == MethodMpesa {
		phone, err := mpesa.NormalizePhone(in.CustomerPhone)
		if err != nil {
			return validationf("phone %q is not a valid M-Pesa number", in.CustomerPhone)
		}
		in.CustomerPhone = phone
	}
	return nil
}

// CreateOrder reserves stock, settles loyalty and persists the order in one
// unit of work, then requests payment outside it. A payment failure returns the
// committed order together with ErrPaymentGateway.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*Order, error) {
	log := logging.FromContext(ctx)
	if err := s.validate(&in); err != nil {
		s.metrics.OrderRejected.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}

	// lock products in id order so concurrent checkouts cannot deadlock
	lockOrder := make([]int, len(in.Items))
	for i := range lockOrder {
		lockOrder[i] = i
	}
	sort.SliceStable(lockOrder, func(a, b int) bool {
		return in.Items[lockOrder[a]].ProductID < in.Items[lockOrder[b]].ProductID
	})

	var (
		order        *Order
		reservations []inventory.Reservation
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		reservations = make([]inventory.Reservation, len(in.Items))
		for _, i := range lockOrder {
			it := in.Items[i]
			r, err := s.stock.Reserve(ctx, tx, it.ProductID, it.Quantity)
			if err != nil {
				return err
			}
			reservations[i] = r
		}

		loyaltyDiscount := decimal.Zero
		if in.CustomerID != "" {
			err := tx.EnsureCustomer(ctx, loyalty.Account{
				CustomerID: in.CustomerID, Name: in.CustomerName, Email: in.CustomerEmail,
			})
			if err != nil {
				return err
			}
			if loyaltyDiscount, err = s.points.Quote(ctx, tx, in.CustomerID, in.RedeemPoints); err != nil {
				return err
			}
		}

		totals, err := s.pricing.Compute(reservations, loyaltyDiscount)
		if err != nil {
			return err
		}

		now := s.now()
		o := &Order{
			ID:              s.newID(),
			CustomerID:      in.CustomerID,
			CustomerName:    strings.TrimSpace(in.CustomerName),
			CustomerPhone:   in.CustomerPhone,
			CustomerEmail:   in.CustomerEmail,
			DeliveryAddress: strings.TrimSpace(in.DeliveryAddress),
			Items:           make([]LineItem, 0, len(reservations)),
			Subtotal:        totals.Subtotal,
			DeliveryFee:     totals.DeliveryFee,
			Discount:        totals.Discount,
			Total:           totals.Total,
			PaymentMethod:   in.PaymentMethod,
			PaymentStatus:   PaymentPending,
			Status:          StatusProcessing,
			PointsRedeemed:  in.RedeemPoints,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		for _, r := range reservations {
			o.Items = append(o.Items, LineItem{
				ProductID: r.Product.ID,
				Name:      r.Product.Name,
				UnitPrice: r.Product.Price,
				Quantity:  r.Quantity,
				LineTotal: r.Product.Price.Mul(decimal.NewFromInt(int64(r.Quantity))).Round(2),
			})
		}

		if in.CustomerID != "" {
			earned, err := s.points.Settle(ctx, tx, in.CustomerID, in.RedeemPoints, o.Total)
			if err != nil {
				return err
			}
			o.PointsEarned = earned
		}

		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		s.metrics.OrderRejected.WithLabelValues(rejectReason(err)).Inc()
		log.Info("order_rejected", zap.String("customer_id", in.CustomerID), zap.Error(err))
		return nil, err
	}

	s.metrics.OrdersCreated.WithLabelValues(string(order.PaymentMethod)).Inc()
	log.Info("order_created",
		zap.String("order_id", order.ID),
		zap.String("total", order.Total.StringFixed(2)),
		zap.Int("points_earned", order.PointsEarned))
	s.fillStatus(ctx, order)
	s.stock.NotifyLowStock(ctx, reservations)

	if order.PaymentMethod != MethodMpesa {
		return order, nil
	}
	return s.dispatchPayment(ctx, order)
}

// recordTimeout bounds the bookkeeping that follows a push.
const recordTimeout = 5 * time.Second

// dispatchPayment sends the push with no locks held, then records the
// correlation id if the order is still awaiting payment. Both steps are
// detached from the caller: once the provider accepts a push the id must be
// stored, or the callback for it can never match.
func (s *Service) dispatchPayment(ctx context.Context, o *Order) (*Order, error) {
	log := logging.FromContext(ctx).With(zap.String("order_id", o.ID))
	dctx := context.WithoutCancel(ctx)

	pctx, cancel := context.WithTimeout(dctx, s.paymentTimeout)
	resp, err := s.gateway.Initiate(pctx, mpesa.PushRequest{
		OrderID: o.ID,
		Phone:   o.CustomerPhone,
		Amount:  o.Total,
	})
	cancel()
	if err != nil {
		s.metrics.PaymentRequests.WithLabelValues("failed").Inc()
		log.Error("payment_initiate_failed", zap.Error(err))
		actx, cancel := context.WithTimeout(dctx, recordTimeout)
		s.audit(actx, PaymentEvent{OrderID: o.ID, ResultCode: -1, ResultDesc: err.Error(), Outcome: OutcomeInitiateFailed})
		cancel()
		return o, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}
	s.metrics.PaymentRequests.WithLabelValues("sent").Inc()

	rctx, cancel := context.WithTimeout(dctx, recordTimeout)
	defer cancel()
	var updated *Order
	err = s.store.InTx(rctx, func(tx Tx) error {
		cur, err := tx.LockOrder(rctx, o.ID)
		if err != nil {
			return err
		}
		if !cur.Payable() {
			updated = cur
			return fmt.Errorf("%w: %s", ErrNotPending, cur.PaymentStatus)
		}
		cur.PaymentRequestID = resp.CheckoutRequestID
		cur.ProviderCorrelationID = resp.CheckoutRequestID
		cur.UpdatedAt = s.now()
		if err := tx.UpdateOrder(rctx, cur); err != nil {
			return err
		}
		updated = cur
		return nil
	})
	switch {
	case errors.Is(err, ErrNotPending):
		// settled while the push was in flight; the request is abandoned
		log.Warn("payment_request_abandoned",
			zap.String("checkout_request_id", resp.CheckoutRequestID),
			zap.String("payment_status", string(updated.PaymentStatus)))
		return updated, nil
	case err != nil:
		log.Error("payment_request_record_failed",
			zap.String("checkout_request_id", resp.CheckoutRequestID), zap.Error(err))
		return o, fmt.Errorf("%w: record request: %v", ErrPaymentGateway, err)
	}
	log.Info("payment_requested", zap.String("checkout_request_id", resp.CheckoutRequestID))
	return updated, nil
}

// RetryPayment issues a fresh push for an unpaid order. The previous request is
// abandoned; a late callback for it no longer matches.
func (s *Service) RetryPayment(ctx context.Context, orderID, actorID string) (*Order, error) {
	var o *Order
	err := s.store.InTx(ctx, func(tx Tx) error {
		cur, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := checkActionable(cur, actorID); err != nil {
			return err
		}
		if cur.PaymentMethod != MethodMpesa {
			return validationf("order is paid by %s", cur.PaymentMethod)
		}
		if cur.PaymentStatus == PaymentFailed {
			if err := s.transition(ctx, cur, PaymentPending, ""); err != nil {
				return err
			}
			cur.UpdatedAt = s.now()
			if err := tx.UpdateOrder(ctx, cur); err != nil {
				return err
			}
		}
		o = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.dispatchPayment(ctx, o)
}

// CancelOrder releases every reserved unit, reverses loyalty and marks both
// statuses cancelled, all under the order lock.
func (s *Service) CancelOrder(ctx context.Context, orderID, actorID string) (*Order, error) {
	var (
		o          *Order
		writtenOff int
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		cur, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := checkActionable(cur, actorID); err != nil {
			return err
		}

		items := append([]LineItem(nil), cur.Items...)
		sort.SliceStable(items, func(a, b int) bool { return items[a].ProductID < items[b].ProductID })
		for _, it := range items {
			if err := s.stock.Release(ctx, tx, it.ProductID, it.Quantity); err != nil {
				return err
			}
		}
		if cur.CustomerID != "" {
			short, err := s.points.Reverse(ctx, tx, cur.CustomerID, cur.PointsRedeemed, cur.PointsEarned, cur.Total)
			if err != nil {
				return err
			}
			writtenOff = short
		}

		if err := s.transition(ctx, cur, PaymentCancelled, StatusCancelled); err != nil {
			return err
		}
		cur.UpdatedAt = s.now()
		if err := tx.UpdateOrder(ctx, cur); err != nil {
			return err
		}
		o = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	log := logging.FromContext(ctx)
	log.Info("order_cancelled", zap.String("order_id", o.ID))
	if writtenOff > 0 {
		s.metrics.LoyaltyWriteOffs.Add(float64(writtenOff))
		log.Warn("loyalty_points_written_off",
			zap.String("order_id", o.ID),
			zap.String("customer_id", o.CustomerID),
			zap.Int("points", writtenOff))
	}
	s.afterTransition(ctx, o, "Order cancelled", fmt.Sprintf("Order %s has been cancelled.", o.ID))
	return o, nil
}

func checkActionable(o *Order, actorID string) error {
	if !o.OwnedBy(actorID) {
		return ErrNotOwner
	}
	if !o.Payable() {
		return fmt.Errorf("%w: payment is %s", ErrNotPending, o.PaymentStatus)
	}
	return nil
}

// Reconcile applies a provider callback. Only malformed payloads and store
// failures return an error; the caller acknowledges the provider regardless.
func (s *Service) Reconcile(ctx context.Context, payload []byte) error {
	log := logging.FromContext(ctx)
	cb, err := mpesa.ParseCallback(payload)
	if err != nil {
		s.metrics.PaymentCallbacks.WithLabelValues("malformed").Inc()
		log.Warn("callback_malformed", zap.Error(err), zap.Int("bytes", len(payload)))
		return err
	}
	log = log.With(zap.String("checkout_request_id", cb.CheckoutRequestID), zap.Int("result_code", cb.ResultCode))

	dedupKey := "mpesa:" + cb.CheckoutRequestID + ":" + strconv.Itoa(cb.ResultCode)
	if s.dedup != nil {
		if seen, err := s.dedup.Seen(ctx, dedupKey); err == nil && seen {
			s.metrics.PaymentCallbacks.WithLabelValues(OutcomeDuplicate).Inc()
			log.Info("callback_duplicate")
			return nil
		}
	}

	var (
		outcome string
		order   *Order
	)
	err = s.store.InTx(ctx, func(tx Tx) error {
		ev := PaymentEvent{
			CorrelationID: cb.CheckoutRequestID,
			ResultCode:    cb.ResultCode,
			ResultDesc:    cb.ResultDesc,
			Receipt:       cb.Receipt(),
			CreatedAt:     s.now(),
		}
		o, err := tx.LockOrderByPaymentRequest(ctx, cb.CheckoutRequestID)
		switch {
		case errors.Is(err, ErrNotFound):
			outcome = OutcomeUnmatched
		case err != nil:
			return err
		default:
			ev.OrderID = o.ID
			outcome = s.applyCallback(ctx, o, cb, ev.Receipt)
			if outcome == OutcomeApplied {
				if err := tx.UpdateOrder(ctx, o); err != nil {
					return err
				}
				order = o
			}
		}
		ev.Outcome = outcome
		return tx.InsertPaymentEvent(ctx, ev)
	})
	if err != nil {
		log.Error("callback_store_failed", zap.Error(err))
		return err
	}
	s.metrics.PaymentCallbacks.WithLabelValues(outcome).Inc()

	switch outcome {
	case OutcomeApplied:
		log.Info("payment_completed", zap.String("order_id", order.ID), zap.String("receipt", order.ProviderCorrelationID))
		s.afterTransition(ctx, order, "Payment received",
			fmt.Sprintf("Payment for order %s received (receipt %s).", order.ID, order.ProviderCorrelationID))
	case OutcomeFailed:
		log.Info("payment_failed", zap.String("result_desc", cb.ResultDesc))
	case OutcomeDuplicate:
		log.Info("callback_duplicate")
	default:
		log.Warn("callback_not_applied", zap.String("outcome", outcome))
	}

	if s.dedup != nil && (outcome == OutcomeApplied || outcome == OutcomeDuplicate) {
		if err := s.dedup.Mark(ctx, dedupKey); err != nil {
			log.Warn("callback_dedup_mark_failed", zap.Error(err))
		}
	}
	return nil
}

// applyCallback mutates o in place and reports what happened. A failed result
// code leaves the order pending so the customer can retry.
func (s *Service) applyCallback(ctx context.Context, o *Order, cb *mpesa.Callback, receipt string) string {
	switch {
	case o.PaymentStatus == PaymentCompleted:
		return OutcomeDuplicate
	case !cb.Success():
		return OutcomeFailed
	case receipt == "":
		return OutcomeMissingReceipt
	}
	if err := s.transition(ctx, o, PaymentCompleted, StatusPaid); err != nil {
		return OutcomeRejected
	}
	o.ProviderCorrelationID = receipt
	o.UpdatedAt = s.now()
	return OutcomeApplied
}

// CompleteOrder marks a paid order fulfilled.
func (s *Service) CompleteOrder(ctx context.Context, orderID string) (*Order, error) {
	var o *Order
	err := s.store.InTx(ctx, func(tx Tx) error {
		cur, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := s.transition(ctx, cur, "", StatusCompleted); err != nil {
			return err
		}
		cur.UpdatedAt = s.now()
		if err := tx.UpdateOrder(ctx, cur); err != nil {
			return err
		}
		o = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, o, "Order completed", fmt.Sprintf("Order %s has been delivered.", o.ID))
	return o, nil
}

func (s *Service) Restock(ctx context.Context, productID string, qty int) (int, error) {
	if qty <= 0 {
		return 0, validationf("restock quantity must be positive")
	}
	var stock int
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		stock, err = s.stock.Restock(ctx, tx, productID, qty)
		return err
	})
	if err != nil {
		return 0, err
	}
	logging.FromContext(ctx).Info("product_restocked",
		zap.String("product_id", productID), zap.Int("added", qty), zap.Int("stock", stock))
	return stock, nil
}

// GetOrder returns the order if actorID owns it. An empty actorID with admin set skips the check.
func (s *Service) GetOrder(ctx context.Context, orderID, actorID string, admin bool) (*Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !admin && !o.OwnedBy(actorID) {
		return nil, ErrNotOwner
	}
	return o, nil
}

func (s *Service) ListOrders(ctx context.Context, customerID string) ([]*Order, error) {
	if customerID == "" {
		return nil, validationf("customer id is required")
	}
	return s.store.ListOrders(ctx, customerID)
}

// OrderStatus serves from the status cache and falls back to the store.
func (s *Service) OrderStatus(ctx context.Context, orderID string) (StatusView, error) {
	if s.cache != nil {
		v, err := s.cache.GetStatus(ctx, orderID)
		if err == nil && v != nil {
			return *v, nil
		}
		if err != nil {
			logging.FromContext(ctx).Debug("status_cache_get_failed", zap.Error(err))
		}
	}
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return StatusView{}, err
	}
	// a transition may have cached a newer status since the read above
	s.fillStatus(ctx, o)
	return o.StatusView(), nil
}

func (s *Service) transition(ctx context.Context, o *Order, pay PaymentStatus, st Status) error {
	field, to := "order", string(st)
	if pay != "" {
		field, to = "payment", string(pay)
	}
	if err := o.Transition(pay, st); err != nil {
		s.metrics.Transitions.WithLabelValues(field, to, "rejected").Inc()
		logging.FromContext(ctx).Warn("transition_rejected",
			zap.String("order_id", o.ID),
			zap.String("payment_status", string(o.PaymentStatus)),
			zap.String("order_status", string(o.Status)),
			zap.Error(err))
		return err
	}
	s.metrics.Transitions.WithLabelValues(field, to, "applied").Inc()
	return nil
}

func (s *Service) afterTransition(ctx context.Context, o *Order, title, msg string) {
	s.cacheStatus(ctx, o)
	if o.CustomerID == "" {
		return
	}
	err := s.sink.Notify(ctx, notify.Notification{
		Kind:     notify.KindOrderStatus,
		Title:    title,
		Message:  msg,
		Audience: o.CustomerID,
		OrderID:  o.ID,
	})
	if err != nil {
		logging.FromContext(ctx).Warn("status_notify_failed", zap.String("order_id", o.ID), zap.Error(err))
	}
}

func (s *Service) cacheStatus(ctx context.Context, o *Order) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetStatus(ctx, o.StatusView()); err != nil {
		logging.FromContext(ctx).Debug("status_cache_set_failed", zap.String("order_id", o.ID), zap.Error(err))
	}
}

func (s *Service) fillStatus(ctx context.Context, o *Order) {
	if s.cache == nil {
		return
	}
	if err := s.cache.FillStatus(ctx, o.StatusView()); err != nil {
		logging.FromContext(ctx).Debug("status_cache_fill_failed", zap.String("order_id", o.ID), zap.Error(err))
	}
}

func (s *Service) audit(ctx context.Context, ev PaymentEvent) {
	ev.CreatedAt = s.now()
	err := s.store.InTx(ctx, func(tx Tx) error { return tx.InsertPaymentEvent(ctx, ev) })
	if err != nil {
		logging.FromContext(ctx).Warn("payment_audit_failed", zap.String("order_id", ev.OrderID), zap.Error(err))
	}
}
