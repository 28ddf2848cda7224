package httpx

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ariefcatur/go-mpesa-orders/internal/logging"
	"github.com/ariefcatur/go-mpesa-orders/internal/orders"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	headerCustomerID    = "X-Customer-ID"
	headerCustomerName  = "X-Customer-Name"
	headerCustomerEmail = "X-Customer-Email"
	headerAdminToken    = "X-Admin-Token"

	maxCallbackBytes = 1 << 20
)

type OrdersHandler struct {
	Service    *orders.Service
	AdminToken string
}

type createOrderReq struct {
	Items           []orders.CartItem `json:"items"`
	Name            string            `json:"name"`
	Email           string            `json:"email"`
	Phone           string            `json:"phone"`
	DeliveryAddress string            `json:"deliveryAddress"`
	PaymentMethod   string            `json:"paymentMethod"`
	RedeemPoints    int               `json:"redeemPoints"`
}

type orderResp struct {
	Order        *orders.Order `json:"order"`
	PaymentError string        `json:"paymentError,omitempty"`
}

type restockReq struct {
	Quantity int `json:"quantity"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/orders", h.createOrder)
		r.Get("/orders", h.listOrders)
		r.Get("/orders/{id}", h.getOrder)
		r.Get("/orders/{id}/status", h.orderStatus)
		r.Post("/orders/{id}/retry-payment", h.retryPayment)
		r.Post("/orders/{id}/cancel", h.cancelOrder)
		r.Post("/mpesa/callback", h.mpesaCallback)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAdmin)
			r.Post("/admin/orders/{id}/complete", h.completeOrder)
			r.Post("/admin/products/{id}/restock", h.restock)
		})
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error("request_failed", zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orders.ErrEmptyCart), errors.Is(err, orders.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, orders.ErrNotFound), errors.Is(err, orders.ErrProductNotFound):
		return http.StatusNotFound
	case errors.Is(err, orders.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, orders.ErrNotPending), errors.Is(err, orders.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, orders.ErrInsufficientStock), errors.Is(err, orders.ErrInsufficientPoints):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	customerID := strings.TrimSpace(r.Header.Get(headerCustomerID))
	name, email := req.Name, req.Email
	if customerID != "" {
		name = firstNonEmpty(r.Header.Get(headerCustomerName), req.Name)
		email = firstNonEmpty(r.Header.Get(headerCustomerEmail), req.Email)
	}

	o, err := h.Service.CreateOrder(r.Context(), orders.CreateOrderInput{
		CustomerID:      customerID,
		CustomerName:    name,
		CustomerEmail:   email,
		CustomerPhone:   req.Phone,
		DeliveryAddress: req.DeliveryAddress,
		Items:           req.Items,
		PaymentMethod:   orders.PaymentMethod(strings.ToLower(req.PaymentMethod)),
		RedeemPoints:    req.RedeemPoints,
	})
	h.writeOrder(w, r, http.StatusCreated, o, err)
}

// writeOrder reports a payment failure alongside the committed order instead of failing the request.
func (h *OrdersHandler) writeOrder(w http.ResponseWriter, r *http.Request, code int, o *orders.Order, err error) {
	switch {
	case err == nil:
		writeJSON(w, code, orderResp{Order: o})
	case errors.Is(err, orders.ErrPaymentGateway) && o != nil:
		writeJSON(w, code, orderResp{Order: o, PaymentError: orders.ErrPaymentGateway.Error()})
	default:
		writeError(w, r, err)
	}
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	list, err := h.Service.ListOrders(ctx, r.Header.Get(headerCustomerID))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*orders.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": list})
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Service.GetOrder(ctx, chi.URLParam(r, "id"), r.Header.Get(headerCustomerID), h.isAdmin(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResp{Order: o})
}

func (h *OrdersHandler) orderStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	v, err := h.Service.OrderStatus(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *OrdersHandler) retryPayment(w http.ResponseWriter, r *http.Request) {
	o, err := h.Service.RetryPayment(r.Context(), chi.URLParam(r, "id"), r.Header.Get(headerCustomerID))
	h.writeOrder(w, r, http.StatusOK, o, err)
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Service.CancelOrder(r.Context(), chi.URLParam(r, "id"), r.Header.Get(headerCustomerID))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResp{Order: o})
}

// mpesaCallback always acknowledges; the provider retries anything else.
func (h *OrdersHandler) mpesaCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBytes))
	if err != nil {
		logging.FromContext(r.Context()).Warn("callback_read_failed", zap.Error(err))
	} else {
		_ = h.Service.Reconcile(context.WithoutCancel(r.Context()), body)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ResultCode": 0, "ResultDesc": "Accepted"})
}

func (h *OrdersHandler) completeOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Service.CompleteOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResp{Order: o})
}

func (h *OrdersHandler) restock(w http.ResponseWriter, r *http.Request) {
	var req restockReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	id := chi.URLParam(r, "id")
	stock, err := h.Service.Restock(r.Context(), id, req.Quantity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"productId": id, "stockQuantity": stock})
}

func (h *OrdersHandler) isAdmin(r *http.Request) bool {
	got := r.Header.Get(headerAdminToken)
	return h.AdminToken != "" && got != "" &&
		subtle.ConstantTimeCompare([]byte(got), []byte(h.AdminToken)) == 1
}

func (h *OrdersHandler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.isAdmin(r) {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin token required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
