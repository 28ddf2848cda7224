package orders

import (
	"errors"
	"fmt"

	"github.com/ariefcatur/go-mpesa-orders/internal/inventory"
	"github.com/ariefcatur/go-mpesa-orders/internal/loyalty"
	"github.com/ariefcatur/go-mpesa-orders/internal/mpesa"
)

var (
	ErrValidation         = errors.New("validation error")
	ErrEmptyCart          = errors.New("cart is empty")
	ErrProductNotFound    = inventory.ErrProductNotFound
	ErrInsufficientStock  = inventory.ErrInsufficientStock
	ErrInsufficientPoints = loyalty.ErrInsufficientPoints
	ErrNotFound           = errors.New("order not found")
	ErrNotOwner           = errors.New("order belongs to another customer")
	ErrNotPending         = errors.New("order payment is not pending")
	ErrPaymentGateway     = errors.New("payment initiation failed, please retry")
	ErrMalformedCallback  = mpesa.ErrMalformedCallback
	ErrInvalidTransition  = errors.New("invalid status transition")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

// rejectReason labels a checkout failure for metrics.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrEmptyCart):
		return "empty_cart"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrProductNotFound):
		return "product_not_found"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrInsufficientPoints):
		return "insufficient_points"
	default:
		return "internal"
	}
}
