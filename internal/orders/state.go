package orders

import "fmt"

var paymentNext = map[PaymentStatus]map[PaymentStatus]bool{
	PaymentPending:   {PaymentCompleted: true, PaymentCancelled: true, PaymentFailed: true},
	PaymentFailed:    {PaymentPending: true, PaymentCompleted: true, PaymentCancelled: true},
	PaymentCompleted: {},
	PaymentCancelled: {},
}

var statusNext = map[Status]map[Status]bool{
	StatusProcessing: {StatusPaid: true, StatusCancelled: true},
	StatusPaid:       {StatusCompleted: true},
	StatusCompleted:  {},
	StatusCancelled:  {},
}

func CanTransitionPayment(from, to PaymentStatus) bool { return paymentNext[from][to] }

func CanTransitionStatus(from, to Status) bool { return statusNext[from][to] }

// Transition moves both axes at once. An empty target leaves that axis unchanged.
// Nothing is applied unless both moves are legal.
func (o *Order) Transition(pay PaymentStatus, st Status) error {
	if pay != "" && !CanTransitionPayment(o.PaymentStatus, pay) {
		return fmt.Errorf("%w: payment %s -> %s", ErrInvalidTransition, o.PaymentStatus, pay)
	}
	if st != "" && !CanTransitionStatus(o.Status, st) {
		return fmt.Errorf("%w: order %s -> %s", ErrInvalidTransition, o.Status, st)
	}
	if pay != "" {
		o.PaymentStatus = pay
	}
	if st != "" {
		o.Status = st
	}
	return nil
}
