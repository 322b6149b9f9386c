package models

import (
	"errors"
	"fmt"
)

// OrderStatus is the fulfillment status of an order
type OrderStatus string

// PaymentStatus is the payment status of an order
type PaymentStatus string

// Order statuses
const (
	OrderStatusNew       OrderStatus = "NEW"
	OrderStatusPaid      OrderStatus = "PAID"
	OrderStatusShipped   OrderStatus = "SHIPPED"
	OrderStatusDelivered OrderStatus = "DELIVERED"
)

// Payment statuses
const (
	PaymentStatusPending PaymentStatus = "PENDING"
	PaymentStatusPaid    PaymentStatus = "PAID"
	PaymentStatusFailed  PaymentStatus = "FAILED"
)

// Stage is the lifecycle position derived from the stored statuses
type Stage string

// Lifecycle stages
const (
	StageNew             Stage = "NEW"
	StageAwaitingPayment Stage = "AWAITING_PAYMENT"
	StagePaid            Stage = "PAID"
	StageFailed          Stage = "FAILED"
	StageShipped         Stage = "SHIPPED"
	StageDelivered       Stage = "DELIVERED"
)

// ErrInvalidTransition is returned when a transition would move an order
// backwards or skip a required step.
var ErrInvalidTransition = errors.New("invalid order transition")

var statusRank = map[OrderStatus]int{
	OrderStatusNew:       0,
	OrderStatusPaid:      1,
	OrderStatusShipped:   2,
	OrderStatusDelivered: 3,
}

// Rank orders fulfillment statuses; unknown statuses rank below NEW.
func (s OrderStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Stage derives the lifecycle stage of the order
func (o Order) Stage() Stage {
	switch {
	case o.PaymentStatus == PaymentStatusFailed:
		return StageFailed
	case o.Status == OrderStatusDelivered:
		return StageDelivered
	case o.Status == OrderStatusShipped:
		return StageShipped
	case o.Status == OrderStatusPaid:
		return StagePaid
	case o.PaymentIntentID != nil && *o.PaymentIntentID != "":
		return StageAwaitingPayment
	default:
		return StageNew
	}
}

// IsPaid reports whether funds were captured for the order
func (o Order) IsPaid() bool {
	return o.PaymentStatus == PaymentStatusPaid
}

// IsSettled reports whether payment reached a terminal state
func (o Order) IsSettled() bool {
	return o.PaymentStatus == PaymentStatusPaid || o.PaymentStatus == PaymentStatusFailed
}

// WithPaymentIntent records the remote payment intent. The id is set once.
func (o Order) WithPaymentIntent(intentID string) (Order, error) {
	if intentID == "" {
		return o, fmt.Errorf("%w: empty payment intent id", ErrInvalidTransition)
	}
	if o.PaymentIntentID != nil && *o.PaymentIntentID != "" {
		if *o.PaymentIntentID == intentID {
			return o, nil
		}
		return o, fmt.Errorf("%w: payment intent already set", ErrInvalidTransition)
	}
	if o.Status != OrderStatusNew || o.PaymentStatus != PaymentStatusPending {
		return o, fmt.Errorf("%w: order %d is %s", ErrInvalidTransition, o.ID, o.Stage())
	}
	next := o.clone()
	next.PaymentIntentID = &intentID
	return next, nil
}

// MarkPaid moves an order awaiting payment to PAID
func (o Order) MarkPaid() (Order, error) {
	if o.PaymentStatus != PaymentStatusPending || o.Status != OrderStatusNew {
		return o, fmt.Errorf("%w: cannot mark %s order %d paid", ErrInvalidTransition, o.Stage(), o.ID)
	}
	next := o.clone()
	next.PaymentStatus = PaymentStatusPaid
	next.Status = OrderStatusPaid
	return next, nil
}

// MarkPaymentFailed records a terminal payment rejection
func (o Order) MarkPaymentFailed() (Order, error) {
	if o.PaymentStatus != PaymentStatusPending || o.Status != OrderStatusNew {
		return o, fmt.Errorf("%w: cannot fail %s order %d", ErrInvalidTransition, o.Stage(), o.ID)
	}
	next := o.clone()
	next.PaymentStatus = PaymentStatusFailed
	return next, nil
}

// MarkShipped records the carrier and its tracking id and moves PAID to SHIPPED
func (o Order) MarkShipped(trackingID, carrier string, label *string) (Order, error) {
	if trackingID == "" {
		return o, fmt.Errorf("%w: empty tracking id", ErrInvalidTransition)
	}
	if o.Status != OrderStatusPaid || !o.IsPaid() {
		return o, fmt.Errorf("%w: cannot ship %s order %d", ErrInvalidTransition, o.Stage(), o.ID)
	}
	next := o.clone()
	next.TrackingID = &trackingID
	next.Carrier = carrier
	next.LabelBase64 = label
	next.Status = OrderStatusShipped
	return next, nil
}

// MarkDelivered moves SHIPPED to DELIVERED
func (o Order) MarkDelivered() (Order, error) {
	if o.Status != OrderStatusShipped || !o.IsPaid() {
		return o, fmt.Errorf("%w: cannot deliver %s order %d", ErrInvalidTransition, o.Stage(), o.ID)
	}
	next := o.clone()
	next.Status = OrderStatusDelivered
	return next, nil
}

func (o Order) clone() Order {
	next := o
	if o.Items != nil {
		next.Items = append([]OrderItem(nil), o.Items...)
	}
	return next
}
