package service

import (
	"errors"
	"fmt"

	"checkout-service/internal/models"
)

// Validation and lookup errors surfaced by the services
var (
	ErrEmptyCart              = errors.New("cart is empty")
	ErrIncompleteShippingInfo = errors.New("incomplete shipping information")
	ErrMissingContact         = errors.New("missing contact phone number")
	ErrOrderNotFound          = errors.New("order not found")
	ErrPaymentIncomplete      = errors.New("payment not completed")
	ErrInvalidQuantity        = errors.New("quantity must be a positive integer")
	ErrCartLineNotFound       = errors.New("product is not in the cart")
	ErrProductNotFound        = errors.New("product not found")
	ErrIdempotencyKeyReused   = errors.New("idempotency key belongs to another request")
	ErrCartChanged            = errors.New("cart changed during checkout")
	ErrInvalidTransition      = models.ErrInvalidTransition
)

// InsufficientStockError names the product that could not be reserved
type InsufficientStockError struct {
	ProductID int64
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d (requested %d)", e.ProductID, e.Requested)
}

// IsValidation reports whether err was caused by caller input
func IsValidation(err error) bool {
	var stock *InsufficientStockError
	return errors.Is(err, ErrEmptyCart) ||
		errors.Is(err, ErrIncompleteShippingInfo) ||
		errors.Is(err, ErrMissingContact) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidPrice) ||
		errors.As(err, &stock)
}

// IsNotFound reports whether err means the addressed entity does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrProductNotFound) ||
		errors.Is(err, ErrCartLineNotFound)
}
