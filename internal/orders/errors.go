package orders

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidState      = errors.New("invalid order state for this operation")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrNotListed         = errors.New("product not listed")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrEmptyOrder        = errors.New("order has no items")
	ErrMultipleSellers   = errors.New("cart lines span multiple sellers")

	// ErrDuplicateOrderNo means the generated order number lost the
	// uniqueness race on save; regenerate and retry.
	ErrDuplicateOrderNo = errors.New("duplicate order number")

	// ErrConflict means a concurrent update won the race: the order (or
	// product row) no longer matches the state this call observed.
	// Callers may retry from a fresh read.
	ErrConflict = errors.New("concurrent modification")
)

// StockError carries the shortage detail for one product. Unwraps to
// ErrInsufficientStock.
type StockError struct {
	ProductID int64
	Required  int
	Available int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: required %d, available %d",
		e.ProductID, e.Required, e.Available)
}

func (e *StockError) Unwrap() error { return ErrInsufficientStock }
