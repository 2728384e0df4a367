package models

import "errors"

var (
	ErrProductNotFound     = errors.New("product not found")
	ErrCustomerNotFound    = errors.New("customer not found")
	ErrOrderNotFound       = errors.New("order not found")
	ErrReservationNotFound = errors.New("reservation not found")

	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInsufficientBudget = errors.New("insufficient budget")
	ErrInvalidQuantity    = errors.New("invalid quantity")
	// ErrQuantityCapExceeded is returned when a merged cart line would exceed MaxLineQuantity.
	ErrQuantityCapExceeded = errors.New("quantity cap exceeded")
	ErrEmptyCart           = errors.New("cart is empty")

	// ErrOrderClaimed is returned when another worker holds a live lease on the order.
	ErrOrderClaimed = errors.New("order claimed by another worker")
	// ErrOrderNotQueued is returned when processing is requested for an order still in Pending.
	ErrOrderNotQueued = errors.New("order not admitted to the pipeline")
	ErrOrderTerminal  = errors.New("order already in a terminal stage")
	// ErrStaleTransition is returned when a stage CAS loses (wrong stage or lease lost).
	ErrStaleTransition = errors.New("stale stage transition")

	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)
