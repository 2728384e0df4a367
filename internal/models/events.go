package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderSubmitted    = "ORDER_SUBMITTED"
	EventTypeOrderQueued       = "ORDER_QUEUED"
	EventTypeOrderStageChanged = "ORDER_STAGE_CHANGED"
	EventTypeOrderCompleted    = "ORDER_COMPLETED"
	EventTypeOrderFailed       = "ORDER_FAILED"
	EventTypeCustomerPromoted  = "CUSTOMER_PROMOTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderSubmittedEvent published when an order record is created
type OrderSubmittedEvent struct {
	BaseEvent
	OrderID    string          `json:"order_id"`
	CustomerID string          `json:"customer_id"`
	TotalPrice decimal.Decimal `json:"total_price"`
	Lines      []OrderLine     `json:"lines"`
}

// OrderQueuedEvent carries an admitted order to the pipeline workers
type OrderQueuedEvent struct {
	BaseEvent
	OrderID string `json:"order_id"`
}

// OrderStageChangedEvent published on every stage transition
type OrderStageChangedEvent struct {
	BaseEvent
	OrderID       string        `json:"order_id"`
	CustomerID    string        `json:"customer_id"`
	From          Stage         `json:"from"`
	To            Stage         `json:"to"`
	Status        Status        `json:"status"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
}

// CustomerPromotedEvent published when a customer crosses the premium threshold
type CustomerPromotedEvent struct {
	BaseEvent
	CustomerID string          `json:"customer_id"`
	TotalSpent decimal.Decimal `json:"total_spent"`
}
