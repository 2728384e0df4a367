package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSnapshot is the read-only view a polling client sees
type OrderSnapshot struct {
	ID            string          `json:"id"`
	CustomerID    string          `json:"customerId"`
	Stage         Stage           `json:"stage"`
	Status        Status          `json:"status"`
	TotalPrice    decimal.Decimal `json:"totalPrice"`
	Lines         []OrderLine     `json:"lines"`
	FailureReason FailureReason   `json:"failureReason,omitempty"`
	Terminal      bool            `json:"terminal"`
	PollAfterMs   int64           `json:"pollAfterMs,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
}

// NewSnapshot projects an order into its public snapshot. pollAfter is only
// advertised while the order can still change.
func NewSnapshot(o *Order, pollAfter time.Duration) *OrderSnapshot {
	s := &OrderSnapshot{
		ID:            o.ID,
		CustomerID:    o.CustomerID,
		Stage:         o.Stage,
		Status:        o.Stage.Public(),
		TotalPrice:    o.TotalPrice,
		Lines:         append([]OrderLine{}, o.Lines...),
		FailureReason: o.FailureReason,
		Terminal:      o.Stage.IsTerminal(),
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
		CompletedAt:   o.CompletedAt,
	}
	if !s.Terminal {
		s.PollAfterMs = pollAfter.Milliseconds()
	}
	return s
}
