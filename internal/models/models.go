package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MaxLineQuantity is the hard per-product cap for a single cart or order line.
const MaxLineQuantity = 5

// Product represents a product in the catalog
type Product struct {
	ID             string          `db:"id" json:"id"`
	Name           string          `db:"name" json:"name"`
	UnitPrice      decimal.Decimal `db:"unit_price" json:"unitPrice"`
	AvailableStock int             `db:"available_stock" json:"availableStock"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updatedAt"`
	DeletedAt      *time.Time      `db:"deleted_at" json:"-"`
}

// Customer represents a shopper and their wallet
type Customer struct {
	ID         string          `db:"id" json:"id"`
	Name       string          `db:"name" json:"name"`
	Budget     decimal.Decimal `db:"budget" json:"budget"`
	TotalSpent decimal.Decimal `db:"total_spent" json:"totalSpent"`
	Tier       Tier            `db:"tier" json:"tier"`
	CreatedAt  time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updatedAt"`
}

// Tier is the customer classification driven by cumulative spend
type Tier string

const (
	TierNormal  Tier = "Normal"
	TierPremium Tier = "Premium"
)

// CartLine is a proposed (product, quantity) pair
type CartLine struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// Order is the persisted order record driven by the pipeline
type Order struct {
	ID             string          `db:"id" json:"id"`
	CustomerID     string          `db:"customer_id" json:"customerId"`
	TotalPrice     decimal.Decimal `db:"total_price" json:"totalPrice"`
	Stage          Stage           `db:"stage" json:"stage"`
	FailureReason  FailureReason   `db:"failure_reason" json:"failureReason,omitempty"`
	IdempotencyKey *string         `db:"idempotency_key" json:"-"`
	LockedBy       string          `db:"locked_by" json:"-"`
	LockedUntil    *time.Time      `db:"locked_until" json:"-"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updatedAt"`
	CompletedAt    *time.Time      `db:"completed_at" json:"completedAt,omitempty"`
	Lines          []OrderLine     `db:"-" json:"lines"`
}

// OrderLine is a line item with the unit price snapshotted at order time
type OrderLine struct {
	OrderID   string          `db:"order_id" json:"-"`
	ProductID string          `db:"product_id" json:"productId"`
	Quantity  int             `db:"quantity" json:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price" json:"unitPrice"`
}

// Subtotal returns quantity * unit price
func (l OrderLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Clone returns a deep copy so callers cannot mutate shared state
func (o *Order) Clone() *Order {
	c := *o
	c.Lines = append([]OrderLine(nil), o.Lines...)
	if o.IdempotencyKey != nil {
		k := *o.IdempotencyKey
		c.IdempotencyKey = &k
	}
	if o.LockedUntil != nil {
		t := *o.LockedUntil
		c.LockedUntil = &t
	}
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// OrderFilter narrows GetOrders listings
type OrderFilter struct {
	CustomerID string
	Stages     []Stage
	Limit      int
}

// Reservation is a hold on product stock taken by an order
type Reservation struct {
	ID        string            `db:"id" json:"id"`
	OrderID   string            `db:"order_id" json:"orderId"`
	ProductID string            `db:"product_id" json:"productId"`
	Quantity  int               `db:"quantity" json:"quantity"`
	Status    ReservationStatus `db:"status" json:"status"`
	CreatedAt time.Time         `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time         `db:"updated_at" json:"updatedAt"`
}

// ReservationStatus tracks the lifecycle of a reservation
type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "held"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
)

// Payment represents a wallet debit taken for an order
type Payment struct {
	ID         string          `db:"id" json:"id"`
	OrderID    string          `db:"order_id" json:"orderId"`
	CustomerID string          `db:"customer_id" json:"customerId"`
	Amount     decimal.Decimal `db:"amount" json:"amount"`
	Status     string          `db:"status" json:"status"`
	CreatedAt  time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updatedAt"`
}

// Payment statuses
const (
	PaymentStatusCaptured = "captured"
	PaymentStatusRefunded = "refunded"
)

// LogEntry is an audit record shown on the admin live log panel
type LogEntry struct {
	ID         string    `db:"id" json:"id"`
	CustomerID string    `db:"customer_id" json:"customerId"`
	OrderID    string    `db:"order_id" json:"orderId"`
	Level      LogLevel  `db:"level" json:"logType"`
	Details    string    `db:"details" json:"details"`
	CreatedAt  time.Time `db:"created_at" json:"createdDate"`
}

// LogLevel classifies audit entries
type LogLevel string

const (
	LogInfo    LogLevel = "Info"
	LogWarning LogLevel = "Warning"
	LogError   LogLevel = "Error"
)

// LogFilter narrows audit log listings
type LogFilter struct {
	CustomerID string
	OrderID    string
	Level      LogLevel
	Limit      int
}
