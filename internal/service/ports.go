package service

import (
	"context"
	"errors"
	"time"

	"order-pipeline/internal/models"

	"github.com/shopspring/decimal"
)

var (
	// ErrCartRejected is returned by SubmitOrder when one or more lines failed validation.
	ErrCartRejected = errors.New("cart rejected")
	// ErrNotCancellable is returned when cancellation is requested after admission.
	ErrNotCancellable = errors.New("order can only be cancelled while pending")
	ErrInvalidAmount  = errors.New("invalid amount")
)

// OrderStore is the persistence the order pipeline runs on
type OrderStore interface {
	GetProductByID(ctx context.Context, id string) (*models.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) ([]models.Product, error)
	GetCustomerByID(ctx context.Context, id string) (*models.Customer, error)

	ReserveStock(ctx context.Context, orderID, productID string, quantity int) (*models.Reservation, error)
	CommitReservation(ctx context.Context, id string) (models.ReservationStatus, error)
	ReleaseReservation(ctx context.Context, id string) (models.ReservationStatus, error)
	GetReservationsByOrderID(ctx context.Context, orderID string) ([]models.Reservation, error)

	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, error)
	ListOrderIDsByStage(ctx context.Context, stage models.Stage, limit int) ([]string, error)

	AdmitOrder(ctx context.Context, id string) (bool, error)
	CancelOrder(ctx context.Context, id string) (bool, error)
	ClaimOrder(ctx context.Context, id, owner string, lease time.Duration) (*models.Order, error)
	ExtendClaim(ctx context.Context, id, owner string, lease time.Duration) error
	ReleaseClaim(ctx context.Context, id, owner string) error
	AdvanceStage(ctx context.Context, id, owner string, from, to models.Stage) error

	ChargeOrder(ctx context.Context, id, owner string) (*models.Payment, error)
	CompleteOrder(ctx context.Context, id, owner string, threshold decimal.Decimal) (bool, error)
	FailOrder(ctx context.Context, id, owner string, reason models.FailureReason) error
	GetPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error)

	AppendLog(ctx context.Context, entry *models.LogEntry) error
	ListLogs(ctx context.Context, filter models.LogFilter) ([]models.LogEntry, error)
}

// CatalogStore is the persistence behind product and customer administration
type CatalogStore interface {
	CreateProduct(ctx context.Context, p *models.Product) error
	GetProductByID(ctx context.Context, id string) (*models.Product, error)
	GetProducts(ctx context.Context, limit, offset int) ([]models.Product, error)
	UpdateProduct(ctx context.Context, id, name string, price decimal.Decimal) (*models.Product, error)
	AdjustStock(ctx context.Context, id string, delta int) (*models.Product, error)
	DeleteProduct(ctx context.Context, id string) error

	CreateCustomer(ctx context.Context, c *models.Customer) error
	GetCustomerByID(ctx context.Context, id string) (*models.Customer, error)
	TopUpBudget(ctx context.Context, id string, amount decimal.Decimal) (*models.Customer, error)
}

// Dispatcher hands an admitted order to whatever runs the pipeline
type Dispatcher interface {
	Dispatch(ctx context.Context, orderID string) error
}

// EventPublisher publishes order domain events
type EventPublisher interface {
	PublishOrderSubmitted(ctx context.Context, event *models.OrderSubmittedEvent) error
	PublishStageChanged(ctx context.Context, event *models.OrderStageChangedEvent) error
	PublishCustomerPromoted(ctx context.Context, event *models.CustomerPromotedEvent) error
}

// Locker serializes batch admission across instances
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, lockKey, token string) error
}

// CartSource supplies and clears the server-owned cart at checkout
type CartSource interface {
	Lines(ctx context.Context, customerID string) ([]models.CartLine, error)
	Clear(ctx context.Context, customerID string) error
}
