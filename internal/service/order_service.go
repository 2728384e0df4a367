package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-pipeline/internal/cart"
	"order-pipeline/internal/models"
	"order-pipeline/internal/util"

	"go.uber.org/zap"
)

const processLockKey = "process-orders"

// OrderServiceConfig tunes admission and polling hints
type OrderServiceConfig struct {
	BatchSize    int
	PollInterval time.Duration
	LockTTL      time.Duration
}

// OrderService handles order submission, admission and queries
type OrderService struct {
	store      OrderStore
	validator  *cart.Validator
	carts      CartSource
	dispatcher Dispatcher
	locker     Locker
	events     EventPublisher
	cfg        OrderServiceConfig
	logger     *zap.Logger
}

// NewOrderService creates a new order service. locker and carts may be nil.
func NewOrderService(
	store OrderStore,
	validator *cart.Validator,
	carts CartSource,
	dispatcher Dispatcher,
	locker Locker,
	events EventPublisher,
	cfg OrderServiceConfig,
) *OrderService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &OrderService{
		store:      store,
		validator:  validator,
		carts:      carts,
		dispatcher: dispatcher,
		locker:     locker,
		events:     events,
		cfg:        cfg,
		logger:     util.GetLogger(),
	}
}

// SubmitOrderRequest represents a request to submit a cart as an order
type SubmitOrderRequest struct {
	CustomerID     string            `json:"customerId" binding:"required"`
	Lines          []models.CartLine `json:"lines" binding:"required,min=1"`
	ProcessNow     bool              `json:"processNow"`
	IdempotencyKey string            `json:"-"`
}

// SubmitOrderResult is the outcome of a submission. Validation is set when the
// cart was rejected; Order is set when an order exists.
type SubmitOrderResult struct {
	Order      *models.OrderSnapshot `json:"order,omitempty"`
	Validation *cart.Result          `json:"validation,omitempty"`
	Duplicate  bool                  `json:"duplicate,omitempty"`
}

// SubmitOrder validates the cart and records a Pending order. It returns
// ErrCartRejected together with the per-line rejections when any line fails.
func (s *OrderService) SubmitOrder(ctx context.Context, req *SubmitOrderRequest) (*SubmitOrderResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.SubmitOrder")
	defer span.End()

	if req.IdempotencyKey != "" {
		existing, err := s.store.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			s.logger.Info("Duplicate order request detected",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.String("order_id", existing.ID))
			return &SubmitOrderResult{Order: s.snapshot(existing), Duplicate: true}, nil
		}
	}

	validation, err := s.validator.Validate(ctx, req.CustomerID, req.Lines)
	if err != nil {
		return nil, err
	}
	if !validation.Valid() {
		return &SubmitOrderResult{Validation: validation}, ErrCartRejected
	}

	order := &models.Order{
		CustomerID: req.CustomerID,
		TotalPrice: validation.Total,
		Stage:      models.StagePending,
		Lines:      validation.Lines,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		order.IdempotencyKey = &key
	}

	if err := s.store.CreateOrder(ctx, order); err != nil {
		if errors.Is(err, models.ErrDuplicateIdempotencyKey) {
			existing, getErr := s.store.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
			if getErr == nil && existing != nil {
				return &SubmitOrderResult{Order: s.snapshot(existing), Duplicate: true}, nil
			}
		}
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersSubmittedTotal.Inc()
	s.logger.Info("Order submitted",
		zap.String("order_id", order.ID),
		zap.String("customer_id", order.CustomerID),
		zap.String("total", order.TotalPrice.String()))
	s.audit(ctx, order, models.LogInfo, fmt.Sprintf("Order submitted, total %s", order.TotalPrice))

	event := &models.OrderSubmittedEvent{
		BaseEvent:  newBaseEvent(models.EventTypeOrderSubmitted),
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		TotalPrice: order.TotalPrice,
		Lines:      order.Lines,
	}
	if err := s.events.PublishOrderSubmitted(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderSubmitted event", zap.Error(err))
	}

	if req.ProcessNow {
		snap, err := s.ProcessOrder(ctx, order.ID)
		if err != nil {
			s.logger.Error("Immediate admission failed", zap.String("order_id", order.ID), zap.Error(err))
		} else {
			return &SubmitOrderResult{Order: snap}, nil
		}
	}

	return &SubmitOrderResult{Order: s.snapshot(order)}, nil
}

// Checkout submits the customer's server-side cart and clears it once an order exists
func (s *OrderService) Checkout(ctx context.Context, customerID string, processNow bool, idempotencyKey string) (*SubmitOrderResult, error) {
	if s.carts == nil {
		return nil, errors.New("cart checkout not configured")
	}
	lines, err := s.carts.Lines(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, models.ErrEmptyCart
	}

	result, err := s.SubmitOrder(ctx, &SubmitOrderRequest{
		CustomerID:     customerID,
		Lines:          lines,
		ProcessNow:     processNow,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return result, err
	}
	if err := s.carts.Clear(ctx, customerID); err != nil {
		s.logger.Error("Failed to clear cart after checkout", zap.String("customer_id", customerID), zap.Error(err))
	}
	return result, nil
}

// TriggerProcessing admits every Pending order into the pipeline and returns how many
// it admitted. Orders already past Pending are left alone.
func (s *OrderService) TriggerProcessing(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.TriggerProcessing")
	defer span.End()

	if s.locker != nil {
		token, ok, err := s.locker.AcquireLock(ctx, processLockKey, s.cfg.LockTTL)
		if err != nil {
			return 0, fmt.Errorf("failed to acquire processing lock: %w", err)
		}
		if !ok {
			s.logger.Info("Batch admission already running elsewhere")
			return 0, nil
		}
		defer func() {
			if err := s.locker.ReleaseLock(context.WithoutCancel(ctx), processLockKey, token); err != nil {
				s.logger.Error("Failed to release processing lock", zap.Error(err))
			}
		}()
	}

	admitted := 0
	for {
		ids, err := s.store.ListOrderIDsByStage(ctx, models.StagePending, s.cfg.BatchSize)
		if err != nil {
			return admitted, fmt.Errorf("failed to list pending orders: %w", err)
		}
		if len(ids) == 0 {
			break
		}

		progressed := false
		for _, id := range ids {
			ok, err := s.admit(ctx, id)
			if err != nil {
				return admitted, err
			}
			if ok {
				admitted++
				progressed = true
			}
		}
		if !progressed || len(ids) < s.cfg.BatchSize {
			break
		}
	}

	s.logger.Info("Batch admission finished", zap.Int("admitted", admitted))
	return admitted, nil
}

// ProcessOrder admits a single order. Calling it on an order already past Pending is a no-op.
func (s *OrderService) ProcessOrder(ctx context.Context, orderID string) (*models.OrderSnapshot, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ProcessOrder")
	defer span.End()

	if _, err := s.admit(ctx, orderID); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orderID)
}

func (s *OrderService) admit(ctx context.Context, orderID string) (bool, error) {
	ok, err := s.store.AdmitOrder(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("failed to admit order %s: %w", orderID, err)
	}
	if !ok {
		return false, nil
	}

	util.OrdersAdmittedTotal.Inc()
	s.logger.Info("Order admitted", zap.String("order_id", orderID))

	if err := s.dispatcher.Dispatch(ctx, orderID); err != nil {
		// the order stays queued without a lease, so the sweeper picks it up
		s.logger.Warn("Dispatch failed", zap.String("order_id", orderID), zap.Error(err))
	}
	return true, nil
}

// CancelOrder cancels an order that has not been admitted yet
func (s *OrderService) CancelOrder(ctx context.Context, orderID string) (*models.OrderSnapshot, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder")
	defer span.End()

	ok, err := s.store.CancelOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.snapshot(order), ErrNotCancellable
	}

	util.OrdersCancelledTotal.Inc()
	s.logger.Info("Order cancelled", zap.String("order_id", orderID))
	s.audit(ctx, order, models.LogWarning, "Order cancelled before processing")

	event := &models.OrderStageChangedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeOrderFailed),
		OrderID:       order.ID,
		CustomerID:    order.CustomerID,
		From:          models.StagePending,
		To:            order.Stage,
		Status:        order.Stage.Public(),
		FailureReason: order.FailureReason,
	}
	if err := s.events.PublishStageChanged(ctx, event); err != nil {
		s.logger.Error("Failed to publish cancellation event", zap.Error(err))
	}
	return s.snapshot(order), nil
}

// GetOrder returns the order snapshot read in one statement from the store
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.OrderSnapshot, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.snapshot(order), nil
}

// ListOrdersQuery filters order listings. Status expands to the stages it projects.
type ListOrdersQuery struct {
	CustomerID string
	Stage      models.Stage
	Status     models.Status
	Limit      int
}

// ListOrders returns order snapshots, newest first
func (s *OrderService) ListOrders(ctx context.Context, q ListOrdersQuery) ([]models.OrderSnapshot, error) {
	filter := models.OrderFilter{CustomerID: q.CustomerID, Limit: q.Limit}
	switch {
	case q.Stage != "":
		filter.Stages = []models.Stage{q.Stage}
	case q.Status != "":
		filter.Stages = models.StagesForStatus(q.Status)
		if filter.Stages == nil {
			return nil, fmt.Errorf("unknown status %q", q.Status)
		}
	}

	orders, err := s.store.ListOrders(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]models.OrderSnapshot, len(orders))
	for i := range orders {
		out[i] = *s.snapshot(&orders[i])
	}
	return out, nil
}

// ListLogs returns audit log entries
func (s *OrderService) ListLogs(ctx context.Context, filter models.LogFilter) ([]models.LogEntry, error) {
	return s.store.ListLogs(ctx, filter)
}

// PollInterval is the cadence advertised to polling clients
func (s *OrderService) PollInterval() time.Duration {
	return s.cfg.PollInterval
}

func (s *OrderService) snapshot(o *models.Order) *models.OrderSnapshot {
	return models.NewSnapshot(o, s.cfg.PollInterval)
}

func (s *OrderService) audit(ctx context.Context, order *models.Order, level models.LogLevel, details string) {
	entry := &models.LogEntry{
		CustomerID: order.CustomerID,
		OrderID:    order.ID,
		Level:      level,
		Details:    details,
	}
	if err := s.store.AppendLog(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Error("Failed to append audit log", zap.String("order_id", order.ID), zap.Error(err))
	}
}
