package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-pipeline/internal/cart"
	"order-pipeline/internal/ledger"
	"order-pipeline/internal/models"
	"order-pipeline/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PipelineConfig tunes stage execution
type PipelineConfig struct {
	Lease            time.Duration
	StageTimeout     time.Duration
	RetryAttempts    int
	RetryBackoff     time.Duration
	PremiumThreshold decimal.Decimal
}

// Pipeline drives a single order through its stages. Every run first claims the
// order; a run that cannot claim it does nothing.
type Pipeline struct {
	store    OrderStore
	ledger   *ledger.Ledger
	payments *PaymentService
	events   EventPublisher
	cfg      PipelineConfig
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewPipeline creates a new order pipeline
func NewPipeline(
	store OrderStore,
	ledger *ledger.Ledger,
	payments *PaymentService,
	events EventPublisher,
	cfg PipelineConfig,
) *Pipeline {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	return &Pipeline{
		store:    store,
		ledger:   ledger,
		payments: payments,
		events:   events,
		cfg:      cfg,
		logger:   util.GetLogger(),
		sleep:    sleepContext,
	}
}

// Process claims orderID and advances it until it is terminal. It returns
// models.ErrOrderClaimed, models.ErrOrderTerminal or models.ErrOrderNotQueued
// without side effects when there is nothing for this caller to do.
func (p *Pipeline) Process(ctx context.Context, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "Pipeline.Process")
	defer span.End()

	owner := uuid.New().String()
	order, err := p.store.ClaimOrder(ctx, orderID, owner, p.cfg.Lease)
	if err != nil {
		if errors.Is(err, models.ErrOrderClaimed) {
			util.ClaimConflictsTotal.Inc()
		}
		return nil, err
	}
	defer func() {
		if err := p.store.ReleaseClaim(context.WithoutCancel(ctx), orderID, owner); err != nil {
			p.logger.Error("Failed to release claim", zap.String("order_id", orderID), zap.Error(err))
		}
	}()

	p.logger.Info("Order claimed",
		zap.String("order_id", orderID),
		zap.String("owner", owner),
		zap.String("stage", string(order.Stage)))

	for !order.Stage.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return order, err
		}
		if err := p.store.ExtendClaim(ctx, orderID, owner, p.cfg.Lease); err != nil {
			return order, fmt.Errorf("lost claim on order %s: %w", orderID, err)
		}

		from := order.Stage
		start := time.Now()
		next, reason, err := p.step(ctx, order, owner)
		util.StageDuration.WithLabelValues(string(from)).Observe(time.Since(start).Seconds())
		if err != nil {
			p.logger.Warn("Stage interrupted",
				zap.String("order_id", orderID),
				zap.String("stage", string(from)),
				zap.Error(err))
			return order, err
		}

		order.Stage = next
		order.FailureReason = reason
		p.publishStageChanged(ctx, order, from)
	}

	final, err := p.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return order, nil
	}
	return final, nil
}

func (p *Pipeline) step(ctx context.Context, order *models.Order, owner string) (models.Stage, models.FailureReason, error) {
	switch order.Stage {
	case models.StageQueuedForProcessing:
		return p.advance(ctx, order, owner, models.StageValidatingOrder)
	case models.StageValidatingOrder:
		return p.validate(ctx, order, owner)
	case models.StageCheckingStock:
		return p.checkStock(ctx, order, owner)
	case models.StageProcessingPayment:
		return p.charge(ctx, order, owner)
	case models.StageUpdatingInventory:
		return p.updateInventory(ctx, order, owner)
	}
	return "", "", fmt.Errorf("order %s: no step for stage %s", order.ID, order.Stage)
}

func (p *Pipeline) advance(ctx context.Context, order *models.Order, owner string, to models.Stage) (models.Stage, models.FailureReason, error) {
	if err := p.store.AdvanceStage(ctx, order.ID, owner, order.Stage, to); err != nil {
		return "", "", err
	}
	return to, models.FailureNone, nil
}

func (p *Pipeline) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.StageTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.cfg.StageTimeout)
}

// timedOut reports whether the stage deadline, not the caller, ended the work
func timedOut(ctx, stageCtx context.Context) bool {
	return ctx.Err() == nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded)
}

func (p *Pipeline) validate(ctx context.Context, order *models.Order, owner string) (models.Stage, models.FailureReason, error) {
	sctx, cancel := p.stageContext(ctx)
	defer cancel()

	problem, err := p.revalidate(sctx, order)
	if err != nil {
		if timedOut(ctx, sctx) {
			return p.fail(ctx, order, owner, models.FailureStageTimeout, err.Error())
		}
		return "", "", err
	}
	if problem != "" {
		return p.fail(ctx, order, owner, models.FailureInvalidOrder, problem)
	}
	return p.advance(ctx, order, owner, models.StageCheckingStock)
}

// revalidate returns a description of what makes the order invalid, or ""
func (p *Pipeline) revalidate(ctx context.Context, order *models.Order) (string, error) {
	if len(order.Lines) == 0 {
		return "order has no lines", nil
	}

	ids := make([]string, len(order.Lines))
	for i, l := range order.Lines {
		if _, ok := cart.CheckQuantity(l.Quantity); !ok {
			return fmt.Sprintf("product %s has quantity %d", l.ProductID, l.Quantity), nil
		}
		ids[i] = l.ProductID
	}

	products, err := p.store.GetProductsByIDs(ctx, ids)
	if err != nil {
		return "", fmt.Errorf("failed to load products: %w", err)
	}
	live := make(map[string]bool, len(products))
	for _, pr := range products {
		live[pr.ID] = true
	}
	for _, id := range ids {
		if !live[id] {
			return fmt.Sprintf("product %s no longer exists", id), nil
		}
	}
	return "", nil
}

func (p *Pipeline) checkStock(ctx context.Context, order *models.Order, owner string) (models.Stage, models.FailureReason, error) {
	sctx, cancel := p.stageContext(ctx)
	defer cancel()

	for _, line := range order.Lines {
		_, err := p.ledger.TryReserve(sctx, order.ID, line.ProductID, line.Quantity)
		if err == nil {
			continue
		}

		var reason models.FailureReason
		switch {
		case errors.Is(err, models.ErrInsufficientStock):
			reason = models.FailureInsufficientStock
		case errors.Is(err, models.ErrProductNotFound):
			reason = models.FailureInvalidOrder
		case timedOut(ctx, sctx):
			reason = models.FailureStageTimeout
		default:
			return "", "", err
		}
		p.releaseHeld(ctx, order)
		return p.fail(ctx, order, owner, reason, err.Error())
	}

	customer, err := p.store.GetCustomerByID(sctx, order.CustomerID)
	if err != nil {
		if timedOut(ctx, sctx) {
			p.releaseHeld(ctx, order)
			return p.fail(ctx, order, owner, models.FailureStageTimeout, err.Error())
		}
		return "", "", err
	}
	if customer.Budget.LessThan(order.TotalPrice) {
		p.releaseHeld(ctx, order)
		return p.fail(ctx, order, owner, models.FailureInsufficientBudget,
			fmt.Sprintf("budget %s below total %s", customer.Budget, order.TotalPrice))
	}

	return p.advance(ctx, order, owner, models.StageProcessingPayment)
}

func (p *Pipeline) charge(ctx context.Context, order *models.Order, owner string) (models.Stage, models.FailureReason, error) {
	sctx, cancel := p.stageContext(ctx)
	defer cancel()

	_, err := p.payments.Charge(sctx, order, owner)
	switch {
	case err == nil:
		return models.StageUpdatingInventory, models.FailureNone, nil
	case errors.Is(err, models.ErrStaleTransition), errors.Is(err, models.ErrOrderTerminal):
		return "", "", err
	case errors.Is(err, models.ErrInsufficientBudget):
		p.releaseHeld(ctx, order)
		return p.fail(ctx, order, owner, models.FailureInsufficientBudget, err.Error())
	case timedOut(ctx, sctx):
		p.releaseHeld(ctx, order)
		return p.fail(ctx, order, owner, models.FailureStageTimeout, err.Error())
	case ctx.Err() != nil:
		return "", "", err
	default:
		p.releaseHeld(ctx, order)
		return p.fail(ctx, order, owner, models.FailurePaymentFailure, err.Error())
	}
}

// updateInventory runs after payment was taken, so failures are retried with
// exponential backoff rather than failing the order outright.
func (p *Pipeline) updateInventory(ctx context.Context, order *models.Order, owner string) (models.Stage, models.FailureReason, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := p.cfg.RetryBackoff << (attempt - 1)
			util.InventoryRetriesTotal.Inc()
			p.logger.Warn("Retrying inventory update",
				zap.String("order_id", order.ID),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))
			if err := p.sleep(ctx, backoff); err != nil {
				return "", "", err
			}
			if err := p.store.ExtendClaim(ctx, order.ID, owner, p.cfg.Lease); err != nil {
				return "", "", err
			}
		}

		promoted, err := p.commitInventory(ctx, order, owner)
		if err == nil {
			p.onCompleted(ctx, order, promoted)
			return models.StageCompleted, models.FailureNone, nil
		}
		if errors.Is(err, models.ErrStaleTransition) || errors.Is(err, models.ErrOrderTerminal) || ctx.Err() != nil {
			return "", "", err
		}
		lastErr = err
	}

	return p.fail(ctx, order, owner, models.FailureInventoryUpdateFailure,
		fmt.Sprintf("gave up after %d attempts: %v", p.cfg.RetryAttempts, lastErr))
}

func (p *Pipeline) commitInventory(ctx context.Context, order *models.Order, owner string) (bool, error) {
	sctx, cancel := p.stageContext(ctx)
	defer cancel()

	reservations, err := p.ledger.Reservations(sctx, order.ID)
	if err != nil {
		return false, err
	}
	byProduct := make(map[string]models.Reservation, len(reservations))
	for _, r := range reservations {
		byProduct[r.ProductID] = r
	}

	for _, line := range order.Lines {
		r, ok := byProduct[line.ProductID]
		if !ok || r.Status == models.ReservationReleased {
			return false, fmt.Errorf("order %s has no live reservation for product %s", order.ID, line.ProductID)
		}
		if r.Status == models.ReservationHeld {
			if err := p.ledger.Commit(sctx, r.ID); err != nil {
				return false, err
			}
		}
	}

	return p.store.CompleteOrder(sctx, order.ID, owner, p.cfg.PremiumThreshold)
}

// fail moves the order to Error. The store rolls back every reservation and any
// captured payment in the same transaction.
func (p *Pipeline) fail(ctx context.Context, order *models.Order, owner string, reason models.FailureReason, detail string) (models.Stage, models.FailureReason, error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.failTimeout())
	defer cancel()

	if err := p.store.FailOrder(fctx, order.ID, owner, reason); err != nil {
		return "", "", fmt.Errorf("failed to roll back order %s: %w", order.ID, err)
	}

	util.OrdersFailedTotal.WithLabelValues(string(reason)).Inc()
	p.logger.Warn("Order failed",
		zap.String("order_id", order.ID),
		zap.String("stage", string(order.Stage)),
		zap.String("reason", string(reason)),
		zap.String("detail", detail))
	p.audit(ctx, order, models.LogError, fmt.Sprintf("Order failed at %s: %s (%s)", order.Stage, reason, detail))

	return models.StageError, reason, nil
}

func (p *Pipeline) failTimeout() time.Duration {
	if p.cfg.StageTimeout > 0 {
		return p.cfg.StageTimeout
	}
	return 10 * time.Second
}

// releaseHeld hands held units back through the ledger before the order is failed
func (p *Pipeline) releaseHeld(ctx context.Context, order *models.Order) {
	n, err := p.ledger.ReleaseHeld(context.WithoutCancel(ctx), order.ID)
	if err != nil {
		p.logger.Error("Failed to release reservations",
			zap.String("order_id", order.ID),
			zap.Error(err))
		return
	}
	if n > 0 {
		p.logger.Info("Reservations released",
			zap.String("order_id", order.ID),
			zap.Int("count", n))
	}
}

func (p *Pipeline) onCompleted(ctx context.Context, order *models.Order, promoted bool) {
	util.OrdersCompletedTotal.Inc()
	p.logger.Info("Order completed",
		zap.String("order_id", order.ID),
		zap.String("total", order.TotalPrice.String()))
	p.audit(ctx, order, models.LogInfo, fmt.Sprintf("Order completed, total %s", order.TotalPrice))

	if !promoted {
		return
	}

	util.CustomersPromotedTotal.Inc()
	p.logger.Info("Customer promoted", zap.String("customer_id", order.CustomerID))
	p.audit(ctx, order, models.LogInfo, "Customer promoted to Premium")

	var totalSpent decimal.Decimal
	if c, err := p.store.GetCustomerByID(ctx, order.CustomerID); err == nil {
		totalSpent = c.TotalSpent
	}
	event := &models.CustomerPromotedEvent{
		BaseEvent:  newBaseEvent(models.EventTypeCustomerPromoted),
		CustomerID: order.CustomerID,
		TotalSpent: totalSpent,
	}
	if err := p.events.PublishCustomerPromoted(ctx, event); err != nil {
		p.logger.Error("Failed to publish CustomerPromoted event", zap.Error(err))
	}
}

func (p *Pipeline) publishStageChanged(ctx context.Context, order *models.Order, from models.Stage) {
	event := &models.OrderStageChangedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeOrderStageChanged),
		OrderID:       order.ID,
		CustomerID:    order.CustomerID,
		From:          from,
		To:            order.Stage,
		Status:        order.Stage.Public(),
		FailureReason: order.FailureReason,
	}
	switch order.Stage {
	case models.StageCompleted:
		event.EventType = models.EventTypeOrderCompleted
	case models.StageError:
		event.EventType = models.EventTypeOrderFailed
	}
	if err := p.events.PublishStageChanged(ctx, event); err != nil {
		p.logger.Error("Failed to publish stage change event",
			zap.String("order_id", order.ID),
			zap.Error(err))
	}
}

func (p *Pipeline) audit(ctx context.Context, order *models.Order, level models.LogLevel, details string) {
	entry := &models.LogEntry{
		CustomerID: order.CustomerID,
		OrderID:    order.ID,
		Level:      level,
		Details:    details,
	}
	if err := p.store.AppendLog(context.WithoutCancel(ctx), entry); err != nil {
		p.logger.Error("Failed to append audit log", zap.String("order_id", order.ID), zap.Error(err))
	}
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
