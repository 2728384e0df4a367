package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"order-pipeline/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func activeStage(st models.Stage) bool {
	return st != models.StagePending && !st.IsTerminal()
}

// CreateOrder inserts the order and its lines
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.IdempotencyKey != nil {
		for _, o := range s.orders {
			if o.IdempotencyKey != nil && *o.IdempotencyKey == *order.IdempotencyKey {
				return models.ErrDuplicateIdempotencyKey
			}
		}
	}
	if _, ok := s.customers[order.CustomerID]; !ok {
		return fmt.Errorf("%w: %s", models.ErrCustomerNotFound, order.CustomerID)
	}
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	order.CreatedAt = s.now()
	order.UpdatedAt = order.CreatedAt
	for i := range order.Lines {
		order.Lines[i].OrderID = order.ID
	}
	s.orders[order.ID] = order.Clone()
	return nil
}

func (s *Store) order(id string) (*models.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrOrderNotFound, id)
	}
	return o, nil
}

// GetOrderByID retrieves an order with its lines
func (s *Store) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.order(id)
	if err != nil {
		return nil, err
	}
	return o.Clone(), nil
}

// GetOrderByIdempotencyKey retrieves an order by idempotency key
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.orders {
		if o.IdempotencyKey != nil && *o.IdempotencyKey == key {
			return o.Clone(), nil
		}
	}
	return nil, nil
}

// ListOrders retrieves orders matching the filter, newest first
func (s *Store) ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stages := make(map[models.Stage]bool, len(filter.Stages))
	for _, st := range filter.Stages {
		stages[st] = true
	}

	orders := []models.Order{}
	for _, o := range s.orders {
		if filter.CustomerID != "" && o.CustomerID != filter.CustomerID {
			continue
		}
		if len(stages) > 0 && !stages[o.Stage] {
			continue
		}
		orders = append(orders, *o.Clone())
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (s *Store) sortedIDs(match func(o *models.Order) bool, less func(a, b *models.Order) bool, limit int) []string {
	var picked []*models.Order
	for _, o := range s.orders {
		if match(o) {
			picked = append(picked, o)
		}
	}
	sort.Slice(picked, func(i, j int) bool { return less(picked[i], picked[j]) })
	ids := []string{}
	for _, o := range picked {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, o.ID)
	}
	return ids
}

// ListOrderIDsByStage returns the oldest order IDs currently in stage
func (s *Store) ListOrderIDsByStage(ctx context.Context, stage models.Stage, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sortedIDs(
		func(o *models.Order) bool { return o.Stage == stage },
		func(a, b *models.Order) bool {
			if a.CreatedAt.Equal(b.CreatedAt) {
				return a.ID < b.ID
			}
			return a.CreatedAt.Before(b.CreatedAt)
		}, limit), nil
}

// ListStaleOrders returns in-flight orders nobody holds a live lease on
func (s *Store) ListStaleOrders(ctx context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	return s.sortedIDs(
		func(o *models.Order) bool {
			return activeStage(o.Stage) && (o.LockedUntil == nil || o.LockedUntil.Before(now))
		},
		func(a, b *models.Order) bool {
			if a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.ID < b.ID
			}
			return a.UpdatedAt.Before(b.UpdatedAt)
		}, limit), nil
}

// AdmitOrder moves an order from Pending to QueuedForProcessing
func (s *Store) AdmitOrder(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.order(id)
	if err != nil {
		return false, err
	}
	if o.Stage != models.StagePending {
		return false, nil
	}
	o.Stage = models.StageQueuedForProcessing
	o.UpdatedAt = s.now()
	return true, nil
}

// CancelOrder moves a Pending order straight to Error(Cancelled)
func (s *Store) CancelOrder(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.order(id)
	if err != nil {
		return false, err
	}
	if o.Stage != models.StagePending {
		return false, nil
	}
	o.Stage = models.StageError
	o.FailureReason = models.FailureCancelled
	o.UpdatedAt = s.now()
	return true, nil
}

// ClaimOrder takes the single-writer lease on an in-flight order
func (s *Store) ClaimOrder(ctx context.Context, id, owner string, lease time.Duration) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault("ClaimOrder"); err != nil {
		return nil, err
	}
	o, err := s.order(id)
	if err != nil {
		return nil, err
	}
	switch {
	case o.Stage == models.StagePending:
		return nil, models.ErrOrderNotQueued
	case o.Stage.IsTerminal():
		return nil, models.ErrOrderTerminal
	}
	now := s.now()
	if o.LockedBy != "" && o.LockedUntil != nil && !o.LockedUntil.Before(now) {
		return nil, models.ErrOrderClaimed
	}
	until := now.Add(lease)
	o.LockedBy = owner
	o.LockedUntil = &until
	return o.Clone(), nil
}

// ExtendClaim pushes the lease forward; fails if the lease was lost
func (s *Store) ExtendClaim(ctx context.Context, id, owner string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.order(id)
	if err != nil {
		return err
	}
	if o.LockedBy != owner || !activeStage(o.Stage) {
		return models.ErrStaleTransition
	}
	until := s.now().Add(lease)
	o.LockedUntil = &until
	return nil
}

// ReleaseClaim drops the lease if still held by owner
func (s *Store) ReleaseClaim(ctx context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.order(id)
	if err != nil {
		return err
	}
	if o.LockedBy == owner {
		o.LockedBy = ""
		o.LockedUntil = nil
	}
	return nil
}

// AdvanceStage performs a compare-and-set stage transition guarded by the lease
func (s *Store) AdvanceStage(ctx context.Context, id, owner string, from, to models.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault("AdvanceStage"); err != nil {
		return err
	}
	if !models.CanTransition(from, to) || to == models.StageError {
		return fmt.Errorf("%w: %s -> %s", models.ErrStaleTransition, from, to)
	}
	o, err := s.order(id)
	if err != nil {
		return err
	}
	if o.LockedBy != owner || o.Stage != from {
		return fmt.Errorf("%w: %s -> %s", models.ErrStaleTransition, from, to)
	}
	o.Stage = to
	o.UpdatedAt = s.now()
	return nil
}

func (s *Store) lockedOrder(id, owner string, stage models.Stage) (*models.Order, error) {
	o, err := s.order(id)
	if err != nil {
		return nil, err
	}
	if o.Stage.IsTerminal() {
		return nil, models.ErrOrderTerminal
	}
	if o.LockedBy != owner || (stage != "" && o.Stage != stage) {
		return nil, fmt.Errorf("%w: order %s is %s held by %q", models.ErrStaleTransition, id, o.Stage, o.LockedBy)
	}
	return o, nil
}

// ChargeOrder debits the budget and advances ProcessingPayment -> UpdatingInventory atomically
func (s *Store) ChargeOrder(ctx context.Context, id, owner string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault("ChargeOrder"); err != nil {
		return nil, err
	}
	o, err := s.lockedOrder(id, owner, models.StageProcessingPayment)
	if err != nil {
		return nil, err
	}
	c, ok := s.customers[o.CustomerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrCustomerNotFound, o.CustomerID)
	}
	if c.Budget.LessThan(o.TotalPrice) {
		return nil, fmt.Errorf("%w: budget=%s total=%s", models.ErrInsufficientBudget, c.Budget, o.TotalPrice)
	}

	now := s.now()
	c.Budget = c.Budget.Sub(o.TotalPrice)
	c.TotalSpent = c.TotalSpent.Add(o.TotalPrice)
	c.UpdatedAt = now

	p := &models.Payment{
		ID:         uuid.New().String(),
		OrderID:    o.ID,
		CustomerID: o.CustomerID,
		Amount:     o.TotalPrice,
		Status:     models.PaymentStatusCaptured,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.payments[o.ID] = p

	o.Stage = models.StageUpdatingInventory
	o.UpdatedAt = now

	cp := *p
	return &cp, nil
}

// CompleteOrder commits held reservations, marks the order Completed and evaluates promotion
func (s *Store) CompleteOrder(ctx context.Context, id, owner string, threshold decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault("CompleteOrder"); err != nil {
		return false, err
	}
	o, err := s.lockedOrder(id, owner, models.StageUpdatingInventory)
	if err != nil {
		return false, err
	}

	now := s.now()
	for _, r := range s.reservations {
		if r.OrderID == id && r.Status == models.ReservationHeld {
			r.Status = models.ReservationCommitted
			r.UpdatedAt = now
		}
	}

	o.Stage = models.StageCompleted
	o.CompletedAt = &now
	o.UpdatedAt = now
	o.LockedBy = ""
	o.LockedUntil = nil

	promoted := false
	if c, ok := s.customers[o.CustomerID]; ok && c.Tier == models.TierNormal && c.TotalSpent.GreaterThanOrEqual(threshold) {
		c.Tier = models.TierPremium
		c.UpdatedAt = now
		promoted = true
	}
	return promoted, nil
}

// FailOrder releases every unreleased reservation, refunds a captured payment and moves the order to Error
func (s *Store) FailOrder(ctx context.Context, id, owner string, reason models.FailureReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault("FailOrder"); err != nil {
		return err
	}
	o, err := s.lockedOrder(id, owner, "")
	if err != nil {
		return err
	}

	now := s.now()
	for _, r := range s.reservations {
		if r.OrderID != id || r.Status == models.ReservationReleased {
			continue
		}
		if p, ok := s.products[r.ProductID]; ok {
			p.AvailableStock += r.Quantity
			p.UpdatedAt = now
		}
		r.Status = models.ReservationReleased
		r.UpdatedAt = now
	}

	if p, ok := s.payments[id]; ok && p.Status == models.PaymentStatusCaptured {
		if c, ok := s.customers[p.CustomerID]; ok {
			c.Budget = c.Budget.Add(p.Amount)
			// total spent only drops on refund, for a charge whose order never completed
			c.TotalSpent = c.TotalSpent.Sub(p.Amount)
			c.UpdatedAt = now
		}
		p.Status = models.PaymentStatusRefunded
		p.UpdatedAt = now
	}

	o.Stage = models.StageError
	o.FailureReason = reason
	o.UpdatedAt = now
	o.LockedBy = ""
	o.LockedUntil = nil
	return nil
}

// GetPaymentByOrderID returns the payment taken for an order
func (s *Store) GetPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[orderID]
	if !ok {
		return nil, fmt.Errorf("payment not found for order: %s", orderID)
	}
	cp := *p
	return &cp, nil
}

// AppendLog records an audit entry
func (s *Store) AppendLog(ctx context.Context, entry *models.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.CreatedAt = s.now()
	s.logs = append(s.logs, *entry)
	return nil
}

// ListLogs retrieves audit entries, newest first
func (s *Store) ListLogs(ctx context.Context, filter models.LogFilter) ([]models.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	entries := []models.LogEntry{}
	for i := len(s.logs) - 1; i >= 0 && len(entries) < limit; i-- {
		e := s.logs[i]
		if filter.CustomerID != "" && e.CustomerID != filter.CustomerID {
			continue
		}
		if filter.OrderID != "" && e.OrderID != filter.OrderID {
			continue
		}
		if filter.Level != "" && e.Level != filter.Level {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
