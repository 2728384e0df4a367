package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"order-pipeline/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const orderColumns = `id, customer_id, total_price, stage, failure_reason, idempotency_key,
	locked_by, locked_until, created_at, updated_at, completed_at`

// nonActiveStages are the stages a worker never holds a claim in
var nonActiveStages = pq.Array([]string{
	string(models.StagePending),
	string(models.StageCompleted),
	string(models.StageError),
})

// CreateOrder inserts the order header and its lines in one transaction
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx, `
			INSERT INTO orders (id, customer_id, total_price, stage, idempotency_key)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING created_at, updated_at`,
			order.ID, order.CustomerID, order.TotalPrice, order.Stage, order.IdempotencyKey).
			Scan(&order.CreatedAt, &order.UpdatedAt)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return models.ErrDuplicateIdempotencyKey
			}
			return fmt.Errorf("failed to insert order: %w", err)
		}

		for i := range order.Lines {
			order.Lines[i].OrderID = order.ID
			_, err := tx.NamedExecContext(ctx, `
				INSERT INTO order_lines (order_id, product_id, quantity, unit_price)
				VALUES (:order_id, :product_id, :quantity, :unit_price)`, order.Lines[i])
			if err != nil {
				return fmt.Errorf("failed to insert order line: %w", err)
			}
		}
		return nil
	})
}

// GetOrderByID retrieves an order with its lines
func (s *Store) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadLines(ctx, []*models.Order{&order}); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey retrieves an order by idempotency key
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE idempotency_key = $1", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadLines(ctx, []*models.Order{&order}); err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrders retrieves orders matching the filter, newest first
func (s *Store) ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, error) {
	stages := make([]string, 0, len(filter.Stages))
	for _, st := range filter.Stages {
		stages = append(stages, string(st))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	orders := []models.Order{}
	err := s.db.SelectContext(ctx, &orders, `
		SELECT `+orderColumns+` FROM orders
		WHERE ($1 = '' OR customer_id = $1)
		  AND (cardinality($2::text[]) = 0 OR stage = ANY($2))
		ORDER BY created_at DESC, id
		LIMIT $3`, filter.CustomerID, pq.Array(stages), limit)
	if err != nil {
		return nil, err
	}

	ptrs := make([]*models.Order, len(orders))
	for i := range orders {
		ptrs[i] = &orders[i]
	}
	if err := s.loadLines(ctx, ptrs); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *Store) loadLines(ctx context.Context, orders []*models.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, len(orders))
	byID := make(map[string]*models.Order, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		o.Lines = []models.OrderLine{}
		byID[o.ID] = o
	}

	var lines []models.OrderLine
	err := s.db.SelectContext(ctx, &lines,
		"SELECT order_id, product_id, quantity, unit_price FROM order_lines WHERE order_id = ANY($1) ORDER BY product_id",
		pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to load order lines: %w", err)
	}
	for _, l := range lines {
		if o, ok := byID[l.OrderID]; ok {
			o.Lines = append(o.Lines, l)
		}
	}
	return nil
}

// ListOrderIDsByStage returns the oldest order IDs currently in stage
func (s *Store) ListOrderIDsByStage(ctx context.Context, stage models.Stage, limit int) ([]string, error) {
	ids := []string{}
	err := s.db.SelectContext(ctx, &ids,
		"SELECT id FROM orders WHERE stage = $1 ORDER BY created_at, id LIMIT $2", stage, limit)
	return ids, err
}

// ListStaleOrders returns in-flight orders nobody holds a live lease on
func (s *Store) ListStaleOrders(ctx context.Context, limit int) ([]string, error) {
	ids := []string{}
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM orders
		WHERE stage <> ALL($1)
		  AND (locked_until IS NULL OR locked_until < NOW())
		ORDER BY updated_at, id
		LIMIT $2`, nonActiveStages, limit)
	return ids, err
}

// AdmitOrder moves an order from Pending to QueuedForProcessing; false if it was not Pending
func (s *Store) AdmitOrder(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET stage = $2, updated_at = NOW() WHERE id = $1 AND stage = $3",
		id, models.StageQueuedForProcessing, models.StagePending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CancelOrder moves a Pending order straight to Error(Cancelled)
func (s *Store) CancelOrder(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET stage = $2, failure_reason = $3, updated_at = NOW()
		WHERE id = $1 AND stage = $4`,
		id, models.StageError, models.FailureCancelled, models.StagePending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ClaimOrder takes the single-writer lease on an in-flight order
func (s *Store) ClaimOrder(ctx context.Context, id, owner string, lease time.Duration) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, `
		UPDATE orders SET locked_by = $2, locked_until = NOW() + $3::double precision * INTERVAL '1 millisecond'
		WHERE id = $1
		  AND stage <> ALL($4)
		  AND (locked_by = '' OR locked_until IS NULL OR locked_until < NOW())
		RETURNING `+orderColumns, id, owner, lease.Milliseconds(), nonActiveStages)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.claimError(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadLines(ctx, []*models.Order{&order}); err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *Store) claimError(ctx context.Context, id string) error {
	var stage models.Stage
	err := s.db.GetContext(ctx, &stage, "SELECT stage FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", models.ErrOrderNotFound, id)
	}
	if err != nil {
		return err
	}
	switch {
	case stage == models.StagePending:
		return models.ErrOrderNotQueued
	case stage.IsTerminal():
		return models.ErrOrderTerminal
	default:
		return models.ErrOrderClaimed
	}
}

// ExtendClaim pushes the lease forward; fails if the lease was lost
func (s *Store) ExtendClaim(ctx context.Context, id, owner string, lease time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET locked_until = NOW() + $3::double precision * INTERVAL '1 millisecond'
		WHERE id = $1 AND locked_by = $2 AND stage <> ALL($4)`,
		id, owner, lease.Milliseconds(), nonActiveStages)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrStaleTransition
	}
	return nil
}

// ReleaseClaim drops the lease if still held by owner
func (s *Store) ReleaseClaim(ctx context.Context, id, owner string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET locked_by = '', locked_until = NULL WHERE id = $1 AND locked_by = $2", id, owner)
	return err
}

// AdvanceStage performs a compare-and-set stage transition guarded by the lease
func (s *Store) AdvanceStage(ctx context.Context, id, owner string, from, to models.Stage) error {
	if !models.CanTransition(from, to) || to == models.StageError {
		return fmt.Errorf("%w: %s -> %s", models.ErrStaleTransition, from, to)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET stage = $4, updated_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND stage = $3`,
		id, owner, from, to)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s -> %s", models.ErrStaleTransition, from, to)
	}
	return nil
}

// lockOrderTx loads and row-locks an order, checking the expected stage and lease holder
func lockOrderTx(ctx context.Context, tx *sqlx.Tx, id, owner string, stage models.Stage) (*models.Order, error) {
	var order models.Order
	err := tx.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if order.Stage.IsTerminal() {
		return nil, models.ErrOrderTerminal
	}
	if order.LockedBy != owner || (stage != "" && order.Stage != stage) {
		return nil, fmt.Errorf("%w: order %s is %s held by %q", models.ErrStaleTransition, id, order.Stage, order.LockedBy)
	}
	return &order, nil
}

// ChargeOrder debits the customer's budget, credits total spent, records the payment and
// moves the order from ProcessingPayment to UpdatingInventory in one transaction.
func (s *Store) ChargeOrder(ctx context.Context, id, owner string) (*models.Payment, error) {
	var payment models.Payment
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		order, err := lockOrderTx(ctx, tx, id, owner, models.StageProcessingPayment)
		if err != nil {
			return err
		}

		var budget decimal.Decimal
		err = tx.GetContext(ctx, &budget, "SELECT budget FROM customers WHERE id = $1 FOR UPDATE", order.CustomerID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", models.ErrCustomerNotFound, order.CustomerID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock customer: %w", err)
		}
		if budget.LessThan(order.TotalPrice) {
			return fmt.Errorf("%w: budget=%s total=%s", models.ErrInsufficientBudget, budget, order.TotalPrice)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE customers SET budget = budget - $2, total_spent = total_spent + $2, updated_at = NOW()
			WHERE id = $1`, order.CustomerID, order.TotalPrice)
		if err != nil {
			return fmt.Errorf("failed to debit customer: %w", err)
		}

		err = tx.GetContext(ctx, &payment, `
			INSERT INTO payments (id, order_id, customer_id, amount, status)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, order_id, customer_id, amount, status, created_at, updated_at`,
			uuid.New().String(), order.ID, order.CustomerID, order.TotalPrice, models.PaymentStatusCaptured)
		if err != nil {
			return fmt.Errorf("failed to record payment: %w", err)
		}

		_, err = tx.ExecContext(ctx, "UPDATE orders SET stage = $2, updated_at = NOW() WHERE id = $1",
			id, models.StageUpdatingInventory)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// CompleteOrder commits any remaining held reservations, marks the order Completed and
// promotes the customer when total spent reached threshold. Returns whether a promotion happened.
func (s *Store) CompleteOrder(ctx context.Context, id, owner string, threshold decimal.Decimal) (bool, error) {
	var promoted bool
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		order, err := lockOrderTx(ctx, tx, id, owner, models.StageUpdatingInventory)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE reservations SET status = $2, updated_at = NOW()
			WHERE order_id = $1 AND status = $3`,
			id, models.ReservationCommitted, models.ReservationHeld)
		if err != nil {
			return fmt.Errorf("failed to commit reservations: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE orders SET stage = $2, completed_at = NOW(), updated_at = NOW(), locked_by = '', locked_until = NULL
			WHERE id = $1`, id, models.StageCompleted)
		if err != nil {
			return fmt.Errorf("failed to complete order: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE customers SET tier = $2, updated_at = NOW()
			WHERE id = $1 AND tier = $3 AND total_spent >= $4`,
			order.CustomerID, models.TierPremium, models.TierNormal, threshold)
		if err != nil {
			return fmt.Errorf("failed to evaluate promotion: %w", err)
		}
		n, _ := res.RowsAffected()
		promoted = n == 1
		return nil
	})
	return promoted, err
}

// FailOrder rolls an in-flight order back in one transaction: every unreleased reservation
// returns its units, a captured payment is refunded, and the order moves to Error.
func (s *Store) FailOrder(ctx context.Context, id, owner string, reason models.FailureReason) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := lockOrderTx(ctx, tx, id, owner, ""); err != nil {
			return err
		}

		var reservations []models.Reservation
		err := tx.SelectContext(ctx, &reservations, `
			SELECT `+reservationColumns+` FROM reservations
			WHERE order_id = $1 AND status <> $2
			ORDER BY product_id
			FOR UPDATE`, id, models.ReservationReleased)
		if err != nil {
			return fmt.Errorf("failed to lock reservations: %w", err)
		}
		for _, r := range reservations {
			if err := releaseTx(ctx, tx, r); err != nil {
				return err
			}
		}

		var payment models.Payment
		err = tx.GetContext(ctx, &payment, `
			SELECT id, order_id, customer_id, amount, status, created_at, updated_at
			FROM payments WHERE order_id = $1 AND status = $2 FOR UPDATE`,
			id, models.PaymentStatusCaptured)
		switch {
		case err == nil:
			// total_spent only drops on refund, for a charge whose order never completed
			_, err = tx.ExecContext(ctx, `
				UPDATE customers SET budget = budget + $2, total_spent = total_spent - $2, updated_at = NOW()
				WHERE id = $1`, payment.CustomerID, payment.Amount)
			if err != nil {
				return fmt.Errorf("failed to refund customer: %w", err)
			}
			_, err = tx.ExecContext(ctx, "UPDATE payments SET status = $2, updated_at = NOW() WHERE id = $1",
				payment.ID, models.PaymentStatusRefunded)
			if err != nil {
				return fmt.Errorf("failed to mark payment refunded: %w", err)
			}
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to load payment: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE orders SET stage = $2, failure_reason = $3, updated_at = NOW(), locked_by = '', locked_until = NULL
			WHERE id = $1`, id, models.StageError, reason)
		return err
	})
}

// AppendLog records an audit entry
func (s *Store) AppendLog(ctx context.Context, entry *models.LogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	return s.db.QueryRowxContext(ctx, `
		INSERT INTO order_logs (id, customer_id, order_id, level, details)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		entry.ID, entry.CustomerID, entry.OrderID, entry.Level, entry.Details).Scan(&entry.CreatedAt)
}

// ListLogs retrieves audit entries, newest first
func (s *Store) ListLogs(ctx context.Context, filter models.LogFilter) ([]models.LogEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	entries := []models.LogEntry{}
	err := s.db.SelectContext(ctx, &entries, `
		SELECT id, customer_id, order_id, level, details, created_at FROM order_logs
		WHERE ($1 = '' OR customer_id = $1)
		  AND ($2 = '' OR order_id = $2)
		  AND ($3 = '' OR level = $3)
		ORDER BY created_at DESC, id
		LIMIT $4`, filter.CustomerID, filter.OrderID, filter.Level, limit)
	return entries, err
}

// GetPaymentByOrderID returns the payment taken for an order
func (s *Store) GetPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment, `
		SELECT id, order_id, customer_id, amount, status, created_at, updated_at
		FROM payments WHERE order_id = $1`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment not found for order: %s", orderID)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}
