package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"order-pipeline/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const reservationColumns = "id, order_id, product_id, quantity, status, created_at, updated_at"

// ReserveStock atomically checks and decrements available stock under the product
// row lock (FOR UPDATE) and records a held reservation. Re-reserving the same
// (order, product) pair returns the existing live reservation.
func (s *Store) ReserveStock(ctx context.Context, orderID, productID string, quantity int) (*models.Reservation, error) {
	var reservation models.Reservation
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var existing models.Reservation
		err := tx.GetContext(ctx, &existing,
			"SELECT "+reservationColumns+" FROM reservations WHERE order_id = $1 AND product_id = $2 FOR UPDATE",
			orderID, productID)
		switch {
		case err == nil && existing.Status != models.ReservationReleased:
			reservation = existing
			return nil
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to load reservation: %w", err)
		}

		var available int
		err = tx.GetContext(ctx, &available,
			"SELECT available_stock FROM products WHERE id = $1 AND deleted_at IS NULL FOR UPDATE", productID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", models.ErrProductNotFound, productID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock product: %w", err)
		}

		if available < quantity {
			return fmt.Errorf("%w: product=%s available=%d requested=%d",
				models.ErrInsufficientStock, productID, available, quantity)
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE products SET available_stock = available_stock - $1, updated_at = NOW() WHERE id = $2",
			quantity, productID)
		if err != nil {
			return fmt.Errorf("failed to reserve stock: %w", err)
		}

		return tx.GetContext(ctx, &reservation, `
			INSERT INTO reservations (id, order_id, product_id, quantity, status)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (order_id, product_id)
			DO UPDATE SET quantity = EXCLUDED.quantity, status = EXCLUDED.status, updated_at = NOW()
			RETURNING `+reservationColumns,
			uuid.New().String(), orderID, productID, quantity, models.ReservationHeld)
	})
	if err != nil {
		return nil, err
	}
	return &reservation, nil
}

// CommitReservation marks a held reservation permanent and returns the status it had before
func (s *Store) CommitReservation(ctx context.Context, id string) (models.ReservationStatus, error) {
	var prior models.ReservationStatus
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &prior, "SELECT status FROM reservations WHERE id = $1 FOR UPDATE", id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", models.ErrReservationNotFound, id)
		}
		if err != nil {
			return err
		}
		if prior != models.ReservationHeld {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE reservations SET status = $2, updated_at = NOW() WHERE id = $1",
			id, models.ReservationCommitted)
		return err
	})
	return prior, err
}

// ReleaseReservation returns a held reservation's quantity to stock and returns the prior status.
// Released and committed reservations are left untouched.
func (s *Store) ReleaseReservation(ctx context.Context, id string) (models.ReservationStatus, error) {
	var prior models.ReservationStatus
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var r models.Reservation
		err := tx.GetContext(ctx, &r, "SELECT "+reservationColumns+" FROM reservations WHERE id = $1 FOR UPDATE", id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", models.ErrReservationNotFound, id)
		}
		if err != nil {
			return err
		}
		prior = r.Status
		if r.Status != models.ReservationHeld {
			return nil
		}
		return releaseTx(ctx, tx, r)
	})
	return prior, err
}

// releaseTx returns a reservation's units to the product and marks it released
func releaseTx(ctx context.Context, tx *sqlx.Tx, r models.Reservation) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE products SET available_stock = available_stock + $1, updated_at = NOW() WHERE id = $2",
		r.Quantity, r.ProductID)
	if err != nil {
		return fmt.Errorf("failed to return stock: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE reservations SET status = $2, updated_at = NOW() WHERE id = $1",
		r.ID, models.ReservationReleased)
	return err
}

// GetReservationsByOrderID lists every reservation taken by an order
func (s *Store) GetReservationsByOrderID(ctx context.Context, orderID string) ([]models.Reservation, error) {
	reservations := []models.Reservation{}
	err := s.db.SelectContext(ctx, &reservations,
		"SELECT "+reservationColumns+" FROM reservations WHERE order_id = $1 ORDER BY product_id", orderID)
	return reservations, err
}
