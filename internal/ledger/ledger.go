// Package ledger is the authoritative stock counter. Stock leaves a product only through a
// reservation, and a reservation is either committed (permanent) or released (returned).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-pipeline/internal/models"
	"order-pipeline/internal/util"

	"go.uber.org/zap"
)

// Store is the persistence the ledger needs. Each call must be atomic per product.
type Store interface {
	ReserveStock(ctx context.Context, orderID, productID string, quantity int) (*models.Reservation, error)
	CommitReservation(ctx context.Context, id string) (models.ReservationStatus, error)
	ReleaseReservation(ctx context.Context, id string) (models.ReservationStatus, error)
	GetReservationsByOrderID(ctx context.Context, orderID string) ([]models.Reservation, error)
	GetProductByID(ctx context.Context, id string) (*models.Product, error)
}

// Ledger reserves, commits and releases stock on behalf of orders
type Ledger struct {
	store  Store
	logger *zap.Logger
}

// New creates a ledger over store
func New(store Store) *Ledger {
	return &Ledger{
		store:  store,
		logger: util.GetLogger(),
	}
}

// TryReserve takes quantity units of productID for orderID. It never waits for stock:
// if the units are not available right now it fails with models.ErrInsufficientStock.
func (l *Ledger) TryReserve(ctx context.Context, orderID, productID string, quantity int) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.TryReserve")
	defer span.End()

	if quantity < 1 {
		return nil, fmt.Errorf("%w: %d", models.ErrInvalidQuantity, quantity)
	}

	start := time.Now()
	defer func() {
		util.LedgerReserveLatency.Observe(time.Since(start).Seconds())
	}()

	r, err := l.store.ReserveStock(ctx, orderID, productID, quantity)
	if err != nil {
		util.LedgerReservationsFailed.WithLabelValues(reserveFailureLabel(err)).Inc()
		return nil, err
	}

	l.logger.Debug("Stock reserved",
		zap.String("order_id", orderID),
		zap.String("product_id", productID),
		zap.Int("quantity", quantity),
		zap.String("reservation_id", r.ID))
	return r, nil
}

// Commit makes a reservation permanent. Committing twice is a no-op.
func (l *Ledger) Commit(ctx context.Context, reservationID string) error {
	ctx, span := util.StartSpan(ctx, "Ledger.Commit")
	defer span.End()

	prior, err := l.store.CommitReservation(ctx, reservationID)
	if err != nil {
		return fmt.Errorf("failed to commit reservation %s: %w", reservationID, err)
	}
	if prior == models.ReservationReleased {
		// the units already went back to stock; committing cannot take them again
		l.logger.Error("Commit on released reservation",
			zap.String("reservation_id", reservationID))
		util.LedgerAnomaliesTotal.Inc()
		return fmt.Errorf("reservation %s already released", reservationID)
	}
	return nil
}

// Release returns a held reservation's units to stock. Releasing a released
// reservation is a no-op; releasing a committed one is a no-op that is logged.
func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	ctx, span := util.StartSpan(ctx, "Ledger.Release")
	defer span.End()

	prior, err := l.store.ReleaseReservation(ctx, reservationID)
	if err != nil {
		return fmt.Errorf("failed to release reservation %s: %w", reservationID, err)
	}
	if prior == models.ReservationCommitted {
		l.logger.Warn("Release on committed reservation ignored",
			zap.String("reservation_id", reservationID))
		util.LedgerAnomaliesTotal.Inc()
	}
	return nil
}

// ReleaseHeld releases every held reservation of an order and reports how many it released
func (l *Ledger) ReleaseHeld(ctx context.Context, orderID string) (int, error) {
	reservations, err := l.store.GetReservationsByOrderID(ctx, orderID)
	if err != nil {
		return 0, fmt.Errorf("failed to list reservations: %w", err)
	}

	released := 0
	for _, r := range reservations {
		if r.Status != models.ReservationHeld {
			continue
		}
		if err := l.Release(ctx, r.ID); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

// Reservations lists every reservation an order holds or held
func (l *Ledger) Reservations(ctx context.Context, orderID string) ([]models.Reservation, error) {
	return l.store.GetReservationsByOrderID(ctx, orderID)
}

// Available returns the product's unreserved stock
func (l *Ledger) Available(ctx context.Context, productID string) (int, error) {
	p, err := l.store.GetProductByID(ctx, productID)
	if err != nil {
		return 0, err
	}
	return p.AvailableStock, nil
}

func reserveFailureLabel(err error) string {
	switch {
	case errors.Is(err, models.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, models.ErrProductNotFound):
		return "product_not_found"
	default:
		return "error"
	}
}
