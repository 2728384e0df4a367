package memstore

import (
	"context"
	"fmt"
	"sort"

	"order-pipeline/internal/models"

	"github.com/google/uuid"
)

// ReserveStock decrements available stock and records a held reservation.
// Re-reserving the same (order, product) pair returns the existing live reservation.
func (s *Store) ReserveStock(ctx context.Context, orderID, productID string, quantity int) (*models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault("ReserveStock"); err != nil {
		return nil, err
	}

	var existing *models.Reservation
	for _, r := range s.reservations {
		if r.OrderID == orderID && r.ProductID == productID {
			existing = r
			break
		}
	}
	if existing != nil && existing.Status != models.ReservationReleased {
		cp := *existing
		return &cp, nil
	}

	p, err := s.liveProduct(productID)
	if err != nil {
		return nil, err
	}
	if p.AvailableStock < quantity {
		return nil, fmt.Errorf("%w: product=%s available=%d requested=%d",
			models.ErrInsufficientStock, productID, p.AvailableStock, quantity)
	}

	now := s.now()
	p.AvailableStock -= quantity
	p.UpdatedAt = now

	if existing == nil {
		existing = &models.Reservation{
			ID:        uuid.New().String(),
			OrderID:   orderID,
			ProductID: productID,
			CreatedAt: now,
		}
		s.reservations[existing.ID] = existing
	}
	existing.Quantity = quantity
	existing.Status = models.ReservationHeld
	existing.UpdatedAt = now

	cp := *existing
	return &cp, nil
}

// CommitReservation marks a held reservation permanent and returns the status it had before
func (s *Store) CommitReservation(ctx context.Context, id string) (models.ReservationStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault("CommitReservation"); err != nil {
		return "", err
	}
	r, ok := s.reservations[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", models.ErrReservationNotFound, id)
	}
	prior := r.Status
	if prior == models.ReservationHeld {
		r.Status = models.ReservationCommitted
		r.UpdatedAt = s.now()
	}
	return prior, nil
}

// ReleaseReservation returns a held reservation's quantity to stock and returns the prior status
func (s *Store) ReleaseReservation(ctx context.Context, id string) (models.ReservationStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault("ReleaseReservation"); err != nil {
		return "", err
	}
	r, ok := s.reservations[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", models.ErrReservationNotFound, id)
	}
	prior := r.Status
	if prior != models.ReservationHeld {
		return prior, nil
	}
	now := s.now()
	if p, ok := s.products[r.ProductID]; ok {
		p.AvailableStock += r.Quantity
		p.UpdatedAt = now
	}
	r.Status = models.ReservationReleased
	r.UpdatedAt = now
	return prior, nil
}

// GetReservationsByOrderID lists every reservation taken by an order
func (s *Store) GetReservationsByOrderID(ctx context.Context, orderID string) ([]models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []models.Reservation{}
	for _, r := range s.reservations {
		if r.OrderID == orderID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}
