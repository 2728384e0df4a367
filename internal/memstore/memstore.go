// Package memstore is an in-process implementation of the order, catalog and ledger
// stores. A single mutex serializes every operation, which makes each call behave like
// one serializable transaction of the PostgreSQL store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"order-pipeline/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Store struct {
	mu  sync.Mutex
	now func() time.Time

	products     map[string]*models.Product
	customers    map[string]*models.Customer
	orders       map[string]*models.Order
	reservations map[string]*models.Reservation
	payments     map[string]*models.Payment // keyed by order ID
	logs         []models.LogEntry

	// failHook lets tests inject faults into named operations
	failHook func(op string) error
}

// New creates an empty store using the wall clock
func New() *Store {
	return NewWithClock(time.Now)
}

// NewWithClock creates an empty store with an injectable clock for lease tests
func NewWithClock(now func() time.Time) *Store {
	return &Store{
		now:          now,
		products:     make(map[string]*models.Product),
		customers:    make(map[string]*models.Customer),
		orders:       make(map[string]*models.Order),
		reservations: make(map[string]*models.Reservation),
		payments:     make(map[string]*models.Payment),
	}
}

// SetFailHook installs a fault injector consulted at the start of mutating operations
func (s *Store) SetFailHook(hook func(op string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failHook = hook
}

func (s *Store) fault(op string) error {
	if s.failHook == nil {
		return nil
	}
	return s.failHook(op)
}

// Ping always succeeds
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// CreateProduct inserts a new catalog product
func (s *Store) CreateProduct(ctx context.Context, p *models.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if _, ok := s.products[p.ID]; ok {
		return fmt.Errorf("product %s already exists", p.ID)
	}
	p.CreatedAt = s.now()
	p.UpdatedAt = p.CreatedAt
	c := *p
	s.products[p.ID] = &c
	return nil
}

func (s *Store) liveProduct(id string) (*models.Product, error) {
	p, ok := s.products[id]
	if !ok || p.DeletedAt != nil {
		return nil, fmt.Errorf("%w: %s", models.ErrProductNotFound, id)
	}
	return p, nil
}

// GetProductByID retrieves a live product by ID
func (s *Store) GetProductByID(ctx context.Context, id string) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.liveProduct(id)
	if err != nil {
		return nil, err
	}
	c := *p
	return &c, nil
}

// GetProducts retrieves a page of live products
func (s *Store) GetProducts(ctx context.Context, limit, offset int) ([]models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]models.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.DeletedAt == nil {
			all = append(all, *p)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	if offset >= len(all) {
		return []models.Product{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// GetProductsByIDs retrieves multiple live products by IDs
func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) ([]models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(ids))
	products := []models.Product{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if p, err := s.liveProduct(id); err == nil {
			products = append(products, *p)
		}
	}
	return products, nil
}

// UpdateProduct changes name and price
func (s *Store) UpdateProduct(ctx context.Context, id, name string, price decimal.Decimal) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.liveProduct(id)
	if err != nil {
		return nil, err
	}
	p.Name = name
	p.UnitPrice = price
	p.UpdatedAt = s.now()
	c := *p
	return &c, nil
}

// AdjustStock adds delta (possibly negative) to available stock
func (s *Store) AdjustStock(ctx context.Context, id string, delta int) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.liveProduct(id)
	if err != nil {
		return nil, err
	}
	if p.AvailableStock+delta < 0 {
		return nil, fmt.Errorf("%w: available=%d, delta=%d", models.ErrInsufficientStock, p.AvailableStock, delta)
	}
	p.AvailableStock += delta
	p.UpdatedAt = s.now()
	c := *p
	return &c, nil
}

// DeleteProduct soft-deletes a product
func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.liveProduct(id)
	if err != nil {
		return err
	}
	now := s.now()
	p.DeletedAt = &now
	p.UpdatedAt = now
	return nil
}

// CreateCustomer inserts a new customer
func (s *Store) CreateCustomer(ctx context.Context, c *models.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Tier == "" {
		c.Tier = models.TierNormal
	}
	if _, ok := s.customers[c.ID]; ok {
		return fmt.Errorf("customer %s already exists", c.ID)
	}
	c.CreatedAt = s.now()
	c.UpdatedAt = c.CreatedAt
	cp := *c
	s.customers[c.ID] = &cp
	return nil
}

// GetCustomerByID retrieves a customer
func (s *Store) GetCustomerByID(ctx context.Context, id string) (*models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.customers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrCustomerNotFound, id)
	}
	cp := *c
	return &cp, nil
}

// TopUpBudget credits the customer's wallet
func (s *Store) TopUpBudget(ctx context.Context, id string, amount decimal.Decimal) (*models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.customers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrCustomerNotFound, id)
	}
	c.Budget = c.Budget.Add(amount)
	c.UpdatedAt = s.now()
	cp := *c
	return &cp, nil
}
