package cart

import (
	"context"
	"fmt"
	"sort"

	"order-pipeline/internal/models"
	"order-pipeline/internal/util"

	"go.uber.org/zap"
)

// Store persists carts as productID -> quantity
type Store interface {
	AddCartItem(ctx context.Context, customerID, productID string, quantity, limit int) (int, bool, error)
	SetCartItem(ctx context.Context, customerID, productID string, quantity int) error
	RemoveCartItem(ctx context.Context, customerID, productID string) error
	ReplaceCart(ctx context.Context, customerID string, items map[string]int) error
	GetCart(ctx context.Context, customerID string) (map[string]int, error)
	ClearCart(ctx context.Context, customerID string) error
}

// View is the reconciled server cart returned after every call
type View struct {
	CustomerID string            `json:"customerId"`
	Lines      []models.CartLine `json:"lines"`
	Validation *Result           `json:"validation,omitempty"`
}

// Service is the single source of truth for customer carts
type Service struct {
	store     Store
	validator *Validator
	logger    *zap.Logger
}

// NewService creates a cart service
func NewService(store Store, validator *Validator) *Service {
	return &Service{
		store:     store,
		validator: validator,
		logger:    util.GetLogger(),
	}
}

// Get returns the cart with a fresh validation against live stock
func (s *Service) Get(ctx context.Context, customerID string) (*View, error) {
	ctx, span := util.StartSpan(ctx, "CartService.Get")
	defer span.End()

	if _, err := s.validator.customers.GetCustomerByID(ctx, customerID); err != nil {
		return nil, err
	}

	lines, err := s.Lines(ctx, customerID)
	if err != nil {
		return nil, err
	}

	view := &View{CustomerID: customerID, Lines: lines}
	if len(lines) > 0 {
		view.Validation, err = s.validator.Validate(ctx, customerID, lines)
		if err != nil {
			return nil, err
		}
	}
	return view, nil
}

// Lines returns the stored cart lines ordered by product ID
func (s *Service) Lines(ctx context.Context, customerID string) ([]models.CartLine, error) {
	items, err := s.store.GetCart(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart: %w", err)
	}
	lines := make([]models.CartLine, 0, len(items))
	for productID, qty := range items {
		lines = append(lines, models.CartLine{ProductID: productID, Quantity: qty})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })
	return lines, nil
}

// Add merges quantity into the product's line. The merged quantity is capped:
// an add that would exceed the cap is rejected and the line keeps its old quantity.
func (s *Service) Add(ctx context.Context, customerID, productID string, quantity int) (*View, error) {
	ctx, span := util.StartSpan(ctx, "CartService.Add")
	defer span.End()

	if quantity < 1 {
		return nil, fmt.Errorf("%w: %d", models.ErrInvalidQuantity, quantity)
	}
	if err := s.requireProduct(ctx, customerID, productID); err != nil {
		return nil, err
	}

	merged, ok, err := s.store.AddCartItem(ctx, customerID, productID, quantity, models.MaxLineQuantity)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.logger.Info("Cart add rejected over cap",
			zap.String("customer_id", customerID),
			zap.String("product_id", productID),
			zap.Int("merged", merged))
		return nil, fmt.Errorf("%w: product %s would hold %d (max %d)",
			models.ErrQuantityCapExceeded, productID, merged, models.MaxLineQuantity)
	}
	return s.Get(ctx, customerID)
}

// Set overwrites the product's line; zero removes it
func (s *Service) Set(ctx context.Context, customerID, productID string, quantity int) (*View, error) {
	if quantity < 0 {
		return nil, fmt.Errorf("%w: %d", models.ErrInvalidQuantity, quantity)
	}
	if quantity > models.MaxLineQuantity {
		return nil, fmt.Errorf("%w: %d (max %d)", models.ErrQuantityCapExceeded, quantity, models.MaxLineQuantity)
	}
	if quantity > 0 {
		if err := s.requireProduct(ctx, customerID, productID); err != nil {
			return nil, err
		}
	}
	if err := s.store.SetCartItem(ctx, customerID, productID, quantity); err != nil {
		return nil, err
	}
	return s.Get(ctx, customerID)
}

// Replace swaps the whole cart. Duplicate lines are merged first; if any merged
// line is out of bounds nothing is stored.
func (s *Service) Replace(ctx context.Context, customerID string, lines []models.CartLine) (*View, error) {
	ctx, span := util.StartSpan(ctx, "CartService.Replace")
	defer span.End()

	if _, err := s.validator.customers.GetCustomerByID(ctx, customerID); err != nil {
		return nil, err
	}

	items := make(map[string]int, len(lines))
	for _, l := range Merge(lines) {
		if reason, ok := CheckQuantity(l.Quantity); !ok {
			if reason == ReasonQuantityCapExceeded {
				return nil, fmt.Errorf("%w: product %s quantity %d", models.ErrQuantityCapExceeded, l.ProductID, l.Quantity)
			}
			return nil, fmt.Errorf("%w: product %s quantity %d", models.ErrInvalidQuantity, l.ProductID, l.Quantity)
		}
		items[l.ProductID] = l.Quantity
	}

	if err := s.store.ReplaceCart(ctx, customerID, items); err != nil {
		return nil, err
	}
	return s.Get(ctx, customerID)
}

// Remove deletes the product's line
func (s *Service) Remove(ctx context.Context, customerID, productID string) (*View, error) {
	if err := s.store.RemoveCartItem(ctx, customerID, productID); err != nil {
		return nil, err
	}
	return s.Get(ctx, customerID)
}

// Clear empties the cart
func (s *Service) Clear(ctx context.Context, customerID string) error {
	return s.store.ClearCart(ctx, customerID)
}

func (s *Service) requireProduct(ctx context.Context, customerID, productID string) error {
	if _, err := s.validator.customers.GetCustomerByID(ctx, customerID); err != nil {
		return err
	}
	products, err := s.validator.catalog.GetProductsByIDs(ctx, []string{productID})
	if err != nil {
		return err
	}
	if len(products) == 0 {
		return fmt.Errorf("%w: %s", models.ErrProductNotFound, productID)
	}
	return nil
}
