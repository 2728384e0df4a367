package service

import (
	"context"
	"fmt"

	"order-pipeline/internal/models"
	"order-pipeline/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CatalogService administers products and customer wallets
type CatalogService struct {
	store  CatalogStore
	logger *zap.Logger
}

// NewCatalogService creates a new catalog service
func NewCatalogService(store CatalogStore) *CatalogService {
	return &CatalogService{
		store:  store,
		logger: util.GetLogger(),
	}
}

// CreateProductRequest represents a request to add a product
type CreateProductRequest struct {
	Name           string          `json:"name" binding:"required"`
	UnitPrice      decimal.Decimal `json:"unitPrice"`
	AvailableStock int             `json:"availableStock"`
}

// CreateProduct adds a product to the catalog
func (cs *CatalogService) CreateProduct(ctx context.Context, req *CreateProductRequest) (*models.Product, error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.CreateProduct")
	defer span.End()

	if req.UnitPrice.IsNegative() {
		return nil, fmt.Errorf("%w: price %s", ErrInvalidAmount, req.UnitPrice)
	}
	if req.AvailableStock < 0 {
		return nil, fmt.Errorf("%w: stock %d", models.ErrInvalidQuantity, req.AvailableStock)
	}

	p := &models.Product{
		Name:           req.Name,
		UnitPrice:      req.UnitPrice,
		AvailableStock: req.AvailableStock,
	}
	if err := cs.store.CreateProduct(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to create product: %w", err)
	}

	cs.logger.Info("Product created", zap.String("product_id", p.ID), zap.String("name", p.Name))
	return p, nil
}

// GetProduct retrieves a product
func (cs *CatalogService) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	return cs.store.GetProductByID(ctx, id)
}

// ListProducts retrieves a page of products
func (cs *CatalogService) ListProducts(ctx context.Context, limit, offset int) ([]models.Product, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return cs.store.GetProducts(ctx, limit, offset)
}

// UpdateProductRequest represents a product edit
type UpdateProductRequest struct {
	Name      string          `json:"name" binding:"required"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// UpdateProduct changes a product's name and price. Orders already submitted keep their prices.
func (cs *CatalogService) UpdateProduct(ctx context.Context, id string, req *UpdateProductRequest) (*models.Product, error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.UpdateProduct")
	defer span.End()

	if req.UnitPrice.IsNegative() {
		return nil, fmt.Errorf("%w: price %s", ErrInvalidAmount, req.UnitPrice)
	}
	return cs.store.UpdateProduct(ctx, id, req.Name, req.UnitPrice)
}

// AdjustStock restocks (positive delta) or writes off (negative delta) available units
func (cs *CatalogService) AdjustStock(ctx context.Context, id string, delta int) (*models.Product, error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.AdjustStock")
	defer span.End()

	p, err := cs.store.AdjustStock(ctx, id, delta)
	if err != nil {
		return nil, err
	}
	cs.logger.Info("Stock adjusted",
		zap.String("product_id", id),
		zap.Int("delta", delta),
		zap.Int("available", p.AvailableStock))
	return p, nil
}

// DeleteProduct removes a product from sale. Orders still referencing it fail validation.
func (cs *CatalogService) DeleteProduct(ctx context.Context, id string) error {
	if err := cs.store.DeleteProduct(ctx, id); err != nil {
		return err
	}
	cs.logger.Info("Product deleted", zap.String("product_id", id))
	return nil
}

// CreateCustomerRequest represents a new customer
type CreateCustomerRequest struct {
	Name   string          `json:"name" binding:"required"`
	Budget decimal.Decimal `json:"budget"`
}

// CreateCustomer registers a customer with an opening budget
func (cs *CatalogService) CreateCustomer(ctx context.Context, req *CreateCustomerRequest) (*models.Customer, error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.CreateCustomer")
	defer span.End()

	if req.Budget.IsNegative() {
		return nil, fmt.Errorf("%w: budget %s", ErrInvalidAmount, req.Budget)
	}
	c := &models.Customer{
		Name:       req.Name,
		Budget:     req.Budget,
		TotalSpent: decimal.Zero,
		Tier:       models.TierNormal,
	}
	if err := cs.store.CreateCustomer(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to create customer: %w", err)
	}
	cs.logger.Info("Customer created", zap.String("customer_id", c.ID))
	return c, nil
}

// GetCustomer retrieves a customer
func (cs *CatalogService) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	return cs.store.GetCustomerByID(ctx, id)
}

// TopUp credits a customer's budget
func (cs *CatalogService) TopUp(ctx context.Context, id string, amount decimal.Decimal) (*models.Customer, error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.TopUp")
	defer span.End()

	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: top-up %s", ErrInvalidAmount, amount)
	}
	c, err := cs.store.TopUpBudget(ctx, id, amount)
	if err != nil {
		return nil, err
	}
	cs.logger.Info("Wallet topped up",
		zap.String("customer_id", id),
		zap.String("amount", amount.String()),
		zap.String("budget", c.Budget.String()))
	return c, nil
}
