package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"order-pipeline/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// New wraps an existing connection
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, committing on success
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

const productColumns = "id, name, unit_price, available_stock, created_at, updated_at, deleted_at"

// CreateProduct inserts a new catalog product
func (s *Store) CreateProduct(ctx context.Context, p *models.Product) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	query := `
		INSERT INTO products (id, name, unit_price, available_stock)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query, p.ID, p.Name, p.UnitPrice, p.AvailableStock).
		Scan(&p.CreatedAt, &p.UpdatedAt)
}

// GetProductByID retrieves a live product by ID
func (s *Store) GetProductByID(ctx context.Context, id string) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product,
		"SELECT "+productColumns+" FROM products WHERE id = $1 AND deleted_at IS NULL", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrProductNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProducts retrieves a page of live products
func (s *Store) GetProducts(ctx context.Context, limit, offset int) ([]models.Product, error) {
	products := []models.Product{}
	err := s.db.SelectContext(ctx, &products,
		"SELECT "+productColumns+" FROM products WHERE deleted_at IS NULL ORDER BY created_at, id LIMIT $1 OFFSET $2",
		limit, offset)
	return products, err
}

// GetProductsByIDs retrieves multiple live products by IDs
func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query, args, err := sqlx.In("SELECT "+productColumns+" FROM products WHERE deleted_at IS NULL AND id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	products := []models.Product{}
	err = s.db.SelectContext(ctx, &products, query, args...)
	return products, err
}

// UpdateProduct changes name and price; in-flight orders keep their snapshotted price
func (s *Store) UpdateProduct(ctx context.Context, id, name string, price decimal.Decimal) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, `
		UPDATE products SET name = $2, unit_price = $3, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING `+productColumns, id, name, price)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrProductNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// AdjustStock adds delta (possibly negative) to available stock under the row lock
func (s *Store) AdjustStock(ctx context.Context, id string, delta int) (*models.Product, error) {
	var product models.Product
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var available int
		err := tx.GetContext(ctx, &available,
			"SELECT available_stock FROM products WHERE id = $1 AND deleted_at IS NULL FOR UPDATE", id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", models.ErrProductNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to lock product: %w", err)
		}
		if available+delta < 0 {
			return fmt.Errorf("%w: available=%d, delta=%d", models.ErrInsufficientStock, available, delta)
		}
		return tx.GetContext(ctx, &product, `
			UPDATE products SET available_stock = available_stock + $2, updated_at = NOW()
			WHERE id = $1
			RETURNING `+productColumns, id, delta)
	})
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// DeleteProduct soft-deletes a product so existing order lines keep their reference
func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE products SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", models.ErrProductNotFound, id)
	}
	return nil
}

const customerColumns = "id, name, budget, total_spent, tier, created_at, updated_at"

// CreateCustomer inserts a new customer
func (s *Store) CreateCustomer(ctx context.Context, c *models.Customer) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Tier == "" {
		c.Tier = models.TierNormal
	}
	query := `
		INSERT INTO customers (id, name, budget, total_spent, tier)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query, c.ID, c.Name, c.Budget, c.TotalSpent, c.Tier).
		Scan(&c.CreatedAt, &c.UpdatedAt)
}

// GetCustomerByID retrieves a customer
func (s *Store) GetCustomerByID(ctx context.Context, id string) (*models.Customer, error) {
	var customer models.Customer
	err := s.db.GetContext(ctx, &customer, "SELECT "+customerColumns+" FROM customers WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrCustomerNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

// TopUpBudget credits the customer's wallet
func (s *Store) TopUpBudget(ctx context.Context, id string, amount decimal.Decimal) (*models.Customer, error) {
	var customer models.Customer
	err := s.db.GetContext(ctx, &customer, `
		UPDATE customers SET budget = budget + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+customerColumns, id, amount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrCustomerNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &customer, nil
}
