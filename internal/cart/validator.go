// Package cart validates proposed order lines and owns the server-side cart.
package cart

import (
	"context"
	"fmt"

	"order-pipeline/internal/models"
	"order-pipeline/internal/util"

	"github.com/shopspring/decimal"
)

// RejectionReason explains why a single cart line was refused
type RejectionReason string

const (
	ReasonInvalidQuantity     RejectionReason = "InvalidQuantity"
	ReasonQuantityCapExceeded RejectionReason = "QuantityCapExceeded"
	ReasonProductNotFound     RejectionReason = "ProductNotFound"
	ReasonInsufficientStock   RejectionReason = "InsufficientStock"
)

// Rejection is a line-scoped validation failure
type Rejection struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	Reason    RejectionReason `json:"reason"`
	Available int             `json:"available,omitempty"`
}

// Result is the outcome of validating a cart
type Result struct {
	CustomerID   string             `json:"customerId"`
	Lines        []models.OrderLine `json:"lines"`
	Rejections   []Rejection        `json:"rejections"`
	Total        decimal.Decimal    `json:"total"`
	Budget       decimal.Decimal    `json:"budget"`
	WithinBudget bool               `json:"withinBudget"`
}

// Valid reports whether the cart can be submitted as an order
func (r *Result) Valid() bool {
	return len(r.Rejections) == 0 && len(r.Lines) > 0
}

// Catalog looks up live products
type Catalog interface {
	GetProductsByIDs(ctx context.Context, ids []string) ([]models.Product, error)
}

// Customers looks up customers
type Customers interface {
	GetCustomerByID(ctx context.Context, id string) (*models.Customer, error)
}

// Validator checks carts against live stock. It never reserves anything.
type Validator struct {
	catalog   Catalog
	customers Customers
}

// NewValidator creates a validator
func NewValidator(catalog Catalog, customers Customers) *Validator {
	return &Validator{catalog: catalog, customers: customers}
}

// Validate merges, caps and stock-checks lines for customerID
func (v *Validator) Validate(ctx context.Context, customerID string, lines []models.CartLine) (*Result, error) {
	ctx, span := util.StartSpan(ctx, "Validator.Validate")
	defer span.End()

	if len(lines) == 0 {
		return nil, models.ErrEmptyCart
	}

	customer, err := v.customers.GetCustomerByID(ctx, customerID)
	if err != nil {
		return nil, err
	}

	merged := Merge(lines)
	ids := make([]string, len(merged))
	for i, l := range merged {
		ids[i] = l.ProductID
	}
	products, err := v.catalog.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}
	byID := make(map[string]models.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	accepted, rejections := Check(merged, byID)
	for _, r := range rejections {
		util.CartRejectionsTotal.WithLabelValues(string(r.Reason)).Inc()
	}

	total := Total(accepted)
	return &Result{
		CustomerID:   customerID,
		Lines:        accepted,
		Rejections:   rejections,
		Total:        total,
		Budget:       customer.Budget,
		WithinBudget: customer.Budget.GreaterThanOrEqual(total),
	}, nil
}

// Merge sums quantities of lines naming the same product, keeping first-seen order
func Merge(lines []models.CartLine) []models.CartLine {
	index := make(map[string]int, len(lines))
	merged := make([]models.CartLine, 0, len(lines))
	for _, l := range lines {
		if i, ok := index[l.ProductID]; ok {
			merged[i].Quantity += l.Quantity
			continue
		}
		index[l.ProductID] = len(merged)
		merged = append(merged, l)
	}
	return merged
}

// CheckQuantity applies the per-line bounds
func CheckQuantity(quantity int) (RejectionReason, bool) {
	switch {
	case quantity < 1:
		return ReasonInvalidQuantity, false
	case quantity > models.MaxLineQuantity:
		return ReasonQuantityCapExceeded, false
	}
	return "", true
}

// Check validates already-merged lines against products. Accepted lines carry the
// product's current price, which becomes the order's snapshotted unit price.
func Check(lines []models.CartLine, products map[string]models.Product) ([]models.OrderLine, []Rejection) {
	accepted := []models.OrderLine{}
	rejections := []Rejection{}
	for _, l := range lines {
		if reason, ok := CheckQuantity(l.Quantity); !ok {
			rejections = append(rejections, Rejection{ProductID: l.ProductID, Quantity: l.Quantity, Reason: reason})
			continue
		}
		p, ok := products[l.ProductID]
		if !ok || p.DeletedAt != nil {
			rejections = append(rejections, Rejection{ProductID: l.ProductID, Quantity: l.Quantity, Reason: ReasonProductNotFound})
			continue
		}
		if l.Quantity > p.AvailableStock {
			rejections = append(rejections, Rejection{
				ProductID: l.ProductID,
				Quantity:  l.Quantity,
				Reason:    ReasonInsufficientStock,
				Available: p.AvailableStock,
			})
			continue
		}
		accepted = append(accepted, models.OrderLine{
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
			UnitPrice: p.UnitPrice,
		})
	}
	return accepted, rejections
}

// Total sums line subtotals
func Total(lines []models.OrderLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Subtotal())
	}
	return total
}
