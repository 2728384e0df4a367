package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"order-pipeline/internal/cart"
	"order-pipeline/internal/ledger"
	"order-pipeline/internal/memstore"
	"order-pipeline/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu        sync.Mutex
	submitted []models.OrderSubmittedEvent
	stages    []models.OrderStageChangedEvent
	promoted  []models.CustomerPromotedEvent
}

func (r *recordingPublisher) PublishOrderSubmitted(_ context.Context, e *models.OrderSubmittedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitted = append(r.submitted, *e)
	return nil
}

func (r *recordingPublisher) PublishStageChanged(_ context.Context, e *models.OrderStageChangedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, *e)
	return nil
}

func (r *recordingPublisher) PublishCustomerPromoted(_ context.Context, e *models.CustomerPromotedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.promoted = append(r.promoted, *e)
	return nil
}

func (r *recordingPublisher) stagesFor(orderID string) []models.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Stage
	for _, e := range r.stages {
		if e.OrderID == orderID {
			out = append(out, e.To)
		}
	}
	return out
}

func (r *recordingPublisher) promotions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.promoted)
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, orderID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, orderID)
	return nil
}

func (d *recordingDispatcher) dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ids...)
}

type harness struct {
	store      *memstore.Store
	ledger     *ledger.Ledger
	pipeline   *Pipeline
	orders     *OrderService
	catalog    *CatalogService
	events     *recordingPublisher
	dispatcher *recordingDispatcher
}

func testPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Lease:            5 * time.Second,
		StageTimeout:     time.Second,
		RetryAttempts:    3,
		RetryBackoff:     time.Millisecond,
		PremiumThreshold: decimal.NewFromInt(2000),
	}
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithConfig(t, testPipelineConfig())
}

func newHarnessWithConfig(t *testing.T, cfg PipelineConfig) *harness {
	t.Helper()
	s := memstore.New()
	l := ledger.New(s)
	events := &recordingPublisher{}
	dispatcher := &recordingDispatcher{}

	return &harness{
		store:      s,
		ledger:     l,
		pipeline:   NewPipeline(s, l, NewPaymentService(s), events, cfg),
		orders:     NewOrderService(s, cart.NewValidator(s, s), nil, dispatcher, nil, events, OrderServiceConfig{PollInterval: 250 * time.Millisecond}),
		catalog:    NewCatalogService(s),
		events:     events,
		dispatcher: dispatcher,
	}
}

func (h *harness) customer(t *testing.T, budget int64) *models.Customer {
	t.Helper()
	c, err := h.catalog.CreateCustomer(context.Background(), &CreateCustomerRequest{
		Name:   "customer",
		Budget: decimal.NewFromInt(budget),
	})
	require.NoError(t, err)
	return c
}

func (h *harness) product(t *testing.T, price int64, stock int) *models.Product {
	t.Helper()
	p, err := h.catalog.CreateProduct(context.Background(), &CreateProductRequest{
		Name:           "product",
		UnitPrice:      decimal.NewFromInt(price),
		AvailableStock: stock,
	})
	require.NoError(t, err)
	return p
}

func (h *harness) submit(t *testing.T, customerID string, lines ...models.CartLine) string {
	t.Helper()
	res, err := h.orders.SubmitOrder(context.Background(), &SubmitOrderRequest{CustomerID: customerID, Lines: lines})
	require.NoError(t, err)
	require.NotNil(t, res.Order)
	return res.Order.ID
}

func (h *harness) admit(t *testing.T, orderID string) {
	t.Helper()
	_, err := h.orders.ProcessOrder(context.Background(), orderID)
	require.NoError(t, err)
}

func (h *harness) run(t *testing.T, orderID string) *models.Order {
	t.Helper()
	h.admit(t, orderID)
	o, err := h.pipeline.Process(context.Background(), orderID)
	require.NoError(t, err)
	return o
}

func (h *harness) stock(t *testing.T, productID string) int {
	t.Helper()
	n, err := h.ledger.Available(context.Background(), productID)
	require.NoError(t, err)
	return n
}

func (h *harness) wallet(t *testing.T, customerID string) *models.Customer {
	t.Helper()
	c, err := h.store.GetCustomerByID(context.Background(), customerID)
	require.NoError(t, err)
	return c
}

func (h *harness) heldReservations(t *testing.T, orderID string) int {
	t.Helper()
	rs, err := h.ledger.Reservations(context.Background(), orderID)
	require.NoError(t, err)
	n := 0
	for _, r := range rs {
		if r.Status == models.ReservationHeld {
			n++
		}
	}
	return n
}

func line(productID string, qty int) models.CartLine {
	return models.CartLine{ProductID: productID, Quantity: qty}
}

func dec(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}
