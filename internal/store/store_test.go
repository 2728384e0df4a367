package store

import (
	"context"
	"os"
	"regexp"
	"testing"
	"time"

	"order-pipeline/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

func q(sql string) string {
	return regexp.QuoteMeta(sql)
}

var reservationCols = []string{"id", "order_id", "product_id", "quantity", "status", "created_at", "updated_at"}

func TestReserveStockInsufficient(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("FROM reservations WHERE order_id = $1 AND product_id = $2 FOR UPDATE")).
		WithArgs("o1", "p1").
		WillReturnRows(sqlmock.NewRows(reservationCols))
	mock.ExpectQuery(q("SELECT available_stock FROM products WHERE id = $1")).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"available_stock"}).AddRow(2))
	mock.ExpectRollback()

	_, err := s.ReserveStock(context.Background(), "o1", "p1", 3)
	assert.ErrorIs(t, err, models.ErrInsufficientStock)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveStockDecrementsAndRecords(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(q("FROM reservations WHERE order_id = $1 AND product_id = $2 FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows(reservationCols))
	mock.ExpectQuery(q("SELECT available_stock FROM products")).
		WillReturnRows(sqlmock.NewRows([]string{"available_stock"}).AddRow(5))
	mock.ExpectExec(q("UPDATE products SET available_stock = available_stock - $1")).
		WithArgs(3, "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q("INSERT INTO reservations")).
		WillReturnRows(sqlmock.NewRows(reservationCols).
			AddRow("r1", "o1", "p1", 3, "held", now, now))
	mock.ExpectCommit()

	r, err := s.ReserveStock(context.Background(), "o1", "p1", 3)
	require.NoError(t, err)
	assert.Equal(t, "r1", r.ID)
	assert.Equal(t, models.ReservationHeld, r.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveStockReturnsLiveReservation(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(q("FROM reservations WHERE order_id = $1 AND product_id = $2 FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows(reservationCols).
			AddRow("r1", "o1", "p1", 3, "committed", now, now))
	mock.ExpectCommit()

	r, err := s.ReserveStock(context.Background(), "o1", "p1", 3)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationCommitted, r.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveStockUnknownProduct(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("FROM reservations")).WillReturnRows(sqlmock.NewRows(reservationCols))
	mock.ExpectQuery(q("SELECT available_stock FROM products")).
		WillReturnRows(sqlmock.NewRows([]string{"available_stock"}))
	mock.ExpectRollback()

	_, err := s.ReserveStock(context.Background(), "o1", "gone", 1)
	assert.ErrorIs(t, err, models.ErrProductNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitReservationLeavesReleasedAlone(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT status FROM reservations WHERE id = $1 FOR UPDATE")).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("released"))
	mock.ExpectCommit()

	prior, err := s.CommitReservation(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.ReservationReleased, prior)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOrderDuplicateKey(t *testing.T) {
	s, mock := newMockStore(t)
	key := "k-1"

	mock.ExpectBegin()
	mock.ExpectQuery(q("INSERT INTO orders")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})
	mock.ExpectRollback()

	err := s.CreateOrder(context.Background(), &models.Order{
		CustomerID:     "c1",
		TotalPrice:     decimal.NewFromInt(10),
		Stage:          models.StagePending,
		IdempotencyKey: &key,
	})
	assert.ErrorIs(t, err, models.ErrDuplicateIdempotencyKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdmitOrderOnlyFromPending(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(q("UPDATE orders SET stage = $2, updated_at = NOW() WHERE id = $1 AND stage = $3")).
		WithArgs("o1", models.StageQueuedForProcessing, models.StagePending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("UPDATE orders SET stage = $2")).
		WithArgs("o1", models.StageQueuedForProcessing, models.StagePending).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.AdmitOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AdmitOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimOrderExplainsRefusal(t *testing.T) {
	cases := []struct {
		stage string
		want  error
	}{
		{"Pending", models.ErrOrderNotQueued},
		{"Completed", models.ErrOrderTerminal},
		{"CheckingStock", models.ErrOrderClaimed},
	}
	for _, tc := range cases {
		t.Run(tc.stage, func(t *testing.T) {
			s, mock := newMockStore(t)
			mock.ExpectQuery(q("UPDATE orders SET locked_by = $2")).
				WillReturnRows(sqlmock.NewRows([]string{"id"}))
			mock.ExpectQuery(q("SELECT stage FROM orders WHERE id = $1")).
				WithArgs("o1").
				WillReturnRows(sqlmock.NewRows([]string{"stage"}).AddRow(tc.stage))

			_, err := s.ClaimOrder(context.Background(), "o1", "w1", time.Second)
			assert.ErrorIs(t, err, tc.want)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestAdvanceStageRejectsIllegalTransition(t *testing.T) {
	s, mock := newMockStore(t)

	err := s.AdvanceStage(context.Background(), "o1", "w1", models.StageValidatingOrder, models.StageCompleted)
	assert.ErrorIs(t, err, models.ErrStaleTransition)

	err = s.AdvanceStage(context.Background(), "o1", "w1", models.StageCheckingStock, models.StageError)
	assert.ErrorIs(t, err, models.ErrStaleTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceStageLosesRace(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(q("UPDATE orders SET stage = $4")).
		WithArgs("o1", "w1", models.StageCheckingStock, models.StageProcessingPayment).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.AdvanceStage(context.Background(), "o1", "w1", models.StageCheckingStock, models.StageProcessingPayment)
	assert.ErrorIs(t, err, models.ErrStaleTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Runs against a real database when ORDER_PIPELINE_TEST_DB is set
func TestLastUnitAgainstPostgres(t *testing.T) {
	url := os.Getenv("ORDER_PIPELINE_TEST_DB")
	if url == "" {
		t.Skip("Integration test - requires database")
	}

	s, err := NewStore(url)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	c := &models.Customer{Name: "it", Budget: decimal.NewFromInt(100), Tier: models.TierNormal}
	require.NoError(t, s.CreateCustomer(ctx, c))
	p := &models.Product{Name: "last", UnitPrice: decimal.NewFromInt(1), AvailableStock: 1}
	require.NoError(t, s.CreateProduct(ctx, p))

	var ids []string
	for i := 0; i < 2; i++ {
		o := &models.Order{
			CustomerID: c.ID,
			TotalPrice: decimal.NewFromInt(1),
			Stage:      models.StagePending,
			Lines:      []models.OrderLine{{ProductID: p.ID, Quantity: 1, UnitPrice: decimal.NewFromInt(1)}},
		}
		require.NoError(t, s.CreateOrder(ctx, o))
		ids = append(ids, o.ID)
	}

	_, err = s.ReserveStock(ctx, ids[0], p.ID, 1)
	require.NoError(t, err)
	_, err = s.ReserveStock(ctx, ids[1], p.ID, 1)
	assert.ErrorIs(t, err, models.ErrInsufficientStock)

	got, err := s.GetProductByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, got.AvailableStock)
}

var orderCols = []string{"id", "customer_id", "total_price", "stage", "failure_reason", "idempotency_key",
	"locked_by", "locked_until", "created_at", "updated_at", "completed_at"}

var paymentCols = []string{"id", "order_id", "customer_id", "amount", "status", "created_at", "updated_at"}

// expectLockedOrder queues the FOR UPDATE read every lifecycle transaction starts with
func expectLockedOrder(mock sqlmock.Sqlmock, stage models.Stage, owner string) {
	now := time.Now()
	mock.ExpectQuery(q("FROM orders WHERE id = $1 FOR UPDATE")).
		WithArgs("o1").
		WillReturnRows(sqlmock.NewRows(orderCols).
			AddRow("o1", "c1", "150.00", string(stage), "", nil, owner, now.Add(time.Minute), now, now, nil))
}

func TestChargeOrderInsufficientBudgetRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	expectLockedOrder(mock, models.StageProcessingPayment, "w1")
	mock.ExpectQuery(q("SELECT budget FROM customers WHERE id = $1 FOR UPDATE")).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"budget"}).AddRow("100.00"))
	mock.ExpectRollback()

	payment, err := s.ChargeOrder(context.Background(), "o1", "w1")
	assert.ErrorIs(t, err, models.ErrInsufficientBudget)
	assert.Nil(t, payment)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChargeOrderDebitsAndAdvances(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	expectLockedOrder(mock, models.StageProcessingPayment, "w1")
	mock.ExpectQuery(q("SELECT budget FROM customers")).
		WillReturnRows(sqlmock.NewRows([]string{"budget"}).AddRow("200.00"))
	mock.ExpectExec(q("SET budget = budget - $2, total_spent = total_spent + $2")).
		WithArgs("c1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q("INSERT INTO payments")).
		WillReturnRows(sqlmock.NewRows(paymentCols).
			AddRow("pay1", "o1", "c1", "150.00", models.PaymentStatusCaptured, now, now))
	mock.ExpectExec(q("UPDATE orders SET stage = $2")).
		WithArgs("o1", models.StageUpdatingInventory).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	payment, err := s.ChargeOrder(context.Background(), "o1", "w1")
	require.NoError(t, err)
	assert.Equal(t, "pay1", payment.ID)
	assert.True(t, payment.Amount.Equal(decimal.NewFromInt(150)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChargeOrderRejectsForeignLease(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	expectLockedOrder(mock, models.StageProcessingPayment, "w2")
	mock.ExpectRollback()

	_, err := s.ChargeOrder(context.Background(), "o1", "w1")
	assert.ErrorIs(t, err, models.ErrStaleTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteOrderPromotion(t *testing.T) {
	cases := []struct {
		name     string
		affected int64
		want     bool
	}{
		{"promoted", 1, true},
		{"already premium or under threshold", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, mock := newMockStore(t)

			mock.ExpectBegin()
			expectLockedOrder(mock, models.StageUpdatingInventory, "w1")
			mock.ExpectExec(q("UPDATE reservations SET status = $2")).
				WithArgs("o1", models.ReservationCommitted, models.ReservationHeld).
				WillReturnResult(sqlmock.NewResult(0, 2))
			mock.ExpectExec(q("completed_at = NOW()")).
				WithArgs("o1", models.StageCompleted).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(q("AND tier = $3 AND total_spent >= $4")).
				WithArgs("c1", models.TierPremium, models.TierNormal, sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, tc.affected))
			mock.ExpectCommit()

			promoted, err := s.CompleteOrder(context.Background(), "o1", "w1", decimal.NewFromInt(2000))
			require.NoError(t, err)
			assert.Equal(t, tc.want, promoted)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestFailOrderRefundsCapturedPayment(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	expectLockedOrder(mock, models.StageUpdatingInventory, "w1")
	mock.ExpectQuery(q("WHERE order_id = $1 AND status <> $2")).
		WithArgs("o1", models.ReservationReleased).
		WillReturnRows(sqlmock.NewRows(reservationCols).
			AddRow("r1", "o1", "p1", 2, "committed", now, now).
			AddRow("r2", "o1", "p2", 1, "held", now, now))
	for _, r := range []struct {
		id, product string
		qty         int
	}{{"r1", "p1", 2}, {"r2", "p2", 1}} {
		mock.ExpectExec(q("UPDATE products SET available_stock = available_stock + $1")).
			WithArgs(r.qty, r.product).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(q("UPDATE reservations SET status = $2, updated_at = NOW() WHERE id = $1")).
			WithArgs(r.id, models.ReservationReleased).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectQuery(q("FROM payments WHERE order_id = $1 AND status = $2 FOR UPDATE")).
		WithArgs("o1", models.PaymentStatusCaptured).
		WillReturnRows(sqlmock.NewRows(paymentCols).
			AddRow("pay1", "o1", "c1", "150.00", models.PaymentStatusCaptured, now, now))
	mock.ExpectExec(q("SET budget = budget + $2, total_spent = total_spent - $2")).
		WithArgs("c1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("UPDATE payments SET status = $2")).
		WithArgs("pay1", models.PaymentStatusRefunded).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("failure_reason = $3, updated_at = NOW(), locked_by = '', locked_until = NULL")).
		WithArgs("o1", models.StageError, models.FailureInventoryUpdateFailure).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.FailOrder(context.Background(), "o1", "w1", models.FailureInventoryUpdateFailure)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailOrderWithoutPaymentSkipsRefund(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	expectLockedOrder(mock, models.StageCheckingStock, "w1")
	mock.ExpectQuery(q("WHERE order_id = $1 AND status <> $2")).
		WillReturnRows(sqlmock.NewRows(reservationCols).
			AddRow("r1", "o1", "p1", 1, "held", now, now))
	mock.ExpectExec(q("UPDATE products SET available_stock = available_stock + $1")).
		WithArgs(1, "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("UPDATE reservations SET status = $2")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q("FROM payments WHERE order_id = $1")).
		WillReturnRows(sqlmock.NewRows(paymentCols))
	mock.ExpectExec(q("locked_by = '', locked_until = NULL")).
		WithArgs("o1", models.StageError, models.FailureInsufficientBudget).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.FailOrder(context.Background(), "o1", "w1", models.FailureInsufficientBudget)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
