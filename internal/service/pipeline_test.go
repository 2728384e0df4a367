package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"order-pipeline/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessCompletesOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.customer(t, 500)
	p1 := h.product(t, 40, 10)
	p2 := h.product(t, 15, 3)

	id := h.submit(t, c.ID, line(p1.ID, 2), line(p2.ID, 3))
	order := h.run(t, id)

	assert.Equal(t, models.StageCompleted, order.Stage)
	assert.NotNil(t, order.CompletedAt)
	assert.True(t, dec(125).Equal(order.TotalPrice))

	assert.Equal(t, 8, h.stock(t, p1.ID))
	assert.Equal(t, 0, h.stock(t, p2.ID))

	w := h.wallet(t, c.ID)
	assert.True(t, dec(375).Equal(w.Budget))
	assert.True(t, dec(125).Equal(w.TotalSpent))
	assert.Equal(t, models.TierNormal, w.Tier)

	rs, err := h.ledger.Reservations(ctx, id)
	require.NoError(t, err)
	require.Len(t, rs, 2)
	for _, r := range rs {
		assert.Equal(t, models.ReservationCommitted, r.Status)
	}

	payment, err := h.pipeline.payments.GetPayment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCaptured, payment.Status)

	assert.Equal(t, []models.Stage{
		models.StageValidatingOrder,
		models.StageCheckingStock,
		models.StageProcessingPayment,
		models.StageUpdatingInventory,
		models.StageCompleted,
	}, h.events.stagesFor(id))
}

func TestProcessRequiresAdmission(t *testing.T) {
	h := newHarness(t)
	c := h.customer(t, 500)
	p := h.product(t, 10, 5)
	id := h.submit(t, c.ID, line(p.ID, 1))

	_, err := h.pipeline.Process(context.Background(), id)
	assert.ErrorIs(t, err, models.ErrOrderNotQueued)

	snap, err := h.orders.GetOrder(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StagePending, snap.Stage)
}

// Budget 100 against a total of 150 ends in InsufficientBudget with nothing held.
func TestInsufficientBudget(t *testing.T) {
	h := newHarness(t)
	c := h.customer(t, 100)
	p := h.product(t, 50, 10)

	id := h.submit(t, c.ID, line(p.ID, 3))
	order := h.run(t, id)

	assert.Equal(t, models.StageError, order.Stage)
	assert.Equal(t, models.FailureInsufficientBudget, order.FailureReason)
	assert.Equal(t, 10, h.stock(t, p.ID))
	assert.Zero(t, h.heldReservations(t, id))

	w := h.wallet(t, c.ID)
	assert.True(t, dec(100).Equal(w.Budget))
	assert.True(t, w.TotalSpent.IsZero())
}

// Two orders race for the last unit: one completes, the other fails, stock ends at 0.
func TestLastUnitRace(t *testing.T) {
	h := newHarness(t)
	p := h.product(t, 10, 1)
	a := h.submit(t, h.customer(t, 100).ID, line(p.ID, 1))
	b := h.submit(t, h.customer(t, 100).ID, line(p.ID, 1))
	h.admit(t, a)
	h.admit(t, b)

	var wg sync.WaitGroup
	results := make([]*models.Order, 2)
	for i, id := range []string{a, b} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			o, err := h.pipeline.Process(context.Background(), id)
			assert.NoError(t, err)
			results[i] = o
		}(i, id)
	}
	wg.Wait()

	var completed, failed int
	for _, o := range results {
		require.NotNil(t, o)
		switch o.Stage {
		case models.StageCompleted:
			completed++
		case models.StageError:
			failed++
			assert.Equal(t, models.FailureInsufficientStock, o.FailureReason)
		}
	}
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 0, h.stock(t, p.ID))
}

// Concurrent processing of the same order runs the pipeline exactly once.
func TestAtMostOneActivePipeline(t *testing.T) {
	h := newHarness(t)
	c := h.customer(t, 1000)
	p := h.product(t, 100, 10)
	id := h.submit(t, c.ID, line(p.ID, 2))
	h.admit(t, id)

	const callers = 8
	var (
		wg        sync.WaitGroup
		ran       int32
		conflicts int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.pipeline.Process(context.Background(), id)
			switch {
			case err == nil:
				atomic.AddInt32(&ran, 1)
			case errors.Is(err, models.ErrOrderClaimed), errors.Is(err, models.ErrOrderTerminal):
				atomic.AddInt32(&conflicts, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ran)
	assert.Equal(t, int32(callers-1), conflicts)
	assert.Equal(t, 8, h.stock(t, p.ID))
	assert.True(t, dec(800).Equal(h.wallet(t, c.ID).Budget))
	assert.Len(t, h.events.stagesFor(id), 5)
}

// A customer crossing the threshold with several orders finishing together is promoted once.
func TestPromotionExactlyOnce(t *testing.T) {
	h := newHarness(t)
	c := h.customer(t, 10000)
	p := h.product(t, 1000, 20)

	var ids []string
	for i := 0; i < 4; i++ {
		id := h.submit(t, c.ID, line(p.ID, 1))
		h.admit(t, id)
		ids = append(ids, id)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			o, err := h.pipeline.Process(context.Background(), id)
			assert.NoError(t, err)
			assert.Equal(t, models.StageCompleted, o.Stage)
		}(id)
	}
	wg.Wait()

	w := h.wallet(t, c.ID)
	assert.Equal(t, models.TierPremium, w.Tier)
	assert.True(t, dec(4000).Equal(w.TotalSpent))
	assert.Equal(t, 1, h.events.promotions())

	// a later completion for an already-premium customer is a no-op
	h.run(t, h.submit(t, c.ID, line(p.ID, 1)))
	assert.Equal(t, 1, h.events.promotions())
}

func TestPromotionAtExactThreshold(t *testing.T) {
	h := newHarness(t)
	c := h.customer(t, 2000)
	p := h.product(t, 400, 10)

	h.run(t, h.submit(t, c.ID, line(p.ID, 5)))

	w := h.wallet(t, c.ID)
	assert.Equal(t, models.TierPremium, w.Tier)
	assert.True(t, w.Budget.IsZero())
}

func TestDeletedProductFailsValidation(t *testing.T) {
	h := newHarness(t)
	c := h.customer(t, 500)
	p := h.product(t, 10, 5)
	id := h.submit(t, c.ID, line(p.ID, 2))

	require.NoError(t, h.catalog.DeleteProduct(context.Background(), p.ID))
	order := h.run(t, id)

	assert.Equal(t, models.StageError, order.Stage)
	assert.Equal(t, models.FailureInvalidOrder, order.FailureReason)
	assert.True(t, dec(500).Equal(h.wallet(t, c.ID).Budget))
}

func TestStockDrainedAfterSubmit(t *testing.T) {
	h := newHarness(t)
	c := h.customer(t, 500)
	p1 := h.product(t, 10, 5)
	p2 := h.product(t, 10, 5)
	id := h.submit(t, c.ID, line(p1.ID, 2), line(p2.ID, 4))

	_, err := h.catalog.AdjustStock(context.Background(), p2.ID, -3)
	require.NoError(t, err)

	order := h.run(t, id)
	assert.Equal(t, models.StageError, order.Stage)
	assert.Equal(t, models.FailureInsufficientStock, order.FailureReason)
	assert.Equal(t, 5, h.stock(t, p1.ID), "partial reservation released")
	assert.Equal(t, 2, h.stock(t, p2.ID))
	assert.Zero(t, h.heldReservations(t, id))
}

func TestPaymentFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	c := h.customer(t, 500)
	p := h.product(t, 10, 5)
	id := h.submit(t, c.ID, line(p.ID, 3))

	h.store.SetFailHook(func(op string) error {
		if op == "ChargeOrder" {
			return errors.New("wallet unavailable")
		}
		return nil
	})
	order := h.run(t, id)

	assert.Equal(t, models.StageError, order.Stage)
	assert.Equal(t, models.FailurePaymentFailure, order.FailureReason)
	assert.Equal(t, 5, h.stock(t, p.ID))
	assert.True(t, dec(500).Equal(h.wallet(t, c.ID).Budget))
}

// The wallet is re-checked inside the charge transaction, so spending it after the
// stock check still ends in InsufficientBudget.
func TestBudgetSpentBetweenCheckAndCharge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.customer(t, 100)
	p := h.product(t, 60, 5)
	id := h.submit(t, c.ID, line(p.ID, 1))
	h.admit(t, id)

	_, err := h.store.ClaimOrder(ctx, id, "stalled", time.Millisecond)
	require.NoError(t, err)
	for _, st := range []models.Stage{models.StageValidatingOrder, models.StageCheckingStock} {
		order, err := h.store.GetOrderByID(ctx, id)
		require.NoError(t, err)
		require.NoError(t, h.store.AdvanceStage(ctx, id, "stalled", order.Stage, st))
	}
	_, err = h.ledger.TryReserve(ctx, id, p.ID, 1)
	require.NoError(t, err)
	require.NoError(t, h.store.AdvanceStage(ctx, id, "stalled", models.StageCheckingStock, models.StageProcessingPayment))

	other := h.run(t, h.submit(t, c.ID, line(p.ID, 1)))
	require.Equal(t, models.StageCompleted, other.Stage)

	time.Sleep(5 * time.Millisecond)
	order, err := h.pipeline.Process(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StageError, order.Stage)
	assert.Equal(t, models.FailureInsufficientBudget, order.FailureReason)
	assert.Equal(t, 4, h.stock(t, p.ID))
	assert.True(t, dec(40).Equal(h.wallet(t, c.ID).Budget))
}

func TestInventoryUpdateRetriedAfterPayment(t *testing.T) {
	h := newHarness(t)
	c := h.customer(t, 500)
	p := h.product(t, 10, 5)
	id := h.submit(t, c.ID, line(p.ID, 2))

	var failures int32
	h.store.SetFailHook(func(op string) error {
		if op == "CompleteOrder" && atomic.AddInt32(&failures, 1) <= 2 {
			return errors.New("deadlock detected")
		}
		return nil
	})
	order := h.run(t, id)

	assert.Equal(t, models.StageCompleted, order.Stage)
	assert.Equal(t, int32(3), atomic.LoadInt32(&failures))
	assert.Equal(t, 3, h.stock(t, p.ID))
	w := h.wallet(t, c.ID)
	assert.True(t, dec(480).Equal(w.Budget), "payment taken exactly once")
}

func TestInventoryUpdateEscalationRefunds(t *testing.T) {
	h := newHarness(t)
	c := h.customer(t, 500)
	p := h.product(t, 10, 5)
	id := h.submit(t, c.ID, line(p.ID, 2))

	h.store.SetFailHook(func(op string) error {
		if op == "CompleteOrder" {
			return errors.New("storage offline")
		}
		return nil
	})
	order := h.run(t, id)

	assert.Equal(t, models.StageError, order.Stage)
	assert.Equal(t, models.FailureInventoryUpdateFailure, order.FailureReason)
	assert.Equal(t, 5, h.stock(t, p.ID))

	w := h.wallet(t, c.ID)
	assert.True(t, dec(500).Equal(w.Budget))
	assert.True(t, w.TotalSpent.IsZero())

	payment, err := h.pipeline.payments.GetPayment(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, payment.Status)
}

func TestStageTimeoutBeforePayment(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.StageTimeout = 5 * time.Millisecond
	h := newHarnessWithConfig(t, cfg)
	c := h.customer(t, 500)
	p := h.product(t, 10, 5)
	id := h.submit(t, c.ID, line(p.ID, 2))

	h.store.SetFailHook(func(op string) error {
		if op == "ReserveStock" {
			time.Sleep(30 * time.Millisecond)
			return context.DeadlineExceeded
		}
		return nil
	})
	order := h.run(t, id)

	assert.Equal(t, models.StageError, order.Stage)
	assert.Equal(t, models.FailureStageTimeout, order.FailureReason)
	assert.Equal(t, 5, h.stock(t, p.ID))
}

// An order abandoned mid-pipeline by a crashed worker resumes where it stopped
// without reserving or charging twice.
func TestResumeAfterExpiredLease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.customer(t, 500)
	p := h.product(t, 10, 5)
	id := h.submit(t, c.ID, line(p.ID, 2))
	h.admit(t, id)

	_, err := h.store.ClaimOrder(ctx, id, "crashed", time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, h.store.AdvanceStage(ctx, id, "crashed", models.StageQueuedForProcessing, models.StageValidatingOrder))
	require.NoError(t, h.store.AdvanceStage(ctx, id, "crashed", models.StageValidatingOrder, models.StageCheckingStock))
	_, err = h.ledger.TryReserve(ctx, id, p.ID, 2)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	stale, err := h.store.ListStaleOrders(ctx, 10)
	require.NoError(t, err)
	assert.Contains(t, stale, id)

	order, err := h.pipeline.Process(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, order.Stage)
	assert.Equal(t, 3, h.stock(t, p.ID))
	assert.True(t, dec(480).Equal(h.wallet(t, c.ID).Budget))
}

func TestProcessStopsOnCancelledContext(t *testing.T) {
	h := newHarness(t)
	c := h.customer(t, 500)
	p := h.product(t, 10, 5)
	id := h.submit(t, c.ID, line(p.ID, 1))
	h.admit(t, id)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.pipeline.Process(ctx, id)
	assert.ErrorIs(t, err, context.Canceled)

	// the claim was released so another worker can take over
	order, err := h.pipeline.Process(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, order.Stage)
}
