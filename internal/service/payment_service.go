package service

import (
	"context"
	"time"

	"order-pipeline/internal/models"
	"order-pipeline/internal/util"

	"go.uber.org/zap"
)

// PaymentService debits the customer's wallet for an order
type PaymentService struct {
	store  OrderStore
	logger *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(store OrderStore) *PaymentService {
	return &PaymentService{
		store:  store,
		logger: util.GetLogger(),
	}
}

// Charge takes payment for an order held by owner. The wallet debit, the total spent
// credit and the ProcessingPayment -> UpdatingInventory transition commit together.
func (ps *PaymentService) Charge(ctx context.Context, order *models.Order, owner string) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Charge")
	defer span.End()

	util.PaymentAttemptsTotal.Inc()
	start := time.Now()
	defer func() {
		util.PaymentProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	ps.logger.Info("Processing payment",
		zap.String("order_id", order.ID),
		zap.String("customer_id", order.CustomerID),
		zap.String("amount", order.TotalPrice.String()))

	payment, err := ps.store.ChargeOrder(ctx, order.ID, owner)
	if err != nil {
		util.PaymentFailedTotal.Inc()
		ps.logger.Warn("Payment failed",
			zap.String("order_id", order.ID),
			zap.Error(err))
		return nil, err
	}

	util.PaymentSuccessTotal.Inc()
	ps.logger.Info("Payment captured",
		zap.String("order_id", order.ID),
		zap.String("payment_id", payment.ID))
	return payment, nil
}

// GetPayment retrieves payment for an order
func (ps *PaymentService) GetPayment(ctx context.Context, orderID string) (*models.Payment, error) {
	return ps.store.GetPaymentByOrderID(ctx, orderID)
}
