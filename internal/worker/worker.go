package worker

import (
	"context"
	"errors"

	"order-pipeline/internal/broker"
	"order-pipeline/internal/models"
	"order-pipeline/internal/service"
	"order-pipeline/internal/util"

	"go.uber.org/zap"
)

// MessageSource is the consumer side of the order queue topic
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// QueueWorker feeds ORDER_QUEUED events from the broker into a local dispatcher
type QueueWorker struct {
	source       MessageSource
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewQueueWorker creates a new queue worker
func NewQueueWorker(source MessageSource, dispatcher service.Dispatcher) *QueueWorker {
	w := &QueueWorker{
		source:       source,
		eventHandler: broker.NewEventHandler(),
		logger:       util.GetLogger(),
	}

	w.eventHandler.OnOrderQueued(func(ctx context.Context, event *models.OrderQueuedEvent) error {
		err := dispatcher.Dispatch(ctx, event.OrderID)
		if errors.Is(err, ErrQueueFull) {
			// the sweeper re-offers the order once a slot frees up
			w.logger.Warn("Queue full, leaving order to the sweeper", zap.String("order_id", event.OrderID))
			return nil
		}
		return err
	})
	return w
}

// Start consumes until ctx is cancelled
func (w *QueueWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting queue worker")
	return w.source.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop closes the consumer
func (w *QueueWorker) Stop() error {
	w.logger.Info("Stopping queue worker")
	return w.source.Close()
}
