package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"order-pipeline/internal/models"
	"order-pipeline/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher is the producer side the event publishers write through
type Publisher interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

func orderKey(orderID string) string {
	return "order-" + orderID
}

// EventPublisher handles publishing order domain events
type EventPublisher struct {
	producer Publisher
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer Publisher) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishOrderSubmitted publishes an ORDER_SUBMITTED event
func (ep *EventPublisher) PublishOrderSubmitted(ctx context.Context, event *models.OrderSubmittedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishStageChanged publishes a stage transition, keyed by order so a consumer sees them in order
func (ep *EventPublisher) PublishStageChanged(ctx context.Context, event *models.OrderStageChangedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishCustomerPromoted publishes a CUSTOMER_PROMOTED event
func (ep *EventPublisher) PublishCustomerPromoted(ctx context.Context, event *models.CustomerPromotedEvent) error {
	return ep.producer.PublishEvent(ctx, "customer-"+event.CustomerID, event)
}

// LogPublisher writes events to the structured log when no broker is configured
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a log-only event publisher
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: util.GetLogger()}
}

// PublishOrderSubmitted logs an ORDER_SUBMITTED event
func (lp *LogPublisher) PublishOrderSubmitted(_ context.Context, event *models.OrderSubmittedEvent) error {
	lp.logger.Info("Event",
		zap.String("type", event.EventType),
		zap.String("order_id", event.OrderID),
		zap.String("total", event.TotalPrice.String()))
	return nil
}

// PublishStageChanged logs a stage transition, including the failure reason on Error
func (lp *LogPublisher) PublishStageChanged(_ context.Context, event *models.OrderStageChangedEvent) error {
	lp.logger.Info("Event",
		zap.String("type", event.EventType),
		zap.String("order_id", event.OrderID),
		zap.String("from", string(event.From)),
		zap.String("to", string(event.To)),
		zap.String("failure_reason", string(event.FailureReason)))
	return nil
}

// PublishCustomerPromoted logs a tier promotion
func (lp *LogPublisher) PublishCustomerPromoted(_ context.Context, event *models.CustomerPromotedEvent) error {
	lp.logger.Info("Event",
		zap.String("type", event.EventType),
		zap.String("customer_id", event.CustomerID),
		zap.String("total_spent", event.TotalSpent.String()))
	return nil
}

// QueuePublisher dispatches admitted orders through the order queue topic, so any
// instance in the consumer group may run the pipeline for them.
type QueuePublisher struct {
	producer Publisher
}

// NewQueuePublisher creates a dispatcher backed by the queue topic
func NewQueuePublisher(producer Publisher) *QueuePublisher {
	return &QueuePublisher{producer: producer}
}

// Dispatch publishes an ORDER_QUEUED event for the order
func (qp *QueuePublisher) Dispatch(ctx context.Context, orderID string) error {
	event := &models.OrderQueuedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderQueued,
			Timestamp: time.Now().UTC(),
		},
		OrderID: orderID,
	}
	return qp.producer.PublishEvent(ctx, orderKey(orderID), event)
}

// EventHandler routes incoming queue messages by event type
type EventHandler struct {
	onOrderQueued func(context.Context, *models.OrderQueuedEvent) error
	logger        *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnOrderQueued registers a handler for ORDER_QUEUED events
func (eh *EventHandler) OnOrderQueued(handler func(context.Context, *models.OrderQueuedEvent) error) {
	eh.onOrderQueued = handler
}

// HandleMessage routes messages to appropriate handlers. Unknown types are skipped
// so the consumer commits past them.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeOrderQueued:
		if eh.onOrderQueued != nil {
			var event models.OrderQueuedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal OrderQueued event: %w", err)
			}
			return eh.onOrderQueued(ctx, &event)
		}

	default:
		eh.logger.Warn("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
