package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher writes a keyed event to the bus
type Publisher interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher handles publishing order lifecycle events
type EventPublisher struct {
	producer Publisher
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer Publisher) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func orderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderPaid publishes OrderPaid event
func (ep *EventPublisher) PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderFailed publishes OrderFailed event
func (ep *EventPublisher) PublishOrderFailed(ctx context.Context, event *models.OrderFailedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderShipped publishes OrderShipped event
func (ep *EventPublisher) PublishOrderShipped(ctx context.Context, event *models.OrderShippedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishShipmentPending publishes ShipmentPending event
func (ep *EventPublisher) PublishShipmentPending(ctx context.Context, event *models.ShipmentPendingEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishDeliveryConfirmed publishes DeliveryConfirmed event
func (ep *EventPublisher) PublishDeliveryConfirmed(ctx context.Context, event *models.DeliveryConfirmedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderDelivered publishes OrderDelivered event
func (ep *EventPublisher) PublishOrderDelivered(ctx context.Context, event *models.OrderDeliveredEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// LogPublisher stands in for Kafka when no brokers are configured
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a publisher that only logs events
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: util.ComponentLogger("broker")}
}

// PublishEvent logs the event
func (p *LogPublisher) PublishEvent(ctx context.Context, key string, event interface{}) error {
	p.logger.Debug("Event not published, no broker configured",
		zap.String("key", key),
		zap.String("type", fmt.Sprintf("%T", event)))
	return nil
}

// EventHandler handles incoming events
type EventHandler struct {
	onShipmentPending   func(context.Context, *models.ShipmentPendingEvent) error
	onDeliveryConfirmed func(context.Context, *models.DeliveryConfirmedEvent) error
	logger              *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.ComponentLogger("broker")}
}

// OnShipmentPending registers a handler for ShipmentPending events
func (eh *EventHandler) OnShipmentPending(handler func(context.Context, *models.ShipmentPendingEvent) error) {
	eh.onShipmentPending = handler
}

// OnDeliveryConfirmed registers a handler for DeliveryConfirmed events
func (eh *EventHandler) OnDeliveryConfirmed(handler func(context.Context, *models.DeliveryConfirmedEvent) error) {
	eh.onDeliveryConfirmed = handler
}

// EventID extracts the event id without decoding the full payload
func EventID(msg kafka.Message) (string, error) {
	var base models.BaseEvent
	if err := json.Unmarshal(msg.Value, &base); err != nil {
		return "", fmt.Errorf("failed to unmarshal base event: %w", err)
	}
	return base.EventID, nil
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeShipmentPending:
		if eh.onShipmentPending != nil {
			var event models.ShipmentPendingEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal ShipmentPending event: %w", err)
			}
			return eh.onShipmentPending(ctx, &event)
		}

	case models.EventTypeDeliveryConfirmed:
		if eh.onDeliveryConfirmed != nil {
			var event models.DeliveryConfirmedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal DeliveryConfirmed event: %w", err)
			}
			return eh.onDeliveryConfirmed(ctx, &event)
		}

	default:
		eh.logger.Debug("Ignoring event", zap.String("type", baseEvent.EventType))
	}

	return nil
}
