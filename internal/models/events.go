package models

import "time"

// Event types
const (
	EventTypeOrderCreated      = "ORDER_CREATED"
	EventTypeOrderPaid         = "ORDER_PAID"
	EventTypeOrderFailed       = "ORDER_FAILED"
	EventTypeOrderShipped      = "ORDER_SHIPPED"
	EventTypeShipmentPending   = "SHIPMENT_PENDING"
	EventTypeDeliveryConfirmed = "DELIVERY_CONFIRMED"
	EventTypeOrderDelivered    = "ORDER_DELIVERED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published when an order is persisted with its reservation
type OrderCreatedEvent struct {
	BaseEvent
	OrderID         int64           `json:"order_id"`
	UserID          int64           `json:"user_id"`
	Amount          int64           `json:"amount"`
	Currency        string          `json:"currency"`
	PaymentIntentID string          `json:"payment_intent_id,omitempty"`
	Items           []OrderItemData `json:"items"`
}

// OrderPaidEvent published when payment capture succeeds
type OrderPaidEvent struct {
	BaseEvent
	OrderID         int64  `json:"order_id"`
	PaymentIntentID string `json:"payment_intent_id"`
	Amount          int64  `json:"amount"`
}

// OrderFailedEvent published when the processor rejects the payment
type OrderFailedEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason"`
}

// OrderShippedEvent published when a shipment is provisioned
type OrderShippedEvent struct {
	BaseEvent
	OrderID    int64  `json:"order_id"`
	TrackingID string `json:"tracking_id"`
	Carrier    string `json:"carrier"`
}

// ShipmentPendingEvent published when a paid order could not be shipped;
// consumers retry provisioning out of band.
type ShipmentPendingEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason"`
}

// DeliveryConfirmedEvent published when the carrier reports delivery
type DeliveryConfirmedEvent struct {
	BaseEvent
	OrderID    int64  `json:"order_id"`
	TrackingID string `json:"tracking_id"`
}

// OrderDeliveredEvent published once an order reaches DELIVERED
type OrderDeliveredEvent struct {
	BaseEvent
	OrderID    int64  `json:"order_id"`
	TrackingID string `json:"tracking_id"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
	UnitPrice int64 `json:"unit_price"`
}
