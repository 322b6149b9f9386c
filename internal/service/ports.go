package service

import (
	"context"
	"fmt"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/notify"
	"checkout-service/internal/payment"
	"checkout-service/internal/shipping"
)

// Repository is the persistent store. Both store.Store and store.MemoryStore
// satisfy it.
type Repository interface {
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	ReserveStock(ctx context.Context, productID int64, quantity int) (int, bool, error)
	ReleaseStock(ctx context.Context, productID int64, quantity int) (int, error)

	GetCartByUserID(ctx context.Context, userID int64) (*models.Cart, error)
	GetOrCreateCart(ctx context.Context, userID int64) (*models.Cart, error)
	AddCartLine(ctx context.Context, cartID, productID int64, quantity int) error
	SetCartLineQuantity(ctx context.Context, cartID, productID int64, quantity int) error
	DeleteCartLine(ctx context.Context, cartID, productID int64) error
	ClearCart(ctx context.Context, cartID int64) error

	CreateOrder(ctx context.Context, order *models.Order, cartID int64) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByPaymentIntent(ctx context.Context, intentID string) (*models.Order, error)
	GetOrderByTrackingID(ctx context.Context, trackingID string) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error)
	GetOrphanedOrders(ctx context.Context, limit int) ([]models.Order, error)
	SaveOrderTransition(ctx context.Context, prev, next models.Order) (bool, error)
	DeleteOrder(ctx context.Context, orderID int64) error
}

// Catalog is the product catalogue
type Catalog interface {
	GetProducts(ctx context.Context) ([]models.Product, error)
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	UpdateProductPrice(ctx context.Context, productID int64, price int64) error
}

// Cache is the advisory JSON side-channel. It is never authoritative.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Locker provides short-lived mutual exclusion across instances
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// PaymentGateway is the external payment processor
type PaymentGateway interface {
	CreateIntent(ctx context.Context, req payment.IntentRequest) (*payment.Intent, error)
	Capture(ctx context.Context, intentID string) (*payment.Capture, error)
}

// Provisioner creates carrier shipments
type Provisioner interface {
	Provision(ctx context.Context, order models.Order) (*shipping.Shipment, error)
}

// Tracker registers and polls shipments with a tracking aggregator
type Tracker interface {
	Register(ctx context.Context, trackingID, carrier string) error
	Poll(ctx context.Context, trackingID, carrier string) (*models.TrackingStatus, error)
}

// Notifier queues customer messages without blocking
type Notifier interface {
	Dispatch(msg notify.Message) bool
}

// EventPublisher publishes order lifecycle events
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error
	PublishOrderFailed(ctx context.Context, event *models.OrderFailedEvent) error
	PublishOrderShipped(ctx context.Context, event *models.OrderShippedEvent) error
	PublishShipmentPending(ctx context.Context, event *models.ShipmentPendingEvent) error
	PublishDeliveryConfirmed(ctx context.Context, event *models.DeliveryConfirmedEvent) error
	PublishOrderDelivered(ctx context.Context, event *models.OrderDeliveredEvent) error
}

// Cache and lock keys
func orderCacheKey(id int64) string       { return fmt.Sprintf("order:%d", id) }
func productCacheKey(id int64) string     { return fmt.Sprintf("product:%d", id) }
func cartCacheKey(userID int64) string    { return fmt.Sprintf("cart:%d", userID) }
func trackingCacheKey(tid string) string  { return "tracking:" + tid }
func trackingStatusKey(tid string) string { return "tracking-status:" + tid }
func orderLockKey(id int64) string        { return fmt.Sprintf("order:%d", id) }
