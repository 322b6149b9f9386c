package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/payment"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options tunes the order orchestrator
type Options struct {
	Currency         string
	Carrier          string
	LockTTL          time.Duration
	LockWait         time.Duration
	OrderCacheTTL    time.Duration
	TrackingCacheTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.Currency == "" {
		o.Currency = "USD"
	}
	if o.Carrier == "" {
		o.Carrier = "dhl"
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 60 * time.Second
	}
	if o.LockWait < 0 {
		o.LockWait = 0
	}
	if o.OrderCacheTTL <= 0 {
		o.OrderCacheTTL = 15 * time.Minute
	}
	if o.TrackingCacheTTL <= 0 {
		o.TrackingCacheTTL = 15 * time.Minute
	}
	return o
}

// Dependencies are the collaborators of the order orchestrator
type Dependencies struct {
	Repo        Repository
	Cache       Cache
	Locker      Locker
	Gateway     PaymentGateway
	Provisioner Provisioner
	Tracker     Tracker
	Notifier    Notifier
	Events      EventPublisher
}

// OrderService drives orders from cart checkout to delivery
type OrderService struct {
	repo        Repository
	cache       Cache
	locker      Locker
	gateway     PaymentGateway
	provisioner Provisioner
	tracker     Tracker
	notifier    Notifier
	events      EventPublisher
	resolver    *CartResolver
	ledger      *InventoryLedger
	opts        Options
	logger      *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(deps Dependencies, opts Options) *OrderService {
	return &OrderService{
		repo:        deps.Repo,
		cache:       deps.Cache,
		locker:      deps.Locker,
		gateway:     deps.Gateway,
		provisioner: deps.Provisioner,
		tracker:     deps.Tracker,
		notifier:    deps.Notifier,
		events:      deps.Events,
		resolver:    NewCartResolver(deps.Repo),
		ledger:      NewInventoryLedger(deps.Repo, deps.Cache),
		opts:        opts.withDefaults(),
		logger:      util.GetLogger(),
	}
}

// CreateOrderRequest carries the checkout form
type CreateOrderRequest struct {
	CustomerName  string `json:"customer_name"`
	CustomerPhone string `json:"customer_phone"`
	models.ShippingAddress
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// CreateOrderResult is the persisted order and where to send the payer
type CreateOrderResult struct {
	Order       *models.Order `json:"order"`
	ApprovalURL string        `json:"approval_url,omitempty"`
	Replayed    bool          `json:"replayed,omitempty"`
}

// CreateOrder checks out the customer's cart. Stock is reserved for every
// line or for none. The ordered lines leave the cart in the same write that
// stores the order; ErrCartChanged means another checkout or cart edit got
// there first and nothing was ordered. If the payment intent cannot be created the order stays
// persisted in NEW without an intent and both the result and the gateway
// error are returned.
func (s *OrderService) CreateOrder(ctx context.Context, userID int64, req CreateOrderRequest) (*CreateOrderResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if req.IdempotencyKey != "" {
		existing, err := s.repo.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			return s.replay(userID, req.IdempotencyKey, existing)
		}
	}

	snapshot, err := s.resolver.Resolve(ctx, userID)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("empty_cart").Inc()
		return nil, err
	}
	if !req.ShippingAddress.Complete() {
		util.OrdersFailedTotal.WithLabelValues("invalid_shipping").Inc()
		return nil, ErrIncompleteShippingInfo
	}
	if req.CustomerPhone == "" {
		util.OrdersFailedTotal.WithLabelValues("missing_contact").Inc()
		return nil, ErrMissingContact
	}

	if err := s.ledger.ReserveAll(ctx, snapshot.Lines); err != nil {
		util.OrdersFailedTotal.WithLabelValues("reservation_failed").Inc()
		util.RecordError(span, err)
		return nil, err
	}

	order := &models.Order{
		UserID:          userID,
		CustomerName:    req.CustomerName,
		CustomerPhone:   req.CustomerPhone,
		ShippingAddress: req.ShippingAddress,
		Currency:        s.opts.Currency,
		Amount:          snapshot.Total,
		PaymentStatus:   models.PaymentStatusPending,
		Status:          models.OrderStatusNew,
		Items:           snapshot.OrderItems(),
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		order.IdempotencyKey = &key
	}

	if err := s.repo.CreateOrder(ctx, order, snapshot.CartID); err != nil {
		s.ledger.ReleaseAll(ctx, snapshot.Lines)
		if errors.Is(err, store.ErrConflict) && req.IdempotencyKey != "" {
			if existing, lookupErr := s.repo.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey); lookupErr == nil && existing != nil {
				return s.replay(userID, req.IdempotencyKey, existing)
			}
		}
		if errors.Is(err, store.ErrCartChanged) {
			util.OrdersFailedTotal.WithLabelValues("cart_changed").Inc()
			s.dropCache(ctx, cartCacheKey(userID))
			return nil, fmt.Errorf("checkout of cart %d: %w", snapshot.CartID, ErrCartChanged)
		}
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", userID),
		zap.Int64("amount", order.Amount))

	s.dropCache(ctx, cartCacheKey(userID))

	result := &CreateOrderResult{Order: order}
	intentErr := s.attachIntent(ctx, result, snapshot.Lines)
	s.cacheOrder(ctx, *result.Order)
	s.publishOrderCreated(ctx, *result.Order)

	if intentErr != nil {
		util.OrdersFailedTotal.WithLabelValues("intent_failed").Inc()
		util.RecordError(span, intentErr)
		return result, intentErr
	}
	return result, nil
}

func (s *OrderService) replay(userID int64, key string, existing *models.Order) (*CreateOrderResult, error) {
	if existing.UserID != userID {
		return nil, ErrIdempotencyKeyReused
	}
	s.logger.Info("Duplicate order request detected",
		zap.String("idempotency_key", key),
		zap.Int64("order_id", existing.ID))
	return &CreateOrderResult{Order: existing, Replayed: true}, nil
}

// attachIntent requests a payment intent for exactly the snapshot amounts
// and records its id on the order in result.
func (s *OrderService) attachIntent(ctx context.Context, result *CreateOrderResult, lines []SnapshotLine) error {
	order := *result.Order
	intent, err := s.gateway.CreateIntent(ctx, s.intentRequest(order, lines))
	if err != nil {
		s.logger.Error("Failed to create payment intent", zap.Int64("order_id", order.ID), zap.Error(err))
		return fmt.Errorf("failed to create payment intent for order %d: %w", order.ID, err)
	}

	next, err := order.WithPaymentIntent(intent.ID)
	if err != nil {
		return err
	}
	saved, err := s.repo.SaveOrderTransition(ctx, order, next)
	if err != nil {
		return fmt.Errorf("failed to store payment intent: %w", err)
	}
	if !saved {
		current, err := s.loadOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		result.Order = current
		return fmt.Errorf("order %d changed while creating payment intent: %w", order.ID, ErrInvalidTransition)
	}

	result.Order = &next
	result.ApprovalURL = intent.ApprovalURL
	return nil
}

func (s *OrderService) intentRequest(order models.Order, lines []SnapshotLine) payment.IntentRequest {
	items := make([]payment.LineItem, 0, len(lines))
	for _, l := range lines {
		items = append(items, payment.LineItem{
			Name:        l.Name,
			Description: l.Description,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
		})
	}
	key := fmt.Sprintf("order-%d-intent", order.ID)
	if order.IdempotencyKey != nil {
		key = *order.IdempotencyKey
	}
	return payment.IntentRequest{
		Amount:   order.Amount,
		Currency: order.Currency,
		Items:    items,
		Shipping: &payment.Address{
			Line1:       order.Address1,
			City:        order.City,
			PostalCode:  order.PostalCode,
			CountryCode: order.Country,
		},
		IdempotencyKey: key,
	}
}

// RetryPaymentIntent creates the missing payment intent of an orphaned order
// from its stored lines.
func (s *OrderService) RetryPaymentIntent(ctx context.Context, orderID int64) (*CreateOrderResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.RetryPaymentIntent")
	defer span.End()

	release := s.lockOrder(ctx, orderID)
	defer release()

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Stage() != models.StageNew {
		return nil, fmt.Errorf("order %d is %s: %w", orderID, order.Stage(), ErrInvalidTransition)
	}

	result := &CreateOrderResult{Order: order}
	if err := s.attachIntent(ctx, result, snapshotFromItems(order.Items)); err != nil {
		return result, err
	}
	s.cacheOrder(ctx, *result.Order)
	s.logger.Info("Payment intent recovered", zap.Int64("order_id", orderID))
	return result, nil
}

// ListOrphanedOrders lists NEW orders that never received a payment intent
func (s *OrderService) ListOrphanedOrders(ctx context.Context, limit int) ([]models.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.GetOrphanedOrders(ctx, limit)
}

// GetUserOrders lists the customer's orders, newest first
func (s *OrderService) GetUserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	orders, err := s.repo.GetOrdersByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	if orders == nil {
		orders = []models.Order{}
	}
	return orders, nil
}

// GetOrderDetails returns one order owned by userID
func (s *OrderService) GetOrderDetails(ctx context.Context, userID, orderID int64) (*models.Order, error) {
	var cached models.Order
	found, err := s.cache.GetJSON(ctx, orderCacheKey(orderID), &cached)
	if err != nil {
		s.logger.Warn("Order cache read failed", zap.Int64("order_id", orderID), zap.Error(err))
	}
	if found && cached.UserID == userID {
		return &cached, nil
	}

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrOrderNotFound
	}
	s.cacheOrder(ctx, *order)
	return order, nil
}

// DeleteOrder hard-deletes an order with its lines and purges its cache
// entries. Stock is not returned and payment is not refunded.
func (s *OrderService) DeleteOrder(ctx context.Context, orderID int64) error {
	ctx, span := util.StartSpan(ctx, "OrderService.DeleteOrder")
	defer span.End()

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteOrder(ctx, orderID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrOrderNotFound
		}
		return fmt.Errorf("failed to delete order: %w", err)
	}

	keys := []string{orderCacheKey(orderID)}
	if order.TrackingID != nil {
		keys = append(keys, trackingCacheKey(*order.TrackingID), trackingStatusKey(*order.TrackingID))
	}
	s.dropCache(ctx, keys...)

	util.OrdersDeletedTotal.Inc()
	s.logger.Info("Order deleted", zap.Int64("order_id", orderID))
	return nil
}

func (s *OrderService) loadOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order %d: %w", orderID, err)
	}
	return order, nil
}

// lockOrder serialises work on one order across instances. It waits up to
// LockWait for a held lock and fails open; the conditional order update
// remains the authoritative guard.
func (s *OrderService) lockOrder(ctx context.Context, orderID int64) func() {
	key := orderLockKey(orderID)
	deadline := time.Now().Add(s.opts.LockWait)
	for {
		token, ok, err := s.locker.AcquireLock(ctx, key, s.opts.LockTTL)
		if err != nil {
			s.logger.Warn("Order lock unavailable, continuing without it",
				zap.Int64("order_id", orderID), zap.Error(err))
			return func() {}
		}
		if ok {
			return func() {
				if err := s.locker.ReleaseLock(context.WithoutCancel(ctx), key, token); err != nil {
					s.logger.Warn("Failed to release order lock", zap.Int64("order_id", orderID), zap.Error(err))
				}
			}
		}
		if !time.Now().Before(deadline) {
			s.logger.Warn("Timed out waiting for order lock", zap.Int64("order_id", orderID))
			return func() {}
		}
		select {
		case <-time.After(25 * time.Millisecond):
		case <-ctx.Done():
			return func() {}
		}
	}
}

func (s *OrderService) cacheOrder(ctx context.Context, order models.Order) {
	if err := s.cache.SetJSON(ctx, orderCacheKey(order.ID), order, s.opts.OrderCacheTTL); err != nil {
		s.logger.Warn("Order cache write failed", zap.Int64("order_id", order.ID), zap.Error(err))
		s.dropCache(ctx, orderCacheKey(order.ID))
	}
}

func (s *OrderService) dropCache(ctx context.Context, keys ...string) {
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.logger.Warn("Cache invalidation failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

func (s *OrderService) publishOrderCreated(ctx context.Context, order models.Order) {
	items := make([]models.OrderItemData, 0, len(order.Items))
	for _, it := range order.Items {
		items = append(items, models.OrderItemData{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}
	event := &models.OrderCreatedEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderCreated),
		OrderID:   order.ID,
		UserID:    order.UserID,
		Amount:    order.Amount,
		Currency:  order.Currency,
		Items:     items,
	}
	if order.PaymentIntentID != nil {
		event.PaymentIntentID = *order.PaymentIntentID
	}
	if err := s.events.PublishOrderCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
	}
}
