package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const orderColumns = `id, user_id, customer_name, customer_phone,
	ship_country, ship_city, ship_postal_code, ship_address1,
	currency, amount, payment_status, status,
	payment_intent_id, tracking_id, carrier, label_base64, idempotency_key,
	created_at, updated_at`

// CreateOrder inserts the order and its lines and removes the ordered lines
// from cart cartID, all in one transaction. The cart row is locked first so
// checkouts of one cart run one at a time. ErrCartChanged is returned when a
// line is gone or its quantity differs from the order.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order, cartID int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var locked int64
	err = tx.GetContext(ctx, &locked, "SELECT id FROM carts WHERE id = $1 FOR UPDATE", cartID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("cart %d: %w", cartID, ErrCartChanged)
	}
	if err != nil {
		return fmt.Errorf("failed to lock cart: %w", err)
	}

	query := `
		INSERT INTO orders (user_id, customer_name, customer_phone,
			ship_country, ship_city, ship_postal_code, ship_address1,
			currency, amount, payment_status, status, payment_intent_id, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at, updated_at`

	row := tx.QueryRowxContext(ctx, query,
		order.UserID, order.CustomerName, order.CustomerPhone,
		order.Country, order.City, order.PostalCode, order.Address1,
		order.Currency, order.Amount, order.PaymentStatus, order.Status,
		order.PaymentIntentID, order.IdempotencyKey)
	if err := row.Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert order: %w", translateError(err))
	}

	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		err := tx.GetContext(ctx, &item.ID,
			`INSERT INTO order_items (order_id, product_id, quantity, unit_price, name, description)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING id`,
			item.OrderID, item.ProductID, item.Quantity, item.UnitPrice, item.Name, item.Description)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			"DELETE FROM cart_items WHERE cart_id = $1 AND product_id = $2 AND quantity = $3",
			cartID, item.ProductID, item.Quantity)
		if err != nil {
			return fmt.Errorf("failed to consume cart line: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("cart %d line for product %d: %w", cartID, item.ProductID, ErrCartChanged)
		}
	}

	if _, err := tx.ExecContext(ctx, "UPDATE carts SET updated_at = NOW() WHERE id = $1", cartID); err != nil {
		return err
	}
	return tx.Commit()
}

// GetOrderByID retrieves an order with its lines
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	return s.getOrder(ctx, "id = $1", id)
}

// GetOrderByPaymentIntent retrieves an order by its payment intent id
func (s *Store) GetOrderByPaymentIntent(ctx context.Context, intentID string) (*models.Order, error) {
	return s.getOrder(ctx, "payment_intent_id = $1", intentID)
}

// GetOrderByTrackingID retrieves an order by its carrier tracking id
func (s *Store) GetOrderByTrackingID(ctx context.Context, trackingID string) (*models.Order, error) {
	return s.getOrder(ctx, "tracking_id = $1", trackingID)
}

// GetOrderByIdempotencyKey retrieves an order by idempotency key
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	order, err := s.getOrder(ctx, "idempotency_key = $1", key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return order, err
}

func (s *Store) getOrder(ctx context.Context, where string, arg interface{}) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE "+where, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	items, err := s.GetOrderItemsByOrderID(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return &order, nil
}

// GetOrdersByUserID retrieves orders for a user, newest first
func (s *Store) GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC", userID)
	if err != nil {
		return nil, err
	}
	if err := s.attachItems(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// GetOrphanedOrders lists NEW orders that never received a payment intent
func (s *Store) GetOrphanedOrders(ctx context.Context, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = 'NEW' AND payment_status = 'PENDING' AND payment_intent_id IS NULL
		 ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	if err := s.attachItems(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *Store) attachItems(ctx context.Context, orders []models.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]int64, len(orders))
	index := make(map[int64]int, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		index[o.ID] = i
	}

	query, args, err := sqlx.In("SELECT * FROM order_items WHERE order_id IN (?) ORDER BY id", ids)
	if err != nil {
		return err
	}
	query = s.db.Rebind(query)

	var items []models.OrderItem
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return err
	}
	for _, item := range items {
		o := &orders[index[item.OrderID]]
		o.Items = append(o.Items, item)
	}
	return nil
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// SaveOrderTransition persists next only if the row still holds the statuses
// and external references of prev. applied is false when another writer moved the order first.
func (s *Store) SaveOrderTransition(ctx context.Context, prev, next models.Order) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders
		 SET status = $1, payment_status = $2, payment_intent_id = $3,
		     tracking_id = $4, carrier = $5, label_base64 = $6, updated_at = NOW()
		 WHERE id = $7 AND status = $8 AND payment_status = $9
		   AND payment_intent_id IS NOT DISTINCT FROM $10
		   AND tracking_id IS NOT DISTINCT FROM $11`,
		next.Status, next.PaymentStatus, next.PaymentIntentID,
		next.TrackingID, next.Carrier, next.LabelBase64,
		prev.ID, prev.Status, prev.PaymentStatus,
		prev.PaymentIntentID, prev.TrackingID)
	if err != nil {
		return false, fmt.Errorf("failed to update order: %w", translateError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeleteOrder removes an order; its lines go with it
func (s *Store) DeleteOrder(ctx context.Context, orderID int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM orders WHERE id = $1", orderID)
	if err != nil {
		return err
	}
	return expectAffected(res, "order", orderID)
}
