package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"checkout-service/internal/models"
)

// MemoryStore keeps the same contract as Store in process memory. It backs
// local development without PostgreSQL and the service tests.
type MemoryStore struct {
	mu sync.Mutex

	products map[int64]models.Product
	carts    map[int64]*memCart // keyed by user id
	orders   map[int64]models.Order

	nextCartID  int64
	nextLineID  int64
	nextOrderID int64
	nextItemID  int64
}

type memCart struct {
	id        int64
	userID    int64
	lines     []models.CartLine
	createdAt time.Time
	updatedAt time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products: make(map[int64]models.Product),
		carts:    make(map[int64]*memCart),
		orders:   make(map[int64]models.Order),
	}
}

// Close is a no-op
func (m *MemoryStore) Close() error { return nil }

// Ping always succeeds
func (m *MemoryStore) Ping(context.Context) error { return nil }

// PutProduct inserts or replaces a catalog product
func (m *MemoryStore) PutProduct(p models.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m.products[p.ID] = p
}

func (m *MemoryStore) GetProductByID(_ context.Context, id int64) (*models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return nil, fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (m *MemoryStore) GetProducts(_ context.Context) ([]models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Product, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ReserveStock(_ context.Context, productID int64, quantity int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return 0, false, fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}
	if p.Quantity < quantity {
		return 0, false, nil
	}
	p.Quantity -= quantity
	p.UpdatedAt = time.Now()
	m.products[productID] = p
	return p.Quantity, true, nil
}

func (m *MemoryStore) ReleaseStock(_ context.Context, productID int64, quantity int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return 0, fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}
	p.Quantity += quantity
	p.UpdatedAt = time.Now()
	m.products[productID] = p
	return p.Quantity, nil
}

func (m *MemoryStore) UpdateProductPrice(_ context.Context, productID int64, price int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}
	p.Price = price
	p.UpdatedAt = time.Now()
	m.products[productID] = p
	return nil
}

func (m *MemoryStore) GetCartByUserID(_ context.Context, userID int64) (*models.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carts[userID]
	if !ok {
		return nil, fmt.Errorf("cart for user %d: %w", userID, ErrNotFound)
	}
	return m.cartView(c), nil
}

func (m *MemoryStore) GetOrCreateCart(_ context.Context, userID int64) (*models.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carts[userID]
	if !ok {
		m.nextCartID++
		now := time.Now()
		c = &memCart{id: m.nextCartID, userID: userID, createdAt: now, updatedAt: now}
		m.carts[userID] = c
	}
	return m.cartView(c), nil
}

// cartView joins lines with live product data. Caller holds the lock.
func (m *MemoryStore) cartView(c *memCart) *models.Cart {
	cart := &models.Cart{
		ID:        c.id,
		UserID:    c.userID,
		Lines:     make([]models.CartLine, 0, len(c.lines)),
		CreatedAt: c.createdAt,
		UpdatedAt: c.updatedAt,
	}
	for _, line := range c.lines {
		p := m.products[line.ProductID]
		line.Name = p.Name
		line.Description = p.Description
		line.UnitPrice = p.Price
		cart.Lines = append(cart.Lines, line)
	}
	return cart
}

func (m *MemoryStore) cartByID(cartID int64) (*memCart, error) {
	for _, c := range m.carts {
		if c.id == cartID {
			return c, nil
		}
	}
	return nil, fmt.Errorf("cart %d: %w", cartID, ErrNotFound)
}

func (m *MemoryStore) AddCartLine(_ context.Context, cartID, productID int64, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.cartByID(cartID)
	if err != nil {
		return err
	}
	if _, ok := m.products[productID]; !ok {
		return fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}
	c.updatedAt = time.Now()
	for i := range c.lines {
		if c.lines[i].ProductID == productID {
			c.lines[i].Quantity += quantity
			return nil
		}
	}
	m.nextLineID++
	c.lines = append(c.lines, models.CartLine{
		ID:        m.nextLineID,
		CartID:    cartID,
		ProductID: productID,
		Quantity:  quantity,
	})
	return nil
}

func (m *MemoryStore) SetCartLineQuantity(_ context.Context, cartID, productID int64, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.cartByID(cartID)
	if err != nil {
		return err
	}
	for i := range c.lines {
		if c.lines[i].ProductID == productID {
			c.lines[i].Quantity = quantity
			c.updatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("cart line for product %d: %w", productID, ErrNotFound)
}

func (m *MemoryStore) DeleteCartLine(_ context.Context, cartID, productID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.cartByID(cartID)
	if err != nil {
		return err
	}
	for i := range c.lines {
		if c.lines[i].ProductID == productID {
			c.lines = append(c.lines[:i], c.lines[i+1:]...)
			c.updatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("cart line for product %d: %w", productID, ErrNotFound)
}

func (m *MemoryStore) ClearCart(_ context.Context, cartID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.cartByID(cartID)
	if err != nil {
		return err
	}
	c.lines = nil
	c.updatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CreateOrder(_ context.Context, order *models.Order, cartID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.orders {
		if order.IdempotencyKey != nil && existing.IdempotencyKey != nil &&
			*order.IdempotencyKey == *existing.IdempotencyKey {
			return fmt.Errorf("orders_idempotency_key_key: %w", ErrConflict)
		}
		if order.PaymentIntentID != nil && existing.PaymentIntentID != nil &&
			*order.PaymentIntentID == *existing.PaymentIntentID {
			return fmt.Errorf("orders_payment_intent_id_key: %w", ErrConflict)
		}
	}

	cart, err := m.cartByID(cartID)
	if err != nil {
		return fmt.Errorf("cart %d: %w", cartID, ErrCartChanged)
	}
	remaining, err := consumeLines(cart.lines, order.Items)
	if err != nil {
		return fmt.Errorf("cart %d: %w", cartID, err)
	}

	m.nextOrderID++
	now := time.Now()
	cart.lines = remaining
	cart.updatedAt = now
	order.ID = m.nextOrderID
	order.CreatedAt = now
	order.UpdatedAt = now
	for i := range order.Items {
		m.nextItemID++
		order.Items[i].ID = m.nextItemID
		order.Items[i].OrderID = order.ID
	}
	m.orders[order.ID] = copyOrder(*order)
	return nil
}

// consumeLines removes one line per item, matching product and quantity
// exactly, and returns the lines left over.
func consumeLines(lines []models.CartLine, items []models.OrderItem) ([]models.CartLine, error) {
	remaining := append([]models.CartLine(nil), lines...)
	for _, item := range items {
		found := false
		for i, line := range remaining {
			if line.ProductID == item.ProductID && line.Quantity == item.Quantity {
				remaining = append(remaining[:i], remaining[i+1:]...)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("line for product %d: %w", item.ProductID, ErrCartChanged)
		}
	}
	return remaining, nil
}

func copyOrder(o models.Order) models.Order {
	o.Items = append([]models.OrderItem(nil), o.Items...)
	return o
}

func (m *MemoryStore) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	return m.findOrder(fmt.Sprint(id), func(o models.Order) bool { return o.ID == id })
}

func (m *MemoryStore) GetOrderByPaymentIntent(_ context.Context, intentID string) (*models.Order, error) {
	return m.findOrder(intentID, func(o models.Order) bool {
		return o.PaymentIntentID != nil && *o.PaymentIntentID == intentID
	})
}

func (m *MemoryStore) GetOrderByTrackingID(_ context.Context, trackingID string) (*models.Order, error) {
	return m.findOrder(trackingID, func(o models.Order) bool {
		return o.TrackingID != nil && *o.TrackingID == trackingID
	})
}

func (m *MemoryStore) GetOrderByIdempotencyKey(_ context.Context, key string) (*models.Order, error) {
	o, err := m.findOrder(key, func(o models.Order) bool {
		return o.IdempotencyKey != nil && *o.IdempotencyKey == key
	})
	if err != nil {
		return nil, nil
	}
	return o, nil
}

func (m *MemoryStore) findOrder(ref string, match func(models.Order) bool) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if match(o) {
			found := copyOrder(o)
			return &found, nil
		}
	}
	return nil, fmt.Errorf("order %s: %w", ref, ErrNotFound)
}

func (m *MemoryStore) GetOrdersByUserID(_ context.Context, userID int64) ([]models.Order, error) {
	return m.listOrders(func(o models.Order) bool { return o.UserID == userID }, true, 0), nil
}

func (m *MemoryStore) GetOrphanedOrders(_ context.Context, limit int) ([]models.Order, error) {
	return m.listOrders(func(o models.Order) bool {
		return o.Status == models.OrderStatusNew &&
			o.PaymentStatus == models.PaymentStatusPending &&
			o.PaymentIntentID == nil
	}, false, limit), nil
}

func (m *MemoryStore) listOrders(match func(models.Order) bool, newestFirst bool, limit int) []models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if match(o) {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].ID > out[j].ID
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) GetOrderItemsByOrderID(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.OrderItem(nil), m.orders[orderID].Items...), nil
}

func (m *MemoryStore) SaveOrderTransition(_ context.Context, prev, next models.Order) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[prev.ID]
	if !ok {
		return false, nil
	}
	if cur.Status != prev.Status || cur.PaymentStatus != prev.PaymentStatus ||
		!sameRef(cur.PaymentIntentID, prev.PaymentIntentID) || !sameRef(cur.TrackingID, prev.TrackingID) {
		return false, nil
	}
	for id, o := range m.orders {
		if id == prev.ID {
			continue
		}
		if next.PaymentIntentID != nil && sameRef(o.PaymentIntentID, next.PaymentIntentID) {
			return false, fmt.Errorf("orders_payment_intent_id_key: %w", ErrConflict)
		}
		if next.TrackingID != nil && sameRef(o.TrackingID, next.TrackingID) {
			return false, fmt.Errorf("orders_tracking_id_key: %w", ErrConflict)
		}
	}

	cur.Status = next.Status
	cur.PaymentStatus = next.PaymentStatus
	cur.PaymentIntentID = next.PaymentIntentID
	cur.TrackingID = next.TrackingID
	cur.Carrier = next.Carrier
	cur.LabelBase64 = next.LabelBase64
	cur.UpdatedAt = time.Now()
	m.orders[prev.ID] = cur
	return true, nil
}

func sameRef(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (m *MemoryStore) DeleteOrder(_ context.Context, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[orderID]; !ok {
		return fmt.Errorf("order %d: %w", orderID, ErrNotFound)
	}
	delete(m.orders, orderID)
	return nil
}
