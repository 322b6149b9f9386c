package service

import (
	"context"
	"errors"
	"fmt"

	"checkout-service/internal/models"
	"checkout-service/internal/store"
)

// SnapshotLine is one priced line of a cart snapshot
type SnapshotLine struct {
	ProductID   int64
	Quantity    int
	UnitPrice   int64
	Name        string
	Description string
}

// Subtotal is UnitPrice times Quantity
func (l SnapshotLine) Subtotal() int64 {
	return l.UnitPrice * int64(l.Quantity)
}

// CartSnapshot is an immutable priced copy of a cart. The same snapshot
// feeds the order lines and the payment intent.
type CartSnapshot struct {
	UserID int64
	CartID int64
	Lines  []SnapshotLine
	Total  int64
}

// CartResolver turns a customer's cart into a snapshot
type CartResolver struct {
	repo Repository
}

// NewCartResolver creates a new cart resolver
func NewCartResolver(repo Repository) *CartResolver {
	return &CartResolver{repo: repo}
}

// Resolve reads the cart with live product prices. It fails with
// ErrEmptyCart when the customer has no cart or the cart has no lines.
func (r *CartResolver) Resolve(ctx context.Context, userID int64) (*CartSnapshot, error) {
	cart, err := r.repo.GetCartByUserID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrEmptyCart
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cart: %w", err)
	}
	if len(cart.Lines) == 0 {
		return nil, ErrEmptyCart
	}

	snapshot := &CartSnapshot{
		UserID: userID,
		CartID: cart.ID,
		Lines:  make([]SnapshotLine, 0, len(cart.Lines)),
	}
	for _, line := range cart.Lines {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("cart line for product %d: %w", line.ProductID, ErrInvalidQuantity)
		}
		sl := SnapshotLine{
			ProductID:   line.ProductID,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			Name:        line.Name,
			Description: line.Description,
		}
		snapshot.Lines = append(snapshot.Lines, sl)
		snapshot.Total += sl.Subtotal()
	}
	return snapshot, nil
}

// OrderItems freezes the snapshot into order lines
func (s *CartSnapshot) OrderItems() []models.OrderItem {
	items := make([]models.OrderItem, 0, len(s.Lines))
	for _, l := range s.Lines {
		items = append(items, models.OrderItem{
			ProductID:   l.ProductID,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			Name:        l.Name,
			Description: l.Description,
		})
	}
	return items
}

// snapshotFromItems rebuilds snapshot lines from stored order lines
func snapshotFromItems(items []models.OrderItem) []SnapshotLine {
	lines := make([]SnapshotLine, 0, len(items))
	for _, it := range items {
		lines = append(lines, SnapshotLine{
			ProductID:   it.ProductID,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			Name:        it.Name,
			Description: it.Description,
		})
	}
	return lines
}
