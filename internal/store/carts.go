package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"checkout-service/internal/models"
)

const cartLinesQuery = `
	SELECT ci.id, ci.cart_id, ci.product_id, ci.quantity, p.name, p.description, p.price
	FROM cart_items ci
	JOIN products p ON p.id = ci.product_id
	WHERE ci.cart_id = $1
	ORDER BY ci.id`

// GetCartByUserID loads the customer's cart with its lines joined to live product data
func (s *Store) GetCartByUserID(ctx context.Context, userID int64) (*models.Cart, error) {
	var cart models.Cart
	err := s.db.GetContext(ctx, &cart,
		"SELECT id, user_id, created_at, updated_at FROM carts WHERE user_id = $1", userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cart for user %d: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	cart.Lines = []models.CartLine{}
	if err := s.db.SelectContext(ctx, &cart.Lines, cartLinesQuery, cart.ID); err != nil {
		return nil, fmt.Errorf("failed to load cart lines: %w", err)
	}
	return &cart, nil
}

// GetOrCreateCart returns the customer's cart, creating an empty one on first access
func (s *Store) GetOrCreateCart(ctx context.Context, userID int64) (*models.Cart, error) {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO carts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create cart: %w", err)
	}
	return s.GetCartByUserID(ctx, userID)
}

// AddCartLine adds quantity of a product to the cart, merging with an existing line
func (s *Store) AddCartLine(ctx context.Context, cartID, productID int64, quantity int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cart_items (cart_id, product_id, quantity) VALUES ($1, $2, $3)
		 ON CONFLICT (cart_id, product_id) DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity`,
		cartID, productID, quantity)
	if err != nil {
		return fmt.Errorf("failed to add cart line: %w", err)
	}
	return s.touchCart(ctx, cartID)
}

// SetCartLineQuantity overwrites the quantity of an existing cart line
func (s *Store) SetCartLineQuantity(ctx context.Context, cartID, productID int64, quantity int) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE cart_items SET quantity = $1 WHERE cart_id = $2 AND product_id = $3",
		quantity, cartID, productID)
	if err != nil {
		return err
	}
	if err := expectAffected(res, "cart line for product", productID); err != nil {
		return err
	}
	return s.touchCart(ctx, cartID)
}

// DeleteCartLine removes a product from the cart
func (s *Store) DeleteCartLine(ctx context.Context, cartID, productID int64) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM cart_items WHERE cart_id = $1 AND product_id = $2", cartID, productID)
	if err != nil {
		return err
	}
	if err := expectAffected(res, "cart line for product", productID); err != nil {
		return err
	}
	return s.touchCart(ctx, cartID)
}

// ClearCart removes every line from the cart in one statement
func (s *Store) ClearCart(ctx context.Context, cartID int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cart_items WHERE cart_id = $1", cartID); err != nil {
		return fmt.Errorf("failed to clear cart: %w", err)
	}
	return s.touchCart(ctx, cartID)
}

func (s *Store) touchCart(ctx context.Context, cartID int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE carts SET updated_at = NOW() WHERE id = $1", cartID)
	return err
}
