package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// CartService manages the working cart of each customer. Carts are created
// lazily on first access.
type CartService struct {
	repo     Repository
	cache    Cache
	cacheTTL time.Duration
	logger   *zap.Logger
}

// NewCartService creates a new cart service
func NewCartService(repo Repository, cache Cache, cacheTTL time.Duration) *CartService {
	return &CartService{
		repo:     repo,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   util.GetLogger(),
	}
}

// GetCart returns the customer's cart, served from cache when present
func (s *CartService) GetCart(ctx context.Context, userID int64) (*models.Cart, error) {
	var cached models.Cart
	found, err := s.cache.GetJSON(ctx, cartCacheKey(userID), &cached)
	if err != nil {
		s.logger.Warn("Cart cache read failed", zap.Int64("user_id", userID), zap.Error(err))
	}
	if found {
		return &cached, nil
	}

	cart, err := s.repo.GetOrCreateCart(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart: %w", err)
	}
	if err := s.cache.SetJSON(ctx, cartCacheKey(userID), cart, s.cacheTTL); err != nil {
		s.logger.Warn("Cart cache write failed", zap.Int64("user_id", userID), zap.Error(err))
	}
	return cart, nil
}

// AddItem adds quantity of a product, merging with an existing line
func (s *CartService) AddItem(ctx context.Context, userID, productID int64, quantity int) (*models.Cart, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if _, err := s.product(ctx, productID); err != nil {
		return nil, err
	}

	cart, err := s.repo.GetOrCreateCart(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart: %w", err)
	}
	if err := s.repo.AddCartLine(ctx, cart.ID, productID, quantity); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("product %d: %w", productID, ErrProductNotFound)
		}
		return nil, fmt.Errorf("failed to add cart line: %w", err)
	}
	return s.refresh(ctx, userID)
}

// UpdateItem sets the quantity of a product already in the cart
func (s *CartService) UpdateItem(ctx context.Context, userID, productID int64, quantity int) (*models.Cart, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	cart, err := s.repo.GetOrCreateCart(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart: %w", err)
	}
	if err := s.repo.SetCartLineQuantity(ctx, cart.ID, productID, quantity); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("product %d: %w", productID, ErrCartLineNotFound)
		}
		return nil, fmt.Errorf("failed to update cart line: %w", err)
	}
	return s.refresh(ctx, userID)
}

// RemoveItem removes a product from the cart
func (s *CartService) RemoveItem(ctx context.Context, userID, productID int64) (*models.Cart, error) {
	cart, err := s.repo.GetOrCreateCart(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart: %w", err)
	}
	if err := s.repo.DeleteCartLine(ctx, cart.ID, productID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("product %d: %w", productID, ErrCartLineNotFound)
		}
		return nil, fmt.Errorf("failed to remove cart line: %w", err)
	}
	return s.refresh(ctx, userID)
}

// Clear empties the cart
func (s *CartService) Clear(ctx context.Context, userID int64) (*models.Cart, error) {
	cart, err := s.repo.GetOrCreateCart(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart: %w", err)
	}
	if err := s.repo.ClearCart(ctx, cart.ID); err != nil {
		return nil, err
	}
	return s.refresh(ctx, userID)
}

// refresh reloads the cart from the store and overwrites the cache entry
func (s *CartService) refresh(ctx context.Context, userID int64) (*models.Cart, error) {
	cart, err := s.repo.GetCartByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload cart: %w", err)
	}
	if err := s.cache.SetJSON(ctx, cartCacheKey(userID), cart, s.cacheTTL); err != nil {
		s.logger.Warn("Cart cache write failed", zap.Int64("user_id", userID), zap.Error(err))
		_ = s.cache.Delete(ctx, cartCacheKey(userID))
	}
	return cart, nil
}

// product loads a product through the product cache
func (s *CartService) product(ctx context.Context, productID int64) (*models.Product, error) {
	var cached models.Product
	if found, err := s.cache.GetJSON(ctx, productCacheKey(productID), &cached); err == nil && found {
		return &cached, nil
	}

	p, err := s.repo.GetProductByID(ctx, productID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("product %d: %w", productID, ErrProductNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load product: %w", err)
	}
	if err := s.cache.SetJSON(ctx, productCacheKey(productID), p, s.cacheTTL); err != nil {
		s.logger.Warn("Product cache write failed", zap.Int64("product_id", productID), zap.Error(err))
	}
	return p, nil
}
