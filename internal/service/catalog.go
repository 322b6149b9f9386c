package service

import (
	"context"
	"errors"
	"fmt"

	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// ErrInvalidPrice is returned for negative catalogue prices
var ErrInvalidPrice = errors.New("price must not be negative")

// CatalogService lists products and applies administrative price changes.
// Existing orders keep the price they were placed at.
type CatalogService struct {
	catalog Catalog
	cache   Cache
	logger  *zap.Logger
}

// NewCatalogService creates a new catalogue service
func NewCatalogService(catalog Catalog, cache Cache) *CatalogService {
	return &CatalogService{
		catalog: catalog,
		cache:   cache,
		logger:  util.GetLogger(),
	}
}

// ListProducts returns every product ordered by id
func (s *CatalogService) ListProducts(ctx context.Context) ([]models.Product, error) {
	products, err := s.catalog.GetProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	if products == nil {
		products = []models.Product{}
	}
	return products, nil
}

// UpdatePrice sets the live price of a product
func (s *CatalogService) UpdatePrice(ctx context.Context, productID, price int64) (*models.Product, error) {
	if price < 0 {
		return nil, ErrInvalidPrice
	}
	if err := s.catalog.UpdateProductPrice(ctx, productID, price); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("product %d: %w", productID, ErrProductNotFound)
		}
		return nil, fmt.Errorf("failed to update price: %w", err)
	}
	if err := s.cache.Delete(ctx, productCacheKey(productID)); err != nil {
		s.logger.Warn("Failed to invalidate product cache", zap.Int64("product_id", productID), zap.Error(err))
	}

	product, err := s.catalog.GetProductByID(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload product: %w", err)
	}
	s.logger.Info("Product price updated", zap.Int64("product_id", productID), zap.Int64("price", price))
	return product, nil
}
