package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// InventoryLedger reserves and releases product stock. Reservations use a
// conditional decrement so concurrent checkouts cannot oversell.
type InventoryLedger struct {
	repo   Repository
	cache  Cache
	logger *zap.Logger
}

// NewInventoryLedger creates a new inventory ledger
func NewInventoryLedger(repo Repository, cache Cache) *InventoryLedger {
	return &InventoryLedger{
		repo:   repo,
		cache:  cache,
		logger: util.GetLogger(),
	}
}

// Reserve decrements stock for one product
func (l *InventoryLedger) Reserve(ctx context.Context, productID int64, quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}

	remaining, ok, err := l.repo.ReserveStock(ctx, productID, quantity)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("product %d: %w", productID, ErrProductNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to reserve stock for product %d: %w", productID, err)
	}
	if !ok {
		return &InsufficientStockError{ProductID: productID, Requested: quantity}
	}

	l.invalidateProduct(ctx, productID)
	l.logger.Debug("Stock reserved",
		zap.Int64("product_id", productID),
		zap.Int("quantity", quantity),
		zap.Int("remaining", remaining))
	return nil
}

// ReserveAll reserves every line in order. On the first failure, lines
// already reserved are released and the failure is returned.
func (l *InventoryLedger) ReserveAll(ctx context.Context, lines []SnapshotLine) error {
	start := time.Now()
	defer func() {
		util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	}()

	for i, line := range lines {
		if err := l.Reserve(ctx, line.ProductID, line.Quantity); err != nil {
			var stock *InsufficientStockError
			if errors.As(err, &stock) {
				util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
			} else {
				util.InventoryReservationsFailed.WithLabelValues("error").Inc()
			}
			l.ReleaseAll(ctx, lines[:i])
			return err
		}
	}
	return nil
}

// ReleaseAll returns stock for every line. Failures are logged; the release
// continues with the remaining lines and survives caller cancellation.
func (l *InventoryLedger) ReleaseAll(ctx context.Context, lines []SnapshotLine) {
	ctx = context.WithoutCancel(ctx)
	for _, line := range lines {
		if _, err := l.repo.ReleaseStock(ctx, line.ProductID, line.Quantity); err != nil {
			l.logger.Error("Failed to release stock",
				zap.Int64("product_id", line.ProductID),
				zap.Int("quantity", line.Quantity),
				zap.Error(err))
			continue
		}
		l.invalidateProduct(ctx, line.ProductID)
	}
}

func (l *InventoryLedger) invalidateProduct(ctx context.Context, productID int64) {
	if err := l.cache.Delete(ctx, productCacheKey(productID)); err != nil {
		l.logger.Warn("Failed to invalidate product cache",
			zap.Int64("product_id", productID),
			zap.Error(err))
	}
}
