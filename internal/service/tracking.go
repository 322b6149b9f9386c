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

// Tracking result sources
const (
	SourceCache = "cache"
	SourceLive  = "live"
)

// TrackingResult is a shipment status tagged with where it came from
type TrackingResult struct {
	TrackingID string                 `json:"tracking_id"`
	Source     string                 `json:"source"`
	Status     *models.TrackingStatus `json:"tracking"`
}

// TrackOrder returns the shipment status for trackingID. A cached status is
// served until it expires; otherwise the aggregator is polled and the answer
// cached. A live delivered status raises a delivery confirmation.
func (s *OrderService) TrackOrder(ctx context.Context, trackingID string) (*TrackingResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.TrackOrder")
	defer span.End()

	var cached models.TrackingStatus
	found, err := s.cache.GetJSON(ctx, trackingStatusKey(trackingID), &cached)
	if err != nil {
		s.logger.Warn("Tracking cache read failed", zap.String("tracking_id", trackingID), zap.Error(err))
	}
	if found {
		util.TrackingLookupsTotal.WithLabelValues(SourceCache).Inc()
		return &TrackingResult{TrackingID: trackingID, Source: SourceCache, Status: &cached}, nil
	}

	order, err := s.orderByTracking(ctx, trackingID)
	if err != nil {
		return nil, err
	}

	status, err := s.tracker.Poll(ctx, trackingID, s.carrierOf(*order))
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to poll tracking %s: %w", trackingID, err)
	}
	util.TrackingLookupsTotal.WithLabelValues(SourceLive).Inc()

	if err := s.cache.SetJSON(ctx, trackingStatusKey(trackingID), status, s.opts.TrackingCacheTTL); err != nil {
		s.logger.Warn("Tracking cache write failed", zap.String("tracking_id", trackingID), zap.Error(err))
	}

	if status.Status == models.TrackingDelivered && order.Status == models.OrderStatusShipped {
		s.publish("DeliveryConfirmed", func() error {
			return s.events.PublishDeliveryConfirmed(ctx, &models.DeliveryConfirmedEvent{
				BaseEvent:  newBaseEvent(models.EventTypeDeliveryConfirmed),
				OrderID:    order.ID,
				TrackingID: trackingID,
			})
		})
	}

	return &TrackingResult{TrackingID: trackingID, Source: SourceLive, Status: status}, nil
}

// ConfirmDelivery moves a shipped order to DELIVERED. Confirming an already
// delivered order is a no-op.
func (s *OrderService) ConfirmDelivery(ctx context.Context, trackingID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ConfirmDelivery")
	defer span.End()

	order, err := s.repo.GetOrderByTrackingID(ctx, trackingID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	if order.Status == models.OrderStatusDelivered {
		return order, nil
	}

	delivered, err := order.MarkDelivered()
	if err != nil {
		return nil, err
	}
	saved, err := s.repo.SaveOrderTransition(ctx, *order, delivered)
	if err != nil {
		return nil, fmt.Errorf("failed to persist delivery: %w", err)
	}
	if !saved {
		current, err := s.loadOrder(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		if current.Status == models.OrderStatusDelivered {
			return current, nil
		}
		return nil, fmt.Errorf("order %d changed concurrently: %w", order.ID, ErrInvalidTransition)
	}

	util.OrdersDeliveredTotal.Inc()
	s.logger.Info("Order delivered", zap.Int64("order_id", order.ID), zap.String("tracking_id", trackingID))
	s.cacheOrder(ctx, delivered)
	if err := s.cache.SetJSON(ctx, trackingCacheKey(trackingID), delivered, s.opts.OrderCacheTTL); err != nil {
		s.logger.Warn("Tracking cache write failed", zap.String("tracking_id", trackingID), zap.Error(err))
	}
	s.publish("OrderDelivered", func() error {
		return s.events.PublishOrderDelivered(ctx, &models.OrderDeliveredEvent{
			BaseEvent:  newBaseEvent(models.EventTypeOrderDelivered),
			OrderID:    order.ID,
			TrackingID: trackingID,
		})
	})
	return &delivered, nil
}

// orderByTracking reads the order behind trackingID through the tracking
// cache. The cached copy is only used for lookups that tolerate staleness.
func (s *OrderService) orderByTracking(ctx context.Context, trackingID string) (*models.Order, error) {
	var cached models.Order
	found, err := s.cache.GetJSON(ctx, trackingCacheKey(trackingID), &cached)
	if err != nil {
		s.logger.Warn("Tracking cache read failed", zap.String("tracking_id", trackingID), zap.Error(err))
	}
	if found {
		return &cached, nil
	}

	order, err := s.repo.GetOrderByTrackingID(ctx, trackingID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	if err := s.cache.SetJSON(ctx, trackingCacheKey(trackingID), order, s.opts.OrderCacheTTL); err != nil {
		s.logger.Warn("Tracking cache write failed", zap.String("tracking_id", trackingID), zap.Error(err))
	}
	return order, nil
}

// carrierOf is the carrier the order shipped with. Orders shipped before
// the carrier was recorded fall back to the configured one.
func (s *OrderService) carrierOf(order models.Order) string {
	if order.Carrier != "" {
		return order.Carrier
	}
	return s.opts.Carrier
}
