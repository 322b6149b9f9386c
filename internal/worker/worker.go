package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Source delivers lifecycle events to a handler until ctx is cancelled
type Source interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// Deduper records which events have been handled
type Deduper interface {
	MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
	ForgetProcessed(ctx context.Context, eventID string) error
}

// Fulfiller is the part of the order service the worker drives
type Fulfiller interface {
	RetryShipment(ctx context.Context, orderID int64) (*service.FulfillmentResult, error)
	ConfirmDelivery(ctx context.Context, trackingID string) (*models.Order, error)
}

// Config tunes the fulfillment worker
type Config struct {
	// RetryDelay is the minimum age of a SHIPMENT_PENDING event before the
	// shipment is retried.
	RetryDelay time.Duration
	DedupTTL   time.Duration
	// RetryBackoff is the first pause after a failed attempt. It doubles up
	// to MaxBackoff.
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

// FulfillmentWorker consumes order lifecycle events and finishes work the
// request path left behind: pending shipments and confirmed deliveries.
type FulfillmentWorker struct {
	source    Source
	dedup     Deduper
	fulfiller Fulfiller
	handler   *broker.EventHandler
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewFulfillmentWorker creates a new fulfillment worker
func NewFulfillmentWorker(source Source, dedup Deduper, fulfiller Fulfiller, cfg Config) *FulfillmentWorker {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 24 * time.Hour
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.RetryBackoff {
		cfg.MaxBackoff = 30 * cfg.RetryBackoff
	}
	w := &FulfillmentWorker{
		source:    source,
		dedup:     dedup,
		fulfiller: fulfiller,
		handler:   broker.NewEventHandler(),
		cfg:       cfg,
		logger:    util.ComponentLogger("worker"),
		now:       time.Now,
	}
	w.handler.OnShipmentPending(w.retryShipment)
	w.handler.OnDeliveryConfirmed(w.confirmDelivery)
	return w
}

// Start consumes events until ctx is cancelled
func (w *FulfillmentWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting fulfillment worker")
	return w.source.StartConsuming(ctx, w.handle)
}

// Stop stops the worker
func (w *FulfillmentWorker) Stop() error {
	w.logger.Info("Stopping fulfillment worker")
	return w.source.Close()
}

// handle runs each event once. A failing event is retried in place until it
// succeeds or ctx ends; only then is the error returned, the marker cleared
// and the message left uncommitted for redelivery.
func (w *FulfillmentWorker) handle(ctx context.Context, msg kafka.Message) error {
	eventID, err := broker.EventID(msg)
	if err != nil {
		w.logger.Warn("Dropping undecodable event", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}

	if eventID != "" {
		fresh, err := w.dedup.MarkProcessed(ctx, eventID, w.cfg.DedupTTL)
		if err != nil {
			w.logger.Warn("Dedup check failed, handling anyway", zap.String("event_id", eventID), zap.Error(err))
		} else if !fresh {
			w.logger.Debug("Skipping duplicate event", zap.String("event_id", eventID))
			return nil
		}
	}

	if err := w.process(ctx, msg, eventID); err != nil {
		if eventID != "" {
			if ferr := w.dedup.ForgetProcessed(context.WithoutCancel(ctx), eventID); ferr != nil {
				w.logger.Warn("Failed to clear dedup marker", zap.String("event_id", eventID), zap.Error(ferr))
			}
		}
		return err
	}
	return nil
}

// process runs the event handler with backoff until it succeeds, fails
// permanently or ctx ends
func (w *FulfillmentWorker) process(ctx context.Context, msg kafka.Message, eventID string) error {
	backoff := w.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		err := w.handler.HandleMessage(ctx, msg)
		if err == nil {
			return nil
		}
		if permanent(err) {
			w.logger.Error("Dropping event that cannot succeed", zap.String("event_id", eventID), zap.Error(err))
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		w.logger.Warn("Event handling failed, retrying",
			zap.String("event_id", eventID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return err
		}
		backoff *= 2
		if backoff > w.cfg.MaxBackoff {
			backoff = w.cfg.MaxBackoff
		}
	}
}

// permanent reports errors no retry can fix
func permanent(err error) bool {
	return errors.Is(err, service.ErrOrderNotFound) || errors.Is(err, service.ErrInvalidTransition)
}

func (w *FulfillmentWorker) retryShipment(ctx context.Context, event *models.ShipmentPendingEvent) error {
	if wait := event.Timestamp.Add(w.cfg.RetryDelay).Sub(w.now()); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	res, err := w.fulfiller.RetryShipment(ctx, event.OrderID)
	if err != nil {
		return fmt.Errorf("retry shipment for order %d: %w", event.OrderID, err)
	}
	w.logger.Info("Shipment retried",
		zap.Int64("order_id", event.OrderID),
		zap.String("stage", string(res.Order.Stage())),
		zap.Bool("already_processed", res.AlreadyProcessed))
	return nil
}

func (w *FulfillmentWorker) confirmDelivery(ctx context.Context, event *models.DeliveryConfirmedEvent) error {
	order, err := w.fulfiller.ConfirmDelivery(ctx, event.TrackingID)
	if err != nil {
		return fmt.Errorf("confirm delivery for %s: %w", event.TrackingID, err)
	}
	w.logger.Info("Delivery confirmed", zap.Int64("order_id", order.ID), zap.String("tracking_id", event.TrackingID))
	return nil
}
