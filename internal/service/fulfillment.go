package service

import (
	"context"
	"errors"
	"fmt"

	"checkout-service/internal/models"
	"checkout-service/internal/notify"
	"checkout-service/internal/payment"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// Best-effort fulfillment stages
const (
	StageShipment     = "shipment"
	StageTracking     = "tracking"
	StageNotification = "notification"
)

// StageOutcome tags how far a best-effort stage got
type StageOutcome string

// Stage outcomes
const (
	OutcomeSucceeded  StageOutcome = "SUCCEEDED"
	OutcomeSkipped    StageOutcome = "SKIPPED"
	OutcomeFailed     StageOutcome = "FAILED"
	OutcomeDispatched StageOutcome = "DISPATCHED"
)

// StageResult is the outcome of one best-effort stage
type StageResult struct {
	Stage   string       `json:"stage"`
	Outcome StageOutcome `json:"outcome"`
	Error   string       `json:"error,omitempty"`
}

// FulfillmentResult is the order state after a capture or shipment retry.
// Stages is empty when no work was done.
type FulfillmentResult struct {
	Order            *models.Order `json:"order"`
	Stages           []StageResult `json:"stages,omitempty"`
	AlreadyProcessed bool          `json:"already_processed,omitempty"`
}

// Stage returns the result for name, if that stage ran
func (r *FulfillmentResult) Stage(name string) (StageResult, bool) {
	for _, st := range r.Stages {
		if st.Stage == name {
			return st, true
		}
	}
	return StageResult{}, false
}

// CapturePayment captures the payment of the order owning intentID. It is
// idempotent: an order whose payment is already settled is returned as is
// without calling the gateway. After a successful capture the shipment,
// tracking registration and notification run best-effort and never fail
// the call.
func (s *OrderService) CapturePayment(ctx context.Context, intentID string) (*FulfillmentResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CapturePayment")
	defer span.End()

	order, err := s.repo.GetOrderByPaymentIntent(ctx, intentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	if order.IsSettled() {
		return &FulfillmentResult{Order: order, AlreadyProcessed: true}, nil
	}

	release := s.lockOrder(ctx, order.ID)
	defer release()

	// The capture outcome must be recorded even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	order, err = s.loadOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	if order.IsSettled() {
		return &FulfillmentResult{Order: order, AlreadyProcessed: true}, nil
	}

	capture, err := s.gateway.Capture(ctx, intentID)
	if err != nil {
		util.RecordError(span, err)
		var rejected *payment.RejectedError
		if errors.As(err, &rejected) {
			s.failPayment(ctx, *order, rejected)
		} else {
			util.OrdersFailedTotal.WithLabelValues("capture_error").Inc()
		}
		return nil, fmt.Errorf("capture payment for order %d: %w", order.ID, err)
	}
	if !capture.Completed() {
		util.OrdersFailedTotal.WithLabelValues("payment_incomplete").Inc()
		return nil, fmt.Errorf("capture status %q: %w", capture.Status, ErrPaymentIncomplete)
	}
	if capture.Currency != "" && (capture.Amount != order.Amount || capture.Currency != order.Currency) {
		s.logger.Warn("Captured amount differs from order total",
			zap.Int64("order_id", order.ID),
			zap.Int64("order_amount", order.Amount),
			zap.String("order_currency", order.Currency),
			zap.Int64("captured_amount", capture.Amount),
			zap.String("captured_currency", capture.Currency))
	}

	paid, err := order.MarkPaid()
	if err != nil {
		return nil, err
	}
	saved, err := s.repo.SaveOrderTransition(ctx, *order, paid)
	if err != nil {
		return nil, fmt.Errorf("failed to persist payment: %w", err)
	}
	if !saved {
		current, err := s.loadOrder(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		return &FulfillmentResult{Order: current, AlreadyProcessed: true}, nil
	}

	util.OrdersPaidTotal.Inc()
	s.logger.Info("Payment captured", zap.Int64("order_id", paid.ID), zap.String("intent_id", intentID))
	s.cacheOrder(ctx, paid)
	s.publish("OrderPaid", func() error {
		return s.events.PublishOrderPaid(ctx, &models.OrderPaidEvent{
			BaseEvent:       newBaseEvent(models.EventTypeOrderPaid),
			OrderID:         paid.ID,
			PaymentIntentID: intentID,
			Amount:          paid.Amount,
		})
	})

	final, stages := s.fulfil(ctx, paid)
	return &FulfillmentResult{Order: &final, Stages: stages}, nil
}

// failPayment records a processor rejection as terminal and returns the
// reserved stock.
func (s *OrderService) failPayment(ctx context.Context, order models.Order, rejected *payment.RejectedError) {
	failed, err := order.MarkPaymentFailed()
	if err != nil {
		s.logger.Error("Cannot mark payment failed", zap.Int64("order_id", order.ID), zap.Error(err))
		return
	}
	saved, err := s.repo.SaveOrderTransition(ctx, order, failed)
	if err != nil || !saved {
		s.logger.Error("Failed to persist payment failure",
			zap.Int64("order_id", order.ID), zap.Bool("saved", saved), zap.Error(err))
		return
	}

	s.ledger.ReleaseAll(ctx, snapshotFromItems(order.Items))
	util.OrdersFailedTotal.WithLabelValues("payment_rejected").Inc()
	s.logger.Warn("Payment rejected",
		zap.Int64("order_id", order.ID),
		zap.Int("status_code", rejected.StatusCode),
		zap.String("detail", rejected.Detail))
	s.cacheOrder(ctx, failed)
	s.publish("OrderFailed", func() error {
		return s.events.PublishOrderFailed(ctx, &models.OrderFailedEvent{
			BaseEvent: newBaseEvent(models.EventTypeOrderFailed),
			OrderID:   order.ID,
			Reason:    rejected.Error(),
		})
	})
}

// RetryShipment runs the fulfillment chain again for a paid order that has
// no shipment. Orders in any other state are returned unchanged.
func (s *OrderService) RetryShipment(ctx context.Context, orderID int64) (*FulfillmentResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.RetryShipment")
	defer span.End()

	release := s.lockOrder(ctx, orderID)
	defer release()

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Stage() != models.StagePaid {
		return &FulfillmentResult{Order: order, AlreadyProcessed: true}, nil
	}

	final, stages := s.fulfil(context.WithoutCancel(ctx), *order)
	return &FulfillmentResult{Order: &final, Stages: stages}, nil
}

// fulfil provisions a shipment for a paid order, then registers tracking and
// queues the customer notification. Every failure is recorded in the
// returned stages; the order never moves backwards.
func (s *OrderService) fulfil(ctx context.Context, order models.Order) (models.Order, []StageResult) {
	stages := make([]StageResult, 0, 3)
	skipRest := func(reason string) []StageResult {
		return append(stages,
			StageResult{Stage: StageTracking, Outcome: OutcomeSkipped, Error: reason},
			StageResult{Stage: StageNotification, Outcome: OutcomeSkipped, Error: reason})
	}

	shipment, err := s.provisioner.Provision(ctx, order)
	if err != nil {
		stages = append(stages, s.stageFailed(StageShipment, order.ID, err))
		s.publish("ShipmentPending", func() error {
			return s.events.PublishShipmentPending(ctx, &models.ShipmentPendingEvent{
				BaseEvent: newBaseEvent(models.EventTypeShipmentPending),
				OrderID:   order.ID,
				Reason:    err.Error(),
			})
		})
		return order, skipRest("no shipment")
	}

	carrier := shipment.Carrier
	if carrier == "" {
		carrier = s.opts.Carrier
	}
	shipped, err := order.MarkShipped(shipment.TrackingID, carrier, shipment.LabelBase64)
	if err != nil {
		stages = append(stages, s.stageFailed(StageShipment, order.ID, err))
		return order, skipRest("no shipment")
	}
	saved, err := s.repo.SaveOrderTransition(ctx, order, shipped)
	if err == nil && !saved {
		err = fmt.Errorf("order %d changed concurrently: %w", order.ID, ErrInvalidTransition)
	}
	if err != nil {
		stages = append(stages, s.stageFailed(StageShipment, order.ID, err))
		s.logger.Warn("Provisioned shipment was not recorded",
			zap.Int64("order_id", order.ID), zap.String("tracking_id", shipment.TrackingID))
		if current, loadErr := s.loadOrder(ctx, order.ID); loadErr == nil {
			order = *current
		}
		return order, skipRest("shipment not recorded")
	}

	stages = append(stages, s.stageSucceeded(StageShipment))
	util.OrdersShippedTotal.Inc()
	s.logger.Info("Order shipped", zap.Int64("order_id", shipped.ID), zap.String("tracking_id", shipment.TrackingID))
	s.cacheOrder(ctx, shipped)
	if err := s.cache.SetJSON(ctx, trackingCacheKey(shipment.TrackingID), shipped, s.opts.OrderCacheTTL); err != nil {
		s.logger.Warn("Tracking cache write failed", zap.String("tracking_id", shipment.TrackingID), zap.Error(err))
	}
	s.publish("OrderShipped", func() error {
		return s.events.PublishOrderShipped(ctx, &models.OrderShippedEvent{
			BaseEvent:  newBaseEvent(models.EventTypeOrderShipped),
			OrderID:    shipped.ID,
			TrackingID: shipment.TrackingID,
			Carrier:    carrier,
		})
	})

	if err := s.tracker.Register(ctx, shipment.TrackingID, carrier); err != nil {
		stages = append(stages, s.stageFailed(StageTracking, shipped.ID, err))
	} else {
		stages = append(stages, s.stageSucceeded(StageTracking))
	}

	stages = append(stages, s.notifyShipped(shipped))
	return shipped, stages
}

func (s *OrderService) notifyShipped(order models.Order) StageResult {
	if order.CustomerPhone == "" {
		util.FulfillmentStageTotal.WithLabelValues(StageNotification, string(OutcomeSkipped)).Inc()
		return StageResult{Stage: StageNotification, Outcome: OutcomeSkipped, Error: "no phone number"}
	}
	msg := notify.Message{
		Phone: order.CustomerPhone,
		Text:  fmt.Sprintf("Hi %s, your order has shipped. Tracking: %s", order.CustomerName, *order.TrackingID),
		Ref:   order.ID,
	}
	if !s.notifier.Dispatch(msg) {
		return s.stageFailed(StageNotification, order.ID, errors.New("notification queue unavailable"))
	}
	util.FulfillmentStageTotal.WithLabelValues(StageNotification, string(OutcomeDispatched)).Inc()
	return StageResult{Stage: StageNotification, Outcome: OutcomeDispatched}
}

func (s *OrderService) stageSucceeded(stage string) StageResult {
	util.FulfillmentStageTotal.WithLabelValues(stage, string(OutcomeSucceeded)).Inc()
	return StageResult{Stage: stage, Outcome: OutcomeSucceeded}
}

func (s *OrderService) stageFailed(stage string, orderID int64, err error) StageResult {
	util.FulfillmentStageTotal.WithLabelValues(stage, string(OutcomeFailed)).Inc()
	s.logger.Error("Fulfillment stage failed",
		zap.String("stage", stage),
		zap.Int64("order_id", orderID),
		zap.Error(err))
	return StageResult{Stage: stage, Outcome: OutcomeFailed, Error: err.Error()}
}

func (s *OrderService) publish(name string, fn func() error) {
	if err := fn(); err != nil {
		s.logger.Error("Failed to publish event", zap.String("event", name), zap.Error(err))
	}
}
