package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/service"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type memDedup struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (d *memDedup) MarkProcessed(_ context.Context, eventID string, _ time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	if d.seen[eventID] {
		return false, nil
	}
	d.seen[eventID] = true
	return true, nil
}

func (d *memDedup) ForgetProcessed(_ context.Context, eventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, eventID)
	return nil
}

type mockFulfiller struct {
	mock.Mock
}

func (m *mockFulfiller) RetryShipment(ctx context.Context, orderID int64) (*service.FulfillmentResult, error) {
	args := m.Called(ctx, orderID)
	res, _ := args.Get(0).(*service.FulfillmentResult)
	return res, args.Error(1)
}

func (m *mockFulfiller) ConfirmDelivery(ctx context.Context, trackingID string) (*models.Order, error) {
	args := m.Called(ctx, trackingID)
	order, _ := args.Get(0).(*models.Order)
	return order, args.Error(1)
}

// sliceSource replays a fixed list of messages and records handler errors
type sliceSource struct {
	msgs   []kafka.Message
	errs   []error
	closed bool
}

func (s *sliceSource) StartConsuming(ctx context.Context, handler broker.MessageHandler) error {
	for _, msg := range s.msgs {
		s.errs = append(s.errs, handler(ctx, msg))
	}
	return nil
}

func (s *sliceSource) Close() error {
	s.closed = true
	return nil
}

func message(t *testing.T, event interface{}) kafka.Message {
	t.Helper()
	raw, err := json.Marshal(event)
	require.NoError(t, err)
	return kafka.Message{Value: raw}
}

func base(eventType string, at time.Time) models.BaseEvent {
	return models.BaseEvent{EventID: uuid.New().String(), EventType: eventType, Timestamp: at}
}

func paidOrder(id int64) *service.FulfillmentResult {
	return &service.FulfillmentResult{Order: &models.Order{
		ID:            id,
		Status:        models.OrderStatusShipped,
		PaymentStatus: models.PaymentStatusPaid,
	}}
}

func TestWorkerRoutesEvents(t *testing.T) {
	pending := &models.ShipmentPendingEvent{
		BaseEvent: base(models.EventTypeShipmentPending, time.Now().Add(-time.Hour)),
		OrderID:   7,
		Reason:    "carrier down",
	}
	delivered := &models.DeliveryConfirmedEvent{
		BaseEvent:  base(models.EventTypeDeliveryConfirmed, time.Now()),
		OrderID:    8,
		TrackingID: "ABCD-EFGH-IJKL",
	}
	created := &models.OrderCreatedEvent{BaseEvent: base(models.EventTypeOrderCreated, time.Now())}

	src := &sliceSource{msgs: []kafka.Message{message(t, pending), message(t, delivered), message(t, created)}}
	f := new(mockFulfiller)
	f.On("RetryShipment", mock.Anything, int64(7)).Return(paidOrder(7), nil).Once()
	f.On("ConfirmDelivery", mock.Anything, "ABCD-EFGH-IJKL").Return(&models.Order{ID: 8}, nil).Once()

	w := NewFulfillmentWorker(src, &memDedup{seen: map[string]bool{}}, f, Config{RetryDelay: time.Minute})
	require.NoError(t, w.Start(context.Background()))

	assert.Equal(t, []error{nil, nil, nil}, src.errs)
	f.AssertExpectations(t)

	require.NoError(t, w.Stop())
	assert.True(t, src.closed)
}

func TestWorkerSkipsDuplicateEvents(t *testing.T) {
	event := &models.DeliveryConfirmedEvent{
		BaseEvent:  base(models.EventTypeDeliveryConfirmed, time.Now()),
		TrackingID: "DUPE-DUPE-DUPE",
	}
	msg := message(t, event)
	src := &sliceSource{msgs: []kafka.Message{msg, msg}}
	f := new(mockFulfiller)
	f.On("ConfirmDelivery", mock.Anything, "DUPE-DUPE-DUPE").Return(&models.Order{ID: 1}, nil)

	w := NewFulfillmentWorker(src, &memDedup{seen: map[string]bool{}}, f, Config{})
	require.NoError(t, w.Start(context.Background()))

	f.AssertNumberOfCalls(t, "ConfirmDelivery", 1)
}

func TestWorkerRetriesFailedHandlingUntilSuccess(t *testing.T) {
	event := &models.DeliveryConfirmedEvent{
		BaseEvent:  base(models.EventTypeDeliveryConfirmed, time.Now()),
		TrackingID: "FLAK-FLAK-FLAK",
	}
	msg := message(t, event)
	src := &sliceSource{msgs: []kafka.Message{msg, msg}}
	f := new(mockFulfiller)
	f.On("ConfirmDelivery", mock.Anything, "FLAK-FLAK-FLAK").Return(nil, errors.New("db down")).Twice()
	f.On("ConfirmDelivery", mock.Anything, "FLAK-FLAK-FLAK").Return(&models.Order{ID: 1}, nil).Once()

	w := NewFulfillmentWorker(src, &memDedup{seen: map[string]bool{}}, f, Config{RetryBackoff: time.Millisecond})
	require.NoError(t, w.Start(context.Background()))

	assert.Equal(t, []error{nil, nil}, src.errs)
	f.AssertExpectations(t)
	f.AssertNumberOfCalls(t, "ConfirmDelivery", 3)
}

func TestWorkerRetriesShipmentAfterStoreError(t *testing.T) {
	event := &models.ShipmentPendingEvent{
		BaseEvent: base(models.EventTypeShipmentPending, time.Now().Add(-time.Hour)),
		OrderID:   4,
	}
	src := &sliceSource{msgs: []kafka.Message{message(t, event)}}
	f := new(mockFulfiller)
	f.On("RetryShipment", mock.Anything, int64(4)).Return(nil, errors.New("connection reset")).Once()
	f.On("RetryShipment", mock.Anything, int64(4)).Return(paidOrder(4), nil).Once()

	w := NewFulfillmentWorker(src, &memDedup{seen: map[string]bool{}}, f, Config{RetryBackoff: time.Millisecond})
	require.NoError(t, w.Start(context.Background()))

	assert.Equal(t, []error{nil}, src.errs)
	f.AssertExpectations(t)
}

func TestWorkerDropsPermanentFailures(t *testing.T) {
	event := &models.DeliveryConfirmedEvent{
		BaseEvent:  base(models.EventTypeDeliveryConfirmed, time.Now()),
		TrackingID: "GONE-GONE-GONE",
	}
	src := &sliceSource{msgs: []kafka.Message{message(t, event)}}
	f := new(mockFulfiller)
	f.On("ConfirmDelivery", mock.Anything, "GONE-GONE-GONE").Return(nil, service.ErrOrderNotFound).Once()

	dedup := &memDedup{seen: map[string]bool{}}
	w := NewFulfillmentWorker(src, dedup, f, Config{RetryBackoff: time.Millisecond})
	require.NoError(t, w.Start(context.Background()))

	assert.Equal(t, []error{nil}, src.errs)
	f.AssertNumberOfCalls(t, "ConfirmDelivery", 1)
	assert.True(t, dedup.seen[event.EventID])
}

func TestWorkerLeavesEventForRedeliveryOnShutdown(t *testing.T) {
	event := &models.DeliveryConfirmedEvent{
		BaseEvent:  base(models.EventTypeDeliveryConfirmed, time.Now()),
		TrackingID: "DOWN-DOWN-DOWN",
	}
	src := &sliceSource{msgs: []kafka.Message{message(t, event)}}
	f := new(mockFulfiller)
	f.On("ConfirmDelivery", mock.Anything, "DOWN-DOWN-DOWN").Return(nil, errors.New("db down"))

	dedup := &memDedup{seen: map[string]bool{}}
	w := NewFulfillmentWorker(src, dedup, f, Config{RetryBackoff: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Start(ctx))

	require.Len(t, src.errs, 1)
	assert.Error(t, src.errs[0])
	assert.False(t, dedup.seen[event.EventID], "marker must be cleared for redelivery")
}

func TestWorkerHandlesWhenDedupUnavailable(t *testing.T) {
	event := &models.DeliveryConfirmedEvent{
		BaseEvent:  base(models.EventTypeDeliveryConfirmed, time.Now()),
		TrackingID: "NODD-NODD-NODD",
	}
	src := &sliceSource{msgs: []kafka.Message{message(t, event)}}
	f := new(mockFulfiller)
	f.On("ConfirmDelivery", mock.Anything, "NODD-NODD-NODD").Return(&models.Order{ID: 1}, nil).Once()

	w := NewFulfillmentWorker(src, &memDedup{seen: map[string]bool{}, err: errors.New("redis down")}, f, Config{})
	require.NoError(t, w.Start(context.Background()))
	f.AssertExpectations(t)
}

func TestWorkerDropsGarbage(t *testing.T) {
	src := &sliceSource{msgs: []kafka.Message{{Value: []byte("not json")}}}
	w := NewFulfillmentWorker(src, &memDedup{seen: map[string]bool{}}, new(mockFulfiller), Config{})
	require.NoError(t, w.Start(context.Background()))
	assert.Equal(t, []error{nil}, src.errs)
}

func TestRetryShipmentWaitsForDelay(t *testing.T) {
	now := time.Now()
	event := &models.ShipmentPendingEvent{
		BaseEvent: base(models.EventTypeShipmentPending, now),
		OrderID:   3,
	}
	f := new(mockFulfiller)
	w := NewFulfillmentWorker(&sliceSource{}, &memDedup{seen: map[string]bool{}}, f, Config{RetryDelay: time.Hour})
	w.now = func() time.Time { return now }

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := w.retryShipment(ctx, event)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	f.AssertNotCalled(t, "RetryShipment", mock.Anything, mock.Anything)
}
