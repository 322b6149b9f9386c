package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/notify"
	"checkout-service/internal/payment"
	"checkout-service/internal/shipping"
	"checkout-service/internal/store"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	err     error
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string][]byte)}
}

func (c *fakeCache) GetJSON(_ context.Context, key string, dest interface{}) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	raw, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (c *fakeCache) SetJSON(_ context.Context, key string, value interface{}, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.entries[key] = raw
	return nil
}

func (c *fakeCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

func (c *fakeCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

type fakeLocker struct {
	mu    sync.Mutex
	held  map[string]string
	seq   int
	err   error
	grant int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]string)}
}

func (l *fakeLocker) AcquireLock(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", false, l.err
	}
	if _, ok := l.held[key]; ok {
		return "", false, nil
	}
	l.seq++
	l.grant++
	token := fmt.Sprintf("t%d", l.seq)
	l.held[key] = token
	return token, true, nil
}

func (l *fakeLocker) ReleaseLock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
	}
	return nil
}

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) CreateIntent(ctx context.Context, req payment.IntentRequest) (*payment.Intent, error) {
	args := m.Called(ctx, req)
	if fn, ok := args.Get(0).(func(payment.IntentRequest) *payment.Intent); ok {
		return fn(req), args.Error(1)
	}
	intent, _ := args.Get(0).(*payment.Intent)
	return intent, args.Error(1)
}

func (m *mockGateway) Capture(ctx context.Context, intentID string) (*payment.Capture, error) {
	args := m.Called(ctx, intentID)
	capture, _ := args.Get(0).(*payment.Capture)
	return capture, args.Error(1)
}

type mockProvisioner struct {
	mock.Mock
}

func (m *mockProvisioner) Provision(ctx context.Context, order models.Order) (*shipping.Shipment, error) {
	args := m.Called(ctx, order)
	shipment, _ := args.Get(0).(*shipping.Shipment)
	return shipment, args.Error(1)
}

type mockTracker struct {
	mock.Mock
}

func (m *mockTracker) Register(ctx context.Context, trackingID, carrier string) error {
	return m.Called(ctx, trackingID, carrier).Error(0)
}

func (m *mockTracker) Poll(ctx context.Context, trackingID, carrier string) (*models.TrackingStatus, error) {
	args := m.Called(ctx, trackingID, carrier)
	status, _ := args.Get(0).(*models.TrackingStatus)
	return status, args.Error(1)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Dispatch(msg notify.Message) bool {
	return m.Called(msg).Bool(0)
}

type recordingEvents struct {
	mu    sync.Mutex
	types []string
}

func (r *recordingEvents) record(eventType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, eventType)
	return nil
}

func (r *recordingEvents) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.types...)
}

func (r *recordingEvents) PublishOrderCreated(_ context.Context, e *models.OrderCreatedEvent) error {
	return r.record(e.EventType)
}

func (r *recordingEvents) PublishOrderPaid(_ context.Context, e *models.OrderPaidEvent) error {
	return r.record(e.EventType)
}

func (r *recordingEvents) PublishOrderFailed(_ context.Context, e *models.OrderFailedEvent) error {
	return r.record(e.EventType)
}

func (r *recordingEvents) PublishOrderShipped(_ context.Context, e *models.OrderShippedEvent) error {
	return r.record(e.EventType)
}

func (r *recordingEvents) PublishShipmentPending(_ context.Context, e *models.ShipmentPendingEvent) error {
	return r.record(e.EventType)
}

func (r *recordingEvents) PublishDeliveryConfirmed(_ context.Context, e *models.DeliveryConfirmedEvent) error {
	return r.record(e.EventType)
}

func (r *recordingEvents) PublishOrderDelivered(_ context.Context, e *models.OrderDeliveredEvent) error {
	return r.record(e.EventType)
}

type harness struct {
	repo        *store.MemoryStore
	cache       *fakeCache
	locker      *fakeLocker
	gateway     *mockGateway
	provisioner *mockProvisioner
	tracker     *mockTracker
	notifier    *mockNotifier
	events      *recordingEvents
	svc         *OrderService
	intentSeq   int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:        store.NewMemoryStore(),
		cache:       newFakeCache(),
		locker:      newFakeLocker(),
		gateway:     new(mockGateway),
		provisioner: new(mockProvisioner),
		tracker:     new(mockTracker),
		notifier:    new(mockNotifier),
		events:      &recordingEvents{},
	}
	h.svc = NewOrderService(Dependencies{
		Repo:        h.repo,
		Cache:       h.cache,
		Locker:      h.locker,
		Gateway:     h.gateway,
		Provisioner: h.provisioner,
		Tracker:     h.tracker,
		Notifier:    h.notifier,
		Events:      h.events,
	}, Options{LockWait: 2 * time.Second})
	return h
}

// expectIntents makes the gateway hand out unique intent ids
func (h *harness) expectIntents() *mock.Call {
	return h.gateway.On("CreateIntent", mock.Anything, mock.Anything).Return(
		func(req payment.IntentRequest) *payment.Intent {
			n := atomic.AddInt64(&h.intentSeq, 1)
			id := fmt.Sprintf("PAY-%d", n)
			return &payment.Intent{ID: id, Status: "CREATED", ApprovalURL: "https://approve/" + id}
		}, nil)
}

func (h *harness) seedProduct(id, price int64, quantity int) {
	h.repo.PutProduct(models.Product{
		ID:          id,
		Name:        fmt.Sprintf("Product %d", id),
		Description: "desc",
		Price:       price,
		Quantity:    quantity,
	})
}

func (h *harness) stock(t *testing.T, id int64) int {
	t.Helper()
	p, err := h.repo.GetProductByID(context.Background(), id)
	require.NoError(t, err)
	return p.Quantity
}

type cartLine struct {
	productID int64
	quantity  int
}

func (h *harness) fillCart(t *testing.T, userID int64, lines ...cartLine) {
	t.Helper()
	ctx := context.Background()
	cart, err := h.repo.GetOrCreateCart(ctx, userID)
	require.NoError(t, err)
	for _, l := range lines {
		require.NoError(t, h.repo.AddCartLine(ctx, cart.ID, l.productID, l.quantity))
	}
}

func validRequest() CreateOrderRequest {
	return CreateOrderRequest{
		CustomerName:  "Ada",
		CustomerPhone: "+15550100",
		ShippingAddress: models.ShippingAddress{
			Country:    "US",
			City:       "Austin",
			PostalCode: "78701",
			Address1:   "1 Main St",
		},
	}
}

// placeOrder checks out a single-line cart and returns the awaiting order
func (h *harness) placeOrder(t *testing.T, userID int64) *models.Order {
	t.Helper()
	h.seedProduct(100+userID, 1000, 10)
	h.fillCart(t, userID, cartLine{100 + userID, 1})
	res, err := h.svc.CreateOrder(context.Background(), userID, validRequest())
	require.NoError(t, err)
	require.NotNil(t, res.Order.PaymentIntentID)
	return res.Order
}

func shipment(trackingID string) *shipping.Shipment {
	return &shipping.Shipment{TrackingID: trackingID, Carrier: "dhl"}
}

var errCarrierDown = errors.New("carrier unavailable")

// cartHook runs afterRead each time a cart is read, between pricing the cart
// and storing the order.
type cartHook struct {
	*store.MemoryStore
	afterRead func()
}

func (c *cartHook) GetCartByUserID(ctx context.Context, userID int64) (*models.Cart, error) {
	cart, err := c.MemoryStore.GetCartByUserID(ctx, userID)
	c.afterRead()
	return cart, err
}

// serviceOn builds an order service over repo sharing the harness fakes
func (h *harness) serviceOn(repo Repository) *OrderService {
	return NewOrderService(Dependencies{
		Repo:        repo,
		Cache:       h.cache,
		Locker:      h.locker,
		Gateway:     h.gateway,
		Provisioner: h.provisioner,
		Tracker:     h.tracker,
		Notifier:    h.notifier,
		Events:      h.events,
	}, Options{LockWait: 2 * time.Second})
}
