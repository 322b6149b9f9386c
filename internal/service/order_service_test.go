package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"checkout-service/internal/models"
	"checkout-service/internal/payment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestCreateOrderFromCart(t *testing.T) {
	h := newHarness(t)
	h.seedProduct(1, 1000, 5)
	h.seedProduct(2, 500, 5)
	h.fillCart(t, 42, cartLine{1, 2}, cartLine{2, 1})

	h.gateway.On("CreateIntent", mock.Anything, mock.MatchedBy(func(req payment.IntentRequest) bool {
		return req.Amount == 2500 && req.Currency == "USD" && len(req.Items) == 2 &&
			req.Items[0].UnitPrice == 1000 && req.Items[0].Quantity == 2 &&
			req.Items[1].UnitPrice == 500 && req.Items[1].Quantity == 1 &&
			req.Shipping != nil && req.Shipping.CountryCode == "US"
	})).Return(&payment.Intent{ID: "PAY-1", ApprovalURL: "https://approve/PAY-1"}, nil).Once()

	res, err := h.svc.CreateOrder(context.Background(), 42, validRequest())
	require.NoError(t, err)

	order := res.Order
	assert.Equal(t, int64(2500), order.Amount)
	assert.Equal(t, models.StageAwaitingPayment, order.Stage())
	require.NotNil(t, order.PaymentIntentID)
	assert.Equal(t, "PAY-1", *order.PaymentIntentID)
	assert.Equal(t, "https://approve/PAY-1", res.ApprovalURL)
	assert.Len(t, order.Items, 2)

	assert.Equal(t, 3, h.stock(t, 1))
	assert.Equal(t, 4, h.stock(t, 2))

	cart, err := h.repo.GetCartByUserID(context.Background(), 42)
	require.NoError(t, err)
	assert.Empty(t, cart.Lines)

	assert.True(t, h.cache.has(orderCacheKey(order.ID)))
	assert.Contains(t, h.events.seen(), models.EventTypeOrderCreated)
	h.gateway.AssertExpectations(t)
}

func TestCreateOrderEmptyCart(t *testing.T) {
	h := newHarness(t)
	h.seedProduct(1, 1000, 5)
	ctx := context.Background()

	_, err := h.svc.CreateOrder(ctx, 1, validRequest())
	assert.ErrorIs(t, err, ErrEmptyCart)

	_, err = h.repo.GetOrCreateCart(ctx, 2)
	require.NoError(t, err)
	_, err = h.svc.CreateOrder(ctx, 2, validRequest())
	assert.ErrorIs(t, err, ErrEmptyCart)

	orders, err := h.svc.GetUserOrders(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Equal(t, 5, h.stock(t, 1))
	h.gateway.AssertNotCalled(t, "CreateIntent", mock.Anything, mock.Anything)
}

func TestCreateOrderInsufficientStockReleasesEarlierLines(t *testing.T) {
	h := newHarness(t)
	h.seedProduct(1, 1000, 5)
	h.seedProduct(2, 500, 3)
	h.fillCart(t, 7, cartLine{1, 2}, cartLine{2, 10})

	_, err := h.svc.CreateOrder(context.Background(), 7, validRequest())

	var stockErr *InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, int64(2), stockErr.ProductID)
	assert.Equal(t, 5, h.stock(t, 1))
	assert.Equal(t, 3, h.stock(t, 2))

	cart, err := h.repo.GetCartByUserID(context.Background(), 7)
	require.NoError(t, err)
	assert.Len(t, cart.Lines, 2)

	orders, _ := h.svc.GetUserOrders(context.Background(), 7)
	assert.Empty(t, orders)
}

func TestCreateOrderValidatesCheckoutForm(t *testing.T) {
	h := newHarness(t)
	h.seedProduct(1, 1000, 5)
	h.fillCart(t, 7, cartLine{1, 1})

	req := validRequest()
	req.City = ""
	_, err := h.svc.CreateOrder(context.Background(), 7, req)
	assert.ErrorIs(t, err, ErrIncompleteShippingInfo)
	assert.True(t, IsValidation(err))

	req = validRequest()
	req.CustomerPhone = ""
	_, err = h.svc.CreateOrder(context.Background(), 7, req)
	assert.ErrorIs(t, err, ErrMissingContact)

	assert.Equal(t, 5, h.stock(t, 1))
}

func TestConcurrentCheckoutsNeverOversell(t *testing.T) {
	h := newHarness(t)
	h.seedProduct(1, 1000, 5)
	h.expectIntents()

	const buyers = 12
	for u := int64(1); u <= buyers; u++ {
		h.fillCart(t, u, cartLine{1, 1})
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, outOfStock := 0, 0
	for u := int64(1); u <= buyers; u++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			_, err := h.svc.CreateOrder(context.Background(), userID, validRequest())
			mu.Lock()
			defer mu.Unlock()
			var stockErr *InsufficientStockError
			switch {
			case err == nil:
				succeeded++
			case errors.As(err, &stockErr):
				outOfStock++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(u)
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	assert.Equal(t, buyers-5, outOfStock)
	assert.Equal(t, 0, h.stock(t, 1))
}

func TestConcurrentCheckoutOfOneCartOrdersOnce(t *testing.T) {
	h := newHarness(t)
	h.seedProduct(1, 1000, 10)
	h.fillCart(t, 7, cartLine{1, 2})
	h.expectIntents()
	ctx := context.Background()

	var arrived sync.WaitGroup
	arrived.Add(2)
	svc := h.serviceOn(&cartHook{MemoryStore: h.repo, afterRead: func() {
		arrived.Done()
		arrived.Wait()
	}})

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.CreateOrder(ctx, 7, validRequest())
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrCartChanged)
	}
	assert.Equal(t, 1, succeeded)

	orders, err := h.repo.GetOrdersByUserID(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
	assert.Equal(t, 8, h.stock(t, 1))

	cart, err := h.repo.GetCartByUserID(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, cart.Lines)
}

func TestCreateOrderKeepsLinesAddedDuringCheckout(t *testing.T) {
	h := newHarness(t)
	h.seedProduct(1, 1000, 10)
	h.seedProduct(2, 500, 10)
	h.fillCart(t, 7, cartLine{1, 1})
	h.expectIntents()
	ctx := context.Background()

	svc := h.serviceOn(&cartHook{MemoryStore: h.repo, afterRead: func() {
		h.fillCart(t, 7, cartLine{2, 1})
	}})

	res, err := svc.CreateOrder(ctx, 7, validRequest())
	require.NoError(t, err)
	require.Len(t, res.Order.Items, 1)
	assert.Equal(t, int64(1000), res.Order.Amount)

	cart, err := h.repo.GetCartByUserID(ctx, 7)
	require.NoError(t, err)
	require.Len(t, cart.Lines, 1)
	assert.Equal(t, int64(2), cart.Lines[0].ProductID)
	assert.Equal(t, 10, h.stock(t, 2))
}

func TestCreateOrderAbortsWhenQuantityChanged(t *testing.T) {
	h := newHarness(t)
	h.seedProduct(1, 1000, 10)
	h.fillCart(t, 7, cartLine{1, 1})
	ctx := context.Background()

	svc := h.serviceOn(&cartHook{MemoryStore: h.repo, afterRead: func() {
		h.fillCart(t, 7, cartLine{1, 1})
	}})

	_, err := svc.CreateOrder(ctx, 7, validRequest())
	assert.ErrorIs(t, err, ErrCartChanged)
	assert.Equal(t, 10, h.stock(t, 1))

	orders, err := h.repo.GetOrdersByUserID(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, orders)

	cart, err := h.repo.GetCartByUserID(ctx, 7)
	require.NoError(t, err)
	require.Len(t, cart.Lines, 1)
	assert.Equal(t, 2, cart.Lines[0].Quantity)
	h.gateway.AssertNotCalled(t, "CreateIntent", mock.Anything, mock.Anything)
}

func TestCreateOrderKeepsOrderWhenIntentFails(t *testing.T) {
	h := newHarness(t)
	h.seedProduct(1, 1000, 5)
	h.fillCart(t, 9, cartLine{1, 1})
	ctx := context.Background()

	h.gateway.On("CreateIntent", mock.Anything, mock.Anything).Return(nil, payment.ErrGatewayTimeout).Once()

	res, err := h.svc.CreateOrder(ctx, 9, validRequest())
	assert.ErrorIs(t, err, payment.ErrGatewayTimeout)
	require.NotNil(t, res)
	require.NotNil(t, res.Order)
	assert.Equal(t, models.StageNew, res.Order.Stage())
	assert.Nil(t, res.Order.PaymentIntentID)
	assert.Equal(t, 4, h.stock(t, 1))

	orphans, err := h.svc.ListOrphanedOrders(ctx, 10)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, res.Order.ID, orphans[0].ID)

	h.gateway.On("CreateIntent", mock.Anything, mock.MatchedBy(func(req payment.IntentRequest) bool {
		return req.Amount == 1000 && len(req.Items) == 1
	})).Return(&payment.Intent{ID: "PAY-R", ApprovalURL: "https://approve/PAY-R"}, nil).Once()

	retried, err := h.svc.RetryPaymentIntent(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageAwaitingPayment, retried.Order.Stage())
	assert.Equal(t, "https://approve/PAY-R", retried.ApprovalURL)

	_, err = h.svc.RetryPaymentIntent(ctx, res.Order.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	orphans, _ = h.svc.ListOrphanedOrders(ctx, 10)
	assert.Empty(t, orphans)
}

func TestCreateOrderReplaysIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	h.seedProduct(1, 1000, 5)
	h.fillCart(t, 3, cartLine{1, 1})
	h.expectIntents().Once()
	ctx := context.Background()

	req := validRequest()
	req.IdempotencyKey = "checkout-abc"

	first, err := h.svc.CreateOrder(ctx, 3, req)
	require.NoError(t, err)
	second, err := h.svc.CreateOrder(ctx, 3, req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, 4, h.stock(t, 1))

	_, err = h.svc.CreateOrder(ctx, 4, req)
	assert.ErrorIs(t, err, ErrIdempotencyKeyReused)
	h.gateway.AssertExpectations(t)
}

func TestOrderLinePriceIsFrozen(t *testing.T) {
	h := newHarness(t)
	h.seedProduct(1, 1000, 5)
	h.fillCart(t, 5, cartLine{1, 1})
	h.expectIntents()
	ctx := context.Background()

	res, err := h.svc.CreateOrder(ctx, 5, validRequest())
	require.NoError(t, err)

	require.NoError(t, h.repo.UpdateProductPrice(ctx, 1, 9999))
	h.cache.entries = map[string][]byte{}

	order, err := h.svc.GetOrderDetails(ctx, 5, res.Order.ID)
	require.NoError(t, err)
	require.Len(t, order.Items, 1)
	assert.Equal(t, int64(1000), order.Items[0].UnitPrice)
	assert.Equal(t, int64(1000), order.Amount)
}

func TestGetOrderDetailsScopedToOwner(t *testing.T) {
	h := newHarness(t)
	h.expectIntents()
	order := h.placeOrder(t, 1)
	ctx := context.Background()

	got, err := h.svc.GetOrderDetails(ctx, 1, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)

	_, err = h.svc.GetOrderDetails(ctx, 2, order.ID)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = h.svc.GetOrderDetails(ctx, 1, 999)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestGetUserOrdersNewestFirst(t *testing.T) {
	h := newHarness(t)
	h.expectIntents()
	h.seedProduct(1, 100, 10)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		h.fillCart(t, 8, cartLine{1, 1})
		res, err := h.svc.CreateOrder(ctx, 8, validRequest())
		require.NoError(t, err)
		ids = append(ids, res.Order.ID)
	}

	orders, err := h.svc.GetUserOrders(ctx, 8)
	require.NoError(t, err)
	require.Len(t, orders, 3)
	assert.Equal(t, ids[2], orders[0].ID)
	assert.Equal(t, ids[0], orders[2].ID)
	assert.Len(t, orders[0].Items, 1)
}

func TestDeleteOrderPurgesCache(t *testing.T) {
	h := newHarness(t)
	h.expectIntents()
	order := h.placeOrder(t, 1)
	ctx := context.Background()

	h.gateway.On("Capture", mock.Anything, *order.PaymentIntentID).
		Return(&payment.Capture{ID: *order.PaymentIntentID, Status: payment.StatusCompleted}, nil)
	h.provisioner.On("Provision", mock.Anything, mock.Anything).Return(shipment("AAAA-BBBB-CCCC"), nil)
	h.tracker.On("Register", mock.Anything, "AAAA-BBBB-CCCC", "dhl").Return(nil)
	h.tracker.On("Poll", mock.Anything, "AAAA-BBBB-CCCC", "dhl").
		Return(&models.TrackingStatus{TrackingID: "AAAA-BBBB-CCCC", Status: models.TrackingInTransit}, nil)
	h.notifier.On("Dispatch", mock.Anything).Return(true)

	_, err := h.svc.CapturePayment(ctx, *order.PaymentIntentID)
	require.NoError(t, err)
	_, err = h.svc.TrackOrder(ctx, "AAAA-BBBB-CCCC")
	require.NoError(t, err)

	require.True(t, h.cache.has(orderCacheKey(order.ID)))
	require.True(t, h.cache.has(trackingCacheKey("AAAA-BBBB-CCCC")))
	require.True(t, h.cache.has(trackingStatusKey("AAAA-BBBB-CCCC")))

	stockBefore := h.stock(t, 101)
	require.NoError(t, h.svc.DeleteOrder(ctx, order.ID))

	assert.False(t, h.cache.has(orderCacheKey(order.ID)))
	assert.False(t, h.cache.has(trackingCacheKey("AAAA-BBBB-CCCC")))
	assert.False(t, h.cache.has(trackingStatusKey("AAAA-BBBB-CCCC")))
	assert.Equal(t, stockBefore, h.stock(t, 101))

	_, err = h.svc.GetOrderDetails(ctx, 1, order.ID)
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.ErrorIs(t, h.svc.DeleteOrder(ctx, order.ID), ErrOrderNotFound)
}

func TestCacheFailuresDoNotFailCheckout(t *testing.T) {
	h := newHarness(t)
	h.expectIntents()
	h.cache.err = errors.New("redis down")
	h.seedProduct(1, 700, 2)
	h.fillCart(t, 1, cartLine{1, 1})

	res, err := h.svc.CreateOrder(context.Background(), 1, validRequest())
	require.NoError(t, err)
	assert.Equal(t, int64(700), res.Order.Amount)

	got, err := h.svc.GetOrderDetails(context.Background(), 1, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Order.ID, got.ID)
}
