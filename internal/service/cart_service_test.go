package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCartService(h *harness) *CartService {
	return NewCartService(h.repo, h.cache, time.Minute)
}

func TestCartServiceAddMergesLines(t *testing.T) {
	h := newHarness(t)
	svc := newCartService(h)
	h.seedProduct(1, 250, 10)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, 5, 1, 2)
	require.NoError(t, err)
	cart, err := svc.AddItem(ctx, 5, 1, 3)
	require.NoError(t, err)

	require.Len(t, cart.Lines, 1)
	assert.Equal(t, 5, cart.Lines[0].Quantity)
	assert.True(t, h.cache.has(cartCacheKey(5)))
	assert.Equal(t, 10, h.stock(t, 1), "adding to cart does not reserve stock")
}

func TestCartServiceRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	svc := newCartService(h)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, 5, 1, 0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = svc.AddItem(ctx, 5, 999, 1)
	assert.ErrorIs(t, err, ErrProductNotFound)
	assert.True(t, IsNotFound(err))

	_, err = svc.UpdateItem(ctx, 5, 999, 1)
	assert.ErrorIs(t, err, ErrCartLineNotFound)

	_, err = svc.RemoveItem(ctx, 5, 999)
	assert.ErrorIs(t, err, ErrCartLineNotFound)
}

func TestCartServiceUpdateRemoveClear(t *testing.T) {
	h := newHarness(t)
	svc := newCartService(h)
	h.seedProduct(1, 250, 10)
	h.seedProduct(2, 100, 10)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, 5, 1, 1)
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, 5, 2, 1)
	require.NoError(t, err)

	cart, err := svc.UpdateItem(ctx, 5, 1, 4)
	require.NoError(t, err)
	assert.Len(t, cart.Lines, 2)

	cart, err = svc.RemoveItem(ctx, 5, 2)
	require.NoError(t, err)
	require.Len(t, cart.Lines, 1)
	assert.Equal(t, int64(1), cart.Lines[0].ProductID)
	assert.Equal(t, 4, cart.Lines[0].Quantity)

	cart, err = svc.Clear(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, cart.Lines)

	cached, err := svc.GetCart(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, cached.Lines)
}

func TestCartServiceToleratesCacheOutage(t *testing.T) {
	h := newHarness(t)
	svc := newCartService(h)
	h.seedProduct(1, 250, 10)
	h.cache.err = errors.New("redis down")
	ctx := context.Background()

	cart, err := svc.AddItem(ctx, 5, 1, 1)
	require.NoError(t, err)
	assert.Len(t, cart.Lines, 1)

	cart, err = svc.GetCart(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, cart.Lines, 1)
}

func TestInventoryLedgerReserveAllCompensates(t *testing.T) {
	h := newHarness(t)
	ledger := NewInventoryLedger(h.repo, h.cache)
	h.seedProduct(1, 100, 5)
	h.seedProduct(2, 100, 1)
	ctx := context.Background()

	err := ledger.ReserveAll(ctx, []SnapshotLine{
		{ProductID: 1, Quantity: 3},
		{ProductID: 2, Quantity: 2},
	})
	var stock *InsufficientStockError
	require.True(t, errors.As(err, &stock))
	assert.Equal(t, int64(2), stock.ProductID)
	assert.Equal(t, 5, h.stock(t, 1))
	assert.Equal(t, 1, h.stock(t, 2))

	err = ledger.ReserveAll(ctx, []SnapshotLine{{ProductID: 404, Quantity: 1}})
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestInventoryLedgerReleaseSurvivesCancellation(t *testing.T) {
	h := newHarness(t)
	ledger := NewInventoryLedger(h.repo, h.cache)
	h.seedProduct(1, 100, 5)
	require.NoError(t, ledger.Reserve(context.Background(), 1, 2))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ledger.ReleaseAll(ctx, []SnapshotLine{{ProductID: 1, Quantity: 2}})
	assert.Equal(t, 5, h.stock(t, 1))
}

func TestCatalogPriceUpdateKeepsPlacedOrders(t *testing.T) {
	h := newHarness(t)
	catalog := NewCatalogService(h.repo, h.cache)
	h.expectIntents()
	order := h.placeOrder(t, 1)
	ctx := context.Background()

	h.cache.entries[productCacheKey(101)] = []byte(`{"id":101,"price":1000}`)
	product, err := catalog.UpdatePrice(ctx, 101, 4200)
	require.NoError(t, err)
	assert.Equal(t, int64(4200), product.Price)
	assert.False(t, h.cache.has(productCacheKey(101)))

	stored, err := h.repo.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), stored.Items[0].UnitPrice)

	_, err = catalog.UpdatePrice(ctx, 404, 1)
	assert.ErrorIs(t, err, ErrProductNotFound)
	_, err = catalog.UpdatePrice(ctx, 101, -1)
	assert.ErrorIs(t, err, ErrInvalidPrice)

	products, err := catalog.ListProducts(ctx)
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, int64(101), products[0].ID)
}
