package order_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/shopcart/internal/domain/cart"
	"github.com/xenking/shopcart/internal/domain/order"
	"github.com/xenking/shopcart/internal/domain/pricing"
	"github.com/xenking/shopcart/internal/domain/product"
	"github.com/xenking/shopcart/internal/domain/promotion"
	"github.com/xenking/shopcart/internal/storage/memory"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(dur)
}

type fixture struct {
	store    *memory.Store
	clock    *clock
	registry *promotion.Registry
	carts    *cart.Service
	orders   *order.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	clk := &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	require.NoError(t, store.Products().Upsert(ctx, []product.Product{
		{ID: "p1", Name: "Shoe", Price: d("300"), DiscountPrice: d("250"), Stock: 10, IsActive: true},
		{ID: "p2", Name: "Sock", Price: d("99"), Stock: 1, IsActive: true},
	}))

	registry := promotion.NewRegistry(promotion.RegistryDeps{
		Coupons:     store.Coupons(),
		Referrals:   store.Referrals(),
		FlashOffers: store.FlashOffers(),
		Now:         clk.Now,
	})
	carts, err := cart.NewService(cart.Deps{
		Carts:    store.Carts(),
		Products: store.Products(),
		Registry: registry,
		Ledger:   promotion.NewLedger(store.Coupons(), store.Referrals()),
		Engine:   pricing.NewEngine(pricing.DefaultConfig()),
		Tx:       store,
		Now:      clk.Now,
	})
	require.NoError(t, err)

	var (
		mu  sync.Mutex
		seq int
	)
	orders := order.NewService(order.Deps{
		Orders:   store.Orders(),
		Intents:  store.Intents(),
		Products: store.Products(),
		Carts:    carts,
		Tx:       store,
		Now:      clk.Now,
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("id-%d", seq)
		},
	})
	return &fixture{store: store, clock: clk, registry: registry, carts: carts, orders: orders}
}

func (f *fixture) stock(t *testing.T, id string) int {
	t.Helper()
	p, err := f.store.Products().GetByID(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

var address = order.Address{
	Name: "Asha", Phone: "9999999999", Street: "1 MG Road",
	City: "Pune", State: "MH", PostalCode: "411001",
}

func TestPlaceOrderDeferred(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.registry.CreateCoupon(ctx, promotion.NewCoupon{
		Code: "SAVE10", DiscountType: promotion.DiscountPercentage, DiscountValue: d("10"),
		ExpiryDate: f.clock.Now().Add(time.Hour), UsageLimit: 5,
	})
	require.NoError(t, err)

	require.NoError(t, f.carts.AddItem(ctx, "u1", "p1", 2))
	require.NoError(t, f.carts.ApplyCoupon(ctx, "u1", "SAVE10"))

	res, err := f.orders.PlaceOrder(ctx, order.PlaceOrderRequest{
		UserID: "u1", PaymentMode: pricing.PaymentCOD, ShippingAddress: address,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Order)
	assert.Nil(t, res.Intent)

	o := res.Order
	assert.Equal(t, order.StatusPending, o.Status)
	assert.Equal(t, order.PaymentPending, o.PaymentStatus)
	assert.Equal(t, "SAVE10", o.CouponCode)
	assert.Equal(t, "India", o.ShippingAddress.Country)
	assert.True(t, o.Breakdown.TotalPrice.Equal(d("450")))
	require.Len(t, o.Items, 1)
	assert.True(t, o.Items[0].PriceAtPurchase.Equal(d("250")))
	assert.Equal(t, 8, f.stock(t, "p1"))

	view, err := f.carts.View(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, view.Cart.Empty())
	assert.Nil(t, view.Cart.Coupon)

	c, err := f.registry.FindCoupon(ctx, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, 1, c.UsedCount, "redemption is final once ordered")

	list, err := f.orders.ListOrders(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = f.orders.GetOrder(ctx, "u2", o.ID)
	require.ErrorIs(t, err, order.ErrNotFound)
}

func TestPlaceOrderRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.orders.PlaceOrder(ctx, order.PlaceOrderRequest{UserID: "u1", PaymentMode: "cash"})
	require.ErrorIs(t, err, order.ErrInvalidPaymentMode)

	_, err = f.orders.PlaceOrder(ctx, order.PlaceOrderRequest{UserID: "u1", PaymentMode: pricing.PaymentCOD})
	require.ErrorIs(t, err, cart.ErrEmptyCart)
}

func TestCancelOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.carts.AddItem(ctx, "u1", "p1", 3))
	res, err := f.orders.PlaceOrder(ctx, order.PlaceOrderRequest{UserID: "u1", PaymentMode: pricing.PaymentPickup, ShippingAddress: address})
	require.NoError(t, err)
	assert.Equal(t, 7, f.stock(t, "p1"))

	_, err = f.orders.CancelOrder(ctx, "u2", res.Order.ID)
	require.ErrorIs(t, err, order.ErrNotFound)

	o, err := f.orders.CancelOrder(ctx, "u1", res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, o.Status)
	require.NotNil(t, o.CancelledAt)
	assert.Equal(t, 10, f.stock(t, "p1"))

	_, err = f.orders.CancelOrder(ctx, "u1", res.Order.ID)
	require.ErrorIs(t, err, order.ErrNotCancellable)
	assert.Equal(t, 10, f.stock(t, "p1"), "stock restored once")
}

func TestUpdateStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.carts.AddItem(ctx, "u1", "p1", 1))
	res, err := f.orders.PlaceOrder(ctx, order.PlaceOrderRequest{UserID: "u1", PaymentMode: pricing.PaymentCOD, ShippingAddress: address})
	require.NoError(t, err)
	id := res.Order.ID

	_, err = f.orders.UpdateStatus(ctx, id, "lost")
	require.ErrorIs(t, err, order.ErrInvalidStatus)

	o, err := f.orders.UpdateStatus(ctx, id, order.StatusShipped)
	require.NoError(t, err)
	assert.Equal(t, order.StatusShipped, o.Status)

	o, err = f.orders.UpdateStatus(ctx, id, order.StatusDelivered)
	require.NoError(t, err)
	require.NotNil(t, o.DeliveredAt)

	_, err = f.orders.CancelOrder(ctx, "u1", id)
	require.ErrorIs(t, err, order.ErrNotCancellable)

	o, err = f.orders.UpdateStatus(ctx, id, order.StatusRefunded)
	require.NoError(t, err)
	assert.Equal(t, order.PaymentRefunded, o.PaymentStatus)

	_, err = f.orders.UpdateStatus(ctx, id, order.StatusPending)
	require.ErrorIs(t, err, order.ErrInvalidStatus)

	_, err = f.orders.UpdateStatus(ctx, id, order.StatusRefunded)
	require.NoError(t, err, "same status is a no-op")

	all, err := f.orders.ListAllOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestPrepaidFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.carts.AddItem(ctx, "u1", "p1", 2))
	res, err := f.orders.PlaceOrder(ctx, order.PlaceOrderRequest{UserID: "u1", PaymentMode: pricing.PaymentUPI, ShippingAddress: address})
	require.NoError(t, err)
	require.NotNil(t, res.Intent)
	assert.Nil(t, res.Order)

	in := res.Intent
	assert.True(t, in.Breakdown.TotalPrice.Equal(d("470")))
	assert.Equal(t, f.clock.Now().Add(order.DefaultIntentTTL), in.ExpiresAt)
	assert.Equal(t, 10, f.stock(t, "p1"), "stock untouched until payment")

	view, err := f.carts.View(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, view.Cart.Empty(), "cart kept until payment")

	o, err := f.orders.ConfirmPayment(ctx, in.ID, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, in.ID, o.ID)
	assert.Equal(t, order.PaymentSuccess, o.PaymentStatus)
	assert.Equal(t, order.StatusPending, o.Status)
	assert.Equal(t, "pay-1", o.PaymentRef)
	assert.True(t, o.Breakdown.TotalPrice.Equal(d("470")))
	assert.Equal(t, 8, f.stock(t, "p1"))

	again, err := f.orders.ConfirmPayment(ctx, in.ID, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, o.ID, again.ID)
	assert.Equal(t, 8, f.stock(t, "p1"), "second confirmation is idempotent")

	view, err = f.carts.View(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, view.Cart.Empty())
}

func TestPrepaidFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("failed payment discards intent", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.carts.AddItem(ctx, "u1", "p1", 1))
		res, err := f.orders.PlaceOrder(ctx, order.PlaceOrderRequest{UserID: "u1", PaymentMode: pricing.PaymentCard, ShippingAddress: address})
		require.NoError(t, err)

		require.NoError(t, f.orders.FailPayment(ctx, res.Intent.ID))
		require.ErrorIs(t, f.orders.FailPayment(ctx, res.Intent.ID), order.ErrIntentNotFound)

		_, err = f.orders.ConfirmPayment(ctx, res.Intent.ID, "late")
		require.ErrorIs(t, err, order.ErrIntentNotFound)
	})

	t.Run("expired intent", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.carts.AddItem(ctx, "u1", "p1", 1))
		res, err := f.orders.PlaceOrder(ctx, order.PlaceOrderRequest{UserID: "u1", PaymentMode: pricing.PaymentNetbanking, ShippingAddress: address})
		require.NoError(t, err)

		f.clock.Advance(order.DefaultIntentTTL + time.Second)
		_, err = f.orders.ConfirmPayment(ctx, res.Intent.ID, "late")
		var expired *order.IntentExpiredError
		require.ErrorAs(t, err, &expired)
		assert.Equal(t, res.Intent.ID, expired.ID)
		assert.Equal(t, 10, f.stock(t, "p1"))
	})

	t.Run("stock sold before confirmation", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.carts.AddItem(ctx, "u1", "p2", 1))
		res, err := f.orders.PlaceOrder(ctx, order.PlaceOrderRequest{UserID: "u1", PaymentMode: pricing.PaymentOnline, ShippingAddress: address})
		require.NoError(t, err)

		require.NoError(t, f.carts.AddItem(ctx, "u2", "p2", 1))
		_, err = f.orders.PlaceOrder(ctx, order.PlaceOrderRequest{UserID: "u2", PaymentMode: pricing.PaymentCOD, ShippingAddress: address})
		require.NoError(t, err)

		_, err = f.orders.ConfirmPayment(ctx, res.Intent.ID, "pay-2")
		require.ErrorIs(t, err, product.ErrInsufficientStock)
		assert.Zero(t, f.stock(t, "p2"))

		_, err = f.orders.GetOrder(ctx, "u1", res.Intent.ID)
		require.ErrorIs(t, err, order.ErrNotFound)
	})
}

func TestPrepaidPromotionLedger(t *testing.T) {
	ctx := context.Background()

	newCoupon := func(t *testing.T, f *fixture, code string, limit int) {
		t.Helper()
		_, err := f.registry.CreateCoupon(ctx, promotion.NewCoupon{
			Code: code, DiscountType: promotion.DiscountPercentage, DiscountValue: d("10"),
			ExpiryDate: f.clock.Now().Add(time.Hour), UsageLimit: limit,
		})
		require.NoError(t, err)
	}

	t.Run("coupon removed before confirmation is redeemed again", func(t *testing.T) {
		f := newFixture(t)
		newCoupon(t, f, "SAVE10", 5)
		require.NoError(t, f.carts.AddItem(ctx, "u1", "p1", 2))
		require.NoError(t, f.carts.ApplyCoupon(ctx, "u1", "SAVE10"))

		res, err := f.orders.PlaceOrder(ctx, order.PlaceOrderRequest{UserID: "u1", PaymentMode: pricing.PaymentUPI, ShippingAddress: address})
		require.NoError(t, err)
		assert.True(t, res.Intent.PromotionAmount.Equal(d("450")))

		require.NoError(t, f.carts.RemoveCoupon(ctx, "u1"))
		c, err := f.registry.FindCoupon(ctx, "SAVE10")
		require.NoError(t, err)
		assert.Zero(t, c.UsedCount)

		o, err := f.orders.ConfirmPayment(ctx, res.Intent.ID, "pay-1")
		require.NoError(t, err)
		assert.Equal(t, "SAVE10", o.CouponCode)
		assert.True(t, o.Breakdown.CouponDiscount.Equal(d("50")))

		c, err = f.registry.FindCoupon(ctx, "SAVE10")
		require.NoError(t, err)
		assert.Equal(t, 1, c.UsedCount)
		assert.Equal(t, []string{"u1"}, c.UsedBy)
		assert.True(t, c.TotalSales.Equal(d("450")))
	})

	t.Run("coupon exhausted before confirmation", func(t *testing.T) {
		f := newFixture(t)
		newCoupon(t, f, "ONCE", 1)
		require.NoError(t, f.carts.AddItem(ctx, "u1", "p1", 2))
		require.NoError(t, f.carts.ApplyCoupon(ctx, "u1", "ONCE"))
		res, err := f.orders.PlaceOrder(ctx, order.PlaceOrderRequest{UserID: "u1", PaymentMode: pricing.PaymentCard, ShippingAddress: address})
		require.NoError(t, err)

		require.NoError(t, f.carts.RemoveCoupon(ctx, "u1"))
		require.NoError(t, f.carts.AddItem(ctx, "u2", "p1", 2))
		require.NoError(t, f.carts.ApplyCoupon(ctx, "u2", "ONCE"))

		_, err = f.orders.ConfirmPayment(ctx, res.Intent.ID, "pay-1")
		require.ErrorIs(t, err, promotion.ErrInvalidPromotion)
		assert.Equal(t, 10, f.stock(t, "p1"))
		_, err = f.orders.GetOrder(ctx, "u1", res.Intent.ID)
		require.ErrorIs(t, err, order.ErrNotFound)

		c, err := f.registry.FindCoupon(ctx, "ONCE")
		require.NoError(t, err)
		assert.Equal(t, []string{"u2"}, c.UsedBy)
	})

	t.Run("new intent replaces pending one", func(t *testing.T) {
		f := newFixture(t)
		newCoupon(t, f, "SAVE10", 5)
		require.NoError(t, f.carts.AddItem(ctx, "u1", "p1", 2))
		require.NoError(t, f.carts.ApplyCoupon(ctx, "u1", "SAVE10"))

		first, err := f.orders.PlaceOrder(ctx, order.PlaceOrderRequest{UserID: "u1", PaymentMode: pricing.PaymentUPI, ShippingAddress: address})
		require.NoError(t, err)
		second, err := f.orders.PlaceOrder(ctx, order.PlaceOrderRequest{UserID: "u1", PaymentMode: pricing.PaymentUPI, ShippingAddress: address})
		require.NoError(t, err)
		require.NotEqual(t, first.Intent.ID, second.Intent.ID)

		_, err = f.orders.ConfirmPayment(ctx, first.Intent.ID, "pay-1")
		require.ErrorIs(t, err, order.ErrIntentNotFound)

		o, err := f.orders.ConfirmPayment(ctx, second.Intent.ID, "pay-2")
		require.NoError(t, err)
		assert.Equal(t, second.Intent.ID, o.ID)
		assert.Equal(t, 8, f.stock(t, "p1"))

		orders, err := f.orders.ListOrders(ctx, "u1")
		require.NoError(t, err)
		assert.Len(t, orders, 1)
		c, err := f.registry.FindCoupon(ctx, "SAVE10")
		require.NoError(t, err)
		assert.Equal(t, 1, c.UsedCount)
	})
}

func TestStatus(t *testing.T) {
	for _, s := range []order.Status{order.StatusCancelled, order.StatusRefunded} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []order.Status{order.StatusPending, order.StatusProcessing, order.StatusShipped, order.StatusDelivered} {
		assert.True(t, s.Valid(), s)
		assert.False(t, s.Terminal(), s)
	}
	assert.False(t, order.Status("lost").Valid())
}
