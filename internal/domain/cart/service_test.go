package cart_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/shopcart/internal/domain/cart"
	"github.com/xenking/shopcart/internal/domain/pricing"
	"github.com/xenking/shopcart/internal/domain/product"
	"github.com/xenking/shopcart/internal/domain/promotion"
	"github.com/xenking/shopcart/internal/storage/memory"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *memory.Store
	registry *promotion.Registry
	svc      *cart.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	now := func() time.Time { return testNow }

	require.NoError(t, store.Products().Upsert(ctx, []product.Product{
		{ID: "p1", Name: "Shoe", Price: d("300"), DiscountPrice: d("250"), Stock: 10, IsActive: true},
		{ID: "p2", Name: "Sock", Price: d("99"), Stock: 1, IsActive: true},
	}))

	registry := promotion.NewRegistry(promotion.RegistryDeps{
		Coupons:     store.Coupons(),
		Referrals:   store.Referrals(),
		FlashOffers: store.FlashOffers(),
		Now:         now,
	})
	svc, err := cart.NewService(cart.Deps{
		Carts:    store.Carts(),
		Products: store.Products(),
		Registry: registry,
		Ledger:   promotion.NewLedger(store.Coupons(), store.Referrals()),
		Engine:   pricing.NewEngine(pricing.DefaultConfig()),
		Tx:       store,
		Now:      now,
	})
	require.NoError(t, err)
	return &fixture{store: store, registry: registry, svc: svc}
}

func (f *fixture) coupon(t *testing.T, code string, limit int, minOrder string) {
	t.Helper()
	_, err := f.registry.CreateCoupon(context.Background(), promotion.NewCoupon{
		Code:          code,
		DiscountType:  promotion.DiscountPercentage,
		DiscountValue: d("10"),
		MinOrderValue: d(minOrder),
		UsageLimit:    limit,
		ExpiryDate:    testNow.Add(24 * time.Hour),
	})
	require.NoError(t, err)
}

func (f *fixture) findCoupon(t *testing.T, code string) *promotion.Coupon {
	t.Helper()
	c, err := f.registry.FindCoupon(context.Background(), code)
	require.NoError(t, err)
	return c
}

func TestServiceApplyCoupon(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.coupon(t, "SAVE10", 5, "0")
	_, err := f.registry.CreateReferral(ctx, promotion.NewReferral{Code: "FRIEND", AffiliateID: "aff"})
	require.NoError(t, err)

	require.NoError(t, f.svc.AddItem(ctx, "u1", "p1", 2))
	require.NoError(t, f.svc.ApplyCoupon(ctx, "u1", "save10"))

	view, err := f.svc.View(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, view.Breakdown.ItemsPrice.Equal(d("500")))
	assert.True(t, view.Breakdown.CouponDiscount.Equal(d("50")))
	assert.True(t, view.Breakdown.TotalPrice.Equal(d("450")))
	assert.Equal(t, promotion.KindCoupon, view.Breakdown.Applied)

	c := f.findCoupon(t, "SAVE10")
	assert.Equal(t, 1, c.UsedCount)
	assert.True(t, c.TotalSales.Equal(d("450")))

	err = f.svc.ApplyReferral(ctx, "u1", "FRIEND")
	require.ErrorIs(t, err, promotion.ErrInvalidPromotion)
	assert.EqualError(t, err, "remove coupon before applying a referral")

	view, err = f.svc.View(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, view.Cart.Coupon)
	assert.Nil(t, view.Cart.Referral)
	ref, err := f.registry.FindReferral(ctx, "FRIEND")
	require.NoError(t, err)
	assert.Zero(t, ref.UsedCount)

	err = f.svc.ApplyCoupon(ctx, "u1", "SAVE10")
	require.ErrorIs(t, err, promotion.ErrInvalidPromotion)

	require.NoError(t, f.svc.RemoveCoupon(ctx, "u1"))
	c = f.findCoupon(t, "SAVE10")
	assert.Zero(t, c.UsedCount)
	assert.Empty(t, c.UsedBy)
	assert.True(t, c.TotalSales.IsZero())

	require.NoError(t, f.svc.RemoveCoupon(ctx, "u1"), "removing twice is a no-op")
}

func TestServiceApplyCouponRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("empty cart", func(t *testing.T) {
		f := newFixture(t)
		f.coupon(t, "SAVE10", 5, "0")
		require.ErrorIs(t, f.svc.ApplyCoupon(ctx, "u1", "SAVE10"), cart.ErrEmptyCart)
	})
	t.Run("unknown code", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.svc.AddItem(ctx, "u1", "p1", 1))
		err := f.svc.ApplyCoupon(ctx, "u1", "NOPE")
		require.ErrorIs(t, err, promotion.ErrInvalidPromotion)
		assert.EqualError(t, err, "invalid coupon code")
	})
	t.Run("minimum order", func(t *testing.T) {
		f := newFixture(t)
		f.coupon(t, "BIG", 5, "999")
		require.NoError(t, f.svc.AddItem(ctx, "u1", "p1", 2))
		err := f.svc.ApplyCoupon(ctx, "u1", "BIG")
		require.ErrorIs(t, err, promotion.ErrMinimumOrderNotMet)
		assert.Zero(t, f.findCoupon(t, "BIG").UsedCount)
	})
	t.Run("flash offer active", func(t *testing.T) {
		f := newFixture(t)
		f.coupon(t, "SAVE10", 5, "0")
		_, err := f.registry.StartFlashOffer(ctx, promotion.NewFlashOffer{DiscountPercent: d("90"), MaxDiscountAmount: d("50")})
		require.NoError(t, err)
		require.NoError(t, f.svc.AddItem(ctx, "u1", "p1", 2))

		err = f.svc.ApplyCoupon(ctx, "u1", "SAVE10")
		require.ErrorIs(t, err, promotion.ErrInvalidPromotion)
		assert.EqualError(t, err, "cannot apply coupon during active flash offer")

		view, err := f.svc.View(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, view.Breakdown.FlashDiscount.Equal(d("50")))
		assert.True(t, view.Breakdown.TotalPrice.Equal(d("450")))
	})
	t.Run("already used", func(t *testing.T) {
		f := newFixture(t)
		f.coupon(t, "SAVE10", 5, "0")
		require.NoError(t, f.store.Coupons().RedeemCoupon(ctx, promotion.Redemption{Code: "SAVE10", UserID: "u1", FinalAmount: d("1")}))
		require.NoError(t, f.svc.AddItem(ctx, "u1", "p1", 1))
		err := f.svc.ApplyCoupon(ctx, "u1", "SAVE10")
		assert.EqualError(t, err, "you have already used this coupon")
	})
}

func TestServiceCouponReleasedBelowMinimum(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.coupon(t, "MIN400", 5, "400")

	require.NoError(t, f.svc.AddItem(ctx, "u1", "p1", 2))
	require.NoError(t, f.svc.ApplyCoupon(ctx, "u1", "MIN400"))
	assert.Equal(t, 1, f.findCoupon(t, "MIN400").UsedCount)

	// 250 + 50 shipping drops below the minimum.
	require.NoError(t, f.svc.UpdateItem(ctx, "u1", "p1", 1))

	view, err := f.svc.View(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, view.Cart.Coupon)
	assert.True(t, view.Breakdown.TotalPrice.Equal(d("300")))

	c := f.findCoupon(t, "MIN400")
	assert.Zero(t, c.UsedCount)
	assert.True(t, c.TotalSales.IsZero())
}

func TestServiceClearReleasesPromotion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.registry.CreateReferral(ctx, promotion.NewReferral{Code: "FRIEND", AffiliateID: "aff"})
	require.NoError(t, err)

	require.NoError(t, f.svc.AddItem(ctx, "u1", "p1", 2))
	require.NoError(t, f.svc.ApplyReferral(ctx, "u1", "friend"))

	ref, err := f.registry.FindReferral(ctx, "FRIEND")
	require.NoError(t, err)
	assert.Equal(t, 1, ref.UsedCount)
	assert.True(t, ref.TotalSales.Equal(d("450")))

	require.NoError(t, f.svc.Clear(ctx, "u1"))

	view, err := f.svc.View(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, view.Cart.Empty())
	assert.Nil(t, view.Cart.Referral)
	assert.True(t, view.Breakdown.TotalPrice.IsZero())

	ref, err = f.registry.FindReferral(ctx, "FRIEND")
	require.NoError(t, err)
	assert.Zero(t, ref.UsedCount)
	assert.True(t, ref.TotalSales.IsZero())
}

func TestServiceItems(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.ErrorIs(t, f.svc.AddItem(ctx, "u1", "p1", 0), cart.ErrInvalidQuantity)
	require.ErrorIs(t, f.svc.AddItem(ctx, "u1", "nope", 1), product.ErrNotFound)
	require.ErrorIs(t, f.svc.AddItem(ctx, "u1", "p1", 11), product.ErrInsufficientStock)

	require.NoError(t, f.svc.AddItem(ctx, "u1", "p1", 4))
	require.NoError(t, f.svc.AddItem(ctx, "u1", "p1", 6))
	require.ErrorIs(t, f.svc.AddItem(ctx, "u1", "p1", 1), product.ErrInsufficientStock)

	require.ErrorIs(t, f.svc.UpdateItem(ctx, "u1", "p2", 1), cart.ErrItemNotFound)
	require.ErrorIs(t, f.svc.UpdateItem(ctx, "u1", "p1", 11), product.ErrInsufficientStock)
	require.NoError(t, f.svc.UpdateItem(ctx, "u1", "p1", 3))

	require.ErrorIs(t, f.svc.RemoveItem(ctx, "u1", "p2"), cart.ErrItemNotFound)

	view, err := f.svc.View(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []cart.Item{{ProductID: "p1", Quantity: 3}}, view.Cart.Items)
	assert.True(t, view.Breakdown.ItemsPrice.Equal(d("750")))

	require.NoError(t, f.svc.RemoveItem(ctx, "u1", "p1"))
	view, err = f.svc.View(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, view.Cart.Empty())
}

func TestServiceViewReconciles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.coupon(t, "SAVE10", 5, "0")

	require.NoError(t, f.svc.AddItem(ctx, "u1", "p2", 1))
	require.NoError(t, f.svc.ApplyCoupon(ctx, "u1", "SAVE10"))

	require.NoError(t, f.store.Products().Upsert(ctx, []product.Product{
		{ID: "p2", Name: "Sock", Price: d("99"), Stock: 0, IsActive: true},
	}))

	view, err := f.svc.View(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, view.Cart.Empty())
	assert.Equal(t, []string{"p2"}, view.Removed)
	assert.NotEmpty(t, view.Warning)
	assert.Nil(t, view.Cart.Coupon, "promotion dropped with the last item")
	assert.Zero(t, f.findCoupon(t, "SAVE10").UsedCount)

	view, err = f.svc.View(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, view.Removed, "reconciliation is persisted")
}

func TestServiceCheckout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.coupon(t, "SAVE10", 5, "0")

	_, err := f.svc.Checkout(ctx, "u1", pricing.PaymentUPI)
	require.ErrorIs(t, err, cart.ErrEmptyCart)

	require.NoError(t, f.svc.AddItem(ctx, "u1", "p1", 2))
	require.NoError(t, f.svc.ApplyCoupon(ctx, "u1", "SAVE10"))

	co, err := f.svc.Checkout(ctx, "u1", pricing.PaymentUPI)
	require.NoError(t, err)
	assert.Len(t, co.Lines, 1)
	assert.True(t, co.Breakdown.PrepaidDiscount.Equal(d("30")))
	assert.True(t, co.Breakdown.TotalPrice.Equal(d("420")))

	claim := co.Claim()
	require.NotNil(t, claim)
	assert.Equal(t, promotion.KindCoupon, claim.Kind)
	assert.Equal(t, "SAVE10", claim.Code)
	assert.True(t, claim.FinalAmount.Equal(d("450")))

	require.NoError(t, f.svc.ClearOrdered(ctx, "u1", claim))
	view, err := f.svc.View(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, view.Cart.Empty())
	assert.Equal(t, 1, f.findCoupon(t, "SAVE10").UsedCount, "ordered redemption stays recorded")
}

func TestServiceSingleUseCouponRace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.coupon(t, "ONCE", 1, "0")

	const users = 10
	for i := range users {
		require.NoError(t, f.svc.AddItem(ctx, fmt.Sprintf("u%d", i), "p1", 1))
	}

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.svc.ApplyCoupon(ctx, fmt.Sprintf("u%d", i), "ONCE"); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, successes.Load())
	c := f.findCoupon(t, "ONCE")
	assert.Equal(t, 1, c.UsedCount)
	assert.Len(t, c.UsedBy, 1)
}

func TestServiceClearOrderedClaims(t *testing.T) {
	ctx := context.Background()

	t.Run("released claim is redeemed again", func(t *testing.T) {
		f := newFixture(t)
		f.coupon(t, "SAVE10", 5, "0")
		_, err := f.registry.CreateReferral(ctx, promotion.NewReferral{Code: "FRIEND", AffiliateID: "aff"})
		require.NoError(t, err)

		require.NoError(t, f.svc.AddItem(ctx, "u1", "p1", 2))
		require.NoError(t, f.svc.ApplyCoupon(ctx, "u1", "SAVE10"))
		co, err := f.svc.Checkout(ctx, "u1", pricing.PaymentUPI)
		require.NoError(t, err)

		require.NoError(t, f.svc.RemoveCoupon(ctx, "u1"))
		require.NoError(t, f.svc.ApplyReferral(ctx, "u1", "FRIEND"))
		assert.Zero(t, f.findCoupon(t, "SAVE10").UsedCount)

		require.NoError(t, f.store.InTx(ctx, func(ctx context.Context) error {
			return f.svc.ClearOrdered(ctx, "u1", co.Claim())
		}))

		c := f.findCoupon(t, "SAVE10")
		assert.Equal(t, 1, c.UsedCount)
		assert.Equal(t, []string{"u1"}, c.UsedBy)
		assert.True(t, c.TotalSales.Equal(d("450")))

		ref, err := f.registry.FindReferral(ctx, "FRIEND")
		require.NoError(t, err)
		assert.Zero(t, ref.UsedCount, "promotion the order was not priced with is released")
		assert.True(t, ref.TotalSales.IsZero())

		stored, err := f.store.Carts().Get(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, stored.Empty())
		assert.Nil(t, stored.Referral)
	})

	t.Run("claim taken by another user", func(t *testing.T) {
		f := newFixture(t)
		f.coupon(t, "ONCE", 1, "0")

		require.NoError(t, f.svc.AddItem(ctx, "u1", "p1", 2))
		require.NoError(t, f.svc.ApplyCoupon(ctx, "u1", "ONCE"))
		co, err := f.svc.Checkout(ctx, "u1", pricing.PaymentCard)
		require.NoError(t, err)
		require.NoError(t, f.svc.RemoveCoupon(ctx, "u1"))

		require.NoError(t, f.svc.AddItem(ctx, "u2", "p1", 2))
		require.NoError(t, f.svc.ApplyCoupon(ctx, "u2", "ONCE"))

		err = f.store.InTx(ctx, func(ctx context.Context) error {
			return f.svc.ClearOrdered(ctx, "u1", co.Claim())
		})
		require.ErrorIs(t, err, promotion.ErrInvalidPromotion)

		c := f.findCoupon(t, "ONCE")
		assert.Equal(t, []string{"u2"}, c.UsedBy)
		stored, err := f.store.Carts().Get(ctx, "u1")
		require.NoError(t, err)
		assert.False(t, stored.Empty(), "cart kept when the order fails")
	})

	t.Run("no claim releases everything", func(t *testing.T) {
		f := newFixture(t)
		f.coupon(t, "SAVE10", 5, "0")
		require.NoError(t, f.svc.AddItem(ctx, "u1", "p1", 2))
		require.NoError(t, f.svc.ApplyCoupon(ctx, "u1", "SAVE10"))

		require.NoError(t, f.svc.ClearOrdered(ctx, "u1", nil))
		assert.Zero(t, f.findCoupon(t, "SAVE10").UsedCount)
	})
}

func TestServiceReferralRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.registry.CreateReferral(ctx, promotion.NewReferral{Code: "FRIEND", AffiliateID: "aff"})
	require.NoError(t, err)

	require.NoError(t, f.svc.AddItem(ctx, "u1", "p1", 2))
	require.NoError(t, f.svc.ApplyReferral(ctx, "u1", "friend"))

	view, err := f.svc.View(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, view.Cart.Referral)
	assert.True(t, view.Cart.Referral.FinalAmount.Equal(d("450")))
	assert.True(t, view.Breakdown.ReferralDiscount.Equal(d("50")))
	assert.Equal(t, promotion.KindReferral, view.Breakdown.Applied)

	// A price change after applying does not alter what is reversed.
	require.NoError(t, f.store.Products().Upsert(ctx, []product.Product{
		{ID: "p1", Name: "Shoe", Price: d("300"), DiscountPrice: d("200"), Stock: 10, IsActive: true},
	}))

	require.NoError(t, f.svc.RemoveReferral(ctx, "u1"))
	ref, err := f.registry.FindReferral(ctx, "FRIEND")
	require.NoError(t, err)
	assert.Zero(t, ref.UsedCount)
	assert.Empty(t, ref.UsedBy)
	assert.True(t, ref.TotalSales.IsZero())

	require.NoError(t, f.svc.RemoveReferral(ctx, "u1"), "removing twice is a no-op")
	view, err = f.svc.View(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, view.Cart.Referral)
	assert.True(t, view.Breakdown.TotalPrice.Equal(d("400")))
}

func TestServiceApplyReferralRejections(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		setup   func(t *testing.T, f *fixture)
		code    string
		wantErr error
		message string
	}{
		{
			name:    "empty cart",
			code:    "FRIEND",
			wantErr: cart.ErrEmptyCart,
		},
		{
			name: "unknown code",
			setup: func(t *testing.T, f *fixture) {
				require.NoError(t, f.svc.AddItem(ctx, "u1", "p1", 1))
			},
			code:    "NOPE",
			wantErr: promotion.ErrInvalidPromotion,
			message: "invalid referral code",
		},
		{
			name: "flash offer active",
			setup: func(t *testing.T, f *fixture) {
				_, err := f.registry.StartFlashOffer(ctx, promotion.NewFlashOffer{DiscountPercent: d("20")})
				require.NoError(t, err)
				require.NoError(t, f.svc.AddItem(ctx, "u1", "p1", 1))
			},
			code:    "FRIEND",
			wantErr: promotion.ErrInvalidPromotion,
			message: "cannot apply referral during active flash offer",
		},
		{
			name: "already used",
			setup: func(t *testing.T, f *fixture) {
				require.NoError(t, f.store.Referrals().RedeemReferral(ctx, promotion.Redemption{Code: "FRIEND", UserID: "u1", FinalAmount: d("10")}))
				require.NoError(t, f.svc.AddItem(ctx, "u1", "p1", 1))
			},
			code:    "friend",
			wantErr: promotion.ErrInvalidPromotion,
			message: "you have already used this referral code",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.registry.CreateReferral(ctx, promotion.NewReferral{Code: "FRIEND", AffiliateID: "aff"})
			require.NoError(t, err)
			if tt.setup != nil {
				tt.setup(t, f)
			}
			before, err := f.registry.FindReferral(ctx, "FRIEND")
			require.NoError(t, err)

			err = f.svc.ApplyReferral(ctx, "u1", tt.code)
			require.ErrorIs(t, err, tt.wantErr)
			if tt.message != "" {
				assert.EqualError(t, err, tt.message)
			}

			after, err := f.registry.FindReferral(ctx, "FRIEND")
			require.NoError(t, err)
			assert.Equal(t, before.UsedCount, after.UsedCount)
			assert.True(t, before.TotalSales.Equal(after.TotalSales))
		})
	}
}

func TestServiceHealsDualPromotion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.coupon(t, "SAVE10", 5, "0")
	_, err := f.registry.CreateReferral(ctx, promotion.NewReferral{Code: "FRIEND", AffiliateID: "aff"})
	require.NoError(t, err)

	require.NoError(t, f.svc.AddItem(ctx, "u1", "p1", 2))
	require.NoError(t, f.svc.ApplyCoupon(ctx, "u1", "SAVE10"))

	// Seed a cart that carries both, as written by an older release.
	require.NoError(t, f.store.Referrals().RedeemReferral(ctx, promotion.Redemption{Code: "FRIEND", UserID: "u1", FinalAmount: d("450")}))
	stored, err := f.store.Carts().Get(ctx, "u1")
	require.NoError(t, err)
	stored.Referral = &cart.AppliedPromotion{Code: "FRIEND", Discount: d("50"), FinalAmount: d("450")}
	require.NoError(t, f.store.Carts().Save(ctx, stored))

	view, err := f.svc.View(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, view.Cart.Coupon)
	assert.Nil(t, view.Cart.Referral)
	assert.True(t, view.Breakdown.TotalPrice.Equal(d("450")))
	assert.True(t, view.Breakdown.ReferralDiscount.IsZero())

	ref, err := f.registry.FindReferral(ctx, "FRIEND")
	require.NoError(t, err)
	assert.Zero(t, ref.UsedCount)
	assert.Empty(t, ref.UsedBy)
	assert.True(t, ref.TotalSales.IsZero())
	assert.Equal(t, 1, f.findCoupon(t, "SAVE10").UsedCount)

	stored, err = f.store.Carts().Get(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, stored.Referral, "healed cart is persisted")
}
