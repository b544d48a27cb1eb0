//go:build integration

package postgres

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/shopcart/internal/domain/auth"
	"github.com/xenking/shopcart/internal/domain/cart"
	"github.com/xenking/shopcart/internal/domain/order"
	"github.com/xenking/shopcart/internal/domain/pricing"
	"github.com/xenking/shopcart/internal/domain/product"
	"github.com/xenking/shopcart/internal/domain/promotion"
	"github.com/xenking/shopcart/internal/storage/memory"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "shop",
				"POSTGRES_PASSWORD": "shop",
				"POSTGRES_DB":       "shop",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := pg.Terminate(context.Background()); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	host, err := pg.Host(ctx)
	if err != nil {
		log.Fatalf("host: %v", err)
	}
	port, err := pg.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Fatalf("mapped port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://shop:shop@%s:%s/shop?sslmode=disable", host, port.Port())
	if testPool, err = NewPool(ctx, dsn); err != nil {
		log.Fatalf("pool: %v", err)
	}
	defer testPool.Close()

	if err := RunMigrations(ctx, testPool); err != nil {
		log.Fatalf("migrations: %v", err)
	}
	return m.Run()
}

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func truncate(t *testing.T) {
	t.Helper()
	_, err := testPool.Exec(context.Background(),
		`TRUNCATE products, coupons, referrals, flash_offers, carts, orders, api_keys`)
	require.NoError(t, err)
}

type services struct {
	registry *promotion.Registry
	carts    *cart.Service
	orders   *order.Service
	products *ProductRepository
}

func newServices(t *testing.T) *services {
	t.Helper()
	truncate(t)
	ctx := context.Background()

	products := NewProductRepository(testPool)
	require.NoError(t, products.Upsert(ctx, []product.Product{
		{ID: "p1", Name: "Shoe", Price: d("300"), DiscountPrice: d("250"), Stock: 10, IsActive: true},
		{ID: "p2", Name: "Sock", Price: d("99"), Stock: 1, IsActive: true},
	}))

	coupons := NewCouponRepository(testPool)
	referrals := NewReferralRepository(testPool)
	registry := promotion.NewRegistry(promotion.RegistryDeps{
		Coupons:     coupons,
		Referrals:   referrals,
		FlashOffers: NewFlashOfferRepository(testPool),
	})
	tx := NewTransactor(testPool)
	carts, err := cart.NewService(cart.Deps{
		Carts:    NewCartRepository(testPool),
		Products: products,
		Registry: registry,
		Ledger:   promotion.NewLedger(coupons, referrals),
		Engine:   pricing.NewEngine(pricing.DefaultConfig()),
		Tx:       tx,
	})
	require.NoError(t, err)

	orders := order.NewService(order.Deps{
		Orders:   NewOrderRepository(testPool),
		Intents:  memory.New().Intents(),
		Products: products,
		Carts:    carts,
		Tx:       tx,
	})
	return &services{registry: registry, carts: carts, orders: orders, products: products}
}

func TestCouponCheckout(t *testing.T) {
	ctx := context.Background()
	s := newServices(t)

	_, err := s.registry.CreateCoupon(ctx, promotion.NewCoupon{
		Code: "SAVE10", DiscountType: promotion.DiscountPercentage, DiscountValue: d("10"),
		ExpiryDate: time.Now().Add(time.Hour), UsageLimit: 5,
	})
	require.NoError(t, err)
	_, err = s.registry.CreateCoupon(ctx, promotion.NewCoupon{
		Code: "save10", DiscountType: promotion.DiscountFlat, DiscountValue: d("1"),
		ExpiryDate: time.Now().Add(time.Hour),
	})
	require.ErrorIs(t, err, promotion.ErrAlreadyExists)

	require.NoError(t, s.carts.AddItem(ctx, "u1", "p1", 2))
	require.NoError(t, s.carts.ApplyCoupon(ctx, "u1", "SAVE10"))

	view, err := s.carts.View(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, view.Cart.Coupon)
	assert.True(t, view.Breakdown.TotalPrice.Equal(d("450")))

	c, err := s.registry.FindCoupon(ctx, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, c.UsedBy)
	assert.True(t, c.TotalSales.Equal(d("450")))

	res, err := s.orders.PlaceOrder(ctx, order.PlaceOrderRequest{
		UserID: "u1", PaymentMode: pricing.PaymentCOD,
		ShippingAddress: order.Address{Name: "Asha", City: "Pune"},
	})
	require.NoError(t, err)

	got, err := s.orders.GetOrder(ctx, "u1", res.Order.ID)
	require.NoError(t, err)
	assert.True(t, got.Breakdown.TotalPrice.Equal(d("450")))
	assert.Equal(t, promotion.KindCoupon, got.Breakdown.Applied)
	assert.Equal(t, "India", got.ShippingAddress.Country)
	require.Len(t, got.Items, 1)
	assert.True(t, got.Items[0].PriceAtPurchase.Equal(d("250")))

	p, err := s.products.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 8, p.Stock)

	_, err = s.orders.CancelOrder(ctx, "u1", res.Order.ID)
	require.NoError(t, err)
	p, err = s.products.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 10, p.Stock)
}

func TestLedgerRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newServices(t)
	_, err := s.registry.CreateReferral(ctx, promotion.NewReferral{Code: "FRIEND", AffiliateID: "aff"})
	require.NoError(t, err)

	require.NoError(t, s.carts.AddItem(ctx, "u1", "p1", 2))
	require.NoError(t, s.carts.ApplyReferral(ctx, "u1", "FRIEND"))
	require.NoError(t, s.carts.RemoveReferral(ctx, "u1"))

	ref, err := s.registry.FindReferral(ctx, "FRIEND")
	require.NoError(t, err)
	assert.Zero(t, ref.UsedCount)
	assert.Empty(t, ref.UsedBy)
	assert.True(t, ref.TotalSales.IsZero())
}

func TestSingleUseCouponRace(t *testing.T) {
	ctx := context.Background()
	s := newServices(t)
	_, err := s.registry.CreateCoupon(ctx, promotion.NewCoupon{
		Code: "ONCE", DiscountType: promotion.DiscountFlat, DiscountValue: d("10"),
		ExpiryDate: time.Now().Add(time.Hour), UsageLimit: 1,
	})
	require.NoError(t, err)

	const users = 8
	for i := range users {
		require.NoError(t, s.carts.AddItem(ctx, fmt.Sprintf("u%d", i), "p1", 1))
	}

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.carts.ApplyCoupon(ctx, fmt.Sprintf("u%d", i), "ONCE"); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, successes.Load())
	c, err := s.registry.FindCoupon(ctx, "ONCE")
	require.NoError(t, err)
	assert.Equal(t, 1, c.UsedCount)
	assert.Len(t, c.UsedBy, 1)
}

func TestDecrementStockAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := newServices(t)

	err := s.products.DecrementStock(ctx, []product.StockChange{
		{ProductID: "p1", Quantity: 2},
		{ProductID: "p2", Quantity: 2},
	})
	require.ErrorIs(t, err, product.ErrInsufficientStock)

	got, err := s.products.GetByIDs(ctx, []string{"p1", "p2"})
	require.NoError(t, err)
	stock := map[string]int{}
	for _, p := range got {
		stock[p.ID] = p.Stock
	}
	assert.Equal(t, map[string]int{"p1": 10, "p2": 1}, stock)
}

func TestCartVersionConflict(t *testing.T) {
	ctx := context.Background()
	truncate(t)
	carts := NewCartRepository(testPool)

	c := cart.New("u1")
	require.NoError(t, carts.Save(ctx, c))
	require.ErrorIs(t, carts.Save(ctx, cart.New("u1")), cart.ErrConflict)

	a, err := carts.Get(ctx, "u1")
	require.NoError(t, err)
	b, err := carts.Get(ctx, "u1")
	require.NoError(t, err)

	a.SetQuantity("p1", 1)
	require.NoError(t, carts.Save(ctx, a))
	b.SetQuantity("p1", 5)
	require.ErrorIs(t, carts.Save(ctx, b), cart.ErrConflict)
}

func TestAPIKeys(t *testing.T) {
	ctx := context.Background()
	truncate(t)
	keys := NewAPIKeyRepository(testPool)
	pepper := []byte("pepper")

	require.NoError(t, keys.Upsert(ctx, auth.APIKeyInfo{
		ID: "default", KeyHash: auth.HashKey(pepper, "secret"), Name: "admin", Scopes: []string{auth.ScopeAdmin},
	}))

	info, err := auth.NewAuthenticator(keys, pepper).Authenticate(ctx, "secret", auth.ScopeAdmin)
	require.NoError(t, err)
	assert.Equal(t, "default", info.ID)

	_, err = keys.FindByHash(ctx, "missing")
	require.ErrorIs(t, err, auth.ErrNotFound)
}

func TestFlashOfferSingleton(t *testing.T) {
	ctx := context.Background()
	s := newServices(t)

	_, err := s.registry.StartFlashOffer(ctx, promotion.NewFlashOffer{DiscountPercent: d("20"), Duration: time.Minute})
	require.NoError(t, err)
	_, err = s.registry.StartFlashOffer(ctx, promotion.NewFlashOffer{DiscountPercent: d("90"), MaxDiscountAmount: d("50")})
	require.NoError(t, err)

	active, err := s.registry.ActiveFlashOffer(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.True(t, active.DiscountPercent.Equal(d("90")))

	require.NoError(t, s.registry.StopFlashOffer(ctx))
	active, err = s.registry.ActiveFlashOffer(ctx)
	require.NoError(t, err)
	assert.Nil(t, active)
}
