package app

import (
	"context"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/shopcart/db"
	"github.com/xenking/shopcart/internal/domain/auth"
	"github.com/xenking/shopcart/internal/domain/cart"
	"github.com/xenking/shopcart/internal/domain/order"
	"github.com/xenking/shopcart/internal/domain/product"
	"github.com/xenking/shopcart/internal/domain/promotion"
	"github.com/xenking/shopcart/internal/storage/memory"
	"github.com/xenking/shopcart/internal/storage/postgres"
	"github.com/xenking/shopcart/internal/storage/redis"
	"github.com/xenking/shopcart/pkg/health"
)

// backend is the set of repositories the services run on.
type backend struct {
	products    product.Repository
	coupons     promotion.CouponRepository
	referrals   promotion.ReferralRepository
	flashOffers promotion.FlashOfferRepository
	carts       cart.Repository
	orders      order.Repository
	intents     order.IntentStore
	apiKeys     auth.Repository
	tx          cart.Transactor

	// pingers are registered as readiness checks.
	pingers map[string]health.Pinger
	closers []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackend(ctx context.Context, lg *zap.Logger, cfg *Config) (_ *backend, err error) {
	b := &backend{pingers: make(map[string]health.Pinger)}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	var mem *memory.Store
	switch cfg.Storage {
	case StorageMemory:
		mem = memory.New()
		products, err := db.ParseProducts(db.SeedProducts)
		if err != nil {
			return nil, errors.Wrap(err, "parse seed products")
		}
		if err := mem.Products().Upsert(ctx, products); err != nil {
			return nil, errors.Wrap(err, "seed products")
		}
		b.products = mem.Products()
		b.coupons = mem.Coupons()
		b.referrals = mem.Referrals()
		b.flashOffers = mem.FlashOffers()
		b.carts = mem.Carts()
		b.orders = mem.Orders()
		b.apiKeys = mem.APIKeys()
		b.tx = mem
		lg.Warn("Using in-memory storage, data is lost on restart",
			zap.Int("products", len(products)),
		)
	default:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "create db pool")
		}
		b.closers = append(b.closers, pool.Close)
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			return nil, errors.Wrap(err, "run migrations")
		}
		b.products = postgres.NewProductRepository(pool)
		b.coupons = postgres.NewCouponRepository(pool)
		b.referrals = postgres.NewReferralRepository(pool)
		b.flashOffers = postgres.NewFlashOfferRepository(pool)
		b.carts = postgres.NewCartRepository(pool)
		b.orders = postgres.NewOrderRepository(pool)
		b.apiKeys = postgres.NewAPIKeyRepository(pool)
		b.tx = postgres.NewTransactor(pool)
		b.pingers["postgres"] = pool
	}

	switch {
	case cfg.RedisURL != "":
		client, err := redis.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, errors.Wrap(err, "connect redis")
		}
		b.closers = append(b.closers, func() { _ = client.Close() })
		store := redis.NewIntentStore(client)
		b.intents = store
		b.pingers["redis"] = store
	case mem != nil:
		b.intents = mem.Intents()
	default:
		b.intents = memory.New().Intents()
		lg.Warn("No Redis configured, payment intents are kept in process")
	}
	return b, nil
}
