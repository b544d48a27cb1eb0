package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/shopcart/db"
	"github.com/xenking/shopcart/internal/domain/auth"
	"github.com/xenking/shopcart/internal/domain/promotion"
	"github.com/xenking/shopcart/internal/storage/postgres"
)

func main() {
	var (
		databaseURL  string
		productsFile string
		apiKey       string
		apiKeyPepper string
		gatewayKey   string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&productsFile, "products-file", "", "path to products JSON file (embedded catalog when empty)")
	flag.StringVar(&apiKey, "api-key", "", "admin API key to seed (or SHOP_SEED_API_KEY env)")
	flag.StringVar(&gatewayKey, "gateway-key", "", "payment gateway API key to seed (or SHOP_SEED_GATEWAY_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or SHOP_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if apiKey == "" {
		apiKey = os.Getenv("SHOP_SEED_API_KEY")
	}
	if apiKey == "" {
		slog.Error("API key is required: set --api-key or SHOP_SEED_API_KEY")
		os.Exit(1)
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("SHOP_API_KEY_PEPPER")
	}
	if gatewayKey == "" {
		gatewayKey = os.Getenv("SHOP_SEED_GATEWAY_KEY")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, productsFile, apiKey, gatewayKey, apiKeyPepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, productsFile, apiKey, gatewayKey, pepper string) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedProducts(ctx, postgres.NewProductRepository(pool), productsFile); err != nil {
		return errors.Wrap(err, "seed products")
	}

	registry := promotion.NewRegistry(promotion.RegistryDeps{
		Coupons:     postgres.NewCouponRepository(pool),
		Referrals:   postgres.NewReferralRepository(pool),
		FlashOffers: postgres.NewFlashOfferRepository(pool),
	})
	if err := seedPromotions(ctx, registry); err != nil {
		return errors.Wrap(err, "seed promotions")
	}

	if err := seedAPIKeys(ctx, postgres.NewAPIKeyRepository(pool), apiKey, gatewayKey, pepper); err != nil {
		return errors.Wrap(err, "seed api key")
	}

	return nil
}

func seedProducts(ctx context.Context, repo *postgres.ProductRepository, productsFile string) error {
	data := db.SeedProducts
	if productsFile != "" {
		slog.Info("reading products file", slog.String("path", productsFile))

		var err error
		if data, err = os.ReadFile(productsFile); err != nil {
			return errors.Wrap(err, "read products file")
		}
	}

	products, err := db.ParseProducts(data)
	if err != nil {
		return err
	}

	slog.Info("upserting products", slog.Int("count", len(products)))

	if err := repo.Upsert(ctx, products); err != nil {
		return errors.Wrap(err, "upsert products")
	}
	return nil
}

func seedPromotions(ctx context.Context, registry *promotion.Registry) error {
	slog.Info("seeding sample promotions")

	expiry := time.Now().AddDate(1, 0, 0)
	coupons := []promotion.NewCoupon{
		{
			Code:          "WELCOME10",
			DiscountType:  promotion.DiscountPercentage,
			DiscountValue: decimal.NewFromInt(10),
			ExpiryDate:    expiry,
			UsageLimit:    1000,
			CreatedBy:     "seed",
		},
		{
			Code:              "FLAT100",
			DiscountType:      promotion.DiscountFlat,
			DiscountValue:     decimal.NewFromInt(100),
			ExpiryDate:        expiry,
			MinOrderValue:     decimal.NewFromInt(999),
			UsageLimit:        100,
			MaxDiscountAmount: decimal.NewFromInt(100),
			CreatedBy:         "seed",
		},
	}

	for _, in := range coupons {
		c, err := registry.CreateCoupon(ctx, in)
		if errors.Is(err, promotion.ErrAlreadyExists) {
			slog.Info("coupon exists", slog.String("code", in.Code))
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "create coupon %s", in.Code)
		}

		slog.Info("created coupon", slog.String("code", c.Code), slog.String("type", string(c.DiscountType)))
	}

	ref, err := registry.CreateReferral(ctx, promotion.NewReferral{
		Code:            "FRIEND5",
		AffiliateID:     "affiliate-demo",
		DiscountPercent: decimal.NewFromInt(5),
	})
	switch {
	case errors.Is(err, promotion.ErrAlreadyExists):
		slog.Info("referral exists", slog.String("code", "FRIEND5"))
	case err != nil:
		return errors.Wrap(err, "create referral")
	default:
		slog.Info("created referral", slog.String("code", ref.Code), slog.String("affiliate", ref.AffiliateID))
	}

	return nil
}

func seedAPIKeys(ctx context.Context, repo *postgres.APIKeyRepository, apiKey, gatewayKey, pepper string) error {
	slog.Info("seeding API keys")

	keys := []auth.APIKeyInfo{{
		ID:      "default",
		KeyHash: auth.HashKey([]byte(pepper), apiKey),
		Name:    "Default admin key",
		Scopes:  []string{auth.ScopeAdmin},
	}}
	if gatewayKey != "" {
		keys = append(keys, auth.APIKeyInfo{
			ID:      "gateway",
			KeyHash: auth.HashKey([]byte(pepper), gatewayKey),
			Name:    "Payment gateway",
			Scopes:  []string{auth.ScopePayments},
		})
	}
	for _, k := range keys {
		if err := repo.Upsert(ctx, k); err != nil {
			return errors.Wrapf(err, "upsert API key %q", k.ID)
		}
		slog.Info("upserted API key", slog.String("id", k.ID), slog.String("name", k.Name))
	}

	return nil
}
