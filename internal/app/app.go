// Package app wires storage, services and the HTTP server together.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	"github.com/xenking/shopcart/internal/domain/auth"
	"github.com/xenking/shopcart/internal/domain/cart"
	"github.com/xenking/shopcart/internal/domain/order"
	"github.com/xenking/shopcart/internal/domain/pricing"
	"github.com/xenking/shopcart/internal/domain/promotion"
	"github.com/xenking/shopcart/internal/handler"
	"github.com/xenking/shopcart/pkg/health"
	"github.com/xenking/shopcart/pkg/httpmiddleware"
)

const serviceName = "shop-api"

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage),
	)

	b, err := openBackend(ctx, lg, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	h, err := newHandler(b, m, cfg)
	if err != nil {
		return err
	}

	healthSvc := health.New()
	for name, p := range b.pingers {
		healthSvc.AddReadinessCheck(name, 5*time.Second, health.PingCheck(name, p))
	}
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("gc-pause", time.Second, health.GCMaxPauseCheck(time.Second))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	router := chi.NewRouter()
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.Origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", handler.APIKeyHeader, httpmiddleware.UserIDHeader},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           86400,
	}))
	healthSvc.Routes(router)
	router.Group(func(r chi.Router) {
		r.Use(httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
			Max:    cfg.RateLimit.Max,
			Window: cfg.RateLimit.Window,
		}))
		h.Routes(r)
	})

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(router,
			httpmiddleware.Instrument(serviceName, m.TracerProvider(), m.MeterProvider()),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(lg),
			httpmiddleware.Recovery(),
			httpmiddleware.LogRequests(),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

func newHandler(b *backend, m *app.Telemetry, cfg *Config) (*handler.Handler, error) {
	pricingCfg, err := cfg.Pricing.Engine()
	if err != nil {
		return nil, errors.Wrap(err, "pricing config")
	}
	registry := promotion.NewRegistry(promotion.RegistryDeps{
		Coupons:      b.coupons,
		Referrals:    b.referrals,
		FlashOffers:  b.flashOffers,
		FlashDefault: cfg.FlashOffer.DefaultDuration,
	})
	carts, err := cart.NewService(cart.Deps{
		Carts:    b.carts,
		Products: b.products,
		Registry: registry,
		Ledger:   promotion.NewLedger(b.coupons, b.referrals),
		Engine:   pricing.NewEngine(pricingCfg),
		Tx:       b.tx,
		Meter:    m.MeterProvider().Meter(serviceName),
		Tracer:   m.TracerProvider().Tracer(serviceName),
	})
	if err != nil {
		return nil, errors.Wrap(err, "cart service")
	}
	orders := order.NewService(order.Deps{
		Orders:    b.orders,
		Intents:   b.intents,
		Products:  b.products,
		Carts:     carts,
		Tx:        b.tx,
		IntentTTL: cfg.Checkout.IntentTTL,
	})
	return handler.New(handler.Deps{
		Carts:    carts,
		Orders:   orders,
		Registry: registry,
		Auth:     auth.NewAuthenticator(b.apiKeys, []byte(cfg.APIKeyPepper)),
	}), nil
}
