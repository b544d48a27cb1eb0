// Package handler exposes the cart, promotion and order services over HTTP.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/shopcart/internal/domain/auth"
	"github.com/xenking/shopcart/internal/domain/cart"
	"github.com/xenking/shopcart/internal/domain/order"
	"github.com/xenking/shopcart/internal/domain/promotion"
	"github.com/xenking/shopcart/pkg/httpmiddleware"
)

// APIKeyHeader carries the administrator API key.
const APIKeyHeader = "api_key"

// Deps wires a Handler.
type Deps struct {
	Carts    *cart.Service
	Orders   *order.Service
	Registry *promotion.Registry
	Auth     *auth.Authenticator
}

// Handler serves the shop API.
type Handler struct {
	carts    *cart.Service
	orders   *order.Service
	registry *promotion.Registry
	auth     *auth.Authenticator
}

// New returns a Handler.
func New(deps Deps) *Handler {
	return &Handler{
		carts:    deps.Carts,
		orders:   deps.Orders,
		registry: deps.Registry,
		auth:     deps.Auth,
	}
}

// Routes mounts every API route under /api on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/offer", h.ActiveOffer)

		r.Group(func(r chi.Router) {
			r.Use(h.requireUser)

			r.Route("/cart", func(r chi.Router) {
				r.Get("/", h.ViewCart)
				r.Delete("/", h.ClearCart)
				r.Post("/items", h.AddItem)
				r.Patch("/items/{productID}", h.UpdateItem)
				r.Delete("/items/{productID}", h.RemoveItem)
				r.Post("/coupon", h.ApplyCoupon)
				r.Delete("/coupon", h.RemoveCoupon)
				r.Post("/referral", h.ApplyReferral)
				r.Delete("/referral", h.RemoveReferral)
			})
			r.Route("/orders", func(r chi.Router) {
				r.Post("/", h.PlaceOrder)
				r.Get("/", h.ListOrders)
				r.Get("/{orderID}", h.GetOrder)
				r.Post("/{orderID}/cancel", h.CancelOrder)
			})
			r.Post("/referrals/quote", h.QuoteReferral)
		})

		// Payment gateway callbacks.
		r.Route("/payments/{intentID}", func(r chi.Router) {
			r.Use(h.requireAPIKey(auth.ScopePayments))

			r.Post("/confirm", h.ConfirmPayment)
			r.Post("/fail", h.FailPayment)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.requireAPIKey(auth.ScopeAdmin))

			r.Post("/coupons", h.CreateCoupon)
			r.Get("/coupons", h.ListCoupons)
			r.Delete("/coupons/{code}", h.DeleteCoupon)
			r.Post("/referrals", h.CreateReferral)
			r.Get("/referrals", h.ListReferrals)
			r.Post("/offer", h.StartOffer)
			r.Delete("/offer", h.StopOffer)
			r.Get("/orders", h.ListAllOrders)
			r.Patch("/orders/{orderID}/status", h.UpdateOrderStatus)
		})
	})
}

type userIDKey struct{}

func userFrom(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}

// requireUser trusts the user ID set by the upstream auth gateway.
func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(httpmiddleware.UserIDHeader)
		if id == "" {
			writeMessage(w, http.StatusUnauthorized, "missing "+httpmiddleware.UserIDHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey{}, id)))
	})
}

func (h *Handler) requireAPIKey(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := h.auth.Authenticate(r.Context(), r.Header.Get(APIKeyHeader), scope); err != nil {
				h.fail(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
