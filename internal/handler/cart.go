package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"
)

// ViewCart returns the reconciled and priced cart.
func (h *Handler) ViewCart(w http.ResponseWriter, r *http.Request) {
	h.respondCart(w, r, http.StatusOK)
}

// AddItem adds a product to the cart.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	h.mutateCart(w, r, func(ctx context.Context, userID string) error {
		return h.carts.AddItem(ctx, userID, req.ProductID, req.Quantity)
	})
}

// UpdateItem sets the quantity of a cart item.
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	var req updateItemRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	productID := chi.URLParam(r, "productID")
	h.mutateCart(w, r, func(ctx context.Context, userID string) error {
		return h.carts.UpdateItem(ctx, userID, productID, req.Quantity)
	})
}

// RemoveItem removes a product from the cart.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	h.mutateCart(w, r, func(ctx context.Context, userID string) error {
		return h.carts.RemoveItem(ctx, userID, productID)
	})
}

// ClearCart empties the cart.
func (h *Handler) ClearCart(w http.ResponseWriter, r *http.Request) {
	h.mutateCart(w, r, h.carts.Clear)
}

// ApplyCoupon applies a coupon code to the cart.
func (h *Handler) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	h.mutateCart(w, r, func(ctx context.Context, userID string) error {
		return h.carts.ApplyCoupon(ctx, userID, req.Code)
	})
}

// RemoveCoupon removes the applied coupon.
func (h *Handler) RemoveCoupon(w http.ResponseWriter, r *http.Request) {
	h.mutateCart(w, r, h.carts.RemoveCoupon)
}

// ApplyReferral applies a referral code to the cart.
func (h *Handler) ApplyReferral(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	h.mutateCart(w, r, func(ctx context.Context, userID string) error {
		return h.carts.ApplyReferral(ctx, userID, req.Code)
	})
}

// RemoveReferral removes the applied referral.
func (h *Handler) RemoveReferral(w http.ResponseWriter, r *http.Request) {
	h.mutateCart(w, r, h.carts.RemoveReferral)
}

// ActiveOffer returns the running flash offer, or {"active":false}.
func (h *Handler) ActiveOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := h.registry.ActiveFlashOffer(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("active", func(e *jx.Encoder) { e.Bool(offer != nil) })
			if offer != nil {
				e.Field("offer", func(e *jx.Encoder) { encodeFlash(e, offer) })
			}
		})
	})
}

// mutateCart runs fn for the current user and responds with the updated cart.
func (h *Handler) mutateCart(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, userID string) error) {
	if err := fn(r.Context(), userFrom(r.Context())); err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondCart(w, r, http.StatusOK)
}

func (h *Handler) respondCart(w http.ResponseWriter, r *http.Request, status int) {
	view, err := h.carts.View(r.Context(), userFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, status, func(e *jx.Encoder) { encodeCartView(e, view) })
}
