package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/shopcart/internal/domain/promotion"
)

// QuoteReferral previews a referral discount on a total without redeeming it.
func (h *Handler) QuoteReferral(w http.ResponseWriter, r *http.Request) {
	var req quoteReferralRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.Total.IsNegative() {
		h.fail(w, r, &validationError{msg: "validation failed", fields: map[string]string{"total": "must be at least 0"}})
		return
	}
	q, err := h.registry.QuoteReferral(r.Context(), userFrom(r.Context()), req.Code, req.Total)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			str(e, "code", q.Code)
			e.Field("discountPercent", func(e *jx.Encoder) { e.Str(q.DiscountPercent.String()) })
			money(e, "discount", q.Discount)
			money(e, "finalAmount", q.FinalAmount)
		})
	})
}

// CreateCoupon issues a coupon.
func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	var req createCouponRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.registry.CreateCoupon(r.Context(), promotion.NewCoupon{
		Code:              req.Code,
		DiscountType:      promotion.DiscountType(req.DiscountType),
		DiscountValue:     req.DiscountValue,
		ExpiryDate:        req.ExpiryDate,
		MinOrderValue:     req.MinOrderValue,
		UsageLimit:        req.UsageLimit,
		MaxDiscountAmount: req.MaxDiscountAmount,
		CreatedBy:         req.CreatedBy,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeCoupon(e, c) })
}

// ListCoupons returns every coupon with its usage.
func (h *Handler) ListCoupons(w http.ResponseWriter, r *http.Request) {
	coupons, err := h.registry.ListCoupons(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("coupons", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for i := range coupons {
						encodeCoupon(e, &coupons[i])
					}
				})
			})
		})
	})
}

// DeleteCoupon removes a coupon.
func (h *Handler) DeleteCoupon(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.DeleteCoupon(r.Context(), chi.URLParam(r, "code")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateReferral issues a referral code for an affiliate.
func (h *Handler) CreateReferral(w http.ResponseWriter, r *http.Request) {
	var req createReferralRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	ref, err := h.registry.CreateReferral(r.Context(), promotion.NewReferral{
		Code:            req.Code,
		AffiliateID:     req.AffiliateID,
		DiscountPercent: req.DiscountPercent,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeReferral(e, ref) })
}

// ListReferrals returns every referral code with its usage.
func (h *Handler) ListReferrals(w http.ResponseWriter, r *http.Request) {
	refs, err := h.registry.ListReferrals(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("referrals", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for i := range refs {
						encodeReferral(e, &refs[i])
					}
				})
			})
		})
	})
}

// StartOffer starts or restarts the flash offer.
func (h *Handler) StartOffer(w http.ResponseWriter, r *http.Request) {
	var req startOfferRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	o, err := h.registry.StartFlashOffer(r.Context(), promotion.NewFlashOffer{
		DiscountPercent:   req.DiscountPercent,
		MaxDiscountAmount: req.MaxDiscountAmount,
		Duration:          time.Duration(req.DurationMinutes) * time.Minute,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeFlash(e, o) })
}

// StopOffer ends the flash offer.
func (h *Handler) StopOffer(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.StopFlashOffer(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
