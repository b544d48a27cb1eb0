package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/shopcart/internal/domain/cart"
	"github.com/xenking/shopcart/internal/domain/order"
	"github.com/xenking/shopcart/internal/domain/pricing"
	"github.com/xenking/shopcart/internal/domain/promotion"
)

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	encode(e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

// Money is rendered as a fixed two-decimal string to avoid float rounding in
// clients.
func money(e *jx.Encoder, name string, v decimal.Decimal) {
	e.Field(name, func(e *jx.Encoder) { e.Str(v.StringFixed(2)) })
}

func str(e *jx.Encoder, name, v string) {
	e.Field(name, func(e *jx.Encoder) { e.Str(v) })
}

func optStr(e *jx.Encoder, name, v string) {
	if v != "" {
		str(e, name, v)
	}
}

func timestamp(e *jx.Encoder, name string, t time.Time) {
	e.Field(name, func(e *jx.Encoder) { e.Str(t.UTC().Format(time.RFC3339)) })
}

func optTimestamp(e *jx.Encoder, name string, t *time.Time) {
	if t != nil {
		timestamp(e, name, *t)
	}
}

func encodeBreakdown(e *jx.Encoder, b pricing.Breakdown) {
	e.Obj(func(e *jx.Encoder) {
		money(e, "itemsPrice", b.ItemsPrice)
		money(e, "shippingPrice", b.ShippingPrice)
		money(e, "couponDiscount", b.CouponDiscount)
		money(e, "referralDiscount", b.ReferralDiscount)
		money(e, "flashDiscount", b.FlashDiscount)
		e.Field("flashDiscountPercent", func(e *jx.Encoder) { e.Str(b.FlashDiscountPercent.String()) })
		money(e, "prepaidDiscount", b.PrepaidDiscount)
		money(e, "discount", b.Discount())
		money(e, "totalPrice", b.TotalPrice)
		e.Field("totalItems", func(e *jx.Encoder) { e.Int(b.TotalItems) })
		optStr(e, "appliedPromotion", string(b.Applied))
	})
}

func encodeApplied(e *jx.Encoder, name string, p *cart.AppliedPromotion) {
	if p == nil {
		return
	}
	e.Field(name, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			str(e, "code", p.Code)
			money(e, "discount", p.Discount)
			money(e, "finalAmount", p.FinalAmount)
		})
	})
}

func encodeFlash(e *jx.Encoder, o *promotion.FlashOffer) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("isActive", func(e *jx.Encoder) { e.Bool(o.IsActive) })
		e.Field("discountPercent", func(e *jx.Encoder) { e.Str(o.DiscountPercent.String()) })
		money(e, "maxDiscountAmount", o.MaxDiscountAmount)
		timestamp(e, "startedAt", o.StartedAt)
		timestamp(e, "expiresAt", o.ExpiresAt)
	})
}

func encodeCartView(e *jx.Encoder, v *cart.View) {
	e.Obj(func(e *jx.Encoder) {
		str(e, "userId", v.Cart.UserID)
		e.Field("items", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, it := range v.Cart.Items {
					p := v.Products[it.ProductID]
					e.Obj(func(e *jx.Encoder) {
						str(e, "productId", it.ProductID)
						str(e, "name", p.Name)
						e.Field("quantity", func(e *jx.Encoder) { e.Int(it.Quantity) })
						money(e, "price", p.Price)
						money(e, "unitPrice", p.EffectivePrice())
						money(e, "lineTotal", p.EffectivePrice().Mul(decimal.NewFromInt(int64(it.Quantity))))
						e.Field("stock", func(e *jx.Encoder) { e.Int(p.Stock) })
					})
				}
			})
		})
		encodeApplied(e, "coupon", v.Cart.Coupon)
		encodeApplied(e, "referral", v.Cart.Referral)
		if v.Flash != nil {
			e.Field("flashOffer", func(e *jx.Encoder) { encodeFlash(e, v.Flash) })
		}
		e.Field("breakdown", func(e *jx.Encoder) { encodeBreakdown(e, v.Breakdown) })
		if len(v.Removed) > 0 {
			e.Field("removed", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for _, id := range v.Removed {
						e.Str(id)
					}
				})
			})
		}
		optStr(e, "warning", v.Warning)
	})
}

func encodeItems(e *jx.Encoder, items []order.Item) {
	e.Arr(func(e *jx.Encoder) {
		for _, it := range items {
			e.Obj(func(e *jx.Encoder) {
				str(e, "productId", it.ProductID)
				e.Field("quantity", func(e *jx.Encoder) { e.Int(it.Quantity) })
				money(e, "priceAtPurchase", it.PriceAtPurchase)
			})
		}
	})
}

func encodeAddress(e *jx.Encoder, a order.Address) {
	e.Obj(func(e *jx.Encoder) {
		str(e, "name", a.Name)
		str(e, "phone", a.Phone)
		str(e, "street", a.Street)
		str(e, "city", a.City)
		str(e, "state", a.State)
		str(e, "postalCode", a.PostalCode)
		str(e, "country", a.Country)
	})
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.Obj(func(e *jx.Encoder) {
		str(e, "id", o.ID)
		str(e, "userId", o.UserID)
		e.Field("items", func(e *jx.Encoder) { encodeItems(e, o.Items) })
		e.Field("breakdown", func(e *jx.Encoder) { encodeBreakdown(e, o.Breakdown) })
		str(e, "paymentMode", string(o.PaymentMode))
		str(e, "paymentStatus", string(o.PaymentStatus))
		str(e, "status", string(o.Status))
		optStr(e, "couponCode", o.CouponCode)
		optStr(e, "referralCode", o.ReferralCode)
		optStr(e, "paymentRef", o.PaymentRef)
		e.Field("shippingAddress", func(e *jx.Encoder) { encodeAddress(e, o.ShippingAddress) })
		timestamp(e, "createdAt", o.CreatedAt)
		timestamp(e, "updatedAt", o.UpdatedAt)
		optTimestamp(e, "cancelledAt", o.CancelledAt)
		optTimestamp(e, "deliveredAt", o.DeliveredAt)
	})
}

func encodeOrders(e *jx.Encoder, orders []order.Order) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("orders", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for i := range orders {
					encodeOrder(e, &orders[i])
				}
			})
		})
	})
}

func encodeIntent(e *jx.Encoder, in *order.PaymentIntent) {
	e.Obj(func(e *jx.Encoder) {
		str(e, "intentId", in.ID)
		str(e, "paymentMode", string(in.Mode))
		e.Field("items", func(e *jx.Encoder) { encodeItems(e, in.Items) })
		e.Field("breakdown", func(e *jx.Encoder) { encodeBreakdown(e, in.Breakdown) })
		money(e, "amount", in.Breakdown.TotalPrice)
		optStr(e, "couponCode", in.CouponCode)
		optStr(e, "referralCode", in.ReferralCode)
		timestamp(e, "expiresAt", in.ExpiresAt)
	})
}

func encodeCoupon(e *jx.Encoder, c *promotion.Coupon) {
	e.Obj(func(e *jx.Encoder) {
		str(e, "code", c.Code)
		str(e, "discountType", string(c.DiscountType))
		e.Field("discountValue", func(e *jx.Encoder) { e.Str(c.DiscountValue.String()) })
		timestamp(e, "expiryDate", c.ExpiryDate)
		money(e, "minOrderValue", c.MinOrderValue)
		money(e, "maxDiscountAmount", c.MaxDiscountAmount)
		e.Field("usageLimit", func(e *jx.Encoder) { e.Int(c.UsageLimit) })
		e.Field("usedCount", func(e *jx.Encoder) { e.Int(c.UsedCount) })
		money(e, "totalSales", c.TotalSales)
		optStr(e, "createdBy", c.CreatedBy)
		timestamp(e, "createdAt", c.CreatedAt)
	})
}

func encodeReferral(e *jx.Encoder, r *promotion.Referral) {
	e.Obj(func(e *jx.Encoder) {
		str(e, "code", r.Code)
		str(e, "affiliateId", r.AffiliateID)
		e.Field("discountPercent", func(e *jx.Encoder) { e.Str(r.DiscountPercent.String()) })
		e.Field("usedCount", func(e *jx.Encoder) { e.Int(r.UsedCount) })
		money(e, "totalSales", r.TotalSales)
		timestamp(e, "createdAt", r.CreatedAt)
	})
}
