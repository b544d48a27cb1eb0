// Package pricing computes cart totals: items, shipping, the single applicable
// promotional discount and the prepaid incentive.
package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/shopcart/internal/domain/promotion"
)

// PaymentMode is the payment method chosen at checkout.
type PaymentMode string

const (
	PaymentCOD        PaymentMode = "cod"
	PaymentPickup     PaymentMode = "pickup"
	PaymentCard       PaymentMode = "card"
	PaymentUPI        PaymentMode = "upi"
	PaymentNetbanking PaymentMode = "netbanking"
	PaymentOnline     PaymentMode = "online"
)

// Valid reports whether m is a known payment mode.
func (m PaymentMode) Valid() bool {
	switch m {
	case PaymentCOD, PaymentPickup, PaymentCard, PaymentUPI, PaymentNetbanking, PaymentOnline:
		return true
	}
	return false
}

// IsPrepaid reports whether m is settled online before fulfilment.
func (m PaymentMode) IsPrepaid() bool {
	switch m {
	case PaymentCard, PaymentUPI, PaymentNetbanking, PaymentOnline:
		return true
	}
	return false
}

// Config holds the pricing constants.
type Config struct {
	// FreeShippingThreshold is the items price above which shipping is free.
	FreeShippingThreshold decimal.Decimal
	FlatShippingFee       decimal.Decimal
	// PrepaidDiscount is subtracted from the total for prepaid payment modes.
	PrepaidDiscount decimal.Decimal
}

// DefaultConfig returns the production pricing constants.
func DefaultConfig() Config {
	return Config{
		FreeShippingThreshold: decimal.NewFromInt(297),
		FlatShippingFee:       decimal.NewFromInt(50),
		PrepaidDiscount:       decimal.NewFromInt(30),
	}
}

// Line is a resolved cart line: the effective unit price has already been
// selected from the product snapshot.
type Line struct {
	ProductID string
	UnitPrice decimal.Decimal
	Quantity  int
}

// Promotions carries the promotion state of a cart at pricing time. Coupon
// and referral discounts are the amounts stored when they were applied.
type Promotions struct {
	CouponCode       string
	CouponDiscount   decimal.Decimal
	ReferralCode     string
	ReferralDiscount decimal.Decimal
	Flash            *promotion.FlashOffer
}

// Breakdown is an itemized price. Only TotalPrice is rounded.
type Breakdown struct {
	ItemsPrice           decimal.Decimal
	ShippingPrice        decimal.Decimal
	CouponDiscount       decimal.Decimal
	ReferralDiscount     decimal.Decimal
	FlashDiscount        decimal.Decimal
	FlashDiscountPercent decimal.Decimal
	PrepaidDiscount      decimal.Decimal
	TotalPrice           decimal.Decimal
	TotalItems           int
	// Applied is the promotion that contributed a discount, if any.
	Applied promotion.Kind
}

// Discount returns the sum of every discount component.
func (b Breakdown) Discount() decimal.Decimal {
	return b.CouponDiscount.
		Add(b.ReferralDiscount).
		Add(b.FlashDiscount).
		Add(b.PrepaidDiscount)
}

// Engine prices carts. It holds no state besides its configuration.
type Engine struct {
	cfg Config
}

// NewEngine returns an Engine using cfg.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// TotalBeforeDiscount returns items price plus shipping, the basis that
// coupon and referral discounts are computed on.
func (e *Engine) TotalBeforeDiscount(lines []Line) decimal.Decimal {
	items := itemsPrice(lines)
	return items.Add(e.shipping(items, len(lines)))
}

// Price computes the breakdown for lines. At most one of coupon, referral and
// flash applies, in that order of precedence. The prepaid incentive applies
// on top for prepaid modes.
func (e *Engine) Price(lines []Line, promos Promotions, mode PaymentMode, now time.Time) Breakdown {
	b := Breakdown{
		ItemsPrice:           itemsPrice(lines),
		CouponDiscount:       decimal.Zero,
		ReferralDiscount:     decimal.Zero,
		FlashDiscount:        decimal.Zero,
		FlashDiscountPercent: decimal.Zero,
		PrepaidDiscount:      decimal.Zero,
	}
	for _, l := range lines {
		b.TotalItems += l.Quantity
	}
	b.ShippingPrice = e.shipping(b.ItemsPrice, len(lines))
	running := b.ItemsPrice.Add(b.ShippingPrice)

	switch {
	case promos.CouponCode != "":
		b.CouponDiscount = promos.CouponDiscount
		b.Applied = promotion.KindCoupon
	case promos.ReferralCode != "":
		b.ReferralDiscount = promos.ReferralDiscount
		b.Applied = promotion.KindReferral
	case promos.Flash.ActiveAt(now):
		b.FlashDiscount = promos.Flash.DiscountFor(running)
		b.FlashDiscountPercent = promos.Flash.DiscountPercent
		b.Applied = promotion.KindFlash
	}

	if mode.IsPrepaid() && len(lines) > 0 {
		b.PrepaidDiscount = e.cfg.PrepaidDiscount
	}

	total := running.Sub(b.Discount())
	if total.IsNegative() {
		total = decimal.Zero
	}
	b.TotalPrice = total.Round(2)
	return b
}

// shipping is free above the threshold and for an empty cart.
func (e *Engine) shipping(items decimal.Decimal, lines int) decimal.Decimal {
	if lines == 0 || items.GreaterThan(e.cfg.FreeShippingThreshold) {
		return decimal.Zero
	}
	return e.cfg.FlatShippingFee
}

func itemsPrice(lines []Line) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return total
}
