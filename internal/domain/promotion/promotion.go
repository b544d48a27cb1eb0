// Package promotion holds coupons, referral codes and the flash offer, the
// rules that select between them, and the usage ledger kept on each record.
package promotion

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies a promotional mechanism.
type Kind string

const (
	KindNone     Kind = ""
	KindCoupon   Kind = "coupon"
	KindReferral Kind = "referral"
	KindFlash    Kind = "flash"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes a percentage of the order total.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFlat takes a fixed amount, capped at the order total.
	DiscountFlat DiscountType = "flat"
)

// Valid reports whether t is a known discount type.
func (t DiscountType) Valid() bool {
	return t == DiscountPercentage || t == DiscountFlat
}

// Coupon is an administrator-issued, usage-limited code. Each user may
// redeem a coupon once; UsedCount always equals len(UsedBy).
type Coupon struct {
	Code              string
	DiscountType      DiscountType
	DiscountValue     decimal.Decimal
	ExpiryDate        time.Time
	MinOrderValue     decimal.Decimal
	UsageLimit        int
	MaxDiscountAmount decimal.Decimal
	UsedCount         int
	UsedBy            []string
	TotalSales        decimal.Decimal
	CreatedBy         string
	CreatedAt         time.Time
}

// Expired reports whether the coupon expiry date lies before now.
func (c *Coupon) Expired(now time.Time) bool {
	return c.ExpiryDate.Before(now)
}

// Exhausted reports whether the usage limit has been reached.
func (c *Coupon) Exhausted() bool {
	return c.UsedCount >= c.UsageLimit
}

// UsedByUser reports whether userID already redeemed the coupon.
func (c *Coupon) UsedByUser(userID string) bool {
	return containsUser(c.UsedBy, userID)
}

// Referral is an affiliate code granting a percentage discount, once per user.
type Referral struct {
	Code            string
	AffiliateID     string
	DiscountPercent decimal.Decimal
	UsedCount       int
	UsedBy          []string
	TotalSales      decimal.Decimal
	CreatedAt       time.Time
}

// UsedByUser reports whether userID already redeemed the referral.
func (r *Referral) UsedByUser(userID string) bool {
	return containsUser(r.UsedBy, userID)
}

// FlashOffer is the singleton time-boxed sale. Its stored IsActive flag is
// not trusted on its own: see ActiveAt.
type FlashOffer struct {
	IsActive          bool
	DiscountPercent   decimal.Decimal
	MaxDiscountAmount decimal.Decimal
	StartedAt         time.Time
	ExpiresAt         time.Time
}

// ActiveAt reports whether the offer applies at now. A nil offer is inactive.
func (o *FlashOffer) ActiveAt(now time.Time) bool {
	return o != nil && o.IsActive && o.ExpiresAt.After(now)
}

// Redemption is one ledger entry: who redeemed which code for how much net revenue.
type Redemption struct {
	Code        string
	UserID      string
	FinalAmount decimal.Decimal
	At          time.Time
}

// CouponRepository stores coupons. RedeemCoupon and ReverseCoupon must be
// atomic with respect to the usage-limit and used-by checks.
type CouponRepository interface {
	FindCoupon(ctx context.Context, code string) (*Coupon, error)
	CreateCoupon(ctx context.Context, c *Coupon) error
	ListCoupons(ctx context.Context) ([]Coupon, error)
	DeleteCoupon(ctx context.Context, code string) error
	// RedeemCoupon increments the usage counter, appends the user and adds the
	// final amount to total sales. It fails with ErrUsageLimitReached or
	// ErrAlreadyRedeemed without modifying the record.
	RedeemCoupon(ctx context.Context, r Redemption) error
	// ReverseCoupon undoes a redemption. It reports false when the user was
	// not recorded as a user of the coupon.
	ReverseCoupon(ctx context.Context, r Redemption) (bool, error)
}

// ReferralRepository stores referral codes with the same ledger primitives
// as CouponRepository, minus the usage limit.
type ReferralRepository interface {
	FindReferral(ctx context.Context, code string) (*Referral, error)
	CreateReferral(ctx context.Context, r *Referral) error
	ListReferrals(ctx context.Context) ([]Referral, error)
	RedeemReferral(ctx context.Context, r Redemption) error
	ReverseReferral(ctx context.Context, r Redemption) (bool, error)
}

// FlashOfferRepository stores the flash offer singleton. GetFlashOffer
// returns ErrNotFound when no row exists.
type FlashOfferRepository interface {
	GetFlashOffer(ctx context.Context) (*FlashOffer, error)
	SaveFlashOffer(ctx context.Context, o FlashOffer) error
	DeactivateFlashOffer(ctx context.Context) error
	DeleteFlashOffer(ctx context.Context) error
}

// NormalizeCode upper-cases and trims a user-supplied code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func containsUser(users []string, userID string) bool {
	for _, u := range users {
		if u == userID {
			return true
		}
	}
	return false
}
