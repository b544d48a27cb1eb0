package promotion

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultFlashOfferDuration is used when neither the caller nor the
// configuration provides a duration.
const DefaultFlashOfferDuration = 15 * time.Minute

// DefaultReferralPercent applies when a referral is created without a percentage.
var DefaultReferralPercent = decimal.NewFromInt(10)

// NewCoupon is the administrator input for creating a coupon.
type NewCoupon struct {
	Code              string
	DiscountType      DiscountType
	DiscountValue     decimal.Decimal
	ExpiryDate        time.Time
	MinOrderValue     decimal.Decimal
	UsageLimit        int
	MaxDiscountAmount decimal.Decimal
	CreatedBy         string
}

// NewReferral is the administrator input for creating a referral code.
type NewReferral struct {
	Code            string
	AffiliateID     string
	DiscountPercent decimal.Decimal
}

// NewFlashOffer is the administrator input for starting the flash offer.
// A zero Duration selects the registry default.
type NewFlashOffer struct {
	DiscountPercent   decimal.Decimal
	MaxDiscountAmount decimal.Decimal
	Duration          time.Duration
}

// RegistryDeps wires a Registry.
type RegistryDeps struct {
	Coupons      CouponRepository
	Referrals    ReferralRepository
	FlashOffers  FlashOfferRepository
	FlashDefault time.Duration
	Now          func() time.Time
}

// Registry looks up and administers promotions.
type Registry struct {
	coupons      CouponRepository
	referrals    ReferralRepository
	offers       FlashOfferRepository
	flashDefault time.Duration
	now          func() time.Time
}

// NewRegistry builds a Registry, filling in defaults for the clock and
// the flash offer duration.
func NewRegistry(deps RegistryDeps) *Registry {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.FlashDefault <= 0 {
		deps.FlashDefault = DefaultFlashOfferDuration
	}
	return &Registry{
		coupons:      deps.Coupons,
		referrals:    deps.Referrals,
		offers:       deps.FlashOffers,
		flashDefault: deps.FlashDefault,
		now:          deps.Now,
	}
}

// FindCoupon returns the coupon for a user-supplied code.
func (r *Registry) FindCoupon(ctx context.Context, code string) (*Coupon, error) {
	return r.coupons.FindCoupon(ctx, NormalizeCode(code))
}

// FindReferral returns the referral for a user-supplied code.
func (r *Registry) FindReferral(ctx context.Context, code string) (*Referral, error) {
	return r.referrals.FindReferral(ctx, NormalizeCode(code))
}

// CreateCoupon validates and stores a new coupon.
func (r *Registry) CreateCoupon(ctx context.Context, in NewCoupon) (*Coupon, error) {
	c := &Coupon{
		Code:              NormalizeCode(in.Code),
		DiscountType:      in.DiscountType,
		DiscountValue:     in.DiscountValue,
		ExpiryDate:        in.ExpiryDate,
		MinOrderValue:     in.MinOrderValue,
		UsageLimit:        in.UsageLimit,
		MaxDiscountAmount: in.MaxDiscountAmount,
		UsedBy:            []string{},
		TotalSales:        decimal.Zero,
		CreatedBy:         in.CreatedBy,
		CreatedAt:         r.now(),
	}
	if c.UsageLimit == 0 {
		c.UsageLimit = 1
	}
	if err := r.validateCoupon(c); err != nil {
		return nil, err
	}
	if err := r.coupons.CreateCoupon(ctx, c); err != nil {
		return nil, errors.Wrap(err, "create coupon")
	}
	return c, nil
}

func (r *Registry) validateCoupon(c *Coupon) error {
	switch {
	case c.Code == "":
		return errors.Wrap(ErrInvalidDefinition, "code is required")
	case !c.DiscountType.Valid():
		return errors.Wrapf(ErrInvalidDefinition, "unknown discount type %q", c.DiscountType)
	case !c.DiscountValue.IsPositive():
		return errors.Wrap(ErrInvalidDefinition, "discount value must be positive")
	case c.DiscountType == DiscountPercentage && c.DiscountValue.GreaterThan(hundred):
		return errors.Wrap(ErrInvalidDefinition, "percentage cannot exceed 100")
	case c.UsageLimit < 1:
		return errors.Wrap(ErrInvalidDefinition, "usage limit must be at least 1")
	case c.MinOrderValue.IsNegative() || c.MaxDiscountAmount.IsNegative():
		return errors.Wrap(ErrInvalidDefinition, "amounts cannot be negative")
	case !c.ExpiryDate.After(r.now()):
		return errors.Wrap(ErrInvalidDefinition, "expiry date must be in the future")
	}
	return nil
}

// ListCoupons returns every coupon.
func (r *Registry) ListCoupons(ctx context.Context) ([]Coupon, error) {
	coupons, err := r.coupons.ListCoupons(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list coupons")
	}
	return coupons, nil
}

// DeleteCoupon removes a coupon by code.
func (r *Registry) DeleteCoupon(ctx context.Context, code string) error {
	return r.coupons.DeleteCoupon(ctx, NormalizeCode(code))
}

// CreateReferral validates and stores a new referral code.
func (r *Registry) CreateReferral(ctx context.Context, in NewReferral) (*Referral, error) {
	ref := &Referral{
		Code:            NormalizeCode(in.Code),
		AffiliateID:     in.AffiliateID,
		DiscountPercent: in.DiscountPercent,
		UsedBy:          []string{},
		TotalSales:      decimal.Zero,
		CreatedAt:       r.now(),
	}
	if ref.DiscountPercent.IsZero() {
		ref.DiscountPercent = DefaultReferralPercent
	}
	switch {
	case ref.Code == "":
		return nil, errors.Wrap(ErrInvalidDefinition, "code is required")
	case ref.AffiliateID == "":
		return nil, errors.Wrap(ErrInvalidDefinition, "affiliate is required")
	case !ref.DiscountPercent.IsPositive() || ref.DiscountPercent.GreaterThan(hundred):
		return nil, errors.Wrap(ErrInvalidDefinition, "discount percent must be within (0, 100]")
	}
	if err := r.referrals.CreateReferral(ctx, ref); err != nil {
		return nil, errors.Wrap(err, "create referral")
	}
	return ref, nil
}

// ListReferrals returns every referral code.
func (r *Registry) ListReferrals(ctx context.Context) ([]Referral, error) {
	refs, err := r.referrals.ListReferrals(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list referrals")
	}
	return refs, nil
}

// ReferralQuote is the result of validating a referral against a total.
type ReferralQuote struct {
	Code            string
	DiscountPercent decimal.Decimal
	Discount        decimal.Decimal
	FinalAmount     decimal.Decimal
}

// QuoteReferral validates a referral for userID and computes its discount on
// total without touching the ledger.
func (r *Registry) QuoteReferral(ctx context.Context, userID, code string, total decimal.Decimal) (*ReferralQuote, error) {
	code = NormalizeCode(code)
	ref, err := r.referrals.FindReferral(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, Invalid(code, "invalid referral code")
		}
		return nil, errors.Wrap(err, "find referral")
	}
	if ref.UsedByUser(userID) {
		return nil, Invalid(code, "you have already used this referral code")
	}
	discount := ref.DiscountFor(total)
	return &ReferralQuote{
		Code:            ref.Code,
		DiscountPercent: ref.DiscountPercent,
		Discount:        discount,
		FinalAmount:     FinalAmount(total, discount),
	}, nil
}

// StartFlashOffer replaces the flash offer singleton with a fresh active one.
func (r *Registry) StartFlashOffer(ctx context.Context, in NewFlashOffer) (*FlashOffer, error) {
	if !in.DiscountPercent.IsPositive() || in.DiscountPercent.GreaterThan(hundred) {
		return nil, errors.Wrap(ErrInvalidDefinition, "discount percent must be within (0, 100]")
	}
	if in.MaxDiscountAmount.IsNegative() {
		return nil, errors.Wrap(ErrInvalidDefinition, "max discount cannot be negative")
	}
	if in.Duration <= 0 {
		in.Duration = r.flashDefault
	}
	now := r.now()
	o := FlashOffer{
		IsActive:          true,
		DiscountPercent:   in.DiscountPercent,
		MaxDiscountAmount: in.MaxDiscountAmount,
		StartedAt:         now,
		ExpiresAt:         now.Add(in.Duration),
	}
	if err := r.offers.SaveFlashOffer(ctx, o); err != nil {
		return nil, errors.Wrap(err, "save flash offer")
	}
	return &o, nil
}

// ActiveFlashOffer returns the flash offer when it is active, or nil. An
// offer still flagged active past its expiry is deactivated in storage.
func (r *Registry) ActiveFlashOffer(ctx context.Context) (*FlashOffer, error) {
	o, err := r.offers.GetFlashOffer(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "get flash offer")
	}
	now := r.now()
	if o.ActiveAt(now) {
		return o, nil
	}
	if o.IsActive {
		if err := r.offers.DeactivateFlashOffer(ctx); err != nil {
			return nil, errors.Wrap(err, "deactivate expired flash offer")
		}
		zctx.From(ctx).Info("Flash offer expired",
			zap.Time("expires_at", o.ExpiresAt),
		)
	}
	return nil, nil
}

// StopFlashOffer deletes the flash offer singleton.
func (r *Registry) StopFlashOffer(ctx context.Context) error {
	if err := r.offers.DeleteFlashOffer(ctx); err != nil && !errors.Is(err, ErrNotFound) {
		return errors.Wrap(err, "delete flash offer")
	}
	return nil
}
