package promotion

import (
	"context"

	"github.com/go-faster/errors"
)

// Ledger records and reverses promotion usage. It relies on the repositories'
// conditional updates, so two racing redemptions of a single-use coupon
// cannot both succeed.
type Ledger struct {
	coupons   CouponRepository
	referrals ReferralRepository
}

// NewLedger returns a Ledger over the given repositories.
func NewLedger(coupons CouponRepository, referrals ReferralRepository) *Ledger {
	return &Ledger{coupons: coupons, referrals: referrals}
}

// Redeem records r against the coupon or referral selected by kind.
func (l *Ledger) Redeem(ctx context.Context, kind Kind, r Redemption) error {
	switch kind {
	case KindCoupon:
		err := l.coupons.RedeemCoupon(ctx, r)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrNotFound):
			return invalidFrom(r.Code, "invalid coupon code", err)
		case errors.Is(err, ErrUsageLimitReached):
			return invalidFrom(r.Code, "coupon usage limit reached", err)
		case errors.Is(err, ErrAlreadyRedeemed):
			return invalidFrom(r.Code, "you have already used this coupon", err)
		default:
			return errors.Wrap(err, "redeem coupon")
		}
	case KindReferral:
		err := l.referrals.RedeemReferral(ctx, r)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrNotFound):
			return invalidFrom(r.Code, "invalid referral code", err)
		case errors.Is(err, ErrAlreadyRedeemed):
			return invalidFrom(r.Code, "you have already used this referral code", err)
		default:
			return errors.Wrap(err, "redeem referral")
		}
	default:
		return errors.Errorf("promotion kind %q has no ledger", kind)
	}
}

// Reverse undoes r. It reports false, without error, when there was nothing
// to undo: the record is gone or the user is not among its users.
func (l *Ledger) Reverse(ctx context.Context, kind Kind, r Redemption) (bool, error) {
	var (
		reversed bool
		err      error
	)
	switch kind {
	case KindCoupon:
		reversed, err = l.coupons.ReverseCoupon(ctx, r)
	case KindReferral:
		reversed, err = l.referrals.ReverseReferral(ctx, r)
	default:
		return false, errors.Errorf("promotion kind %q has no ledger", kind)
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, errors.Wrapf(err, "reverse %s", kind)
	}
	return reversed, nil
}
