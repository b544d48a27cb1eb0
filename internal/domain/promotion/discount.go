package promotion

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// DiscountFor computes the coupon discount against basis, the cart total
// before any promotion. The result never exceeds basis.
func (c *Coupon) DiscountFor(basis decimal.Decimal) (decimal.Decimal, error) {
	var amount decimal.Decimal
	switch c.DiscountType {
	case DiscountPercentage:
		amount = percentOf(basis, c.DiscountValue)
		if c.MaxDiscountAmount.IsPositive() {
			amount = decimal.Min(amount, c.MaxDiscountAmount)
		}
	case DiscountFlat:
		amount = c.DiscountValue
	default:
		return decimal.Zero, errors.Errorf("unsupported discount type: %q", c.DiscountType)
	}
	return clamp(amount, basis), nil
}

// DiscountFor computes the referral discount against basis.
func (r *Referral) DiscountFor(basis decimal.Decimal) decimal.Decimal {
	return clamp(percentOf(basis, r.DiscountPercent), basis)
}

// DiscountFor computes the flash discount on a running total. A zero or
// unset maximum leaves the raw percentage uncapped.
func (o *FlashOffer) DiscountFor(runningTotal decimal.Decimal) decimal.Decimal {
	raw := percentOf(runningTotal, o.DiscountPercent)
	if o.MaxDiscountAmount.IsPositive() {
		raw = decimal.Min(raw, o.MaxDiscountAmount)
	}
	return floorAtZero(raw)
}

// FinalAmount is the net revenue credited to a promotion: basis minus
// discount, floored at zero.
func FinalAmount(basis, discount decimal.Decimal) decimal.Decimal {
	return floorAtZero(basis.Sub(discount))
}

func percentOf(v, percent decimal.Decimal) decimal.Decimal {
	return v.Mul(percent).Div(hundred)
}

func clamp(amount, basis decimal.Decimal) decimal.Decimal {
	amount = floorAtZero(amount)
	if amount.GreaterThan(basis) {
		return floorAtZero(basis)
	}
	return amount
}

func floorAtZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
