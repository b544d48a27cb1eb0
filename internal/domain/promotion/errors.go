package promotion

import (
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned by repositories when no record matches a code.
	ErrNotFound = errors.New("promotion not found")
	// ErrAlreadyExists is returned when creating a code that is already taken.
	ErrAlreadyExists = errors.New("promotion code already exists")
	// ErrInvalidDefinition is returned for malformed administrator input.
	ErrInvalidDefinition = errors.New("invalid promotion definition")

	// ErrInvalidPromotion matches every *InvalidPromotionError.
	ErrInvalidPromotion = errors.New("invalid promotion")
	// ErrMinimumOrderNotMet matches every *MinimumOrderError.
	ErrMinimumOrderNotMet = errors.New("minimum order value not met")

	// ErrUsageLimitReached is returned by RedeemCoupon when the limit is hit.
	ErrUsageLimitReached = errors.New("usage limit reached")
	// ErrAlreadyRedeemed is returned by Redeem* when the user is already recorded.
	ErrAlreadyRedeemed = errors.New("already redeemed by user")
)

// InvalidPromotionError explains why a code cannot be applied to a cart.
type InvalidPromotionError struct {
	Code   string
	Reason string
	Err    error
}

func (e *InvalidPromotionError) Error() string {
	return e.Reason
}

// Is reports whether target is ErrInvalidPromotion.
func (e *InvalidPromotionError) Is(target error) bool {
	return target == ErrInvalidPromotion
}

func (e *InvalidPromotionError) Unwrap() error {
	return e.Err
}

// MinimumOrderError reports a cart total below a coupon's minimum order value.
type MinimumOrderError struct {
	Code     string
	Required decimal.Decimal
	Actual   decimal.Decimal
}

func (e *MinimumOrderError) Error() string {
	return fmt.Sprintf("minimum order value %s required", e.Required.StringFixed(2))
}

// Is reports whether target is ErrMinimumOrderNotMet.
func (e *MinimumOrderError) Is(target error) bool {
	return target == ErrMinimumOrderNotMet
}

// Invalid builds an *InvalidPromotionError.
func Invalid(code, reason string) error {
	return &InvalidPromotionError{Code: code, Reason: reason}
}

func invalidFrom(code, reason string, cause error) error {
	return &InvalidPromotionError{Code: code, Reason: reason, Err: cause}
}
