// Package cart holds the shopping cart aggregate and the service that keeps
// its items, promotions and the promotion ledger consistent.
package cart

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/shopcart/internal/domain/promotion"
)

var (
	// ErrNotFound is returned by repositories when the user has no cart.
	ErrNotFound = errors.New("cart not found")
	// ErrEmptyCart is returned when an operation needs at least one item.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrItemNotFound is returned when a product is not in the cart.
	ErrItemNotFound = errors.New("item not found in cart")
	// ErrInvalidQuantity is returned for quantities below one.
	ErrInvalidQuantity = errors.New("quantity must be at least 1")
	// ErrConflict is returned when the cart changed since it was loaded.
	ErrConflict = errors.New("cart was modified concurrently")
)

// Item is one cart line. Quantity is at least 1.
type Item struct {
	ProductID string
	Quantity  int
}

// AppliedPromotion is the state captured when a coupon or referral was
// applied. Reversing the ledger uses FinalAmount exactly as recorded.
type AppliedPromotion struct {
	Code          string
	Discount      decimal.Decimal
	FinalAmount   decimal.Decimal
	MinOrderValue decimal.Decimal
}

// Cart is a user's cart. At most one of Coupon and Referral is set, and
// neither is set on an empty cart.
type Cart struct {
	UserID    string
	Items     []Item
	Coupon    *AppliedPromotion
	Referral  *AppliedPromotion
	Version   int64
	UpdatedAt time.Time
}

// New returns an empty, unsaved cart for userID.
func New(userID string) *Cart {
	return &Cart{UserID: userID, Items: []Item{}}
}

// Empty reports whether the cart has no items.
func (c *Cart) Empty() bool {
	return len(c.Items) == 0
}

// Quantity returns the quantity of productID, or 0.
func (c *Cart) Quantity(productID string) int {
	for _, it := range c.Items {
		if it.ProductID == productID {
			return it.Quantity
		}
	}
	return 0
}

// SetQuantity sets the quantity of productID, appending a line if needed.
func (c *Cart) SetQuantity(productID string, qty int) {
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			c.Items[i].Quantity = qty
			return
		}
	}
	c.Items = append(c.Items, Item{ProductID: productID, Quantity: qty})
}

// Remove deletes productID and reports whether it was present.
func (c *Cart) Remove(productID string) bool {
	for i, it := range c.Items {
		if it.ProductID == productID {
			c.Items = append(c.Items[:i], c.Items[i+1:]...)
			return true
		}
	}
	return false
}

// ProductIDs returns the product ids of every line.
func (c *Cart) ProductIDs() []string {
	ids := make([]string, len(c.Items))
	for i, it := range c.Items {
		ids[i] = it.ProductID
	}
	return ids
}

// Applied returns the kind and snapshot of the applied promotion, if any.
func (c *Cart) Applied() (promotion.Kind, *AppliedPromotion) {
	switch {
	case c.Coupon != nil:
		return promotion.KindCoupon, c.Coupon
	case c.Referral != nil:
		return promotion.KindReferral, c.Referral
	}
	return promotion.KindNone, nil
}

// Repository persists carts. Save must reject a cart whose Version does not
// match the stored one with ErrConflict, and increments Version on success.
type Repository interface {
	Get(ctx context.Context, userID string) (*Cart, error)
	Save(ctx context.Context, c *Cart) error
}

// Transactor runs fn in a single storage transaction. Nested calls join the
// outer transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
