package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/shopcart/internal/domain/cart"
	"github.com/xenking/shopcart/internal/domain/pricing"
	"github.com/xenking/shopcart/internal/domain/product"
	"github.com/xenking/shopcart/internal/domain/promotion"
)

var (
	// ErrNotFound is returned when an order does not exist or belongs to
	// another user.
	ErrNotFound = errors.New("order not found")
	// ErrAlreadyExists is returned by Repository.Create for a duplicate id.
	ErrAlreadyExists = errors.New("order already exists")
	// ErrIntentNotFound is returned for unknown or expired payment intents.
	ErrIntentNotFound = errors.New("payment intent not found")
	// ErrNotCancellable is returned when cancelling a delivered, cancelled or
	// refunded order.
	ErrNotCancellable = errors.New("order cannot be cancelled")
	// ErrInvalidStatus is returned for unknown statuses and for changes to an
	// order in a terminal status.
	ErrInvalidStatus = errors.New("invalid order status")
	// ErrInvalidPaymentMode is returned for unknown payment modes.
	ErrInvalidPaymentMode = errors.New("invalid payment mode")
)

// Status is the fulfilment status of an order.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Terminal reports whether no further status change is allowed.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusRefunded
}

// PaymentStatus is the settlement status of an order.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentSuccess  PaymentStatus = "success"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// Item is an order line with the unit price frozen at placement.
type Item struct {
	ProductID       string          `json:"product_id"`
	Quantity        int             `json:"quantity"`
	PriceAtPurchase decimal.Decimal `json:"price_at_purchase"`
}

// Address is a shipping address.
type Address struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// Order is a placed order with its frozen price breakdown.
type Order struct {
	ID              string
	UserID          string
	Items           []Item
	Breakdown       pricing.Breakdown
	PaymentMode     pricing.PaymentMode
	PaymentStatus   PaymentStatus
	Status          Status
	CouponCode      string
	ReferralCode    string
	ShippingAddress Address
	PaymentRef      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CancelledAt     *time.Time
	DeliveredAt     *time.Time
}

// StockChanges returns the stock adjustments matching the order lines.
func (o *Order) StockChanges() []product.StockChange {
	changes := make([]product.StockChange, len(o.Items))
	for i, it := range o.Items {
		changes[i] = product.StockChange{ProductID: it.ProductID, Quantity: it.Quantity}
	}
	return changes
}

// PaymentIntent is a pending prepaid checkout. It is replayed verbatim when
// the payment is confirmed. PromotionAmount is the final amount the applied
// promotion was recorded with in the ledger.
type PaymentIntent struct {
	ID              string              `json:"id"`
	UserID          string              `json:"user_id"`
	Mode            pricing.PaymentMode `json:"mode"`
	Items           []Item              `json:"items"`
	Breakdown       pricing.Breakdown   `json:"breakdown"`
	CouponCode      string              `json:"coupon_code,omitempty"`
	ReferralCode    string              `json:"referral_code,omitempty"`
	PromotionAmount decimal.Decimal     `json:"promotion_amount"`
	ShippingAddress Address             `json:"shipping_address"`
	CreatedAt       time.Time           `json:"created_at"`
	ExpiresAt       time.Time           `json:"expires_at"`
}

func (in *PaymentIntent) claim() *cart.Claim {
	switch {
	case in.CouponCode != "":
		return &cart.Claim{Kind: promotion.KindCoupon, Code: in.CouponCode, FinalAmount: in.PromotionAmount}
	case in.ReferralCode != "":
		return &cart.Claim{Kind: promotion.KindReferral, Code: in.ReferralCode, FinalAmount: in.PromotionAmount}
	}
	return nil
}

// IntentExpiredError reports a confirmation that arrived after the intent's
// expiry.
type IntentExpiredError struct {
	ID        string
	ExpiresAt time.Time
}

func (e *IntentExpiredError) Error() string {
	return fmt.Sprintf("payment intent %s expired at %s", e.ID, e.ExpiresAt.Format(time.RFC3339))
}

// Is reports whether target is ErrIntentNotFound.
func (e *IntentExpiredError) Is(target error) bool {
	return target == ErrIntentNotFound
}

// Repository defines persistence operations for orders.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	ListByUser(ctx context.Context, userID string) ([]Order, error)
	ListAll(ctx context.Context) ([]Order, error)
	// UpdateStatus persists Status, PaymentStatus, PaymentRef and the
	// status timestamps of o.
	UpdateStatus(ctx context.Context, o *Order) error
}

// IntentStore keeps pending payment intents until they expire.
type IntentStore interface {
	// Save stores in and makes it the latest intent of its user.
	Save(ctx context.Context, in *PaymentIntent, ttl time.Duration) error
	Get(ctx context.Context, id string) (*PaymentIntent, error)
	// GetByUser returns the latest pending intent of userID.
	GetByUser(ctx context.Context, userID string) (*PaymentIntent, error)
	Delete(ctx context.Context, id string) error
}

// Transactor runs fn in a single storage transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
