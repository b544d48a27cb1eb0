package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/shopcart/internal/domain/cart"
	"github.com/xenking/shopcart/internal/domain/pricing"
	"github.com/xenking/shopcart/internal/domain/product"
	"github.com/xenking/shopcart/internal/domain/promotion"
)

// DefaultIntentTTL bounds how long a prepaid checkout waits for payment.
const DefaultIntentTTL = 30 * time.Minute

// PlaceOrderRequest holds the input for placing an order from a cart.
type PlaceOrderRequest struct {
	UserID          string
	PaymentMode     pricing.PaymentMode
	ShippingAddress Address
}

// PlaceOrderResult holds either the created order (deferred payment) or the
// pending payment intent (prepaid).
type PlaceOrderResult struct {
	Order  *Order
	Intent *PaymentIntent
}

// Deps wires a Service.
type Deps struct {
	Orders    Repository
	Intents   IntentStore
	Products  product.Repository
	Carts     *cart.Service
	Tx        Transactor
	IntentTTL time.Duration
	Now       func() time.Time
	NewID     func() string
}

// Service encapsulates order placement and lifecycle.
type Service struct {
	orders    Repository
	intents   IntentStore
	products  product.Repository
	carts     *cart.Service
	tx        Transactor
	intentTTL time.Duration
	now       func() time.Time
	newID     func() string
}

// NewService creates an order Service.
func NewService(deps Deps) *Service {
	if deps.IntentTTL <= 0 {
		deps.IntentTTL = DefaultIntentTTL
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	return &Service{
		orders:    deps.Orders,
		intents:   deps.Intents,
		products:  deps.Products,
		carts:     deps.Carts,
		tx:        deps.Tx,
		intentTTL: deps.IntentTTL,
		now:       deps.Now,
		newID:     deps.NewID,
	}
}

// PlaceOrder reconciles and prices the user's cart against current state.
// Deferred payment modes create the order, decrement stock and clear the
// cart atomically. Prepaid modes store a payment intent instead.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	if !req.PaymentMode.Valid() {
		return nil, ErrInvalidPaymentMode
	}
	if req.ShippingAddress.Country == "" {
		req.ShippingAddress.Country = "India"
	}

	var res PlaceOrderResult
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		co, err := s.carts.Checkout(ctx, req.UserID, req.PaymentMode)
		if err != nil {
			return err
		}
		now := s.now()
		items := freeze(co.Lines)
		claim := co.Claim()
		couponCode, referralCode := claimCodes(claim)

		if req.PaymentMode.IsPrepaid() {
			if err := s.replacePendingIntent(ctx, req.UserID); err != nil {
				return err
			}
			in := &PaymentIntent{
				ID:              s.newID(),
				UserID:          req.UserID,
				Mode:            req.PaymentMode,
				Items:           items,
				Breakdown:       co.Breakdown,
				CouponCode:      couponCode,
				ReferralCode:    referralCode,
				ShippingAddress: req.ShippingAddress,
				CreatedAt:       now,
				ExpiresAt:       now.Add(s.intentTTL),
			}
			if claim != nil {
				in.PromotionAmount = claim.FinalAmount
			}
			if err := s.intents.Save(ctx, in, s.intentTTL); err != nil {
				return errors.Wrap(err, "save payment intent")
			}
			res.Intent = in
			return nil
		}

		o := &Order{
			ID:              s.newID(),
			UserID:          req.UserID,
			Items:           items,
			Breakdown:       co.Breakdown,
			PaymentMode:     req.PaymentMode,
			PaymentStatus:   PaymentPending,
			Status:          StatusPending,
			CouponCode:      couponCode,
			ReferralCode:    referralCode,
			ShippingAddress: req.ShippingAddress,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.finalize(ctx, o, claim); err != nil {
			return err
		}
		res.Order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	lg := zctx.From(ctx).With(zap.String("user_id", req.UserID))
	if res.Intent != nil {
		lg.Info("Payment intent created",
			zap.String("intent_id", res.Intent.ID),
			zap.String("total", res.Intent.Breakdown.TotalPrice.String()),
		)
	} else {
		lg.Info("Order placed",
			zap.String("order_id", res.Order.ID),
			zap.String("total", res.Order.Breakdown.TotalPrice.String()),
		)
	}
	return &res, nil
}

// ConfirmPayment turns a payment intent into an order. The order takes the
// intent id, so confirming twice returns the same order.
func (s *Service) ConfirmPayment(ctx context.Context, intentID, paymentRef string) (*Order, error) {
	in, err := s.intents.Get(ctx, intentID)
	if err != nil {
		if errors.Is(err, ErrIntentNotFound) {
			if o, getErr := s.orders.Get(ctx, intentID); getErr == nil {
				return o, nil
			}
		}
		return nil, err
	}
	now := s.now()
	if now.After(in.ExpiresAt) {
		if err := s.intents.Delete(ctx, in.ID); err != nil {
			return nil, errors.Wrap(err, "delete expired intent")
		}
		return nil, &IntentExpiredError{ID: in.ID, ExpiresAt: in.ExpiresAt}
	}

	o := &Order{
		ID:              in.ID,
		UserID:          in.UserID,
		Items:           in.Items,
		Breakdown:       in.Breakdown,
		PaymentMode:     in.Mode,
		PaymentStatus:   PaymentSuccess,
		Status:          StatusPending,
		CouponCode:      in.CouponCode,
		ReferralCode:    in.ReferralCode,
		ShippingAddress: in.ShippingAddress,
		PaymentRef:      paymentRef,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		return s.finalize(ctx, o, in.claim())
	})
	if errors.Is(err, ErrAlreadyExists) {
		existing, getErr := s.orders.Get(ctx, in.ID)
		if getErr != nil {
			return nil, errors.Wrap(getErr, "get confirmed order")
		}
		o, err = existing, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.intents.Delete(ctx, in.ID); err != nil {
		zctx.From(ctx).Warn("Failed to delete confirmed intent",
			zap.String("intent_id", in.ID),
			zap.Error(err),
		)
	}
	zctx.From(ctx).Info("Payment confirmed",
		zap.String("order_id", o.ID),
		zap.String("payment_ref", paymentRef),
	)
	return o, nil
}

// FailPayment discards a payment intent.
func (s *Service) FailPayment(ctx context.Context, intentID string) error {
	if _, err := s.intents.Get(ctx, intentID); err != nil {
		return err
	}
	if err := s.intents.Delete(ctx, intentID); err != nil {
		return errors.Wrap(err, "delete intent")
	}
	zctx.From(ctx).Info("Payment failed, intent discarded", zap.String("intent_id", intentID))
	return nil
}

// ListOrders returns the orders of userID, newest first.
func (s *Service) ListOrders(ctx context.Context, userID string) ([]Order, error) {
	orders, err := s.orders.ListByUser(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return orders, nil
}

// ListAllOrders returns every order, newest first.
func (s *Service) ListAllOrders(ctx context.Context) ([]Order, error) {
	orders, err := s.orders.ListAll(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list all orders")
	}
	return orders, nil
}

// GetOrder returns an order owned by userID.
func (s *Service) GetOrder(ctx context.Context, userID, id string) (*Order, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, ErrNotFound
	}
	return o, nil
}

// CancelOrder cancels an order owned by userID and restores its stock.
func (s *Service) CancelOrder(ctx context.Context, userID, id string) (*Order, error) {
	var o *Order
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if o, err = s.orders.Get(ctx, id); err != nil {
			return err
		}
		if o.UserID != userID {
			return ErrNotFound
		}
		if o.Status == StatusDelivered || o.Status.Terminal() {
			return ErrNotCancellable
		}
		return s.cancel(ctx, o)
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// UpdateStatus sets the status of any order. Cancelling restores stock.
func (s *Service) UpdateStatus(ctx context.Context, id string, status Status) (*Order, error) {
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}
	var o *Order
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if o, err = s.orders.Get(ctx, id); err != nil {
			return err
		}
		if o.Status == status {
			return nil
		}
		if o.Status.Terminal() {
			return errors.Wrapf(ErrInvalidStatus, "order is %s", o.Status)
		}
		if status == StatusCancelled {
			return s.cancel(ctx, o)
		}
		now := s.now()
		o.Status = status
		o.UpdatedAt = now
		if status == StatusDelivered {
			o.DeliveredAt = &now
		}
		if status == StatusRefunded {
			o.PaymentStatus = PaymentRefunded
		}
		if err := s.orders.UpdateStatus(ctx, o); err != nil {
			return errors.Wrap(err, "update order status")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Service) cancel(ctx context.Context, o *Order) error {
	now := s.now()
	o.Status = StatusCancelled
	o.CancelledAt = &now
	o.UpdatedAt = now
	if err := s.products.RestoreStock(ctx, o.StockChanges()); err != nil {
		return errors.Wrap(err, "restore stock")
	}
	if err := s.orders.UpdateStatus(ctx, o); err != nil {
		return errors.Wrap(err, "update order status")
	}
	zctx.From(ctx).Info("Order cancelled", zap.String("order_id", o.ID))
	return nil
}

// replacePendingIntent discards the user's earlier pending intent, so only
// the latest checkout can be confirmed.
func (s *Service) replacePendingIntent(ctx context.Context, userID string) error {
	prev, err := s.intents.GetByUser(ctx, userID)
	switch {
	case errors.Is(err, ErrIntentNotFound):
		return nil
	case err != nil:
		return errors.Wrap(err, "get pending intent")
	}
	if err := s.intents.Delete(ctx, prev.ID); err != nil {
		return errors.Wrap(err, "delete pending intent")
	}
	zctx.From(ctx).Info("Replaced pending payment intent",
		zap.String("user_id", userID),
		zap.String("intent_id", prev.ID),
	)
	return nil
}

// finalize decrements stock, creates the order and clears the cart, keeping
// the redemption of claim. It must run inside a transaction.
func (s *Service) finalize(ctx context.Context, o *Order, claim *cart.Claim) error {
	if err := s.products.DecrementStock(ctx, o.StockChanges()); err != nil {
		if errors.Is(err, product.ErrInsufficientStock) {
			return err
		}
		return errors.Wrap(err, "decrement stock")
	}
	if err := s.orders.Create(ctx, o); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return err
		}
		return errors.Wrap(err, "create order")
	}
	if err := s.carts.ClearOrdered(ctx, o.UserID, claim); err != nil {
		if errors.Is(err, promotion.ErrInvalidPromotion) {
			return err
		}
		return errors.Wrap(err, "clear cart")
	}
	return nil
}

func freeze(lines []pricing.Line) []Item {
	items := make([]Item, len(lines))
	for i, l := range lines {
		items[i] = Item{ProductID: l.ProductID, Quantity: l.Quantity, PriceAtPurchase: l.UnitPrice}
	}
	return items
}

func claimCodes(claim *cart.Claim) (coupon, referral string) {
	if claim == nil {
		return "", ""
	}
	if claim.Kind == promotion.KindReferral {
		return "", claim.Code
	}
	return claim.Code, ""
}
