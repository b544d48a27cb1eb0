package cart

import (
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/shopcart/internal/domain/pricing"
	"github.com/xenking/shopcart/internal/domain/product"
	"github.com/xenking/shopcart/internal/domain/promotion"
)

// Deps wires a Service. Now, Meter and Tracer default to the wall clock and
// no-op telemetry.
type Deps struct {
	Carts    Repository
	Products product.Repository
	Registry *promotion.Registry
	Ledger   *promotion.Ledger
	Engine   *pricing.Engine
	Tx       Transactor
	Now      func() time.Time
	Meter    metric.Meter
	Tracer   trace.Tracer
}

// Service implements cart operations. Every mutation loads the cart,
// reconciles it against current products, validates the request and then
// writes the ledger and the cart in one transaction.
type Service struct {
	carts    Repository
	products product.Repository
	registry *promotion.Registry
	ledger   *promotion.Ledger
	engine   *pricing.Engine
	tx       Transactor
	now      func() time.Time
	tracer   trace.Tracer

	promotionEvents metric.Int64Counter
	pruned          metric.Int64Counter
}

// NewService creates a cart Service.
func NewService(deps Deps) (*Service, error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Meter == nil {
		deps.Meter = metricnoop.NewMeterProvider().Meter("cart")
	}
	if deps.Tracer == nil {
		deps.Tracer = tracenoop.NewTracerProvider().Tracer("cart")
	}
	s := &Service{
		carts:    deps.Carts,
		products: deps.Products,
		registry: deps.Registry,
		ledger:   deps.Ledger,
		engine:   deps.Engine,
		tx:       deps.Tx,
		now:      deps.Now,
		tracer:   deps.Tracer,
	}
	var err error
	if s.promotionEvents, err = deps.Meter.Int64Counter("cart.promotion.events",
		metric.WithDescription("Promotion apply, reject and release events"),
	); err != nil {
		return nil, errors.Wrap(err, "promotion events counter")
	}
	if s.pruned, err = deps.Meter.Int64Counter("cart.reconcile.pruned",
		metric.WithDescription("Cart lines removed or clamped by reconciliation"),
	); err != nil {
		return nil, errors.Wrap(err, "pruned counter")
	}
	return s, nil
}

// View is a reconciled, priced cart.
type View struct {
	Cart      *Cart
	Products  map[string]product.Product
	Breakdown pricing.Breakdown
	Flash     *promotion.FlashOffer
	Removed   []string
	Warning   string
}

// Checkout is a cart priced for a payment mode, ready to become an order.
type Checkout struct {
	Cart      *Cart
	Lines     []pricing.Line
	Breakdown pricing.Breakdown
}

type session struct {
	cart     *Cart
	products map[string]product.Product
	rec      Reconciliation
	dirty    bool
}

// View reconciles the cart, persisting any pruning, and prices it.
func (s *Service) View(ctx context.Context, userID string) (_ *View, err error) {
	ctx, span := s.tracer.Start(ctx, "cart.View")
	defer func() { finish(span, err) }()

	sess, err := s.mutate(ctx, userID, nil)
	if err != nil {
		return nil, err
	}
	flash, err := s.registry.ActiveFlashOffer(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "active flash offer")
	}
	lines := Lines(sess.cart.Items, sess.products)
	return &View{
		Cart:      sess.cart,
		Products:  sess.products,
		Breakdown: s.engine.Price(lines, promotionsOf(sess.cart, flash), "", s.now()),
		Flash:     flash,
		Removed:   sess.rec.Removed,
		Warning:   sess.rec.Warning(),
	}, nil
}

// AddItem adds qty of productID, creating the cart if needed.
func (s *Service) AddItem(ctx context.Context, userID, productID string, qty int) (err error) {
	ctx, span := s.tracer.Start(ctx, "cart.AddItem")
	defer func() { finish(span, err) }()

	if qty < 1 {
		return ErrInvalidQuantity
	}
	_, err = s.mutate(ctx, userID, func(ctx context.Context, sess *session) error {
		p, err := s.products.GetByID(ctx, productID)
		if err != nil {
			return err
		}
		if !p.Purchasable() {
			return product.ErrUnavailable
		}
		want := sess.cart.Quantity(productID) + qty
		if want > p.Stock {
			return &product.InsufficientStockError{ProductID: p.ID, Available: p.Stock, Requested: want}
		}
		sess.cart.SetQuantity(p.ID, want)
		sess.products[p.ID] = *p
		sess.dirty = true
		return nil
	})
	return err
}

// UpdateItem sets the quantity of a product already in the cart. A product
// that became unavailable is pruned and reported as product.ErrUnavailable.
func (s *Service) UpdateItem(ctx context.Context, userID, productID string, qty int) (err error) {
	ctx, span := s.tracer.Start(ctx, "cart.UpdateItem")
	defer func() { finish(span, err) }()

	if qty < 1 {
		return ErrInvalidQuantity
	}
	var unavailable bool
	_, err = s.mutate(ctx, userID, func(ctx context.Context, sess *session) error {
		if slices.Contains(sess.rec.Removed, productID) {
			unavailable = true
			return nil
		}
		if sess.cart.Quantity(productID) == 0 {
			return ErrItemNotFound
		}
		p := sess.products[productID]
		if qty > p.Stock {
			return &product.InsufficientStockError{ProductID: p.ID, Available: p.Stock, Requested: qty}
		}
		sess.cart.SetQuantity(productID, qty)
		sess.dirty = true
		return nil
	})
	if err != nil {
		return err
	}
	if unavailable {
		return product.ErrUnavailable
	}
	return nil
}

// RemoveItem removes productID from the cart.
func (s *Service) RemoveItem(ctx context.Context, userID, productID string) (err error) {
	ctx, span := s.tracer.Start(ctx, "cart.RemoveItem")
	defer func() { finish(span, err) }()

	_, err = s.mutate(ctx, userID, func(ctx context.Context, sess *session) error {
		if sess.cart.Remove(productID) {
			sess.dirty = true
			return nil
		}
		if slices.Contains(sess.rec.Removed, productID) {
			return nil
		}
		return ErrItemNotFound
	})
	return err
}

// Clear empties the cart and releases any applied promotion.
func (s *Service) Clear(ctx context.Context, userID string) (err error) {
	ctx, span := s.tracer.Start(ctx, "cart.Clear")
	defer func() { finish(span, err) }()

	_, err = s.mutate(ctx, userID, func(ctx context.Context, sess *session) error {
		if !sess.cart.Empty() {
			sess.cart.Items = []Item{}
			sess.dirty = true
		}
		return nil
	})
	return err
}

// ApplyCoupon validates code for the cart and records its usage.
func (s *Service) ApplyCoupon(ctx context.Context, userID, code string) (err error) {
	ctx, span := s.tracer.Start(ctx, "cart.ApplyCoupon")
	defer func() {
		s.recordApply(ctx, promotion.KindCoupon, err)
		finish(span, err)
	}()

	code = promotion.NormalizeCode(code)
	flash, err := s.registry.ActiveFlashOffer(ctx)
	if err != nil {
		return errors.Wrap(err, "active flash offer")
	}
	_, err = s.mutate(ctx, userID, func(ctx context.Context, sess *session) error {
		c, now := sess.cart, s.now()
		switch {
		case c.Empty():
			return ErrEmptyCart
		case c.Referral != nil:
			return promotion.Invalid(code, "remove referral before applying a coupon")
		case c.Coupon != nil:
			return promotion.Invalid(code, "a coupon is already applied")
		case flash.ActiveAt(now):
			return promotion.Invalid(code, "cannot apply coupon during active flash offer")
		}

		coupon, err := s.registry.FindCoupon(ctx, code)
		if err != nil {
			if errors.Is(err, promotion.ErrNotFound) {
				return promotion.Invalid(code, "invalid coupon code")
			}
			return errors.Wrap(err, "find coupon")
		}
		switch {
		case coupon.Expired(now):
			return promotion.Invalid(code, "coupon expired")
		case coupon.Exhausted():
			return promotion.Invalid(code, "coupon usage limit reached")
		case coupon.UsedByUser(userID):
			return promotion.Invalid(code, "you have already used this coupon")
		}

		basis := s.basis(sess)
		if basis.LessThan(coupon.MinOrderValue) {
			return &promotion.MinimumOrderError{Code: code, Required: coupon.MinOrderValue, Actual: basis}
		}
		discount, err := coupon.DiscountFor(basis)
		if err != nil {
			return errors.Wrap(err, "coupon discount")
		}
		final := promotion.FinalAmount(basis, discount)
		if err := s.ledger.Redeem(ctx, promotion.KindCoupon, promotion.Redemption{
			Code:        coupon.Code,
			UserID:      userID,
			FinalAmount: final,
			At:          now,
		}); err != nil {
			return err
		}
		c.Coupon = &AppliedPromotion{
			Code:          coupon.Code,
			Discount:      discount,
			FinalAmount:   final,
			MinOrderValue: coupon.MinOrderValue,
		}
		sess.dirty = true
		return nil
	})
	return err
}

// RemoveCoupon releases the applied coupon. It is a no-op without one.
func (s *Service) RemoveCoupon(ctx context.Context, userID string) (err error) {
	ctx, span := s.tracer.Start(ctx, "cart.RemoveCoupon")
	defer func() { finish(span, err) }()

	_, err = s.mutate(ctx, userID, func(ctx context.Context, sess *session) error {
		return s.release(ctx, sess, promotion.KindCoupon)
	})
	return err
}

// ApplyReferral validates a referral code for the cart and records its usage.
func (s *Service) ApplyReferral(ctx context.Context, userID, code string) (err error) {
	ctx, span := s.tracer.Start(ctx, "cart.ApplyReferral")
	defer func() {
		s.recordApply(ctx, promotion.KindReferral, err)
		finish(span, err)
	}()

	code = promotion.NormalizeCode(code)
	flash, err := s.registry.ActiveFlashOffer(ctx)
	if err != nil {
		return errors.Wrap(err, "active flash offer")
	}
	_, err = s.mutate(ctx, userID, func(ctx context.Context, sess *session) error {
		c, now := sess.cart, s.now()
		switch {
		case c.Empty():
			return ErrEmptyCart
		case c.Coupon != nil:
			return promotion.Invalid(code, "remove coupon before applying a referral")
		case c.Referral != nil:
			return promotion.Invalid(code, "a referral is already applied")
		case flash.ActiveAt(now):
			return promotion.Invalid(code, "cannot apply referral during active flash offer")
		}

		ref, err := s.registry.FindReferral(ctx, code)
		if err != nil {
			if errors.Is(err, promotion.ErrNotFound) {
				return promotion.Invalid(code, "invalid referral code")
			}
			return errors.Wrap(err, "find referral")
		}
		if ref.UsedByUser(userID) {
			return promotion.Invalid(code, "you have already used this referral code")
		}

		basis := s.basis(sess)
		discount := ref.DiscountFor(basis)
		final := promotion.FinalAmount(basis, discount)
		if err := s.ledger.Redeem(ctx, promotion.KindReferral, promotion.Redemption{
			Code:        ref.Code,
			UserID:      userID,
			FinalAmount: final,
			At:          now,
		}); err != nil {
			return err
		}
		c.Referral = &AppliedPromotion{
			Code:        ref.Code,
			Discount:    discount,
			FinalAmount: final,
		}
		sess.dirty = true
		return nil
	})
	return err
}

// RemoveReferral releases the applied referral. It is a no-op without one.
func (s *Service) RemoveReferral(ctx context.Context, userID string) (err error) {
	ctx, span := s.tracer.Start(ctx, "cart.RemoveReferral")
	defer func() { finish(span, err) }()

	_, err = s.mutate(ctx, userID, func(ctx context.Context, sess *session) error {
		return s.release(ctx, sess, promotion.KindReferral)
	})
	return err
}

// Checkout reconciles and prices the cart for mode against current state.
// Callers placing an order should run it inside their own transaction.
func (s *Service) Checkout(ctx context.Context, userID string, mode pricing.PaymentMode) (_ *Checkout, err error) {
	ctx, span := s.tracer.Start(ctx, "cart.Checkout")
	defer func() { finish(span, err) }()

	sess, err := s.mutate(ctx, userID, nil)
	if err != nil {
		return nil, err
	}
	if sess.cart.Empty() {
		return nil, ErrEmptyCart
	}
	flash, err := s.registry.ActiveFlashOffer(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "active flash offer")
	}
	lines := Lines(sess.cart.Items, sess.products)
	return &Checkout{
		Cart:      sess.cart,
		Lines:     lines,
		Breakdown: s.engine.Price(lines, promotionsOf(sess.cart, flash), mode, s.now()),
	}, nil
}

// Claim is the promotion an order was priced with, as captured when it was
// applied to the cart.
type Claim struct {
	Kind        promotion.Kind
	Code        string
	FinalAmount decimal.Decimal
}

// Claim returns the promotion the checkout was priced with, or nil.
func (co *Checkout) Claim() *Claim {
	switch {
	case co.Cart.Coupon != nil:
		return claimOf(promotion.KindCoupon, co.Cart.Coupon)
	case co.Cart.Referral != nil:
		return claimOf(promotion.KindReferral, co.Cart.Referral)
	}
	return nil
}

func claimOf(kind promotion.Kind, applied *AppliedPromotion) *Claim {
	return &Claim{Kind: kind, Code: applied.Code, FinalAmount: applied.FinalAmount}
}

// ClearOrdered empties the cart after an order priced with claim was placed
// from it. The claimed redemption becomes final: when the cart still carries
// it the ledger is left as is, otherwise it is redeemed again and the order
// fails with promotion.ErrInvalidPromotion if that is no longer possible.
// Any other promotion on the cart is released. It must run inside a
// transaction.
func (s *Service) ClearOrdered(ctx context.Context, userID string, claim *Claim) error {
	c, err := s.carts.Get(ctx, userID)
	found := err == nil
	switch {
	case errors.Is(err, ErrNotFound):
		c = New(userID)
	case err != nil:
		return errors.Wrap(err, "get cart")
	}

	sess := &session{cart: c}
	held := false
	for _, kind := range []promotion.Kind{promotion.KindCoupon, promotion.KindReferral} {
		applied := c.Coupon
		if kind == promotion.KindReferral {
			applied = c.Referral
		}
		if applied == nil {
			continue
		}
		if claim != nil && claim.Kind == kind && claim.Code == applied.Code {
			held = true
			continue
		}
		if err := s.release(ctx, sess, kind); err != nil {
			return err
		}
	}
	if claim != nil && !held {
		if err := s.ledger.Redeem(ctx, claim.Kind, promotion.Redemption{
			Code:        claim.Code,
			UserID:      userID,
			FinalAmount: claim.FinalAmount,
			At:          s.now(),
		}); err != nil {
			return err
		}
		zctx.From(ctx).Info("Redeemed promotion no longer held by cart",
			zap.String("user_id", userID),
			zap.String("kind", string(claim.Kind)),
			zap.String("code", claim.Code),
		)
	}

	if !found {
		return nil
	}
	c.Items = []Item{}
	c.Coupon = nil
	c.Referral = nil
	c.UpdatedAt = s.now()
	if err := s.carts.Save(ctx, c); err != nil {
		return errors.Wrap(err, "save cart")
	}
	return nil
}

// mutate runs fn against a reconciled cart inside a transaction and saves the
// cart when anything changed. A nil fn only reconciles.
func (s *Service) mutate(ctx context.Context, userID string, fn func(context.Context, *session) error) (*session, error) {
	var sess *session
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if sess, err = s.load(ctx, userID); err != nil {
			return err
		}
		if err := s.heal(ctx, sess); err != nil {
			return err
		}
		if fn != nil {
			if err := fn(ctx, sess); err != nil {
				return err
			}
			if err := s.heal(ctx, sess); err != nil {
				return err
			}
		}
		if !sess.dirty {
			return nil
		}
		sess.cart.UpdatedAt = s.now()
		if err := s.carts.Save(ctx, sess.cart); err != nil {
			if errors.Is(err, ErrConflict) {
				return err
			}
			return errors.Wrap(err, "save cart")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Service) load(ctx context.Context, userID string) (*session, error) {
	c, err := s.carts.Get(ctx, userID)
	switch {
	case errors.Is(err, ErrNotFound):
		c = New(userID)
	case err != nil:
		return nil, errors.Wrap(err, "get cart")
	}

	var products []product.Product
	if !c.Empty() {
		if products, err = s.products.GetByIDs(ctx, c.ProductIDs()); err != nil {
			return nil, errors.Wrap(err, "get products")
		}
	}
	sess := &session{
		cart:     c,
		products: product.Index(products),
		rec:      Reconcile(c, products),
	}
	if sess.rec.Changed {
		c.Items = sess.rec.Items
		sess.dirty = true
		s.pruned.Add(ctx, int64(len(sess.rec.Removed)+len(sess.rec.Clamped)))
		zctx.From(ctx).Info("Reconciled cart",
			zap.String("user_id", userID),
			zap.Strings("removed", sess.rec.Removed),
			zap.Strings("clamped", sess.rec.Clamped),
		)
	}
	return sess, nil
}

// heal restores the cart invariants: one promotion at most, none on an empty
// cart, and no coupon whose minimum order is no longer met.
func (s *Service) heal(ctx context.Context, sess *session) error {
	c := sess.cart
	if c.Coupon != nil && c.Referral != nil {
		zctx.From(ctx).Warn("Cart carried both coupon and referral, dropping referral",
			zap.String("user_id", c.UserID),
			zap.String("coupon", c.Coupon.Code),
			zap.String("referral", c.Referral.Code),
		)
		if err := s.release(ctx, sess, promotion.KindReferral); err != nil {
			return err
		}
	}
	if c.Empty() {
		if err := s.release(ctx, sess, promotion.KindCoupon); err != nil {
			return err
		}
		return s.release(ctx, sess, promotion.KindReferral)
	}
	if c.Coupon != nil && s.basis(sess).LessThan(c.Coupon.MinOrderValue) {
		return s.release(ctx, sess, promotion.KindCoupon)
	}
	return nil
}

// release clears a promotion from the cart and reverses its ledger entry
// using the amount recorded when it was applied.
func (s *Service) release(ctx context.Context, sess *session, kind promotion.Kind) error {
	c := sess.cart
	applied := c.Coupon
	if kind == promotion.KindReferral {
		applied = c.Referral
	}
	if applied == nil {
		return nil
	}
	reversed, err := s.ledger.Reverse(ctx, kind, promotion.Redemption{
		Code:        applied.Code,
		UserID:      c.UserID,
		FinalAmount: applied.FinalAmount,
		At:          s.now(),
	})
	if err != nil {
		return err
	}
	if kind == promotion.KindReferral {
		c.Referral = nil
	} else {
		c.Coupon = nil
	}
	sess.dirty = true
	s.promotionEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", "released"),
	))
	zctx.From(ctx).Info("Released promotion",
		zap.String("user_id", c.UserID),
		zap.String("kind", string(kind)),
		zap.String("code", applied.Code),
		zap.Bool("reversed", reversed),
	)
	return nil
}

func (s *Service) basis(sess *session) decimal.Decimal {
	return s.engine.TotalBeforeDiscount(Lines(sess.cart.Items, sess.products))
}

func (s *Service) recordApply(ctx context.Context, kind promotion.Kind, err error) {
	outcome := "applied"
	if err != nil {
		outcome = "rejected"
	}
	s.promotionEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", outcome),
	))
}

func promotionsOf(c *Cart, flash *promotion.FlashOffer) pricing.Promotions {
	p := pricing.Promotions{Flash: flash}
	if c.Coupon != nil {
		p.CouponCode = c.Coupon.Code
		p.CouponDiscount = c.Coupon.Discount
	}
	if c.Referral != nil {
		p.ReferralCode = c.Referral.Code
		p.ReferralDiscount = c.Referral.Discount
	}
	return p
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
