// Package memory implements every repository in process memory. Conditional
// updates match the PostgreSQL backend and transactions roll back on error,
// so services behave the same on both.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/shopcart/internal/domain/auth"
	"github.com/xenking/shopcart/internal/domain/cart"
	"github.com/xenking/shopcart/internal/domain/order"
	"github.com/xenking/shopcart/internal/domain/product"
	"github.com/xenking/shopcart/internal/domain/promotion"
)

type txKey struct{}

type intentEntry struct {
	intent    order.PaymentIntent
	expiresAt time.Time
}

type state struct {
	products  map[string]product.Product
	coupons   map[string]promotion.Coupon
	referrals map[string]promotion.Referral
	flash     *promotion.FlashOffer
	carts     map[string]cart.Cart
	orders    map[string]order.Order
}

// Store holds all data. Transactions are serialized.
type Store struct {
	txMu sync.Mutex

	mu      sync.Mutex
	data    state
	intents map[string]intentEntry
	latest  map[string]string
	keys    map[string]auth.APIKeyInfo
	now     func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		data: state{
			products:  make(map[string]product.Product),
			coupons:   make(map[string]promotion.Coupon),
			referrals: make(map[string]promotion.Referral),
			carts:     make(map[string]cart.Cart),
			orders:    make(map[string]order.Order),
		},
		intents: make(map[string]intentEntry),
		latest:  make(map[string]string),
		keys:    make(map[string]auth.APIKeyInfo),
		now:     time.Now,
	}
}

// SetClock overrides the clock used for intent expiry.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// InTx runs fn with exclusive access to the store. If fn fails every change
// it made is discarded. Payment intents are not transactional.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.data.clone()
	s.mu.Unlock()

	if err := fn(context.WithValue(ctx, txKey{}, struct{}{})); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// lockWrite locks the store for a write and returns the unlock func. A write
// outside a transaction waits for the running one, whose rollback would
// otherwise discard it.
func (s *Store) lockWrite(ctx context.Context) func() {
	if ctx.Value(txKey{}) != nil {
		s.mu.Lock()
		return s.mu.Unlock
	}
	s.txMu.Lock()
	s.mu.Lock()
	return func() {
		s.mu.Unlock()
		s.txMu.Unlock()
	}
}

func (st state) clone() state {
	out := state{
		products:  maps.Clone(st.products),
		coupons:   make(map[string]promotion.Coupon, len(st.coupons)),
		referrals: make(map[string]promotion.Referral, len(st.referrals)),
		carts:     make(map[string]cart.Cart, len(st.carts)),
		orders:    make(map[string]order.Order, len(st.orders)),
	}
	for k, c := range st.coupons {
		out.coupons[k] = cloneCoupon(c)
	}
	for k, r := range st.referrals {
		out.referrals[k] = cloneReferral(r)
	}
	for k, c := range st.carts {
		out.carts[k] = cloneCart(c)
	}
	for k, o := range st.orders {
		out.orders[k] = cloneOrder(o)
	}
	if st.flash != nil {
		f := *st.flash
		out.flash = &f
	}
	return out
}

func cloneCoupon(c promotion.Coupon) promotion.Coupon {
	c.UsedBy = slices.Clone(c.UsedBy)
	return c
}

func cloneReferral(r promotion.Referral) promotion.Referral {
	r.UsedBy = slices.Clone(r.UsedBy)
	return r
}

func cloneCart(c cart.Cart) cart.Cart {
	c.Items = slices.Clone(c.Items)
	if c.Items == nil {
		c.Items = []cart.Item{}
	}
	if c.Coupon != nil {
		p := *c.Coupon
		c.Coupon = &p
	}
	if c.Referral != nil {
		p := *c.Referral
		c.Referral = &p
	}
	return c
}

func cloneOrder(o order.Order) order.Order {
	o.Items = slices.Clone(o.Items)
	if o.CancelledAt != nil {
		t := *o.CancelledAt
		o.CancelledAt = &t
	}
	if o.DeliveredAt != nil {
		t := *o.DeliveredAt
		o.DeliveredAt = &t
	}
	return o
}

// Products returns the product repository.
func (s *Store) Products() *ProductRepository { return &ProductRepository{s: s} }

// Coupons returns the coupon repository.
func (s *Store) Coupons() *CouponRepository { return &CouponRepository{s: s} }

// Referrals returns the referral repository.
func (s *Store) Referrals() *ReferralRepository { return &ReferralRepository{s: s} }

// FlashOffers returns the flash offer repository.
func (s *Store) FlashOffers() *FlashOfferRepository { return &FlashOfferRepository{s: s} }

// Carts returns the cart repository.
func (s *Store) Carts() *CartRepository { return &CartRepository{s: s} }

// Orders returns the order repository.
func (s *Store) Orders() *OrderRepository { return &OrderRepository{s: s} }

// Intents returns the payment intent store.
func (s *Store) Intents() *IntentStore { return &IntentStore{s: s} }

// APIKeys returns the API key repository.
func (s *Store) APIKeys() *APIKeyRepository { return &APIKeyRepository{s: s} }

func floorZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
