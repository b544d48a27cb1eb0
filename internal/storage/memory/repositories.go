package memory

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/xenking/shopcart/internal/domain/auth"
	"github.com/xenking/shopcart/internal/domain/cart"
	"github.com/xenking/shopcart/internal/domain/order"
	"github.com/xenking/shopcart/internal/domain/product"
	"github.com/xenking/shopcart/internal/domain/promotion"
)

var (
	_ product.Repository             = (*ProductRepository)(nil)
	_ promotion.CouponRepository     = (*CouponRepository)(nil)
	_ promotion.ReferralRepository   = (*ReferralRepository)(nil)
	_ promotion.FlashOfferRepository = (*FlashOfferRepository)(nil)
	_ cart.Repository                = (*CartRepository)(nil)
	_ order.Repository               = (*OrderRepository)(nil)
	_ order.IntentStore              = (*IntentStore)(nil)
	_ auth.Repository                = (*APIKeyRepository)(nil)
)

// ProductRepository implements product.Repository.
type ProductRepository struct{ s *Store }

// Upsert inserts or replaces products.
func (r *ProductRepository) Upsert(ctx context.Context, products []product.Product) error {
	defer r.s.lockWrite(ctx)()
	for _, p := range products {
		r.s.data.products[p.ID] = p
	}
	return nil
}

func (r *ProductRepository) GetByID(_ context.Context, id string) (*product.Product, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.data.products[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	return &p, nil
}

func (r *ProductRepository) GetByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]product.Product, 0, len(ids))
	for _, id := range ids {
		if p, ok := r.s.data.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// DecrementStock applies all changes or none.
func (r *ProductRepository) DecrementStock(ctx context.Context, changes []product.StockChange) error {
	defer r.s.lockWrite(ctx)()
	for _, c := range changes {
		p, ok := r.s.data.products[c.ProductID]
		if !ok {
			return product.ErrNotFound
		}
		if !p.Purchasable() || p.Stock < c.Quantity {
			return &product.InsufficientStockError{ProductID: c.ProductID, Available: p.Stock, Requested: c.Quantity}
		}
	}
	for _, c := range changes {
		p := r.s.data.products[c.ProductID]
		p.Stock -= c.Quantity
		r.s.data.products[c.ProductID] = p
	}
	return nil
}

func (r *ProductRepository) RestoreStock(ctx context.Context, changes []product.StockChange) error {
	defer r.s.lockWrite(ctx)()
	for _, c := range changes {
		if p, ok := r.s.data.products[c.ProductID]; ok {
			p.Stock += c.Quantity
			r.s.data.products[c.ProductID] = p
		}
	}
	return nil
}

// CouponRepository implements promotion.CouponRepository.
type CouponRepository struct{ s *Store }

func (r *CouponRepository) FindCoupon(_ context.Context, code string) (*promotion.Coupon, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.data.coupons[code]
	if !ok {
		return nil, promotion.ErrNotFound
	}
	c = cloneCoupon(c)
	return &c, nil
}

func (r *CouponRepository) CreateCoupon(ctx context.Context, c *promotion.Coupon) error {
	defer r.s.lockWrite(ctx)()
	if _, ok := r.s.data.coupons[c.Code]; ok {
		return promotion.ErrAlreadyExists
	}
	r.s.data.coupons[c.Code] = cloneCoupon(*c)
	return nil
}

func (r *CouponRepository) ListCoupons(_ context.Context) ([]promotion.Coupon, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]promotion.Coupon, 0, len(r.s.data.coupons))
	for _, c := range r.s.data.coupons {
		out = append(out, cloneCoupon(c))
	}
	slices.SortFunc(out, func(a, b promotion.Coupon) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.Code, b.Code))
	})
	return out, nil
}

func (r *CouponRepository) DeleteCoupon(ctx context.Context, code string) error {
	defer r.s.lockWrite(ctx)()
	if _, ok := r.s.data.coupons[code]; !ok {
		return promotion.ErrNotFound
	}
	delete(r.s.data.coupons, code)
	return nil
}

func (r *CouponRepository) RedeemCoupon(ctx context.Context, red promotion.Redemption) error {
	defer r.s.lockWrite(ctx)()
	c, ok := r.s.data.coupons[red.Code]
	switch {
	case !ok:
		return promotion.ErrNotFound
	case c.UsedByUser(red.UserID):
		return promotion.ErrAlreadyRedeemed
	case c.Exhausted():
		return promotion.ErrUsageLimitReached
	}
	c.UsedCount++
	c.UsedBy = append(slices.Clone(c.UsedBy), red.UserID)
	c.TotalSales = c.TotalSales.Add(red.FinalAmount)
	r.s.data.coupons[red.Code] = c
	return nil
}

func (r *CouponRepository) ReverseCoupon(ctx context.Context, red promotion.Redemption) (bool, error) {
	defer r.s.lockWrite(ctx)()
	c, ok := r.s.data.coupons[red.Code]
	if !ok || !c.UsedByUser(red.UserID) {
		return false, nil
	}
	c.UsedCount = max(c.UsedCount-1, 0)
	c.UsedBy = slices.DeleteFunc(slices.Clone(c.UsedBy), func(u string) bool { return u == red.UserID })
	c.TotalSales = floorZero(c.TotalSales.Sub(red.FinalAmount))
	r.s.data.coupons[red.Code] = c
	return true, nil
}

// ReferralRepository implements promotion.ReferralRepository.
type ReferralRepository struct{ s *Store }

func (r *ReferralRepository) FindReferral(_ context.Context, code string) (*promotion.Referral, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ref, ok := r.s.data.referrals[code]
	if !ok {
		return nil, promotion.ErrNotFound
	}
	ref = cloneReferral(ref)
	return &ref, nil
}

func (r *ReferralRepository) CreateReferral(ctx context.Context, ref *promotion.Referral) error {
	defer r.s.lockWrite(ctx)()
	if _, ok := r.s.data.referrals[ref.Code]; ok {
		return promotion.ErrAlreadyExists
	}
	r.s.data.referrals[ref.Code] = cloneReferral(*ref)
	return nil
}

func (r *ReferralRepository) ListReferrals(_ context.Context) ([]promotion.Referral, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]promotion.Referral, 0, len(r.s.data.referrals))
	for _, ref := range r.s.data.referrals {
		out = append(out, cloneReferral(ref))
	}
	slices.SortFunc(out, func(a, b promotion.Referral) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.Code, b.Code))
	})
	return out, nil
}

func (r *ReferralRepository) RedeemReferral(ctx context.Context, red promotion.Redemption) error {
	defer r.s.lockWrite(ctx)()
	ref, ok := r.s.data.referrals[red.Code]
	switch {
	case !ok:
		return promotion.ErrNotFound
	case ref.UsedByUser(red.UserID):
		return promotion.ErrAlreadyRedeemed
	}
	ref.UsedCount++
	ref.UsedBy = append(slices.Clone(ref.UsedBy), red.UserID)
	ref.TotalSales = ref.TotalSales.Add(red.FinalAmount)
	r.s.data.referrals[red.Code] = ref
	return nil
}

func (r *ReferralRepository) ReverseReferral(ctx context.Context, red promotion.Redemption) (bool, error) {
	defer r.s.lockWrite(ctx)()
	ref, ok := r.s.data.referrals[red.Code]
	if !ok || !ref.UsedByUser(red.UserID) {
		return false, nil
	}
	ref.UsedCount = max(ref.UsedCount-1, 0)
	ref.UsedBy = slices.DeleteFunc(slices.Clone(ref.UsedBy), func(u string) bool { return u == red.UserID })
	ref.TotalSales = floorZero(ref.TotalSales.Sub(red.FinalAmount))
	r.s.data.referrals[red.Code] = ref
	return true, nil
}

// FlashOfferRepository implements promotion.FlashOfferRepository.
type FlashOfferRepository struct{ s *Store }

func (r *FlashOfferRepository) GetFlashOffer(_ context.Context) (*promotion.FlashOffer, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.data.flash == nil {
		return nil, promotion.ErrNotFound
	}
	o := *r.s.data.flash
	return &o, nil
}

func (r *FlashOfferRepository) SaveFlashOffer(ctx context.Context, o promotion.FlashOffer) error {
	defer r.s.lockWrite(ctx)()
	r.s.data.flash = &o
	return nil
}

func (r *FlashOfferRepository) DeactivateFlashOffer(ctx context.Context) error {
	defer r.s.lockWrite(ctx)()
	if r.s.data.flash != nil {
		r.s.data.flash.IsActive = false
	}
	return nil
}

func (r *FlashOfferRepository) DeleteFlashOffer(ctx context.Context) error {
	defer r.s.lockWrite(ctx)()
	r.s.data.flash = nil
	return nil
}

// CartRepository implements cart.Repository with version checks.
type CartRepository struct{ s *Store }

func (r *CartRepository) Get(_ context.Context, userID string) (*cart.Cart, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.data.carts[userID]
	if !ok {
		return nil, cart.ErrNotFound
	}
	c = cloneCart(c)
	return &c, nil
}

func (r *CartRepository) Save(ctx context.Context, c *cart.Cart) error {
	defer r.s.lockWrite(ctx)()
	stored, ok := r.s.data.carts[c.UserID]
	switch {
	case c.Version == 0 && ok:
		return cart.ErrConflict
	case c.Version != 0 && (!ok || stored.Version != c.Version):
		return cart.ErrConflict
	}
	c.Version++
	r.s.data.carts[c.UserID] = cloneCart(*c)
	return nil
}

// OrderRepository implements order.Repository.
type OrderRepository struct{ s *Store }

func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	defer r.s.lockWrite(ctx)()
	if _, ok := r.s.data.orders[o.ID]; ok {
		return order.ErrAlreadyExists
	}
	r.s.data.orders[o.ID] = cloneOrder(*o)
	return nil
}

func (r *OrderRepository) Get(_ context.Context, id string) (*order.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.data.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	o = cloneOrder(o)
	return &o, nil
}

func (r *OrderRepository) ListByUser(_ context.Context, userID string) ([]order.Order, error) {
	return r.list(func(o order.Order) bool { return o.UserID == userID }), nil
}

func (r *OrderRepository) ListAll(_ context.Context) ([]order.Order, error) {
	return r.list(func(order.Order) bool { return true }), nil
}

func (r *OrderRepository) list(keep func(order.Order) bool) []order.Order {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]order.Order, 0)
	for _, o := range r.s.data.orders {
		if keep(o) {
			out = append(out, cloneOrder(o))
		}
	}
	slices.SortFunc(out, func(a, b order.Order) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, o *order.Order) error {
	defer r.s.lockWrite(ctx)()
	stored, ok := r.s.data.orders[o.ID]
	if !ok {
		return order.ErrNotFound
	}
	stored.Status = o.Status
	stored.PaymentStatus = o.PaymentStatus
	stored.PaymentRef = o.PaymentRef
	stored.UpdatedAt = o.UpdatedAt
	stored.CancelledAt = o.CancelledAt
	stored.DeliveredAt = o.DeliveredAt
	r.s.data.orders[o.ID] = cloneOrder(stored)
	return nil
}

// IntentStore implements order.IntentStore with lazy expiry.
type IntentStore struct{ s *Store }

func (r *IntentStore) Save(_ context.Context, in *order.PaymentIntent, ttl time.Duration) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored := *in
	stored.Items = slices.Clone(in.Items)
	r.s.intents[in.ID] = intentEntry{intent: stored, expiresAt: r.s.now().Add(ttl)}
	r.s.latest[in.UserID] = in.ID
	return nil
}

func (r *IntentStore) Get(_ context.Context, id string) (*order.PaymentIntent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.get(id)
}

func (r *IntentStore) GetByUser(_ context.Context, userID string) (*order.PaymentIntent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	id, ok := r.s.latest[userID]
	if !ok {
		return nil, order.ErrIntentNotFound
	}
	return r.get(id)
}

func (r *IntentStore) get(id string) (*order.PaymentIntent, error) {
	e, ok := r.s.intents[id]
	if !ok {
		return nil, order.ErrIntentNotFound
	}
	if !r.s.now().Before(e.expiresAt) {
		delete(r.s.intents, id)
		return nil, order.ErrIntentNotFound
	}
	in := e.intent
	in.Items = slices.Clone(e.intent.Items)
	return &in, nil
}

func (r *IntentStore) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.intents, id)
	return nil
}

// APIKeyRepository implements auth.Repository.
type APIKeyRepository struct{ s *Store }

// Upsert stores info keyed by its hash.
func (r *APIKeyRepository) Upsert(_ context.Context, info auth.APIKeyInfo) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	info.Scopes = slices.Clone(info.Scopes)
	r.s.keys[info.KeyHash] = info
	return nil
}

func (r *APIKeyRepository) FindByHash(_ context.Context, hash string) (*auth.APIKeyInfo, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	info, ok := r.s.keys[hash]
	if !ok {
		return nil, auth.ErrNotFound
	}
	info.Scopes = slices.Clone(info.Scopes)
	return &info, nil
}
