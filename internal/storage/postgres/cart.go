package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/shopcart/internal/domain/cart"
)

const (
	getCartSQL = `SELECT user_id, items,
		coupon_code, coupon_discount, coupon_final_amount, coupon_min_order_value,
		referral_code, referral_discount, referral_final_amount,
		version, updated_at
		FROM carts WHERE user_id = $1`

	insertCartSQL = `INSERT INTO carts (user_id, items,
		coupon_code, coupon_discount, coupon_final_amount, coupon_min_order_value,
		referral_code, referral_discount, referral_final_amount,
		version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10)
		ON CONFLICT (user_id) DO NOTHING`

	updateCartSQL = `UPDATE carts SET items = $2,
		coupon_code = $3, coupon_discount = $4, coupon_final_amount = $5, coupon_min_order_value = $6,
		referral_code = $7, referral_discount = $8, referral_final_amount = $9,
		version = version + 1, updated_at = $10
		WHERE user_id = $1 AND version = $11`
)

var _ cart.Repository = (*CartRepository)(nil)

// CartRepository implements cart.Repository backed by PostgreSQL with
// optimistic versioning.
type CartRepository struct {
	pool *pgxpool.Pool
}

// NewCartRepository returns a CartRepository that uses the given pool.
func NewCartRepository(pool *pgxpool.Pool) *CartRepository {
	return &CartRepository{pool: pool}
}

type cartItemRow struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// Get returns the cart of userID.
func (r *CartRepository) Get(ctx context.Context, userID string) (*cart.Cart, error) {
	var (
		c                                    cart.Cart
		items                                []byte
		couponCode, referralCode             *string
		couponDiscount, couponFinal, minimum decimal.NullDecimal
		referralDiscount, referralFinal      decimal.NullDecimal
	)
	err := conn(ctx, r.pool).QueryRow(ctx, getCartSQL, userID).Scan(
		&c.UserID, &items,
		&couponCode, &couponDiscount, &couponFinal, &minimum,
		&referralCode, &referralDiscount, &referralFinal,
		&c.Version, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cart.ErrNotFound
		}
		return nil, fmt.Errorf("getting cart of %q: %w", userID, err)
	}

	var rows []cartItemRow
	if err := json.Unmarshal(items, &rows); err != nil {
		return nil, fmt.Errorf("unmarshaling cart items of %q: %w", userID, err)
	}
	c.Items = make([]cart.Item, len(rows))
	for i, row := range rows {
		c.Items[i] = cart.Item{ProductID: row.ProductID, Quantity: row.Quantity}
	}
	if couponCode != nil {
		c.Coupon = &cart.AppliedPromotion{
			Code:          *couponCode,
			Discount:      couponDiscount.Decimal,
			FinalAmount:   couponFinal.Decimal,
			MinOrderValue: minimum.Decimal,
		}
	}
	if referralCode != nil {
		c.Referral = &cart.AppliedPromotion{
			Code:        *referralCode,
			Discount:    referralDiscount.Decimal,
			FinalAmount: referralFinal.Decimal,
		}
	}
	return &c, nil
}

// Save inserts a new cart (Version 0) or updates one whose stored version
// still equals c.Version. On success c.Version is advanced.
func (r *CartRepository) Save(ctx context.Context, c *cart.Cart) error {
	rows := make([]cartItemRow, len(c.Items))
	for i, it := range c.Items {
		rows[i] = cartItemRow{ProductID: it.ProductID, Quantity: it.Quantity}
	}
	items, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("marshaling cart items: %w", err)
	}

	var (
		couponCode, referralCode             *string
		couponDiscount, couponFinal, minimum decimal.NullDecimal
		referralDiscount, referralFinal      decimal.NullDecimal
	)
	if p := c.Coupon; p != nil {
		couponCode = &p.Code
		couponDiscount = decimal.NewNullDecimal(p.Discount)
		couponFinal = decimal.NewNullDecimal(p.FinalAmount)
		minimum = decimal.NewNullDecimal(p.MinOrderValue)
	}
	if p := c.Referral; p != nil {
		referralCode = &p.Code
		referralDiscount = decimal.NewNullDecimal(p.Discount)
		referralFinal = decimal.NewNullDecimal(p.FinalAmount)
	}

	q := conn(ctx, r.pool)
	if c.Version == 0 {
		tag, err := q.Exec(ctx, insertCartSQL, c.UserID, items,
			couponCode, couponDiscount, couponFinal, minimum,
			referralCode, referralDiscount, referralFinal, c.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting cart of %q: %w", c.UserID, err)
		}
		if tag.RowsAffected() == 0 {
			return cart.ErrConflict
		}
		c.Version = 1
		return nil
	}

	tag, err := q.Exec(ctx, updateCartSQL, c.UserID, items,
		couponCode, couponDiscount, couponFinal, minimum,
		referralCode, referralDiscount, referralFinal, c.UpdatedAt, c.Version,
	)
	if err != nil {
		return fmt.Errorf("updating cart of %q: %w", c.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		return cart.ErrConflict
	}
	c.Version++
	return nil
}
