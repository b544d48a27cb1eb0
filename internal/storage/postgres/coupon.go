package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/shopcart/internal/domain/promotion"
)

const (
	couponColumns = `code, discount_type, discount_value, expiry_date, min_order_value, usage_limit,
		max_discount_amount, used_count, used_by, total_sales, created_by, created_at`

	getCouponSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE code = $1`

	listCouponsSQL = `SELECT ` + couponColumns + ` FROM coupons ORDER BY created_at DESC, code`

	createCouponSQL = `INSERT INTO coupons (code, discount_type, discount_value, expiry_date,
		min_order_value, usage_limit, max_discount_amount, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	deleteCouponSQL = `DELETE FROM coupons WHERE code = $1`

	redeemCouponSQL = `UPDATE coupons
		SET used_count = used_count + 1,
			used_by = array_append(used_by, $2),
			total_sales = total_sales + $3
		WHERE code = $1 AND used_count < usage_limit AND NOT ($2 = ANY(used_by))`

	couponUsageSQL = `SELECT used_count >= usage_limit, $2 = ANY(used_by) FROM coupons WHERE code = $1`

	reverseCouponSQL = `UPDATE coupons
		SET used_count = GREATEST(used_count - 1, 0),
			used_by = array_remove(used_by, $2),
			total_sales = GREATEST(total_sales - $3, 0)
		WHERE code = $1 AND $2 = ANY(used_by)`
)

var _ promotion.CouponRepository = (*CouponRepository)(nil)

// CouponRepository implements promotion.CouponRepository backed by PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// FindCoupon looks up a coupon by its normalized code.
func (r *CouponRepository) FindCoupon(ctx context.Context, code string) (*promotion.Coupon, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, getCouponSQL, code)
	if err != nil {
		return nil, fmt.Errorf("finding coupon %q: %w", code, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, promotion.ErrNotFound
		}
		return nil, fmt.Errorf("finding coupon %q: %w", code, err)
	}
	return &c, nil
}

// CreateCoupon inserts a coupon with empty usage.
func (r *CouponRepository) CreateCoupon(ctx context.Context, c *promotion.Coupon) error {
	_, err := conn(ctx, r.pool).Exec(ctx, createCouponSQL,
		c.Code, string(c.DiscountType), c.DiscountValue, c.ExpiryDate,
		c.MinOrderValue, c.UsageLimit, c.MaxDiscountAmount, c.CreatedBy, c.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return promotion.ErrAlreadyExists
		}
		return fmt.Errorf("creating coupon %q: %w", c.Code, err)
	}
	return nil
}

// ListCoupons returns every coupon, newest first.
func (r *CouponRepository) ListCoupons(ctx context.Context) ([]promotion.Coupon, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, listCouponsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing coupons: %w", err)
	}
	return pgx.CollectRows(rows, scanCoupon)
}

// DeleteCoupon removes a coupon.
func (r *CouponRepository) DeleteCoupon(ctx context.Context, code string) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, deleteCouponSQL, code)
	if err != nil {
		return fmt.Errorf("deleting coupon %q: %w", code, err)
	}
	if tag.RowsAffected() == 0 {
		return promotion.ErrNotFound
	}
	return nil
}

// RedeemCoupon records a use in a single conditional UPDATE. When no row
// matches, a follow-up read explains why.
func (r *CouponRepository) RedeemCoupon(ctx context.Context, red promotion.Redemption) error {
	q := conn(ctx, r.pool)
	tag, err := q.Exec(ctx, redeemCouponSQL, red.Code, red.UserID, red.FinalAmount)
	if err != nil {
		return fmt.Errorf("redeeming coupon %q: %w", red.Code, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exhausted, used bool
	if err := q.QueryRow(ctx, couponUsageSQL, red.Code, red.UserID).Scan(&exhausted, &used); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return promotion.ErrNotFound
		}
		return fmt.Errorf("reading coupon usage %q: %w", red.Code, err)
	}
	if used {
		return promotion.ErrAlreadyRedeemed
	}
	return promotion.ErrUsageLimitReached
}

// ReverseCoupon undoes a use, flooring the counters at zero.
func (r *CouponRepository) ReverseCoupon(ctx context.Context, red promotion.Redemption) (bool, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx, reverseCouponSQL, red.Code, red.UserID, red.FinalAmount)
	if err != nil {
		return false, fmt.Errorf("reversing coupon %q: %w", red.Code, err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanCoupon(row pgx.CollectableRow) (promotion.Coupon, error) {
	var (
		c            promotion.Coupon
		discountType string
	)
	err := row.Scan(
		&c.Code, &discountType, &c.DiscountValue, &c.ExpiryDate, &c.MinOrderValue, &c.UsageLimit,
		&c.MaxDiscountAmount, &c.UsedCount, &c.UsedBy, &c.TotalSales, &c.CreatedBy, &c.CreatedAt,
	)
	c.DiscountType = promotion.DiscountType(discountType)
	return c, err
}
