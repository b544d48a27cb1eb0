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
	referralColumns = `code, affiliate_id, discount_percent, used_count, used_by, total_sales, created_at`

	getReferralSQL = `SELECT ` + referralColumns + ` FROM referrals WHERE code = $1`

	listReferralsSQL = `SELECT ` + referralColumns + ` FROM referrals ORDER BY created_at DESC, code`

	createReferralSQL = `INSERT INTO referrals (code, affiliate_id, discount_percent, created_at)
		VALUES ($1, $2, $3, $4)`

	redeemReferralSQL = `UPDATE referrals
		SET used_count = used_count + 1,
			used_by = array_append(used_by, $2),
			total_sales = total_sales + $3
		WHERE code = $1 AND NOT ($2 = ANY(used_by))`

	referralExistsSQL = `SELECT EXISTS (SELECT 1 FROM referrals WHERE code = $1)`

	reverseReferralSQL = `UPDATE referrals
		SET used_count = GREATEST(used_count - 1, 0),
			used_by = array_remove(used_by, $2),
			total_sales = GREATEST(total_sales - $3, 0)
		WHERE code = $1 AND $2 = ANY(used_by)`
)

var _ promotion.ReferralRepository = (*ReferralRepository)(nil)

// ReferralRepository implements promotion.ReferralRepository backed by PostgreSQL.
type ReferralRepository struct {
	pool *pgxpool.Pool
}

// NewReferralRepository returns a ReferralRepository that uses the given pool.
func NewReferralRepository(pool *pgxpool.Pool) *ReferralRepository {
	return &ReferralRepository{pool: pool}
}

// FindReferral looks up a referral by its normalized code.
func (r *ReferralRepository) FindReferral(ctx context.Context, code string) (*promotion.Referral, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, getReferralSQL, code)
	if err != nil {
		return nil, fmt.Errorf("finding referral %q: %w", code, err)
	}

	ref, err := pgx.CollectExactlyOneRow(rows, scanReferral)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, promotion.ErrNotFound
		}
		return nil, fmt.Errorf("finding referral %q: %w", code, err)
	}
	return &ref, nil
}

// CreateReferral inserts a referral with empty usage.
func (r *ReferralRepository) CreateReferral(ctx context.Context, ref *promotion.Referral) error {
	_, err := conn(ctx, r.pool).Exec(ctx, createReferralSQL,
		ref.Code, ref.AffiliateID, ref.DiscountPercent, ref.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return promotion.ErrAlreadyExists
		}
		return fmt.Errorf("creating referral %q: %w", ref.Code, err)
	}
	return nil
}

// ListReferrals returns every referral, newest first.
func (r *ReferralRepository) ListReferrals(ctx context.Context) ([]promotion.Referral, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, listReferralsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing referrals: %w", err)
	}
	return pgx.CollectRows(rows, scanReferral)
}

// RedeemReferral records a use unless the user already has one.
func (r *ReferralRepository) RedeemReferral(ctx context.Context, red promotion.Redemption) error {
	q := conn(ctx, r.pool)
	tag, err := q.Exec(ctx, redeemReferralSQL, red.Code, red.UserID, red.FinalAmount)
	if err != nil {
		return fmt.Errorf("redeeming referral %q: %w", red.Code, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := q.QueryRow(ctx, referralExistsSQL, red.Code).Scan(&exists); err != nil {
		return fmt.Errorf("reading referral %q: %w", red.Code, err)
	}
	if !exists {
		return promotion.ErrNotFound
	}
	return promotion.ErrAlreadyRedeemed
}

// ReverseReferral undoes a use, flooring the counters at zero.
func (r *ReferralRepository) ReverseReferral(ctx context.Context, red promotion.Redemption) (bool, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx, reverseReferralSQL, red.Code, red.UserID, red.FinalAmount)
	if err != nil {
		return false, fmt.Errorf("reversing referral %q: %w", red.Code, err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanReferral(row pgx.CollectableRow) (promotion.Referral, error) {
	var ref promotion.Referral
	err := row.Scan(
		&ref.Code, &ref.AffiliateID, &ref.DiscountPercent,
		&ref.UsedCount, &ref.UsedBy, &ref.TotalSales, &ref.CreatedAt,
	)
	return ref, err
}
