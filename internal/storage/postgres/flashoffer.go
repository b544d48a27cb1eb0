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
	getFlashOfferSQL = `SELECT is_active, discount_percent, max_discount_amount, started_at, expires_at
		FROM flash_offers WHERE id = 1`

	saveFlashOfferSQL = `INSERT INTO flash_offers (id, is_active, discount_percent, max_discount_amount, started_at, expires_at)
		VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET is_active = EXCLUDED.is_active,
			discount_percent = EXCLUDED.discount_percent,
			max_discount_amount = EXCLUDED.max_discount_amount,
			started_at = EXCLUDED.started_at, expires_at = EXCLUDED.expires_at`

	deactivateFlashOfferSQL = `UPDATE flash_offers SET is_active = FALSE WHERE id = 1 AND is_active`

	deleteFlashOfferSQL = `DELETE FROM flash_offers WHERE id = 1`
)

var _ promotion.FlashOfferRepository = (*FlashOfferRepository)(nil)

// FlashOfferRepository stores the flash offer singleton row.
type FlashOfferRepository struct {
	pool *pgxpool.Pool
}

// NewFlashOfferRepository returns a FlashOfferRepository that uses the given pool.
func NewFlashOfferRepository(pool *pgxpool.Pool) *FlashOfferRepository {
	return &FlashOfferRepository{pool: pool}
}

// GetFlashOffer returns the stored offer, active or not.
func (r *FlashOfferRepository) GetFlashOffer(ctx context.Context) (*promotion.FlashOffer, error) {
	var o promotion.FlashOffer
	err := conn(ctx, r.pool).QueryRow(ctx, getFlashOfferSQL).Scan(
		&o.IsActive, &o.DiscountPercent, &o.MaxDiscountAmount, &o.StartedAt, &o.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, promotion.ErrNotFound
		}
		return nil, fmt.Errorf("getting flash offer: %w", err)
	}
	return &o, nil
}

// SaveFlashOffer upserts the singleton.
func (r *FlashOfferRepository) SaveFlashOffer(ctx context.Context, o promotion.FlashOffer) error {
	_, err := conn(ctx, r.pool).Exec(ctx, saveFlashOfferSQL,
		o.IsActive, o.DiscountPercent, o.MaxDiscountAmount, o.StartedAt, o.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("saving flash offer: %w", err)
	}
	return nil
}

// DeactivateFlashOffer clears the active flag.
func (r *FlashOfferRepository) DeactivateFlashOffer(ctx context.Context) error {
	if _, err := conn(ctx, r.pool).Exec(ctx, deactivateFlashOfferSQL); err != nil {
		return fmt.Errorf("deactivating flash offer: %w", err)
	}
	return nil
}

// DeleteFlashOffer removes the singleton.
func (r *FlashOfferRepository) DeleteFlashOffer(ctx context.Context) error {
	if _, err := conn(ctx, r.pool).Exec(ctx, deleteFlashOfferSQL); err != nil {
		return fmt.Errorf("deleting flash offer: %w", err)
	}
	return nil
}
