package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/shopcart/internal/domain/product"
)

const (
	productColumns = `id, name, price, discount_price, stock, is_active, is_deleted`

	getProductByIDSQL = `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	getProductsByIDsSQL = `SELECT ` + productColumns + ` FROM products WHERE id = ANY($1)`

	decrementStockSQL = `UPDATE products SET stock = stock - $2
		WHERE id = $1 AND stock >= $2 AND is_active AND NOT is_deleted`

	currentStockSQL = `SELECT stock FROM products WHERE id = $1`

	restoreStockSQL = `UPDATE products SET stock = stock + $2 WHERE id = $1`

	upsertProductSQL = `INSERT INTO products (id, name, price, discount_price, stock, is_active, is_deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, price = EXCLUDED.price,
			discount_price = EXCLUDED.discount_price, stock = EXCLUDED.stock,
			is_active = EXCLUDED.is_active, is_deleted = EXCLUDED.is_deleted`
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository backed by PostgreSQL.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// GetByID returns a single product by its identifier.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*product.Product, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, getProductByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}
	return &p, nil
}

// GetByIDs returns products matching any of the given IDs.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, getProductsByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting products by ids: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// DecrementStock subtracts every change or none of them. Each row update is
// conditional on sufficient stock.
func (r *ProductRepository) DecrementStock(ctx context.Context, changes []product.StockChange) error {
	return withTx(ctx, r.pool, func(q querier) error {
		for _, c := range changes {
			tag, err := q.Exec(ctx, decrementStockSQL, c.ProductID, c.Quantity)
			if err != nil {
				return fmt.Errorf("decrementing stock of %q: %w", c.ProductID, err)
			}
			if tag.RowsAffected() == 1 {
				continue
			}
			var available int
			if err := q.QueryRow(ctx, currentStockSQL, c.ProductID).Scan(&available); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return product.ErrNotFound
				}
				return fmt.Errorf("reading stock of %q: %w", c.ProductID, err)
			}
			return &product.InsufficientStockError{
				ProductID: c.ProductID,
				Available: available,
				Requested: c.Quantity,
			}
		}
		return nil
	})
}

// RestoreStock adds quantities back, e.g. for a cancelled order.
func (r *ProductRepository) RestoreStock(ctx context.Context, changes []product.StockChange) error {
	return withTx(ctx, r.pool, func(q querier) error {
		for _, c := range changes {
			if _, err := q.Exec(ctx, restoreStockSQL, c.ProductID, c.Quantity); err != nil {
				return fmt.Errorf("restoring stock of %q: %w", c.ProductID, err)
			}
		}
		return nil
	})
}

// Upsert inserts or replaces catalog rows. Used by the seed tool.
func (r *ProductRepository) Upsert(ctx context.Context, products []product.Product) error {
	return withTx(ctx, r.pool, func(q querier) error {
		for _, p := range products {
			if _, err := q.Exec(ctx, upsertProductSQL,
				p.ID, p.Name, p.Price, p.DiscountPrice, p.Stock, p.IsActive, p.IsDeleted,
			); err != nil {
				return fmt.Errorf("upserting product %q: %w", p.ID, err)
			}
		}
		return nil
	})
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var p product.Product
	err := row.Scan(&p.ID, &p.Name, &p.Price, &p.DiscountPrice, &p.Stock, &p.IsActive, &p.IsDeleted)
	return p, err
}
