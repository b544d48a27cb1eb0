package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/shopcart/internal/domain/order"
	"github.com/xenking/shopcart/internal/domain/pricing"
	"github.com/xenking/shopcart/internal/domain/promotion"
)

const (
	orderColumns = `id, user_id, items, items_price, shipping_price, coupon_discount, referral_discount,
		flash_discount, flash_discount_percent, prepaid_discount, total_price, total_items, applied_promotion,
		payment_mode, payment_status, status, coupon_code, referral_code, shipping_address, payment_ref,
		created_at, updated_at, cancelled_at, delivered_at`

	createOrderSQL = `INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24)`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	listOrdersByUserSQL = `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`

	listOrdersSQL = `SELECT ` + orderColumns + ` FROM orders ORDER BY created_at DESC`

	updateOrderStatusSQL = `UPDATE orders SET status = $2, payment_status = $3, payment_ref = $4,
		updated_at = $5, cancelled_at = $6, delivered_at = $7
		WHERE id = $1`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists a new order. Items and the shipping address are stored as
// JSONB.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshaling order items: %w", err)
	}
	addressJSON, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return fmt.Errorf("marshaling shipping address: %w", err)
	}

	b := o.Breakdown
	_, err = conn(ctx, r.pool).Exec(ctx, createOrderSQL,
		o.ID, o.UserID, itemsJSON, b.ItemsPrice, b.ShippingPrice, b.CouponDiscount, b.ReferralDiscount,
		b.FlashDiscount, b.FlashDiscountPercent, b.PrepaidDiscount, b.TotalPrice, b.TotalItems, string(b.Applied),
		string(o.PaymentMode), string(o.PaymentStatus), string(o.Status), o.CouponCode, o.ReferralCode,
		addressJSON, o.PaymentRef, o.CreatedAt, o.UpdatedAt, o.CancelledAt, o.DeliveredAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return order.ErrAlreadyExists
		}
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}
	return nil
}

// Get returns an order by id. Inside a transaction the row is locked until
// commit.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	query := getOrderSQL
	if inTx(ctx) {
		query += ` FOR UPDATE`
	}
	rows, err := conn(ctx, r.pool).Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}

	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	return &o, nil
}

// ListByUser returns the orders of userID, newest first.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string) ([]order.Order, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, listOrdersByUserSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("listing orders of %q: %w", userID, err)
	}
	return pgx.CollectRows(rows, scanOrder)
}

// ListAll returns every order, newest first.
func (r *OrderRepository) ListAll(ctx context.Context) ([]order.Order, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, listOrdersSQL)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	return pgx.CollectRows(rows, scanOrder)
}

// UpdateStatus persists the status fields of o.
func (r *OrderRepository) UpdateStatus(ctx context.Context, o *order.Order) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, updateOrderStatusSQL,
		o.ID, string(o.Status), string(o.PaymentStatus), o.PaymentRef,
		o.UpdatedAt, o.CancelledAt, o.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("updating order %q: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o                                   order.Order
		b                                   pricing.Breakdown
		items, address                      []byte
		applied, mode, paymentStatus, state string
	)
	if err := row.Scan(
		&o.ID, &o.UserID, &items, &b.ItemsPrice, &b.ShippingPrice, &b.CouponDiscount, &b.ReferralDiscount,
		&b.FlashDiscount, &b.FlashDiscountPercent, &b.PrepaidDiscount, &b.TotalPrice, &b.TotalItems, &applied,
		&mode, &paymentStatus, &state, &o.CouponCode, &o.ReferralCode, &address, &o.PaymentRef,
		&o.CreatedAt, &o.UpdatedAt, &o.CancelledAt, &o.DeliveredAt,
	); err != nil {
		return o, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return o, fmt.Errorf("unmarshaling order items: %w", err)
	}
	if err := json.Unmarshal(address, &o.ShippingAddress); err != nil {
		return o, fmt.Errorf("unmarshaling shipping address: %w", err)
	}
	b.Applied = promotion.Kind(applied)
	o.Breakdown = b
	o.PaymentMode = pricing.PaymentMode(mode)
	o.PaymentStatus = order.PaymentStatus(paymentStatus)
	o.Status = order.Status(state)
	return o, nil
}
