package product

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a requested product does not exist.
	ErrNotFound = errors.New("product not found")
	// ErrUnavailable is returned when a product exists but is deleted or inactive.
	ErrUnavailable = errors.New("product is no longer available")
	// ErrInsufficientStock is returned when the requested quantity exceeds stock.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// InsufficientStockError reports how much stock was available for a request.
type InsufficientStockError struct {
	ProductID string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("only %d items of product %s available, requested %d",
		e.Available, e.ProductID, e.Requested)
}

// Is reports whether target is ErrInsufficientStock.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// Product is a catalog snapshot: price, discount price, stock and availability.
type Product struct {
	ID            string
	Name          string
	Price         decimal.Decimal
	DiscountPrice decimal.Decimal
	Stock         int
	IsActive      bool
	IsDeleted     bool
}

// Purchasable reports whether the product may be held in a cart.
func (p *Product) Purchasable() bool {
	return p.IsActive && !p.IsDeleted
}

// EffectivePrice is the discount price when one is set, otherwise the list price.
func (p *Product) EffectivePrice() decimal.Decimal {
	if p.DiscountPrice.IsPositive() {
		return p.DiscountPrice
	}
	return p.Price
}

// StockChange is a signed stock adjustment for one product.
type StockChange struct {
	ProductID string
	Quantity  int
}

// Repository provides product snapshots and atomic stock mutation.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Product, error)
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
	// DecrementStock subtracts quantities atomically, failing with
	// *InsufficientStockError when any product would drop below zero.
	DecrementStock(ctx context.Context, changes []StockChange) error
	RestoreStock(ctx context.Context, changes []StockChange) error
}

// Index maps products by ID.
func Index(products []Product) map[string]Product {
	m := make(map[string]Product, len(products))
	for _, p := range products {
		m[p.ID] = p
	}
	return m
}
