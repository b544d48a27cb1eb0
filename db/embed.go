// Package db provides the embedded database schema and seed catalog.
package db

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/xenking/shopcart/internal/domain/product"
)

// Schema contains the DDL statements for all application tables.
//
//go:embed migrations/001_schema.sql
var Schema string

// SeedProducts is the default catalog loaded by the seed tool and by the
// in-memory backend.
//
//go:embed seed/products.json
var SeedProducts []byte

type seedProduct struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	DiscountPrice decimal.Decimal `json:"discountPrice"`
	Stock         int             `json:"stock"`
	Inactive      bool            `json:"inactive"`
}

// ParseProducts decodes a catalog in the seed file format.
func ParseProducts(data []byte) ([]product.Product, error) {
	var raw []seedProduct
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing products: %w", err)
	}
	out := make([]product.Product, 0, len(raw))
	for _, p := range raw {
		if p.ID == "" || !p.Price.IsPositive() || p.Stock < 0 {
			return nil, fmt.Errorf("invalid product %q", p.ID)
		}
		out = append(out, product.Product{
			ID:            p.ID,
			Name:          p.Name,
			Price:         p.Price,
			DiscountPrice: p.DiscountPrice,
			Stock:         p.Stock,
			IsActive:      !p.Inactive,
		})
	}
	return out, nil
}
