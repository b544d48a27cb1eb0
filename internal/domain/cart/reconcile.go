package cart

import (
	"github.com/xenking/shopcart/internal/domain/pricing"
	"github.com/xenking/shopcart/internal/domain/product"
)

// Reconciliation is the outcome of checking a cart against current products.
type Reconciliation struct {
	// Items is the surviving item set.
	Items []Item
	// Removed lists products dropped as missing, unavailable or out of stock.
	Removed []string
	// Clamped lists products whose quantity was reduced to the stock level.
	Clamped []string
	Changed bool
}

// Reconcile checks items against product snapshots without mutating c.
// Running it again on its own output with the same products reports no change.
func Reconcile(c *Cart, products []product.Product) Reconciliation {
	byID := product.Index(products)
	rec := Reconciliation{Items: make([]Item, 0, len(c.Items))}
	for _, it := range c.Items {
		p, ok := byID[it.ProductID]
		if !ok || !p.Purchasable() || p.Stock <= 0 {
			rec.Removed = append(rec.Removed, it.ProductID)
			rec.Changed = true
			continue
		}
		if it.Quantity > p.Stock {
			it.Quantity = p.Stock
			rec.Clamped = append(rec.Clamped, it.ProductID)
			rec.Changed = true
		}
		rec.Items = append(rec.Items, it)
	}
	return rec
}

// Warning summarizes removals for display.
func (r Reconciliation) Warning() string {
	switch {
	case len(r.Removed) > 0 && len(r.Clamped) > 0:
		return "some items were removed or reduced due to stock or availability changes"
	case len(r.Removed) > 0:
		return "some items were removed because they are no longer available"
	case len(r.Clamped) > 0:
		return "some quantities were reduced to match available stock"
	}
	return ""
}

// Lines resolves items into pricing lines using each product's effective
// price. Items without a snapshot are skipped.
func Lines(items []Item, products map[string]product.Product) []pricing.Line {
	lines := make([]pricing.Line, 0, len(items))
	for _, it := range items {
		p, ok := products[it.ProductID]
		if !ok {
			continue
		}
		lines = append(lines, pricing.Line{
			ProductID: it.ProductID,
			UnitPrice: p.EffectivePrice(),
			Quantity:  it.Quantity,
		})
	}
	return lines
}
