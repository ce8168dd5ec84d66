package catalog

import (
	"context"
	"sync"
)

// MemoryCatalog is an in-process Catalog used by tests and the scan CLI.
type MemoryCatalog struct {
	mu       sync.RWMutex
	products map[int64]Product
}

// NewMemoryCatalog seeds a catalog with products.
func NewMemoryCatalog(products ...Product) *MemoryCatalog {
	c := &MemoryCatalog{products: make(map[int64]Product, len(products))}
	for _, p := range products {
		c.Put(p)
	}
	return c
}

// Put inserts or replaces a product.
func (c *MemoryCatalog) Put(p Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[p.ID] = p
}

// Get returns an active product by id.
func (c *MemoryCatalog) Get(_ context.Context, id int64) (Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[id]
	if !ok || !p.IsActive {
		return Product{}, ErrProductNotFound
	}
	return p, nil
}

// Lookup matches SKU before barcode, ignoring case and surrounding space.
func (c *MemoryCatalog) Lookup(_ context.Context, code string) (Product, error) {
	normalized := NormalizeCode(code)
	if normalized == "" {
		return Product{}, ErrProductNotFound
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var byBarcode *Product
	for _, p := range c.products {
		if !p.IsActive {
			continue
		}
		if NormalizeCode(p.SKU) == normalized {
			return p, nil
		}
		if p.Barcode != "" && NormalizeCode(p.Barcode) == normalized {
			if byBarcode == nil || p.ID < byBarcode.ID {
				match := p
				byBarcode = &match
			}
		}
	}
	if byBarcode != nil {
		return *byBarcode, nil
	}
	return Product{}, ErrProductNotFound
}
