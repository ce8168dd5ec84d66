// Package catalog provides read-only product lookup for the stock ledger.
package catalog

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Product represents a product entity as seen by the ledger.
type Product struct {
	ID           int64     `json:"id"`
	ClientID     int64     `json:"client_id"`
	SKU          string    `json:"sku"`
	Barcode      string    `json:"barcode"`
	Name         string    `json:"name"`
	IsSerialized bool      `json:"is_serialized"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// ErrProductNotFound indicates no active product matched.
var ErrProductNotFound = errors.New("catalog: product not found")

// Catalog is the lookup contract consumed by the ledger and scan sessions.
type Catalog interface {
	Get(ctx context.Context, id int64) (Product, error)
	Lookup(ctx context.Context, code string) (Product, error)
}

// NormalizeCode trims and lower-cases a scanned or typed code.
func NormalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
