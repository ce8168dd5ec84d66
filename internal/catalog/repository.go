package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads products from PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const productColumns = `id, client_id, sku, barcode, name, is_serialized, is_active, created_at`

// Get loads an active product by id.
func (r *Repository) Get(ctx context.Context, id int64) (Product, error) {
	if id <= 0 {
		return Product{}, ErrProductNotFound
	}
	row := r.db.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 AND is_active`, id)
	return scanProduct(row)
}

// Lookup matches an active product by SKU first, then by barcode.
func (r *Repository) Lookup(ctx context.Context, code string) (Product, error) {
	normalized := NormalizeCode(code)
	if normalized == "" {
		return Product{}, ErrProductNotFound
	}
	row := r.db.QueryRow(ctx, `SELECT `+productColumns+` FROM products
WHERE is_active AND (LOWER(sku) = $1 OR (barcode <> '' AND LOWER(barcode) = $1))
ORDER BY (LOWER(sku) = $1) DESC, id ASC
LIMIT 1`, normalized)
	return scanProduct(row)
}

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	if err := row.Scan(&p.ID, &p.ClientID, &p.SKU, &p.Barcode, &p.Name, &p.IsSerialized, &p.IsActive, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrProductNotFound
		}
		return Product{}, fmt.Errorf("catalog: scan product: %w", err)
	}
	return p, nil
}
