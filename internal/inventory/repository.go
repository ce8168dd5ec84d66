package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

const serialInStockConstraint = "serial_items_in_stock_key"

// ledgerTxOptions runs postings at read committed. Every aggregate row is
// read FOR UPDATE before serials are touched, so a writer from another
// process waits for the row and then sees its committed value.
var ledgerTxOptions = pgx.TxOptions{IsoLevel: pgx.ReadCommitted}

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a ledger transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	return db.WithTx(ctx, r.pool, ledgerTxOptions, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const aggregateColumns = `warehouse_id, product_id, quantity, available_qty, damaged_qty, updated_at`

const entryColumns = `id::text, seq, warehouse_id, product_id, client_id, movement_type, direction, subtype,
quantity, item_condition, unique_identifiers, notes, reference_type, reference_id,
COALESCE(counterpart_warehouse_id, 0), idempotency_key, created_by, created_at`

const serialColumns = `warehouse_id, product_id, serial_number, state, return_count,
COALESCE(last_movement_id::text, ''), created_at, updated_at`

// GetAggregate returns the aggregate or ErrAggregateNotFound.
func (r *Repository) GetAggregate(ctx context.Context, warehouseID, productID int64) (Aggregate, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+aggregateColumns+` FROM inventory_aggregates
WHERE warehouse_id = $1 AND product_id = $2`, warehouseID, productID)
	return scanAggregate(row)
}

// ListAggregates returns every aggregate of a warehouse.
func (r *Repository) ListAggregates(ctx context.Context, warehouseID int64) ([]Aggregate, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+aggregateColumns+` FROM inventory_aggregates
WHERE warehouse_id = $1 ORDER BY product_id`, warehouseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Aggregate
	for rows.Next() {
		agg, err := scanAggregate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, agg)
	}
	return out, rows.Err()
}

// ListEntries returns entries for one product in a warehouse in append order.
func (r *Repository) ListEntries(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, error) {
	var (
		sb   strings.Builder
		args = []any{filter.WarehouseID, filter.ProductID}
	)
	sb.WriteString(`SELECT ` + entryColumns + ` FROM ledger_entries WHERE warehouse_id = $1 AND product_id = $2`)
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		fmt.Fprintf(&sb, " AND created_at >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		fmt.Fprintf(&sb, " AND created_at < $%d", len(args))
	}
	sb.WriteString(" ORDER BY seq")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	return queryEntries(ctx, r.pool, sb.String(), args...)
}

// EntriesByReference returns every entry sharing a reference id.
func (r *Repository) EntriesByReference(ctx context.Context, referenceID string) ([]LedgerEntry, error) {
	return queryEntries(ctx, r.pool, `SELECT `+entryColumns+` FROM ledger_entries WHERE reference_id = $1 ORDER BY seq`, referenceID)
}

// GetSerial returns a serial item or ErrSerialNotFound.
func (r *Repository) GetSerial(ctx context.Context, warehouseID int64, serial string) (SerialItem, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+serialColumns+` FROM serial_items
WHERE warehouse_id = $1 AND serial_number = $2`, warehouseID, serial)
	return scanSerial(row)
}

// ListSerials returns serial items of a warehouse.
func (r *Repository) ListSerials(ctx context.Context, filter SerialFilter) ([]SerialItem, error) {
	var (
		sb   strings.Builder
		args = []any{filter.WarehouseID}
	)
	sb.WriteString(`SELECT ` + serialColumns + ` FROM serial_items WHERE warehouse_id = $1`)
	if filter.ProductID != 0 {
		args = append(args, filter.ProductID)
		fmt.Fprintf(&sb, " AND product_id = $%d", len(args))
	}
	if filter.State != "" {
		args = append(args, string(filter.State))
		fmt.Fprintf(&sb, " AND state = $%d", len(args))
	}
	args = append(args, filter.Limit)
	fmt.Fprintf(&sb, " ORDER BY serial_number LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SerialItem
	for rows.Next() {
		item, err := scanSerial(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (t *txRepo) ClaimIdempotencyKey(ctx context.Context, key string) (bool, error) {
	tag, err := t.tx.Exec(ctx, `INSERT INTO ledger_idempotency_keys (key) VALUES ($1) ON CONFLICT (key) DO NOTHING`, key)
	if err != nil {
		return false, fmt.Errorf("inventory: claim idempotency key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepo) EntriesByIdempotencyKey(ctx context.Context, key string) ([]LedgerEntry, error) {
	return queryEntries(ctx, t.tx, `SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = $1 ORDER BY seq`, key)
}

func (t *txRepo) GetAggregateForUpdate(ctx context.Context, warehouseID, productID int64) (Aggregate, error) {
	// Materialise the row first so concurrent writers serialise on it.
	if _, err := t.tx.Exec(ctx, `INSERT INTO inventory_aggregates (warehouse_id, product_id)
VALUES ($1, $2) ON CONFLICT (warehouse_id, product_id) DO NOTHING`, warehouseID, productID); err != nil {
		return Aggregate{}, fmt.Errorf("inventory: ensure aggregate: %w", err)
	}
	row := t.tx.QueryRow(ctx, `SELECT `+aggregateColumns+` FROM inventory_aggregates
WHERE warehouse_id = $1 AND product_id = $2 FOR UPDATE`, warehouseID, productID)
	return scanAggregate(row)
}

func (t *txRepo) SaveAggregate(ctx context.Context, agg Aggregate) error {
	_, err := t.tx.Exec(ctx, `UPDATE inventory_aggregates
SET quantity = $3, available_qty = $4, damaged_qty = $5, updated_at = $6
WHERE warehouse_id = $1 AND product_id = $2`,
		agg.WarehouseID, agg.ProductID, agg.Quantity, agg.AvailableQty, agg.DamagedQty, agg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inventory: save aggregate: %w", err)
	}
	return nil
}

func (t *txRepo) InsertEntries(ctx context.Context, entries []LedgerEntry) error {
	for i := range entries {
		e := &entries[i]
		var counterpart *int64
		if e.CounterpartWarehouseID != 0 {
			counterpart = &e.CounterpartWarehouseID
		}
		serials := e.UniqueIdentifiers
		if serials == nil {
			serials = []string{}
		}
		err := t.tx.QueryRow(ctx, `INSERT INTO ledger_entries
(id, warehouse_id, product_id, client_id, movement_type, direction, subtype, quantity, item_condition,
 unique_identifiers, notes, reference_type, reference_id, counterpart_warehouse_id, idempotency_key,
 created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
RETURNING seq`,
			e.ID, e.WarehouseID, e.ProductID, e.ClientID, string(e.MovementType), string(e.Direction), string(e.Subtype),
			e.Quantity, string(e.ItemCondition), serials, e.Notes, e.ReferenceType, e.ReferenceID, counterpart,
			e.IdempotencyKey, e.CreatedBy, e.CreatedAt,
		).Scan(&e.Seq)
		if err != nil {
			return fmt.Errorf("inventory: insert ledger entry: %w", err)
		}
	}
	return nil
}

func (t *txRepo) GetSerialForUpdate(ctx context.Context, warehouseID int64, serial string) (SerialItem, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+serialColumns+` FROM serial_items
WHERE warehouse_id = $1 AND serial_number = $2 FOR UPDATE`, warehouseID, serial)
	return scanSerial(row)
}

func (t *txRepo) FindInStockSerial(ctx context.Context, serial string) (SerialItem, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+serialColumns+` FROM serial_items
WHERE serial_number = $1 AND state = 'IN_STOCK'`, serial)
	return scanSerial(row)
}

func (t *txRepo) SaveSerial(ctx context.Context, item SerialItem) error {
	var lastMovement *string
	if item.LastMovementID != "" {
		lastMovement = &item.LastMovementID
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO serial_items
(warehouse_id, serial_number, product_id, state, return_count, last_movement_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (warehouse_id, serial_number) DO UPDATE
SET state = EXCLUDED.state, return_count = EXCLUDED.return_count,
    last_movement_id = EXCLUDED.last_movement_id, updated_at = EXCLUDED.updated_at`,
		item.WarehouseID, item.SerialNumber, item.ProductID, string(item.State), item.ReturnCount,
		lastMovement, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, serialInStockConstraint) {
			return newError(CodeSerialStateConflict, item.WarehouseID, item.ProductID, item.SerialNumber, "serial is in stock elsewhere")
		}
		return fmt.Errorf("inventory: save serial: %w", err)
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryEntries(ctx context.Context, q querier, sql string, args ...any) ([]LedgerEntry, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LedgerEntry
	for rows.Next() {
		var (
			e                           LedgerEntry
			mt, dir, subtype, condition string
		)
		if err := rows.Scan(&e.ID, &e.Seq, &e.WarehouseID, &e.ProductID, &e.ClientID, &mt, &dir, &subtype,
			&e.Quantity, &condition, &e.UniqueIdentifiers, &e.Notes, &e.ReferenceType, &e.ReferenceID,
			&e.CounterpartWarehouseID, &e.IdempotencyKey, &e.CreatedBy, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("inventory: scan ledger entry: %w", err)
		}
		e.MovementType, e.Direction, e.Subtype, e.ItemCondition = MovementType(mt), Direction(dir), Subtype(subtype), Condition(condition)
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanAggregate(row pgx.Row) (Aggregate, error) {
	var agg Aggregate
	if err := row.Scan(&agg.WarehouseID, &agg.ProductID, &agg.Quantity, &agg.AvailableQty, &agg.DamagedQty, &agg.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Aggregate{}, ErrAggregateNotFound
		}
		return Aggregate{}, fmt.Errorf("inventory: scan aggregate: %w", err)
	}
	return agg, nil
}

func scanSerial(row pgx.Row) (SerialItem, error) {
	var (
		item  SerialItem
		state string
	)
	if err := row.Scan(&item.WarehouseID, &item.ProductID, &item.SerialNumber, &state, &item.ReturnCount,
		&item.LastMovementID, &item.CreatedAt, &item.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SerialItem{}, ErrSerialNotFound
		}
		return SerialItem{}, fmt.Errorf("inventory: scan serial: %w", err)
	}
	item.State = SerialState(state)
	return item, nil
}
