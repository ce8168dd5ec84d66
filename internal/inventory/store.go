package inventory

import (
	"context"
	"errors"
)

// Store abstracts persistence of the ledger, aggregates and serial items.
type Store interface {
	WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error
	GetAggregate(ctx context.Context, warehouseID, productID int64) (Aggregate, error)
	ListAggregates(ctx context.Context, warehouseID int64) ([]Aggregate, error)
	ListEntries(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, error)
	EntriesByReference(ctx context.Context, referenceID string) ([]LedgerEntry, error)
	GetSerial(ctx context.Context, warehouseID int64, serial string) (SerialItem, error)
	ListSerials(ctx context.Context, filter SerialFilter) ([]SerialItem, error)
}

// TxStore exposes the writes that make up one atomic movement. Reads inside a
// transaction observe the transaction's own writes.
type TxStore interface {
	// ClaimIdempotencyKey returns false when the key was committed before.
	ClaimIdempotencyKey(ctx context.Context, key string) (bool, error)
	EntriesByIdempotencyKey(ctx context.Context, key string) ([]LedgerEntry, error)
	// GetAggregateForUpdate locks the aggregate row, returning a zero
	// aggregate when none exists yet.
	GetAggregateForUpdate(ctx context.Context, warehouseID, productID int64) (Aggregate, error)
	SaveAggregate(ctx context.Context, agg Aggregate) error
	InsertEntries(ctx context.Context, entries []LedgerEntry) error
	GetSerialForUpdate(ctx context.Context, warehouseID int64, serial string) (SerialItem, error)
	// FindInStockSerial returns the IN_STOCK item with this serial in any
	// warehouse, or ErrSerialNotFound.
	FindInStockSerial(ctx context.Context, serial string) (SerialItem, error)
	SaveSerial(ctx context.Context, item SerialItem) error
}

// ErrAggregateNotFound indicates no aggregate row exists yet.
var ErrAggregateNotFound = errors.New("inventory: aggregate not found")
