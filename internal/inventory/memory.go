package inventory

import (
	"context"
	"slices"
	"sort"
	"sync"
)

type serialKey struct {
	warehouseID int64
	serial      string
}

// MemoryStore is an in-process Store. Transactions run one at a time and
// stage their writes until commit, so a failed callback leaves no trace.
type MemoryStore struct {
	txMu sync.Mutex

	mu         sync.RWMutex
	aggregates map[aggregateKey]Aggregate
	entries    []LedgerEntry
	serials    map[serialKey]SerialItem
	keys       map[string]struct{}
	seq        int64
	faults     map[string]error
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		aggregates: make(map[aggregateKey]Aggregate),
		serials:    make(map[serialKey]SerialItem),
		keys:       make(map[string]struct{}),
		faults:     make(map[string]error),
	}
}

// InjectFault makes the next call of the named transactional operation fail
// with err. Operation names match TxStore method names.
func (s *MemoryStore) InjectFault(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = err
}

func (s *MemoryStore) fault(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err, ok := s.faults[op]
	if ok {
		delete(s.faults, op)
	}
	return err
}

// WithTx runs fn against a staged view and commits it when fn succeeds.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryTx{
		store:      s,
		aggregates: make(map[aggregateKey]Aggregate),
		serials:    make(map[serialKey]SerialItem),
		keys:       make(map[string]struct{}),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memoryTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, item := range tx.serials {
		if item.State != SerialInStock {
			continue
		}
		for other, existing := range s.serials {
			if other.serial != key.serial || other.warehouseID == key.warehouseID || existing.State != SerialInStock {
				continue
			}
			if staged, ok := tx.serials[other]; ok && staged.State != SerialInStock {
				continue
			}
			return newError(CodeSerialStateConflict, item.WarehouseID, item.ProductID, item.SerialNumber, "serial is in stock elsewhere")
		}
	}
	for key := range tx.keys {
		s.keys[key] = struct{}{}
	}
	for k, agg := range tx.aggregates {
		s.aggregates[k] = agg
	}
	for k, item := range tx.serials {
		s.serials[k] = item
	}
	// Seq is assigned in place so the caller's posting carries it.
	for _, batch := range tx.pending {
		for i := range batch {
			s.seq++
			batch[i].Seq = s.seq
			s.entries = append(s.entries, cloneEntry(batch[i]))
		}
	}
	return nil
}

// GetAggregate returns the committed aggregate.
func (s *MemoryStore) GetAggregate(_ context.Context, warehouseID, productID int64) (Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg, ok := s.aggregates[aggregateKey{warehouseID, productID}]
	if !ok {
		return Aggregate{}, ErrAggregateNotFound
	}
	return agg, nil
}

// ListAggregates returns committed aggregates of a warehouse by product id.
func (s *MemoryStore) ListAggregates(_ context.Context, warehouseID int64) ([]Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Aggregate
	for k, agg := range s.aggregates {
		if k.warehouseID == warehouseID {
			out = append(out, agg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

// ListEntries returns committed entries in append order.
func (s *MemoryStore) ListEntries(_ context.Context, filter LedgerFilter) ([]LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []LedgerEntry
	for _, e := range s.entries {
		if e.WarehouseID != filter.WarehouseID || e.ProductID != filter.ProductID {
			continue
		}
		if !filter.From.IsZero() && e.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !e.CreatedAt.Before(filter.To) {
			continue
		}
		out = append(out, cloneEntry(e))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// EntriesByReference returns committed entries sharing a reference id.
func (s *MemoryStore) EntriesByReference(_ context.Context, referenceID string) ([]LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []LedgerEntry
	for _, e := range s.entries {
		if e.ReferenceID == referenceID {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

// GetSerial returns a committed serial item.
func (s *MemoryStore) GetSerial(_ context.Context, warehouseID int64, serial string) (SerialItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.serials[serialKey{warehouseID, serial}]
	if !ok {
		return SerialItem{}, ErrSerialNotFound
	}
	return item, nil
}

// ListSerials returns committed serial items ordered by serial number.
func (s *MemoryStore) ListSerials(_ context.Context, filter SerialFilter) ([]SerialItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []SerialItem
	for k, item := range s.serials {
		if k.warehouseID != filter.WarehouseID {
			continue
		}
		if filter.ProductID != 0 && item.ProductID != filter.ProductID {
			continue
		}
		if filter.State != "" && item.State != filter.State {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SerialNumber < out[j].SerialNumber })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func cloneEntry(e LedgerEntry) LedgerEntry {
	e.UniqueIdentifiers = slices.Clone(e.UniqueIdentifiers)
	return e
}

type memoryTx struct {
	store      *MemoryStore
	aggregates map[aggregateKey]Aggregate
	serials    map[serialKey]SerialItem
	keys       map[string]struct{}
	pending    [][]LedgerEntry
}

func (t *memoryTx) ClaimIdempotencyKey(_ context.Context, key string) (bool, error) {
	if err := t.store.fault("ClaimIdempotencyKey"); err != nil {
		return false, err
	}
	t.store.mu.RLock()
	_, committed := t.store.keys[key]
	t.store.mu.RUnlock()
	if _, staged := t.keys[key]; committed || staged {
		return false, nil
	}
	t.keys[key] = struct{}{}
	return true, nil
}

func (t *memoryTx) EntriesByIdempotencyKey(_ context.Context, key string) ([]LedgerEntry, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	var out []LedgerEntry
	for _, e := range t.store.entries {
		if e.IdempotencyKey == key {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

func (t *memoryTx) GetAggregateForUpdate(_ context.Context, warehouseID, productID int64) (Aggregate, error) {
	if err := t.store.fault("GetAggregateForUpdate"); err != nil {
		return Aggregate{}, err
	}
	k := aggregateKey{warehouseID, productID}
	if agg, ok := t.aggregates[k]; ok {
		return agg, nil
	}
	t.store.mu.RLock()
	agg, ok := t.store.aggregates[k]
	t.store.mu.RUnlock()
	if !ok {
		agg = Aggregate{WarehouseID: warehouseID, ProductID: productID}
	}
	return agg, nil
}

func (t *memoryTx) SaveAggregate(_ context.Context, agg Aggregate) error {
	if err := t.store.fault("SaveAggregate"); err != nil {
		return err
	}
	t.aggregates[aggregateKey{agg.WarehouseID, agg.ProductID}] = agg
	return nil
}

func (t *memoryTx) InsertEntries(_ context.Context, entries []LedgerEntry) error {
	if err := t.store.fault("InsertEntries"); err != nil {
		return err
	}
	t.pending = append(t.pending, entries)
	return nil
}

func (t *memoryTx) GetSerialForUpdate(_ context.Context, warehouseID int64, serial string) (SerialItem, error) {
	k := serialKey{warehouseID, serial}
	if item, ok := t.serials[k]; ok {
		return item, nil
	}
	t.store.mu.RLock()
	item, ok := t.store.serials[k]
	t.store.mu.RUnlock()
	if !ok {
		return SerialItem{}, ErrSerialNotFound
	}
	return item, nil
}

func (t *memoryTx) FindInStockSerial(_ context.Context, serial string) (SerialItem, error) {
	for k, item := range t.serials {
		if k.serial == serial && item.State == SerialInStock {
			return item, nil
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	for k, item := range t.store.serials {
		if k.serial != serial || item.State != SerialInStock {
			continue
		}
		if staged, ok := t.serials[k]; ok && staged.State != SerialInStock {
			continue
		}
		return item, nil
	}
	return SerialItem{}, ErrSerialNotFound
}

func (t *memoryTx) SaveSerial(_ context.Context, item SerialItem) error {
	if err := t.store.fault("SaveSerial"); err != nil {
		return err
	}
	t.serials[serialKey{item.WarehouseID, item.SerialNumber}] = item
	return nil
}
