package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockledger/internal/catalog"
	"github.com/odyssey-erp/stockledger/internal/platform/locks"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// ProductSource resolves products referenced by movements.
type ProductSource interface {
	Get(ctx context.Context, id int64) (catalog.Product, error)
}

// Locker provides the per-(warehouse, product) critical section.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (locks.Unlock, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// EngineConfig groups optional settings.
type EngineConfig struct {
	Logger  *slog.Logger
	Metrics *Metrics
	Now     func() time.Time
}

// Engine is the single authority for stock changes. Every movement appends
// ledger entries, updates aggregates and transitions serial items in one
// transaction.
type Engine struct {
	store    Store
	products ProductSource
	locker   Locker
	audit    AuditPort
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time
	serials  *SerialRegistry
}

// NewEngine builds Engine. A nil locker falls back to an in-process keyed mutex.
func NewEngine(store Store, products ProductSource, locker Locker, audit AuditPort, cfg EngineConfig) *Engine {
	if locker == nil {
		locker = locks.NewKeyedMutex()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:    store,
		products: products,
		locker:   locker,
		audit:    audit,
		logger:   logger,
		metrics:  cfg.Metrics,
		now:      now,
		serials:  NewSerialRegistry(store),
	}
}

// Serials exposes the serial registry read side.
func (e *Engine) Serials() *SerialRegistry {
	return e.serials
}

// ApplyMovement applies a single movement atomically.
func (e *Engine) ApplyMovement(ctx context.Context, in MovementInput) (Posting, error) {
	return e.ApplyBatch(ctx, Batch{
		ReferenceType:  in.ReferenceType,
		ReferenceID:    in.ReferenceID,
		IdempotencyKey: in.IdempotencyKey,
		Movements:      []MovementInput{in},
	})
}

// ApplyBatch applies movements in order as one atomic unit sharing a
// reference id. Either every entry, aggregate change and serial transition
// becomes visible, or none does.
func (e *Engine) ApplyBatch(ctx context.Context, batch Batch) (Posting, error) {
	if len(batch.Movements) == 0 {
		return Posting{}, e.reject(batch, newError(CodeInvalidMovement, 0, 0, "", "batch has no movements"))
	}
	if batch.ReferenceID == "" {
		batch.ReferenceID = uuid.NewString()
	}
	movements := make([]MovementInput, len(batch.Movements))
	var keys []string
	for i, in := range batch.Movements {
		if in.ReferenceID == "" {
			in.ReferenceID = batch.ReferenceID
		}
		if in.ReferenceType == "" {
			in.ReferenceType = batch.ReferenceType
		}
		in.IdempotencyKey = batch.IdempotencyKey
		product, err := e.products.Get(ctx, in.ProductID)
		if err != nil {
			if errors.Is(err, catalog.ErrProductNotFound) {
				return Posting{}, e.reject(batch, newError(CodeInvalidMovement, in.WarehouseID, in.ProductID, "", "unknown product"))
			}
			return Posting{}, e.reject(batch, fmt.Errorf("inventory: load product %d: %w", in.ProductID, err))
		}
		if err := validateMovement(&in, product); err != nil {
			return Posting{}, e.reject(batch, err)
		}
		movements[i] = in
		keys = append(keys, lockKeys(in)...)
	}

	unlock, err := e.locker.Lock(ctx, keys...)
	if err != nil {
		return Posting{}, e.reject(batch, fmt.Errorf("inventory: acquire stock lock: %w", err))
	}
	defer unlock()

	now := e.now().UTC()
	var posting Posting
	err = e.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		posting = Posting{ReferenceID: batch.ReferenceID}
		if batch.IdempotencyKey != "" {
			claimed, err := tx.ClaimIdempotencyKey(ctx, batch.IdempotencyKey)
			if err != nil {
				return err
			}
			if !claimed {
				entries, err := tx.EntriesByIdempotencyKey(ctx, batch.IdempotencyKey)
				if err != nil {
					return err
				}
				posting.Entries = entries
				posting.Replayed = true
				if len(entries) > 0 {
					posting.ReferenceID = entries[0].ReferenceID
				}
				return nil
			}
		}
		touched := newAggregateSet()
		for _, in := range movements {
			entries, err := e.applyOne(ctx, tx, in, now, touched)
			if err != nil {
				return err
			}
			posting.Entries = append(posting.Entries, entries...)
		}
		if len(posting.Entries) > 0 {
			if err := tx.InsertEntries(ctx, posting.Entries); err != nil {
				return err
			}
		}
		posting.Aggregates = touched.list()
		return nil
	})
	if err != nil {
		return Posting{}, e.reject(batch, err)
	}

	if posting.Replayed {
		e.metrics.observeReplay()
		e.logger.Info("inventory batch replay skipped",
			slog.String("idempotency_key", batch.IdempotencyKey),
			slog.String("reference_id", posting.ReferenceID))
		return posting, nil
	}
	e.metrics.observeBatch(movements, posting.Entries)
	e.recordAudit(ctx, batch, movements, posting)
	return posting, nil
}

func (e *Engine) applyOne(ctx context.Context, tx TxStore, in MovementInput, now time.Time, touched *aggregateSet) ([]LedgerEntry, error) {
	delta := in.Quantity
	if in.Type == MovementAdjust && in.TargetAvailable != nil {
		agg, err := tx.GetAggregateForUpdate(ctx, in.WarehouseID, in.ProductID)
		if err != nil {
			return nil, err
		}
		delta = *in.TargetAvailable - agg.AvailableQty
		if delta == 0 {
			return nil, nil
		}
	}

	legs := planLegs(in, delta)
	entries := make([]LedgerEntry, 0, len(legs))
	for _, lg := range legs {
		agg, err := tx.GetAggregateForUpdate(ctx, lg.warehouseID, in.ProductID)
		if err != nil {
			return nil, err
		}
		agg.WarehouseID, agg.ProductID = lg.warehouseID, in.ProductID
		if lg.checkAvailable {
			bucket := agg.AvailableQty
			if !lg.condition.Sellable() {
				bucket = agg.DamagedQty
			}
			if bucket < lg.quantity {
				return nil, newError(CodeInsufficientStock, lg.warehouseID, in.ProductID, "",
					"requested %d %s, only %d on hand", lg.quantity, lg.condition, bucket)
			}
		}
		next, err := applyDelta(agg, bucketDelta(lg.direction, lg.condition, lg.quantity))
		if err != nil {
			return nil, err
		}
		next.UpdatedAt = now
		if err := tx.SaveAggregate(ctx, next); err != nil {
			return nil, err
		}
		touched.put(next)

		entries = append(entries, LedgerEntry{
			ID:                     uuid.NewString(),
			WarehouseID:            lg.warehouseID,
			ProductID:              in.ProductID,
			ClientID:               in.ClientID,
			MovementType:           in.Type,
			Direction:              lg.direction,
			Subtype:                in.Subtype,
			Quantity:               lg.quantity,
			ItemCondition:          lg.condition,
			UniqueIdentifiers:      slices.Clone(in.Serials),
			Notes:                  in.Notes,
			ReferenceType:          in.ReferenceType,
			ReferenceID:            in.ReferenceID,
			CounterpartWarehouseID: lg.counterpart,
			IdempotencyKey:         in.IdempotencyKey,
			CreatedBy:              in.ActorID,
			CreatedAt:              now,
		})
	}

	if len(in.Serials) == 0 {
		return entries, nil
	}
	for _, rule := range serialRules(in, delta) {
		entryID := lastEntryFor(entries, rule.warehouseID)
		for _, serial := range in.Serials {
			if err := e.transitionSerial(ctx, tx, rule, in.ProductID, serial, entryID, now); err != nil {
				return nil, err
			}
		}
	}
	return entries, nil
}

func (e *Engine) transitionSerial(ctx context.Context, tx TxStore, rule serialRule, productID int64, serial, entryID string, now time.Time) error {
	item, err := tx.GetSerialForUpdate(ctx, rule.warehouseID, serial)
	found := err == nil
	if err != nil && !errors.Is(err, ErrSerialNotFound) {
		return err
	}
	if found && item.ProductID != productID {
		return newError(CodeSerialStateConflict, rule.warehouseID, productID, serial, "serial is registered to product %d", item.ProductID)
	}

	switch {
	case rule.intake:
		if found && (item.State == SerialInStock || item.State == SerialDamaged) {
			return newError(CodeSerialStateConflict, rule.warehouseID, productID, serial, "serial already held as %s", item.State)
		}
		other, err := tx.FindInStockSerial(ctx, serial)
		if err == nil && other.WarehouseID != rule.warehouseID {
			return newError(CodeSerialStateConflict, rule.warehouseID, productID, serial, "serial is in stock in warehouse %d", other.WarehouseID)
		}
		if err != nil && !errors.Is(err, ErrSerialNotFound) {
			return err
		}
		if !found {
			item = SerialItem{
				WarehouseID:  rule.warehouseID,
				ProductID:    productID,
				SerialNumber: serial,
				State:        rule.to,
				CreatedAt:    now,
			}
		} else if item, err = Transition(item, rule.from, rule.to); err != nil {
			return err
		}
	case !found:
		return newError(CodeSerialStateConflict, rule.warehouseID, productID, serial, "unknown serial")
	case !slices.Contains(rule.from, item.State):
		return newError(CodeSerialStateConflict, rule.warehouseID, productID, serial, "serial is %s, expected %s", item.State, joinStates(rule.from))
	case rule.returnFromClient:
		if item, err = Transition(item, []SerialState{SerialDispatched}, SerialReturned); err != nil {
			return err
		}
		item.ReturnCount++
		if item, err = Transition(item, []SerialState{SerialReturned}, rule.to); err != nil {
			return err
		}
	default:
		if item, err = Transition(item, rule.from, rule.to); err != nil {
			return err
		}
	}

	item.LastMovementID = entryID
	item.UpdatedAt = now
	return tx.SaveSerial(ctx, item)
}

func lastEntryFor(entries []LedgerEntry, warehouseID int64) string {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].WarehouseID == warehouseID {
			return entries[i].ID
		}
	}
	return ""
}

func (e *Engine) reject(batch Batch, err error) error {
	e.metrics.observeRejection(err)
	attrs := []any{slog.String("reference_id", batch.ReferenceID), slog.Any("error", err)}
	if IsBusiness(err) {
		e.logger.Warn("inventory movement rejected", attrs...)
	} else {
		e.logger.Error("inventory movement failed", attrs...)
	}
	return err
}

func (e *Engine) recordAudit(ctx context.Context, batch Batch, movements []MovementInput, posting Posting) {
	if e.audit == nil {
		return
	}
	first := movements[0]
	meta := map[string]any{
		"reference_type": batch.ReferenceType,
		"movements":      len(movements),
		"entries":        len(posting.Entries),
		"warehouse_id":   first.WarehouseID,
		"product_id":     first.ProductID,
	}
	if batch.IdempotencyKey != "" {
		meta["idempotency_key"] = batch.IdempotencyKey
	}
	if err := e.audit.Record(ctx, shared.AuditLog{
		ActorID:  first.ActorID,
		Action:   fmt.Sprintf("inventory:%s", first.Type),
		Entity:   "ledger_reference",
		EntityID: posting.ReferenceID,
		Meta:     meta,
	}); err != nil {
		e.logger.Warn("inventory audit", slog.Any("error", err))
	}
}

// Aggregate returns current counters, zero when the product was never stocked.
func (e *Engine) Aggregate(ctx context.Context, warehouseID, productID int64) (Aggregate, error) {
	if warehouseID == 0 || productID == 0 {
		return Aggregate{}, errors.New("inventory: warehouse and product required")
	}
	agg, err := e.store.GetAggregate(ctx, warehouseID, productID)
	if errors.Is(err, ErrAggregateNotFound) {
		return Aggregate{WarehouseID: warehouseID, ProductID: productID}, nil
	}
	return agg, err
}

// WarehouseTotals sums all aggregates of a warehouse.
func (e *Engine) WarehouseTotals(ctx context.Context, warehouseID int64) (Totals, error) {
	if warehouseID == 0 {
		return Totals{}, errors.New("inventory: warehouse required")
	}
	aggs, err := e.store.ListAggregates(ctx, warehouseID)
	if err != nil {
		return Totals{}, err
	}
	return SumAggregates(warehouseID, aggs), nil
}

// Ledger lists entries for one product in a warehouse, oldest first.
func (e *Engine) Ledger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, error) {
	if filter.WarehouseID == 0 || filter.ProductID == 0 {
		return nil, errors.New("inventory: warehouse and product required")
	}
	if filter.Limit <= 0 {
		filter.Limit = 500
	}
	return e.store.ListEntries(ctx, filter)
}

// LedgerByReference returns every entry written under a reference id.
func (e *Engine) LedgerByReference(ctx context.Context, referenceID string) ([]LedgerEntry, error) {
	if referenceID == "" {
		return nil, errors.New("inventory: reference id required")
	}
	return e.store.EntriesByReference(ctx, referenceID)
}

// Reconstruct recomputes an aggregate from the full ledger and returns it
// alongside the stored aggregate.
func (e *Engine) Reconstruct(ctx context.Context, warehouseID, productID int64) (Reconstruction, Aggregate, error) {
	agg, err := e.Aggregate(ctx, warehouseID, productID)
	if err != nil {
		return Reconstruction{}, Aggregate{}, err
	}
	entries, err := e.store.ListEntries(ctx, LedgerFilter{WarehouseID: warehouseID, ProductID: productID})
	if err != nil {
		return Reconstruction{}, Aggregate{}, err
	}
	return Reconstruct(entries), agg, nil
}

type aggregateKey struct {
	warehouseID int64
	productID   int64
}

// aggregateSet keeps the latest state of touched aggregates in first-touch order.
type aggregateSet struct {
	order []aggregateKey
	items map[aggregateKey]Aggregate
}

func newAggregateSet() *aggregateSet {
	return &aggregateSet{items: make(map[aggregateKey]Aggregate)}
}

func (s *aggregateSet) put(agg Aggregate) {
	k := aggregateKey{agg.WarehouseID, agg.ProductID}
	if _, ok := s.items[k]; !ok {
		s.order = append(s.order, k)
	}
	s.items[k] = agg
}

func (s *aggregateSet) list() []Aggregate {
	out := make([]Aggregate, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.items[k])
	}
	return out
}
