package inventory

// Delta is a signed change to an aggregate.
type Delta struct {
	Quantity  int64
	Available int64
	Damaged   int64
}

// bucketDelta returns the delta of moving qty units of the given condition in
// the given direction.
func bucketDelta(dir Direction, cond Condition, qty int64) Delta {
	signed := dir.Sign() * qty
	if cond.Sellable() {
		return Delta{Quantity: signed, Available: signed}
	}
	return Delta{Quantity: signed, Damaged: signed}
}

// ApplyDelta returns agg changed by the delta. It fails with NegativeStock if
// any counter would drop below zero, and never returns an aggregate where
// quantity differs from available + damaged.
func ApplyDelta(agg Aggregate, qtyDelta, availableDelta, damagedDelta int64) (Aggregate, error) {
	next := agg
	next.Quantity += qtyDelta
	next.AvailableQty += availableDelta
	next.DamagedQty += damagedDelta
	switch {
	case next.AvailableQty < 0:
		return agg, newError(CodeNegativeStock, agg.WarehouseID, agg.ProductID, "", "available would become %d", next.AvailableQty)
	case next.DamagedQty < 0:
		return agg, newError(CodeNegativeStock, agg.WarehouseID, agg.ProductID, "", "damaged would become %d", next.DamagedQty)
	case next.Quantity < 0:
		return agg, newError(CodeNegativeStock, agg.WarehouseID, agg.ProductID, "", "quantity would become %d", next.Quantity)
	case next.Quantity != next.AvailableQty+next.DamagedQty:
		return agg, newError(CodeInvalidMovement, agg.WarehouseID, agg.ProductID, "", "unbalanced delta %d/%d/%d", qtyDelta, availableDelta, damagedDelta)
	}
	return next, nil
}

func applyDelta(agg Aggregate, d Delta) (Aggregate, error) {
	return ApplyDelta(agg, d.Quantity, d.Available, d.Damaged)
}

// SumAggregates folds aggregates of one warehouse into totals.
func SumAggregates(warehouseID int64, aggs []Aggregate) Totals {
	totals := Totals{WarehouseID: warehouseID}
	for _, agg := range aggs {
		if agg.WarehouseID != warehouseID {
			continue
		}
		totals.Products++
		totals.Quantity += agg.Quantity
		totals.AvailableQty += agg.AvailableQty
		totals.DamagedQty += agg.DamagedQty
	}
	return totals
}

// Reconstruction is the aggregate recomputed from the ledger.
type Reconstruction struct {
	Quantity     int64 `json:"quantity"`
	AvailableQty int64 `json:"available_qty"`
	DamagedQty   int64 `json:"damaged_qty"`
	Entries      int   `json:"entries"`
}

// Reconstruct sums direction-signed entries per condition bucket.
func Reconstruct(entries []LedgerEntry) Reconstruction {
	var r Reconstruction
	for _, e := range entries {
		d := bucketDelta(e.Direction, e.ItemCondition, e.Quantity)
		r.Quantity += d.Quantity
		r.AvailableQty += d.Available
		r.DamagedQty += d.Damaged
		r.Entries++
	}
	return r
}

// Matches reports whether the reconstruction equals agg.
func (r Reconstruction) Matches(agg Aggregate) bool {
	return r.Quantity == agg.Quantity && r.AvailableQty == agg.AvailableQty && r.DamagedQty == agg.DamagedQty
}
