package inventory

import (
	"strings"

	"github.com/odyssey-erp/stockledger/internal/catalog"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// leg is one ledger entry worth of aggregate change.
type leg struct {
	warehouseID int64
	counterpart int64
	direction   Direction
	condition   Condition
	quantity    int64
	// checkAvailable reports shortfalls as InsufficientStock rather than
	// NegativeStock.
	checkAvailable bool
}

// validateMovement normalises in and checks it against the closed movement
// enumeration and the product's serial flag. Nothing is read from the store.
func validateMovement(in *MovementInput, product catalog.Product) error {
	if in.WarehouseID <= 0 || in.ProductID <= 0 {
		return newError(CodeInvalidMovement, in.WarehouseID, in.ProductID, "", "warehouse and product required")
	}
	mt, st, err := ParseMovement(string(in.Type), string(in.Subtype))
	if err != nil {
		e := err.(*Error)
		e.WarehouseID, e.ProductID = in.WarehouseID, in.ProductID
		return e
	}
	in.Type, in.Subtype = mt, st
	if in.Condition == "" {
		in.Condition = ConditionGood
	}
	if !in.Condition.Valid() {
		return newError(CodeInvalidMovement, in.WarehouseID, in.ProductID, "", "unknown item condition %q", in.Condition)
	}
	if in.ClientID == 0 {
		in.ClientID = product.ClientID
	} else if product.ClientID != 0 && in.ClientID != product.ClientID {
		return newError(CodeInvalidMovement, in.WarehouseID, in.ProductID, "", "product belongs to client %d, not %d", product.ClientID, in.ClientID)
	}
	in.Notes = strings.TrimSpace(in.Notes)

	switch in.Type {
	case MovementAdjust:
		if in.Notes == "" {
			return newError(CodeInvalidMovement, in.WarehouseID, in.ProductID, "", "adjustment reason required")
		}
		if in.TargetAvailable != nil {
			if in.Quantity != 0 || len(in.Serials) > 0 || in.Subtype != SubtypeStandard {
				return newError(CodeInvalidMovement, in.WarehouseID, in.ProductID, "", "recount takes only a target quantity")
			}
			if *in.TargetAvailable < 0 {
				return newError(CodeInvalidMovement, in.WarehouseID, in.ProductID, "", "recount target must be >= 0")
			}
			if product.IsSerialized {
				return newError(CodeInvalidMovement, in.WarehouseID, in.ProductID, "", "serialized products cannot be recounted without serials")
			}
			if !in.Condition.Sellable() {
				return newError(CodeInvalidMovement, in.WarehouseID, in.ProductID, "", "recount applies to available stock only")
			}
		} else if in.Quantity == 0 {
			return newError(CodeInvalidMovement, in.WarehouseID, in.ProductID, "", "adjustment delta must be non zero")
		}
		if in.Subtype == SubtypeLoss && in.Quantity >= 0 && in.TargetAvailable == nil {
			return newError(CodeInvalidMovement, in.WarehouseID, in.ProductID, "", "loss adjustment must be negative")
		}
	default:
		if in.TargetAvailable != nil {
			return newError(CodeInvalidMovement, in.WarehouseID, in.ProductID, "", "target quantity only valid for ADJUST")
		}
		if in.Quantity <= 0 {
			return newError(CodeInvalidMovement, in.WarehouseID, in.ProductID, "", "quantity must be > 0")
		}
	}

	if in.Type == MovementTransfer {
		if in.DestinationWarehouseID <= 0 || in.DestinationWarehouseID == in.WarehouseID {
			return newError(CodeInvalidMovement, in.WarehouseID, in.ProductID, "", "transfer needs a different destination warehouse")
		}
	} else if in.DestinationWarehouseID != 0 {
		return newError(CodeInvalidMovement, in.WarehouseID, in.ProductID, "", "destination warehouse only valid for TRANSFER")
	}

	serials := make([]string, 0, len(in.Serials))
	seen := make(map[string]struct{}, len(in.Serials))
	for _, raw := range in.Serials {
		s := NormalizeSerial(raw)
		if s == "" {
			return newError(CodeInvalidMovement, in.WarehouseID, in.ProductID, "", "empty serial number")
		}
		if _, dup := seen[s]; dup {
			return newError(CodeSerialStateConflict, in.WarehouseID, in.ProductID, s, "serial listed twice in one movement")
		}
		seen[s] = struct{}{}
		serials = append(serials, s)
	}
	in.Serials = serials

	if !product.IsSerialized {
		if len(in.Serials) > 0 {
			return newError(CodeInvalidMovement, in.WarehouseID, in.ProductID, "", "product is not serialized")
		}
		return nil
	}
	if int64(len(in.Serials)) != abs(in.Quantity) {
		return newError(CodeInvalidMovement, in.WarehouseID, in.ProductID, "", "quantity %d does not match %d serials", abs(in.Quantity), len(in.Serials))
	}
	if (in.Type == MovementOut || in.Type == MovementTransfer) && !in.Condition.Sellable() {
		return newError(CodeInvalidMovement, in.WarehouseID, in.ProductID, "", "serialized %s units must be restored before dispatch", in.Condition)
	}
	return nil
}

// planLegs expands a movement into ledger legs. delta is the resolved signed
// quantity (equal to in.Quantity unless the movement is a recount).
func planLegs(in MovementInput, delta int64) []leg {
	qty := abs(delta)
	switch in.Type {
	case MovementIn:
		return []leg{{warehouseID: in.WarehouseID, direction: DirectionIn, condition: in.Condition, quantity: qty}}
	case MovementOut:
		return []leg{{warehouseID: in.WarehouseID, direction: DirectionOut, condition: in.Condition, quantity: qty, checkAvailable: true}}
	case MovementTransfer:
		return []leg{
			{warehouseID: in.WarehouseID, counterpart: in.DestinationWarehouseID, direction: DirectionOut, condition: in.Condition, quantity: qty, checkAvailable: true},
			{warehouseID: in.DestinationWarehouseID, counterpart: in.WarehouseID, direction: DirectionIn, condition: in.Condition, quantity: qty},
		}
	case MovementAdjust:
		if in.Subtype == SubtypeDamage {
			damaged := ConditionDamaged
			if !in.Condition.Sellable() {
				damaged = in.Condition
			}
			if delta > 0 {
				return []leg{
					{warehouseID: in.WarehouseID, direction: DirectionOut, condition: ConditionGood, quantity: qty},
					{warehouseID: in.WarehouseID, direction: DirectionIn, condition: damaged, quantity: qty},
				}
			}
			return []leg{
				{warehouseID: in.WarehouseID, direction: DirectionOut, condition: damaged, quantity: qty},
				{warehouseID: in.WarehouseID, direction: DirectionIn, condition: ConditionGood, quantity: qty},
			}
		}
		dir := DirectionIn
		if delta < 0 {
			dir = DirectionOut
		}
		return []leg{{warehouseID: in.WarehouseID, direction: dir, condition: in.Condition, quantity: qty}}
	}
	return nil
}

func lockKeys(in MovementInput) []string {
	keys := []string{shared.StockLockKey(in.WarehouseID, in.ProductID)}
	if in.Type == MovementTransfer {
		keys = append(keys, shared.StockLockKey(in.DestinationWarehouseID, in.ProductID))
	}
	return keys
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
