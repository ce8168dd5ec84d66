package inventory

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// serialEdges lists every lifecycle edge a serial item may take.
var serialEdges = map[SerialState][]SerialState{
	SerialInStock:    {SerialDispatched, SerialDamaged},
	SerialDispatched: {SerialReturned, SerialInStock, SerialDamaged},
	SerialReturned:   {SerialInStock, SerialDamaged},
	// Damaged units only leave through an explicit ADJUST (restore or write-off).
	SerialDamaged: {SerialInStock, SerialDispatched},
}

// CanTransition reports whether from -> to is a lifecycle edge.
func CanTransition(from, to SerialState) bool {
	return slices.Contains(serialEdges[from], to)
}

// Transition moves item to the target state when its current state is in
// fromAllowed and the edge exists. The returned item carries the new state.
func Transition(item SerialItem, fromAllowed []SerialState, to SerialState) (SerialItem, error) {
	if !slices.Contains(fromAllowed, item.State) || !CanTransition(item.State, to) {
		return item, newError(CodeInvalidSerialTransition, item.WarehouseID, item.ProductID, item.SerialNumber,
			"cannot move from %s to %s (allowed from %s)", item.State, to, joinStates(fromAllowed))
	}
	item.State = to
	return item, nil
}

func joinStates(states []SerialState) string {
	parts := make([]string, len(states))
	for i, s := range states {
		parts[i] = string(s)
	}
	return strings.Join(parts, "|")
}

// NormalizeSerial trims a scanned serial number. Serials are case-sensitive.
func NormalizeSerial(serial string) string {
	return strings.TrimSpace(serial)
}

// serialRule describes what a movement does to the serials it names in one
// warehouse.
type serialRule struct {
	warehouseID int64
	// intake rules create missing items or re-admit dispatched/returned ones.
	intake bool
	// returnFromClient passes DISPATCHED items through RETURNED.
	returnFromClient bool
	from             []SerialState
	to               SerialState
}

// serialRules derives the serial transitions of a validated movement.
func serialRules(in MovementInput, delta int64) []serialRule {
	cond := in.Condition
	stockState := SerialInStock
	if !cond.Sellable() {
		stockState = SerialDamaged
	}
	switch in.Type {
	case MovementIn:
		if in.Subtype == SubtypeReturnFromClient {
			return []serialRule{{warehouseID: in.WarehouseID, returnFromClient: true, from: []SerialState{SerialDispatched}, to: stockState}}
		}
		return []serialRule{{warehouseID: in.WarehouseID, intake: true, from: []SerialState{SerialDispatched, SerialReturned}, to: stockState}}
	case MovementOut:
		return []serialRule{{warehouseID: in.WarehouseID, from: []SerialState{SerialInStock}, to: SerialDispatched}}
	case MovementTransfer:
		return []serialRule{
			{warehouseID: in.WarehouseID, from: []SerialState{SerialInStock}, to: SerialDispatched},
			{warehouseID: in.DestinationWarehouseID, intake: true, from: []SerialState{SerialDispatched, SerialReturned}, to: SerialInStock},
		}
	case MovementAdjust:
		if in.Subtype == SubtypeDamage {
			if delta > 0 {
				return []serialRule{{warehouseID: in.WarehouseID, from: []SerialState{SerialInStock}, to: SerialDamaged}}
			}
			return []serialRule{{warehouseID: in.WarehouseID, from: []SerialState{SerialDamaged}, to: SerialInStock}}
		}
		if delta > 0 {
			return []serialRule{{warehouseID: in.WarehouseID, intake: true, from: []SerialState{SerialDispatched, SerialReturned}, to: stockState}}
		}
		return []serialRule{{warehouseID: in.WarehouseID, from: []SerialState{stockState}, to: SerialDispatched}}
	}
	return nil
}

// SerialRegistry is the read side of serial tracking. Writes happen only
// inside Engine transactions.
type SerialRegistry struct {
	store Store
}

// NewSerialRegistry constructs a SerialRegistry over store.
func NewSerialRegistry(store Store) *SerialRegistry {
	return &SerialRegistry{store: store}
}

// Lookup returns the serial item in the warehouse or ErrSerialNotFound.
func (r *SerialRegistry) Lookup(ctx context.Context, warehouseID int64, serial string) (SerialItem, error) {
	serial = NormalizeSerial(serial)
	if warehouseID == 0 || serial == "" {
		return SerialItem{}, ErrSerialNotFound
	}
	item, err := r.store.GetSerial(ctx, warehouseID, serial)
	if err != nil {
		return SerialItem{}, err
	}
	return item, nil
}

// List returns serial items matching the filter.
func (r *SerialRegistry) List(ctx context.Context, filter SerialFilter) ([]SerialItem, error) {
	if filter.WarehouseID == 0 {
		return nil, fmt.Errorf("inventory: warehouse required")
	}
	if filter.Limit <= 0 {
		filter.Limit = 500
	}
	return r.store.ListSerials(ctx, filter)
}
