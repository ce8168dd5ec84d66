package inventory

import (
	"time"
)

// MovementType enumerates supported inventory movements.
type MovementType string

const (
	// MovementIn represents an inbound movement (intake).
	MovementIn MovementType = "IN"
	// MovementOut represents an outbound movement (dispatch).
	MovementOut MovementType = "OUT"
	// MovementAdjust indicates manual corrections with a signed delta.
	MovementAdjust MovementType = "ADJUST"
	// MovementTransfer moves stock between warehouses.
	MovementTransfer MovementType = "TRANSFER"
)

// Direction is the sign of a ledger entry.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// Sign returns +1 for IN and -1 for OUT.
func (d Direction) Sign() int64 {
	if d == DirectionOut {
		return -1
	}
	return 1
}

// Subtype refines a movement type.
type Subtype string

const (
	SubtypeStandard         Subtype = "STANDARD"
	SubtypeReturnFromClient Subtype = "RETURN_FROM_CLIENT"
	SubtypeReturnToSupplier Subtype = "RETURN_TO_SUPPLIER"
	SubtypeDamage           Subtype = "DAMAGE"
	SubtypeLoss             Subtype = "LOSS"
)

// allowedSubtypes is the closed movement × subtype enumeration.
var allowedSubtypes = map[MovementType][]Subtype{
	MovementIn:       {SubtypeStandard, SubtypeReturnFromClient},
	MovementOut:      {SubtypeStandard, SubtypeReturnToSupplier, SubtypeLoss},
	MovementAdjust:   {SubtypeStandard, SubtypeDamage, SubtypeLoss},
	MovementTransfer: {SubtypeStandard},
}

// ParseMovement validates a type/subtype pair coming from outside the core.
// An empty subtype defaults to STANDARD.
func ParseMovement(movementType, subtype string) (MovementType, Subtype, error) {
	mt := MovementType(movementType)
	st := Subtype(subtype)
	if st == "" {
		st = SubtypeStandard
	}
	allowed, ok := allowedSubtypes[mt]
	if !ok {
		return "", "", newError(CodeInvalidMovement, 0, 0, "", "unknown movement type %q", movementType)
	}
	for _, candidate := range allowed {
		if candidate == st {
			return mt, st, nil
		}
	}
	return "", "", newError(CodeInvalidMovement, 0, 0, "", "subtype %s not allowed for %s", st, mt)
}

// Condition describes the physical state of moved items.
type Condition string

const (
	ConditionGood    Condition = "GOOD"
	ConditionDamaged Condition = "DAMAGED"
	ConditionExpired Condition = "EXPIRED"
)

// Valid reports whether c is a known condition.
func (c Condition) Valid() bool {
	switch c {
	case ConditionGood, ConditionDamaged, ConditionExpired:
		return true
	}
	return false
}

// Sellable reports whether units in this condition count as available.
// Damaged and expired units are both held in the damaged bucket.
func (c Condition) Sellable() bool {
	return c == ConditionGood
}

// LedgerEntry is an immutable record of one stock movement leg.
type LedgerEntry struct {
	ID                     string       `json:"id"`
	Seq                    int64        `json:"seq"`
	WarehouseID            int64        `json:"warehouse_id"`
	ProductID              int64        `json:"product_id"`
	ClientID               int64        `json:"client_id"`
	MovementType           MovementType `json:"movement_type"`
	Direction              Direction    `json:"direction"`
	Subtype                Subtype      `json:"subtype"`
	Quantity               int64        `json:"quantity"`
	ItemCondition          Condition    `json:"item_condition"`
	UniqueIdentifiers      []string     `json:"unique_identifiers"`
	Notes                  string       `json:"notes"`
	ReferenceType          string       `json:"reference_type,omitempty"`
	ReferenceID            string       `json:"reference_id,omitempty"`
	CounterpartWarehouseID int64        `json:"counterpart_warehouse_id,omitempty"`
	IdempotencyKey         string       `json:"-"`
	CreatedBy              int64        `json:"created_by"`
	CreatedAt              time.Time    `json:"created_at"`
}

// SignedQuantity returns the quantity signed by direction.
func (e LedgerEntry) SignedQuantity() int64 {
	return e.Direction.Sign() * e.Quantity
}

// Aggregate is the materialised stock of one product in one warehouse.
type Aggregate struct {
	WarehouseID  int64     `json:"warehouse_id"`
	ProductID    int64     `json:"product_id"`
	Quantity     int64     `json:"quantity"`
	AvailableQty int64     `json:"available_qty"`
	DamagedQty   int64     `json:"damaged_qty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Totals sums aggregates of a warehouse.
type Totals struct {
	WarehouseID  int64 `json:"warehouse_id"`
	Products     int   `json:"products"`
	Quantity     int64 `json:"total_stock"`
	AvailableQty int64 `json:"available"`
	DamagedQty   int64 `json:"damaged"`
}

// SerialState is the lifecycle state of a serialised unit.
type SerialState string

const (
	SerialInStock    SerialState = "IN_STOCK"
	SerialDispatched SerialState = "DISPATCHED"
	SerialReturned   SerialState = "RETURNED"
	SerialDamaged    SerialState = "DAMAGED"
)

// SerialItem tracks a uniquely identified unit within a warehouse.
type SerialItem struct {
	WarehouseID    int64       `json:"warehouse_id"`
	ProductID      int64       `json:"product_id"`
	SerialNumber   string      `json:"serial_number"`
	State          SerialState `json:"state"`
	ReturnCount    int         `json:"return_count"`
	LastMovementID string      `json:"last_movement_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// MovementInput describes one requested movement.
//
// Quantity is positive for IN, OUT and TRANSFER. For ADJUST it is a signed
// delta; with SubtypeDamage a positive delta moves units from available to
// damaged and a negative delta restores them.
type MovementInput struct {
	WarehouseID            int64
	ProductID              int64
	Type                   MovementType
	Subtype                Subtype
	Quantity               int64
	Serials                []string
	Condition              Condition
	ClientID               int64
	Notes                  string
	ActorID                int64
	DestinationWarehouseID int64
	// TargetAvailable turns an ADJUST into a recount: the delta is computed
	// against the available quantity observed under the product lock.
	TargetAvailable *int64
	ReferenceType   string
	ReferenceID     string
	IdempotencyKey  string
}

// Batch groups movements committed as one atomic unit under one reference.
type Batch struct {
	ReferenceType  string
	ReferenceID    string
	IdempotencyKey string
	Movements      []MovementInput
}

// Posting is the outcome of a committed batch.
type Posting struct {
	ReferenceID string        `json:"reference_id"`
	Entries     []LedgerEntry `json:"entries"`
	Aggregates  []Aggregate   `json:"aggregates"`
	// Replayed is set when the idempotency key was already applied and
	// nothing changed.
	Replayed bool `json:"replayed"`
}

// LedgerFilter filters ledger queries.
type LedgerFilter struct {
	WarehouseID int64
	ProductID   int64
	From        time.Time
	To          time.Time
	Limit       int
}

// SerialFilter filters serial listings.
type SerialFilter struct {
	WarehouseID int64
	ProductID   int64
	State       SerialState
	Limit       int
}
