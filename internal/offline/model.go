// Package offline queues stock mutations made without connectivity and
// replays them through the ledger once the device reconnects.
package offline

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Kind enumerates queued mutation intents.
type Kind string

const (
	KindRestock    Kind = "RESTOCK"
	KindAdjust     Kind = "ADJUST"
	KindUpdate     Kind = "UPDATE"
	KindIMEIAdd    Kind = "IMEI_ADD"
	KindIMEIRemove Kind = "IMEI_REMOVE"
)

// Status tracks a mutation through replay.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApplied   Status = "APPLIED"
	StatusFailed    Status = "FAILED"
	StatusDismissed Status = "DISMISSED"
)

// Payload is the intent recorded on the device.
type Payload struct {
	WarehouseID int64 `json:"warehouse_id"`
	ProductID   int64 `json:"product_id"`
	// Quantity is the restock amount or the signed ADJUST delta.
	Quantity int64 `json:"quantity,omitempty"`
	// TargetAvailable is the counted quantity of an UPDATE.
	TargetAvailable *int64              `json:"target_available,omitempty"`
	Serial          string              `json:"serial,omitempty"`
	Condition       inventory.Condition `json:"condition,omitempty"`
	ClientID        int64               `json:"client_id,omitempty"`
	ActorID         int64               `json:"actor_id,omitempty"`
	Notes           string              `json:"notes,omitempty"`
}

// Mutation is one durable queued intent.
type Mutation struct {
	ID         string     `json:"id"`
	Seq        int64      `json:"seq"`
	DeviceID   string     `json:"device_id"`
	Kind       Kind       `json:"kind"`
	Payload    Payload    `json:"payload"`
	Status     Status     `json:"status"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	AppliedAt  *time.Time `json:"applied_at,omitempty"`
	FailedAt   *time.Time `json:"failed_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

// ErrMutationNotFound indicates an unknown mutation id.
var ErrMutationNotFound = errors.New("offline: mutation not found")

// Validate checks the mutation shape. Stock levels are only checked on replay.
func (m Mutation) Validate() error {
	p := m.Payload
	if strings.TrimSpace(m.DeviceID) == "" {
		return errors.New("offline: device id required")
	}
	if p.WarehouseID <= 0 || p.ProductID <= 0 {
		return errors.New("offline: warehouse and product required")
	}
	switch m.Kind {
	case KindRestock:
		if p.Quantity <= 0 {
			return errors.New("offline: restock quantity must be > 0")
		}
	case KindAdjust:
		if p.Quantity == 0 {
			return errors.New("offline: adjust delta must be non zero")
		}
		if strings.TrimSpace(p.Notes) == "" {
			return errors.New("offline: adjustment reason required")
		}
	case KindUpdate:
		if p.TargetAvailable == nil || *p.TargetAvailable < 0 {
			return errors.New("offline: update needs a target quantity >= 0")
		}
		if strings.TrimSpace(p.Notes) == "" {
			return errors.New("offline: recount reason required")
		}
	case KindIMEIAdd, KindIMEIRemove:
		if inventory.NormalizeSerial(p.Serial) == "" {
			return fmt.Errorf("offline: %s needs a serial", m.Kind)
		}
	default:
		return fmt.Errorf("offline: unknown mutation kind %q", m.Kind)
	}
	return nil
}

// StockKey identifies the aggregate the mutation touches.
func (m Mutation) StockKey() string {
	return shared.StockLockKey(m.Payload.WarehouseID, m.Payload.ProductID)
}

// Movement translates the intent into a ledger movement keyed by the
// mutation id so replays apply at most once.
func (m Mutation) Movement() inventory.MovementInput {
	p := m.Payload
	in := inventory.MovementInput{
		WarehouseID:    p.WarehouseID,
		ProductID:      p.ProductID,
		Condition:      p.Condition,
		ClientID:       p.ClientID,
		ActorID:        p.ActorID,
		Notes:          p.Notes,
		ReferenceType:  "offline_" + strings.ToLower(string(m.Kind)),
		ReferenceID:    m.ID,
		IdempotencyKey: m.ID,
	}
	switch m.Kind {
	case KindRestock:
		in.Type, in.Subtype, in.Quantity = inventory.MovementIn, inventory.SubtypeStandard, p.Quantity
	case KindAdjust:
		in.Type, in.Subtype, in.Quantity = inventory.MovementAdjust, inventory.SubtypeStandard, p.Quantity
	case KindUpdate:
		target := *p.TargetAvailable
		in.Type, in.Subtype, in.TargetAvailable = inventory.MovementAdjust, inventory.SubtypeStandard, &target
	case KindIMEIAdd:
		in.Type, in.Subtype, in.Quantity = inventory.MovementIn, inventory.SubtypeStandard, 1
		in.Serials = []string{p.Serial}
	case KindIMEIRemove:
		in.Type, in.Subtype, in.Quantity = inventory.MovementOut, inventory.SubtypeLoss, 1
		in.Serials = []string{p.Serial}
	}
	return in
}
