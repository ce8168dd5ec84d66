package offline

import (
	"context"
	"log/slog"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// MovementPoster is implemented by inventory.Engine.
type MovementPoster interface {
	ApplyMovement(ctx context.Context, in inventory.MovementInput) (inventory.Posting, error)
}

// EngineApplier replays mutations through the ledger engine, which takes
// the same per-product lock as live traffic.
type EngineApplier struct {
	engine MovementPoster
	logger *slog.Logger
}

// NewEngineApplier constructs EngineApplier.
func NewEngineApplier(engine MovementPoster, logger *slog.Logger) *EngineApplier {
	if logger == nil {
		logger = slog.Default()
	}
	return &EngineApplier{engine: engine, logger: logger}
}

// Apply posts the mutation's movement. A mutation already in the ledger is
// reported as success without a second effect.
func (a *EngineApplier) Apply(ctx context.Context, m Mutation) error {
	in := m.Movement()
	if actor, ok := shared.ActorFromContext(ctx); ok {
		if in.ActorID == 0 {
			in.ActorID = actor.ActorID
		}
		if in.ClientID == 0 {
			in.ClientID = actor.ClientID
		}
	}
	posting, err := a.engine.ApplyMovement(ctx, in)
	if err != nil {
		return err
	}
	if posting.Replayed {
		a.logger.Info("offline mutation already in ledger", slog.String("id", m.ID))
	}
	return nil
}
