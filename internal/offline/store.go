package offline

import (
	"context"
	"time"
)

// Filter narrows mutation listings.
type Filter struct {
	DeviceID string
	Status   Status
	Limit    int
}

// Store persists queued mutations in enqueue order.
type Store interface {
	// Insert assigns Seq and stores m.
	Insert(ctx context.Context, m Mutation) (Mutation, error)
	Get(ctx context.Context, id string) (Mutation, error)
	// Unsettled returns PENDING and FAILED mutations of a device by Seq.
	Unsettled(ctx context.Context, deviceID string) ([]Mutation, error)
	// PendingDevices lists devices with at least one PENDING mutation.
	PendingDevices(ctx context.Context) ([]string, error)
	List(ctx context.Context, filter Filter) ([]Mutation, error)
	MarkApplied(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, at time.Time, reason string) error
	MarkDismissed(ctx context.Context, id string) error
	// Prune deletes settled mutations enqueued before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}
