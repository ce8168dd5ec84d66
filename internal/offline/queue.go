package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/platform/locks"
)

// Applier replays one mutation against the ledger.
type Applier interface {
	Apply(ctx context.Context, m Mutation) error
}

// ApplyFunc adapts a function to Applier.
type ApplyFunc func(ctx context.Context, m Mutation) error

// Apply calls f.
func (f ApplyFunc) Apply(ctx context.Context, m Mutation) error {
	return f(ctx, m)
}

// Config tunes the queue.
type Config struct {
	Logger *slog.Logger
	Now    func() time.Time
	// Parallelism bounds how many devices drain at once.
	Parallelism int
}

// Queue is the durable per-device FIFO of offline mutations.
type Queue struct {
	store   Store
	logger  *slog.Logger
	now     func() time.Time
	limit   int
	devices *locks.KeyedMutex
}

// NewQueue constructs Queue.
func NewQueue(store Store, cfg Config) *Queue {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	return &Queue{
		store:   store,
		logger:  cfg.Logger,
		now:     cfg.Now,
		limit:   cfg.Parallelism,
		devices: locks.NewKeyedMutex(),
	}
}

// Failure describes a mutation that could not be replayed.
type Failure struct {
	MutationID string         `json:"mutation_id"`
	DeviceID   string         `json:"device_id"`
	Code       inventory.Code `json:"code"`
	Reason     string         `json:"reason"`
}

// Report summarises a drain.
type Report struct {
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Blocked   int       `json:"blocked"`
	Failures  []Failure `json:"failures,omitempty"`
}

func (r *Report) merge(o Report) {
	r.Succeeded += o.Succeeded
	r.Failed += o.Failed
	r.Blocked += o.Blocked
	r.Failures = append(r.Failures, o.Failures...)
}

// Enqueue records an intent durably. Only the mutation shape is checked.
func (q *Queue) Enqueue(ctx context.Context, deviceID string, kind Kind, payload Payload) (Mutation, error) {
	m := Mutation{
		ID:         uuid.NewString(),
		DeviceID:   deviceID,
		Kind:       kind,
		Payload:    payload,
		Status:     StatusPending,
		EnqueuedAt: q.now().UTC(),
	}
	if err := m.Validate(); err != nil {
		return Mutation{}, err
	}
	m.Payload.Serial = inventory.NormalizeSerial(m.Payload.Serial)
	stored, err := q.store.Insert(ctx, m)
	if err != nil {
		return Mutation{}, err
	}
	q.logger.Debug("offline mutation enqueued",
		slog.String("id", stored.ID),
		slog.String("device_id", deviceID),
		slog.String("kind", string(kind)),
		slog.Int64("seq", stored.Seq))
	return stored, nil
}

// Drain replays every device with pending mutations. Devices run in
// parallel; a system error stops only the device it occurred on.
func (q *Queue) Drain(ctx context.Context, apply Applier) (Report, error) {
	devices, err := q.store.PendingDevices(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("offline: list devices: %w", err)
	}
	var (
		mu    sync.Mutex
		total Report
		errs  []error
		g     errgroup.Group
	)
	g.SetLimit(q.limit)
	for _, deviceID := range devices {
		g.Go(func() error {
			report, err := q.DrainDevice(ctx, deviceID, apply)
			mu.Lock()
			defer mu.Unlock()
			total.merge(report)
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return total, errors.Join(errs...)
}

// DrainDevice replays one device's mutations strictly in enqueue order.
// A business failure marks the mutation FAILED and blocks later mutations
// for the same product; other products keep draining. A system error
// leaves the mutation PENDING and stops the drain.
func (q *Queue) DrainDevice(ctx context.Context, deviceID string, apply Applier) (Report, error) {
	unlock, err := q.devices.Lock(ctx, deviceID)
	if err != nil {
		return Report{}, err
	}
	defer unlock()

	mutations, err := q.store.Unsettled(ctx, deviceID)
	if err != nil {
		return Report{}, fmt.Errorf("offline: load device %s: %w", deviceID, err)
	}
	var report Report
	blocked := make(map[string]string)
	for _, m := range mutations {
		key := m.StockKey()
		if m.Status == StatusFailed {
			blocked[key] = m.ID
			continue
		}
		if by, ok := blocked[key]; ok {
			report.Blocked++
			q.logger.Info("offline mutation blocked",
				slog.String("id", m.ID),
				slog.String("device_id", deviceID),
				slog.String("blocked_by", by))
			continue
		}

		err := apply.Apply(ctx, m)
		switch {
		case err == nil:
			if err := q.store.MarkApplied(ctx, m.ID, q.now().UTC()); err != nil {
				return report, fmt.Errorf("offline: mark %s applied: %w", m.ID, err)
			}
			report.Succeeded++
		case inventory.IsBusiness(err):
			conflict := replayConflict(m, err)
			if err := q.store.MarkFailed(ctx, m.ID, q.now().UTC(), conflict.Error()); err != nil {
				return report, fmt.Errorf("offline: mark %s failed: %w", m.ID, err)
			}
			blocked[key] = m.ID
			report.Failed++
			report.Failures = append(report.Failures, Failure{
				MutationID: m.ID,
				DeviceID:   deviceID,
				Code:       inventory.CodeOf(err),
				Reason:     conflict.Reason,
			})
			q.logger.Warn("offline mutation rejected on replay",
				slog.String("id", m.ID),
				slog.String("device_id", deviceID),
				slog.Any("error", err))
		default:
			return report, fmt.Errorf("offline: replay %s for device %s: %w", m.ID, deviceID, err)
		}
	}
	return report, nil
}

func replayConflict(m Mutation, cause error) *inventory.Error {
	e := inventory.NewError(inventory.CodeReplayConflict, m.Payload.WarehouseID, m.Payload.ProductID,
		m.Payload.Serial, "%s %s no longer applies: %v", m.Kind, m.ID, cause)
	e.Err = cause
	return e
}

// Pending lists PENDING mutations of a device, or of all devices when empty.
func (q *Queue) Pending(ctx context.Context, deviceID string) ([]Mutation, error) {
	return q.store.List(ctx, Filter{DeviceID: deviceID, Status: StatusPending})
}

// Failures lists FAILED mutations awaiting manual resolution.
func (q *Queue) Failures(ctx context.Context, deviceID string) ([]Mutation, error) {
	return q.store.List(ctx, Filter{DeviceID: deviceID, Status: StatusFailed})
}

// List returns mutations matching filter.
func (q *Queue) List(ctx context.Context, filter Filter) ([]Mutation, error) {
	return q.store.List(ctx, filter)
}

// Dismiss resolves a FAILED mutation, unblocking later ones for its product.
func (q *Queue) Dismiss(ctx context.Context, id string) (Mutation, error) {
	m, err := q.store.Get(ctx, id)
	if err != nil {
		return Mutation{}, err
	}
	if m.Status != StatusFailed {
		return Mutation{}, fmt.Errorf("offline: mutation %s is %s, only FAILED can be dismissed", id, m.Status)
	}
	unlock, err := q.devices.Lock(ctx, m.DeviceID)
	if err != nil {
		return Mutation{}, err
	}
	defer unlock()
	if err := q.store.MarkDismissed(ctx, id); err != nil {
		return Mutation{}, err
	}
	m.Status = StatusDismissed
	q.logger.Info("offline mutation dismissed", slog.String("id", id), slog.String("device_id", m.DeviceID))
	return m, nil
}

// Prune deletes settled mutations older than age.
func (q *Queue) Prune(ctx context.Context, age time.Duration) (int64, error) {
	n, err := q.store.Prune(ctx, q.now().Add(-age))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Info("offline mutations pruned", slog.Int64("count", n))
	}
	return n, nil
}
