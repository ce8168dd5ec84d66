package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/offline"
)

// DrainQueue is the part of offline.Queue the drain job needs.
type DrainQueue interface {
	Drain(ctx context.Context, apply offline.Applier) (offline.Report, error)
	DrainDevice(ctx context.Context, deviceID string, apply offline.Applier) (offline.Report, error)
	Prune(ctx context.Context, age time.Duration) (int64, error)
}

// OfflineDrainJob replays queued device mutations through the ledger.
type OfflineDrainJob struct {
	Queue   DrainQueue
	Applier offline.Applier
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	// Timeout bounds a single drain run; zero relies on the task deadline.
	Timeout time.Duration
}

// NewOfflineDrainJob initialises the drain handler.
func NewOfflineDrainJob(queue DrainQueue, applier offline.Applier, logger *slog.Logger, metrics *jobmetrics.Metrics) *OfflineDrainJob {
	return &OfflineDrainJob{Queue: queue, Applier: applier, Logger: logger, Metrics: metrics}
}

// Handle executes a drain. Business rejections are recorded on the
// mutations and do not fail the task; system errors are returned so asynq
// retries the drain later.
func (j *OfflineDrainJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Queue == nil || j.Applier == nil {
		return errors.New("offline drain: handler not configured")
	}
	var payload OfflineDrainPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("offline drain: decode payload: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskOfflineDrain)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	logger := j.logger()
	if payload.DeviceID != "" {
		logger = logger.With(slog.String("device_id", payload.DeviceID))
	}
	start := time.Now()

	var (
		report offline.Report
		err    error
	)
	if payload.DeviceID == "" {
		report, err = j.Queue.Drain(ctx, j.Applier)
	} else {
		report, err = j.Queue.DrainDevice(ctx, payload.DeviceID, j.Applier)
	}
	j.Metrics.AddDrained(report.Succeeded, report.Failed, report.Blocked)
	if err != nil {
		logger.Error("offline drain interrupted", slog.Any("error", err), slog.Int("applied", report.Succeeded))
		return err
	}
	logger.Info("offline drain completed",
		slog.Int("applied", report.Succeeded),
		slog.Int("failed", report.Failed),
		slog.Int("blocked", report.Blocked),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (j *OfflineDrainJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// OfflinePruneJob drops settled mutations past the retention window.
type OfflinePruneJob struct {
	Queue   DrainQueue
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewOfflinePruneJob initialises the prune handler.
func NewOfflinePruneJob(queue DrainQueue, logger *slog.Logger, metrics *jobmetrics.Metrics) *OfflinePruneJob {
	return &OfflinePruneJob{Queue: queue, Logger: logger, Metrics: metrics}
}

// Handle executes the prune.
func (j *OfflinePruneJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Queue == nil {
		return errors.New("offline prune: handler not configured")
	}
	var payload OfflinePrunePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.OlderThan <= 0 {
		return fmt.Errorf("offline prune: invalid payload: %w", asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskOfflinePrune)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	removed, err := j.Queue.Prune(ctx, payload.OlderThan)
	if err != nil {
		return err
	}
	j.Metrics.AddPruned(removed)
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("offline prune completed", slog.Int64("removed", removed), slog.Duration("older_than", payload.OlderThan))
	return nil
}
