package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/offline"
)

type drainEnv struct {
	queue   *offline.Queue
	store   *offline.MemoryStore
	metrics *jobmetrics.Metrics
	now     time.Time
}

func newDrainEnv(t *testing.T) *drainEnv {
	t.Helper()
	env := &drainEnv{
		store:   offline.NewMemoryStore(),
		metrics: jobmetrics.NewMetrics(prometheus.NewRegistry()),
		now:     time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	env.queue = offline.NewQueue(env.store, offline.Config{Now: func() time.Time { return env.now }})
	return env
}

func (e *drainEnv) restock(t *testing.T, device string, product, qty int64) offline.Mutation {
	t.Helper()
	m, err := e.queue.Enqueue(context.Background(), device, offline.KindRestock,
		offline.Payload{WarehouseID: 1, ProductID: product, Quantity: qty})
	require.NoError(t, err)
	return m
}

func drainTask(t *testing.T, device string) *asynq.Task {
	t.Helper()
	task, err := NewOfflineDrainTask(device, time.Now())
	require.NoError(t, err)
	return task
}

type recordingApplier struct {
	mu      sync.Mutex
	applied []string
	fail    map[string]error
}

func (a *recordingApplier) Apply(_ context.Context, m offline.Mutation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err, ok := a.fail[m.ID]; ok {
		return err
	}
	a.applied = append(a.applied, m.ID)
	return nil
}

func TestOfflineDrainJobAppliesDeviceInOrder(t *testing.T) {
	env := newDrainEnv(t)
	first := env.restock(t, "dev-1", 10, 5)
	second := env.restock(t, "dev-1", 11, 2)
	other := env.restock(t, "dev-2", 10, 1)

	applier := &recordingApplier{}
	job := NewOfflineDrainJob(env.queue, applier, nil, env.metrics)
	require.NoError(t, job.Handle(context.Background(), drainTask(t, "dev-1")))

	require.Equal(t, []string{first.ID, second.ID}, applier.applied)
	pending, err := env.queue.Pending(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, other.ID, pending[0].ID)
}

func TestOfflineDrainJobWithoutDeviceDrainsAll(t *testing.T) {
	env := newDrainEnv(t)
	env.restock(t, "dev-1", 10, 5)
	env.restock(t, "dev-2", 10, 1)

	applier := &recordingApplier{}
	job := NewOfflineDrainJob(env.queue, applier, nil, env.metrics)
	body, err := json.Marshal(OfflineDrainPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskOfflineDrain, body)))
	require.Len(t, applier.applied, 2)
}

func TestOfflineDrainJobBusinessFailureDoesNotFailTask(t *testing.T) {
	env := newDrainEnv(t)
	bad := env.restock(t, "dev-1", 10, 5)
	blocked := env.restock(t, "dev-1", 10, 1)

	applier := &recordingApplier{fail: map[string]error{
		bad.ID: inventory.NewError(inventory.CodeInsufficientStock, 1, 10, "", "gone"),
	}}
	job := NewOfflineDrainJob(env.queue, applier, nil, env.metrics)
	require.NoError(t, job.Handle(context.Background(), drainTask(t, "dev-1")))

	failures, err := env.queue.Failures(context.Background(), "dev-1")
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Equal(t, bad.ID, failures[0].ID)

	pending, err := env.queue.Pending(context.Background(), "dev-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, blocked.ID, pending[0].ID)
}

func TestOfflineDrainJobSystemErrorIsRetried(t *testing.T) {
	env := newDrainEnv(t)
	m := env.restock(t, "dev-1", 10, 5)

	boom := errors.New("connection reset")
	applier := &recordingApplier{fail: map[string]error{m.ID: boom}}
	job := NewOfflineDrainJob(env.queue, applier, nil, env.metrics)

	err := job.Handle(context.Background(), drainTask(t, "dev-1"))
	require.ErrorIs(t, err, boom)
	require.False(t, errors.Is(err, asynq.SkipRetry))

	pending, err := env.queue.Pending(context.Background(), "dev-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestOfflineDrainJobRejectsMalformedPayload(t *testing.T) {
	env := newDrainEnv(t)
	job := NewOfflineDrainJob(env.queue, &recordingApplier{}, nil, env.metrics)
	err := job.Handle(context.Background(), asynq.NewTask(TaskOfflineDrain, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	var unconfigured *OfflineDrainJob
	require.Error(t, unconfigured.Handle(context.Background(), drainTask(t, "dev-1")))
}

func TestOfflinePruneJobRemovesSettled(t *testing.T) {
	env := newDrainEnv(t)
	env.restock(t, "dev-1", 10, 5)
	_, err := env.queue.DrainDevice(context.Background(), "dev-1", &recordingApplier{})
	require.NoError(t, err)
	env.restock(t, "dev-1", 11, 1)

	env.now = env.now.Add(72 * time.Hour)
	task, err := NewOfflinePruneTask(24 * time.Hour)
	require.NoError(t, err)

	job := NewOfflinePruneJob(env.queue, nil, env.metrics)
	require.NoError(t, job.Handle(context.Background(), task))

	all, err := env.queue.List(context.Background(), offline.Filter{DeviceID: "dev-1"})
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, offline.StatusPending, all[0].Status)

	err = job.Handle(context.Background(), asynq.NewTask(TaskOfflinePrune, []byte(`{"older_than":0}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
