package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/offline"
	"github.com/odyssey-erp/stockledger/jobs"
)

type recordingTrigger struct {
	devices []string
	err     error
}

func (r *recordingTrigger) TriggerDrain(_ context.Context, deviceID string) error {
	if r.err != nil {
		return r.err
	}
	r.devices = append(r.devices, deviceID)
	return nil
}

type stubInspector map[string]*asynq.QueueInfo

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	info, ok := s[queue]
	if !ok {
		return nil, asynq.ErrQueueNotFound
	}
	return info, nil
}

func TestDrainCommandEnqueuesPerDevice(t *testing.T) {
	trigger := &recordingTrigger{}
	c := &QueueCLI{trigger: trigger}
	stdout := new(bytes.Buffer)

	code := c.DrainCommand(context.Background(), DrainOptions{DeviceIDs: []string{"a", "b"}, Stdout: stdout, Stderr: new(bytes.Buffer)})
	require.Equal(t, ExitOK, code)
	require.Equal(t, []string{"a", "b"}, trigger.devices)
	require.Contains(t, stdout.String(), "drain queued for b")

	stderr := new(bytes.Buffer)
	code = c.DrainCommand(context.Background(), DrainOptions{Stdout: stdout, Stderr: stderr})
	require.Equal(t, ExitFailure, code)
	require.Contains(t, stderr.String(), "device id required")

	c = &QueueCLI{trigger: &recordingTrigger{err: errors.New("redis down")}}
	code = c.DrainCommand(context.Background(), DrainOptions{DeviceIDs: []string{"a"}, Stdout: stdout, Stderr: stderr})
	require.Equal(t, ExitFailure, code)
}

func newLocalQueue(t *testing.T) *offline.Queue {
	t.Helper()
	q := offline.NewQueue(offline.NewMemoryStore(), offline.Config{})
	for _, qty := range []int64{3, 1} {
		_, err := q.Enqueue(context.Background(), "dev-1", offline.KindRestock, offline.Payload{WarehouseID: 1, ProductID: 2, Quantity: qty})
		require.NoError(t, err)
	}
	return q
}

func TestDrainCommandLocal(t *testing.T) {
	q := newLocalQueue(t)
	var applied int
	apply := offline.ApplyFunc(func(context.Context, offline.Mutation) error {
		applied++
		return nil
	})

	stdout := new(bytes.Buffer)
	code := LocalDrain(context.Background(), DrainOptions{
		Drainer: q, Applier: apply, JSONOutput: true, Stdout: stdout, Stderr: new(bytes.Buffer),
	})
	require.Equal(t, ExitOK, code)
	require.Equal(t, 2, applied)

	var report offline.Report
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
	require.Equal(t, 2, report.Succeeded)
}

func TestDrainCommandLocalReportsFailures(t *testing.T) {
	q := newLocalQueue(t)
	reject := offline.ApplyFunc(func(_ context.Context, m offline.Mutation) error {
		return inventory.NewError(inventory.CodeInsufficientStock, 1, 2, "", "no stock")
	})

	stdout := new(bytes.Buffer)
	code := LocalDrain(context.Background(), DrainOptions{
		DeviceIDs: []string{"dev-1"}, Drainer: q, Applier: reject, Stdout: stdout, Stderr: new(bytes.Buffer),
	})
	require.Equal(t, ExitRejected, code)
	require.Contains(t, stdout.String(), "applied=0 failed=1 blocked=1")
	require.Contains(t, stdout.String(), string(inventory.CodeInsufficientStock))
}

func TestStatsCommand(t *testing.T) {
	c := &QueueCLI{inspector: stubInspector{jobs.QueueOffline: {Queue: jobs.QueueOffline, Pending: 4, Retry: 2}}}
	q := newLocalQueue(t)

	stdout := new(bytes.Buffer)
	code := c.StatsCommand(context.Background(), StatsOptions{Mutations: q, JSONOutput: true, Stdout: stdout, Stderr: new(bytes.Buffer)})
	require.Equal(t, ExitOK, code)

	var report StatsReport
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
	require.Equal(t, []QueueStats{
		{Queue: jobs.QueueOffline, Pending: 4, Retry: 2},
		{Queue: jobs.QueueDefault},
	}, report.Queues)
	require.Equal(t, 2, report.Mutations[string(offline.StatusPending)])

	stdout.Reset()
	code = c.StatsCommand(context.Background(), StatsOptions{Stdout: stdout, Stderr: new(bytes.Buffer)})
	require.Equal(t, ExitOK, code)
	require.Contains(t, stdout.String(), "QUEUE")
	require.Contains(t, stdout.String(), jobs.QueueOffline)

	stderr := new(bytes.Buffer)
	code = (&QueueCLI{}).StatsCommand(context.Background(), StatsOptions{Stdout: stdout, Stderr: stderr})
	require.Equal(t, ExitFailure, code)
}
