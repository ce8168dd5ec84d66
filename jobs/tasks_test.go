package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

func TestNewOfflineDrainTask(t *testing.T) {
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	task, err := NewOfflineDrainTask(" dev-7 ", at)
	require.NoError(t, err)
	require.Equal(t, TaskOfflineDrain, task.Type())

	var payload OfflineDrainPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, "dev-7", payload.DeviceID)
	require.True(t, payload.RequestedAt.Equal(at))

	_, err = NewOfflineDrainTask("  ", at)
	require.Error(t, err)
	_, err = NewOfflinePruneTask(0)
	require.Error(t, err)
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func (f *fakeEnqueuer) Close() error { return nil }

func TestClientTriggerDrain(t *testing.T) {
	fake := &fakeEnqueuer{}
	client := newClient(fake)
	require.NoError(t, client.TriggerDrain(context.Background(), "dev-1"))
	require.Len(t, fake.tasks, 1)
	require.Equal(t, TaskOfflineDrain, fake.tasks[0].Type())

	_, err := client.EnqueuePrune(context.Background(), time.Hour)
	require.NoError(t, err)
	require.Equal(t, TaskOfflinePrune, fake.tasks[1].Type())
}

func TestClientTriggerDrainAbsorbsQueuedDuplicate(t *testing.T) {
	client := newClient(&fakeEnqueuer{err: asynq.ErrTaskIDConflict})
	require.NoError(t, client.TriggerDrain(context.Background(), "dev-1"))

	boom := errors.New("redis down")
	client = newClient(&fakeEnqueuer{err: boom})
	require.ErrorIs(t, client.TriggerDrain(context.Background(), "dev-1"), boom)
}

type fakeInspector struct {
	infos map[string]*asynq.QueueInfo
	err   error
}

func (f fakeInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	info, ok := f.infos[queue]
	if !ok {
		return nil, asynq.ErrQueueNotFound
	}
	return info, nil
}

func TestHandlerHealth(t *testing.T) {
	h := NewHandler(fakeInspector{infos: map[string]*asynq.QueueInfo{
		QueueOffline: {Queue: QueueOffline, Pending: 3, Retry: 1},
	}}, nil)
	r := chi.NewRouter()
	r.Route("/jobs", h.MountRoutes)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Queues []queueHealth `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, []queueHealth{
		{Queue: QueueOffline, Pending: 3, Retry: 1},
		{Queue: QueueDefault},
	}, body.Queues)

	h = NewHandler(fakeInspector{err: errors.New("redis down")}, nil)
	r = chi.NewRouter()
	r.Route("/jobs", h.MountRoutes)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
