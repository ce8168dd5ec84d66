package jobs

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the queue for housekeeping jobs.
	QueueDefault = "default"
	// QueueOffline carries reconnect drains; it is weighted above QueueDefault.
	QueueOffline = "offline"

	// TaskOfflineDrain replays a device's queued mutations.
	TaskOfflineDrain = "offline:drain"
	// TaskOfflinePrune removes settled mutations past retention.
	TaskOfflinePrune = "offline:prune"
)

// OfflineDrainPayload names the device to drain. An empty DeviceID drains
// every device with pending mutations.
type OfflineDrainPayload struct {
	DeviceID    string    `json:"device_id,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// NewOfflineDrainTask constructs the drain task for one device. The task id
// is derived from the device so reconnect bursts collapse into one drain.
func NewOfflineDrainTask(deviceID string, at time.Time) (*asynq.Task, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, errors.New("jobs: device id required")
	}
	body, err := json.Marshal(OfflineDrainPayload{DeviceID: deviceID, RequestedAt: at.UTC()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOfflineDrain, body,
		asynq.Queue(QueueOffline),
		asynq.TaskID(drainTaskID(deviceID)),
		asynq.MaxRetry(10),
	), nil
}

func drainTaskID(deviceID string) string {
	return TaskOfflineDrain + ":" + deviceID
}

// OfflinePrunePayload configures the retention window.
type OfflinePrunePayload struct {
	OlderThan time.Duration `json:"older_than"`
}

// NewOfflinePruneTask constructs the retention task.
func NewOfflinePruneTask(olderThan time.Duration) (*asynq.Task, error) {
	if olderThan <= 0 {
		return nil, errors.New("jobs: prune window must be positive")
	}
	body, err := json.Marshal(OfflinePrunePayload{OlderThan: olderThan})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOfflinePrune, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}
