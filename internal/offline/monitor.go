package offline

import (
	"context"
	"log/slog"
	"sync"
)

// Trigger starts a drain for a device.
type Trigger interface {
	TriggerDrain(ctx context.Context, deviceID string) error
}

// TriggerFunc adapts a function to Trigger.
type TriggerFunc func(ctx context.Context, deviceID string) error

// TriggerDrain calls f.
func (f TriggerFunc) TriggerDrain(ctx context.Context, deviceID string) error {
	return f(ctx, deviceID)
}

// Monitor tracks device connectivity. Only an offline to online transition
// triggers a drain; devices never reported are offline.
type Monitor struct {
	mu      sync.Mutex
	online  map[string]bool
	trigger Trigger
	logger  *slog.Logger
}

// NewMonitor constructs Monitor.
func NewMonitor(trigger Trigger, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{online: make(map[string]bool), trigger: trigger, logger: logger}
}

// SetOnline records the device state and reports whether a drain was
// triggered.
func (m *Monitor) SetOnline(ctx context.Context, deviceID string, online bool) (bool, error) {
	m.mu.Lock()
	was := m.online[deviceID]
	m.online[deviceID] = online
	m.mu.Unlock()

	if !online || was {
		return false, nil
	}
	m.logger.Info("device reconnected", slog.String("device_id", deviceID))
	if err := m.trigger.TriggerDrain(ctx, deviceID); err != nil {
		// Leave the device offline so the next report retries.
		m.mu.Lock()
		m.online[deviceID] = false
		m.mu.Unlock()
		return false, err
	}
	return true, nil
}

// IsOnline reports the last known state.
func (m *Monitor) IsOnline(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online[deviceID]
}
