package offline

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps the queue in process memory.
type MemoryStore struct {
	mu        sync.Mutex
	seq       int64
	mutations map[string]*Mutation
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{mutations: make(map[string]*Mutation)}
}

func (s *MemoryStore) Insert(_ context.Context, m Mutation) (Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	m.Seq = s.seq
	if m.Status == "" {
		m.Status = StatusPending
	}
	stored := m
	s.mutations[m.ID] = &stored
	return m, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mutations[id]
	if !ok {
		return Mutation{}, ErrMutationNotFound
	}
	return *m, nil
}

func (s *MemoryStore) Unsettled(_ context.Context, deviceID string) ([]Mutation, error) {
	return s.collect(func(m *Mutation) bool {
		return m.DeviceID == deviceID && (m.Status == StatusPending || m.Status == StatusFailed)
	}, 0), nil
}

func (s *MemoryStore) PendingDevices(_ context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var devices []string
	for _, m := range s.collect(func(m *Mutation) bool { return m.Status == StatusPending }, 0) {
		if _, ok := seen[m.DeviceID]; !ok {
			seen[m.DeviceID] = struct{}{}
			devices = append(devices, m.DeviceID)
		}
	}
	return devices, nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Mutation, error) {
	return s.collect(func(m *Mutation) bool {
		return (filter.DeviceID == "" || m.DeviceID == filter.DeviceID) && (filter.Status == "" || m.Status == filter.Status)
	}, filter.Limit), nil
}

func (s *MemoryStore) collect(match func(*Mutation) bool, limit int) []Mutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Mutation
	for _, m := range s.mutations {
		if match(m) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) update(id string, fn func(*Mutation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mutations[id]
	if !ok {
		return ErrMutationNotFound
	}
	fn(m)
	return nil
}

func (s *MemoryStore) MarkApplied(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(m *Mutation) {
		m.Status, m.AppliedAt, m.LastError = StatusApplied, &at, ""
	})
}

func (s *MemoryStore) MarkFailed(_ context.Context, id string, at time.Time, reason string) error {
	return s.update(id, func(m *Mutation) {
		m.Status, m.FailedAt, m.LastError = StatusFailed, &at, reason
	})
}

func (s *MemoryStore) MarkDismissed(_ context.Context, id string) error {
	return s.update(id, func(m *Mutation) { m.Status = StatusDismissed })
}

func (s *MemoryStore) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, m := range s.mutations {
		settled := m.Status == StatusApplied || m.Status == StatusDismissed
		if settled && m.EnqueuedAt.Before(cutoff) {
			delete(s.mutations, id)
			n++
		}
	}
	return n, nil
}
