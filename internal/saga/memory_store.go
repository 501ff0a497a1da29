package saga

import (
	"context"
	"sync"
)

// MemoryStore keeps saga instances in a process-local map. Writes to
// different keys do not contend beyond the map lock; same-key writes are
// linearized by the version check.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]Instance
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[string]Instance)}
}

func (s *MemoryStore) Load(ctx context.Context, orderID string) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return Instance{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[orderID]
	if !ok {
		return Instance{}, ErrNotFound
	}
	return inst, nil
}

func (s *MemoryStore) Save(ctx context.Context, inst Instance, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.instances[inst.OrderID]
	if !ok {
		if expectedVersion != 0 {
			return ErrNotFound
		}
	} else if current.Version != expectedVersion {
		return ErrVersionConflict
	}

	inst.Version = expectedVersion + 1
	s.instances[inst.OrderID] = inst
	return nil
}

func (s *MemoryStore) Pending(ctx context.Context) ([]Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pending []Instance
	for _, inst := range s.instances {
		if !inst.State.Terminal() {
			pending = append(pending, inst)
		}
	}
	return pending, nil
}
