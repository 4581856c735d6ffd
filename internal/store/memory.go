package store

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/pipeflow/pkg/schema"
)

// MemoryStore keeps snapshots in process memory. Contents are lost on exit.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*schema.PersistedState
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*schema.PersistedState)}
}

func (m *MemoryStore) Save(ctx context.Context, key string, state *schema.PersistedState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := stateCopy(state)
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.states[key] = cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, key string) (*schema.PersistedState, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	s, ok := m.states[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return stateCopy(s), true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.states, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() error { return nil }
