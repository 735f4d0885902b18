package tokenstore

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory token store for tests and demo mode.
type MemoryStore struct {
	tokens map[string]string
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens: make(map[string]string),
	}
}

func (m *MemoryStore) Get(ctx context.Context, shop string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	token, ok := m.tokens[shop]
	if !ok {
		return "", ErrNotFound
	}
	return token, nil
}

func (m *MemoryStore) Put(ctx context.Context, shop, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[shop] = token
	return nil
}
