package storage

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an OfflineStore kept in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Put stores data and returns its content id. Storing the same bytes twice
// is a no-op.
func (m *MemoryStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrOfflineStore, err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: data is required", ErrOfflineStore)
	}

	id := ContentID(data)
	m.mu.Lock()
	if _, ok := m.blobs[id]; !ok {
		m.blobs[id] = append([]byte(nil), data...)
	}
	m.mu.Unlock()
	return id, nil
}

// Get returns the bytes stored under contentID.
func (m *MemoryStore) Get(ctx context.Context, contentID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOfflineStore, err)
	}
	if err := validateContentID(contentID); err != nil {
		return nil, err
	}

	m.mu.RLock()
	data, ok := m.blobs[contentID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrOfflineStore, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Len returns the number of stored blobs.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
