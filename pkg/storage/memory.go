package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryStore is an in-process BlobStore. URLs have the form "mem://<path>".
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Upload implements BlobStore.
func (m *MemoryStore) Upload(_ context.Context, path string, data []byte, _ string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("blob path is required")
	}
	m.mu.Lock()
	m.blobs[path] = append([]byte(nil), data...)
	m.mu.Unlock()
	return "mem://" + path, nil
}

// Download implements BlobStore.
func (m *MemoryStore) Download(_ context.Context, ref string) ([]byte, error) {
	path := strings.TrimPrefix(ref, "mem://")
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return append([]byte(nil), data...), nil
}

// Len returns the number of stored blobs.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
