// ABOUTME: In-memory session store for tests and ephemeral clients.
// ABOUTME: No encryption; blobs are copied on the way in and out.

package session

import (
	"context"
	"sync"
)

// MemoryStore is a map-backed Store. Safe for concurrent use.
type MemoryStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Exists reports whether a blob is stored under name.
func (m *MemoryStore) Exists(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[name]
	return ok, nil
}

// Load returns a copy of the stored blob, or ErrNotFound.
func (m *MemoryStore) Load(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.blobs[name]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

// Save stores a copy of blob under name.
func (m *MemoryStore) Save(_ context.Context, name string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(blob))
	copy(stored, blob)
	m.blobs[name] = stored
	return nil
}

// Delete removes the blob. Absent names are ignored.
func (m *MemoryStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, name)
	return nil
}

var _ Store = (*MemoryStore)(nil)
