// ABOUTME: Single-slot credential storage interface and in-memory implementation
// ABOUTME: Holds at most one raw bearer credential; absence means anonymous

package credential

import (
	"context"
	"errors"
	"sync"
)

// ErrEmptyCredential is returned when Set is called with an empty string.
var ErrEmptyCredential = errors.New("empty credential")

// Store is durable single-slot storage for one raw credential string.
// Set replaces whatever was stored; Clear on an empty slot is not an error.
type Store interface {
	Set(ctx context.Context, raw string) error
	Get(ctx context.Context) (raw string, ok bool, err error)
	Clear(ctx context.Context) error
	Close() error
}

// MemoryStore keeps the credential in process memory. It does not survive a
// restart and is meant for tests and ephemeral sessions.
type MemoryStore struct {
	mu  sync.Mutex
	raw string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Set(_ context.Context, raw string) error {
	if raw == "" {
		return ErrEmptyCredential
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw = raw
	return nil
}

func (m *MemoryStore) Get(_ context.Context) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.raw, m.raw != "", nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw = ""
	return nil
}

func (m *MemoryStore) Close() error { return nil }
