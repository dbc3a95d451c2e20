// Package store keeps the last status string seen for each device so that
// status changes can be detected across polls and process restarts.
package store

import (
	"context"
	"sync"
)

// StatusStore maps (server id, device name) to the last observed status.
type StatusStore interface {
	// Get returns the stored status; ok is false when none was recorded.
	Get(ctx context.Context, server, device string) (status string, ok bool, err error)
	Set(ctx context.Context, server, device, status string) error
	Close() error
}

func field(server, device string) string { return server + "/" + device }

// MemoryStore is a process-local StatusStore.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string]string{}}
}

// Get returns the last status Set for the device.
func (m *MemoryStore) Get(_ context.Context, server, device string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[field(server, device)]
	return v, ok, nil
}

// Set records status for the device.
func (m *MemoryStore) Set(_ context.Context, server, device, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[field(server, device)] = status
	return nil
}

func (m *MemoryStore) Close() error { return nil }
