package storage

import (
	"context"
	"sync"
	"time"
)

// Memory is a non-durable Backend.
type Memory struct {
	mu       sync.Mutex
	closed   bool
	lastSent map[string]time.Time
	errors   map[string][]ErrorEntry
}

func NewMemory() *Memory {
	return &Memory{lastSent: map[string]time.Time{}, errors: map[string][]ErrorEntry{}}
}

func (m *Memory) LoadLastSent(ctx context.Context) (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]time.Time, len(m.lastSent))
	for k, v := range m.lastSent {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) PutLastSent(ctx context.Context, tenantID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.lastSent[tenantID] = at.UTC().Truncate(time.Second)
	return nil
}

func (m *Memory) DeleteLastSent(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.lastSent, tenantID)
	return nil
}

func (m *Memory) Sync(ctx context.Context) error { return nil }

func (m *Memory) AppendError(ctx context.Context, e ErrorEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.errors[e.TenantID] = trimEntries(append(m.errors[e.TenantID], e))
	return nil
}

func (m *Memory) ListErrors(ctx context.Context, tenantID string) ([]ErrorEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ErrorEntry(nil), m.errors[tenantID]...), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
