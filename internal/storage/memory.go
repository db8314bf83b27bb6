package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryProvider keeps every session in process memory. It is used for tests
// and for the "memory" driver; nothing survives a restart.
type MemoryProvider struct {
	mu       sync.Mutex
	quota    int
	sessions map[string]*Memory
}

// NewMemoryProvider creates a provider whose sessions share the given quota
// (0 = unlimited).
func NewMemoryProvider(quota int) *MemoryProvider {
	return &MemoryProvider{
		quota:    quota,
		sessions: make(map[string]*Memory),
	}
}

// ForSession returns the storage for sessionID, creating it on first use.
func (p *MemoryProvider) ForSession(sessionID string) Storage {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.sessions[sessionID]
	if !ok {
		m = NewMemory(p.quota)
		p.sessions[sessionID] = m
	}
	return m
}

// Close is a no-op for memory providers.
func (p *MemoryProvider) Close() error {
	return nil
}

// Memory is an in-memory Storage with an optional byte quota.
type Memory struct {
	mu    sync.RWMutex
	quota int
	items map[string][]byte

	failWrites error
}

// NewMemory creates an in-memory storage (quota 0 = unlimited).
func NewMemory(quota int) *Memory {
	return &Memory{
		quota: quota,
		items: make(map[string][]byte),
	}
}

// FailWrites forces every subsequent Set to fail with err (nil restores
// normal behavior). Used to simulate a broken or full backend.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = err
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrites != nil {
		return m.failWrites
	}

	if m.quota > 0 {
		used := len(key) + len(value)
		for k, v := range m.items {
			if k != key {
				used += len(k) + len(v)
			}
		}
		if used > m.quota {
			return ErrQuotaExceeded
		}
	}

	m.items[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *Memory) Keys(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Used returns the number of bytes held (keys and values).
func (m *Memory) Used() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	used := 0
	for k, v := range m.items {
		used += len(k) + len(v)
	}
	return used
}
