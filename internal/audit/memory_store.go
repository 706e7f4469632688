package audit

import (
	"context"
	"sync"
)

// MemoryStore 在内存中按运行保存审计事件。
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// NewMemoryStore 创建内存审计存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]Event)}
}

// Append 实现 Store 接口。
func (m *MemoryStore) Append(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[event.RunID] = append(m.events[event.RunID], event)
	return nil
}

// List 实现 Store 接口。
func (m *MemoryStore) List(_ context.Context, runID string, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.events[runID]
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]Event, len(events))
	copy(out, events)
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
