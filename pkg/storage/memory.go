package storage

import (
	"context"
	"sync"
)

// Memory is a process-local Backend
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
	events fanout
}

// NewMemory creates an empty in-memory backend
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

// Get implements Backend.Get
func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Set implements Backend.Set
func (m *Memory) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	m.events.publish(Event{Key: key})
	return nil
}

// Delete implements Backend.Delete
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	_, existed := m.values[key]
	delete(m.values, key)
	m.mu.Unlock()
	if existed {
		m.events.publish(Event{Key: key, Deleted: true})
	}
	return nil
}

// Watch implements Watcher
func (m *Memory) Watch(ctx context.Context, fn func(Event)) error {
	m.events.add(ctx, fn)
	return nil
}

// Len returns the number of stored keys
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}

// Close implements Backend.Close
func (m *Memory) Close() error {
	return nil
}
