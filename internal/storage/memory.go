package storage

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MemoryBackend implements Backend using a mutex-guarded map.
type MemoryBackend struct {
	logger *zap.Logger
	mu     sync.RWMutex
	items  map[string]*Value
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates a new volatile in-memory backend
func NewMemoryBackend(logger *zap.Logger) *MemoryBackend {
	return &MemoryBackend{
		logger: logger.Named("storage.memory"),
		items:  make(map[string]*Value),
	}
}

// Get implements Backend.Get
func (b *MemoryBackend) Get(_ context.Context, key string) (*Value, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	v, ok := b.items[key]
	if !ok {
		return nil, false, nil
	}
	return v.Clone(), true, nil
}

// Set implements Backend.Set
func (b *MemoryBackend) Set(_ context.Context, key string, value *Value) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[key] = value.Clone()
	return nil
}

// Delete implements Backend.Delete
func (b *MemoryBackend) Delete(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.items[key]
	delete(b.items, key)
	return ok, nil
}

// Keys implements Backend.Keys
func (b *MemoryBackend) Keys(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.items))
	for k := range b.items {
		keys = append(keys, k)
	}
	return keys, nil
}

// Clear implements Backend.Clear
func (b *MemoryBackend) Clear(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items = make(map[string]*Value)
	return nil
}

// Close implements Backend.Close
func (b *MemoryBackend) Close() error {
	return nil
}
