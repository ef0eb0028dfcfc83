package cache

import (
	"context"
	"sort"
	"sync"
)

// NewMemoryBackend 返回进程内 Backend，重启即丢失，适合测试与无盘部署。
func NewMemoryBackend() Backend {
	return &memoryBackend{stores: make(map[string]map[string]*Response)}
}

type memoryBackend struct {
	mu     sync.RWMutex
	stores map[string]map[string]*Response
}

func (m *memoryBackend) Create(ctx context.Context, name string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := validateStoreName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stores[name]; !ok {
		m.stores[name] = make(map[string]*Response)
	}
	return nil
}

func (m *memoryBackend) Names(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names, nil
}

func (m *memoryBackend) Drop(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.stores[name]
	delete(m.stores, name)
	return ok, nil
}

func (m *memoryBackend) Get(ctx context.Context, name, key string) (*Response, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	store, ok := m.stores[name]
	if !ok {
		return nil, ErrStoreNotFound
	}
	resp, ok := store[key]
	if !ok {
		return nil, ErrNotFound
	}
	return resp.Clone(), nil
}

func (m *memoryBackend) Put(ctx context.Context, name, key string, resp *Response) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	store, ok := m.stores[name]
	if !ok {
		return ErrStoreNotFound
	}
	store[key] = resp.Clone()
	return nil
}

func (m *memoryBackend) Remove(ctx context.Context, name, key string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if store, ok := m.stores[name]; ok {
		delete(store, key)
	}
	return nil
}

func (m *memoryBackend) Close() error {
	return nil
}
