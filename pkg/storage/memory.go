package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

const watchBuffer = 16

// Memory is an in-process KV. It backs tab-scoped flags and tests.
type Memory struct {
	mu       sync.RWMutex
	data     map[string]string
	watchers map[chan Change]struct{}
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		data:     make(map[string]string),
		watchers: make(map[chan Change]struct{}),
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	prev, existed := m.data[key]
	m.data[key] = value
	m.mu.Unlock()

	if !existed || prev != value {
		m.emit(Change{Key: key})
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	_, existed := m.data[key]
	delete(m.data, key)
	m.mu.Unlock()

	if existed {
		m.emit(Change{Key: key})
	}
	return nil
}

func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch returns a channel of changes that is closed when ctx is done.
// Slow readers miss changes rather than blocking writers.
func (m *Memory) Watch(ctx context.Context) (<-chan Change, error) {
	ch := make(chan Change, watchBuffer)

	m.mu.Lock()
	m.watchers[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, ch)
		close(ch)
		m.mu.Unlock()
	}()

	return ch, nil
}

func (m *Memory) emit(change Change) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for ch := range m.watchers {
		select {
		case ch <- change:
		default:
		}
	}
}
