package storage

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory implements Backend with an in-process map. It is the backend used
// by tests and dry runs; it offers no cross-process guarantees.
type Memory struct {
	mu       sync.RWMutex
	items    map[string]*memoryItem
	stats    Stats
	now      func() time.Time
	stopChan chan struct{}
	stopped  bool
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// Stats counts backend operations
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Writes    int64 `json:"writes"`
	Conflicts int64 `json:"conflicts"`
	Deletes   int64 `json:"deletes"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

// MemoryOption configures a Memory backend
type MemoryOption func(*Memory)

// WithClock overrides the time source used for TTL checks
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// WithSweepInterval starts a goroutine that drops expired items periodically
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			go m.sweepLoop(d)
		}
	}
}

// NewMemory creates an empty in-memory backend
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		items:    make(map[string]*memoryItem),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get retrieves a value
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[key]
	if !ok {
		m.stats.Misses++
		return nil, ErrNotFound
	}
	if expired(item.expiresAt, m.now()) {
		delete(m.items, key)
		m.stats.Misses++
		m.stats.Evictions++
		return nil, ErrNotFound
	}
	m.stats.Hits++
	return append([]byte(nil), item.value...), nil
}

// Put stores a value without expiry
func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items[key] = &memoryItem{value: append([]byte(nil), value...)}
	m.stats.Writes++
	return nil
}

// PutIfAbsent stores a value unless a live one exists
func (m *Memory) PutIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if item, ok := m.items[key]; ok && !expired(item.expiresAt, now) {
		m.stats.Conflicts++
		return false, nil
	}
	m.items[key] = &memoryItem{
		value:     append([]byte(nil), value...),
		expiresAt: expiryFor(ttl, now),
	}
	m.stats.Writes++
	return true, nil
}

// Delete removes a value
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[key]; ok {
		delete(m.items, key)
		m.stats.Deletes++
	}
	return nil
}

// DeleteIfEqual removes a live value equal to expected
func (m *Memory) DeleteIfEqual(_ context.Context, key string, expected []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[key]
	if !ok || expired(item.expiresAt, m.now()) || !bytes.Equal(item.value, expected) {
		return false, nil
	}
	delete(m.items, key)
	m.stats.Deletes++
	return true, nil
}

// List returns live keys with the prefix in sorted order
func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	keys := make([]string, 0)
	for key, item := range m.items {
		if strings.HasPrefix(key, prefix) && !expired(item.expiresAt, now) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Stats returns operation counters
func (m *Memory) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := m.stats
	stats.Size = len(m.items)
	return stats
}

// Close stops the sweep goroutine
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.stopped {
		close(m.stopChan)
		m.stopped = true
	}
	return nil
}

func (m *Memory) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopChan:
			return
		}
	}
}

func (m *Memory) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, item := range m.items {
		if expired(item.expiresAt, now) {
			delete(m.items, key)
			m.stats.Evictions++
		}
	}
}
