package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps entries in a map. Several channels sharing one
// MemoryStore behave like several tabs sharing one origin's storage: each
// watcher hears about writes from every other origin.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]Entry
	watchers map[int]*memWatch
	nextID   int
	closed   bool
}

// memWatch is an ordered, unbounded delivery queue for one watcher.
type memWatch struct {
	origin string
	mu     sync.Mutex
	queue  []Entry
	signal chan struct{}
}

// NewMemoryStore returns an empty in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]Entry),
		watchers: make(map[int]*memWatch),
	}
}

func (m *MemoryStore) Get(key string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Entry{}, ErrClosed
	}
	e, ok := m.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (m *MemoryStore) Put(key, value, origin string) (Entry, error) {
	return m.put(key, value, origin, -1)
}

func (m *MemoryStore) CompareAndPut(key, value, origin string, expected int64) (Entry, error) {
	return m.put(key, value, origin, expected)
}

// put writes key; expected < 0 skips the version check.
func (m *MemoryStore) put(key, value, origin string, expected int64) (Entry, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Entry{}, ErrClosed
	}

	current := m.entries[key].Version
	if expected >= 0 && current != expected {
		m.mu.Unlock()
		return Entry{}, ErrConflict
	}

	e := Entry{
		Key:       key,
		Value:     value,
		Version:   current + 1,
		Origin:    origin,
		UpdatedAt: time.Now().UTC(),
	}
	m.entries[key] = e

	targets := make([]*memWatch, 0, len(m.watchers))
	for _, w := range m.watchers {
		if w.origin != origin {
			targets = append(targets, w)
		}
	}
	m.mu.Unlock()

	for _, w := range targets {
		w.push(e)
	}
	return e, nil
}

func (m *MemoryStore) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch delivers writes from other origins, in write order, until ctx is done.
func (m *MemoryStore) Watch(ctx context.Context, origin string, fn func(Entry)) error {
	w := &memWatch{origin: origin, signal: make(chan struct{}, 1)}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	id := m.nextID
	m.nextID++
	m.watchers[id] = w
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.signal:
			for _, e := range w.drain() {
				fn(e)
			}
		}
	}
}

// WatcherCount reports how many Watch calls are currently registered.
func (m *MemoryStore) WatcherCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.watchers)
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (w *memWatch) push(e Entry) {
	w.mu.Lock()
	w.queue = append(w.queue, e)
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *memWatch) drain() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	q := w.queue
	w.queue = nil
	return q
}
