package queue

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/justyse-oj/dispatcher/internal/domain"
)

const cacheViewCapacity = 256

// Manager owns every live Queue plus an LRU of read-only cache views for
// queues that have closed or that no live Queue object is currently
// tracking (the lazy-adopt path from the original's QueueManager.check).
type Manager struct {
	backend Backend

	mu     sync.Mutex
	queues map[string]*Queue

	cache *lru.Cache[string, [][]byte]
}

// NewManager creates a Manager over the given durable backend.
func NewManager(backend Backend) *Manager {
	cache, err := lru.New[string, [][]byte](cacheViewCapacity)
	if err != nil {
		// Only fails for a non-positive size, which cacheViewCapacity never is.
		panic(fmt.Sprintf("queue: lru.New: %v", err))
	}
	return &Manager{backend: backend, queues: make(map[string]*Queue), cache: cache}
}

// Create makes a new live Queue named name. Errors if a non-closed Queue
// by that name already exists.
func (m *Manager) Create(name string) (*Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[name]; ok && !q.closed {
		return nil, &domain.QueueAlreadyExistError{Name: name}
	}

	q := newQueue(name, m.backend)
	m.queues[name] = q
	return q, nil
}

// Check reports whether a non-closed Queue by this name is currently
// tracked.
func (m *Manager) Check(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	return ok && !q.closed
}

// Get retrieves a live, non-closed Queue by name.
func (m *Manager) Get(name string) (*Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok || q.closed {
		return nil, &domain.QueueNotFoundError{Name: name}
	}
	return q, nil
}

// Close closes and forgets the live Queue by name, if any.
func (m *Manager) Close(name string) error {
	m.mu.Lock()
	q, ok := m.queues[name]
	m.mu.Unlock()
	if !ok {
		return &domain.QueueNotFoundError{Name: name}
	}
	q.Close()
	return nil
}

// CheckCache reports whether the durable backing list for name holds any
// frames at all, regardless of whether a live Queue object exists.
func (m *Manager) CheckCache(ctx context.Context, name string) (bool, error) {
	n, err := m.backend.Len(ctx, name)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetCache returns the durable history for name as a read-only snapshot,
// for a late subscriber joining after the live Queue (if any) closed. The
// first read populates an LRU entry; subsequent reads of an unchanged
// queue are served from cache.
func (m *Manager) GetCache(ctx context.Context, name string) ([][]byte, error) {
	if frames, ok := m.cache.Get(name); ok {
		return frames, nil
	}
	frames, err := m.backend.List(ctx, name)
	if err != nil {
		return nil, err
	}
	m.cache.Add(name, frames)
	return frames, nil
}
