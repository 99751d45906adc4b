package queue

import (
	"context"
	"sync"
)

// memBackend is an in-memory Backend double used across this package's
// tests — no database required.
type memBackend struct {
	mu    sync.Mutex
	lists map[string][][]byte
}

func newMemBackend() *memBackend {
	return &memBackend{lists: make(map[string][][]byte)}
}

func (b *memBackend) Append(_ context.Context, name string, payload []byte) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := append([]byte(nil), payload...)
	b.lists[name] = append(b.lists[name], cp)
	return int64(len(b.lists[name]) - 1), nil
}

func (b *memBackend) List(_ context.Context, name string) ([][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.lists[name]))
	copy(out, b.lists[name])
	return out, nil
}

func (b *memBackend) Len(_ context.Context, name string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lists[name]), nil
}
