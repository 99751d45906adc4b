package queue

import "context"

// Backend is the durable append-only list a Queue's frames are persisted
// to. internal/db provides a GORM-backed implementation; tests use an
// in-memory one.
type Backend interface {
	// Append persists one JSON-encoded frame for name and returns its
	// sequence number (monotone per name, starting at 0).
	Append(ctx context.Context, name string, payload []byte) (seq int64, err error)

	// List returns every persisted frame for name, in sequence order.
	List(ctx context.Context, name string) ([][]byte, error)

	// Len reports how many frames are persisted for name, without
	// decoding them.
	Len(ctx context.Context, name string) (int, error)
}
