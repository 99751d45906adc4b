// Package queue implements the Queue Fabric: named, durable, append-only
// FIFO queues that broadcast each appended frame to live subscribers and
// replay their full history to late joiners.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/justyse-oj/dispatcher/internal/domain"
)

// Subscriber is a callback registered via OnPut. Fn receives the appended
// frame together with its durable sequence number, so a subscriber that
// also replays history can tell exactly which frames its replay already
// covered. If Async is true, Fn runs on its own goroutine so a slow
// subscriber cannot block Put/Close; if false, it runs synchronously in
// the caller of Put/Close, preserving delivery order for subscribers that
// need it.
type Subscriber struct {
	Fn    func(seq int64, payload []byte)
	Async bool
}

// closeSubscriber is the Subscriber equivalent for the close event, which
// carries no payload.
type closeSubscriber struct {
	Fn    func()
	Async bool
}

// Queue is one named, durable FIFO. Safe for concurrent use.
type Queue struct {
	Name    string
	backend Backend

	mu        sync.Mutex
	closed    bool
	nextSubID int
	putSubs   map[int]Subscriber
	closeSubs map[int]closeSubscriber
}

func newQueue(name string, backend Backend) *Queue {
	return &Queue{
		Name:      name,
		backend:   backend,
		putSubs:   make(map[int]Subscriber),
		closeSubs: make(map[int]closeSubscriber),
	}
}

// Put JSON-encodes item (unless raw is true, in which case item must
// already be []byte or json.RawMessage), appends it durably, and fires
// every put subscriber. A no-op on a closed queue.
func (q *Queue) Put(ctx context.Context, item any, raw bool) error {
	return q.put(ctx, item, raw, true)
}

// PutSilent appends like Put but fires no put subscribers, for frames
// copied into the queue that observers have already seen.
func (q *Queue) PutSilent(ctx context.Context, item any, raw bool) error {
	return q.put(ctx, item, raw, false)
}

func (q *Queue) put(ctx context.Context, item any, raw, notify bool) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	var payload []byte
	if raw {
		switch v := item.(type) {
		case []byte:
			payload = v
		case json.RawMessage:
			payload = v
		default:
			return fmt.Errorf("queue: raw put requires []byte or json.RawMessage, got %T: %w", item, domain.ErrQueueNotValid)
		}
	} else {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("queue: marshal item: %w", err)
		}
		payload = data
	}

	seq, err := q.backend.Append(ctx, q.Name, payload)
	if err != nil {
		return fmt.Errorf("queue: append to %s: %w", q.Name, err)
	}
	if !notify {
		return nil
	}

	q.mu.Lock()
	subs := make([]Subscriber, 0, len(q.putSubs))
	for _, s := range q.putSubs {
		subs = append(subs, s)
	}
	q.mu.Unlock()

	for _, s := range subs {
		if s.Async {
			go s.Fn(seq, payload)
		} else {
			s.Fn(seq, payload)
		}
	}
	return nil
}

// GetAll reads the full durable history of the queue.
func (q *Queue) GetAll(ctx context.Context) ([][]byte, error) {
	return q.backend.List(ctx, q.Name)
}

// Close fires close subscribers, marks the queue closed, and clears the
// subscriber tables. Idempotent. Reads remain allowed after Close; Put
// becomes a no-op.
func (q *Queue) Close() { q.close(true) }

// CloseSilent closes like Close but fires no close subscribers, for
// tearing down a queue whose observers have already been dismissed.
func (q *Queue) CloseSilent() { q.close(false) }

func (q *Queue) close(notify bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	subs := make([]closeSubscriber, 0, len(q.closeSubs))
	for _, s := range q.closeSubs {
		subs = append(subs, s)
	}
	q.putSubs = make(map[int]Subscriber)
	q.closeSubs = make(map[int]closeSubscriber)
	q.mu.Unlock()

	if !notify {
		return
	}
	for _, s := range subs {
		if s.Async {
			go s.Fn()
		} else {
			s.Fn()
		}
	}
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// OnPut registers a put subscriber and returns an id usable with OffPut.
// Registering on a closed queue is a no-op; the returned id is inert.
func (q *Queue) OnPut(sub Subscriber) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return -1
	}
	id := q.nextSubID
	q.nextSubID++
	q.putSubs[id] = sub
	return id
}

// OnClose registers a close subscriber and returns an id usable with
// OffClose.
func (q *Queue) OnClose(sub func()) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return -1
	}
	id := q.nextSubID
	q.nextSubID++
	q.closeSubs[id] = closeSubscriber{Fn: sub}
	return id
}

// OffPut removes a put subscriber by id.
func (q *Queue) OffPut(id int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.putSubs, id)
}

// OffClose removes a close subscriber by id.
func (q *Queue) OffClose(id int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.closeSubs, id)
}
