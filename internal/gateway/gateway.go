// Package gateway implements the Subscriber Gateway: the bridge between a
// judge run's queue (or, once it has closed, its persisted transcript) and
// an external observer such as a push socket. It replays history and then
// forwards live frames, matching the envelope and close-code rules a
// downstream client relies on to know a run is finished.
package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/justyse-oj/dispatcher/internal/queue"
	"github.com/justyse-oj/dispatcher/internal/submissionlog"
	"github.com/justyse-oj/dispatcher/internal/workerconn"
)

// Close reasons, reused across every downstream transport. The websocket
// binding in ws.go maps these onto concrete close codes.
const (
	ReasonEOFCache      = "eof cache"
	ReasonInternalError = "internal error"
	ReasonAborted       = "aborted"
	ReasonDone          = "done"
	ReasonNotFound      = "not found"
)

// Envelope is the `{status, data}` shape every forwarded frame is wrapped
// in before reaching a downstream subscriber.
type Envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Downstream is the transport-agnostic sink a Gateway streams frames into.
// ws.go provides a WebSocket-backed implementation; tests can substitute a
// recording stub.
type Downstream interface {
	Send(env Envelope) error
	Close(reason string) error
}

// Gateway bridges queue_ids of the form "judge::<submission_id>:<run_id>"
// to a Downstream.
type Gateway struct {
	queues *queue.Manager
	logs   *submissionlog.Store
	logger *zap.Logger
}

// New creates a Gateway over the dispatcher's queue manager and submission
// log store.
func New(queues *queue.Manager, logs *submissionlog.Store, logger *zap.Logger) *Gateway {
	return &Gateway{queues: queues, logs: logs, logger: logger.Named("gateway")}
}

// ParseQueueID splits a "judge::<submission_id>:<run_id>" queue id into its
// parts.
func ParseQueueID(queueID string) (submissionID, runID string, ok bool) {
	const prefix = "judge::"
	if !strings.HasPrefix(queueID, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(queueID, prefix)
	idx := strings.LastIndex(rest, ":")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

// Serve runs the full bridging sequence for one subscriber: persisted
// log first, then live queue replay and forwarding, then the already-closed
// backend-cache fallback. It blocks until the downstream is closed or ctx
// is cancelled.
func (g *Gateway) Serve(ctx context.Context, queueID string, down Downstream) error {
	submissionID, runID, ok := ParseQueueID(queueID)
	if !ok {
		return down.Close(ReasonNotFound)
	}

	if frames, err := g.logs.GetLogs(ctx, submissionID, runID); err == nil && len(frames) > 0 {
		return g.replayLogFrames(down, frames)
	}

	if q, err := g.queues.Get(queueID); err == nil {
		return g.replayAndFollow(ctx, q, down)
	}

	raw, err := g.queues.GetCache(ctx, queueID)
	if err != nil || len(raw) == 0 {
		return down.Close(ReasonNotFound)
	}
	return g.replayRawFrames(down, raw, ReasonEOFCache)
}

func (g *Gateway) replayLogFrames(down Downstream, frames []submissionlog.Frame) error {
	for _, f := range frames {
		if err := down.Send(Envelope{Status: f.Tag, Data: f.Payload}); err != nil {
			return err
		}
	}
	return down.Close(ReasonEOFCache)
}

func (g *Gateway) replayRawFrames(down Downstream, raw [][]byte, closeReason string) error {
	for _, r := range raw {
		tag, payload, err := workerconn.DecodeWireFrame(r)
		if err != nil {
			g.logger.Warn("dropping malformed cached frame", zap.Error(err))
			continue
		}
		if err := down.Send(Envelope{Status: tag, Data: payload}); err != nil {
			return err
		}
		if reason, ok := terminalReason(tag); ok {
			return down.Close(reason)
		}
	}
	return down.Close(closeReason)
}

// replayAndFollow replays a still-tracked queue's current history and, if
// it has not already closed, forwards further frames until the queue
// closes or a terminal tag is delivered.
//
// The put subscriber is registered before the history read and deduped by
// durable sequence number, so a frame appended between the two never
// produces a gap or a duplicate: anything the replay already covered
// (seq < len(history)) is skipped, anything newer is buffered until the
// replay finishes and then forwarded in order.
func (g *Gateway) replayAndFollow(ctx context.Context, q *queue.Queue, down Downstream) error {
	var (
		mu        sync.Mutex
		done      = make(chan struct{})
		closed    bool
		replaying = true
		replayed  int64 // frames covered by the history read, set under mu
		pending   []seqFrame
	)
	finish := func(reason string) {
		mu.Lock()
		if closed {
			mu.Unlock()
			return
		}
		closed = true
		mu.Unlock()
		_ = down.Close(reason)
		close(done)
	}

	forward := func(payload []byte) bool {
		tag, data, derr := workerconn.DecodeWireFrame(payload)
		if derr != nil {
			g.logger.Warn("dropping malformed live frame", zap.Error(derr))
			return true
		}
		if err := down.Send(Envelope{Status: tag, Data: data}); err != nil {
			finish(ReasonInternalError)
			return false
		}
		if reason, ok := terminalReason(tag); ok {
			finish(reason)
			return false
		}
		return true
	}

	putID := q.OnPut(queue.Subscriber{Fn: func(seq int64, payload []byte) {
		mu.Lock()
		if replaying {
			pending = append(pending, seqFrame{seq: seq, payload: payload})
			mu.Unlock()
			return
		}
		skip := seq < replayed
		mu.Unlock()
		if skip {
			return
		}
		forward(payload)
	}})
	closeID := q.OnClose(func() { finish(ReasonEOFCache) })
	defer func() {
		q.OffPut(putID)
		q.OffClose(closeID)
	}()

	raw, err := q.GetAll(ctx)
	if err != nil {
		finish(ReasonInternalError)
		return nil
	}

	for _, r := range raw {
		tag, payload, derr := workerconn.DecodeWireFrame(r)
		if derr != nil {
			g.logger.Warn("dropping malformed live frame", zap.Error(derr))
			continue
		}
		if err := down.Send(Envelope{Status: tag, Data: payload}); err != nil {
			finish(ReasonInternalError)
			return nil
		}
		if reason, ok := terminalReason(tag); ok {
			finish(reason)
			return nil
		}
	}

	// Drain everything buffered during the replay, then flip to direct
	// forwarding. replaying is only cleared once pending is empty under
	// the lock, so a concurrent Put either lands in a batch drained here
	// or is forwarded directly by the subscriber strictly afterwards —
	// never both, never out of order.
	mu.Lock()
	replayed = int64(len(raw))
	for len(pending) > 0 {
		batch := pending
		pending = nil
		mu.Unlock()
		for _, f := range batch {
			if f.seq < replayed {
				continue
			}
			if !forward(f.payload) {
				return nil
			}
		}
		mu.Lock()
	}
	replaying = false
	mu.Unlock()

	// putID == -1 means the queue closed before the subscription could be
	// registered; the close subscriber never fires in that case, so the
	// history just replayed is everything there will ever be.
	if putID == -1 || q.Closed() {
		finish(ReasonEOFCache)
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// seqFrame is a frame buffered by the put subscriber while history replay
// is still in progress.
type seqFrame struct {
	seq     int64
	payload []byte
}

// terminalReason maps a queue frame tag to the downstream close reason it
// triggers.
func terminalReason(tag string) (string, bool) {
	switch tag {
	case "overall":
		return ReasonDone, true
	case "aborted":
		return ReasonAborted, true
	case "error:system", "error:compiler":
		return ReasonInternalError, true
	default:
		return "", false
	}
}
