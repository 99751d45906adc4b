// Package workerconn implements a single long-lived streaming session to
// one judge worker: connection setup, heartbeat-driven liveness, frame
// demultiplexing, and the judge protocol state machine.
package workerconn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/justyse-oj/dispatcher/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	statusWait = 5 * time.Second

	statusChanBuf = 4
	judgeChanBuf  = 64
	otherChanBuf  = 16

	debugTraceCap = 64
)

// ConnStatus is the externally visible liveness/activity state reported by
// Status().
type ConnStatus string

const (
	StatusIdle   ConnStatus = "idle"
	StatusBusy   ConnStatus = "busy"
	StatusPaused ConnStatus = "paused"
	StatusClosed ConnStatus = "closed"
)

// SecretHeader is the upgrade-request header carrying the shared secret a
// dispatcher presents when dialing a judge worker.
const SecretHeader = "X-Worker-Secret"

// Config carries the dialer timeouts and protocol setup payloads needed to
// bring a worker connection up.
type Config struct {
	Lang              json.RawMessage
	Compiler          json.RawMessage
	HeartbeatInterval time.Duration
	RecvTimeout       time.Duration

	// Secret, when set, is sent in the SecretHeader of the websocket
	// upgrade request so workers can reject dispatchers that don't hold
	// the deployment's shared secret.
	Secret string
}

// Conn is a single streaming session to one judge worker. Only one judge
// run may be in flight at a time. Safe for concurrent use.
type Conn struct {
	descriptor domain.ServerDescriptor
	cfg        Config
	logger     *zap.Logger

	conn *websocket.Conn

	// writeMu serializes all transport writes: setup/command frames and
	// heartbeat pings. gorilla/websocket connections only support a
	// single writer at a time.
	writeMu sync.Mutex

	statusCh chan frame
	judgeCh  chan frame
	otherCh  chan frame

	mu      sync.Mutex
	judging bool
	paused  bool
	closed  bool

	debugTrace []string

	stopRecv context.CancelFunc
	done     chan struct{}
}

// Dial opens the streaming transport to desc.URI and runs the three setup
// frames (declare.language, declare.compiler, declare.load). On success it
// starts the receiver and heartbeat goroutines and returns a ready Conn.
func Dial(ctx context.Context, desc domain.ServerDescriptor, cfg Config, logger *zap.Logger) (*Conn, error) {
	var header http.Header
	if cfg.Secret != "" {
		header = http.Header{SecretHeader: []string{cfg.Secret}}
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, desc.URI, header)
	if err != nil {
		return nil, &domain.ConnectionError{Addr: desc.URI, Err: err}
	}

	c := &Conn{
		descriptor: desc,
		cfg:        cfg,
		logger:     logger.Named("workerconn").With(zap.String("server_id", desc.ID), zap.String("uri", desc.URI)),
		conn:       ws,
		statusCh:   make(chan frame, statusChanBuf),
		judgeCh:    make(chan frame, judgeChanBuf),
		otherCh:    make(chan frame, otherChanBuf),
		done:       make(chan struct{}),
	}

	setup := []struct {
		tag     string
		payload any
	}{
		{"declare.language", [2]any{c.cfg.Lang, "false"}},
		{"declare.compiler", [2]any{c.cfg.Compiler, "false"}},
		{"declare.load", []any{}},
	}
	for _, s := range setup {
		if err := c.send(s.tag, s.payload); err != nil {
			ws.Close()
			return nil, &domain.ConnectionError{Addr: desc.URI, Err: err}
		}
	}

	recvCtx, cancel := context.WithCancel(context.Background())
	c.stopRecv = cancel
	go c.recvPump(recvCtx)
	go c.heartbeatPump(recvCtx)

	return c, nil
}

// send marshals and writes one frame.
func (c *Conn) send(tag string, payload any) error {
	data, err := encodeFrame(tag, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// recvPump reads frames off the wire and demultiplexes them into the
// status/judge/other channels. It exits (and closes the connection) on
// any read error, including a graceful close from the peer.
func (c *Conn) recvPump(ctx context.Context) {
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Debug("workerconn: read error, closing", zap.Error(err))
			return
		}

		f, err := decodeFrame(data)
		if err != nil {
			c.logger.Warn("workerconn: dropping malformed frame", zap.Error(err))
			continue
		}

		switch {
		case f.Tag == "status":
			select {
			case c.statusCh <- f:
			default:
			}
		case strings.HasPrefix(f.Tag, "judge."):
			select {
			case c.judgeCh <- f:
			case <-ctx.Done():
				return
			}
		default:
			c.recordDebug(f.Tag)
			select {
			case c.otherCh <- f:
			default:
			}
		}
	}
}

// heartbeatPump pings the worker every HeartbeatInterval. A failed ping —
// including one that times out — is treated as a dead connection and
// closes it; the dispatcher observes Closed() and drives reconnection.
func (c *Conn) heartbeatPump(ctx context.Context) {
	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("workerconn: heartbeat ping failed, closing", zap.Error(err))
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) recordDebug(tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debugTrace = append(c.debugTrace, tag)
	if len(c.debugTrace) > debugTraceCap {
		c.debugTrace = c.debugTrace[len(c.debugTrace)-debugTraceCap:]
	}
}

// DebugTrace returns a snapshot of the most recent unrecognised tags seen
// on this connection.
func (c *Conn) DebugTrace() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.debugTrace))
	copy(out, c.debugTrace)
	return out
}

// ID returns the registry id of the server this connection is bound to.
func (c *Conn) ID() string { return c.descriptor.ID }

// Name returns the human-readable name of the server this connection is
// bound to.
func (c *Conn) Name() string { return c.descriptor.Name }

// Idle reports, from local state only (no round trip to the worker),
// whether this connection could currently accept a new judge run.
func (c *Conn) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.paused && !c.judging
}

// Status sends command.status and awaits exactly one reply on the status
// channel. A paused or closed connection answers locally without a round
// trip to the worker.
func (c *Conn) Status(ctx context.Context) (ConnStatus, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return StatusClosed, nil
	}
	if c.paused {
		c.mu.Unlock()
		return StatusPaused, nil
	}
	if c.judging {
		c.mu.Unlock()
		return StatusBusy, nil
	}
	c.mu.Unlock()

	if err := c.send("command.status", nil); err != nil {
		return StatusClosed, domain.ErrNotReceiving
	}

	select {
	case f := <-c.statusCh:
		var payload struct {
			Status string `json:"status"`
		}
		if err := f.unmarshalPayload(&payload); err != nil {
			return StatusClosed, fmt.Errorf("workerconn: status payload: %w", err)
		}
		return ConnStatus(payload.Status), nil
	case <-c.done:
		return StatusClosed, nil
	case <-time.After(c.recvWait()):
		return StatusClosed, domain.ErrNotReceiving
	case <-ctx.Done():
		return StatusClosed, ctx.Err()
	}
}

// recvWait is the per-reply receive deadline: RecvTimeout when the config
// set one, a conservative default otherwise.
func (c *Conn) recvWait() time.Duration {
	if c.cfg.RecvTimeout > 0 {
		return c.cfg.RecvTimeout
	}
	return statusWait
}

// Pause flips the local paused flag; a paused connection reports
// StatusPaused from Status() and is skipped by the dispatcher's scheduling
// loop.
func (c *Conn) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume clears the paused flag.
func (c *Conn) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

// Paused reports the local paused flag.
func (c *Conn) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Closed reports whether this connection has been torn down.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// tryAcquireJudge marks the connection busy if it is currently idle and
// not paused or closed, or reports why it cannot accept a new judge run.
func (c *Conn) tryAcquireJudge() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrClosed
	}
	if c.paused || c.judging {
		return domain.ErrServerBusy
	}
	c.judging = true
	return nil
}

func (c *Conn) releaseJudge() {
	c.mu.Lock()
	c.judging = false
	c.mu.Unlock()
}

// Close idempotently tears the connection down: cancels the receive and
// heartbeat goroutines, closes the transport, and closes done so any
// reader waiting on a worker reply unblocks instead of hanging forever.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if c.stopRecv != nil {
		c.stopRecv()
	}
	_ = c.conn.Close()

	close(c.done)
}
