package dispatcher

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/justyse-oj/dispatcher/internal/domain"
	"github.com/justyse-oj/dispatcher/internal/workerconn"
)

// PoolConfig carries the dial config and retry/backoff tunables the pool's
// per-worker reconnect loops use.
type PoolConfig struct {
	ConnConfig       workerconn.Config
	ReconnectTimeout time.Duration
	MaxRetry         int
}

// slot is one entry in the pool: either a live connection or nil while a
// reconnect loop is trying to bring the worker up (or has given up after
// MaxRetry attempts).
type slot struct {
	desc     domain.ServerDescriptor
	conn     *workerconn.Conn
	retries  int // -1 once Disconnect has abandoned this worker
	retrying bool
	cancel   context.CancelFunc
}

// Pool owns the id -> connection mapping, where a tracked id may hold nil
// while its reconnect loop is still trying. It is mutated by the
// Dispatcher's reconnect loops and scheduling loop; Status/Snapshot reads
// are safe from any goroutine.
type Pool struct {
	cfg    PoolConfig
	logger *zap.Logger

	mu    sync.Mutex
	slots map[string]*slot

	wg sync.WaitGroup
}

// NewPool creates an empty Pool.
func NewPool(cfg PoolConfig, logger *zap.Logger) *Pool {
	return &Pool{cfg: cfg, logger: logger.Named("pool"), slots: make(map[string]*slot)}
}

// FromRegistry launches one reconnect loop per descriptor already known to
// the server registry. Called once at startup, before any other Connect,
// so duplicate ids cannot occur.
func (p *Pool) FromRegistry(ctx context.Context, descs []domain.ServerDescriptor) {
	for _, d := range descs {
		if err := p.Connect(ctx, d); err != nil {
			p.logger.Warn("skipping duplicate registry entry", zap.String("server_id", d.ID))
		}
	}
}

// Connect registers a descriptor and launches its reconnect loop — the
// atomic "add a server" path. A descriptor whose id is already tracked is
// rejected with ErrAlreadyConnected; the existing slot keeps its state.
func (p *Pool) Connect(ctx context.Context, d domain.ServerDescriptor) error {
	p.mu.Lock()
	if _, ok := p.slots[d.ID]; ok {
		p.mu.Unlock()
		return domain.ErrAlreadyConnected
	}
	p.slots[d.ID] = &slot{desc: d}
	p.mu.Unlock()

	p.launchReconnect(ctx, d.ID)
	return nil
}

// Forget removes a descriptor from the pool entirely, closing its
// connection first if one is open. Used when a server is removed from the
// registry.
func (p *Pool) Forget(id string) {
	p.mu.Lock()
	s, ok := p.slots[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.slots, id)
	if s.cancel != nil {
		s.cancel()
	}
	conn := s.conn
	p.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Disconnect tears down a worker's connection (if any) and abandons its
// reconnect loop by setting the retry counter to -1. The worker stays in
// the nil slot until ReconnectWithID resets it; Connect rejects an id the
// pool already tracks, so re-adding the server does not reset it.
func (p *Pool) Disconnect(id string) error {
	p.mu.Lock()
	s, ok := p.slots[id]
	if !ok {
		p.mu.Unlock()
		return domain.ErrServerNotFound
	}
	s.retries = -1
	if s.cancel != nil {
		s.cancel()
	}
	conn := s.conn
	s.conn = nil
	p.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	return nil
}

// ReconnectWithID resets a worker's retry counter and relaunches its
// reconnect loop, regardless of whether it had previously hit MaxRetry or
// been explicitly disconnected.
func (p *Pool) ReconnectWithID(ctx context.Context, id string) error {
	p.mu.Lock()
	s, ok := p.slots[id]
	if !ok {
		p.mu.Unlock()
		return domain.ErrServerNotFound
	}
	s.retries = 0
	if s.cancel != nil {
		s.cancel()
	}
	conn := s.conn
	s.conn = nil
	p.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	p.launchReconnect(ctx, id)
	return nil
}

// Pause flips a worker's local paused flag, if it is currently connected.
func (p *Pool) Pause(id string) error {
	conn, err := p.connFor(id)
	if err != nil {
		return err
	}
	conn.Pause()
	return nil
}

// Resume clears a worker's local paused flag, if it is currently connected.
func (p *Pool) Resume(id string) error {
	conn, err := p.connFor(id)
	if err != nil {
		return err
	}
	conn.Resume()
	return nil
}

func (p *Pool) connFor(id string) (*workerconn.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[id]
	if !ok || s.conn == nil {
		return nil, domain.ErrServerNotFound
	}
	return s.conn, nil
}

// launchReconnect starts a reconnect loop for id unless one is already
// running or the worker has been abandoned (retries == -1) or has already
// hit MaxRetry.
func (p *Pool) launchReconnect(ctx context.Context, id string) {
	p.mu.Lock()
	s, ok := p.slots[id]
	if !ok || s.retrying || s.conn != nil || s.retries == -1 || s.retries >= p.cfg.MaxRetry {
		p.mu.Unlock()
		return
	}
	rctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.retrying = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.reconnectLoop(rctx, id)
}

// reconnectLoop is the per-worker retry sequence. It exits silently once
// connected, once abandoned (retries == -1), once MaxRetry is reached, or
// once ctx is cancelled.
func (p *Pool) reconnectLoop(ctx context.Context, id string) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		if s, ok := p.slots[id]; ok {
			s.retrying = false
		}
		p.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		p.mu.Lock()
		s, ok := p.slots[id]
		if !ok {
			p.mu.Unlock()
			return
		}
		desc := s.desc
		p.mu.Unlock()

		conn, err := workerconn.Dial(ctx, desc, p.cfg.ConnConfig, p.logger)
		if err != nil {
			p.mu.Lock()
			s, ok := p.slots[id]
			if !ok || s.retries == -1 {
				p.mu.Unlock()
				return
			}
			s.retries++
			attempts := s.retries
			p.mu.Unlock()

			p.logger.Debug("worker connect failed",
				zap.String("server_id", id), zap.String("attempt", humanize.Ordinal(attempts)), zap.Error(err))

			if attempts >= p.cfg.MaxRetry {
				p.logger.Warn("worker abandoned until explicit reconnect",
					zap.String("server_id", id), zap.String("last_attempt", humanize.Ordinal(attempts)))
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(p.cfg.ReconnectTimeout)):
			}
			continue
		}

		p.mu.Lock()
		s, ok = p.slots[id]
		if !ok || s.retries == -1 {
			p.mu.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		s.retries = 0
		p.mu.Unlock()

		p.logger.Info("worker connected", zap.String("server_id", id), zap.String("uri", desc.URI))
		return
	}
}

// Supervise runs once per heartbeat tick: any worker whose connection is
// nil or closed, that is not currently being retried and has not been
// abandoned, gets a fresh reconnect loop.
func (p *Pool) Supervise(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.slots))
	for id, s := range p.slots {
		dead := s.conn == nil || s.conn.Closed()
		if dead && s.conn != nil {
			s.conn = nil
		}
		if dead && !s.retrying && s.retries != -1 && s.retries < p.cfg.MaxRetry {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.launchReconnect(ctx, id)
	}
}

// HasAny reports whether at least one worker is currently connected
// (regardless of idle/busy/paused state).
func (p *Pool) HasAny() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.conn != nil && !s.conn.Closed() {
			return true
		}
	}
	return false
}

// PickIdle returns the first idle, non-judging, non-paused, non-closed
// connection — the mode-0 selection rule.
func (p *Pool) PickIdle() *workerconn.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.conn != nil && s.conn.Idle() {
			return s.conn
		}
	}
	return nil
}

// NonClosed returns every currently connected connection, in no
// particular order — the mode-1 fan-out set.
func (p *Pool) NonClosed() []*workerconn.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*workerconn.Conn, 0, len(p.slots))
	for _, s := range p.slots {
		if s.conn != nil && !s.conn.Closed() {
			out = append(out, s.conn)
		}
	}
	return out
}

// AllIdle reports whether every non-closed connection is currently idle —
// the mode-1 "free" rule.
func (p *Pool) AllIdle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	any := false
	for _, s := range p.slots {
		if s.conn == nil || s.conn.Closed() {
			continue
		}
		any = true
		if !s.conn.Idle() {
			return false
		}
	}
	return any
}

// WorkerStatus is one row of the dispatcher-facing status() snapshot.
type WorkerStatus struct {
	ID     string
	Name   string
	URI    string
	Status workerconn.ConnStatus
}

// Snapshot reports every tracked worker's current liveness/activity state
// for the status API.
func (p *Pool) Snapshot(ctx context.Context) []WorkerStatus {
	p.mu.Lock()
	type entry struct {
		desc domain.ServerDescriptor
		conn *workerconn.Conn
	}
	entries := make([]entry, 0, len(p.slots))
	for _, s := range p.slots {
		entries = append(entries, entry{desc: s.desc, conn: s.conn})
	}
	p.mu.Unlock()

	out := make([]WorkerStatus, 0, len(entries))
	for _, e := range entries {
		ws := WorkerStatus{ID: e.desc.ID, Name: e.desc.Name, URI: e.desc.URI, Status: workerconn.StatusClosed}
		if e.conn != nil {
			st, err := e.conn.Status(ctx)
			if err == nil {
				ws.Status = st
			}
		}
		out = append(out, ws)
	}
	return out
}

// Shutdown cancels every reconnect loop and closes every live connection,
// then waits for all reconnect goroutines to exit.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	conns := make([]*workerconn.Conn, 0, len(p.slots))
	for _, s := range p.slots {
		if s.cancel != nil {
			s.cancel()
		}
		if s.conn != nil {
			conns = append(conns, s.conn)
		}
	}
	p.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	p.wg.Wait()
}

// jitter adds up to +/-20% random jitter to d, the same thundering-herd
// guard the teacher's agent connection manager uses for its backoff.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	delta := float64(d) * 0.2
	offset := (rand.Float64()*2 - 1) * delta
	return d + time.Duration(offset)
}
