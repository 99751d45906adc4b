package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/justyse-oj/dispatcher/internal/domain"
	"github.com/justyse-oj/dispatcher/internal/queue"
	"github.com/justyse-oj/dispatcher/internal/registry"
	"github.com/justyse-oj/dispatcher/internal/store"
	"github.com/justyse-oj/dispatcher/internal/submissionlog"
	"github.com/justyse-oj/dispatcher/internal/workerconn"
)

// ContentLoader loads the file-backed content the judge protocol streams
// to a worker: per-testcase input/output pairs, the submission's source
// code, and a problem's custom judger source. filestore.Store implements
// it; the dispatcher never imports a concrete store implementation.
type ContentLoader interface {
	Testcase(p domain.Problem, i int) (input, output string, err error)
	Source(sub domain.Submission) (string, error)
	Judger(p domain.Problem) (string, error)
}

// Config is every tunable the dispatcher reads at startup.
type Config struct {
	JudgeMode         int // 0 = judge_psps, 1 = judge_ptps
	ReconnectTimeout  time.Duration
	RecvTimeout       time.Duration
	MaxRetry          int
	HeartbeatInterval time.Duration
	ConnConfig        workerconn.Config
}

// Dispatcher owns the connection pool, the admission queue, the
// scheduling loop, and verdict aggregation.
type Dispatcher struct {
	cfg Config

	registry    *registry.Registry
	pool        *Pool
	problems    store.ProblemStore
	submissions store.SubmissionStore
	queues      *queue.Manager
	logs        *submissionlog.Store
	contents    ContentLoader
	metrics     *Metrics
	logger      *zap.Logger

	admMu   sync.Mutex
	adm     admissionFIFO
	admSig  chan struct{}

	runsMu sync.Mutex
	runs   map[string]context.CancelFunc

	stopOnce sync.Once
	stopCtx  context.Context
	stopFn   context.CancelFunc
	wg       sync.WaitGroup
}

// New wires a Dispatcher from its collaborators. Call Run to start the
// scheduling and heartbeat supervision loops.
func New(cfg Config, reg *registry.Registry, problems store.ProblemStore, submissions store.SubmissionStore,
	queues *queue.Manager, logs *submissionlog.Store, contents ContentLoader, metrics *Metrics, logger *zap.Logger) *Dispatcher {

	poolCfg := PoolConfig{ConnConfig: cfg.ConnConfig, ReconnectTimeout: cfg.ReconnectTimeout, MaxRetry: cfg.MaxRetry}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:         cfg,
		registry:    reg,
		pool:        NewPool(poolCfg, logger),
		problems:    problems,
		submissions: submissions,
		queues:      queues,
		logs:        logs,
		contents:    contents,
		metrics:     metrics,
		logger:      logger.Named("dispatcher"),
		admSig:      make(chan struct{}, 1),
		runs:        make(map[string]context.CancelFunc),
		stopCtx:     ctx,
		stopFn:      cancel,
	}
}

// Run connects every server already in the registry and starts the
// heartbeat-driven supervisor loop plus the scheduling loop. It returns
// immediately; both loops run until Shutdown is called.
func (d *Dispatcher) Run() {
	d.pool.FromRegistry(d.stopCtx, d.registry.List())

	d.wg.Add(2)
	go d.heartbeatLoop()
	go d.schedulingLoop()
}

// Shutdown stops the scheduling and heartbeat loops, cancels every
// in-flight judge run, and tears down every worker connection.
func (d *Dispatcher) Shutdown() {
	d.stopOnce.Do(func() {
		d.stopFn()
		d.wg.Wait()
		d.pool.Shutdown()
	})
}

func (d *Dispatcher) heartbeatLoop() {
	defer d.wg.Done()
	interval := d.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCtx.Done():
			return
		case <-ticker.C:
			d.pool.Supervise(d.stopCtx)
			if d.metrics != nil {
				d.metrics.ConnectedWorkers.Set(float64(len(d.pool.NonClosed())))
			}
		}
	}
}

// AddSubmission admits a judge request: it is pushed onto the internal
// FIFO and the caller is told the run is waiting.
func (d *Dispatcher) AddSubmission(ctx context.Context, submissionID string, q *queue.Queue) {
	d.admMu.Lock()
	d.adm.push(admissionItem{submissionID: submissionID, queue: q})
	depth := d.adm.len()
	d.admMu.Unlock()

	if d.metrics != nil {
		d.metrics.QueueDepth.Set(float64(depth))
	}

	publishFrame(ctx, q, "waiting", nil)

	select {
	case d.admSig <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) schedulingLoop() {
	defer d.wg.Done()
	idlePoll := time.NewTicker(1 * time.Second)
	defer idlePoll.Stop()

	for {
		select {
		case <-d.stopCtx.Done():
			return
		case <-d.admSig:
		case <-idlePoll.C:
		}
		if d.stopCtx.Err() != nil {
			return
		}
		d.drainAdmission()
	}
}

// drainAdmission pops and dispatches as many admitted submissions as the
// current scheduling policy's "free" rule allows.
func (d *Dispatcher) drainAdmission() {
	for {
		if d.stopCtx.Err() != nil {
			return
		}
		if !d.pool.HasAny() {
			return
		}
		if !d.poolFree() {
			return
		}

		d.admMu.Lock()
		item, ok := d.adm.pop()
		depth := d.adm.len()
		d.admMu.Unlock()
		if !ok {
			return
		}
		if d.metrics != nil {
			d.metrics.QueueDepth.Set(float64(depth))
		}

		if !d.dispatchOne(item) {
			// The pool stopped being free between the poolFree check and
			// the actual acquire (a drop, or another run grabbed the
			// worker). Re-admit at the head and wait for the next signal
			// or poll tick.
			d.admMu.Lock()
			d.adm.pushFront(item)
			d.admMu.Unlock()
			return
		}
	}
}

// poolFree decides whether the pool can take the next admitted run:
// mode 0 requires at least one idle connection; mode 1 requires every
// non-closed connection to be idle.
func (d *Dispatcher) poolFree() bool {
	if d.cfg.JudgeMode == 1 {
		return d.pool.AllIdle()
	}
	return d.pool.PickIdle() != nil
}

// dispatchOne resolves an admitted submission, acquires its worker(s)
// synchronously, and spawns the aggregation goroutine. It returns false
// only when no worker could actually take the run — the item is then
// re-admitted by the caller. Lookup and content-load failures consume the
// item: the caller's queue gets an error frame and is closed.
func (d *Dispatcher) dispatchOne(item admissionItem) bool {
	ctx := d.stopCtx

	fail := func(err error) bool {
		publishFrame(ctx, item.queue, "error:system", err.Error())
		item.queue.Close()
		return true
	}

	sub, err := d.submissions.Get(ctx, item.submissionID)
	if err != nil {
		return fail(err)
	}
	problem, err := d.problems.Get(ctx, sub.ProblemID)
	if err != nil {
		return fail(err)
	}
	source, err := d.contents.Source(sub)
	if err != nil {
		return fail(err)
	}
	judger, err := d.contents.Judger(problem)
	if err != nil {
		return fail(err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	var aggregate func() domain.SubmissionResult
	if d.cfg.JudgeMode == 1 {
		aggregate = d.startMode1(runCtx, item.queue, sub, problem, source, judger)
	} else {
		aggregate = d.startMode0(runCtx, item.queue, sub, problem, source, judger)
	}
	if aggregate == nil {
		cancel()
		return false
	}

	d.trackRun(sub.ID, cancel)

	if d.metrics != nil {
		d.metrics.SubmissionsDispatched.Inc()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		defer d.untrackRun(sub.ID)

		start := time.Now()
		result := aggregate()
		if d.metrics != nil {
			d.metrics.SubmissionDuration.Observe(time.Since(start).Seconds())
		}

		if err := d.submissions.SaveResult(ctx, sub.ID, result); err != nil {
			d.logger.Error("save result failed", zap.String("submission_id", sub.ID), zap.Error(err))
		}

		publishFrame(ctx, item.queue, "overall", result)

		d.persistTranscript(ctx, sub.ID, item.queue)
		item.queue.Close()
	}()
	return true
}

// buildRequest assembles the judge protocol request for one worker's
// chunk of the testcase range. skipDebug suppresses unknown debug frames
// from the worker, which the mode-1 fan-in has no use for.
func (d *Dispatcher) buildRequest(sub domain.Submission, problem domain.Problem, source, judger string, lo, hi int, skipDebug bool) workerconn.Request {
	return workerconn.Request{
		SubmissionID: sub.ID,
		Lang:         sub.Lang,
		Compiler:     sub.Compiler,
		TestLo:       lo,
		TestHi:       hi,
		InputName:    problem.InputName,
		OutputName:   problem.OutputName,
		TestType:     problem.TestKind,
		JudgeMode:    problem.JudgeMode,
		PointPerTest: problem.PointPerTestcase,
		Limit:        problem.Limit,
		Source:       source,
		JudgerSource: judger,
		SkipDebug:    skipDebug,
		Testcase: func(i int) (string, string, error) {
			return d.contents.Testcase(problem, i)
		},
	}
}

// persistTranscript copies the run's complete frame history from the live
// queue into the durable Submission Log Store. This is what the
// Subscriber Gateway replays once the live Queue is gone.
func (d *Dispatcher) persistTranscript(ctx context.Context, submissionID string, q *queue.Queue) {
	raw, err := q.GetAll(ctx)
	if err != nil {
		d.logger.Warn("read transcript for logging failed", zap.String("submission_id", submissionID), zap.Error(err))
		return
	}
	frames := make([]submissionlog.Frame, len(raw))
	for i, r := range raw {
		tag, payload, err := workerconn.DecodeWireFrame(r)
		if err != nil {
			frames[i] = submissionlog.Frame{Payload: r}
			continue
		}
		frames[i] = submissionlog.Frame{Tag: tag, Payload: payload}
	}
	// The queue is named "judge::<submission_id>:<run_id>"; storing the
	// transcript under that run id is what lets the gateway find it.
	runID := uuid.NewString()
	if i := strings.LastIndex(q.Name, ":"); strings.HasPrefix(q.Name, "judge::") && i >= len("judge::") {
		runID = q.Name[i+1:]
	}
	if err := d.logs.DumpLogs(ctx, submissionID, runID, frames); err != nil {
		d.logger.Warn("dump transcript failed", zap.String("submission_id", submissionID), zap.Error(err))
	}
}

func (d *Dispatcher) trackRun(submissionID string, cancel context.CancelFunc) {
	d.runsMu.Lock()
	d.runs[submissionID] = cancel
	d.runsMu.Unlock()
}

func (d *Dispatcher) untrackRun(submissionID string) {
	d.runsMu.Lock()
	delete(d.runs, submissionID)
	d.runsMu.Unlock()
}

// Abort signals stop_judge for an in-flight run, if one exists for this
// submission.
func (d *Dispatcher) Abort(submissionID string) bool {
	d.runsMu.Lock()
	cancel, ok := d.runs[submissionID]
	d.runsMu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// startMode0 implements judge_psps, one submission on one server: the
// whole problem is
// judged by a single idle connection. The connection is acquired here,
// synchronously in the scheduling loop, so two queued submissions can
// never race for the same worker; returns nil when no worker could be
// acquired so the caller re-admits the item.
func (d *Dispatcher) startMode0(ctx context.Context, q *queue.Queue, sub domain.Submission, problem domain.Problem, source, judger string) func() domain.SubmissionResult {
	conn := d.pool.PickIdle()
	if conn == nil {
		return nil
	}

	req := d.buildRequest(sub, problem, source, judger, 1, problem.TestCount, false)
	verdicts, err := conn.Judge(ctx, req)
	if err != nil {
		// Lost the slot between PickIdle and Judge (heartbeat closed it,
		// or an Abort raced in); let the scheduler try again.
		return nil
	}

	publishFrame(ctx, q, "catched", conn.Name())

	return func() domain.SubmissionResult {
		return aggregateMode0(ctx, verdicts, problem.TestCount, q)
	}
}

// startMode1 implements judge_ptps, one submission split across all
// servers: the testcase range is
// partitioned across every non-closed connection, all acquired before the
// aggregation goroutine starts.
func (d *Dispatcher) startMode1(ctx context.Context, q *queue.Queue, sub domain.Submission, problem domain.Problem, source, judger string) func() domain.SubmissionResult {
	conns := d.pool.NonClosed()
	chunks := partition(problem.TestCount, len(conns))
	if len(chunks) == 0 {
		return nil
	}

	publishFrame(ctx, q, "catched", nil)

	events := make(chan workerEvent, judgeEventBuf)
	var wg sync.WaitGroup
	for i, c := range chunks {
		if i >= len(conns) {
			break
		}
		conn := conns[i]
		req := d.buildRequest(sub, problem, source, judger, c.Lo, c.Hi, true)

		verdicts, err := conn.Judge(ctx, req)
		if err != nil {
			payload, _ := json.Marshal(err.Error())
			events <- workerEvent{worker: i, v: workerconn.Verdict{Tag: "error:system", Payload: payload}}
			continue
		}

		wg.Add(1)
		go func(idx int, vc <-chan workerconn.Verdict) {
			defer wg.Done()
			for v := range vc {
				events <- workerEvent{worker: idx, v: v}
			}
		}(i, verdicts)
	}

	go func() {
		wg.Wait()
		close(events)
	}()

	return func() domain.SubmissionResult {
		return aggregateMode1(ctx, events, len(chunks), problem.TestCount, q)
	}
}

// AddServer adds a descriptor to the registry and atomically launches its
// connection in the pool. Re-adding an id the
// pool already tracks updates the registry record and leaves the existing
// connection untouched.
func (d *Dispatcher) AddServer(ctx context.Context, desc domain.ServerDescriptor) (domain.ServerDescriptor, error) {
	saved, err := d.registry.Add(desc)
	if err != nil {
		return domain.ServerDescriptor{}, fmt.Errorf("dispatcher: add server: %w", err)
	}
	if err := d.pool.Connect(ctx, saved); err != nil {
		d.logger.Debug("server already connected", zap.String("server_id", saved.ID))
	}
	return saved, nil
}

// RemoveServer removes a descriptor from the registry and the pool.
func (d *Dispatcher) RemoveServer(id string) error {
	if err := d.registry.Remove(id); err != nil {
		return fmt.Errorf("dispatcher: remove server: %w", err)
	}
	d.pool.Forget(id)
	return nil
}

// Disconnect tears down a worker's connection and abandons its reconnect
// loop.
func (d *Dispatcher) Disconnect(id string) error { return d.pool.Disconnect(id) }

// ReconnectWithID resets a worker's retry counter and relaunches its
// reconnect loop.
func (d *Dispatcher) ReconnectWithID(id string) error { return d.pool.ReconnectWithID(d.stopCtx, id) }

// Pause marks a worker as paused; it will be skipped by the scheduler.
func (d *Dispatcher) Pause(id string) error { return d.pool.Pause(id) }

// Resume clears a worker's paused flag.
func (d *Dispatcher) Resume(id string) error { return d.pool.Resume(id) }

// Status snapshots every tracked worker's liveness/activity state.
func (d *Dispatcher) Status(ctx context.Context) []WorkerStatus { return d.pool.Snapshot(ctx) }
