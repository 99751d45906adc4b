package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/justyse-oj/dispatcher/internal/domain"
	"github.com/justyse-oj/dispatcher/internal/queue"
	"github.com/justyse-oj/dispatcher/internal/registry"
	"github.com/justyse-oj/dispatcher/internal/submissionlog"
	"github.com/justyse-oj/dispatcher/internal/workerconn"
)

// --- in-memory collaborators, local to this test file ---

type memQueueBackend struct {
	mu    sync.Mutex
	lists map[string][][]byte
}

func newMemQueueBackend() *memQueueBackend {
	return &memQueueBackend{lists: make(map[string][][]byte)}
}

func (b *memQueueBackend) Append(_ context.Context, name string, payload []byte) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lists[name] = append(b.lists[name], append([]byte(nil), payload...))
	return int64(len(b.lists[name]) - 1), nil
}

func (b *memQueueBackend) List(_ context.Context, name string) ([][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.lists[name]))
	copy(out, b.lists[name])
	return out, nil
}

func (b *memQueueBackend) Len(_ context.Context, name string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lists[name]), nil
}

type memLogBackend struct {
	mu   sync.Mutex
	logs map[string][]submissionlog.Frame
}

func newMemLogBackend() *memLogBackend {
	return &memLogBackend{logs: make(map[string][]submissionlog.Frame)}
}

func (b *memLogBackend) DumpLogs(_ context.Context, submissionID, runID string, frames []submissionlog.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs[submissionID+"/"+runID] = frames
	return nil
}

func (b *memLogBackend) GetLogs(_ context.Context, submissionID, runID string) ([]submissionlog.Frame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.logs[submissionID+"/"+runID], nil
}

func (b *memLogBackend) GetLogIDs(_ context.Context, submissionID string) ([]string, error) { return nil, nil }

type fakeProblemStore struct {
	mu       sync.Mutex
	problems map[string]domain.Problem
}

func newFakeProblemStore(ps ...domain.Problem) *fakeProblemStore {
	s := &fakeProblemStore{problems: make(map[string]domain.Problem)}
	for _, p := range ps {
		s.problems[p.ID] = p
	}
	return s
}

func (s *fakeProblemStore) Get(_ context.Context, id string) (domain.Problem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.problems[id]
	if !ok {
		return domain.Problem{}, &domain.ProblemNotFoundError{ID: id}
	}
	return p, nil
}

func (s *fakeProblemStore) List(_ context.Context) ([]domain.Problem, error) { return nil, nil }

func (s *fakeProblemStore) Put(_ context.Context, p domain.Problem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.problems[p.ID] = p
	return nil
}

type fakeSubmissionStore struct {
	mu          sync.Mutex
	submissions map[string]domain.Submission
	results     map[string]domain.SubmissionResult
}

func newFakeSubmissionStore(subs ...domain.Submission) *fakeSubmissionStore {
	s := &fakeSubmissionStore{
		submissions: make(map[string]domain.Submission),
		results:     make(map[string]domain.SubmissionResult),
	}
	for _, sub := range subs {
		s.submissions[sub.ID] = sub
	}
	return s
}

func (s *fakeSubmissionStore) Get(_ context.Context, id string) (domain.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok {
		return domain.Submission{}, &domain.SubmissionNotFoundError{ID: id}
	}
	return sub, nil
}

func (s *fakeSubmissionStore) Put(_ context.Context, sub domain.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions[sub.ID] = sub
	return nil
}

func (s *fakeSubmissionStore) SaveResult(_ context.Context, id string, result domain.SubmissionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[id] = result
	return nil
}

func (s *fakeSubmissionStore) resultFor(id string) (domain.SubmissionResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	return r, ok
}

type fakeContentLoader struct{}

func (fakeContentLoader) Testcase(_ domain.Problem, i int) (string, string, error) {
	return "in", "out", nil
}

func (fakeContentLoader) Source(domain.Submission) (string, error) {
	return "print(input())", nil
}

func (fakeContentLoader) Judger(domain.Problem) (string, error) { return "", nil }

// --- fake judge-worker server, scripted per test ---

var dispatcherTestUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func wsDispatcherURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// acceptingJudgeWorker runs a minimal judge-worker protocol responder that
// always reports success, mirroring cmd/judgeworkersim's behavior closely
// enough to drive a full dispatch through to an ACCEPTED overall.
func acceptingJudgeWorker(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := dispatcherTestUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			tag, _, err := workerconn.DecodeWireFrame(data)
			if err != nil {
				continue
			}
			switch tag {
			case "declare.language", "declare.compiler", "declare.load", "command.start", "command.abort":
				// no reply
			case "command.init", "command.code", "command.judger":
				send(conn, "judge.status", map[string]int{"status": 0})
			case "command.testcase":
				send(conn, "judge.status", map[string]int{"status": 0, "index": 1})
			case "command.judge":
				send(conn, "judge.initting", nil)
				send(conn, "judge.judging", nil)
				send(conn, "judge.result", map[string]any{
					"index": 1, "status": "ACCEPTED", "time": 0.1,
					"memory": [2]int64{100, 200}, "point": 100,
				})
				send(conn, "judge.overall", "ACCEPTED")
				send(conn, "judge.done", nil)
			}
		}
	}))
}

// stallingJudgeWorker answers the handshake steps but never replies to
// command.judge, so the run only ends via Abort.
func stallingJudgeWorker(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := dispatcherTestUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			tag, _, err := workerconn.DecodeWireFrame(data)
			if err != nil {
				continue
			}
			switch tag {
			case "command.init", "command.code":
				send(conn, "judge.status", map[string]int{"status": 0})
			case "command.testcase":
				send(conn, "judge.status", map[string]int{"status": 0, "index": 1})
				// command.judge and command.abort: silently swallowed.
			}
		}
	}))
}

func send(conn *websocket.Conn, tag string, payload any) {
	data, err := workerconn.EncodeWireFrame(tag, payload)
	if err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func newTestDispatcher(t *testing.T, problems *fakeProblemStore, subs *fakeSubmissionStore) (*Dispatcher, *registry.Registry, *queue.Manager) {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "servers.json"), zap.NewNop())
	require.NoError(t, err)

	queues := queue.NewManager(newMemQueueBackend())
	logs := submissionlog.New(newMemLogBackend())

	cfg := Config{
		JudgeMode:         0,
		ReconnectTimeout:  20 * time.Millisecond,
		RecvTimeout:       5 * time.Second,
		MaxRetry:          3,
		HeartbeatInterval: time.Hour,
		ConnConfig: workerconn.Config{
			HeartbeatInterval: time.Hour,
			RecvTimeout:       5 * time.Second,
		},
	}
	d := New(cfg, reg, problems, subs, queues, logs, fakeContentLoader{}, nil, zap.NewNop())
	return d, reg, queues
}

func TestAddSubmissionPublishesWaitingFrame(t *testing.T) {
	problems := newFakeProblemStore()
	subs := newFakeSubmissionStore()
	d, _, queues := newTestDispatcher(t, problems, subs)

	q, err := queues.Create("judge::sub-1:run-1")
	require.NoError(t, err)

	d.AddSubmission(context.Background(), "sub-1", q)

	raw, err := q.GetAll(context.Background())
	require.NoError(t, err)
	require.Len(t, raw, 1)
	tag, _, err := workerconn.DecodeWireFrame(raw[0])
	require.NoError(t, err)
	assert.Equal(t, "waiting", tag)
}

func TestDispatcherRunsFullPipelineToAcceptedOverall(t *testing.T) {
	srv := acceptingJudgeWorker(t)
	defer srv.Close()

	problem := domain.Problem{ID: "p1", TestCount: 1, TestKind: domain.TestKindStd, PointPerTestcase: 100}
	sub := domain.Submission{ID: "sub-1", ProblemID: "p1", Lang: domain.Lang{Name: "go"}, Compiler: domain.Compiler{Name: "gc"}}

	problems := newFakeProblemStore(problem)
	subs := newFakeSubmissionStore(sub)
	d, _, queues := newTestDispatcher(t, problems, subs)

	d.Run()
	defer d.Shutdown()

	_, err := d.AddServer(context.Background(), domain.ServerDescriptor{Name: "w1", URI: wsDispatcherURL(srv.URL)})
	require.NoError(t, err)

	q, err := queues.Create("judge::sub-1:run-1")
	require.NoError(t, err)
	d.AddSubmission(context.Background(), "sub-1", q)

	require.Eventually(t, func() bool {
		_, ok := subs.resultFor("sub-1")
		return ok
	}, 3*time.Second, 10*time.Millisecond, "submission result was never saved")

	result, _ := subs.resultFor("sub-1")
	assert.Equal(t, domain.Accepted, result.Status)
	assert.Equal(t, float64(100), result.Point)

	require.Eventually(t, q.Closed, time.Second, 10*time.Millisecond)
}

func TestDispatcherAbortCancelsInFlightRun(t *testing.T) {
	srv := stallingJudgeWorker(t)
	defer srv.Close()

	problem := domain.Problem{ID: "p1", TestCount: 1, TestKind: domain.TestKindStd, PointPerTestcase: 100}
	sub := domain.Submission{ID: "sub-1", ProblemID: "p1"}

	problems := newFakeProblemStore(problem)
	subs := newFakeSubmissionStore(sub)
	d, _, queues := newTestDispatcher(t, problems, subs)

	d.Run()
	defer d.Shutdown()

	_, err := d.AddServer(context.Background(), domain.ServerDescriptor{Name: "w1", URI: wsDispatcherURL(srv.URL)})
	require.NoError(t, err)

	q, err := queues.Create("judge::sub-1:run-1")
	require.NoError(t, err)
	d.AddSubmission(context.Background(), "sub-1", q)

	require.Eventually(t, func() bool {
		return d.Abort("sub-1")
	}, 2*time.Second, 10*time.Millisecond, "run never became abortable")

	require.Eventually(t, func() bool {
		_, ok := subs.resultFor("sub-1")
		return ok
	}, 2*time.Second, 10*time.Millisecond, "aborted submission never saved a result")

	result, _ := subs.resultFor("sub-1")
	assert.Equal(t, domain.Aborted, result.Status)
}

func TestAbortOnUnknownSubmissionReturnsFalse(t *testing.T) {
	problems := newFakeProblemStore()
	subs := newFakeSubmissionStore()
	d, _, _ := newTestDispatcher(t, problems, subs)

	assert.False(t, d.Abort("no-such-submission"))
}
