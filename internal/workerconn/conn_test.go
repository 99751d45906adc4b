package workerconn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/justyse-oj/dispatcher/internal/domain"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// fakeWorker is a tiny scripted judge-worker peer used to drive Conn
// against real websocket frames instead of a mock transport.
type fakeWorker struct {
	t        *testing.T
	received chan frame
	conn     *websocket.Conn
}

func newFakeWorkerServer(t *testing.T, handle func(w *fakeWorker)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(rw, r, nil)
		require.NoError(t, err)
		w := &fakeWorker{t: t, received: make(chan frame, 32), conn: conn}
		go w.readLoop()
		handle(w)
	}))
}

func (w *fakeWorker) readLoop() {
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			close(w.received)
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			continue
		}
		w.received <- f
	}
}

func (w *fakeWorker) expectTag(t *testing.T, tag string) frame {
	t.Helper()
	select {
	case f, ok := <-w.received:
		require.True(t, ok, "connection closed waiting for %s", tag)
		require.Equal(t, tag, f.Tag)
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for tag %s", tag)
		return frame{}
	}
}

func (w *fakeWorker) send(t *testing.T, tag string, payload any) {
	t.Helper()
	data, err := encodeFrame(tag, payload)
	require.NoError(t, err)
	require.NoError(t, w.conn.WriteMessage(websocket.TextMessage, data))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func dialTestConn(t *testing.T, srv *httptest.Server) *Conn {
	t.Helper()
	desc := domain.ServerDescriptor{ID: "srv-1", Name: "test", URI: wsURL(srv.URL)}
	cfg := Config{
		Lang:              json.RawMessage(`{"go":["1.23"]}`),
		Compiler:          json.RawMessage(`{"gc":["latest"]}`),
		HeartbeatInterval: time.Hour, // disable heartbeat churn during tests
		RecvTimeout:       5 * time.Second,
	}
	conn, err := Dial(context.Background(), desc, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func TestDialSendsTheThreeSetupFrames(t *testing.T) {
	done := make(chan struct{})
	srv := newFakeWorkerServer(t, func(w *fakeWorker) {
		w.expectTag(t, "declare.language")
		w.expectTag(t, "declare.compiler")
		w.expectTag(t, "declare.load")
		close(done)
	})
	defer srv.Close()

	conn := dialTestConn(t, srv)
	assert.True(t, conn.Idle())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never saw all three setup frames")
	}
}

func TestDialPresentsSharedSecretHeader(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get(SecretHeader)
		conn, err := testUpgrader.Upgrade(rw, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	desc := domain.ServerDescriptor{ID: "srv-1", Name: "test", URI: wsURL(srv.URL)}
	cfg := Config{HeartbeatInterval: time.Hour, RecvTimeout: 5 * time.Second, Secret: "hunter2"}
	conn, err := Dial(context.Background(), desc, cfg, zap.NewNop())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case secret := <-got:
		assert.Equal(t, "hunter2", secret)
	case <-time.After(2 * time.Second):
		t.Fatal("worker never saw the upgrade request")
	}
}

func TestStatusRoundTrip(t *testing.T) {
	srv := newFakeWorkerServer(t, func(w *fakeWorker) {
		w.expectTag(t, "declare.language")
		w.expectTag(t, "declare.compiler")
		w.expectTag(t, "declare.load")
		w.expectTag(t, "command.status")
		w.send(t, "status", map[string]string{"status": "idle"})
	})
	defer srv.Close()

	conn := dialTestConn(t, srv)
	status, err := conn.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, status)
}

func TestStatusReportsLocallyWithoutRoundTripWhenPaused(t *testing.T) {
	srv := newFakeWorkerServer(t, func(w *fakeWorker) {
		w.expectTag(t, "declare.language")
		w.expectTag(t, "declare.compiler")
		w.expectTag(t, "declare.load")
		// No command.status should ever arrive: Status() must answer from
		// local state when paused.
	})
	defer srv.Close()

	conn := dialTestConn(t, srv)
	conn.Pause()

	status, err := conn.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, status)
}

func TestJudgeDrivesFullHandshakeAndForwardsVerdicts(t *testing.T) {
	srv := newFakeWorkerServer(t, func(w *fakeWorker) {
		w.expectTag(t, "declare.language")
		w.expectTag(t, "declare.compiler")
		w.expectTag(t, "declare.load")

		w.expectTag(t, "command.start")

		w.expectTag(t, "command.init")
		w.send(t, "judge.status", map[string]int{"status": 0})

		w.expectTag(t, "command.code")
		w.send(t, "judge.status", map[string]int{"status": 0})

		f := w.expectTag(t, "command.testcase")
		var args [3]json.RawMessage
		require.NoError(t, f.unmarshalPayload(&args))
		var idx int
		require.NoError(t, json.Unmarshal(args[0], &idx))
		w.send(t, "judge.status", map[string]int{"status": 0, "index": idx})

		w.expectTag(t, "command.judge")
		w.send(t, "judge.initting", nil)
		w.send(t, "judge.judging", nil)
		w.send(t, "judge.result", map[string]any{"index": 1, "status": "ACCEPTED"})
		w.send(t, "judge.done", nil)
	})
	defer srv.Close()

	conn := dialTestConn(t, srv)

	req := Request{
		SubmissionID: "sub-1",
		Lang:         domain.Lang{Name: "go"},
		Compiler:     domain.Compiler{Name: "gc"},
		TestLo:       1,
		TestHi:       1,
		TestType:     domain.TestKindStd,
		JudgeMode:    domain.JudgeMode{Mode: "strict"},
		PointPerTest: 100,
		Source:       "package main",
		Testcase: func(index int) (string, string, error) {
			return "in", "out", nil
		},
	}

	verdicts, err := conn.Judge(context.Background(), req)
	require.NoError(t, err)

	var tags []string
	for v := range verdicts {
		tags = append(tags, v.Tag)
	}
	assert.Equal(t, []string{"initting", "judging", "result", "done"}, tags)
}

func TestJudgeUnknownTagsGoToDebugTraceAndHonorSkipDebug(t *testing.T) {
	script := func(w *fakeWorker) {
		w.expectTag(t, "declare.language")
		w.expectTag(t, "declare.compiler")
		w.expectTag(t, "declare.load")
		w.expectTag(t, "command.start")
		w.expectTag(t, "command.init")
		w.send(t, "judge.status", map[string]int{"status": 0})
		w.expectTag(t, "command.code")
		w.send(t, "judge.status", map[string]int{"status": 0})
		w.expectTag(t, "command.judge")
		w.send(t, "judge.trace", "writing sandbox profile")
		w.send(t, "judge.done", nil)
	}

	run := func(skipDebug bool) ([]string, *Conn) {
		srv := newFakeWorkerServer(t, script)
		defer srv.Close()

		conn := dialTestConn(t, srv)
		req := Request{
			TestLo: 1, TestHi: 0,
			SkipDebug: skipDebug,
			Testcase:  func(int) (string, string, error) { return "", "", nil },
		}
		verdicts, err := conn.Judge(context.Background(), req)
		require.NoError(t, err)

		var tags []string
		for v := range verdicts {
			tags = append(tags, v.Tag)
		}
		return tags, conn
	}

	tags, conn := run(false)
	assert.Equal(t, []string{"trace", "done"}, tags)
	assert.Contains(t, conn.DebugTrace(), "trace")

	tags, conn = run(true)
	assert.Equal(t, []string{"done"}, tags)
	assert.Contains(t, conn.DebugTrace(), "trace", "suppressed frames still land in the trace")
}

func TestJudgeRejectsConcurrentRunsOnSameConn(t *testing.T) {
	release := make(chan struct{})
	srv := newFakeWorkerServer(t, func(w *fakeWorker) {
		w.expectTag(t, "declare.language")
		w.expectTag(t, "declare.compiler")
		w.expectTag(t, "declare.load")
		w.expectTag(t, "command.start")
		<-release // never replies to command.init, holding the run open
	})
	defer srv.Close()
	defer close(release)

	conn := dialTestConn(t, srv)

	req := Request{TestLo: 1, TestHi: 1, Testcase: func(int) (string, string, error) { return "", "", nil }}
	_, err := conn.Judge(context.Background(), req)
	require.NoError(t, err)

	_, err = conn.Judge(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrServerBusy)
}

func TestJudgeAbortsWhenContextCancelledDuringJudging(t *testing.T) {
	judgeSeen := make(chan struct{})
	srv := newFakeWorkerServer(t, func(w *fakeWorker) {
		w.expectTag(t, "declare.language")
		w.expectTag(t, "declare.compiler")
		w.expectTag(t, "declare.load")
		w.expectTag(t, "command.start")

		w.expectTag(t, "command.init")
		w.send(t, "judge.status", map[string]int{"status": 0})

		w.expectTag(t, "command.code")
		w.send(t, "judge.status", map[string]int{"status": 0})

		w.expectTag(t, "command.judge")
		close(judgeSeen)
		// Never emits a judge.* verdict — the run only ends via abort.
		w.expectTag(t, "command.abort")
	})
	defer srv.Close()

	conn := dialTestConn(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	req := Request{
		TestLo: 1, TestHi: 0, // empty range: skip straight to command.judge
		Testcase: func(int) (string, string, error) { return "", "", nil },
	}

	verdicts, err := conn.Judge(ctx, req)
	require.NoError(t, err)

	select {
	case <-judgeSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never saw command.judge")
	}
	cancel()

	var last Verdict
	for v := range verdicts {
		last = v
	}
	assert.Equal(t, "aborted", last.Tag)
}
