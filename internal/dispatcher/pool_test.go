package dispatcher

import (
	"context"
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
	"github.com/justyse-oj/dispatcher/internal/workerconn"
)

var poolTestUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// newAcceptingWorkerServer upgrades every connection and simply reads
// frames until the client hangs up, never replying — enough for Dial's
// setup handshake, which doesn't wait on a reply.
func newAcceptingWorkerServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := poolTestUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsPoolURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func testPoolConfig() PoolConfig {
	return PoolConfig{
		ConnConfig: workerconn.Config{
			HeartbeatInterval: time.Hour,
			RecvTimeout:       5 * time.Second,
		},
		ReconnectTimeout: 20 * time.Millisecond,
		MaxRetry:         3,
	}
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition never became true within %s", timeout)
}

func TestPoolConnectBringsUpAWorker(t *testing.T) {
	srv := newAcceptingWorkerServer(t)
	defer srv.Close()

	p := NewPool(testPoolConfig(), zap.NewNop())
	defer p.Shutdown()

	ctx := context.Background()
	p.Connect(ctx, domain.ServerDescriptor{ID: "w1", Name: "worker-1", URI: wsPoolURL(srv.URL)})

	eventually(t, time.Second, p.HasAny)
	assert.NotNil(t, p.PickIdle())
}

func TestPoolConnectIsIdempotentPerID(t *testing.T) {
	srv := newAcceptingWorkerServer(t)
	defer srv.Close()

	p := NewPool(testPoolConfig(), zap.NewNop())
	defer p.Shutdown()

	desc := domain.ServerDescriptor{ID: "w1", Name: "worker-1", URI: wsPoolURL(srv.URL)}
	require.NoError(t, p.Connect(context.Background(), desc))
	assert.ErrorIs(t, p.Connect(context.Background(), desc), domain.ErrAlreadyConnected)

	eventually(t, time.Second, p.HasAny)
	assert.Len(t, p.NonClosed(), 1)
}

func TestPoolForgetClosesConnectionAndDropsSlot(t *testing.T) {
	srv := newAcceptingWorkerServer(t)
	defer srv.Close()

	p := NewPool(testPoolConfig(), zap.NewNop())
	defer p.Shutdown()

	p.Connect(context.Background(), domain.ServerDescriptor{ID: "w1", URI: wsPoolURL(srv.URL)})
	eventually(t, time.Second, p.HasAny)

	p.Forget("w1")
	assert.False(t, p.HasAny())
	assert.Nil(t, p.PickIdle())

	// Forgetting an unknown id is a harmless no-op.
	p.Forget("unknown")
}

func TestPoolDisconnectAbandonsReconnectUntilExplicitlyRestarted(t *testing.T) {
	srv := newAcceptingWorkerServer(t)
	defer srv.Close()

	p := NewPool(testPoolConfig(), zap.NewNop())
	defer p.Shutdown()

	p.Connect(context.Background(), domain.ServerDescriptor{ID: "w1", URI: wsPoolURL(srv.URL)})
	eventually(t, time.Second, p.HasAny)

	require.NoError(t, p.Disconnect("w1"))
	assert.False(t, p.HasAny())

	// Give Supervise several ticks' worth of time; the worker must not
	// come back on its own once disconnected.
	for i := 0; i < 5; i++ {
		p.Supervise(context.Background())
		time.Sleep(20 * time.Millisecond)
	}
	assert.False(t, p.HasAny())

	require.NoError(t, p.ReconnectWithID(context.Background(), "w1"))
	eventually(t, time.Second, p.HasAny)

	assert.ErrorIs(t, p.Disconnect("missing"), domain.ErrServerNotFound)
	assert.ErrorIs(t, p.ReconnectWithID(context.Background(), "missing"), domain.ErrServerNotFound)
}

func TestPoolPauseAndResumeAffectIdleSelection(t *testing.T) {
	srv := newAcceptingWorkerServer(t)
	defer srv.Close()

	p := NewPool(testPoolConfig(), zap.NewNop())
	defer p.Shutdown()

	p.Connect(context.Background(), domain.ServerDescriptor{ID: "w1", URI: wsPoolURL(srv.URL)})
	eventually(t, time.Second, p.HasAny)

	require.NoError(t, p.Pause("w1"))
	assert.Nil(t, p.PickIdle())
	assert.False(t, p.AllIdle())

	require.NoError(t, p.Resume("w1"))
	eventually(t, time.Second, func() bool { return p.PickIdle() != nil })

	assert.ErrorIs(t, p.Pause("missing"), domain.ErrServerNotFound)
	assert.ErrorIs(t, p.Resume("missing"), domain.ErrServerNotFound)
}

func TestPoolReconnectLoopGivesUpAfterMaxRetryAgainstADeadAddress(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxRetry = 2
	cfg.ReconnectTimeout = 5 * time.Millisecond

	p := NewPool(cfg, zap.NewNop())
	defer p.Shutdown()

	// Port 0 never accepts: every dial attempt fails immediately, so the
	// loop should exhaust MaxRetry quickly and abandon the worker.
	p.Connect(context.Background(), domain.ServerDescriptor{ID: "w1", URI: "ws://127.0.0.1:0"})

	// Give the loop time to burn through its retries (well beyond
	// MaxRetry * ReconnectTimeout) and confirm it never connects.
	time.Sleep(200 * time.Millisecond)
	assert.False(t, p.HasAny())

	// Supervise must not relaunch a reconnect loop for an abandoned
	// worker — it should still be disconnected after several more ticks.
	for i := 0; i < 5; i++ {
		p.Supervise(context.Background())
		time.Sleep(20 * time.Millisecond)
	}
	assert.False(t, p.HasAny())
}

func TestPoolSuperviseRelaunchesAfterConnectionDrops(t *testing.T) {
	srv := newAcceptingWorkerServer(t)
	defer srv.Close()

	p := NewPool(testPoolConfig(), zap.NewNop())
	defer p.Shutdown()

	p.Connect(context.Background(), domain.ServerDescriptor{ID: "w1", URI: wsPoolURL(srv.URL)})
	eventually(t, time.Second, p.HasAny)

	conn := p.PickIdle()
	require.NotNil(t, conn)
	conn.Close()

	p.Supervise(context.Background())
	eventually(t, time.Second, p.HasAny)
}

func TestPoolSnapshotReportsEveryTrackedWorker(t *testing.T) {
	srv := newAcceptingWorkerServer(t)
	defer srv.Close()

	p := NewPool(testPoolConfig(), zap.NewNop())
	defer p.Shutdown()

	p.Connect(context.Background(), domain.ServerDescriptor{ID: "w1", Name: "worker-1", URI: wsPoolURL(srv.URL)})
	eventually(t, time.Second, p.HasAny)

	snap := p.Snapshot(context.Background())
	require.Len(t, snap, 1)
	assert.Equal(t, "w1", snap[0].ID)
	assert.Equal(t, "worker-1", snap[0].Name)
}
