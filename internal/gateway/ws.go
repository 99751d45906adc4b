package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the maximum time allowed to write one frame to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the connection is kept open without a pong
	// reply before it is considered dead.
	pongWait = 60 * time.Second

	// pingPeriod must stay under pongWait so the peer has time to answer.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds frames accepted from the subscriber; the
	// protocol is server-push only, so clients send nothing but pongs.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsDownstream adapts a single upgraded WebSocket connection to the
// Downstream interface. Each gateway subscriber gets its own connection —
// unlike the teacher's broadcast Hub, the gateway has no topic fan-out, so
// there is no shared register/unregister event loop here.
type wsDownstream struct {
	conn     *websocket.Conn
	logger   *zap.Logger
	done     chan struct{}
	closeOne sync.Once

	// writeMu serializes all writes to conn: Send, keepalive pings, and
	// the final close frame. gorilla/websocket connections only support a
	// single writer at a time.
	writeMu sync.Mutex
}

// UpgradeDownstream upgrades an HTTP request to a WebSocket connection and
// starts its keepalive ping loop. The returned Downstream is valid until
// its Close or the peer disconnects.
func UpgradeDownstream(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (Downstream, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	d := &wsDownstream{
		conn:   conn,
		logger: logger.With(zap.String("remote_addr", r.RemoteAddr)),
		done:   make(chan struct{}),
	}
	go d.pingLoop()
	go d.readLoop()
	return d, nil
}

// Send writes one envelope frame to the wire.
func (d *wsDownstream) Send(env Envelope) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := d.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return d.conn.WriteJSON(env)
}

// Close sends a close frame carrying reason and tears down the connection.
// Idempotent: the peer disconnecting and Serve finishing can both race to
// close the same downstream.
func (d *wsDownstream) Close(reason string) error {
	var err error
	d.closeOne.Do(func() {
		d.writeMu.Lock()
		_ = d.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = d.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCode(reason), reason))
		d.writeMu.Unlock()
		err = d.conn.Close()
		close(d.done)
	})
	return err
}

// closeCode maps a gateway close reason onto the websocket close code the
// peer sees alongside the reason text.
func closeCode(reason string) int {
	switch reason {
	case ReasonInternalError:
		return websocket.CloseInternalServerErr
	case ReasonNotFound:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseNormalClosure
	}
}

// readLoop discards inbound frames; its only job is to notice when the
// peer disconnects so the ping loop and Serve's Send calls stop promptly.
func (d *wsDownstream) readLoop() {
	d.conn.SetReadLimit(maxMessageSize)
	_ = d.conn.SetReadDeadline(time.Now().Add(pongWait))
	d.conn.SetPongHandler(func(string) error {
		return d.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := d.conn.ReadMessage(); err != nil {
			d.closeOne.Do(func() { close(d.done) })
			return
		}
	}
}

func (d *wsDownstream) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.writeMu.Lock()
			_ = d.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := d.conn.WriteMessage(websocket.PingMessage, nil)
			d.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
