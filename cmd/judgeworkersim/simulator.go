package main

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/justyse-oj/dispatcher/internal/workerconn"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// simulator answers the judge protocol for every connection it
// accepts, one connection at a time — judgeworkersim never serves two
// runs concurrently over the same socket, matching a real worker's single
// judging slot.
type simulator struct {
	cfg    *cliConfig
	logger *zap.Logger
}

type testRange struct {
	Lo int `json:"lo"`
	Hi int `json:"hi"`
}

type initCommandPayload struct {
	SubmissionID string    `json:"submission_id"`
	TestRange    testRange `json:"test_range"`
	Point        float64   `json:"point"`
}

type statusReply struct {
	Status int    `json:"status"`
	Index  int    `json:"index"`
	Error  string `json:"error"`
}

func (s *simulator) serveWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.secret != "" {
		presented := r.Header.Get(workerconn.SecretHeader)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.secret)) != 1 {
			s.logger.Warn("rejecting connection with bad secret", zap.String("remote", r.RemoteAddr))
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	s.logger.Info("worker connected", zap.String("remote", r.RemoteAddr))

	var run initCommandPayload

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("connection closed", zap.Error(err))
			return
		}

		tag, payload, err := workerconn.DecodeWireFrame(data)
		if err != nil {
			s.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		switch tag {
		case "declare.language", "declare.compiler", "declare.load":
			// No acknowledgement expected for setup frames.

		case "command.status":
			s.send(conn, "status", map[string]string{"status": "idle"})

		case "command.start":
			// No reply; command.init follows immediately.

		case "command.init":
			_ = json.Unmarshal(payload, &run)
			s.send(conn, "judge.status", statusReply{Status: 0})

		case "command.code":
			s.send(conn, "judge.status", statusReply{Status: 0})

		case "command.testcase":
			var args [3]json.RawMessage
			_ = json.Unmarshal(payload, &args)
			var index int
			_ = json.Unmarshal(args[0], &index)
			s.send(conn, "judge.status", statusReply{Status: 0, Index: index})

		case "command.judger":
			s.send(conn, "judge.status", statusReply{Status: 0})

		case "command.judge":
			s.runJudging(conn, run)

		case "command.abort":
			// The run loop below already returns on send errors; nothing
			// further to do once the dispatcher has stopped reading.
		}
	}
}

// runJudging plays back a synthetic verdict stream: initting, judging, one
// result per testcase in [run.TestRange.Lo, run.TestRange.Hi], overall,
// done.
func (s *simulator) runJudging(conn *websocket.Conn, run initCommandPayload) {
	s.send(conn, "judge.initting", nil)

	lo, hi := run.TestRange.Lo, run.TestRange.Hi
	if hi < lo {
		hi = lo
	}
	n := hi - lo + 1
	if n <= 0 {
		n = 1
	}

	s.send(conn, "judge.judging", nil)

	point := run.Point
	for i := lo; i <= hi; i++ {
		time.Sleep(s.cfg.testDelay)
		s.send(conn, "judge.result", map[string]any{
			"index":  i,
			"status": "ACCEPTED",
			"time":   s.cfg.timePerTC,
			"memory": [2]int64{s.cfg.memPerTC, s.cfg.memPerTC},
			"point":  point,
		})
	}

	s.send(conn, "judge.overall", "ACCEPTED")
	s.send(conn, "judge.done", nil)
}

func (s *simulator) send(conn *websocket.Conn, tag string, payload any) {
	data, err := workerconn.EncodeWireFrame(tag, payload)
	if err != nil {
		s.logger.Warn("encode frame failed", zap.String("tag", tag), zap.Error(err))
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug("write failed", zap.String("tag", tag), zap.Error(err))
	}
}
