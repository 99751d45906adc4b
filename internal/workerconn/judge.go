package workerconn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/justyse-oj/dispatcher/internal/domain"
)

// State is the judge protocol state machine's current step.
type State int

const (
	Idle State = iota
	Starting
	Initialising
	WritingCode
	WritingTestcases
	WritingJudger
	Judging
	Terminal
)

// testRange is the inclusive [Lo, Hi] testcase index range a single
// connection is responsible for judging — the whole problem in mode 0,
// one partition's share in mode 1.
type testRange struct {
	Lo int `json:"lo"`
	Hi int `json:"hi"`
}

// Request carries everything the judge protocol needs to drive one run.
type Request struct {
	SubmissionID string
	Lang         domain.Lang
	Compiler     domain.Compiler
	TestLo       int
	TestHi       int
	InputName    string
	OutputName   string
	TestType     domain.TestKind
	JudgeMode    domain.JudgeMode
	PointPerTest float64
	Limit        domain.Limit
	Source       string
	JudgerSource string // empty when the problem carries no custom judger
	SkipDebug    bool

	// Testcase loads the input/output content for one testcase index.
	// Called once per index in [TestLo, TestHi], in order.
	Testcase func(index int) (input, output string, err error)
}

// Verdict is one (tag, payload) frame forwarded to the caller during
// Judge, with the "judge." prefix already stripped from Tag.
type Verdict struct {
	Tag     string
	Payload json.RawMessage
}

// Terminal reports whether this verdict's tag ends the run.
func (v Verdict) Terminal() bool {
	switch v.Tag {
	case "done", "aborted", "error:system", "error:compiler":
		return true
	default:
		return false
	}
}

type initCommandPayload struct {
	SubmissionID string           `json:"submission_id"`
	Lang         domain.Lang      `json:"lang"`
	Compiler     domain.Compiler  `json:"compiler"`
	TestRange    testRange        `json:"test_range"`
	TestFile     [2]string        `json:"test_file"`
	TestType     domain.TestKind  `json:"test_type"`
	JudgeMode    domain.JudgeMode `json:"judge_mode"`
	Point        float64          `json:"point"`
	Limit        domain.Limit     `json:"limit"`
}

type statusReply struct {
	Status int    `json:"status"`
	Index  int    `json:"index"`
	Error  string `json:"error"`
}

// Judge drives the full protocol state machine over this connection: it
// sends command.start, command.init, command.code, one command.testcase
// per index in [req.TestLo, req.TestHi], an optional command.judger, then
// command.judge, and forwards every subsequent judge.* frame (tag with the
// prefix stripped) on the returned channel until a terminal tag arrives or
// stopJudge is cancelled.
//
// Only one Judge call may be in flight per Conn; a second concurrent call
// returns ErrServerBusy immediately, and a closed connection returns
// ErrClosed.
func (c *Conn) Judge(stopJudge context.Context, req Request) (<-chan Verdict, error) {
	if err := c.tryAcquireJudge(); err != nil {
		return nil, err
	}

	out := make(chan Verdict, judgeChanBuf)
	go c.runJudge(stopJudge, req, out)
	return out, nil
}

func (c *Conn) runJudge(stopJudge context.Context, req Request, out chan<- Verdict) {
	defer close(out)
	defer c.releaseJudge()

	state := Starting
	defer func() {
		c.logger.Debug("workerconn: judge run ended", zap.Int("state", int(state)))
	}()

	if err := c.send("command.start", jsonNull); err != nil {
		c.Close()
		return
	}

	state = Initialising
	initPayload := initCommandPayload{
		SubmissionID: req.SubmissionID,
		Lang:         req.Lang,
		Compiler:     req.Compiler,
		TestRange:    testRange{Lo: req.TestLo, Hi: req.TestHi},
		TestFile:     [2]string{req.InputName, req.OutputName},
		TestType:     req.TestType,
		JudgeMode:    req.JudgeMode,
		Point:        req.PointPerTest,
		Limit:        req.Limit,
	}
	if err := c.send("command.init", initPayload); err != nil {
		c.Close()
		return
	}
	reply, ok := c.awaitJudgeReply(stopJudge)
	if !ok {
		if stopJudge.Err() != nil {
			c.abort(out)
		}
		return
	}
	var initResp statusReply
	_ = reply.unmarshalPayload(&initResp)
	if initResp.Status != 0 {
		e := &domain.InitError{Reason: initResp.Error}
		out <- Verdict{Tag: "error:system", Payload: mustMarshal(e.Error())}
		return
	}

	state = WritingCode
	if err := c.send("command.code", [1]string{req.Source}); err != nil {
		c.Close()
		return
	}
	reply, ok = c.awaitJudgeReply(stopJudge)
	if !ok {
		if stopJudge.Err() != nil {
			c.abort(out)
		}
		return
	}
	var codeResp statusReply
	_ = reply.unmarshalPayload(&codeResp)
	if codeResp.Status != 0 {
		e := &domain.CodeWriteError{Reason: codeResp.Error}
		out <- Verdict{Tag: "error:system", Payload: mustMarshal(e.Error())}
		return
	}

	state = WritingTestcases
	for i := req.TestLo; i <= req.TestHi; i++ {
		if stopJudge.Err() != nil {
			c.abort(out)
			return
		}
		input, output, err := req.Testcase(i)
		if err != nil {
			out <- Verdict{Tag: "error:system", Payload: mustMarshal(fmt.Sprintf("testcase %d load failed: %v", i, err))}
			return
		}
		if err := c.send("command.testcase", [3]any{i, input, output}); err != nil {
			c.Close()
			return
		}
		reply, ok = c.awaitJudgeReply(stopJudge)
		if !ok {
			if stopJudge.Err() != nil {
				c.abort(out)
			}
			return
		}
		var tcResp statusReply
		_ = reply.unmarshalPayload(&tcResp)
		if tcResp.Status != 0 {
			e := &domain.TestcaseWriteError{Reason: tcResp.Error, Index: i}
			out <- Verdict{Tag: "error:system", Payload: mustMarshal(e.Error())}
			return
		}
		if tcResp.Index != i {
			e := &domain.TestcaseMismatchError{Sent: i, Received: tcResp.Index}
			out <- Verdict{Tag: "error:system", Payload: mustMarshal(e.Error())}
			return
		}
	}

	if req.JudgerSource != "" {
		state = WritingJudger
		if err := c.send("command.judger", req.JudgerSource); err != nil {
			c.Close()
			return
		}
		reply, ok = c.awaitJudgeReply(stopJudge)
		if !ok {
			if stopJudge.Err() != nil {
				c.abort(out)
			}
			return
		}
		var judgerResp statusReply
		_ = reply.unmarshalPayload(&judgerResp)
		if judgerResp.Status != 0 {
			e := &domain.JudgerWriteError{Reason: judgerResp.Error}
			out <- Verdict{Tag: "error:system", Payload: mustMarshal(e.Error())}
			return
		}
	}

	if stopJudge.Err() != nil {
		c.abort(out)
		return
	}

	state = Judging
	if err := c.send("command.judge", jsonNull); err != nil {
		c.Close()
		return
	}

	for {
		select {
		case <-stopJudge.Done():
			c.abort(out)
			return
		case <-c.done:
			return
		case f, open := <-c.judgeCh:
			if !open {
				return
			}
			v := Verdict{Tag: strings.TrimPrefix(f.Tag, "judge."), Payload: f.Payload}
			if v.Terminal() {
				out <- v
				state = Terminal
				return
			}
			switch v.Tag {
			case "compiler", "result", "overall", "initting", "judging":
				out <- v
			default:
				// Unknown intermediate tags land in the debug trace and
				// reach the caller only when it asked for them.
				c.recordDebug(v.Tag)
				if !req.SkipDebug {
					out <- v
				}
			}
		}
	}
}

// awaitJudgeReply waits for exactly one judge.* frame, used for the
// request/response steps preceding Judging. Returns ok=false if the
// connection closed, the caller cancelled, or no reply arrived within the
// receive deadline — the last case also closes the connection, since a
// worker that stops acknowledging handshake steps is indistinguishable
// from a dead one. The Judging stream itself has no per-frame deadline;
// a testcase may legitimately run long, and the heartbeat covers death.
func (c *Conn) awaitJudgeReply(ctx context.Context) (frame, bool) {
	timeout := time.NewTimer(c.recvWait())
	defer timeout.Stop()
	select {
	case f, open := <-c.judgeCh:
		if !open {
			return frame{}, false
		}
		return f, true
	case <-timeout.C:
		c.logger.Warn("workerconn: no reply within receive deadline, closing")
		c.Close()
		return frame{}, false
	case <-ctx.Done():
		return frame{}, false
	case <-c.done:
		return frame{}, false
	}
}

// abort sends command.abort and yields the ('aborted', nil) verdict.
// Idempotent: a connection that is already closing simply drops the send.
func (c *Conn) abort(out chan<- Verdict) {
	_ = c.send("command.abort", nil)
	out <- Verdict{Tag: "aborted", Payload: nil}
}

func mustMarshal(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}
