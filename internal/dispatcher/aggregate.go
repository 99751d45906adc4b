// Package dispatcher implements the judge dispatcher core: the connection
// pool with reconnect/backoff, the admission queue, the two scheduling
// policies (one-submission-per-server and split-testcases-across-servers),
// and the verdict aggregation that produces each submission's final
// SubmissionResult.
package dispatcher

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/justyse-oj/dispatcher/internal/domain"
	"github.com/justyse-oj/dispatcher/internal/workerconn"
)

// publisher is the minimal surface the aggregators need to forward
// progress to a caller's queue — satisfied by *queue.Queue in production
// code and by recording stubs in tests, so aggregation logic can be
// exercised without a real durable backend.
type publisher interface {
	Put(ctx context.Context, item any, raw bool) error
}

// publishFrame encodes tag/payload in the same [tag, payload] wire shape
// the worker protocol uses and forwards it to pub as a raw message, so
// every consumer of a queue — the submission log dump and the subscriber
// gateway alike — sees one consistent frame format regardless of whether
// it came from a worker verdict or a dispatcher-originated frame like
// "waiting" or "catched".
func publishFrame(ctx context.Context, pub publisher, tag string, payload any) {
	data, err := workerconn.EncodeWireFrame(tag, payload)
	if err != nil {
		return
	}
	_ = pub.Put(ctx, data, true)
}

// resultFrame is the judge.result payload shape on the worker wire.
type resultFrame struct {
	Index  int      `json:"index"`
	Status string   `json:"status"`
	Time   float64  `json:"time"`
	Memory [2]int64 `json:"memory"`
	Point  float64  `json:"point"`
}

// buildResult assembles the final SubmissionResult from accumulated
// per-testcase sums. Time and memory are averaged over n; points stay a
// sum; a run that ended in abort or a system/compile error reports -1
// resources instead.
func buildResult(status domain.StatusCode, n int, timeSum float64, avgMemSum, peakMemSum int64, points float64, warn, errText string, unmeasured bool) domain.SubmissionResult {
	if unmeasured || n <= 0 {
		return domain.SubmissionResult{
			Status: status,
			Warn:   warn,
			Error:  errText,
			TimeS:  -1,
			Memory: domain.UnmeasuredMemory,
			Point:  points,
		}
	}
	return domain.SubmissionResult{
		Status: status,
		Warn:   warn,
		Error:  errText,
		TimeS:  timeSum / float64(n),
		Memory: domain.Memory{AvgKB: avgMemSum / int64(n), PeakKB: peakMemSum / int64(n)},
		Point:  points,
	}
}

// aggregateMode0 drains one worker's verdict stream,
// forwarding each result/compiler frame to pub as it arrives, and returns
// the constructed SubmissionResult once a terminal verdict is seen or the
// channel closes.
func aggregateMode0(ctx context.Context, verdicts <-chan workerconn.Verdict, n int, pub publisher) domain.SubmissionResult {
	var (
		timeSum              float64
		avgMemSum, peakMemSum int64
		points               float64
		status               = domain.Accepted
		warn, errText        string
		unmeasured           bool
	)

	for v := range verdicts {
		switch v.Tag {
		case "result":
			var rf resultFrame
			_ = json.Unmarshal(v.Payload, &rf)
			timeSum += rf.Time
			avgMemSum += rf.Memory[0]
			peakMemSum += rf.Memory[1]
			points += rf.Point
			publishFrame(ctx, pub, "result", rf)
		case "compiler":
			var w string
			_ = json.Unmarshal(v.Payload, &w)
			warn = w
			publishFrame(ctx, pub, "compiler", w)
		case "overall":
			var s string
			_ = json.Unmarshal(v.Payload, &s)
			status = domain.ParseStatusCode(s)
		case "error:system":
			var e string
			_ = json.Unmarshal(v.Payload, &e)
			errText = e
			status = domain.SystemError
			unmeasured = true
		case "error:compiler":
			var e string
			_ = json.Unmarshal(v.Payload, &e)
			errText = e
			status = domain.CompileError
			unmeasured = true
		case "aborted":
			status = domain.Aborted
			unmeasured = true
		}
		if v.Terminal() {
			break
		}
	}

	return buildResult(status, n, timeSum, avgMemSum, peakMemSum, points, warn, errText, unmeasured)
}

// judgeEventBuf sizes the mode-1 fan-in channel. Acquire-failure events
// are pushed before the aggregator starts reading, so it must hold at
// least one event per participating worker.
const judgeEventBuf = 64

// workerEvent tags a verdict with the originating chunk so aggregateMode1
// can apply the initting/judging barrier across every participating
// worker.
type workerEvent struct {
	worker int
	v      workerconn.Verdict
}

// aggregateMode1 fans in verdicts from every worker chunk, publishing
// exactly one "initting" and one "judging" frame once every participating
// worker has emitted its own. The final status is ABORTED if any worker
// aborted, else SYSTEM_ERROR if any error was collected, else the worst
// per-worker overall.
func aggregateMode1(ctx context.Context, events <-chan workerEvent, numWorkers, n int, pub publisher) domain.SubmissionResult {
	var (
		timeSum               float64
		avgMemSum, peakMemSum int64
		points                float64
		warnParts, errParts   []string
		overalls              []domain.StatusCode
		aborted, sysErr       bool
		inittingCount, judgingCount int
		inittingFired, judgingFired bool
	)

	for ev := range events {
		v := ev.v
		switch v.Tag {
		case "initting":
			inittingCount++
			if inittingCount == numWorkers && !inittingFired {
				inittingFired = true
				publishFrame(ctx, pub, "initting", nil)
			}
		case "judging":
			judgingCount++
			if judgingCount == numWorkers && !judgingFired {
				judgingFired = true
				publishFrame(ctx, pub, "judging", nil)
			}
		case "result":
			var rf resultFrame
			_ = json.Unmarshal(v.Payload, &rf)
			timeSum += rf.Time
			avgMemSum += rf.Memory[0]
			peakMemSum += rf.Memory[1]
			points += rf.Point
			publishFrame(ctx, pub, "result", rf)
		case "compiler":
			var w string
			_ = json.Unmarshal(v.Payload, &w)
			if w != "" {
				warnParts = append(warnParts, w)
			}
		case "overall":
			var s string
			_ = json.Unmarshal(v.Payload, &s)
			overalls = append(overalls, domain.ParseStatusCode(s))
		case "error:system", "error:compiler":
			var e string
			_ = json.Unmarshal(v.Payload, &e)
			if e != "" {
				errParts = append(errParts, e)
			}
			sysErr = true
		case "aborted":
			aborted = true
		}
	}

	status := domain.Accepted
	switch {
	case aborted:
		status = domain.Aborted
	case sysErr:
		status = domain.SystemError
	default:
		for _, s := range overalls {
			status = domain.Worse(status, s)
		}
	}

	return buildResult(status, n, timeSum, avgMemSum, peakMemSum, points,
		strings.Join(warnParts, "\n"), strings.Join(errParts, "\n"), aborted || sysErr)
}
