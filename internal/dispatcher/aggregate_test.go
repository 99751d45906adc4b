package dispatcher

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justyse-oj/dispatcher/internal/domain"
	"github.com/justyse-oj/dispatcher/internal/workerconn"
)

// fakePublisher is a publisher stub that decodes and records every frame
// it's given, so aggregation logic can be exercised without a real
// queue.Queue.
type fakePublisher struct {
	frames []recordedFrame
}

type recordedFrame struct {
	tag     string
	payload json.RawMessage
}

func (p *fakePublisher) Put(_ context.Context, item any, raw bool) error {
	data, ok := item.([]byte)
	if !ok || !raw {
		return nil
	}
	tag, payload, err := workerconn.DecodeWireFrame(data)
	if err != nil {
		return err
	}
	p.frames = append(p.frames, recordedFrame{tag: tag, payload: payload})
	return nil
}

func verdict(t *testing.T, tag string, payload any) workerconn.Verdict {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return workerconn.Verdict{Tag: tag, Payload: data}
}

func TestAggregateMode0AveragesAndSumsAcrossTestcases(t *testing.T) {
	pub := &fakePublisher{}
	verdicts := make(chan workerconn.Verdict, 8)
	verdicts <- verdict(t, "result", resultFrame{Index: 1, Status: "ACCEPTED", Time: 0.1, Memory: [2]int64{100, 200}, Point: 50})
	verdicts <- verdict(t, "result", resultFrame{Index: 2, Status: "ACCEPTED", Time: 0.3, Memory: [2]int64{300, 400}, Point: 50})
	verdicts <- verdict(t, "overall", "ACCEPTED")
	verdicts <- workerconn.Verdict{Tag: "done"}
	close(verdicts)

	result := aggregateMode0(context.Background(), verdicts, 2, pub)

	assert.Equal(t, domain.Accepted, result.Status)
	assert.InDelta(t, 0.2, result.TimeS, 1e-9) // mean over 2 testcases
	assert.Equal(t, int64(200), result.Memory.AvgKB)
	assert.Equal(t, int64(300), result.Memory.PeakKB)
	assert.Equal(t, float64(100), result.Point) // points sum, never averaged

	var tags []string
	for _, f := range pub.frames {
		tags = append(tags, f.tag)
	}
	assert.Contains(t, tags, "result")
}

func TestAggregateMode0SystemErrorIsUnmeasured(t *testing.T) {
	pub := &fakePublisher{}
	verdicts := make(chan workerconn.Verdict, 2)
	verdicts <- verdict(t, "error:system", "worker crashed")
	close(verdicts)

	result := aggregateMode0(context.Background(), verdicts, 3, pub)

	assert.Equal(t, domain.SystemError, result.Status)
	assert.Equal(t, -1.0, result.TimeS)
	assert.Equal(t, domain.UnmeasuredMemory, result.Memory)
	assert.Equal(t, "worker crashed", result.Error)
}

func TestAggregateMode0AbortedIsUnmeasured(t *testing.T) {
	pub := &fakePublisher{}
	verdicts := make(chan workerconn.Verdict, 2)
	verdicts <- workerconn.Verdict{Tag: "aborted"}
	close(verdicts)

	result := aggregateMode0(context.Background(), verdicts, 5, pub)

	assert.Equal(t, domain.Aborted, result.Status)
	assert.Equal(t, -1.0, result.TimeS)
}

func TestAggregateMode1FiresBarrierFramesExactlyOnce(t *testing.T) {
	pub := &fakePublisher{}
	events := make(chan workerEvent, 16)
	events <- workerEvent{worker: 0, v: workerconn.Verdict{Tag: "initting"}}
	events <- workerEvent{worker: 1, v: workerconn.Verdict{Tag: "initting"}}
	events <- workerEvent{worker: 0, v: workerconn.Verdict{Tag: "judging"}}
	events <- workerEvent{worker: 1, v: workerconn.Verdict{Tag: "judging"}}
	events <- workerEvent{worker: 0, v: verdict(t, "overall", "ACCEPTED")}
	events <- workerEvent{worker: 1, v: verdict(t, "overall", "WRONG_ANSWER")}
	close(events)

	result := aggregateMode1(context.Background(), events, 2, 10, pub)

	assert.Equal(t, domain.WrongAnswer, result.Status) // worst of ACCEPTED/WRONG_ANSWER

	inittingCount, judgingCount := 0, 0
	for _, f := range pub.frames {
		switch f.tag {
		case "initting":
			inittingCount++
		case "judging":
			judgingCount++
		}
	}
	assert.Equal(t, 1, inittingCount, "initting must publish exactly once across both workers")
	assert.Equal(t, 1, judgingCount, "judging must publish exactly once across both workers")
}

func TestAggregateMode1AnyWorkerSystemErrorDominates(t *testing.T) {
	pub := &fakePublisher{}
	events := make(chan workerEvent, 8)
	events <- workerEvent{worker: 0, v: verdict(t, "overall", "ACCEPTED")}
	events <- workerEvent{worker: 1, v: verdict(t, "error:system", "timeout")}
	close(events)

	result := aggregateMode1(context.Background(), events, 2, 10, pub)

	assert.Equal(t, domain.SystemError, result.Status)
	assert.Contains(t, result.Error, "timeout")
}
