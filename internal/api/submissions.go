package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/justyse-oj/dispatcher/internal/queue"
)

// AddSubmissionFunc matches (*dispatcher.Dispatcher).AddSubmission's
// signature, letting the handler depend on a function value instead of
// importing the dispatcher package's concrete type.
type AddSubmissionFunc func(ctx context.Context, submissionID string, q *queue.Queue)

// SubmissionHandler admits a previously-created submission to the
// dispatcher's scheduling queue.
type SubmissionHandler struct {
	dispatcher AddSubmissionFunc
	queues     *queue.Manager
	logger     *zap.Logger
}

// NewSubmissionHandler wires a SubmissionHandler. add is typically
// dispatcher.Dispatcher.AddSubmission bound to its receiver.
func NewSubmissionHandler(add AddSubmissionFunc, queues *queue.Manager, logger *zap.Logger) *SubmissionHandler {
	return &SubmissionHandler{dispatcher: add, queues: queues, logger: logger.Named("api.submissions")}
}

type addSubmissionResponse struct {
	QueueID string `json:"queue_id"`
	RunID   string `json:"run_id"`
}

// Add handles POST /api/v1/submissions/{submission_id}/dispatch. It mints a
// fresh run id, creates the run's queue ("judge::<submission_id>:<run_id>"),
// and admits the submission to the dispatcher.
func (h *SubmissionHandler) Add(w http.ResponseWriter, r *http.Request) {
	submissionID := chi.URLParam(r, "submission_id")
	if submissionID == "" {
		BadRequest(w, "submission_id is required")
		return
	}

	runID := uuid.NewString()
	queueID := "judge::" + submissionID + ":" + runID

	q, err := h.queues.Create(queueID)
	if err != nil {
		Fail(w, err)
		return
	}

	h.dispatcher(r.Context(), submissionID, q)

	Created(w, addSubmissionResponse{QueueID: queueID, RunID: runID})
}
