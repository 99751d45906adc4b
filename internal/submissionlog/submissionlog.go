// Package submissionlog persists the complete transcript of a judge run
// so the Subscriber Gateway can replay it to a client that joins after the
// run's live queue has already closed.
package submissionlog

import "context"

// Frame is one (tag, payload) entry of a recorded transcript, mirroring
// the shape forwarded over the worker-connection channel and published to
// a queue.
type Frame struct {
	Tag     string `json:"tag"`
	Payload []byte `json:"payload,omitempty"`
}

// Backend persists and retrieves run transcripts. internal/db provides a
// GORM-backed implementation.
type Backend interface {
	DumpLogs(ctx context.Context, submissionID, runID string, frames []Frame) error
	GetLogs(ctx context.Context, submissionID, runID string) ([]Frame, error)
	GetLogIDs(ctx context.Context, submissionID string) ([]string, error)
}

// Store is the submission log surface consumed by the rest of the
// dispatcher; it is just Backend given its own name for readability at
// call sites.
type Store struct {
	backend Backend
}

// New wraps a Backend as a Store.
func New(backend Backend) *Store { return &Store{backend: backend} }

// DumpLogs writes one immutable transcript for (submissionID, runID).
// Calling it twice for the same pair produces two independent records —
// callers that rejudge must mint a fresh runID.
func (s *Store) DumpLogs(ctx context.Context, submissionID, runID string, frames []Frame) error {
	return s.backend.DumpLogs(ctx, submissionID, runID, frames)
}

// GetLogs retrieves the transcript for one run.
func (s *Store) GetLogs(ctx context.Context, submissionID, runID string) ([]Frame, error) {
	return s.backend.GetLogs(ctx, submissionID, runID)
}

// GetLogIDs enumerates every run recorded for a submission, in the order
// they were written.
func (s *Store) GetLogIDs(ctx context.Context, submissionID string) ([]string, error) {
	return s.backend.GetLogIDs(ctx, submissionID)
}
