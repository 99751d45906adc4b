package domain

import "fmt"

// Transport/lifecycle errors.

// ConnectionError wraps a transport or handshake failure encountered while
// connecting to a judge worker.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ErrNotReceiving is returned when a status/judge frame is awaited on a
// channel that will never produce one because the connection already closed.
var ErrNotReceiving = fmt.Errorf("worker connection: not receiving, connection closed")

// ErrAlreadyConnected is returned when connecting a server id the pool
// already tracks, whether or not its connection is currently open.
var ErrAlreadyConnected = fmt.Errorf("worker connection: already connected")

// ErrServerNotFound is returned when a server id is not tracked, or when an
// operation that needs a live connection (pause, resume) finds none.
var ErrServerNotFound = fmt.Errorf("registry: server not found")

// ErrClosed is returned by any operation attempted on a closed
// WorkerConnection or Queue.
var ErrClosed = fmt.Errorf("closed")

// Protocol errors, one per judge-protocol step.

type InitError struct{ Reason string }

func (e *InitError) Error() string { return "judge init failed: " + e.Reason }

type CodeWriteError struct{ Reason string }

func (e *CodeWriteError) Error() string { return "judge code write failed: " + e.Reason }

type TestcaseWriteError struct {
	Reason string
	Index  int
}

func (e *TestcaseWriteError) Error() string {
	return fmt.Sprintf("judge testcase write failed (index %d): %s", e.Index, e.Reason)
}

type JudgerWriteError struct{ Reason string }

func (e *JudgerWriteError) Error() string { return "judge judger write failed: " + e.Reason }

// TestcaseMismatchError is raised when a judge.write:testcase reply's index
// does not match the testcase the connection just sent.
type TestcaseMismatchError struct {
	Sent     int
	Received int
}

func (e *TestcaseMismatchError) Error() string {
	return fmt.Sprintf("testcase index mismatch: sent %d, worker acked %d", e.Sent, e.Received)
}

// ErrServerBusy is returned when a judge run is requested on a connection
// that already has one in flight.
var ErrServerBusy = fmt.Errorf("worker connection: busy")

// Admission errors.

type SubmissionNotFoundError struct{ ID string }

func (e *SubmissionNotFoundError) Error() string { return "submission not found: " + e.ID }

type ProblemNotFoundError struct{ ID string }

func (e *ProblemNotFoundError) Error() string { return "problem not found: " + e.ID }

type UserNotFoundError struct{ ID string }

func (e *UserNotFoundError) Error() string { return "user not found: " + e.ID }

type QueueNotFoundError struct{ Name string }

func (e *QueueNotFoundError) Error() string { return "queue not found: " + e.Name }

type QueueAlreadyExistError struct{ Name string }

func (e *QueueAlreadyExistError) Error() string { return "queue already exists: " + e.Name }

// ErrQueueNotValid is returned when a caller passes something other than a
// *queue.Queue where one is required.
var ErrQueueNotValid = fmt.Errorf("queue: not a valid queue")

// Domain errors — these never reach the dispatcher; they are rejected
// synchronously on the (external) REST path, but the types live here so the
// dispatcher and its callers share one vocabulary.

type LanguageNotSupportError struct{ Lang string }

func (e *LanguageNotSupportError) Error() string { return "language not supported: " + e.Lang }

type LanguageNotAcceptError struct {
	Lang      string
	ProblemID string
}

func (e *LanguageNotAcceptError) Error() string {
	return fmt.Sprintf("language %s not accepted by problem %s", e.Lang, e.ProblemID)
}

type CompilerNotSupportError struct{ Compiler string }

func (e *CompilerNotSupportError) Error() string {
	return "compiler not supported: " + e.Compiler
}

type TestTypeNotSupportError struct{ Kind string }

func (e *TestTypeNotSupportError) Error() string { return "test type not supported: " + e.Kind }

type InvalidProblemJudgerError struct{ Reason string }

func (e *InvalidProblemJudgerError) Error() string { return "invalid problem judger: " + e.Reason }

type InvalidTestcaseExtensionError struct{ Name string }

func (e *InvalidTestcaseExtensionError) Error() string {
	return "invalid testcase extension: " + e.Name
}

type InvalidTestcaseCountError struct{ Count int }

func (e *InvalidTestcaseCountError) Error() string {
	return fmt.Sprintf("invalid testcase count: %d", e.Count)
}
