// Package api implements the thin HTTP surface over the dispatcher:
// server management, submission admission, and the WebSocket endpoint a
// subscriber uses to watch a run's progress. It performs no
// authentication of its own; that is left to a reverse proxy or an
// embedding service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/justyse-oj/dispatcher/internal/domain"
)

// apiError is the body of every error response. Code is the snake_case
// name of the domain error that produced it, so a client can branch on
// the condition without parsing Message.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Ok writes payload under {"data": ...} with 200 OK.
func Ok(w http.ResponseWriter, payload any) {
	writeJSON(w, http.StatusOK, map[string]any{"data": payload})
}

// Created writes payload under {"data": ...} with 201 Created.
func Created(w http.ResponseWriter, payload any) {
	writeJSON(w, http.StatusCreated, map[string]any{"data": payload})
}

// NoContent writes a 204 No Content response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Fail translates an error from the dispatcher or its stores into the
// HTTP response it warrants, keyed by the error taxonomy. Errors that
// don't classify are reported as a generic 500 without leaking their
// text to the client.
func Fail(w http.ResponseWriter, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, map[string]any{"error": apiError{Code: code, Message: msg}})
}

// classify maps the domain error taxonomy onto status codes and
// machine-readable error codes.
func classify(err error) (int, string) {
	var (
		subNF   *domain.SubmissionNotFoundError
		probNF  *domain.ProblemNotFoundError
		userNF  *domain.UserNotFoundError
		queueNF *domain.QueueNotFoundError
		queueEx *domain.QueueAlreadyExistError
	)
	switch {
	case errors.As(err, &subNF):
		return http.StatusNotFound, "submission_not_found"
	case errors.As(err, &probNF):
		return http.StatusNotFound, "problem_not_found"
	case errors.As(err, &userNF):
		return http.StatusNotFound, "user_not_found"
	case errors.As(err, &queueNF):
		return http.StatusNotFound, "queue_not_found"
	case errors.Is(err, domain.ErrServerNotFound):
		return http.StatusNotFound, "server_not_found"
	case errors.As(err, &queueEx):
		return http.StatusConflict, "queue_already_exists"
	case errors.Is(err, domain.ErrAlreadyConnected):
		return http.StatusConflict, "already_connected"
	case errors.Is(err, domain.ErrServerBusy):
		return http.StatusConflict, "server_busy"
	case errors.Is(err, domain.ErrQueueNotValid):
		return http.StatusBadRequest, "queue_not_valid"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// BadRequest reports a malformed request: a missing parameter, an
// unreadable body. Domain errors go through Fail instead.
func BadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{"error": apiError{Code: "bad_request", Message: msg}})
}

// decodeJSON strictly decodes the request body into dst, replying 400 and
// returning false on failure so callers can early-return. Bodies are
// capped well above the largest legitimate request on this surface (a
// server descriptor); nothing here uploads bulk data.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	const maxBody = 64 << 10
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		BadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
