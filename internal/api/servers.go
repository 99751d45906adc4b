package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/justyse-oj/dispatcher/internal/dispatcher"
	"github.com/justyse-oj/dispatcher/internal/domain"
)

// ServerHandler exposes the server-management operations: add, remove,
// disconnect, reconnect, pause, resume, and the status snapshot.
type ServerHandler struct {
	dispatcher *dispatcher.Dispatcher
	logger     *zap.Logger
}

// NewServerHandler wires a ServerHandler over a live Dispatcher.
func NewServerHandler(d *dispatcher.Dispatcher, logger *zap.Logger) *ServerHandler {
	return &ServerHandler{dispatcher: d, logger: logger.Named("api.servers")}
}

type addServerRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URI  string `json:"uri"`
}

// Add handles POST /api/v1/servers.
func (h *ServerHandler) Add(w http.ResponseWriter, r *http.Request) {
	var req addServerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URI == "" {
		BadRequest(w, "uri is required")
		return
	}

	saved, err := h.dispatcher.AddServer(r.Context(), domain.ServerDescriptor{ID: req.ID, Name: req.Name, URI: req.URI})
	if err != nil {
		Fail(w, err)
		return
	}
	Created(w, saved)
}

// Remove handles DELETE /api/v1/servers/{id}.
func (h *ServerHandler) Remove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.dispatcher.RemoveServer(id); err != nil {
		Fail(w, err)
		return
	}
	NoContent(w)
}

// Disconnect handles POST /api/v1/servers/{id}/disconnect.
func (h *ServerHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.dispatcher.Disconnect(id); err != nil {
		Fail(w, err)
		return
	}
	NoContent(w)
}

// Reconnect handles POST /api/v1/servers/{id}/reconnect.
func (h *ServerHandler) Reconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.dispatcher.ReconnectWithID(id); err != nil {
		Fail(w, err)
		return
	}
	NoContent(w)
}

// Pause handles POST /api/v1/servers/{id}/pause.
func (h *ServerHandler) Pause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.dispatcher.Pause(id); err != nil {
		Fail(w, err)
		return
	}
	NoContent(w)
}

// Resume handles POST /api/v1/servers/{id}/resume.
func (h *ServerHandler) Resume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.dispatcher.Resume(id); err != nil {
		Fail(w, err)
		return
	}
	NoContent(w)
}

type workerStatusResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	URI    string `json:"uri"`
	Status string `json:"status"`
}

// Status handles GET /api/v1/servers/status, snapshotting every tracked
// worker's liveness/activity state.
func (h *ServerHandler) Status(w http.ResponseWriter, r *http.Request) {
	snap := h.dispatcher.Status(r.Context())
	out := make([]workerStatusResponse, len(snap))
	for i, s := range snap {
		out[i] = workerStatusResponse{ID: s.ID, Name: s.Name, URI: s.URI, Status: string(s.Status)}
	}
	Ok(w, out)
}
