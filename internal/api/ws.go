package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/justyse-oj/dispatcher/internal/gateway"
)

// WSHandler is the WebSocket upgrade endpoint that bridges one queue_id's
// frame stream to the connecting client via the Subscriber Gateway.
type WSHandler struct {
	gateway *gateway.Gateway
	logger  *zap.Logger
}

// NewWSHandler wires a WSHandler over a Gateway.
func NewWSHandler(gw *gateway.Gateway, logger *zap.Logger) *WSHandler {
	return &WSHandler{gateway: gw, logger: logger.Named("api.ws")}
}

// ServeWS handles GET /api/v1/ws/{queue_id}. It upgrades the connection and
// blocks until the gateway closes it (run finished, replay exhausted, or
// the peer disconnected).
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	queueID := chi.URLParam(r, "queue_id")

	down, err := gateway.UpgradeDownstream(w, r, h.logger)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", zap.Error(err))
		return
	}

	if err := h.gateway.Serve(r.Context(), queueID, down); err != nil {
		h.logger.Debug("ws: gateway serve ended", zap.String("queue_id", queueID), zap.Error(err))
	}
}
