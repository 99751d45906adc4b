package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/justyse-oj/dispatcher/internal/dispatcher"
	"github.com/justyse-oj/dispatcher/internal/gateway"
	"github.com/justyse-oj/dispatcher/internal/queue"
)

// RouterConfig holds every dependency needed to build the HTTP router,
// passed as a single struct so the constructor signature stays manageable
// as the surface grows.
type RouterConfig struct {
	Dispatcher *dispatcher.Dispatcher
	Queues     *queue.Manager
	Gateway    *gateway.Gateway
	Logger     *zap.Logger

	// ExposeMetrics mounts /metrics behind promhttp.Handler() when true.
	ExposeMetrics bool
}

// NewRouter builds the fully configured Chi router. Every route is
// registered under /api/v1. There is no authentication layer here; that
// is left to an embedding service or reverse proxy.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	submissionHandler := NewSubmissionHandler(cfg.Dispatcher.AddSubmission, cfg.Queues, cfg.Logger)
	serverHandler := NewServerHandler(cfg.Dispatcher, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Gateway, cfg.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/submissions/{submission_id}/dispatch", submissionHandler.Add)

		r.Route("/servers", func(r chi.Router) {
			r.Get("/status", serverHandler.Status)
			r.Post("/", serverHandler.Add)
			r.Delete("/{id}", serverHandler.Remove)
			r.Post("/{id}/disconnect", serverHandler.Disconnect)
			r.Post("/{id}/reconnect", serverHandler.Reconnect)
			r.Post("/{id}/pause", serverHandler.Pause)
			r.Post("/{id}/resume", serverHandler.Resume)
		})

		r.Get("/ws/{queue_id}", wsHandler.ServeWS)
	})

	if cfg.ExposeMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}
