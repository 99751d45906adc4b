package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the dispatcher's set of Prometheus collectors. All fields are
// safe for concurrent use, matching prometheus.Counter/Gauge/Histogram
// semantics. A nil *Metrics is valid everywhere it's read from — callers
// guard every use with a nil check so metrics stay optional for tests and
// for embedders that don't want a /metrics endpoint.
type Metrics struct {
	ConnectedWorkers      prometheus.Gauge
	QueueDepth            prometheus.Gauge
	SubmissionsDispatched prometheus.Counter
	SubmissionDuration    prometheus.Histogram
}

// NewMetrics registers the dispatcher's collectors against reg. Pass
// prometheus.DefaultRegisterer to expose them on the default /metrics
// handler, or a fresh prometheus.NewRegistry() in tests to avoid
// cross-test collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectedWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dispatcher_connected_workers",
			Help: "Number of judge workers currently connected to the pool.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dispatcher_admission_queue_depth",
			Help: "Number of submissions currently waiting in the admission queue.",
		}),
		SubmissionsDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_submissions_dispatched_total",
			Help: "Total number of submissions handed off to a worker (or worker set).",
		}),
		SubmissionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatcher_submission_duration_seconds",
			Help:    "Wall-clock time from dispatch to final verdict per submission.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
}
