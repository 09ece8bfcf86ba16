// Package metrics exposes the scheduler's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the engine records into.
type Metrics struct {
	MessagesProcessed   *prometheus.CounterVec
	HandlerErrors       *prometheus.CounterVec
	HandlerDuration     *prometheus.HistogramVec
	InvalidMessages     *prometheus.CounterVec
	ExecutionsCompleted *prometheus.CounterVec
	LockMisses          prometheus.Counter
	QueuePolls          prometheus.Counter
}

// New registers the scheduler collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_messages_processed_total",
			Help: "Messages handled, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		HandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_handler_errors_total",
			Help: "Handler failures that led to a re-queue, by kind.",
		}, []string{"kind"}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conveyor_handler_duration_seconds",
			Help:    "Wall-clock time spent in each handler.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		InvalidMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_invalid_messages_total",
			Help: "Messages converted to invalid markers, by tier.",
		}, []string{"tier"}),
		ExecutionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_executions_completed_total",
			Help: "Executions finalized, by terminal status.",
		}, []string{"status"}),
		LockMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_lock_misses_total",
			Help: "Deliveries re-queued because the execution lock was held.",
		}),
		QueuePolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_queue_polls_total",
			Help: "Queue poll operations.",
		}),
	}
	reg.MustRegister(
		m.MessagesProcessed,
		m.HandlerErrors,
		m.HandlerDuration,
		m.InvalidMessages,
		m.ExecutionsCompleted,
		m.LockMisses,
		m.QueuePolls,
	)
	return m
}

// NewUnregistered returns collectors without registering them; tests use
// this to avoid global registry collisions.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
