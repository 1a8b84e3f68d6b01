package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TasksSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_tasks_submitted_total",
		Help: "Delivery tasks submitted by the producer",
	}, []string{"queue", "trigger"})
	ProducerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_producer_errors_total",
		Help: "Producer failures swallowed after logging, by stage",
	}, []string{"trigger", "stage"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_rate_limit_rejects_total",
		Help: "Event submissions rejected by the rate limiter",
	})
	TaskOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_task_outcomes_total",
		Help: "Task attempt outcomes by queue",
	}, []string{"queue", "outcome"})
	TaskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_task_duration_seconds",
		Help:    "Duration of task attempts",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue", "type"})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pipeline_queue_depth",
		Help: "Ready tasks per queue",
	}, []string{"queue"})
	InFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pipeline_queue_inflight",
		Help: "Leased tasks per queue across the cluster",
	}, []string{"queue"})
	BillingEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_billing_events_total",
		Help: "Billing provider webhook events by type and result",
	}, []string{"type", "result"})
)

// Task outcome label values.
const (
	OutcomeSucceeded  = "succeeded"
	OutcomeRetried    = "retried"
	OutcomeFailed     = "failed"
	OutcomeExpected   = "expected_failure"
	OutcomeDeadLetter = "dead_lettered"
	OutcomeEscalated  = "escalated"
)

// Register adds every pipeline collector to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			TasksSubmitted,
			ProducerErrors,
			RateLimitRejects,
			TaskOutcomes,
			TaskDuration,
			QueueDepth,
			InFlight,
			BillingEvents,
		)
	})
}

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
