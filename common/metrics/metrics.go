package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all prometheus collectors for the orchestration kernel
type Metrics struct {
	EventsEmitted     *prometheus.CounterVec
	JobsEnqueued      prometheus.Counter
	JobsLeased        prometheus.Counter
	JobsCompleted     prometheus.Counter
	JobsFailed        *prometheus.CounterVec
	LeasesReaped      prometheus.Counter
	BrokerEvaluations *prometheus.CounterVec
	EvaluationSeconds prometheus.Histogram
	ActionSeconds     *prometheus.HistogramVec
}

// New registers and returns all collectors on the given registerer
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noetl",
			Name:      "events_emitted_total",
			Help:      "Events appended to the event log by event type",
		}, []string{"event_type"}),
		JobsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "noetl",
			Name:      "queue_jobs_enqueued_total",
			Help:      "Jobs inserted into the work queue",
		}),
		JobsLeased: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "noetl",
			Name:      "queue_jobs_leased_total",
			Help:      "Successful job leases",
		}),
		JobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "noetl",
			Name:      "queue_jobs_completed_total",
			Help:      "Jobs acknowledged as done",
		}),
		JobsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noetl",
			Name:      "queue_jobs_failed_total",
			Help:      "Job failures by terminal disposition (retried|dead)",
		}, []string{"disposition"}),
		LeasesReaped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "noetl",
			Name:      "queue_leases_reaped_total",
			Help:      "Expired leases returned to the queue by the sweeper",
		}),
		BrokerEvaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noetl",
			Name:      "broker_evaluations_total",
			Help:      "Broker evaluations by outcome kind",
		}, []string{"outcome"}),
		EvaluationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "noetl",
			Name:      "broker_evaluation_seconds",
			Help:      "Wall time of a single broker evaluation",
			Buckets:   prometheus.DefBuckets,
		}),
		ActionSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "noetl",
			Name:      "worker_action_seconds",
			Help:      "Action execution time by action type",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action_type"}),
	}
}

// NewDefault registers on the default prometheus registry
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}
