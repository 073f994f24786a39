package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

const (
	SagaOutcomeCompleted     = "completed"
	SagaOutcomeDeclined      = "declined"
	SagaOutcomeCompensated   = "compensated"
	SagaOutcomeUnknown       = "unknown"
	SagaOutcomeFailed        = "failed"
	SagaOutcomeRetryable     = "retryable"
	SagaOutcomeLockContended = "lock_contended"
)

const (
	PublishResultOK    = "ok"
	PublishResultError = "error"
)

// Metrics captures payment saga, relay, consumer and background-job health.
type Metrics struct {
	sagaOutcomes    *prometheus.CounterVec
	outboxPublished *prometheus.CounterVec
	outboxRescued   prometheus.Counter
	outboxPurged    prometheus.Counter
	consumerRetries prometheus.Counter
	deadLetters     prometheus.Counter
	zombiesRescued  *prometheus.CounterVec
	jobRuns         *prometheus.CounterVec
	jobErrors       *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// Default returns the singleton metrics registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		metrics = New(prometheus.DefaultRegisterer)
	})
	return metrics
}

// ResetForTest resets the singleton for tests.
func ResetForTest() {
	metricsOnce = sync.Once{}
	metrics = nil
}

func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		sagaOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_saga_outcomes_total",
			Help: "Payment saga outcomes by terminal classification.",
		}, []string{"outcome"}),
		outboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_outbox_published_total",
			Help: "Outbox relay publish attempts by result.",
		}, []string{"result"}),
		outboxRescued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payment_outbox_rescued_total",
			Help: "Outbox rows reset from PUBLISHING back to READY.",
		}),
		outboxPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payment_outbox_purged_total",
			Help: "DONE outbox rows deleted past retention.",
		}),
		consumerRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payment_consumer_retries_total",
			Help: "In-loop retries of trip-completion messages.",
		}),
		deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payment_dead_letters_total",
			Help: "Messages routed to the dead-letter topic.",
		}),
		zombiesRescued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_zombies_rescued_total",
			Help: "Stuck PROCESSING payments resolved by the rescue job.",
		}, []string{"resolution"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_job_runs_total",
			Help: "Background job runs by name.",
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_job_errors_total",
			Help: "Background job errors by name.",
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "payment_job_duration_seconds",
			Help:    "Background job latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"job"}),
	}

	for _, c := range []prometheus.Collector{
		m.sagaOutcomes,
		m.outboxPublished,
		m.outboxRescued,
		m.outboxPurged,
		m.consumerRetries,
		m.deadLetters,
		m.zombiesRescued,
		m.jobRuns,
		m.jobErrors,
		m.jobDuration,
	} {
		if err := registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}

	return m
}

func (m *Metrics) IncSagaOutcome(outcome string) {
	if m == nil {
		return
	}
	m.sagaOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncOutboxPublished(result string) {
	if m == nil {
		return
	}
	m.outboxPublished.WithLabelValues(result).Inc()
}

func (m *Metrics) AddOutboxRescued(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.outboxRescued.Add(float64(n))
}

func (m *Metrics) AddOutboxPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.outboxPurged.Add(float64(n))
}

func (m *Metrics) IncConsumerRetry() {
	if m == nil {
		return
	}
	m.consumerRetries.Inc()
}

func (m *Metrics) IncDeadLetter() {
	if m == nil {
		return
	}
	m.deadLetters.Inc()
}

func (m *Metrics) IncZombieRescued(resolution string) {
	if m == nil {
		return
	}
	m.zombiesRescued.WithLabelValues(resolution).Inc()
}

func (m *Metrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *Metrics) IncJobError(job string) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(job).Inc()
}

func (m *Metrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

// Module provides the singleton metrics registry.
var Module = fx.Module("metrics",
	fx.Provide(Default),
)
