package taskmq

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors a worker reports into. Construct
// one with NewMetrics and pass it to the worker via WithMetrics; embedding
// binaries expose the registry over HTTP themselves (promhttp). A nil
// *Metrics disables reporting.
type Metrics struct {
	TasksSucceeded *prometheus.CounterVec
	TasksFailed    *prometheus.CounterVec
	TasksRetried   *prometheus.CounterVec
	TasksExpired   *prometheus.CounterVec
	TasksRejected  *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	TasksInFlight  prometheus.Gauge
}

// NewMetrics creates and registers the worker collector set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TasksSucceeded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmq_tasks_succeeded_total",
			Help: "Tasks that completed successfully and were acked.",
		}, []string{"task"}),
		TasksFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmq_tasks_failed_total",
			Help: "Tasks that exhausted their retry budget and were nacked.",
		}, []string{"task"}),
		TasksRetried: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmq_tasks_retried_total",
			Help: "Task executions that failed and were re-published for retry.",
		}, []string{"task"}),
		TasksExpired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmq_tasks_expired_total",
			Help: "Envelopes dropped because their expiry passed before execution.",
		}, []string{"task"}),
		TasksRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmq_tasks_rejected_total",
			Help: "Deliveries nacked without retry (malformed, unregistered).",
		}, []string{"reason"}),
		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskmq_task_duration_seconds",
			Help:    "Wall-clock handler execution time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),
		TasksInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "taskmq_tasks_in_flight",
			Help: "Envelopes currently held by the worker (running or parked).",
		}),
	}
}

func (m *Metrics) succeeded(task string, d time.Duration) {
	if m == nil {
		return
	}
	m.TasksSucceeded.WithLabelValues(task).Inc()
	m.TaskDuration.WithLabelValues(task).Observe(d.Seconds())
}

func (m *Metrics) failed(task string, d time.Duration) {
	if m == nil {
		return
	}
	m.TasksFailed.WithLabelValues(task).Inc()
	m.TaskDuration.WithLabelValues(task).Observe(d.Seconds())
}

func (m *Metrics) retried(task string, d time.Duration) {
	if m == nil {
		return
	}
	m.TasksRetried.WithLabelValues(task).Inc()
	m.TaskDuration.WithLabelValues(task).Observe(d.Seconds())
}

func (m *Metrics) expired(task string) {
	if m == nil {
		return
	}
	m.TasksExpired.WithLabelValues(task).Inc()
}

func (m *Metrics) rejected(reason string) {
	if m == nil {
		return
	}
	m.TasksRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) inFlight(delta float64) {
	if m == nil {
		return
	}
	m.TasksInFlight.Add(delta)
}
