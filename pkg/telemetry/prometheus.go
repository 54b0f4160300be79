package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nnennaai/nai/pkg/domain"
)

// SchedulerMetrics holds the Prometheus instruments for the task scheduler.
// One instance is shared by all execution instances of an engine.
type SchedulerMetrics struct {
	tasksTotal    *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	queueDepth    prometheus.Gauge
	workersBusy   prometheus.Gauge
	runsTotal     *prometheus.CounterVec
	breakerOpens  prometheus.Counter
	registry      *prometheus.Registry
}

// NewSchedulerMetrics creates and registers the scheduler metric set on a
// fresh registry.
func NewSchedulerMetrics() *SchedulerMetrics {
	registry := prometheus.NewRegistry()

	m := &SchedulerMetrics{
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nai_tasks_total",
				Help: "Task attempts by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nai_task_duration_seconds",
				Help:    "Task attempt latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "nai_ready_queue_depth",
				Help: "Tasks currently waiting in the ready queue",
			},
		),
		workersBusy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "nai_workers_busy",
				Help: "Workers currently executing a task",
			},
		),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nai_runs_total",
				Help: "Execution instances by terminal outcome",
			},
			[]string{"outcome"},
		),
		breakerOpens: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nai_breaker_opens_total",
				Help: "Circuit breaker open transitions",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.tasksTotal,
		m.taskDuration,
		m.queueDepth,
		m.workersBusy,
		m.runsTotal,
		m.breakerOpens,
	)
	return m
}

// ObserveTask records one completed task attempt.
func (m *SchedulerMetrics) ObserveTask(stage string, outcome domain.TaskOutcome, d time.Duration) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(stage, string(outcome)).Inc()
	if d > 0 {
		m.taskDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
}

// ObserveRun records one completed execution instance.
func (m *SchedulerMetrics) ObserveRun(outcome domain.RunOutcome) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(string(outcome)).Inc()
}

// SetQueueDepth updates the ready-queue gauge.
func (m *SchedulerMetrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// WorkerStarted marks one worker busy.
func (m *SchedulerMetrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.workersBusy.Inc()
}

// WorkerFinished marks one worker idle again.
func (m *SchedulerMetrics) WorkerFinished() {
	if m == nil {
		return
	}
	m.workersBusy.Dec()
}

// BreakerOpened records a circuit breaker opening.
func (m *SchedulerMetrics) BreakerOpened() {
	if m == nil {
		return
	}
	m.breakerOpens.Inc()
}

// Handler returns the /metrics endpoint for this registry, instrumented
// with otel HTTP spans.
func (m *SchedulerMetrics) Handler() http.Handler {
	promHandler := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return otelhttp.NewHandler(promHandler, "metrics")
}
