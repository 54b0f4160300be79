package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nnennaai/nai/pkg/domain"
)

var (
	metricsOnce            sync.Once
	metricsInitErr         error
	taskAttemptCounter     metric.Int64Counter
	taskRetryCounter       metric.Int64Counter
	taskCircuitOpenCounter metric.Int64Counter
	taskTimeoutCounter     metric.Int64Counter
	taskLatencyHistogram   metric.Float64Histogram
)

// TaskMetrics captures the fields needed to record one task attempt.
type TaskMetrics struct {
	RunID    string
	Stage    string
	Adapter  string
	Outcome  domain.TaskOutcome
	Kind     domain.FailureKind
	Duration time.Duration
	Retries  int
}

// RecordTaskMetrics emits counters and a latency histogram describing task
// execution behaviour.
func RecordTaskMetrics(ctx context.Context, m TaskMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("stage.name", m.Stage),
		attribute.String("adapter.name", m.Adapter),
		attribute.String("task.outcome", string(m.Outcome)),
	}
	if m.Kind != "" {
		attrs = append(attrs, attribute.String("task.error_kind", string(m.Kind)))
	}

	taskAttemptCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if m.Duration > 0 {
		taskLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
	if m.Retries > 0 {
		taskRetryCounter.Add(ctx, int64(m.Retries), metric.WithAttributes(attrs...))
	}

	switch m.Kind {
	case domain.KindCircuitOpen:
		taskCircuitOpenCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	case domain.KindTimeout:
		taskTimeoutCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("nai.pipeline")

		taskAttemptCounter, metricsInitErr = meter.Int64Counter(
			"nai.task.attempts_total",
			metric.WithDescription("Task attempts partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		taskRetryCounter, metricsInitErr = meter.Int64Counter(
			"nai.task.retries_total",
			metric.WithDescription("Retry attempts performed by stage tasks"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		taskCircuitOpenCounter, metricsInitErr = meter.Int64Counter(
			"nai.task.circuit_open_total",
			metric.WithDescription("Task attempts rejected by an open circuit"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		taskTimeoutCounter, metricsInitErr = meter.Int64Counter(
			"nai.task.timeout_total",
			metric.WithDescription("Task attempts that exceeded their deadline"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		taskLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"nai.task.duration_ms",
			metric.WithDescription("Task attempt latency"),
			metric.WithUnit("ms"),
		)
	})
	return metricsInitErr
}
