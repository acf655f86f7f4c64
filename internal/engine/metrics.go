package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rendis/stepflow/pkg/schema"
)

const meterName = "github.com/rendis/stepflow/internal/engine"

// engineMetrics records instance and step activity. Instruments come from the
// configured MeterProvider, which is a no-op unless the host installs one.
type engineMetrics struct {
	started      metric.Int64Counter
	transitions  metric.Int64Counter
	attempts     metric.Int64Counter
	stepDuration metric.Float64Histogram
}

func newEngineMetrics(provider metric.MeterProvider) *engineMetrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	// Instrument constructors only fail on invalid names; the returned
	// instrument is usable either way.
	started, _ := meter.Int64Counter("stepflow.instances.started",
		metric.WithDescription("Workflow instances started"))
	transitions, _ := meter.Int64Counter("stepflow.instances.transitions",
		metric.WithDescription("Instance status transitions by target status"))
	attempts, _ := meter.Int64Counter("stepflow.step.attempts",
		metric.WithDescription("Step execution attempts by step type and outcome"))
	stepDuration, _ := meter.Float64Histogram("stepflow.step.duration",
		metric.WithDescription("Step execution time including retries"),
		metric.WithUnit("s"))

	return &engineMetrics{
		started:      started,
		transitions:  transitions,
		attempts:     attempts,
		stepDuration: stepDuration,
	}
}

func (m *engineMetrics) instanceStarted(ctx context.Context, definitionID string) {
	m.started.Add(ctx, 1, metric.WithAttributes(attribute.String("definition_id", definitionID)))
}

// transitionHook adapts the metrics to an InstanceFSM hook.
func (m *engineMetrics) transitionHook(inst *schema.WorkflowInstance, from, to schema.InstanceStatus) {
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("definition_id", inst.DefinitionID),
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

func (m *engineMetrics) attempt(ctx context.Context, stepType schema.StepType, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step_type", string(stepType)),
		attribute.String("outcome", outcome),
	))
}

func (m *engineMetrics) stepFinished(ctx context.Context, stepType schema.StepType, status schema.StepStatus, elapsed time.Duration) {
	m.stepDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("step_type", string(stepType)),
		attribute.String("status", string(status)),
	))
}
