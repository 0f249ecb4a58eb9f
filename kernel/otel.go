package kernel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Tracer emits one span per node execution and per routing decision, the
// two tick phases with meaningful duration.
type Tracer interface {
	StartNode(ctx context.Context, runID, nodeID string) (context.Context, func(err error))
	StartRoute(ctx context.Context, runID, nodeID string) (context.Context, func(decisionType, reasonCode string))
}

// otelTracer is the real implementation, backed by an injected
// trace.Tracer; otel/sdk wiring happens at the process boundary, not
// here.
type otelTracer struct {
	tracer trace.Tracer
}

// NewTracer adapts an OpenTelemetry tracer to the kernel's Tracer surface.
func NewTracer(t trace.Tracer) Tracer {
	return otelTracer{tracer: t}
}

func (o otelTracer) StartNode(ctx context.Context, runID, nodeID string) (context.Context, func(err error)) {
	spanCtx, span := o.tracer.Start(ctx, "stepflow.node.execute",
		trace.WithAttributes(
			attribute.String("stepflow.run_id", runID),
			attribute.String("stepflow.node_id", nodeID),
		),
	)
	return spanCtx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func (o otelTracer) StartRoute(ctx context.Context, runID, nodeID string) (context.Context, func(decisionType, reasonCode string)) {
	spanCtx, span := o.tracer.Start(ctx, "stepflow.route",
		trace.WithAttributes(
			attribute.String("stepflow.run_id", runID),
			attribute.String("stepflow.node_id", nodeID),
		),
	)
	return spanCtx, func(decisionType, reasonCode string) {
		span.SetAttributes(
			attribute.String("stepflow.decision_type", decisionType),
			attribute.String("stepflow.reason_code", reasonCode),
		)
		span.End()
	}
}

type noopTracer struct{}

func (noopTracer) StartNode(ctx context.Context, _, _ string) (context.Context, func(error)) {
	return ctx, func(error) {}
}
func (noopTracer) StartRoute(ctx context.Context, _, _ string) (context.Context, func(string, string)) {
	return ctx, func(string, string) {}
}

// Metrics records the kernel's counters and histograms:
// stepflow.node.executions, stepflow.node.failures,
// stepflow.node.duration, stepflow.run.duration.
type Metrics interface {
	RecordNodeExecution(ctx context.Context, nodeID string, durationSeconds float64, failed bool)
	RecordRunCompletion(ctx context.Context, durationSeconds float64, status string)
}

type otelMetrics struct {
	nodeExecutions metric.Int64Counter
	nodeFailures   metric.Int64Counter
	nodeDuration   metric.Float64Histogram
	runDuration    metric.Float64Histogram
}

// NewMetrics builds a Metrics backed by the given OTel meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	nodeExec, err := meter.Int64Counter("stepflow.node.executions",
		metric.WithDescription("Number of node executions"))
	if err != nil {
		return nil, err
	}
	nodeFail, err := meter.Int64Counter("stepflow.node.failures",
		metric.WithDescription("Number of node execution failures"))
	if err != nil {
		return nil, err
	}
	nodeDur, err := meter.Float64Histogram("stepflow.node.duration",
		metric.WithDescription("Duration of node execution in seconds"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	runDur, err := meter.Float64Histogram("stepflow.run.duration",
		metric.WithDescription("Duration of a flow run in seconds"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &otelMetrics{nodeExecutions: nodeExec, nodeFailures: nodeFail, nodeDuration: nodeDur, runDuration: runDur}, nil
}

func (m *otelMetrics) RecordNodeExecution(ctx context.Context, nodeID string, durationSeconds float64, failed bool) {
	attrs := metric.WithAttributes(attribute.String("stepflow.node_id", nodeID))
	m.nodeExecutions.Add(ctx, 1, attrs)
	m.nodeDuration.Record(ctx, durationSeconds, attrs)
	if failed {
		m.nodeFailures.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordRunCompletion(ctx context.Context, durationSeconds float64, status string) {
	m.runDuration.Record(ctx, durationSeconds, metric.WithAttributes(attribute.String("stepflow.status", status)))
}

type noopMetrics struct{}

func (noopMetrics) RecordNodeExecution(context.Context, string, float64, bool) {}
func (noopMetrics) RecordRunCompletion(context.Context, float64, string)       {}
