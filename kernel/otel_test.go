package kernel

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/petal-labs/stepflow/flowgraph"
	"github.com/petal-labs/stepflow/store"
)

func twoStepGraph(t *testing.T) *flowgraph.Graph {
	t.Helper()
	g, err := flowgraph.NewBuilder("traced", "1").
		AddNode(flowgraph.Node{ID: "A", IsStart: true}).
		AddNode(flowgraph.Node{ID: "B"}).
		AddEdge(flowgraph.Edge{ID: "e1", From: "A", To: "B", Type: flowgraph.EdgeSequence}).
		AddEdge(flowgraph.Edge{ID: "e2", From: "B", To: "B", Type: flowgraph.EdgeTerminal}).
		SetEntry("A").
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return g
}

func TestTracerEmitsNodeAndRouteSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	g := twoStepGraph(t)
	k, err := CreateRun(Config{
		Graph:  g,
		Engine: verifiedAdapter(),
		States: store.NewFileRunStateStore(t.TempDir()),
		Tracer: NewTracer(tp.Tracer("test")),
	}, "run-traced", g.ID)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := k.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var nodeSpans, routeSpans int
	for _, span := range exporter.GetSpans() {
		switch span.Name {
		case "stepflow.node.execute":
			nodeSpans++
		case "stepflow.route":
			routeSpans++
		}
	}
	if nodeSpans != 2 {
		t.Fatalf("node spans = %d, want 2 (A and B)", nodeSpans)
	}
	if routeSpans != 2 {
		t.Fatalf("route spans = %d, want 2 (one per routing decision)", routeSpans)
	}
}

func TestMetricsRecordsNodeExecutions(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	metrics, err := NewMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	g := twoStepGraph(t)
	k, err := CreateRun(Config{
		Graph:  g,
		Engine: verifiedAdapter(),
		States: store.NewFileRunStateStore(t.TempDir()),
		Meter:  metrics,
	}, "run-metered", g.ID)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := k.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	var executions int64
	runDurations := 0
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch m.Name {
			case "stepflow.node.executions":
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					for _, dp := range sum.DataPoints {
						executions += dp.Value
					}
				}
			case "stepflow.run.duration":
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					runDurations = len(hist.DataPoints)
				}
			}
		}
	}
	if executions != 2 {
		t.Fatalf("node executions = %d, want 2", executions)
	}
	if runDurations == 0 {
		t.Fatal("run duration histogram never recorded")
	}
}
