package api

import (
	"context"
	"testing"
	"time"

	"github.com/petal-labs/stepflow/bus"
	"github.com/petal-labs/stepflow/engine"
	"github.com/petal-labs/stepflow/flowgraph"
	"github.com/petal-labs/stepflow/runstate"
	"github.com/petal-labs/stepflow/store"
)

func singleNodeGraph(t *testing.T) *flowgraph.Graph {
	t.Helper()
	g, err := flowgraph.NewBuilder("single", "1").
		AddNode(flowgraph.Node{ID: "A", IsStart: true}).
		AddEdge(flowgraph.Edge{ID: "e1", From: "A", To: "A", Type: flowgraph.EdgeTerminal}).
		SetEntry("A").
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return g
}

func verifiedAdapter() engine.Adapter {
	return engine.AdapterFunc(func(_ context.Context, _ engine.NodeContext) (runstate.NodeResult, error) {
		return runstate.NodeResult{
			Status:   runstate.NodeSucceeded,
			Envelope: runstate.Envelope{VerificationStatus: runstate.VerificationVerified, Confidence: 1.0},
		}, nil
	})
}

// TestListRunsRecoversFromEventIndex covers the gap ListRuns' doc comment
// names: once a run's kernel drops out of m.kernels, it must still show up
// via the EventStore-backed index as long as cfg.States still has its
// run_state.
func TestListRunsRecoversFromEventIndex(t *testing.T) {
	states := store.NewFileRunStateStore(t.TempDir())
	eventBus := bus.NewMemBus(bus.MemBusConfig{})
	index := bus.NewMemEventStore()

	m := NewManager(Config{
		Engine:     verifiedAdapter(),
		States:     states,
		Bus:        eventBus,
		EventStore: index,
	})

	g := singleNodeGraph(t)
	m.RegisterFlow(g.ID, g)

	runID, _, err := m.CreateRun(g.ID, nil)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	k, ok := m.kernelFor(runID)
	if !ok {
		t.Fatalf("kernel for %q not found", runID)
	}
	if err := k.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Give the background index subscriber a moment to drain the bus.
	deadline := time.Now().Add(time.Second)
	for {
		ids, _ := index.RunIDs(context.Background())
		if len(ids) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for run index to observe the run")
		}
		time.Sleep(time.Millisecond)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate the kernel having dropped out of this process (e.g. after a
	// restart): remove it from the live map directly.
	m.mu.Lock()
	delete(m.kernels, runID)
	m.mu.Unlock()

	summaries := m.ListRuns(ListFilter{})
	if len(summaries) != 1 {
		t.Fatalf("ListRuns = %v, want 1 recovered summary", summaries)
	}
	if summaries[0].RunID != runID {
		t.Errorf("RunID = %q, want %q", summaries[0].RunID, runID)
	}
	if summaries[0].Status != runstate.StatusSucceeded {
		t.Errorf("Status = %q, want succeeded", summaries[0].Status)
	}
}
