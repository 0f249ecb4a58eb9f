package routing

import (
	"context"
	"testing"
	"time"

	"github.com/petal-labs/stepflow/engine"
	"github.com/petal-labs/stepflow/flowgraph"
	"github.com/petal-labs/stepflow/runstate"
)

func buildLinearGraph(t *testing.T) *flowgraph.Graph {
	t.Helper()
	b := flowgraph.NewBuilder("g1", "1")
	b.AddNode(flowgraph.Node{ID: "A", IsStart: true})
	b.AddNode(flowgraph.Node{ID: "B"})
	b.AddNode(flowgraph.Node{ID: "Z"})
	b.AddEdge(flowgraph.Edge{ID: "e1", From: "A", To: "B", Type: flowgraph.EdgeSequence})
	b.AddEdge(flowgraph.Edge{ID: "e2", From: "B", To: "Z", Type: flowgraph.EdgeTerminal})
	b.SetEntry("A")
	g, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return g
}

func TestRouteSingleSurvivor(t *testing.T) {
	g := buildLinearGraph(t)
	rs := runstate.New("r1", "g1", "A", time.Now())
	node, _ := g.Node("A")
	candidates := GenerateCandidates(g, "A", nil, rs)

	r := NewRouter(g.Policy, nil)
	decision, err := r.Route(context.Background(), g, node, candidates, rs, nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.ChosenCandidateID != "e1" {
		t.Fatalf("chosen = %q, want e1", decision.ChosenCandidateID)
	}
	if decision.DecisionType != runstate.DecisionDeterministic {
		t.Fatalf("decision type = %v", decision.DecisionType)
	}
}

func TestRouteSingleTerminalCandidate(t *testing.T) {
	g := buildLinearGraph(t)
	rs := runstate.New("r1", "g1", "B", time.Now())
	node, _ := g.Node("B")
	candidates := GenerateCandidates(g, "B", nil, rs)

	r := NewRouter(g.Policy, nil)
	decision, err := r.Route(context.Background(), g, node, candidates, rs, nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.ChosenCandidateID != "e2" || decision.ReasonCode != ReasonSingleTerminal {
		t.Fatalf("decision = %+v, want e2/%s", decision, ReasonSingleTerminal)
	}
}

func TestRouteSafetyStepCap(t *testing.T) {
	g := buildLinearGraph(t)
	rs := runstate.New("r1", "g1", "A", time.Now())
	rs.StepCount = g.ResolvedMaxTotalSteps()
	node, _ := g.Node("A")
	candidates := GenerateCandidates(g, "A", nil, rs)

	r := NewRouter(g.Policy, nil)
	decision, err := r.Route(context.Background(), g, node, candidates, rs, nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.ChosenCandidateID != "" || decision.ReasonCode != ReasonSafetyStepCap || !decision.NeedsHuman {
		t.Fatalf("decision = %+v, want step-cap abort", decision)
	}
}

func buildMicroloopGraph(t *testing.T) *flowgraph.Graph {
	t.Helper()
	b := flowgraph.NewBuilder("g2", "1")
	b.AddNode(flowgraph.Node{ID: "Draft", IsStart: true})
	b.AddNode(flowgraph.Node{ID: "Verify", MaxIterations: 3})
	b.AddNode(flowgraph.Node{ID: "Z"})
	b.AddEdge(flowgraph.Edge{ID: "to_verify", From: "Draft", To: "Verify", Type: flowgraph.EdgeSequence})
	b.AddEdge(flowgraph.Edge{ID: "loop_back", From: "Verify", To: "Draft", Type: flowgraph.EdgeLoop, Priority: 10})
	b.AddEdge(flowgraph.Edge{ID: "to_done", From: "Verify", To: "Z", Type: flowgraph.EdgeTerminal, Priority: 1})
	b.SetEntry("Draft")
	g, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return g
}

func TestRouteMicroloopExitsOnVerified(t *testing.T) {
	g := buildMicroloopGraph(t)
	rs := runstate.New("r1", "g2", "Verify", time.Now())
	node, _ := g.Node("Verify")
	result := &runstate.NodeResult{
		Status:   runstate.NodeSucceeded,
		Envelope: runstate.Envelope{VerificationStatus: runstate.VerificationVerified},
	}
	candidates := GenerateCandidates(g, "Verify", result, rs)

	r := NewRouter(g.Policy, nil)
	decision, err := r.Route(context.Background(), g, node, candidates, rs, result)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.ChosenCandidateID != "to_done" {
		t.Fatalf("chosen = %q, want to_done (loop edge eliminated)", decision.ChosenCandidateID)
	}
	for _, alt := range decision.CandidatesConsidered {
		if alt.EdgeID == "loop_back" && alt.EliminatedReason != "verified" {
			t.Fatalf("loop_back elimination reason = %q, want verified", alt.EliminatedReason)
		}
	}
}

func TestRouteMicroloopExitsOnMaxIterations(t *testing.T) {
	g := buildMicroloopGraph(t)
	rs := runstate.New("r1", "g2", "Verify", time.Now())
	rs.IterationCounts["Verify"] = 3
	node, _ := g.Node("Verify")
	result := &runstate.NodeResult{
		Status:   runstate.NodeSucceeded,
		Envelope: runstate.Envelope{VerificationStatus: runstate.VerificationUnverified, CanFurtherIterationHelp: true},
	}
	candidates := GenerateCandidates(g, "Verify", result, rs)

	r := NewRouter(g.Policy, nil)
	decision, err := r.Route(context.Background(), g, node, candidates, rs, result)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.ChosenCandidateID != "to_done" {
		t.Fatalf("chosen = %q, want to_done on max-iterations exit", decision.ChosenCandidateID)
	}
}

func buildEdgeConditionGraph(t *testing.T) *flowgraph.Graph {
	t.Helper()
	b := flowgraph.NewBuilder("g3", "1")
	b.AddNode(flowgraph.Node{ID: "Check", IsStart: true})
	b.AddNode(flowgraph.Node{ID: "Pass"})
	b.AddNode(flowgraph.Node{ID: "Fail"})
	b.AddEdge(flowgraph.Edge{ID: "ok", From: "Check", To: "Pass", Type: flowgraph.EdgeBranch, Priority: 2, Condition: `confidence > 0.5`})
	b.AddEdge(flowgraph.Edge{ID: "bad", From: "Check", To: "Fail", Type: flowgraph.EdgeBranch, Priority: 1, Condition: `confidence <= 0.5`})
	b.AddEdge(flowgraph.Edge{ID: "done_pass", From: "Pass", To: "Pass", Type: flowgraph.EdgeTerminal})
	b.AddEdge(flowgraph.Edge{ID: "done_fail", From: "Fail", To: "Fail", Type: flowgraph.EdgeTerminal})
	b.SetEntry("Check")
	g, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return g
}

func TestRouteEdgeConditionTrue(t *testing.T) {
	g := buildEdgeConditionGraph(t)
	rs := runstate.New("r1", "g3", "Check", time.Now())
	node, _ := g.Node("Check")
	result := &runstate.NodeResult{Envelope: runstate.Envelope{Confidence: 0.9}}
	candidates := GenerateCandidates(g, "Check", result, rs)

	r := NewRouter(g.Policy, nil)
	decision, err := r.Route(context.Background(), g, node, candidates, rs, result)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.ChosenCandidateID != "ok" {
		t.Fatalf("chosen = %q, want ok", decision.ChosenCandidateID)
	}
}

func TestRouteEdgeConditionFallsToOther(t *testing.T) {
	g := buildEdgeConditionGraph(t)
	rs := runstate.New("r1", "g3", "Check", time.Now())
	node, _ := g.Node("Check")
	result := &runstate.NodeResult{Envelope: runstate.Envelope{Confidence: 0.1}}
	candidates := GenerateCandidates(g, "Check", result, rs)

	r := NewRouter(g.Policy, nil)
	decision, err := r.Route(context.Background(), g, node, candidates, rs, result)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.ChosenCandidateID != "bad" {
		t.Fatalf("chosen = %q, want bad", decision.ChosenCandidateID)
	}
}

func buildBranchGraph(t *testing.T) *flowgraph.Graph {
	t.Helper()
	b := flowgraph.NewBuilder("g4", "1")
	b.AddNode(flowgraph.Node{ID: "Check", IsStart: true})
	b.AddNode(flowgraph.Node{ID: "X"})
	b.AddNode(flowgraph.Node{ID: "Y"})
	b.AddEdge(flowgraph.Edge{ID: "to_x", From: "Check", To: "X", Type: flowgraph.EdgeBranch, Priority: 5})
	b.AddEdge(flowgraph.Edge{ID: "to_y", From: "Check", To: "Y", Type: flowgraph.EdgeBranch, Priority: 1})
	b.AddEdge(flowgraph.Edge{ID: "done_x", From: "X", To: "X", Type: flowgraph.EdgeTerminal})
	b.AddEdge(flowgraph.Edge{ID: "done_y", From: "Y", To: "Y", Type: flowgraph.EdgeTerminal})
	b.SetEntry("Check")
	g, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return g
}

func TestRouteTieBreakerSuccess(t *testing.T) {
	g := buildBranchGraph(t)
	rs := runstate.New("r1", "g4", "Check", time.Now())
	node, _ := g.Node("Check")
	candidates := GenerateCandidates(g, "Check", nil, rs)

	oracle := engine.TieBreakerFunc(func(ctx context.Context, cands []engine.TieBreakCandidate, budgetMS int) (engine.TieBreakResult, error) {
		return engine.TieBreakResult{ChosenCandidateID: "to_y", Confidence: 0.95, Reason: "oracle picked y"}, nil
	})
	r := NewRouter(g.Policy, oracle)
	decision, err := r.Route(context.Background(), g, node, candidates, rs, nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.ChosenCandidateID != "to_y" || !decision.TieBreakerUsed {
		t.Fatalf("decision = %+v, want to_y via tie-breaker", decision)
	}
}

func TestRouteTieBreakerFailureFallsBackToPriority(t *testing.T) {
	g := buildBranchGraph(t)
	rs := runstate.New("r1", "g4", "Check", time.Now())
	node, _ := g.Node("Check")
	candidates := GenerateCandidates(g, "Check", nil, rs)

	oracle := engine.TieBreakerFunc(func(ctx context.Context, cands []engine.TieBreakCandidate, budgetMS int) (engine.TieBreakResult, error) {
		return engine.TieBreakResult{}, engine.ErrOracleUnavailable
	})
	r := NewRouter(g.Policy, oracle)
	decision, err := r.Route(context.Background(), g, node, candidates, rs, nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.ChosenCandidateID != "to_x" || !decision.NeedsHuman {
		t.Fatalf("decision = %+v, want to_x/needs_human on oracle failure", decision)
	}
}

func TestRoutePopStackAlwaysWins(t *testing.T) {
	g := buildLinearGraph(t)
	rs := runstate.New("r1", "g1", "B", time.Now())
	if err := rs.Push(runstate.StackFrame{InjectedNodeID: "B", OriginNodeID: "A", ResumeEdgeID: "e1"}, 3); err != nil {
		t.Fatalf("push: %v", err)
	}
	node, _ := g.Node("B")
	candidates := GenerateCandidates(g, "B", nil, rs)
	if len(candidates) != 1 || candidates[0].EdgeID != PopStackEdgeID {
		t.Fatalf("candidates = %+v, want single pop_stack", candidates)
	}

	r := NewRouter(g.Policy, nil)
	decision, err := r.Route(context.Background(), g, node, candidates, rs, nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.ReasonCode != ReasonPopStack {
		t.Fatalf("reason = %q, want %q", decision.ReasonCode, ReasonPopStack)
	}
}

func TestRouteAuditCompleteness(t *testing.T) {
	g := buildBranchGraph(t)
	rs := runstate.New("r1", "g4", "Check", time.Now())
	node, _ := g.Node("Check")
	candidates := GenerateCandidates(g, "Check", nil, rs)

	r := NewRouter(g.Policy, nil) // no oracle: falls back deterministically
	decision, err := r.Route(context.Background(), g, node, candidates, rs, nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	seen := map[string]bool{decision.ChosenCandidateID: true}
	for _, alt := range decision.CandidatesConsidered {
		seen[alt.EdgeID] = true
	}
	for _, c := range candidates {
		if !seen[c.EdgeID] {
			t.Fatalf("candidate %q missing from chosen+considered union", c.EdgeID)
		}
	}
}
