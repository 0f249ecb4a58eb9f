// Package engine defines the narrow, opaque boundary the kernel crosses to
// run a station and to break routing ties. The kernel never calls a model
// or tool directly — engine.Adapter is the only component permitted to
// block on external I/O for extended periods. A caller-supplied
// implementation (backed by whatever model SDK the deployment wants) plugs
// in here; this package intentionally imports no model SDK.
package engine

import (
	"context"

	"github.com/petal-labs/stepflow/flowgraph"
	"github.com/petal-labs/stepflow/runstate"
)

// NodeContext carries everything the engine needs to run one station:
// the resolved template, prior artifacts, and cancellation via the
// standard context.Context.
type NodeContext struct {
	RunID     string
	NodeID    string
	Station   flowgraph.StationTemplate
	Envelope  runstate.Envelope // the most recent envelope, for prior-artifact lookups
	Iteration int
}

// Adapter is the single narrow operation the kernel calls per node tick.
// Any panic/error surfaces as NodeResult{Status: NodeFailed}; the kernel
// never inspects engine internals.
type Adapter interface {
	Execute(ctx context.Context, nc NodeContext) (runstate.NodeResult, error)
}

// AdapterFunc adapts a plain function to the Adapter interface.
type AdapterFunc func(ctx context.Context, nc NodeContext) (runstate.NodeResult, error)

func (f AdapterFunc) Execute(ctx context.Context, nc NodeContext) (runstate.NodeResult, error) {
	return f(ctx, nc)
}

// TieBreakCandidate is one surviving candidate edge id offered to the oracle.
type TieBreakCandidate struct {
	EdgeID string
	To     string
}

// TieBreakResult is the oracle's verdict. The oracle is constrained by
// contract to return an id present in the input set; the router rejects
// any other id.
type TieBreakResult struct {
	ChosenCandidateID string
	Confidence        float64
	Reason            string
}

// TieBreaker is the oracle the router consults only when more than one
// candidate survives every other priority-chain step.
type TieBreaker interface {
	TieBreak(ctx context.Context, candidates []TieBreakCandidate, budgetMS int) (TieBreakResult, error)
}

// TieBreakerFunc adapts a plain function to TieBreaker.
type TieBreakerFunc func(ctx context.Context, candidates []TieBreakCandidate, budgetMS int) (TieBreakResult, error)

func (f TieBreakerFunc) TieBreak(ctx context.Context, candidates []TieBreakCandidate, budgetMS int) (TieBreakResult, error) {
	return f(ctx, candidates, budgetMS)
}
