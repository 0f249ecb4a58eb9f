// Step-through debugging hook: an optional gate consulted before and
// after every node execution, with a continue/skip/abort vocabulary and a
// read-only RunState snapshot for inspection.
package kernel

import (
	"context"

	"github.com/petal-labs/stepflow/bus"
	"github.com/petal-labs/stepflow/flowgraph"
	"github.com/petal-labs/stepflow/runstate"
)

// StepPoint names one of the two suspension points a StepController is
// consulted at per node tick.
type StepPoint string

const (
	stepPointBeforeNode StepPoint = "before_node"
	stepPointAfterNode  StepPoint = "after_node"
)

// StepAction is the controller's verdict at a step point.
type StepAction string

const (
	StepActionContinue StepAction = "continue"
	StepActionSkip     StepAction = "skip"
	StepActionAbort    StepAction = "abort"
)

// StepRequest is the read-only snapshot handed to a StepController.
type StepRequest struct {
	RunID  string
	NodeID string
	Point  StepPoint
	// RunState is a snapshot at the time of the request; callers must not
	// retain or mutate it.
	RunState runstate.RunState
	// Result is set only for stepPointAfterNode.
	Result *runstate.NodeResult
}

// StepResponse is the controller's decision.
type StepResponse struct {
	Action StepAction
}

// StepController lets an operator pause before or after any node tick,
// inspect the run, and choose to continue, skip the node, or abort the
// run. It changes nothing about routing or persistence semantics — it is
// purely an additional gate at the kernel's existing suspension points.
type StepController interface {
	Step(ctx context.Context, req StepRequest) (StepResponse, error)
}

// StepControllerFunc adapts a plain function to StepController.
type StepControllerFunc func(ctx context.Context, req StepRequest) (StepResponse, error)

func (f StepControllerFunc) Step(ctx context.Context, req StepRequest) (StepResponse, error) {
	return f(ctx, req)
}

// consultStepController calls the configured StepController, if any, and
// reports whether its verdict is anything other than continue (skip or
// abort); the caller decides what that verdict means at its step point.
// stop=false means "continue" — the kernel proceeds with this node tick
// normally. A controller error is logged and treated as continue.
func (k *Kernel) consultStepController(ctx context.Context, node flowgraph.Node, point StepPoint, result *runstate.NodeResult) (StepResponse, bool) {
	if k.cfg.StepController == nil {
		return StepResponse{Action: StepActionContinue}, false
	}
	resp, err := k.cfg.StepController.Step(ctx, StepRequest{
		RunID:    k.rs.RunID,
		NodeID:   node.ID,
		Point:    point,
		RunState: *k.rs,
		Result:   result,
	})
	if err != nil {
		k.cfg.Logger.Warn("step controller error, continuing", "run_id", k.rs.RunID, "node_id", node.ID, "error", err)
		return StepResponse{Action: StepActionContinue}, false
	}
	return resp, resp.Action != StepActionContinue
}

// abortOnStepDecision ends the run as cancelled following a StepActionAbort
// verdict from a StepController.
func (k *Kernel) abortOnStepDecision() (bool, error) {
	k.rs.Status = runstate.StatusCancelled
	k.rs.UpdatedAt = k.cfg.Clock()
	k.emit(bus.KindRunCancelled, k.rs.CurrentNodeID, map[string]any{"reason": "step_controller_abort"})
	if err := k.checkpoint(); err != nil {
		return true, err
	}
	return true, nil
}
