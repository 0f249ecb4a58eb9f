package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petal-labs/stepflow/bus"
	"github.com/petal-labs/stepflow/engine"
	"github.com/petal-labs/stepflow/flowgraph"
	"github.com/petal-labs/stepflow/routing"
	"github.com/petal-labs/stepflow/runstate"
	"github.com/petal-labs/stepflow/store"
)

// Sentinel kernel errors surfaced to callers of Tick/Run.
var (
	ErrIllegalTransition = errors.New("kernel: illegal status transition")
	ErrUnknownNode       = errors.New("kernel: current node does not resolve to a graph node or injected station")
)

// control holds the two external signals a Kernel honors at its next safe
// point: pause and cancel. Protected by
// its own mutex since these are set from a different goroutine than the one
// ticking (the control API caller vs. the run's single worker).
type control struct {
	pauseRequested  bool
	cancelRequested bool
}

// Tick runs exactly one boundary of the kernel's loop: execute the
// current node (unless a pause/cancel is honored first), route,
// apply the decision, checkpoint. Returns done=true when the run has
// reached a terminal status or is paused and the caller should stop
// ticking.
func (k *Kernel) Tick(ctx context.Context) (done bool, err error) {
	if k.rs.Status.Terminal() {
		return true, nil
	}

	k.ctrlMu.Lock()
	cancel := k.ctrl.cancelRequested
	pause := k.ctrl.pauseRequested
	k.ctrlMu.Unlock()

	if cancel {
		k.rs.Status = runstate.StatusCancelled
		k.rs.UpdatedAt = k.cfg.Clock()
		k.emit(bus.KindRunCancelled, k.rs.CurrentNodeID, nil)
		if err := k.checkpoint(); err != nil {
			return true, err
		}
		return true, nil
	}

	if pause && k.rs.Status == runstate.StatusRunning {
		k.rs.Status = runstate.StatusPaused
		k.rs.UpdatedAt = k.cfg.Clock()
		k.emit(bus.KindRunPaused, k.rs.CurrentNodeID, nil)
		if err := k.checkpoint(); err != nil {
			return true, err
		}
		return true, nil
	}

	if k.rs.Status == runstate.StatusPaused {
		return true, nil
	}

	if k.rs.Status == runstate.StatusCreated {
		k.rs.Status = runstate.StatusRunning
		k.emit(bus.KindRunStarted, k.rs.CurrentNodeID, nil)
	}

	node, err := k.resolveNode(k.rs.CurrentNodeID)
	if err != nil {
		k.rs.Status = runstate.StatusFailed
		k.rs.UpdatedAt = k.cfg.Clock()
		k.emit(bus.KindStepError, k.rs.CurrentNodeID, map[string]any{"error": err.Error()})
		_ = k.checkpoint()
		return true, err
	}

	var result runstate.NodeResult
	skipped := false

	if resp, stop := k.consultStepController(ctx, node, stepPointBeforeNode, nil); stop {
		if resp.Action == StepActionAbort {
			return k.abortOnStepDecision()
		}
		// StepActionSkip: bypass the engine entirely; route as if the node
		// produced a neutral, UNVERIFIED result.
		skipped = true
		result = runstate.NodeResult{
			Status:   runstate.NodeSkipped,
			Envelope: runstate.Envelope{VerificationStatus: runstate.VerificationUnverified},
		}
	}

	k.rs.IterationCounts[node.ID]++
	k.rs.StepCount++

	if !skipped {
		k.emit(bus.KindStepStart, node.ID, nil)

		nodeStart := k.cfg.Clock()
		spanCtx, endSpan := k.cfg.Tracer.StartNode(ctx, k.rs.RunID, node.ID)
		var execErr error
		result, execErr = k.executeNode(spanCtx, node)
		elapsed := k.cfg.Clock().Sub(nodeStart)
		endSpan(execErr)
		k.cfg.Meter.RecordNodeExecution(ctx, node.ID, elapsed.Seconds(), execErr != nil || result.Status == runstate.NodeFailed)

		if execErr != nil {
			result = runstate.NodeResult{
				Status:  runstate.NodeFailed,
				Receipt: runstate.Receipt{ErrorKind: classifyEngineError(execErr)},
			}
			k.emit(bus.KindStepError, node.ID, map[string]any{"error": execErr.Error()})
		} else {
			k.emit(bus.KindStepEnd, node.ID, map[string]any{
				"status":              string(result.Status),
				"verification_status": string(result.Envelope.VerificationStatus),
				"confidence":           result.Envelope.Confidence,
			})
		}

		if resp, stop := k.consultStepController(ctx, node, stepPointAfterNode, &result); stop && resp.Action == StepActionAbort {
			return k.abortOnStepDecision()
		}
	}

	k.rs.LastEnvelope = &result.Envelope

	if pendingEdgeID := k.rs.PendingTerminalEdgeID; pendingEdgeID != "" {
		return k.finalizePendingTerminal(pendingEdgeID, result)
	}

	if result.Status == runstate.NodeFailed && k.onInjectedNode(node.ID) {
		// Failures inside an injected node do not auto-pop; the run pauses
		// with needs_human=true for an operator decision.
		k.rs.Status = runstate.StatusPaused
		k.rs.NeedsHumanOverride = true
		k.rs.UpdatedAt = k.cfg.Clock()
		k.emit(bus.KindRunPaused, node.ID, map[string]any{"reason": "injected_node_failed"})
		if err := k.checkpoint(); err != nil {
			return true, err
		}
		return true, nil
	}

	candidates := routing.GenerateCandidates(k.cfg.Graph, node.ID, &result, k.rs)

	routeCtx, endRouteSpan := k.cfg.Tracer.StartRoute(ctx, k.rs.RunID, node.ID)
	decision, err := k.router.Route(routeCtx, k.cfg.Graph, node, candidates, k.rs, &result)
	if err != nil {
		endRouteSpan("", "")
		return true, fmt.Errorf("kernel: routing: %w", err)
	}
	endRouteSpan(string(decision.DecisionType), decision.ReasonCode)

	if k.rs.NeedsHumanOverride {
		decision.NeedsHuman = true
		k.rs.NeedsHumanOverride = false
	}

	k.rs.LastRoutingAudit = decision
	k.emit(bus.KindRoutingDecision, node.ID, routingDecisionPayload(decision))
	if isOffroad(candidates, decision) {
		k.emit(bus.KindRoutingOffroad, node.ID, routingDecisionPayload(decision))
	}

	applyDone, applyErr := k.applyDecision(node, decision)
	if applyErr != nil {
		return true, applyErr
	}

	if err := k.checkpoint(); err != nil {
		k.rs.Status = runstate.StatusFailed
		return true, fmt.Errorf("%w: %v", store.ErrCheckpointFailed, err)
	}

	return applyDone, nil
}

// Run ticks the kernel forward until it reaches a terminal or paused
// status, the context is cancelled, or a tick returns an error.
func (k *Kernel) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		done, err := k.Tick(ctx)
		if err != nil {
			return err
		}
		if done {
			if k.rs.Status.Terminal() {
				runStart := k.rs.CreatedAt
				k.cfg.Meter.RecordRunCompletion(ctx, k.cfg.Clock().Sub(runStart).Seconds(), string(k.rs.Status))
				k.emit(bus.KindRunCompleted, k.rs.CurrentNodeID, map[string]any{"status": string(k.rs.Status)})
				_ = k.checkpoint()
			}
			return nil
		}
	}
}

// resolveNode finds the flowgraph.Node for id, or synthesizes one from an
// ad-hoc injected station.
func (k *Kernel) resolveNode(id string) (flowgraph.Node, error) {
	if n, ok := k.cfg.Graph.Node(id); ok {
		return n, nil
	}
	if st, ok := k.rs.InjectedStations[id]; ok {
		return flowgraph.Node{ID: id, Station: st}, nil
	}
	return flowgraph.Node{}, fmt.Errorf("%w: %q", ErrUnknownNode, id)
}

// finalizePendingTerminal runs once the target of a terminal-typed edge
// to a distinct, not-yet-executed node (B --terminal--> C) has just been
// ticked through the engine: it clears the deferred marker and finalizes
// Status without any further routing — a node with no outgoing edges gets
// no routing_decision, step_end is immediately followed by run_completed.
func (k *Kernel) finalizePendingTerminal(pendingEdgeID string, result runstate.NodeResult) (bool, error) {
	k.rs.PendingTerminalEdgeID = ""
	edge, ok := k.cfg.Graph.Edge(pendingEdgeID)
	if !ok {
		return true, fmt.Errorf("kernel: pending terminal edge %q does not exist", pendingEdgeID)
	}

	k.rs.UpdatedAt = k.cfg.Clock()
	if result.Status == runstate.NodeFailed {
		k.rs.Status = runstate.StatusFailed
	} else if _, err := k.maybeTerminal(edge); err != nil {
		return true, err
	}

	if err := k.checkpoint(); err != nil {
		k.rs.Status = runstate.StatusFailed
		return true, fmt.Errorf("%w: %v", store.ErrCheckpointFailed, err)
	}
	return true, nil
}

// onInjectedNode reports whether nodeID is the live top-of-stack injection.
func (k *Kernel) onInjectedNode(nodeID string) bool {
	top, ok := k.rs.Peek()
	return ok && top.InjectedNodeID == nodeID
}

func (k *Kernel) executeNode(ctx context.Context, node flowgraph.Node) (result runstate.NodeResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = runstate.NodeResult{}, fmt.Errorf("%w: panic: %v", engine.ErrEngineFailed, r)
		}
	}()
	nc := engine.NodeContext{
		RunID:     k.rs.RunID,
		NodeID:    node.ID,
		Station:   node.Station,
		Iteration: k.rs.IterationCounts[node.ID],
	}
	if k.rs.LastEnvelope != nil {
		nc.Envelope = *k.rs.LastEnvelope
	}
	result, err = k.cfg.Engine.Execute(ctx, nc)
	if err != nil && errors.Is(err, engine.ErrEngineTransient) {
		k.cfg.Logger.Warn("engine transient failure, retrying once", "node_id", node.ID, "run_id", k.rs.RunID)
		select {
		case <-time.After(transientRetryBackoff):
		case <-ctx.Done():
			return result, ctx.Err()
		}
		result, err = k.cfg.Engine.Execute(ctx, nc)
		if err != nil && errors.Is(err, engine.ErrEngineTransient) {
			// The single retry is exhausted: the failure surfaces as
			// EngineFailed, not transient.
			err = fmt.Errorf("%w: retry exhausted: %v", engine.ErrEngineFailed, err)
		}
	}
	return result, err
}

const transientRetryBackoff = 250 * time.Millisecond

func classifyEngineError(err error) string {
	switch {
	case errors.Is(err, engine.ErrEngineTimeout):
		return "ENGINE_TIMEOUT"
	case errors.Is(err, engine.ErrEngineTransient):
		return "ENGINE_TRANSIENT"
	default:
		return "ENGINE_FAILED"
	}
}

// applyDecision advances CurrentNodeID (or pushes/pops the interruption
// stack) according to decision, and sets a terminal Status when the chosen
// edge lands on a terminal node.
func (k *Kernel) applyDecision(node flowgraph.Node, decision *runstate.RouteDecision) (done bool, err error) {
	now := k.cfg.Clock()
	k.rs.UpdatedAt = now

	if decision.ChosenCandidateID == "" {
		// SAFETY_STEP_CAP, NO_CANDIDATES, or any abort path: partial unless
		// already failed by an upstream check.
		if k.rs.Status != runstate.StatusFailed {
			k.rs.Status = runstate.StatusPartial
		}
		return true, nil
	}

	if decision.ChosenCandidateID == routing.PopStackEdgeID {
		frame := k.rs.Pop()
		edge, ok := k.cfg.Graph.Edge(frame.ResumeEdgeID)
		if !ok {
			return true, fmt.Errorf("kernel: resume edge %q for popped frame does not exist", frame.ResumeEdgeID)
		}
		k.rs.CurrentNodeID = edge.To
		k.emit(bus.KindStackPop, node.ID, map[string]any{
			"injected_node_id": frame.InjectedNodeID,
			"origin_node_id":   frame.OriginNodeID,
			"resume_to":        edge.To,
		})
		return k.landOn(edge)
	}

	edge, ok := k.cfg.Graph.Edge(decision.ChosenCandidateID)
	if !ok {
		return true, fmt.Errorf("kernel: chosen edge %q does not exist", decision.ChosenCandidateID)
	}

	if edge.Type == flowgraph.EdgeDetour && edge.InjectTarget != "" {
		frame := runstate.StackFrame{
			InjectedNodeID: edge.InjectTarget,
			OriginNodeID:   node.ID,
			ResumeEdgeID:   edge.ID,
			InjectedBy:     runstate.InjectedByPolicy,
			CreatedAt:      now,
		}
		if err := k.rs.Push(frame, k.cfg.Graph.Policy.MaxStackDepth); err != nil {
			if errors.Is(err, runstate.ErrStackOverflow) {
				k.emit(bus.KindStackOverflowPrevented, node.ID, map[string]any{"injected_node_id": edge.InjectTarget})
				k.rs.NeedsHumanOverride = true
				k.rs.CurrentNodeID = edge.To
				return k.maybeTerminal(edge)
			}
			return true, err
		}
		k.rs.CurrentNodeID = edge.InjectTarget
		k.emit(bus.KindStackPush, node.ID, map[string]any{
			"injected_node_id": edge.InjectTarget,
			"origin_node_id":   node.ID,
			"resume_edge_id":   edge.ID,
		})
		return false, nil
	}

	k.rs.CurrentNodeID = edge.To
	return k.landOn(edge)
}

// landOn advances onto a chosen edge's target. A terminal-typed edge only
// finalizes Status immediately when To == From (the b->b self-loop
// convention, where the target node already executed earlier this same
// tick); otherwise the target is a distinct, not-yet-executed node and
// finalization is deferred via PendingTerminalEdgeID until that node has
// run through the engine on the next Tick (finalizePendingTerminal).
func (k *Kernel) landOn(edge flowgraph.Edge) (bool, error) {
	if edge.Type != flowgraph.EdgeTerminal {
		return false, nil
	}
	if edge.To == edge.From {
		return k.maybeTerminal(edge)
	}
	k.rs.PendingTerminalEdgeID = edge.ID
	return false, nil
}

// maybeTerminal ends the run when the chosen edge is typed terminal,
// picking the final status from how the run got there.
func (k *Kernel) maybeTerminal(edge flowgraph.Edge) (bool, error) {
	if edge.Type != flowgraph.EdgeTerminal {
		return false, nil
	}
	if k.rs.StepCount >= k.cfg.Graph.ResolvedMaxTotalSteps() {
		k.rs.Status = runstate.StatusPartial
	} else {
		k.rs.Status = runstate.StatusSucceeded
	}
	return true, nil
}

// isOffroad reports whether the chosen candidate was not the first,
// highest-priority generated candidate (candidates eliminated earlier in
// the chain still count; a pop_stack choice never does); such decisions
// additionally emit routing_offroad.
func isOffroad(candidates []routing.Candidate, decision *runstate.RouteDecision) bool {
	if len(candidates) == 0 {
		return false
	}
	return candidates[0].EdgeID != decision.ChosenCandidateID && decision.ChosenCandidateID != routing.PopStackEdgeID
}

func routingDecisionPayload(d *runstate.RouteDecision) map[string]any {
	alts := make([]map[string]any, 0, len(d.CandidatesConsidered))
	for _, a := range d.CandidatesConsidered {
		alts = append(alts, map[string]any{"edge_id": a.EdgeID, "eliminated_reason": a.EliminatedReason})
	}
	return map[string]any{
		"decision_type":        string(d.DecisionType),
		"reason_code":          d.ReasonCode,
		"reason_text":          d.ReasonText,
		"chosen_candidate_id":  d.ChosenCandidateID,
		"alternatives":         alts,
		"evaluated_conditions": d.EvaluatedConditions,
		"confidence":           d.Confidence,
		"tie_breaker_used":     d.TieBreakerUsed,
		"needs_human":          d.NeedsHuman,
	}
}

// emit stamps an event with the next sequence number and this run's clock,
// then appends it to the durable log (if configured) and publishes it to
// the bus (if configured). Seq is assigned and the log append happens
// before the bus publish, under the single per-run worker's exclusive
// ownership, so subscribers never observe an event the crash-recovery log
// does not also have.
func (k *Kernel) emit(kind bus.Kind, nodeID string, payload map[string]any) {
	k.seq++
	e := bus.Event{
		RunID:   k.rs.RunID,
		Seq:     k.seq,
		Kind:    kind,
		NodeID:  nodeID,
		Time:    k.cfg.Clock(),
		Payload: payload,
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	if k.cfg.Events != nil {
		if err := k.cfg.Events.Append(e); err != nil {
			k.cfg.Logger.Error("failed to append event", "run_id", k.rs.RunID, "kind", kind, "error", err)
		}
	}
	if k.cfg.Bus != nil {
		k.cfg.Bus.Publish(e)
	}
	if e.Payload["needs_human"] == true || kind == bus.KindStackOverflowPrevented {
		k.cfg.Logger.Warn("routing decision needs human attention", "run_id", k.rs.RunID, "kind", kind, "node_id", nodeID)
	} else {
		k.cfg.Logger.Debug("event emitted", "run_id", k.rs.RunID, "kind", kind, "node_id", nodeID, "seq", e.Seq)
	}
}

// checkpoint atomically persists the kernel's RunState. The kernel is the
// exclusive owner of a run's state, so it never supplies an expected
// etag — only external API writers do.
func (k *Kernel) checkpoint() error {
	if k.cfg.States == nil {
		return nil
	}
	if _, err := k.cfg.States.Save(k.rs.RunID, k.rs, ""); err != nil {
		k.cfg.Logger.Error("checkpoint failed", "run_id", k.rs.RunID, "error", err)
		return err
	}
	return nil
}
