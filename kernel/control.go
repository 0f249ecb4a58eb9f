package kernel

import (
	"errors"
	"fmt"

	"github.com/petal-labs/stepflow/bus"
	"github.com/petal-labs/stepflow/flowgraph"
	"github.com/petal-labs/stepflow/runstate"
)

// RequestPause asks the kernel to honor a pause at its next Tick. Safe to
// call from any goroutine.
func (k *Kernel) RequestPause() {
	k.ctrlMu.Lock()
	k.ctrl.pauseRequested = true
	k.ctrlMu.Unlock()
}

// RequestCancel asks the kernel to honor a cancel at its next Tick.
func (k *Kernel) RequestCancel() {
	k.ctrlMu.Lock()
	k.ctrl.cancelRequested = true
	k.ctrlMu.Unlock()
}

// Resume transitions a paused run back to running and clears the pause
// flag, emitting run_resumed. Returns ErrIllegalTransition if the run is
// not currently paused.
func (k *Kernel) Resume() error {
	if k.rs.Status != runstate.StatusPaused {
		return fmt.Errorf("%w: run %q is %s, not paused", ErrIllegalTransition, k.rs.RunID, k.rs.Status)
	}
	k.ctrlMu.Lock()
	k.ctrl.pauseRequested = false
	k.ctrlMu.Unlock()
	k.rs.Status = runstate.StatusRunning
	k.rs.UpdatedAt = k.cfg.Clock()
	k.emit(bus.KindRunResumed, k.rs.CurrentNodeID, nil)
	return k.checkpoint()
}

// InjectNode pushes an ad-hoc station onto the interruption stack to run
// before the edge identified by resumeEdgeID is taken. resumeEdgeID must
// be an edge whose From is the run's current node: the kernel only
// detours off the path it is actually about to take.
func (k *Kernel) InjectNode(nodeID string, station flowgraph.StationTemplate, resumeEdgeID string, injectedBy runstate.InjectedBy) error {
	edge, ok := k.cfg.Graph.Edge(resumeEdgeID)
	if !ok || edge.From != k.rs.CurrentNodeID {
		return fmt.Errorf("kernel: inject_node: resume edge %q does not originate at current node %q", resumeEdgeID, k.rs.CurrentNodeID)
	}

	frame := runstate.StackFrame{
		InjectedNodeID: nodeID,
		OriginNodeID:   k.rs.CurrentNodeID,
		ResumeEdgeID:   resumeEdgeID,
		InjectedBy:     injectedBy,
		CreatedAt:      k.cfg.Clock(),
	}
	if err := k.rs.Push(frame, k.cfg.Graph.Policy.MaxStackDepth); err != nil {
		if errors.Is(err, runstate.ErrStackOverflow) {
			k.emit(bus.KindStackOverflowPrevented, k.rs.CurrentNodeID, map[string]any{"injected_node_id": nodeID})
			k.rs.NeedsHumanOverride = true
			_ = k.checkpoint()
			return err
		}
		return err
	}

	if k.rs.InjectedStations == nil {
		k.rs.InjectedStations = make(map[string]flowgraph.StationTemplate)
	}
	k.rs.InjectedStations[nodeID] = station
	k.rs.CurrentNodeID = nodeID
	k.rs.UpdatedAt = k.cfg.Clock()
	k.emit(bus.KindNodeInjected, nodeID, map[string]any{"origin_node_id": frame.OriginNodeID, "resume_edge_id": resumeEdgeID})
	k.emit(bus.KindStackPush, nodeID, map[string]any{"injected_node_id": nodeID, "origin_node_id": frame.OriginNodeID})
	return k.checkpoint()
}

// Interrupt pushes a nested detour flow onto the interruption stack. The
// nested flow is represented as a single opaque station whose StationRef
// names it — the engine adapter owns actually driving the nested flow to
// completion before reporting back a NodeResult, keeping the kernel's
// graph model non-recursive: nested work is an id plus a stack frame,
// never a direct object reference.
func (k *Kernel) Interrupt(detourFlowID, syntheticNodeID, resumeEdgeID string, injectedBy runstate.InjectedBy) error {
	station := flowgraph.StationTemplate{
		StationRef: "__nested_flow__",
		Parameters: map[string]any{"flow_id": detourFlowID},
	}
	if err := k.InjectNode(syntheticNodeID, station, resumeEdgeID, injectedBy); err != nil {
		return err
	}
	k.emit(bus.KindFlowInjected, syntheticNodeID, map[string]any{"detour_flow_id": detourFlowID})
	return nil
}

// StackDepth reports the current interruption stack depth.
func (k *Kernel) StackDepth() int {
	return k.rs.Depth()
}
