package api

import (
	"errors"
	"fmt"

	"github.com/petal-labs/stepflow/flowgraph"
	"github.com/petal-labs/stepflow/kernel"
	"github.com/petal-labs/stepflow/runstate"
	"github.com/petal-labs/stepflow/store"
)

// checkEtag rejects a stale write without mutating anything: a Conflict
// leaves no trace in run state. It compares against the last
// committed run_state, not the in-process kernel's live RunState, since a
// concurrent writer may have already advanced the committed document past
// what this caller last read.
func (m *Manager) checkEtag(runID, etag string) error {
	if etag == "" {
		return nil
	}
	_, committed, err := m.cfg.States.Load(runID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownRun, err)
	}
	if committed != etag {
		return fmt.Errorf("%w: run %q", ErrConflict, runID)
	}
	return nil
}

func (m *Manager) checkpointEtag(runID string, rs *runstate.RunState) (string, error) {
	etag, err := m.cfg.States.Save(runID, rs, "")
	if err != nil {
		return "", fmt.Errorf("api: checkpoint: %w", err)
	}
	return etag, nil
}

// Pause implements the pause(run_id, etag) control verb. The flag is
// honored at the run's next Tick; callers that
// need the post-pause etag should follow with GetState once the driving
// goroutine (Drive) reports done.
func (m *Manager) Pause(runID, etag string) (string, error) {
	if err := m.checkEtag(runID, etag); err != nil {
		return "", err
	}
	k, ok := m.kernelFor(runID)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRun, runID)
	}
	k.RequestPause()
	return m.checkpointEtag(runID, k.RunState())
}

// Resume implements the resume(run_id, etag) control verb: unpauses an
// already-attached run. Use Reclaim first if the run isn't currently
// in-process.
func (m *Manager) Resume(runID, etag string) (string, error) {
	if err := m.checkEtag(runID, etag); err != nil {
		return "", err
	}
	k, ok := m.kernelFor(runID)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRun, runID)
	}
	if err := k.Resume(); err != nil {
		if errors.Is(err, kernel.ErrIllegalTransition) {
			return "", fmt.Errorf("%w: %v", ErrIllegalTransition, err)
		}
		return "", err
	}
	_, newEtag, loadErr := m.cfg.States.Load(runID)
	if loadErr != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownRun, loadErr)
	}
	return newEtag, nil
}

// Cancel implements the cancel(run_id, etag) control verb.
func (m *Manager) Cancel(runID, etag string) (string, error) {
	if err := m.checkEtag(runID, etag); err != nil {
		return "", err
	}
	k, ok := m.kernelFor(runID)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRun, runID)
	}
	k.RequestCancel()
	return m.checkpointEtag(runID, k.RunState())
}

// InjectNode implements the inject_node(run_id, etag, node_spec,
// position) control verb. Only position=before_next is supported directly
// by the kernel's InjectNode (a detour taken before resumeEdgeID);
// position=after_current has no distinct graph-edge anchor in this model
// and is rejected as InvalidSpec — there is no edge to anchor an
// after-current detour to until the router has already chosen one.
func (m *Manager) InjectNode(runID, etag, nodeID string, station flowgraph.StationTemplate, position, resumeEdgeID string, injectedBy runstate.InjectedBy) (string, error) {
	if position != "before_next" {
		return "", fmt.Errorf("%w: position %q not supported", ErrInvalidSpec, position)
	}
	if err := m.checkEtag(runID, etag); err != nil {
		return "", err
	}
	k, ok := m.kernelFor(runID)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRun, runID)
	}
	if err := k.InjectNode(nodeID, station, resumeEdgeID, injectedBy); err != nil {
		return "", translateStackErr(err)
	}
	_, newEtag, loadErr := m.cfg.States.Load(runID)
	if loadErr != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownRun, loadErr)
	}
	return newEtag, nil
}

// Interrupt implements the interrupt(run_id, etag, detour_flow_id,
// resume_after) control verb.
func (m *Manager) Interrupt(runID, etag, detourFlowID, syntheticNodeID, resumeEdgeID string, injectedBy runstate.InjectedBy) (string, error) {
	if err := m.checkEtag(runID, etag); err != nil {
		return "", err
	}
	k, ok := m.kernelFor(runID)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRun, runID)
	}
	if err := k.Interrupt(detourFlowID, syntheticNodeID, resumeEdgeID, injectedBy); err != nil {
		return "", translateStackErr(err)
	}
	_, newEtag, loadErr := m.cfg.States.Load(runID)
	if loadErr != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownRun, loadErr)
	}
	return newEtag, nil
}

func translateStackErr(err error) error {
	if errors.Is(err, runstate.ErrStackOverflow) {
		return fmt.Errorf("%w: %v", ErrStackOverflow, err)
	}
	if errors.Is(err, store.ErrCheckpointFailed) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
}
