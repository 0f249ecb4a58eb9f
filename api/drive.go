package api

import (
	"context"
	"fmt"
)

// Drive runs runID's kernel forward until it reaches a terminal status, is
// paused, the context is cancelled, or a tick fails — the one logical
// worker a single run gets. Callers (cmd/stepflowctl's
// run command, or a daemon loop) invoke Drive once per attach; Pause/
// Cancel/InjectNode/Interrupt from another goroutine take effect at the
// next Tick boundary the running Drive call observes.
func (m *Manager) Drive(ctx context.Context, runID string) error {
	k, ok := m.kernelFor(runID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRun, runID)
	}
	if err := k.Run(ctx); err != nil {
		return fmt.Errorf("api: drive %q: %w", runID, err)
	}
	return nil
}
