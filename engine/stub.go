package engine

import (
	"context"

	"github.com/petal-labs/stepflow/runstate"
)

// StubAdapter is a deterministic Adapter+TieBreaker implementation: every
// node execution succeeds and reports VERIFIED, and every tie is broken by
// taking the first offered candidate. It has no business calling a real
// model; it exists for local dry-runs, fixtures, and determinism tests
// where the actual per-station behavior comes from a caller-supplied
// AdapterFunc instead.
type StubAdapter struct{}

// Execute always reports a successful, VERIFIED result with no artifacts.
func (StubAdapter) Execute(_ context.Context, _ NodeContext) (runstate.NodeResult, error) {
	return runstate.NodeResult{
		Status: runstate.NodeSucceeded,
		Envelope: runstate.Envelope{
			VerificationStatus: runstate.VerificationVerified,
			Confidence:         1.0,
		},
	}, nil
}

// TieBreak always chooses the first candidate offered, deterministically.
func (StubAdapter) TieBreak(_ context.Context, candidates []TieBreakCandidate, _ int) (TieBreakResult, error) {
	if len(candidates) == 0 {
		return TieBreakResult{}, ErrOracleUnavailable
	}
	return TieBreakResult{ChosenCandidateID: candidates[0].EdgeID, Confidence: 1.0, Reason: "stub: first candidate"}, nil
}
