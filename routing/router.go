package routing

import (
	"context"

	"github.com/petal-labs/stepflow/engine"
	"github.com/petal-labs/stepflow/expr"
	"github.com/petal-labs/stepflow/flowgraph"
	"github.com/petal-labs/stepflow/runstate"
)

// Reason codes emitted in RouteDecision.ReasonCode.
const (
	ReasonSafetyStepCap       = "SAFETY_STEP_CAP"
	ReasonSingleTerminal      = "SINGLE_TERMINAL_CANDIDATE"
	ReasonLoopExitVerified    = "LOOP_EXIT_VERIFIED"
	ReasonLoopExitMaxIters    = "LOOP_EXIT_MAX_ITERATIONS"
	ReasonLoopExitCannotHelp  = "LOOP_EXIT_CANNOT_ITERATE"
	ReasonLoopExitCondition   = "LOOP_EXIT_CONDITION"
	ReasonExplicitHint        = "EXPLICIT_HINT"
	ReasonEdgeConditionTrue   = "EDGE_CONDITION_TRUE"
	ReasonSingleSurvivor      = "SINGLE_SURVIVOR"
	ReasonTieBreakerChosen    = "TIE_BREAKER_CHOSEN"
	ReasonOracleInvalidChoice = "OracleInvalidChoice"
	ReasonOracleUnavailable   = "OracleUnavailable"
	ReasonPopStack            = "POP_STACK"
)

// Router evaluates the routing priority chain: hard constraints first,
// the external tie-breaker oracle last.
type Router struct {
	TieBreaker                   engine.TieBreaker
	TiebreakerConfidenceThreshold float64
	TiebreakerTimeoutMS           int
}

// NewRouter builds a Router from a graph's policy.
func NewRouter(policy flowgraph.Policy, tb engine.TieBreaker) *Router {
	return &Router{
		TieBreaker:                    tb,
		TiebreakerConfidenceThreshold: policy.TiebreakerConfidenceThreshold,
		TiebreakerTimeoutMS:           policy.TiebreakerTimeoutMS,
	}
}

// Route runs candidates through the priority chain and returns one RouteDecision.
func (r *Router) Route(ctx context.Context, g *flowgraph.Graph, node flowgraph.Node, candidates []Candidate, rs *runstate.RunState, result *runstate.NodeResult) (*runstate.RouteDecision, error) {
	original := candidates
	eliminated := make(map[string]string, len(candidates))

	routingCtx := buildRoutingContext(g, node, rs, result)

	// Step 0: a pop_stack synthetic candidate, if present, is the only
	// candidate the generator produced and is always taken — no further
	// chain applies.
	if len(candidates) == 1 && candidates[0].EdgeID == PopStackEdgeID {
		return &runstate.RouteDecision{
			ChosenCandidateID: candidates[0].EdgeID,
			DecisionType:      runstate.DecisionDeterministic,
			ReasonCode:        ReasonPopStack,
			ReasonText:        "resuming from interruption stack",
		}, nil
	}

	// Step 1: hard constraints.
	candidates = filterCandidates(candidates, func(c Candidate) (bool, string) {
		if _, ok := g.Node(c.To); !ok {
			return false, "nonexistent_target_node"
		}
		target, _ := g.Node(c.To)
		for _, req := range target.Station.RequiredInputs {
			if v, ok := routingCtx["envelope"].(map[string]any)[req]; !ok || v == nil {
				return false, "missing_required_input:" + req
			}
		}
		return true, ""
	}, eliminated)

	// Step 2: terminal / stop.
	if rs.StepCount >= g.ResolvedMaxTotalSteps() {
		return finalize(original, "", runstate.DecisionDeterministic, ReasonSafetyStepCap,
			"step cap reached", eliminated, 0, true, nil), nil
	}
	if len(candidates) == 1 && candidates[0].Type == flowgraph.EdgeTerminal {
		return finalize(original, candidates[0].EdgeID, runstate.DecisionDeterministic, ReasonSingleTerminal,
			"only remaining candidate is terminal", eliminated, 0, false, nil), nil
	}

	// Step 3: exit conditions (microloop termination).
	var evaluatedConditions []string
	exitFired := false
	exitReason := ""
	if g.HasLoopEdge(node.ID) {
		env := safeEnvelope(result)
		iterCount := rs.IterationCounts[node.ID]
		maxIter := g.ResolvedMaxIterations(node.ID)

		switch {
		case env.VerificationStatus == runstate.VerificationVerified:
			exitFired, exitReason = true, ReasonLoopExitVerified
		case maxIter > 0 && iterCount >= maxIter:
			exitFired, exitReason = true, ReasonLoopExitMaxIters
		case !env.CanFurtherIterationHelp:
			exitFired, exitReason = true, ReasonLoopExitCannotHelp
		case node.ExitCondition != "":
			evaluatedConditions = append(evaluatedConditions, node.ExitCondition)
			ok, err := expr.EvaluateSource(node.ExitCondition, routingCtx)
			if err == nil && ok {
				exitFired, exitReason = true, ReasonLoopExitCondition
			}
		}

		if exitFired {
			loopReason := map[string]string{
				ReasonLoopExitVerified:   "verified",
				ReasonLoopExitMaxIters:   "max_iterations",
				ReasonLoopExitCannotHelp: "cannot_iterate",
				ReasonLoopExitCondition:  "exit_condition",
			}[exitReason]
			candidates = filterCandidates(candidates, func(c Candidate) (bool, string) {
				if c.Type == flowgraph.EdgeLoop {
					return false, loopReason
				}
				return true, ""
			}, eliminated)
		}
	}

	decisionTypeIfDecided := runstate.DecisionDeterministic
	if exitFired {
		decisionTypeIfDecided = runstate.DecisionExitCondition
	}

	// Step 4: explicit envelope hint.
	if result != nil && result.Envelope.NextNodeID != "" {
		hintTarget := result.Envelope.NextNodeID
		var hintMatch *Candidate
		for i := range candidates {
			if candidates[i].To == hintTarget {
				c := candidates[i]
				hintMatch = &c
				break
			}
		}
		if hintMatch != nil {
			return finalize(original, hintMatch.EdgeID, runstate.DecisionEdgeCondition, ReasonExplicitHint,
				"envelope.next_node_id hint honored", eliminated, 0, false, evaluatedConditions), nil
		}
		// Hint names an unreachable node: drop it, log it, and continue the chain.
		evaluatedConditions = append(evaluatedConditions, "envelope.next_node_id(dropped:"+hintTarget+")")
	}

	// Step 5: edge conditions. conditionTrue records, per edge ID, which
	// surviving candidates had their own condition evaluate true — the
	// fact step 6 keys off below, rather than the weaker proxy of
	// "some other candidate was eliminated by a false condition" (two
	// candidate sets can reach the same sole survivor with or without any
	// elimination happening, and the survivor's own condition is what
	// actually justifies the edge_condition reason code, not its peers').
	remaining := make([]Candidate, 0, len(candidates))
	conditionTrue := make(map[string]bool, len(candidates))
	for i, c := range candidates {
		if c.Condition == "" {
			remaining = append(remaining, c)
			continue
		}
		evaluatedConditions = append(evaluatedConditions, c.Condition)
		ok, err := expr.EvaluateSource(c.Condition, routingCtx)
		if err != nil || !ok {
			eliminated[c.EdgeID] = "condition_false"
			continue
		}
		remaining = append(remaining, c)
		conditionTrue[c.EdgeID] = true
		isLastUnresolved := i == len(candidates)-1
		if c.IsDefault || isLastUnresolved && len(remaining) == 1 {
			return finalize(original, c.EdgeID, runstate.DecisionEdgeCondition, ReasonEdgeConditionTrue,
				"edge condition satisfied", eliminated, 0, false, evaluatedConditions), nil
		}
	}
	candidates = remaining

	// Step 6: single survivor.
	if len(candidates) == 1 {
		dt := decisionTypeIfDecided
		rc := ReasonSingleSurvivor
		switch {
		case exitFired:
			rc = exitReason
		case conditionTrue[candidates[0].EdgeID]:
			dt = runstate.DecisionEdgeCondition
			rc = ReasonEdgeConditionTrue
		}
		return finalize(original, candidates[0].EdgeID, dt, rc,
			"single surviving candidate", eliminated, 0, false, evaluatedConditions), nil
	}

	if len(candidates) == 0 {
		return finalize(original, "", runstate.DecisionDeterministic, "NO_CANDIDATES",
			"no legal candidates remain", eliminated, 0, true, evaluatedConditions), nil
	}

	// Step 7: tie-breaker.
	return r.tiebreak(ctx, original, candidates, eliminated, evaluatedConditions)
}

func (r *Router) tiebreak(ctx context.Context, original, survivors []Candidate, eliminated map[string]string, evaluatedConditions []string) (*runstate.RouteDecision, error) {
	highestPriority := survivors[0]

	if r.TieBreaker == nil {
		return finalize(original, highestPriority.EdgeID, runstate.DecisionDeterministic, ReasonOracleUnavailable,
			"no tie-breaker configured", eliminated, 0, true, evaluatedConditions), nil
	}

	tbCandidates := make([]engine.TieBreakCandidate, len(survivors))
	for i, c := range survivors {
		tbCandidates[i] = engine.TieBreakCandidate{EdgeID: c.EdgeID, To: c.To}
	}

	result, err := r.TieBreaker.TieBreak(ctx, tbCandidates, r.TiebreakerTimeoutMS)
	if err != nil {
		return finalize(original, highestPriority.EdgeID, runstate.DecisionDeterministic, ReasonOracleUnavailable,
			"tie-breaker call failed: "+err.Error(), eliminated, 0, true, evaluatedConditions), nil
	}

	valid := false
	for _, c := range survivors {
		if c.EdgeID == result.ChosenCandidateID {
			valid = true
			break
		}
	}
	if !valid || result.Confidence < r.TiebreakerConfidenceThreshold {
		return finalize(original, highestPriority.EdgeID, runstate.DecisionDeterministic, ReasonOracleInvalidChoice,
			"oracle returned an invalid id or low confidence", eliminated, result.Confidence, true, evaluatedConditions), nil
	}

	decision := finalize(original, result.ChosenCandidateID, runstate.DecisionTieBreaker, ReasonTieBreakerChosen,
		result.Reason, eliminated, result.Confidence, false, evaluatedConditions)
	decision.TieBreakerUsed = true
	return decision, nil
}

// filterCandidates keeps candidates for which keep returns true, recording
// the given reason for dropped ones.
func filterCandidates(candidates []Candidate, keep func(Candidate) (bool, string), eliminated map[string]string) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		ok, reason := keep(c)
		if ok {
			out = append(out, c)
		} else {
			eliminated[c.EdgeID] = reason
		}
	}
	return out
}

// finalize builds the RouteDecision audit: every original candidate not
// chosen appears in CandidatesConsidered, so alternatives union chosen
// always equals the generated candidate set.
func finalize(original []Candidate, chosenID string, dt runstate.DecisionType, reasonCode, reasonText string,
	eliminated map[string]string, confidence float64, needsHuman bool, evaluatedConditions []string) *runstate.RouteDecision {

	alternatives := make([]runstate.EliminatedCandidate, 0, len(original))
	for _, c := range original {
		if c.EdgeID == chosenID {
			continue
		}
		reason, ok := eliminated[c.EdgeID]
		if !ok {
			reason = "not_chosen"
		}
		alternatives = append(alternatives, runstate.EliminatedCandidate{EdgeID: c.EdgeID, EliminatedReason: reason})
	}

	if len(reasonText) > 100 {
		reasonText = reasonText[:100]
	}

	return &runstate.RouteDecision{
		ChosenCandidateID:    chosenID,
		DecisionType:         dt,
		ReasonCode:           reasonCode,
		ReasonText:           reasonText,
		CandidatesConsidered: alternatives,
		Confidence:           confidence,
		NeedsHuman:           needsHuman,
		EvaluatedConditions:  evaluatedConditions,
	}
}

// buildRoutingContext renders the compact view the expr evaluator consumes:
// status, iteration, max_iterations, confidence, has_errors, receipt.*,
// envelope.*, run.step_count.
func buildRoutingContext(g *flowgraph.Graph, node flowgraph.Node, rs *runstate.RunState, result *runstate.NodeResult) map[string]any {
	env := safeEnvelope(result)
	receipt := safeReceipt(result)

	ctx := map[string]any{
		"status":         string(env.VerificationStatus),
		"iteration":      float64(rs.IterationCounts[node.ID]),
		"max_iterations": float64(g.ResolvedMaxIterations(node.ID)),
		"confidence":     env.Confidence,
		"has_errors":     receipt.ErrorKind != "",
		"receipt":        receipt.ToContext(),
		"envelope":       env.ToContext(),
		"run": map[string]any{
			"step_count": float64(rs.StepCount),
		},
	}
	return ctx
}

func safeEnvelope(result *runstate.NodeResult) runstate.Envelope {
	if result == nil {
		return runstate.Envelope{}
	}
	return result.Envelope
}

func safeReceipt(result *runstate.NodeResult) runstate.Receipt {
	if result == nil {
		return runstate.Receipt{}
	}
	return result.Receipt
}
