// Package routing decides where a run goes next: a graph-constrained
// candidate list generated from the current node, then a fixed priority
// chain — hard constraints, stop conditions, microloop exits, envelope
// hints, edge conditions, single survivor, tie-breaker — that always
// resolves to one RouteDecision with a full audit of the losers.
package routing

import (
	"sort"

	"github.com/petal-labs/stepflow/flowgraph"
	"github.com/petal-labs/stepflow/runstate"
)

// CandidateOrigin records where a candidate came from.
type CandidateOrigin string

const (
	OriginGraphEdge     CandidateOrigin = "graph_edge"
	OriginDetourCatalog CandidateOrigin = "detour_catalog"
	OriginFastPathHint  CandidateOrigin = "fast_path_hint"
)

// PopStackEdgeID is the synthetic candidate id the generator yields when the
// interruption stack's top frame resolves.
const PopStackEdgeID = "__pop_stack__"

// Candidate is one legal next edge from the current node.
type Candidate struct {
	EdgeID    string
	From      string
	To        string
	Type      flowgraph.EdgeType
	Priority  int
	Condition string
	IsDefault bool
	Origin    CandidateOrigin

	// ResumeFrame is set only for the synthetic pop_stack candidate.
	ResumeFrame *runstate.StackFrame
}

// GenerateCandidates returns the ordered candidate list for currentNodeID:
// explicit priority descending, then authoring order ascending; restricted
// to edges whose From equals currentNodeID.
//
// If the interruption stack is non-empty, the current node equals the top
// frame's InjectedNodeID, and lastResult (if any) did not fail, the
// generator instead yields a single synthetic pop_stack candidate.
func GenerateCandidates(g *flowgraph.Graph, currentNodeID string, lastResult *runstate.NodeResult, rs *runstate.RunState) []Candidate {
	if top, ok := rs.Peek(); ok && top.InjectedNodeID == currentNodeID {
		if lastResult == nil || lastResult.Status != runstate.NodeFailed {
			resumeEdge, ok := g.Edge(top.ResumeEdgeID)
			if ok {
				frame := top
				return []Candidate{{
					EdgeID:      PopStackEdgeID,
					From:        currentNodeID,
					To:          resumeEdge.To,
					Type:        flowgraph.EdgeSequence,
					Origin:      OriginDetourCatalog,
					ResumeFrame: &frame,
				}}
			}
		}
	}

	edges := g.Outgoing(currentNodeID)
	candidates := make([]Candidate, 0, len(edges))
	for _, e := range edges {
		candidates = append(candidates, Candidate{
			EdgeID:    e.ID,
			From:      e.From,
			To:        e.To,
			Type:      e.Type,
			Priority:  e.Priority,
			Condition: e.Condition,
			IsDefault: e.IsDefault,
			Origin:    OriginGraphEdge,
		})
	}

	// authoringIndex preserves the graph's outgoing order (already authoring
	// order) as the stable tiebreak key for an explicit sort by priority.
	authoringIndex := make(map[string]int, len(candidates))
	for i, c := range candidates {
		authoringIndex[c.EdgeID] = i
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return authoringIndex[candidates[i].EdgeID] < authoringIndex[candidates[j].EdgeID]
	})

	return candidates
}
