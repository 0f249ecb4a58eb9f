package flowgraph

import (
	"fmt"
)

// Validate checks a graph's structural invariants: exactly one start
// node, at least one terminal node, every edge endpoint resolving to a
// real node, and no self-loop unless the edge is typed loop or terminal.
// Load-time graph failures are fatal, so the first violation is returned
// as a single error.
func Validate(g *Graph) error {
	starts := 0
	for _, id := range g.nodeOrder {
		if g.nodes[id].IsStart {
			starts++
		}
	}
	if starts != 1 {
		return fmt.Errorf("%w: %w: found %d start nodes", ErrGraphInvalid, ErrNoStartNode, starts)
	}

	hasTerminal := false
	for _, e := range g.edges {
		if e.Type == EdgeTerminal {
			hasTerminal = true
			break
		}
	}
	if !hasTerminal {
		return fmt.Errorf("%w: %w", ErrGraphInvalid, ErrNoTerminalNode)
	}

	for _, e := range g.edges {
		if _, ok := g.nodes[e.From]; !ok {
			return fmt.Errorf("%w: %w: edge %q from %q", ErrGraphInvalid, ErrDanglingEdge, e.ID, e.From)
		}
		if _, ok := g.nodes[e.To]; !ok {
			return fmt.Errorf("%w: %w: edge %q to %q", ErrGraphInvalid, ErrDanglingEdge, e.ID, e.To)
		}
		if e.From == e.To && e.Type != EdgeLoop && e.Type != EdgeTerminal {
			return fmt.Errorf("%w: %w: edge %q on node %q", ErrGraphInvalid, ErrIllegalSelfLoop, e.ID, e.From)
		}
	}

	if g.Entry == "" {
		return fmt.Errorf("%w: entry node is unset", ErrGraphInvalid)
	}
	if _, ok := g.nodes[g.Entry]; !ok {
		return fmt.Errorf("%w: entry node %q does not exist", ErrGraphInvalid, g.Entry)
	}

	return nil
}
