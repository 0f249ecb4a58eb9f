package flowgraph

import "errors"

// Sentinel load-time error kinds, fatal at run creation. Wrapped with
// fmt.Errorf("%w: ...") where callers add detail.
var (
	ErrGraphInvalid       = errors.New("flowgraph: graph invalid")
	ErrNoStartNode        = errors.New("flowgraph: exactly one node must be flagged start")
	ErrNoTerminalNode     = errors.New("flowgraph: at least one terminal node is required")
	ErrDanglingEdge       = errors.New("flowgraph: edge endpoint does not resolve to a node id")
	ErrIllegalSelfLoop    = errors.New("flowgraph: self-loop edge must be of type loop")
	ErrDuplicateNodeID    = errors.New("flowgraph: duplicate node id")
)
