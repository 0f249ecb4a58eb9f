package flowgraph

// Builder assembles a Graph node-by-node and edge-by-edge, then validates
// the result in one pass.
type Builder struct {
	g    *Graph
	errs []error
}

// NewBuilder starts a builder for a graph with the given id and version.
func NewBuilder(id, version string) *Builder {
	return &Builder{g: New(id, version)}
}

// WithPolicy overrides the default policy.
func (b *Builder) WithPolicy(p Policy) *Builder {
	b.g.Policy = p
	return b
}

// AddNode appends a node.
func (b *Builder) AddNode(n Node) *Builder {
	if err := b.g.addNode(n); err != nil {
		b.errs = append(b.errs, err)
	}
	return b
}

// AddEdge appends an edge, defaulting Priority to the edge's ordinal
// among the source node's outgoing edges when unset.
func (b *Builder) AddEdge(e Edge) *Builder {
	if e.Priority == 0 {
		e.Priority = len(b.g.outgoing[e.From])
	}
	if err := b.g.addEdge(e); err != nil {
		b.errs = append(b.errs, err)
	}
	return b
}

// SetEntry marks the start node.
func (b *Builder) SetEntry(nodeID string) *Builder {
	b.g.Entry = nodeID
	if n, ok := b.g.nodes[nodeID]; ok {
		n.IsStart = true
		b.g.nodes[nodeID] = n
	}
	return b
}

// Build validates and returns the finished graph.
func (b *Builder) Build() (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if err := Validate(b.g); err != nil {
		return nil, err
	}
	return b.g, nil
}
