package loader

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/petal-labs/stepflow/expr"
	"github.com/petal-labs/stepflow/flowgraph"
	"gopkg.in/yaml.v3"
)

// Load reads path, auto-detecting YAML vs JSON by extension, decodes a
// FlowDoc, validates that every expression it carries compiles (parse
// errors surface once here, at graph-load time, never mid-run), and
// builds the immutable flowgraph.Graph via flowgraph.Builder.
func Load(path string) (*flowgraph.Graph, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is an operator-supplied flow file
	if err != nil {
		return nil, fmt.Errorf("loader: reading %s: %w", path, err)
	}
	return LoadBytes(data, isYAML(path))
}

// LoadBytes decodes a FlowDoc from data (YAML if yamlFormat, else JSON) and
// builds the graph.
func LoadBytes(data []byte, yamlFormat bool) (*flowgraph.Graph, error) {
	var doc FlowDoc
	if yamlFormat {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("loader: parsing YAML: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("loader: parsing JSON: %w", err)
		}
	}
	return Build(doc)
}

// Build validates a decoded FlowDoc's expressions and assembles it into an
// immutable flowgraph.Graph. Problems in the document's own fields (flow
// id, entry, node list, expressions, edge types) are accumulated into one
// *DiagnosticError rather than failing on the first; graph-structure
// problems found afterwards by flowgraph validation (start, terminal,
// dangling edges, self-loops) are returned as a single wrapped error.
func Build(doc FlowDoc) (*flowgraph.Graph, error) {
	var diags []Diagnostic

	if doc.ID == "" {
		diags = append(diags, Diagnostic{Code: "FG-001", Severity: SeverityError, Message: "flow id is required", Path: "id"})
	}
	if doc.Entry == "" {
		diags = append(diags, Diagnostic{Code: "FG-002", Severity: SeverityError, Message: "entry node id is required", Path: "entry"})
	}
	if len(doc.Nodes) == 0 {
		diags = append(diags, Diagnostic{Code: "FG-003", Severity: SeverityError, Message: "at least one node is required", Path: "nodes"})
	}

	for i, n := range doc.Nodes {
		if n.ExitCondition != "" {
			if _, err := expr.Compile(n.ExitCondition); err != nil {
				diags = append(diags, Diagnostic{
					Code: "FG-010", Severity: SeverityError,
					Message: fmt.Sprintf("node %q exit_condition: %v", n.ID, err),
					Path:    fmt.Sprintf("nodes[%d].exit_condition", i),
				})
			}
		}
	}
	for i, e := range doc.Edges {
		if e.Condition != "" {
			if _, err := expr.Compile(e.Condition); err != nil {
				diags = append(diags, Diagnostic{
					Code: "FG-011", Severity: SeverityError,
					Message: fmt.Sprintf("edge %q condition: %v", e.ID, err),
					Path:    fmt.Sprintf("edges[%d].condition", i),
				})
			}
		}
		if !validEdgeType(e.Type) {
			diags = append(diags, Diagnostic{
				Code: "FG-012", Severity: SeverityError,
				Message: fmt.Sprintf("edge %q has unknown type %q", e.ID, e.Type),
				Path:    fmt.Sprintf("edges[%d].type", i),
			})
		}
	}

	if HasErrors(diags) {
		return nil, &DiagnosticError{Diagnostics: diags}
	}

	b := flowgraph.NewBuilder(doc.ID, doc.Version)
	b.WithPolicy(policyFromDoc(doc.Policy))

	for _, n := range doc.Nodes {
		b.AddNode(flowgraph.Node{
			ID:            n.ID,
			Station:       stationFromDoc(n.Station),
			IsStart:       n.Start || n.ID == doc.Entry,
			MaxIterations: n.MaxIterations,
			ExitCondition: n.ExitCondition,
			UIOverlay:     n.UIOverlay,
		})
	}
	for _, e := range doc.Edges {
		b.AddEdge(flowgraph.Edge{
			ID:           e.ID,
			From:         e.From,
			To:           e.To,
			Type:         flowgraph.EdgeType(e.Type),
			Condition:    e.Condition,
			Priority:     e.Priority,
			IsDefault:    e.IsDefault,
			InjectTarget: e.InjectTarget,
		})
	}
	b.SetEntry(doc.Entry)

	g, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}
	return g, nil
}

func validEdgeType(t string) bool {
	switch flowgraph.EdgeType(t) {
	case flowgraph.EdgeSequence, flowgraph.EdgeLoop, flowgraph.EdgeBranch, flowgraph.EdgeDetour, flowgraph.EdgeTerminal:
		return true
	}
	return false
}

func stationFromDoc(s StationDoc) flowgraph.StationTemplate {
	return flowgraph.StationTemplate{
		StationRef:     s.Ref,
		Parameters:     s.Parameters,
		PromptFragment: s.PromptFragment,
		AllowedTools:   s.AllowedTools,
		RequiredInputs: s.RequiredInputs,
	}
}

func policyFromDoc(p PolicyDoc) flowgraph.Policy {
	def := flowgraph.DefaultPolicy()
	out := def
	if p.MaxLoopIterations > 0 {
		out.MaxLoopIterations = p.MaxLoopIterations
	}
	if p.MaxStackDepth > 0 {
		out.MaxStackDepth = p.MaxStackDepth
	}
	if p.TiebreakerConfidenceThreshold > 0 {
		out.TiebreakerConfidenceThreshold = p.TiebreakerConfidenceThreshold
	}
	if p.TiebreakerTimeoutMS > 0 {
		out.TiebreakerTimeoutMS = p.TiebreakerTimeoutMS
	}
	if p.MaxTotalSteps > 0 {
		out.MaxTotalSteps = p.MaxTotalSteps
	}
	return out
}
