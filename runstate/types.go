// Package runstate models the mutable state the orchestrator kernel
// exclusively owns for one run: RunState, the interruption stack, and the
// routing-relevant Envelope/NodeResult carried between a node execution
// and the router. Statuses and envelope fields are closed enums; anything
// a station reports beyond them rides along in Extra without the router
// ever consulting it uninvited.
package runstate

import (
	"time"

	"github.com/petal-labs/stepflow/flowgraph"
)

// Status is a RunState's position in the kernel's state machine:
// created -> running -> {paused, succeeded, failed, cancelled, partial}.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusPartial   Status = "partial"
)

// Terminal reports whether no further ticks are possible from this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusPartial:
		return true
	}
	return false
}

// InjectedBy names who caused a stack push.
type InjectedBy string

const (
	InjectedByOperator     InjectedBy = "operator"
	InjectedByPolicy       InjectedBy = "policy"
	InjectedByErrorHandler InjectedBy = "error_handler"
)

// StackFrame is one entry on the interruption stack: which node was
// injected, where the run was, and the edge to take once the detour
// completes.
type StackFrame struct {
	InjectedNodeID string
	OriginNodeID   string
	ResumeEdgeID   string
	InjectedBy     InjectedBy
	CreatedAt      time.Time
}

// VerificationStatus is the closed enum an engine's envelope reports.
type VerificationStatus string

const (
	VerificationVerified   VerificationStatus = "VERIFIED"
	VerificationUnverified VerificationStatus = "UNVERIFIED"
	VerificationBlocked    VerificationStatus = "BLOCKED"
	VerificationPartial    VerificationStatus = "PARTIAL"
)

// Envelope is the structured, routing-relevant record a node execution
// produces. Unknown/extra fields are preserved in Extra but never
// consulted by the evaluator or router except through dotted paths the
// author opted into.
type Envelope struct {
	VerificationStatus      VerificationStatus
	Confidence              float64
	CanFurtherIterationHelp bool
	NextNodeID              string
	Summary                 string
	Artifacts               []string
	Extra                   map[string]any
}

// ToContext renders the envelope as the map shape the expr package's dotted
// paths index into (envelope.summary, envelope.confidence, ...).
func (e Envelope) ToContext() map[string]any {
	m := map[string]any{
		"verification_status":         string(e.VerificationStatus),
		"confidence":                  e.Confidence,
		"can_further_iteration_help":  e.CanFurtherIterationHelp,
		"next_node_id":                e.NextNodeID,
		"summary":                     e.Summary,
	}
	for k, v := range e.Extra {
		if _, exists := m[k]; !exists {
			m[k] = v
		}
	}
	return m
}

// NodeExecStatus is the outcome of one engine invocation.
type NodeExecStatus string

const (
	NodeSucceeded NodeExecStatus = "succeeded"
	NodeFailed    NodeExecStatus = "failed"
	NodeSkipped   NodeExecStatus = "skipped"
)

// Receipt is the opaque execution-metadata summary from a node execution.
type Receipt struct {
	DurationMS int64
	Tokens     int64
	ErrorKind  string
	Extra      map[string]any
}

// ToContext renders the receipt as a dotted-path-indexable map.
func (r Receipt) ToContext() map[string]any {
	m := map[string]any{
		"duration_ms": r.DurationMS,
		"tokens":      r.Tokens,
		"error_kind":  r.ErrorKind,
	}
	for k, v := range r.Extra {
		if _, exists := m[k]; !exists {
			m[k] = v
		}
	}
	return m
}

// NodeResult is returned by the engine adapter.
type NodeResult struct {
	Status   NodeExecStatus
	Receipt  Receipt
	Envelope Envelope
}

// RunState is the mutable, kernel-owned state for one run.
type RunState struct {
	RunID             string
	FlowID            string
	Status            Status
	CurrentNodeID     string
	IterationCounts   map[string]int
	StepCount         int
	InterruptionStack []StackFrame
	LastRoutingAudit  *RouteDecision
	LastEnvelope      *Envelope
	OwnerToken        string
	LeaseExpiresAt    time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time

	// InjectedStations holds the station templates for ad-hoc detour nodes
	// pushed via the external API's inject_node/interrupt operations —
	// nodes that exist only for this run, not in the immutable FlowGraph.
	// Keyed by the synthetic node id on the matching
	// StackFrame.InjectedNodeID.
	InjectedStations map[string]flowgraph.StationTemplate

	// NeedsHumanOverride is set when a side channel (stack overflow
	// prevention) must force needs_human=true on the next routing_decision
	// even though the router itself saw no reason to ask.
	NeedsHumanOverride bool

	// PendingTerminalEdgeID holds the id of a chosen terminal-typed edge
	// whose target node has not yet executed (e.g. B --terminal--> C, a
	// distinct, not-yet-visited node, as opposed to the b->b self-loop
	// convention). The kernel defers finalizing Status until that node has
	// run through the engine — step_start(C)/step_end(C) fire before
	// run_completed — then clears this field.
	PendingTerminalEdgeID string
}

// New creates a freshly-created RunState positioned at the graph's entry node.
func New(runID, flowID, entryNodeID string, now time.Time) *RunState {
	return &RunState{
		RunID:           runID,
		FlowID:          flowID,
		Status:          StatusCreated,
		CurrentNodeID:   entryNodeID,
		IterationCounts: make(map[string]int),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// StackDepth reports the current interruption stack depth.
func (rs *RunState) StackDepth() int {
	return len(rs.InterruptionStack)
}

// DecisionType classifies how a RouteDecision was reached.
type DecisionType string

const (
	DecisionHardConstraint DecisionType = "hard_constraint"
	DecisionExitCondition  DecisionType = "exit_condition"
	DecisionEdgeCondition  DecisionType = "edge_condition"
	DecisionDeterministic  DecisionType = "deterministic"
	DecisionTieBreaker     DecisionType = "tie_breaker"
)

// EliminatedCandidate records why a losing candidate was dropped, part of
// the router's full audit record.
type EliminatedCandidate struct {
	EdgeID           string
	EliminatedReason string
}

// RouteDecision is the router's output: the chosen edge plus the audit
// trail embedded in every routing_decision event.
type RouteDecision struct {
	ChosenCandidateID    string // edge id, or "" for terminal/abort
	DecisionType         DecisionType
	ReasonCode           string
	ReasonText           string // <=100 chars
	CandidatesConsidered []EliminatedCandidate
	Confidence           float64
	NeedsHuman           bool
	EvaluatedConditions  []string
	TieBreakerUsed       bool
	DecisionMS           int64
}
