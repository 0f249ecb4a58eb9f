// Package bus implements the orchestrator's event stream: fan-out of
// ordered per-run events to subscribers (in-process observers, SSE), with
// replay from a persisted EventStore and a stream_gap marker when a slow
// consumer has events dropped.
package bus

import "time"

// Kind is one of the closed set of event kinds the kernel emits.
type Kind string

const (
	KindRunCreated             Kind = "run_created"
	KindRunStarted             Kind = "run_started"
	KindRunPaused              Kind = "run_paused"
	KindRunResumed             Kind = "run_resumed"
	KindRunCancelled           Kind = "run_cancelled"
	KindRunCompleted           Kind = "run_completed"
	KindStepStart              Kind = "step_start"
	KindStepEnd                Kind = "step_end"
	KindStepError              Kind = "step_error"
	KindToolStart              Kind = "tool_start"
	KindToolEnd                Kind = "tool_end"
	KindRoutingDecision        Kind = "routing_decision"
	KindRoutingOffroad         Kind = "routing_offroad"
	KindStackPush              Kind = "stack_push"
	KindStackPop               Kind = "stack_pop"
	KindStackOverflowPrevented Kind = "stack_overflow_prevented"
	KindFlowInjected           Kind = "flow_injected"
	KindNodeInjected           Kind = "node_injected"
	KindStreamGap              Kind = "stream_gap"
	KindHeartbeat              Kind = "heartbeat"
)

// Event is one append-only record, ordered by (RunID, Seq). Payload
// carries kind-specific detail (a RouteDecision for routing_decision, a
// NodeResult summary for step_end, ...) as a plain map so the store/bus
// layers stay decoupled from kernel-level types.
type Event struct {
	RunID   string
	Seq     uint64
	Kind    Kind
	NodeID  string
	Time    time.Time
	Attempt int
	Elapsed time.Duration
	Payload map[string]any
	TraceID string
	SpanID  string
}

// New constructs an Event with the given kind and run id; Seq and Time are
// assigned by the caller (the kernel, under its per-run sequencing lock) or
// by a store on append.
func New(kind Kind, runID string) Event {
	return Event{
		RunID:   runID,
		Kind:    kind,
		Time:    time.Now(),
		Payload: map[string]any{},
	}
}
