// Package api is the external control surface: the verbs create_run,
// get_state, pause/resume/cancel, inject_node, interrupt,
// subscribe_events, and list_runs, plus an HTTP front-end and an SSE
// event stream over them.
package api

import "errors"

// Sentinel errors of the control API.
var (
	ErrUnknownFlow       = errors.New("api: unknown flow id")
	ErrInvalidParams     = errors.New("api: invalid run parameters")
	ErrUnknownRun        = errors.New("api: unknown run id")
	ErrConflict          = errors.New("api: etag conflict")
	ErrIllegalTransition = errors.New("api: illegal status transition")
	ErrStackOverflow     = errors.New("api: interruption stack overflow prevented")
	ErrInvalidSpec       = errors.New("api: invalid node_spec")
)
