package engine

import "errors"

// Runtime error kinds the kernel recognizes from an Adapter.
var (
	// ErrEngineTransient marks an error the kernel retries once with
	// backoff before escalating to ErrEngineFailed.
	ErrEngineTransient = errors.New("engine: transient failure")
	// ErrEngineFailed is a terminal per-node failure.
	ErrEngineFailed = errors.New("engine: failed")
	// ErrEngineTimeout marks an in-flight call that did not return within
	// the bounded wind-down after cancellation.
	ErrEngineTimeout = errors.New("engine: timeout")
	// ErrOracleUnavailable is returned by a TieBreaker that cannot decide;
	// the router falls back to priority default with needs_human=true.
	ErrOracleUnavailable = errors.New("engine: oracle unavailable")
)
