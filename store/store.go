// Package store implements durable run persistence: atomic read/write of
// a run's RunState document and an append-only, crash-safe event log. Two
// durable artifacts per run — a single `run_state` document committed by
// write-temp-then-rename, and an `events.log` of self-delimited JSON
// records appended with fsync.
package store

import "errors"

// Sentinel errors surfaced by the store.
var (
	// ErrConflict is returned when a caller's etag does not match the
	// currently committed run_state.
	ErrConflict = errors.New("store: etag conflict")
	// ErrCheckpointFailed marks an unwritable store; the kernel aborts the
	// run on this error.
	ErrCheckpointFailed = errors.New("store: checkpoint failed")
	// ErrNotFound is returned when a run directory or run_state document
	// does not exist.
	ErrNotFound = errors.New("store: run not found")
	// ErrCorruptRecord marks a structurally invalid record encountered
	// during event log recovery that is not merely a torn trailing line.
	ErrCorruptRecord = errors.New("store: corrupt record")
)
