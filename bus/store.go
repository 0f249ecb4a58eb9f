package bus

import "context"

// EventStore is a durable, queryable mirror of published events, used
// for replay on subscribe_events and as the cross-process run index
// behind list_runs. It supplements — never replaces — the kernel's own
// per-run events.log.
type EventStore interface {
	// Append records one event.
	Append(ctx context.Context, event Event) error

	// List returns runID's events with Seq > afterSeq (0 means from the
	// beginning), up to limit (0 means unbounded), in sequence order.
	List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]Event, error)

	// LatestSeq returns the highest recorded Seq for runID, 0 if none.
	LatestSeq(ctx context.Context, runID string) (uint64, error)

	// RunIDs returns every distinct run the store has recorded.
	RunIDs(ctx context.Context) ([]string, error)
}
