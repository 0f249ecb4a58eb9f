package bus

import (
	"context"
	"log/slog"
)

// IndexPump drains a live Subscription into an EventStore on its own
// goroutine, turning the store into a durable mirror of everything the
// bus delivers — the run index api.Manager's list_runs consults for runs
// no longer held in-process. A store write failure is logged and skipped
// rather than stalling the pump: the per-run events.log remains the
// crash-recovery source of truth, the index is best-effort.
type IndexPump struct {
	done chan struct{}
}

// StartIndexPump begins draining sub into store. The pump stops when
// sub's channel closes; close the subscription, then Wait.
func StartIndexPump(sub Subscription, store EventStore, logger *slog.Logger) *IndexPump {
	if logger == nil {
		logger = slog.Default()
	}
	p := &IndexPump{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		for e := range sub.Events() {
			if err := store.Append(context.Background(), e); err != nil {
				logger.Error("event index append failed",
					"run_id", e.RunID, "kind", e.Kind, "seq", e.Seq, "error", err)
			}
		}
	}()
	return p
}

// Wait blocks until the pump's subscription has closed and every queued
// event has been offered to the store.
func (p *IndexPump) Wait() {
	<-p.done
}
