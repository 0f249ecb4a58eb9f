package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/petal-labs/stepflow/bus"
	"github.com/petal-labs/stepflow/store"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// sseEvent is the JSON-serializable wire shape of a bus.Event.
type sseEvent struct {
	Kind    string         `json:"kind"`
	RunID   string         `json:"run_id"`
	NodeID  string         `json:"node_id,omitempty"`
	Time    time.Time      `json:"time"`
	Seq     uint64         `json:"seq"`
	Payload map[string]any `json:"payload"`
	TraceID string         `json:"trace_id,omitempty"`
	SpanID  string         `json:"span_id,omitempty"`
}

func toSSEEvent(e bus.Event) sseEvent {
	return sseEvent{
		Kind:    string(e.Kind),
		RunID:   e.RunID,
		NodeID:  e.NodeID,
		Time:    e.Time,
		Seq:     e.Seq,
		Payload: e.Payload,
		TraceID: e.TraceID,
		SpanID:  e.SpanID,
	}
}

// SSEHandler implements the subscribe_events(run_id, from_seq?) verb as
// Server-Sent Events: it subscribes to live events on the bus, replays
// durable events from the run's events.log via store.RecoverEventLog, then
// streams the live events, deduplicating by sequence number.
type SSEHandler struct {
	EventsDir string
	Bus       bus.EventBus
}

// NewSSEHandler builds an SSEHandler over the Manager's own event log
// directory and bus.
func NewSSEHandler(eventsDir string, b bus.EventBus) *SSEHandler {
	return &SSEHandler{EventsDir: eventsDir, Bus: b}
}

// ServeHTTP streams events for the run named by the "run_id" path value
// (Go 1.22+ ServeMux pattern), honoring an optional "after" cursor query
// parameter.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if runID == "" {
		http.Error(w, "missing run_id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var afterSeq uint64
	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		parsed, err := strconv.ParseUint(afterStr, 10, 64)
		if err != nil {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		afterSeq = parsed
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	// Subscribe before replaying so no event published between replay and
	// subscription is missed.
	var sub bus.Subscription
	if h.Bus != nil {
		sub = h.Bus.Subscribe(runID)
		defer sub.Close()
	}

	lastSeq := afterSeq
	finished, err := h.replayStored(ctx, w, flusher, runID, afterSeq, &lastSeq)
	if err != nil || finished || sub == nil {
		return
	}

	h.streamLive(ctx, w, flusher, sub, &lastSeq)
}

func (h *SSEHandler) replayStored(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, runID string, afterSeq uint64, lastSeq *uint64) (finished bool, err error) {
	events, err := store.RecoverEventLog(h.EventsDir, runID)
	if err != nil {
		return false, err
	}
	for _, e := range events {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if e.Seq <= afterSeq {
			continue
		}
		if err := writeSSEEvent(w, e); err != nil {
			return false, err
		}
		flusher.Flush()
		if e.Seq > *lastSeq {
			*lastSeq = e.Seq
		}
		if e.Kind == bus.KindRunCompleted || e.Kind == bus.KindRunCancelled {
			return true, nil
		}
	}
	return false, nil
}

func (h *SSEHandler) streamLive(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sub bus.Subscription, lastSeq *uint64) {
	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if e.Seq <= *lastSeq {
				continue
			}
			if e.Seq != *lastSeq+1 {
				// A gap between what replay/live delivered and this event's
				// seq gets a stream_gap marker rather than silently skipping
				// ahead.
				gap := bus.Event{RunID: e.RunID, Kind: bus.KindStreamGap, Time: e.Time, Payload: map[string]any{"last_contiguous_seq": *lastSeq}}
				_ = writeSSEEvent(w, gap)
				flusher.Flush()
			}
			if err := writeSSEEvent(w, e); err != nil {
				return
			}
			flusher.Flush()
			*lastSeq = e.Seq
			if e.Kind == bus.KindRunCompleted || e.Kind == bus.KindRunCancelled {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, e bus.Event) error {
	data, err := json.Marshal(toSSEEvent(e))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Kind, data)
	return err
}
