package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func stepEvent(runID string, seq uint64) Event {
	return Event{RunID: runID, Seq: seq, Kind: KindStepStart, NodeID: "A", Time: time.Now()}
}

func drain(sub Subscription) []Event {
	var out []Event
	for e := range sub.Events() {
		out = append(out, e)
	}
	return out
}

func TestMemBusDeliversInPublishOrder(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	sub := b.Subscribe("run-1")

	for seq := uint64(1); seq <= 5; seq++ {
		b.Publish(stepEvent("run-1", seq))
	}
	b.Close()

	got := drain(sub)
	if len(got) != 5 {
		t.Fatalf("got %d events, want 5", len(got))
	}
	for i, e := range got {
		if e.Seq != uint64(i+1) {
			t.Fatalf("event[%d].Seq = %d, want %d", i, e.Seq, i+1)
		}
	}
}

func TestMemBusFiltersByRun(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	subOne := b.Subscribe("run-1")
	subTwo := b.Subscribe("run-2")

	b.Publish(stepEvent("run-1", 1))
	b.Publish(stepEvent("run-2", 1))
	b.Publish(stepEvent("run-1", 2))
	b.Close()

	if got := drain(subOne); len(got) != 2 {
		t.Fatalf("run-1 subscriber got %d events, want 2", len(got))
	}
	if got := drain(subTwo); len(got) != 1 {
		t.Fatalf("run-2 subscriber got %d events, want 1", len(got))
	}
}

func TestMemBusSubscribeAllSpansRuns(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	all := b.SubscribeAll()

	b.Publish(stepEvent("run-1", 1))
	b.Publish(stepEvent("run-2", 1))
	b.Close()

	if got := drain(all); len(got) != 2 {
		t.Fatalf("all-runs subscriber got %d events, want 2", len(got))
	}
}

// TestMemBusEmitsStreamGapOnOverflow pins the slow-consumer contract:
// dropped events must be announced with a stream_gap marker carrying the
// last sequence the subscriber received contiguously.
func TestMemBusEmitsStreamGapOnOverflow(t *testing.T) {
	b := NewMemBus(MemBusConfig{SubscriberBufferSize: 2})
	sub := b.Subscribe("run-1")

	// Fill the queue, overflow it, then free a slot and publish again so
	// the pending marker can land ahead of the next accepted event.
	b.Publish(stepEvent("run-1", 1))
	b.Publish(stepEvent("run-1", 2))
	b.Publish(stepEvent("run-1", 3)) // dropped
	<-sub.Events()                   // seq 1
	<-sub.Events()                   // seq 2
	b.Publish(stepEvent("run-1", 4))
	b.Close()

	got := drain(sub)
	if len(got) != 2 {
		t.Fatalf("got %d events after overflow, want gap marker + seq 4: %+v", len(got), got)
	}
	if got[0].Kind != KindStreamGap {
		t.Fatalf("first event after overflow = %q, want stream_gap", got[0].Kind)
	}
	if last, ok := got[0].Payload["last_contiguous_seq"].(uint64); !ok || last != 2 {
		t.Fatalf("last_contiguous_seq = %v, want 2", got[0].Payload["last_contiguous_seq"])
	}
	if got[1].Seq != 4 {
		t.Fatalf("event after gap marker has Seq %d, want 4", got[1].Seq)
	}
}

func TestMemBusGapTrackingIsPerRun(t *testing.T) {
	b := NewMemBus(MemBusConfig{SubscriberBufferSize: 2})
	all := b.SubscribeAll()

	b.Publish(stepEvent("run-1", 1))
	b.Publish(stepEvent("run-1", 2))
	b.Publish(stepEvent("run-2", 1)) // dropped: queue full
	<-all.Events()
	<-all.Events()
	b.Publish(stepEvent("run-2", 2))
	b.Close()

	got := drain(all)
	if len(got) != 2 || got[0].Kind != KindStreamGap || got[0].RunID != "run-2" {
		t.Fatalf("got %+v, want run-2 gap marker then its seq 2", got)
	}
	if last := got[0].Payload["last_contiguous_seq"]; last != uint64(0) {
		t.Fatalf("run-2 last_contiguous_seq = %v, want 0 (nothing delivered yet)", last)
	}
}

func TestMemBusPublishAfterCloseIsNoop(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	sub := b.Subscribe("run-1")
	b.Close()
	b.Publish(stepEvent("run-1", 1))

	if got := drain(sub); len(got) != 0 {
		t.Fatalf("got %d events published after close, want 0", len(got))
	}
}

func TestMemBusSubscribeAfterCloseYieldsClosedChannel(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	b.Close()
	sub := b.Subscribe("run-1")

	if _, open := <-sub.Events(); open {
		t.Fatal("subscription on a closed bus must start closed")
	}
}

func TestMemBusSubscriptionCloseIsIdempotent(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	sub := b.Subscribe("run-1")
	if err := sub.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	b.Close() // must not double-close the already-detached subscription
}

func TestMemBusConcurrentPublishers(t *testing.T) {
	b := NewMemBus(MemBusConfig{SubscriberBufferSize: 1024})
	const runs, perRun = 4, 50

	subs := make([]Subscription, runs)
	for i := range subs {
		subs[i] = b.Subscribe(fmt.Sprintf("run-%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			runID := fmt.Sprintf("run-%d", i)
			for seq := uint64(1); seq <= perRun; seq++ {
				b.Publish(stepEvent(runID, seq))
			}
		}(i)
	}
	wg.Wait()
	b.Close()

	for i, sub := range subs {
		got := drain(sub)
		if len(got) != perRun {
			t.Fatalf("run-%d subscriber got %d events, want %d", i, len(got), perRun)
		}
		for j, e := range got {
			if e.Seq != uint64(j+1) {
				t.Fatalf("run-%d event[%d].Seq = %d, want %d (per-run order broken)", i, j, e.Seq, j+1)
			}
		}
	}
}
