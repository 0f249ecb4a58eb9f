package bus

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) (*SQLiteEventStore, string) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "events.db")
	s, err := NewSQLiteEventStore(SQLiteStoreConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, dsn
}

func TestSQLiteEventStoreRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	in := Event{
		RunID:   "run-1",
		Seq:     1,
		Kind:    KindRoutingDecision,
		NodeID:  "Verify",
		Time:    time.Now().UTC().Truncate(time.Millisecond),
		Attempt: 2,
		Elapsed: 1500 * time.Millisecond,
		Payload: map[string]any{
			"decision_type": "exit_condition",
			"reason_code":   "LOOP_EXIT_VERIFIED",
			"alternatives":  []any{map[string]any{"edge_id": "loop_back", "eliminated_reason": "verified"}},
		},
		TraceID: "trace-abc",
		SpanID:  "span-def",
	}
	if err := s.Append(ctx, in); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.List(ctx, "run-1", 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	e := got[0]
	if e.Kind != in.Kind || e.NodeID != in.NodeID || e.Attempt != in.Attempt ||
		e.Elapsed != in.Elapsed || e.TraceID != in.TraceID || e.SpanID != in.SpanID {
		t.Fatalf("round trip mismatch: got %+v", e)
	}
	if !e.Time.Equal(in.Time) {
		t.Fatalf("time = %v, want %v", e.Time, in.Time)
	}
	if e.Payload["reason_code"] != "LOOP_EXIT_VERIFIED" {
		t.Fatalf("payload = %v", e.Payload)
	}
	alts, ok := e.Payload["alternatives"].([]any)
	if !ok || len(alts) != 1 {
		t.Fatalf("nested payload lost: %v", e.Payload["alternatives"])
	}
}

func TestSQLiteEventStoreRejectsDuplicateSeq(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, storedEvent("run-1", 1, KindStepStart)); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := s.Append(ctx, storedEvent("run-1", 1, KindStepEnd)); err == nil {
		t.Fatal("duplicate (run_id, seq) must be rejected by the unique index")
	}
	// Same seq on a different run is fine.
	if err := s.Append(ctx, storedEvent("run-2", 1, KindStepStart)); err != nil {
		t.Fatalf("same seq, different run: %v", err)
	}
}

func TestSQLiteEventStoreListCursorAndLimit(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	for seq := uint64(1); seq <= 6; seq++ {
		if err := s.Append(ctx, storedEvent("run-1", seq, KindStepStart)); err != nil {
			t.Fatalf("append %d: %v", seq, err)
		}
	}

	got, err := s.List(ctx, "run-1", 3, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].Seq != 4 || got[1].Seq != 5 {
		t.Fatalf("after 3 limit 2: got %+v, want seqs 4,5", got)
	}

	seq, err := s.LatestSeq(ctx, "run-1")
	if err != nil || seq != 6 {
		t.Fatalf("latest seq = %d, %v, want 6", seq, err)
	}
	seq, err = s.LatestSeq(ctx, "unknown")
	if err != nil || seq != 0 {
		t.Fatalf("unknown run latest seq = %d, %v, want 0", seq, err)
	}
}

func TestSQLiteEventStoreSurvivesReopen(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	s, err := NewSQLiteEventStore(SQLiteStoreConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Append(ctx, storedEvent("run-1", 1, KindRunStarted)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewSQLiteEventStore(SQLiteStoreConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.List(ctx, "run-1", 0, 0)
	if err != nil || len(got) != 1 {
		t.Fatalf("after reopen: got %v, %v, want the appended event back", got, err)
	}
	ids, err := reopened.RunIDs(ctx)
	if err != nil || len(ids) != 1 || ids[0] != "run-1" {
		t.Fatalf("run ids after reopen = %v, %v", ids, err)
	}
}

func TestSQLiteEventStoreConcurrentReadersDuringWrites(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for seq := uint64(1); seq <= 50; seq++ {
			if err := s.Append(ctx, storedEvent("run-1", seq, KindStepStart)); err != nil {
				t.Errorf("append %d: %v", seq, err)
				return
			}
		}
	}()

	// WAL mode: readers proceed while the writer appends.
	for i := 0; i < 20; i++ {
		if _, err := s.List(ctx, "run-1", 0, 0); err != nil {
			t.Fatalf("concurrent read: %v", err)
		}
	}
	wg.Wait()

	seq, err := s.LatestSeq(ctx, "run-1")
	if err != nil || seq != 50 {
		t.Fatalf("latest seq = %d, %v, want 50", seq, err)
	}
}
