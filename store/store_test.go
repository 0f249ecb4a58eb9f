package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/petal-labs/stepflow/bus"
	"github.com/petal-labs/stepflow/runstate"
)

func TestFileRunStateStore_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewFileRunStateStore(dir)

	rs := runstate.New("run-1", "flow-1", "a", time.Unix(0, 0).UTC())
	etag, err := s.Save("run-1", rs, "")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if etag == "" {
		t.Fatal("expected non-empty etag")
	}

	loaded, loadedEtag, err := s.Load("run-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loadedEtag != etag {
		t.Errorf("etag mismatch: %q vs %q", loadedEtag, etag)
	}
	if loaded.RunID != "run-1" || loaded.CurrentNodeID != "a" {
		t.Errorf("unexpected loaded state: %+v", loaded)
	}
}

func TestFileRunStateStore_EtagConflict(t *testing.T) {
	dir := t.TempDir()
	s := NewFileRunStateStore(dir)

	rs := runstate.New("run-1", "flow-1", "a", time.Now())
	etag1, err := s.Save("run-1", rs, "")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	rs.CurrentNodeID = "b"
	if _, err := s.Save("run-1", rs, "stale-etag"); err == nil {
		t.Fatal("expected conflict error")
	}

	if _, err := s.Save("run-1", rs, etag1); err != nil {
		t.Fatalf("Save with correct etag should succeed: %v", err)
	}
}

func TestFileRunStateStore_NoPartialWriteObservable(t *testing.T) {
	dir := t.TempDir()
	s := NewFileRunStateStore(dir)

	rs := runstate.New("run-1", "flow-1", "a", time.Now())
	if _, err := s.Save("run-1", rs, ""); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// No .tmp files should remain in the run dir after a successful save.
	entries, err := os.ReadDir(s.RunDir("run-1"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("leftover temp file: %s", e.Name())
		}
	}
}

func TestEventLog_AppendAndRecover(t *testing.T) {
	dir := t.TempDir()
	log, err := OpenEventLog(dir, "run-1")
	if err != nil {
		t.Fatalf("OpenEventLog: %v", err)
	}

	for i := uint64(1); i <= 3; i++ {
		e := bus.New(bus.KindStepStart, "run-1")
		e.Seq = i
		if err := log.Append(e); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events, err := RecoverEventLog(dir, "run-1")
	if err != nil {
		t.Fatalf("RecoverEventLog: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if LatestSeq(events) != 3 {
		t.Errorf("LatestSeq = %d, want 3", LatestSeq(events))
	}
}

func TestEventLog_RecoverTrimsTrailingPartialLine(t *testing.T) {
	dir := t.TempDir()
	log, err := OpenEventLog(dir, "run-1")
	if err != nil {
		t.Fatalf("OpenEventLog: %v", err)
	}
	for i := uint64(1); i <= 2; i++ {
		e := bus.New(bus.KindStepStart, "run-1")
		e.Seq = i
		if err := log.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	log.Close()

	// Simulate a SIGKILL mid-append: append a truncated JSON fragment with
	// no trailing newline.
	path := filepath.Join(dir, "run-1", eventLogFileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.WriteString(`{"RunID":"run-1","Seq":3,"Kind":"step_st`); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	f.Close()

	events, err := RecoverEventLog(dir, "run-1")
	if err != nil {
		t.Fatalf("RecoverEventLog: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (trailing partial record trimmed)", len(events))
	}

	// The on-disk log itself should now be trimmed too.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	reEvents, err := RecoverEventLog(dir, "run-1")
	if err != nil {
		t.Fatalf("re-recovering trimmed log: %v", err)
	}
	if len(reEvents) != 2 {
		t.Errorf("trimmed log should still recover 2 events, got %d (raw: %q)", len(reEvents), data)
	}
}

func TestEventLog_RecoverNonexistentRun(t *testing.T) {
	dir := t.TempDir()
	events, err := RecoverEventLog(dir, "ghost-run")
	if err != nil {
		t.Fatalf("RecoverEventLog: %v", err)
	}
	if events != nil {
		t.Errorf("expected nil events for nonexistent run, got %v", events)
	}
}
