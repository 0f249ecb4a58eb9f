package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/petal-labs/stepflow/bus"
)

const eventLogFileName = "events.log"

// EventLog is the append-only, ordered per-run event record: one
// self-delimited JSON record per line, appended by write-and-fsync of the
// whole record. An EventLog instance owns exclusive append access to one
// run's log, matching the kernel's single-worker-per-run ownership model.
type EventLog struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

// OpenEventLog opens (creating if absent) the event log for runID under
// baseDir, appending in place.
func OpenEventLog(baseDir, runID string) (*EventLog, error) {
	dir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating run dir: %v", ErrCheckpointFailed, err)
	}
	path := filepath.Join(dir, eventLogFileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) // #nosec G304 -- runID-derived path under baseDir
	if err != nil {
		return nil, fmt.Errorf("%w: opening event log: %v", ErrCheckpointFailed, err)
	}
	return &EventLog{path: path, f: f}, nil
}

// Append writes one event as a single JSON line and fsyncs before
// returning, so a committed event is durable before the kernel proceeds
// to the next boundary.
func (l *EventLog) Append(e bus.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: encoding event: %v", ErrCheckpointFailed, err)
	}
	line = append(line, '\n')
	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("%w: writing event: %v", ErrCheckpointFailed, err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("%w: fsync event log: %v", ErrCheckpointFailed, err)
	}
	return nil
}

// Close releases the underlying file handle.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// RecoverEventLog is the crash-recovery scan: read the
// log, truncate any trailing record that fails structural validation
// (a partial write from a SIGKILL mid-append), and return the valid
// prefix. Only a *trailing* malformed line is tolerated — a malformed line
// in the middle indicates on-disk corruption beyond what atomic-append can
// explain, and is surfaced as ErrCorruptRecord.
func RecoverEventLog(baseDir, runID string) ([]bus.Event, error) {
	path := filepath.Join(baseDir, runID, eventLogFileName)
	f, err := os.Open(path) // #nosec G304 -- runID-derived path under baseDir
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: opening event log: %v", ErrCheckpointFailed, err)
	}
	defer f.Close()

	var events []bus.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e bus.Event
		if err := json.Unmarshal(line, &e); err != nil {
			if scanner.Scan() {
				return nil, fmt.Errorf("%w: line %d", ErrCorruptRecord, lineNo)
			}
			// Trailing malformed line: a torn append, trimmed.
			return truncateLog(path, events)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: scanning event log: %v", ErrCheckpointFailed, err)
	}
	return events, nil
}

// truncateLog rewrites the log to contain only the valid records already
// parsed, dropping a trailing partial record found during recovery.
func truncateLog(path string, events []bus.Event) ([]bus.Event, error) {
	tmp := path + ".recover.tmp"
	f, err := os.Create(tmp) // #nosec G304 -- derived from a trusted run directory path
	if err != nil {
		return nil, fmt.Errorf("%w: creating recovery file: %v", ErrCheckpointFailed, err)
	}
	w := bufio.NewWriter(f)
	for _, e := range events {
		line, err := json.Marshal(e)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return nil, fmt.Errorf("%w: re-encoding event: %v", ErrCheckpointFailed, err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			os.Remove(tmp)
			return nil, fmt.Errorf("%w: writing recovery file: %v", ErrCheckpointFailed, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, fmt.Errorf("%w: flushing recovery file: %v", ErrCheckpointFailed, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, fmt.Errorf("%w: fsync recovery file: %v", ErrCheckpointFailed, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("%w: closing recovery file: %v", ErrCheckpointFailed, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("%w: renaming recovery file: %v", ErrCheckpointFailed, err)
	}
	return events, nil
}

// LatestSeq returns the highest Seq across events, 0 if empty.
func LatestSeq(events []bus.Event) uint64 {
	var max uint64
	for _, e := range events {
		if e.Seq > max {
			max = e.Seq
		}
	}
	return max
}
