package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func testEvent(i int) *AuditEvent {
	code := 0
	return &AuditEvent{
		CorrelationID: fmt.Sprintf("corr-%04d", i),
		EventType:     EventEnd,
		Timestamp:     time.Date(2025, 1, 1, 0, 0, i, 0, time.UTC),
		Sequence:      uint64(i),
		ToolID:        "echo",
		Params:        map[string]any{"msg": "hello", "api_key": "[REDACTED]"},
		Outcome:       &Outcome{Status: "SUCCESS", ExitCode: &code, DurationMs: 12.5, StdoutBytes: 6},
	}
}

func readLines(t *testing.T, path string) []AuditEvent {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	var out []AuditEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev AuditEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("line is not a JSON object: %q: %v", sc.Text(), err)
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return out
}

func TestFileWriter_AppendsNDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.ndjson")
	w, err := NewFileWriter(FileWriterConfig{Path: path, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	for i := 0; i < 3; i++ {
		w.Write(testEvent(i))
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events := readLines(t, path)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[2].CorrelationID != "corr-0002" || events[2].Outcome.Status != "SUCCESS" {
		t.Errorf("unexpected event: %+v", events[2])
	}
	if *events[0].Outcome.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", *events[0].Outcome.ExitCode)
	}

	if err := w.Append(testEvent(9)); err == nil {
		t.Error("expected error writing to a closed writer")
	}
}

func TestFileWriter_ReopensInAppendMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	for round := 0; round < 2; round++ {
		w, err := NewFileWriter(FileWriterConfig{Path: path})
		if err != nil {
			t.Fatalf("NewFileWriter: %v", err)
		}
		w.Write(testEvent(round))
		w.Close()
	}
	if got := len(readLines(t, path)); got != 2 {
		t.Fatalf("expected 2 events across restarts, got %d", got)
	}
}

func TestFileWriter_SizeRotationAndRetention(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.ndjson")
	line, _ := json.Marshal(testEvent(0))

	w, err := NewFileWriter(FileWriterConfig{
		Path:       path,
		MaxBytes:   int64(len(line)+1) * 2,
		MaxBackups: 2,
	})
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := w.Append(testEvent(i)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	w.Close()

	segments, err := w.segments()
	if err != nil {
		t.Fatalf("segments: %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("expected 2 retained segments, got %d: %v", len(segments), segments)
	}
	active := readLines(t, path)
	if len(active) != 2 {
		t.Fatalf("expected 2 events in the active file, got %d", len(active))
	}
	if active[1].CorrelationID != "corr-0009" {
		t.Errorf("newest event should be in the active file, got %s", active[1].CorrelationID)
	}
	newest := readLines(t, segments[1])
	if newest[0].CorrelationID != "corr-0006" {
		t.Errorf("expected newest segment to start at corr-0006, got %s", newest[0].CorrelationID)
	}
}

func TestFileWriter_AgeRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	w, err := NewFileWriter(FileWriterConfig{Path: path, MaxAge: time.Hour})
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }
	w.openedAt = now

	w.Write(testEvent(0))
	now = now.Add(30 * time.Minute)
	w.Write(testEvent(1))
	now = now.Add(31 * time.Minute)
	w.Write(testEvent(2))
	w.Close()

	segments, _ := w.segments()
	if len(segments) != 1 {
		t.Fatalf("expected 1 rotated segment, got %d", len(segments))
	}
	if got := len(readLines(t, segments[0])); got != 2 {
		t.Errorf("expected 2 events in the rotated segment, got %d", got)
	}
	if got := len(readLines(t, path)); got != 1 {
		t.Errorf("expected 1 event in the active file, got %d", got)
	}
}

func TestFileWriter_RetentionPrunesOldSegments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.ndjson")
	w, err := NewFileWriter(FileWriterConfig{Path: path, Retention: 24 * time.Hour})
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	defer w.Close()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	expired := path + ".20250227T000000.000000000.aaaaaaaa"
	recent := path + ".20250301T000000.000000000.bbbbbbbb"
	unrelated := filepath.Join(dir, "other.ndjson.20250101T000000.000000000.cccccccc")
	for name, mtime := range map[string]time.Time{
		expired:   now.Add(-48 * time.Hour),
		recent:    now.Add(-time.Hour),
		unrelated: now.Add(-72 * time.Hour),
	} {
		if err := os.WriteFile(name, []byte("{}\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(name, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}
	old := now.Add(-96 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	w.Prune()

	if _, err := os.Stat(expired); !os.IsNotExist(err) {
		t.Errorf("expected expired segment to be pruned, stat err = %v", err)
	}
	for _, keep := range []string{recent, unrelated, path} {
		if _, err := os.Stat(keep); err != nil {
			t.Errorf("expected %s to be kept: %v", filepath.Base(keep), err)
		}
	}
}

func TestFileWriter_FailedRotationKeepsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	w, err := NewFileWriter(FileWriterConfig{Path: path, MaxBytes: 1})
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	renames := 0
	w.rename = func(string, string) error {
		renames++
		return errors.New("device busy")
	}

	for i := 0; i < 5; i++ {
		if err := w.Append(testEvent(i)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	w.Close()

	if renames != 1 {
		t.Errorf("expected one rotation attempt inside the retry window, got %d", renames)
	}
	if got := len(readLines(t, path)); got != 5 {
		t.Fatalf("expected all 5 events in the active file, got %d", got)
	}
	if segments, _ := w.segments(); len(segments) != 0 {
		t.Errorf("expected no segments, got %v", segments)
	}
}

func TestFileWriter_ConcurrentWritesKeepLinesWhole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	w, err := NewFileWriter(FileWriterConfig{Path: path, MaxBytes: 4096})
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				w.Write(testEvent(g*100 + i))
			}
		}(g)
	}
	wg.Wait()
	w.Close()

	total := len(readLines(t, path))
	segments, _ := w.segments()
	for _, s := range segments {
		total += len(readLines(t, s))
	}
	if total != 200 {
		t.Fatalf("expected 200 events across segments, got %d", total)
	}
}

type stubWriter struct {
	mu     sync.Mutex
	events []*AuditEvent
	err    error
}

func (s *stubWriter) Write(e *AuditEvent) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *stubWriter) Close() error { return s.err }

func TestMultiWriter_FansOutAndCombinesErrors(t *testing.T) {
	a := &stubWriter{err: errors.New("a failed")}
	b := &stubWriter{}
	c := &stubWriter{err: errors.New("c failed")}
	m := NewMultiWriter(a, nil, b, c)

	m.Write(testEvent(1))
	for i, s := range []*stubWriter{a, b, c} {
		if len(s.events) != 1 {
			t.Errorf("writer %d got %d events", i, len(s.events))
		}
	}

	err := m.Close()
	if got := len(multierr.Errors(err)); got != 2 {
		t.Fatalf("expected 2 combined errors, got %d (%v)", got, err)
	}
	if !strings.Contains(err.Error(), "a failed") || !strings.Contains(err.Error(), "c failed") {
		t.Errorf("unexpected error text: %v", err)
	}
}

func TestLogWriter_DoesNotPanic(t *testing.T) {
	w := NewLogWriter(zap.NewNop())
	w.Write(testEvent(1))
	w.Write(&AuditEvent{CorrelationID: "x", EventType: EventRejected})
	if err := w.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
