package audit

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/storage"
	"go.uber.org/zap"
)

type memWriter struct {
	mu     sync.Mutex
	events []*storage.AuditEvent
	closed bool
}

func (m *memWriter) Write(e *storage.AuditEvent) {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
}

func (m *memWriter) Close() error {
	m.closed = true
	return nil
}

func (m *memWriter) byID(id string) []*storage.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*storage.AuditEvent
	for _, e := range m.events {
		if e.CorrelationID == id {
			out = append(out, e)
		}
	}
	return out
}

func TestLogger_StartEndPair(t *testing.T) {
	w := &memWriter{}
	l := New(w, "2025.2", zap.NewNop())
	params := map[string]any{"msg": "hi"}

	if err := l.Start("c1", "echo", "alice", params); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if l.Open() != 1 {
		t.Fatalf("expected 1 open invocation, got %d", l.Open())
	}
	code := 0
	if err := l.End("c1", storage.Outcome{Status: "SUCCESS", ExitCode: &code}); err != nil {
		t.Fatalf("End: %v", err)
	}

	events := w.byID("c1")
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].EventType != storage.EventStart || events[1].EventType != storage.EventEnd {
		t.Errorf("unexpected order: %s, %s", events[0].EventType, events[1].EventType)
	}
	if events[0].Sequence >= events[1].Sequence {
		t.Errorf("sequence must increase: %d then %d", events[0].Sequence, events[1].Sequence)
	}
	if events[1].ToolID != "echo" || events[1].Principal != "alice" || events[1].RulesVersion != "2025.2" {
		t.Errorf("END must carry the START context: %+v", events[1])
	}
	if events[1].Outcome == nil || events[1].Outcome.Status != "SUCCESS" {
		t.Errorf("END must carry an outcome: %+v", events[1].Outcome)
	}
	if events[0].Outcome != nil {
		t.Error("START must not carry an outcome")
	}
}

func TestLogger_RefusesDuplicates(t *testing.T) {
	w := &memWriter{}
	l := New(w, "v", zap.NewNop())

	_ = l.Start("c1", "echo", "", nil)
	if err := l.Start("c1", "echo", "", nil); !errors.Is(err, ErrDuplicate) {
		t.Errorf("second START: expected ErrDuplicate, got %v", err)
	}
	if err := l.Reject("c1", "echo", "", nil, storage.Outcome{Status: "REJECTED"}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("REJECTED after START: expected ErrDuplicate, got %v", err)
	}
	_ = l.End("c1", storage.Outcome{Status: "SUCCESS"})
	if err := l.End("c1", storage.Outcome{Status: "SUCCESS"}); !errors.Is(err, ErrNotOpen) {
		t.Errorf("second END: expected ErrNotOpen, got %v", err)
	}
	if err := l.Start("c1", "echo", "", nil); !errors.Is(err, ErrDuplicate) {
		t.Errorf("START after END: expected ErrDuplicate, got %v", err)
	}

	if got := len(w.byID("c1")); got != 2 {
		t.Fatalf("expected exactly 2 events for c1, got %d", got)
	}
}

func TestLogger_RejectedOnlyOnce(t *testing.T) {
	w := &memWriter{}
	l := New(w, "v", zap.NewNop())

	if err := l.Reject("r1", "ping", "bob", nil, storage.Outcome{Status: "REJECTED", ErrorKind: "RATE_LIMITED", RetryAfterMs: 1500}); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if err := l.Reject("r1", "ping", "bob", nil, storage.Outcome{Status: "REJECTED"}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
	if err := l.Start("r1", "ping", "bob", nil); !errors.Is(err, ErrDuplicate) {
		t.Errorf("START after REJECTED: expected ErrDuplicate, got %v", err)
	}
	events := w.byID("r1")
	if len(events) != 1 || events[0].EventType != storage.EventRejected {
		t.Fatalf("expected one REJECTED event, got %+v", events)
	}
	if events[0].Outcome.RetryAfterMs != 1500 {
		t.Errorf("expected retry_after_ms 1500, got %d", events[0].Outcome.RetryAfterMs)
	}
}

func TestLogger_ConcurrentInvocations(t *testing.T) {
	w := &memWriter{}
	l := New(w, "v", zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			if err := l.Start(id, "echo", "", nil); err != nil {
				t.Errorf("Start %s: %v", id, err)
				return
			}
			if err := l.End(id, storage.Outcome{Status: "SUCCESS"}); err != nil {
				t.Errorf("End %s: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	if len(w.events) != 100 {
		t.Fatalf("expected 100 events, got %d", len(w.events))
	}
	seen := make(map[uint64]bool)
	for _, e := range w.events {
		if seen[e.Sequence] {
			t.Fatalf("duplicate sequence %d", e.Sequence)
		}
		seen[e.Sequence] = true
	}
	if l.Open() != 0 {
		t.Errorf("expected no open invocations, got %d", l.Open())
	}
	if err := l.Close(); err != nil || !w.closed {
		t.Errorf("Close: %v closed=%v", err, w.closed)
	}
}
