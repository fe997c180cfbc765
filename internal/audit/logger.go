// Package audit emits the lifecycle events of every invocation and
// guarantees their cardinality per correlation id.
package audit

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/storage"
	"go.uber.org/zap"
)

// recentCapacity bounds how many finished correlation ids are remembered
// for duplicate detection.
const recentCapacity = 65_536

var (
	ErrDuplicate = errors.New("audit: correlation id already recorded")
	ErrNotOpen   = errors.New("audit: no open invocation for correlation id")
)

type openInvocation struct {
	toolID    string
	principal string
	params    map[string]any
}

// Logger writes START, END and REJECTED events. An admitted correlation id
// gets exactly one START and one END; a rejected one gets exactly one
// REJECTED and nothing else.
type Logger struct {
	writer       storage.EventWriter
	rulesVersion string
	logger       *zap.Logger
	now          func() time.Time
	seq          atomic.Uint64

	mu     sync.Mutex
	open   map[string]openInvocation
	recent *lru.Cache[string, struct{}]
}

// New creates a Logger writing to writer. rulesVersion is stamped on every
// event so readers know which redaction rules produced the params.
func New(writer storage.EventWriter, rulesVersion string, logger *zap.Logger) *Logger {
	recent, err := lru.New[string, struct{}](recentCapacity)
	if err != nil {
		panic(fmt.Sprintf("audit: lru: %v", err))
	}
	return &Logger{
		writer:       writer,
		rulesVersion: rulesVersion,
		logger:       logger,
		now:          time.Now,
		open:         make(map[string]openInvocation),
		recent:       recent,
	}
}

// Start records that an admitted invocation is about to spawn.
func (l *Logger) Start(correlationID, toolID, principal string, params map[string]any) error {
	l.mu.Lock()
	if _, ok := l.open[correlationID]; ok || l.recent.Contains(correlationID) {
		l.mu.Unlock()
		return l.duplicate(correlationID, storage.EventStart)
	}
	l.open[correlationID] = openInvocation{toolID: toolID, principal: principal, params: params}
	l.mu.Unlock()

	l.emit(&storage.AuditEvent{
		CorrelationID: correlationID,
		EventType:     storage.EventStart,
		ToolID:        toolID,
		Principal:     principal,
		Params:        params,
	})
	return nil
}

// End records the terminal state of a started invocation.
func (l *Logger) End(correlationID string, outcome storage.Outcome) error {
	l.mu.Lock()
	inv, ok := l.open[correlationID]
	if !ok {
		l.mu.Unlock()
		l.logger.Error("audit END without START", zap.String("correlation_id", correlationID))
		return ErrNotOpen
	}
	delete(l.open, correlationID)
	l.recent.Add(correlationID, struct{}{})
	l.mu.Unlock()

	l.emit(&storage.AuditEvent{
		CorrelationID: correlationID,
		EventType:     storage.EventEnd,
		ToolID:        inv.toolID,
		Principal:     inv.principal,
		Params:        inv.params,
		Outcome:       &outcome,
	})
	return nil
}

// Reject records an invocation refused before it was started.
func (l *Logger) Reject(correlationID, toolID, principal string, params map[string]any, outcome storage.Outcome) error {
	l.mu.Lock()
	if _, ok := l.open[correlationID]; ok || l.recent.Contains(correlationID) {
		l.mu.Unlock()
		return l.duplicate(correlationID, storage.EventRejected)
	}
	l.recent.Add(correlationID, struct{}{})
	l.mu.Unlock()

	l.emit(&storage.AuditEvent{
		CorrelationID: correlationID,
		EventType:     storage.EventRejected,
		ToolID:        toolID,
		Principal:     principal,
		Params:        params,
		Outcome:       &outcome,
	})
	return nil
}

// Open reports how many invocations have a START but no END yet.
func (l *Logger) Open() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.open)
}

// Close closes the underlying writer.
func (l *Logger) Close() error {
	if n := l.Open(); n > 0 {
		l.logger.Warn("closing audit log with open invocations", zap.Int("open", n))
	}
	return l.writer.Close()
}

func (l *Logger) emit(ev *storage.AuditEvent) {
	ev.Timestamp = l.now().UTC()
	ev.Sequence = l.seq.Add(1)
	ev.RulesVersion = l.rulesVersion
	l.writer.Write(ev)
}

func (l *Logger) duplicate(correlationID string, et storage.EventType) error {
	l.logger.Error("duplicate audit event refused",
		zap.String("correlation_id", correlationID),
		zap.String("event_type", string(et)),
	)
	return ErrDuplicate
}
