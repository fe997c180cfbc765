package storage

import (
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// LogWriter writes audit events to the operator log. It is the fallback
// sink for local development.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *AuditEvent) {
	fields := []zap.Field{
		zap.String("correlation_id", event.CorrelationID),
		zap.String("event_type", string(event.EventType)),
		zap.Uint64("sequence", event.Sequence),
		zap.String("tool_id", event.ToolID),
		zap.String("principal", event.Principal),
		zap.Any("params", event.Params),
	}
	if o := event.Outcome; o != nil {
		fields = append(fields,
			zap.String("status", o.Status),
			zap.String("error_kind", o.ErrorKind),
			zap.Float64("duration_ms", o.DurationMs),
		)
		if o.ExitCode != nil {
			fields = append(fields, zap.Int("exit_code", *o.ExitCode))
		}
	}
	w.logger.Info("audit_event", fields...)
}

func (w *LogWriter) Close() error { return nil }

// MultiWriter fans every event out to each writer in order.
type MultiWriter struct {
	writers []EventWriter
}

// NewMultiWriter skips nil writers.
func NewMultiWriter(writers ...EventWriter) *MultiWriter {
	m := &MultiWriter{}
	for _, w := range writers {
		if w != nil {
			m.writers = append(m.writers, w)
		}
	}
	return m
}

func (m *MultiWriter) Write(event *AuditEvent) {
	for _, w := range m.writers {
		w.Write(event)
	}
}

// Close closes every writer and returns all of their errors.
func (m *MultiWriter) Close() error {
	var err error
	for _, w := range m.writers {
		err = multierr.Append(err, w.Close())
	}
	return err
}
