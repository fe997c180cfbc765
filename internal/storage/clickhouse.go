package storage

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/metrics"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

// ClickHouseWriter mirrors audit events to ClickHouse asynchronously.
// Write() is non-blocking. Events are buffered and batch-inserted in a background goroutine.
// The mirror is best effort; the file sink is the audit record of truth.
type ClickHouseWriter struct {
	conn    driver.Conn
	buffer  chan *AuditEvent
	done    chan struct{}
	flushed chan struct{}
	logger  *zap.Logger
}

// NewClickHouseWriter creates a ClickHouseWriter and starts the background flush loop.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	w := &ClickHouseWriter{
		conn:    conn,
		buffer:  make(chan *AuditEvent, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}

	go w.flushLoop()
	return w, nil
}

// Write queues an audit event for async insertion.
// Non-blocking: drops the event if the buffer is full.
func (w *ClickHouseWriter) Write(event *AuditEvent) {
	select {
	case w.buffer <- event:
	default:
		metrics.RecordAuditDrop()
		w.logger.Warn("clickhouse buffer full, dropping audit event",
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
		)
	}
}

// Close signals the flush loop to drain remaining events and closes the connection.
func (w *ClickHouseWriter) Close() error {
	close(w.done)
	<-w.flushed
	return w.conn.Close()
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*AuditEvent, 0, flushBatch)

	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(events []*AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO tool_sandbox_audit (
			correlation_id, event_type, timestamp, sequence, tool_id, principal,
			params_json, rules_version,
			status, exit_code, error_kind, duration_ms,
			stdout_bytes, stderr_bytes, truncated
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		paramsJSON := "{}"
		if len(e.Params) > 0 {
			if raw, err := json.Marshal(e.Params); err == nil {
				paramsJSON = string(raw)
			}
		}

		var (
			status, errorKind        string
			exitCode                 *int32
			durationMs               float32
			stdoutBytes, stderrBytes uint32
			truncated                uint8
		)
		if o := e.Outcome; o != nil {
			status, errorKind = o.Status, o.ErrorKind
			if o.ExitCode != nil {
				code := int32(*o.ExitCode)
				exitCode = &code
			}
			durationMs = float32(o.DurationMs)
			stdoutBytes, stderrBytes = uint32(o.StdoutBytes), uint32(o.StderrBytes)
			if o.StdoutTruncated || o.StderrTruncated {
				truncated = 1
			}
		}

		if err := batch.Append(
			e.CorrelationID,
			string(e.EventType),
			e.Timestamp,
			e.Sequence,
			e.ToolID,
			e.Principal,
			paramsJSON,
			e.RulesVersion,
			status,
			exitCode,
			errorKind,
			durationMs,
			stdoutBytes,
			stderrBytes,
			truncated,
		); err != nil {
			w.logger.Error("clickhouse append event failed",
				zap.String("correlation_id", e.CorrelationID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}
