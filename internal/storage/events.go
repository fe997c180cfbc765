package storage

import "time"

// EventWriter is the interface for writing audit events.
// Write() must NEVER block the caller on a remote system.
type EventWriter interface {
	Write(event *AuditEvent)
	Close() error
}

// EventType is the lifecycle point an audit event records.
type EventType string

const (
	EventStart    EventType = "START"
	EventEnd      EventType = "END"
	EventRejected EventType = "REJECTED"
)

// AuditEvent is one line of the audit stream. Params is already redacted
// and Outcome never carries tool output.
type AuditEvent struct {
	CorrelationID string         `json:"correlation_id"`
	EventType     EventType      `json:"event_type"`
	Timestamp     time.Time      `json:"timestamp"`
	Sequence      uint64         `json:"sequence"`
	ToolID        string         `json:"tool_id"`
	Principal     string         `json:"principal,omitempty"`
	Params        map[string]any `json:"params,omitempty"`
	RulesVersion  string         `json:"rules_version,omitempty"`
	Outcome       *Outcome       `json:"outcome,omitempty"`
}

// Outcome summarizes how an invocation ended.
type Outcome struct {
	Status          string  `json:"status"`
	ExitCode        *int    `json:"exit_code,omitempty"`
	ErrorKind       string  `json:"error_kind,omitempty"`
	Message         string  `json:"message,omitempty"`
	DurationMs      float64 `json:"duration_ms"`
	StdoutBytes     int     `json:"stdout_bytes"`
	StderrBytes     int     `json:"stderr_bytes"`
	StdoutTruncated bool    `json:"stdout_truncated,omitempty"`
	StderrTruncated bool    `json:"stderr_truncated,omitempty"`
	RetryAfterMs    int64   `json:"retry_after_ms,omitempty"`
}
