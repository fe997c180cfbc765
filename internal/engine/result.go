package engine

import (
	"time"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/faults"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/registry"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/sandbox"
)

// Status is the caller-facing outcome of an invocation.
type Status string

const (
	StatusSuccess               Status = "SUCCESS"
	StatusFailure               Status = "FAILURE"
	StatusTimedOut              Status = "TIMED_OUT"
	StatusResourceLimitExceeded Status = "RESOURCE_LIMIT_EXCEEDED"
	StatusRejected              Status = "REJECTED"
	StatusCancelled             Status = "CANCELLED"
)

// ExecutionRequest is what a transport adapter hands to the orchestrator.
type ExecutionRequest struct {
	CorrelationID string
	ToolID        string
	Params        map[string]any
	Principal     string
	ReceivedAt    time.Time
}

// ExecutionResult is plain data; nothing else leaves Invoke.
type ExecutionResult struct {
	CorrelationID   string            `json:"correlation_id"`
	ToolID          string            `json:"tool_id"`
	Status          Status            `json:"status"`
	ExitCode        *int              `json:"exit_code,omitempty"`
	Stdout          string            `json:"stdout"`
	Stderr          string            `json:"stderr"`
	StdoutTruncated bool              `json:"stdout_truncated"`
	StderrTruncated bool              `json:"stderr_truncated"`
	Duration        time.Duration     `json:"duration"`
	Error           *faults.SafeError `json:"error,omitempty"`
}

// ToolSummary describes a tool to callers.
type ToolSummary struct {
	ID             string             `json:"id"`
	Description    string             `json:"description"`
	Parameters     []ParameterSummary `json:"parameters"`
	Flags          registry.Flags     `json:"flags"`
	Enabled        bool               `json:"enabled"`
	DisabledReason string             `json:"disabled_reason,omitempty"`
}

type ParameterSummary struct {
	Name        string             `json:"name"`
	Type        registry.ParamType `json:"type"`
	Required    bool               `json:"required"`
	Path        bool               `json:"path,omitempty"`
	Description string             `json:"description,omitempty"`
}

// statusFor maps an executor terminal state to a caller status.
func statusFor(exe *sandbox.Execution) Status {
	switch exe.State {
	case sandbox.StateCompleted:
		if exe.Err == nil {
			return StatusSuccess
		}
		return StatusFailure
	case sandbox.StateTimedOut:
		return StatusTimedOut
	case sandbox.StateResourceLimitExceeded:
		return StatusResourceLimitExceeded
	case sandbox.StateCancelled:
		return StatusCancelled
	default:
		return StatusFailure
	}
}
