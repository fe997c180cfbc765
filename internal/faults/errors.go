package faults

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind is the fixed, caller-visible classification of a failed invocation.
type Kind string

const (
	KindValidation           Kind = "VALIDATION"
	KindPathTraversal        Kind = "PATH_TRAVERSAL"
	KindRateLimited          Kind = "RATE_LIMITED"
	KindResourceExhausted    Kind = "RESOURCE_EXHAUSTED"
	KindConfirmationRequired Kind = "CONFIRMATION_REQUIRED"
	KindToolNotFound         Kind = "TOOL_NOT_FOUND"
	KindToolDisabled         Kind = "TOOL_DISABLED"
	KindProcessSpawn         Kind = "PROCESS_SPAWN"
	KindTimeout              Kind = "TIMEOUT"
	KindResourceLimit        Kind = "RESOURCE_LIMIT_EXCEEDED"
	KindProcessCrashed       Kind = "PROCESS_CRASHED"
	KindApplicationFailure   Kind = "APPLICATION_FAILURE"
	KindCancelled            Kind = "CANCELLED"
	KindInternal             Kind = "INTERNAL"
)

// ViolationKind classifies a single parameter problem.
type ViolationKind string

const (
	MissingParameter ViolationKind = "MISSING_PARAMETER"
	TypeMismatch     ViolationKind = "TYPE_MISMATCH"
	FormatError      ViolationKind = "FORMAT_ERROR"
	RangeError       ViolationKind = "RANGE_ERROR"
	UnknownParameter ViolationKind = "UNKNOWN_PARAMETER"
)

// Violation describes one rejected parameter. Detail is built from the
// tool's declared schema only and never echoes the submitted value.
type Violation struct {
	Param  string        `json:"param"`
	Kind   ViolationKind `json:"kind"`
	Detail string        `json:"detail"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Param, v.Detail)
}

// ValidationError aggregates every parameter violation found for one request.
type ValidationError struct {
	ToolID     string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("validation failed for tool %s: %s", e.ToolID, strings.Join(parts, "; "))
}

// PathTraversalError carries only the parameter name and the value the caller sent.
type PathTraversalError struct {
	Param string
	Value string
}

func (e *PathTraversalError) Error() string {
	return fmt.Sprintf("parameter %s escapes the workspace: %q", e.Param, e.Value)
}

type RateLimitedError struct {
	ToolID     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for tool %s, retry after %s", e.ToolID, e.RetryAfter)
}

// ResourceExhaustedError reports that a concurrency slot was not available.
// Scope is "global", "class" or "tool".
type ResourceExhaustedError struct {
	Scope string
	Limit int
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("%s concurrency limit of %d reached", e.Scope, e.Limit)
}

type ConfirmationRequiredError struct {
	ToolID string
}

func (e *ConfirmationRequiredError) Error() string {
	return fmt.Sprintf("tool %s requires confirmation", e.ToolID)
}

type ToolNotFoundError struct {
	ToolID string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %s is not registered", e.ToolID)
}

type ToolDisabledError struct {
	ToolID string
	Reason string
}

func (e *ToolDisabledError) Error() string {
	return fmt.Sprintf("tool %s is disabled: %s", e.ToolID, e.Reason)
}

type ProcessSpawnError struct {
	Program string
	Err     error
}

func (e *ProcessSpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Program, e.Err)
}

func (e *ProcessSpawnError) Unwrap() error { return e.Err }

type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("wall-clock timeout of %s exceeded", e.Timeout)
}

// ResourceLimitExceededError reports a kernel or supervisor enforced limit.
// Resource is "cpu", "memory", "file_size" or "unknown".
type ResourceLimitExceededError struct {
	Resource string
	Detail   string
}

func (e *ResourceLimitExceededError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s limit exceeded", e.Resource)
	}
	return fmt.Sprintf("%s limit exceeded: %s", e.Resource, e.Detail)
}

// CrashError reports a child killed by a signal the supervisor did not send.
type CrashError struct {
	Signal string
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("process terminated by signal %s", e.Signal)
}

// ExitError reports a child that exited on its own with a non-zero status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("process exited with status %d", e.Code)
}

type CancelledError struct {
	Err error
}

func (e *CancelledError) Error() string {
	if e.Err == nil {
		return "invocation cancelled"
	}
	return fmt.Sprintf("invocation cancelled: %v", e.Err)
}

func (e *CancelledError) Unwrap() error { return e.Err }

// InternalError wraps unexpected failures, including recovered panics.
type InternalError struct {
	Op    string
	Err   error
	Panic any
	Stack []byte
}

func (e *InternalError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("%s: panic: %v", e.Op, e.Panic)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

// KindOf maps any error to its caller-visible Kind. Unknown errors are INTERNAL.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var (
		validation *ValidationError
		path       *PathTraversalError
		rate       *RateLimitedError
		exhausted  *ResourceExhaustedError
		confirm    *ConfirmationRequiredError
		notFound   *ToolNotFoundError
		disabled   *ToolDisabledError
		spawn      *ProcessSpawnError
		timeout    *TimeoutError
		limit      *ResourceLimitExceededError
		crash      *CrashError
		exit       *ExitError
		cancelled  *CancelledError
	)
	switch {
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &path):
		return KindPathTraversal
	case errors.As(err, &rate):
		return KindRateLimited
	case errors.As(err, &exhausted):
		return KindResourceExhausted
	case errors.As(err, &confirm):
		return KindConfirmationRequired
	case errors.As(err, &notFound):
		return KindToolNotFound
	case errors.As(err, &disabled):
		return KindToolDisabled
	case errors.As(err, &spawn):
		return KindProcessSpawn
	case errors.As(err, &timeout):
		return KindTimeout
	case errors.As(err, &limit):
		return KindResourceLimit
	case errors.As(err, &crash):
		return KindProcessCrashed
	case errors.As(err, &exit):
		return KindApplicationFailure
	case errors.As(err, &cancelled):
		return KindCancelled
	}
	return KindInternal
}
