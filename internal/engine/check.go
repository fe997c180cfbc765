package engine

import (
	"context"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/registry"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/validate"
)

// Check is one pre-admission gate. Checks run in order; the first error
// rejects the request. Implementations must have no side effects beyond
// filling in the request and must respect ctx.
type Check interface {
	// Name returns the check's unique identifier.
	Name() string

	// Check inspects the request. The returned error should be one of the
	// faults error types; anything else is reported as INTERNAL.
	Check(ctx context.Context, req *CheckRequest) error
}

// CheckRequest carries the state shared by the checks of one invocation.
type CheckRequest struct {
	CorrelationID string
	Principal     string
	Tool          *registry.ToolDefinition
	RawParams     map[string]any

	// Invocation is set by the parameter check and consumed by later ones.
	Invocation *validate.Invocation
}

// PathRechecker re-validates path parameters immediately before spawn.
type PathRechecker interface {
	Recheck(def *registry.ToolDefinition, inv *validate.Invocation) error
}
