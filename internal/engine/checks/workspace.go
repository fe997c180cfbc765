package checks

import (
	"context"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/engine"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/workspace"
)

// WorkspaceCheck confines every path parameter to the tool's allowed roots
// and records the canonical paths on the invocation.
type WorkspaceCheck struct {
	paths *workspace.Validator
}

func NewWorkspaceCheck(paths *workspace.Validator) *WorkspaceCheck {
	return &WorkspaceCheck{paths: paths}
}

func (c *WorkspaceCheck) Name() string {
	return "workspace"
}

func (c *WorkspaceCheck) Check(_ context.Context, req *engine.CheckRequest) error {
	if req.Invocation == nil {
		return errNoInvocation(c.Name())
	}
	return c.paths.Authorize(req.Tool, req.Invocation)
}
