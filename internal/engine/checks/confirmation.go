package checks

import (
	"context"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/engine"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/faults"
)

// ConfirmationCheck refuses tools flagged requires_confirmation unless the
// caller passed confirm=true.
type ConfirmationCheck struct{}

func NewConfirmationCheck() *ConfirmationCheck {
	return &ConfirmationCheck{}
}

func (c *ConfirmationCheck) Name() string {
	return "confirmation"
}

func (c *ConfirmationCheck) Check(_ context.Context, req *engine.CheckRequest) error {
	if req.Invocation == nil {
		return errNoInvocation(c.Name())
	}
	if req.Tool.Flags.RequiresConfirmation && !req.Invocation.Confirmed {
		return &faults.ConfirmationRequiredError{ToolID: req.Tool.ID}
	}
	return nil
}
