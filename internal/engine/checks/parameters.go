package checks

import (
	"context"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/engine"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/validate"
)

// ParameterCheck validates and coerces raw parameters against the tool's
// declared schema and fills in req.Invocation.
type ParameterCheck struct {
	validator *validate.Validator
}

func NewParameterCheck(v *validate.Validator) *ParameterCheck {
	return &ParameterCheck{validator: v}
}

func (c *ParameterCheck) Name() string {
	return "parameters"
}

func (c *ParameterCheck) Check(_ context.Context, req *engine.CheckRequest) error {
	inv, err := c.validator.Validate(req.Tool, req.RawParams)
	if err != nil {
		return err
	}
	req.Invocation = inv
	return nil
}
