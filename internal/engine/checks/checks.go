// Package checks holds the pre-admission checks run by the orchestrator.
package checks

import (
	"fmt"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/engine"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/faults"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/validate"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/workspace"
)

// Default returns the standard check order: parameters, confirmation,
// workspace paths.
func Default(v *validate.Validator, paths *workspace.Validator) []engine.Check {
	return []engine.Check{
		NewParameterCheck(v),
		NewConfirmationCheck(),
		NewWorkspaceCheck(paths),
	}
}

func errNoInvocation(check string) error {
	return &faults.InternalError{Op: "check " + check, Err: fmt.Errorf("parameter check has not run")}
}
