//go:build linux || darwin

package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/engine"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/registry"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/sandbox"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/storage"
	"go.uber.org/zap"
)

func TestInvoke_SpinIsStopped(t *testing.T) {
	if testing.Short() {
		t.Skip("spins a CPU for about a second")
	}
	box, err := sandbox.NewSandbox(sandbox.ModeRlimit, zap.NewNop())
	if err != nil {
		t.Skipf("rlimit sandbox unavailable: %v", err)
	}
	runner := sandbox.NewExecutor(sandbox.Config{
		Sandbox:     box,
		ScratchRoot: t.TempDir(),
		KillGrace:   200 * time.Millisecond,
	})
	spin := &registry.ToolDefinition{
		ID:      "spin",
		Program: "/bin/sh",
		Args:    []string{"-c", "while :; do :; done"},
		Limits:  registry.ResourceLimits{MaxCPUSeconds: 1, TimeoutSeconds: 5},
	}
	h := newHarness(t, []*registry.ToolDefinition{spin}, harnessOpts{runner: runner})

	began := time.Now()
	res := h.orch.Invoke(context.Background(), engine.ExecutionRequest{CorrelationID: "scenario-b", ToolID: "spin"})

	if res.Status != engine.StatusTimedOut && res.Status != engine.StatusResourceLimitExceeded {
		t.Fatalf("expected TIMED_OUT or RESOURCE_LIMIT_EXCEEDED, got %s (%+v)", res.Status, res.Error)
	}
	if elapsed := time.Since(began); elapsed > 8*time.Second {
		t.Fatalf("spin was not stopped promptly: %v", elapsed)
	}
	got := h.audit.types("scenario-b")
	if len(got) != 2 || got[0] != storage.EventStart || got[1] != storage.EventEnd {
		t.Fatalf("expected exactly one START and one END, got %v", got)
	}
	if h.ctrl.Running() != 0 {
		t.Fatal("slot must be released")
	}
}
