// Package sandbox runs tool programs as isolated child processes with
// resource limits, bounded output capture and process-group teardown.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/registry"
	"go.uber.org/zap"
)

// Sandbox modes accepted by NewSandbox.
const (
	ModeAuto    = "auto"
	ModeRlimit  = "rlimit"
	ModePolling = "polling"
)

// ProcessSandbox applies resource limits to a child before it runs tool
// code. Implementations are chosen per platform.
type ProcessSandbox interface {
	Name() string
	// Prepare rewrites cmd so that limits are in force when the tool
	// program starts. cmd.Path, cmd.Args and cmd.Env are already set.
	Prepare(cmd *exec.Cmd, limits registry.ResourceLimits) (*Launch, error)
}

// Launch carries per-process sandbox state between Prepare and exit.
type Launch struct {
	status *os.File
	child  *os.File

	limits   registry.ResourceLimits
	poll     func(pid int) (usage, bool)
	interval time.Duration
}

// started is called right after cmd.Start. For the launcher it blocks until
// the tool program has replaced the launcher image or failed to.
func (l *Launch) started() error {
	if l.status == nil {
		return nil
	}
	l.child.Close()
	l.child = nil
	msg, err := io.ReadAll(l.status)
	l.status.Close()
	l.status = nil
	if err != nil {
		return fmt.Errorf("read launcher status: %w", err)
	}
	if len(msg) > 0 {
		return fmt.Errorf("%s", strings.TrimSpace(string(msg)))
	}
	return nil
}

// abort releases the launch when cmd.Start itself failed.
func (l *Launch) abort() {
	if l.child != nil {
		l.child.Close()
	}
	if l.status != nil {
		l.status.Close()
	}
}

// watch reports the first resource violation observed while ctx is live.
// It returns a nil channel when the launch is not polled.
func (l *Launch) watch(ctx context.Context, pid int) <-chan string {
	if l.poll == nil || (l.limits.MaxCPUSeconds == 0 && l.limits.MaxMemoryBytes == 0) {
		return nil
	}
	out := make(chan string, 1)
	go func() {
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			u, ok := l.poll(pid)
			if !ok {
				return
			}
			if l.limits.MaxCPUSeconds > 0 && u.cpu >= time.Duration(l.limits.MaxCPUSeconds)*time.Second {
				out <- "cpu"
				return
			}
			if l.limits.MaxMemoryBytes > 0 && u.memory > l.limits.MaxMemoryBytes {
				out <- "memory"
				return
			}
		}
	}()
	return out
}

// usage is a point-in-time resource sample of one process.
type usage struct {
	cpu    time.Duration
	memory uint64
}

// PollingSandbox enforces only the wall timeout natively and samples CPU
// time and memory of the direct child at an interval. Children of the tool
// are not sampled and limits are detected after the fact.
type PollingSandbox struct {
	Interval time.Duration
}

func (p *PollingSandbox) Name() string { return ModePolling }

func (p *PollingSandbox) Prepare(_ *exec.Cmd, limits registry.ResourceLimits) (*Launch, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Launch{limits: limits, poll: probe, interval: interval}, nil
}

// NewSandbox selects a sandbox for mode. "auto" prefers rlimits and falls
// back to polling where the platform has none.
func NewSandbox(mode string, logger *zap.Logger) (ProcessSandbox, error) {
	switch mode {
	case ModePolling:
		logger.Warn("polling sandbox selected: limits are sampled, not enforced by the kernel")
		return &PollingSandbox{}, nil
	case ModeRlimit:
		return newRlimitSandbox()
	case ModeAuto, "":
		sb, err := newRlimitSandbox()
		if err == nil {
			return sb, nil
		}
		logger.Warn("rlimit sandbox unavailable, falling back to polling", zap.Error(err))
		return &PollingSandbox{}, nil
	default:
		return nil, fmt.Errorf("unknown sandbox mode %q", mode)
	}
}
