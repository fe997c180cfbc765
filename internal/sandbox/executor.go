package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/faults"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/metrics"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/registry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultKillGrace = 2 * time.Second
	defaultPath      = "/usr/local/bin:/usr/bin:/bin"
	scratchPrefix    = "inv-"
)

// Config configures an Executor.
type Config struct {
	Sandbox ProcessSandbox
	// OutputLimit caps each of stdout and stderr in bytes.
	OutputLimit int
	// DefaultTimeout applies to tools without a timeout of their own.
	DefaultTimeout time.Duration
	// KillGrace is the time between SIGTERM and SIGKILL.
	KillGrace time.Duration
	// ScratchRoot holds per-invocation scratch directories.
	ScratchRoot string
	Logger      *zap.Logger
}

// Command is one fully resolved child process.
type Command struct {
	ToolID         string
	Program        string
	Args           []string
	Dir            string
	EnvPassthrough []string
	Limits         registry.ResourceLimits
}

// Execution is the outcome of Run. Err is nil only for a zero exit.
type Execution struct {
	State    State
	History  []State
	ExitCode *int
	Signal   string

	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool

	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

// Executor runs commands one child process at a time per call. It is safe
// for concurrent use; admission bounds the number of concurrent calls.
type Executor struct {
	sandbox     ProcessSandbox
	outputLimit int
	timeout     time.Duration
	grace       time.Duration
	scratchRoot string
	logger      *zap.Logger
}

// NewExecutor creates an Executor. A nil sandbox selects PollingSandbox.
func NewExecutor(cfg Config) *Executor {
	if cfg.Sandbox == nil {
		cfg.Sandbox = &PollingSandbox{}
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	if cfg.ScratchRoot == "" {
		cfg.ScratchRoot = os.TempDir()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Executor{
		sandbox:     cfg.Sandbox,
		outputLimit: cfg.OutputLimit,
		timeout:     cfg.DefaultTimeout,
		grace:       cfg.KillGrace,
		scratchRoot: cfg.ScratchRoot,
		logger:      cfg.Logger,
	}
}

// SandboxName reports which ProcessSandbox is in use.
func (e *Executor) SandboxName() string { return e.sandbox.Name() }

// Run spawns c, supervises it until a terminal state and finalizes it.
// It always returns a finalized Execution.
func (e *Executor) Run(ctx context.Context, c Command) *Execution {
	m := newMachine()
	exe := &Execution{StartedAt: time.Now()}
	stdout := NewBoundedBuffer(e.outputLimit)
	stderr := NewBoundedBuffer(e.outputLimit)

	finish := func(state State, err error) *Execution {
		if terr := m.to(state); terr != nil {
			err = &faults.InternalError{Op: "executor", Err: terr}
		}
		exe.Err = err
		exe.Duration = time.Since(exe.StartedAt)
		exe.Stdout, exe.StdoutTruncated = stdout.String(), stdout.Truncated()
		exe.Stderr, exe.StderrTruncated = stderr.String(), stderr.Truncated()
		if exe.StdoutTruncated {
			metrics.RecordTruncation(c.ToolID, "stdout")
		}
		if exe.StderrTruncated {
			metrics.RecordTruncation(c.ToolID, "stderr")
		}
		exe.State = m.current
		_ = m.to(StateFinalized)
		exe.History = m.history
		return exe
	}
	spawnFailed := func(err error) *Execution {
		e.logger.Warn("tool spawn failed",
			zap.String("tool_id", c.ToolID),
			zap.Error(err),
		)
		return finish(StateSpawnFailed, &faults.ProcessSpawnError{Program: c.Program, Err: err})
	}

	if err := ctx.Err(); err != nil {
		return finish(StateCancelled, &faults.CancelledError{Err: err})
	}

	scratch, err := os.MkdirTemp(e.scratchRoot, scratchPrefix)
	if err != nil {
		return spawnFailed(fmt.Errorf("create scratch dir: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			e.logger.Warn("remove scratch dir", zap.String("tool_id", c.ToolID), zap.Error(err))
		}
	}()

	cmd := exec.Command(c.Program, c.Args...)
	cmd.Env = buildEnv(c.EnvPassthrough, scratch)
	cmd.Dir = c.Dir
	if cmd.Dir == "" {
		cmd.Dir = scratch
	}
	cmd.Stdin = nil
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = e.grace
	setProcessGroup(cmd)

	launch, err := e.sandbox.Prepare(cmd, c.Limits)
	if err != nil {
		return spawnFailed(err)
	}
	if err := cmd.Start(); err != nil {
		launch.abort()
		return spawnFailed(err)
	}
	pid := cmd.Process.Pid

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	if err := launch.started(); err != nil {
		<-done
		return spawnFailed(err)
	}
	if err := m.to(StateRunning); err != nil {
		killGroup(pid)
		<-done
		return finish(StateCrashed, &faults.InternalError{Op: "executor", Err: err})
	}
	e.logger.Debug("tool started",
		zap.String("tool_id", c.ToolID),
		zap.Int("pid", pid),
		zap.String("sandbox", e.sandbox.Name()),
	)

	timeout := c.Limits.Timeout()
	if timeout <= 0 {
		timeout = e.timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	violations := launch.watch(watchCtx, pid)

	var (
		waitErr   error
		stopped   State
		violation string
	)
	select {
	case waitErr = <-done:
	case <-timer.C:
		stopped = StateTimedOut
		waitErr = e.stop(pid, done)
	case <-ctx.Done():
		stopped = StateCancelled
		waitErr = e.stop(pid, done)
	case violation = <-violations:
		stopped = StateResourceLimitExceeded
		waitErr = e.stop(pid, done)
	}
	stopWatch()
	// The leader is gone; nothing else in its group may outlive the run.
	killGroup(pid)

	switch stopped {
	case StateTimedOut:
		e.logger.Warn("tool timed out", zap.String("tool_id", c.ToolID), zap.Duration("timeout", timeout))
		return finish(StateTimedOut, &faults.TimeoutError{Timeout: timeout})
	case StateCancelled:
		return finish(StateCancelled, &faults.CancelledError{Err: ctx.Err()})
	case StateResourceLimitExceeded:
		return finish(StateResourceLimitExceeded, &faults.ResourceLimitExceededError{Resource: violation, Detail: "sampled usage over limit"})
	}

	state := cmd.ProcessState
	if state == nil {
		return finish(StateCrashed, &faults.InternalError{Op: "executor wait", Err: waitErr})
	}
	if term, ok := signalOf(state); ok {
		exe.Signal = term.signal
		switch {
		case term.limit != "":
			return finish(StateResourceLimitExceeded, &faults.ResourceLimitExceededError{Resource: term.limit, Detail: term.signal})
		case term.killed:
			// The supervisor did not send this SIGKILL: the CPU hard limit
			// or the kernel OOM killer did.
			return finish(StateResourceLimitExceeded, &faults.ResourceLimitExceededError{Resource: "cpu_or_memory", Detail: term.signal})
		default:
			return finish(StateCrashed, &faults.CrashError{Signal: term.signal})
		}
	}
	if waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay) {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return finish(StateCrashed, &faults.InternalError{Op: "executor wait", Err: waitErr})
		}
	}
	code := state.ExitCode()
	exe.ExitCode = &code
	if code != 0 {
		return finish(StateCompleted, &faults.ExitError{Code: code})
	}
	return finish(StateCompleted, nil)
}

// stop terminates the process group, escalating to SIGKILL after the grace
// period, and returns the result of Wait.
func (e *Executor) stop(pid int, done <-chan error) error {
	terminateGroup(pid)
	grace := time.NewTimer(e.grace)
	defer grace.Stop()
	var err error
	select {
	case err = <-done:
	case <-grace.C:
		killGroup(pid)
		err = <-done
	}
	// Reap stragglers that ignored SIGTERM after the leader exited.
	killGroup(pid)
	return err
}

// buildEnv returns the minimal child environment: PATH, HOME, TMPDIR and
// the allowlisted variables that are set in the server environment.
func buildEnv(passthrough []string, scratch string) []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = defaultPath
	}
	home := os.Getenv("HOME")
	if home == "" {
		home = scratch
	}
	env := []string{"PATH=" + path, "HOME=" + home, "TMPDIR=" + scratch}
	for _, key := range passthrough {
		switch key {
		case "PATH", "HOME", "TMPDIR", "":
			continue
		}
		if strings.HasPrefix(key, "TOOL_SANDBOX_") {
			continue
		}
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// CleanupScratch removes scratch directories under root last modified
// before now minus retention. It returns how many were removed.
func CleanupScratch(root string, retention time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, fmt.Errorf("CleanupScratch: %w", err)
	}
	cutoff := now.Add(-retention)
	removed := 0
	var errs error
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), scratchPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, entry.Name())); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		removed++
	}
	return removed, errs
}
