//go:build linux || darwin

package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/registry"
	"golang.org/x/sys/unix"
)

const (
	launcherEnv = "TOOL_SANDBOX_EXEC"
	limitsEnv   = "TOOL_SANDBOX_LIMITS"
	// statusFD is the first ExtraFiles slot in the launcher.
	statusFD = 3
)

// RlimitSandbox starts every tool through a copy of the current binary
// acting as a launcher. The launcher sets RLIMIT_CPU, RLIMIT_AS,
// RLIMIT_NPROC and RLIMIT_FSIZE on itself and then execs the tool, so the
// limits hold from the first instruction of tool code.
type RlimitSandbox struct {
	self string
}

func newRlimitSandbox() (ProcessSandbox, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve launcher binary: %w", err)
	}
	return &RlimitSandbox{self: self}, nil
}

func (r *RlimitSandbox) Name() string { return ModeRlimit }

func (r *RlimitSandbox) Prepare(cmd *exec.Cmd, limits registry.ResourceLimits) (*Launch, error) {
	status, child, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("launcher status pipe: %w", err)
	}
	args := append([]string{r.self, cmd.Path}, cmd.Args[1:]...)
	cmd.Path = r.self
	cmd.Args = args
	cmd.Env = append(cmd.Env, launcherEnv+"=1", limitsEnv+"="+encodeLimits(limits))
	cmd.ExtraFiles = []*os.File{child}
	return &Launch{status: status, child: child, limits: limits}, nil
}

func encodeLimits(l registry.ResourceLimits) string {
	return fmt.Sprintf("cpu=%d,as=%d,nproc=%d,fsize=%d",
		l.MaxCPUSeconds, l.MaxMemoryBytes, l.MaxProcesses, l.MaxFileBytes)
}

func decodeLimits(s string) (registry.ResourceLimits, error) {
	var l registry.ResourceLimits
	for _, field := range strings.Split(s, ",") {
		name, value, ok := strings.Cut(field, "=")
		if !ok {
			return l, fmt.Errorf("malformed limit %q", field)
		}
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return l, fmt.Errorf("limit %s: %w", name, err)
		}
		switch name {
		case "cpu":
			l.MaxCPUSeconds = n
		case "as":
			l.MaxMemoryBytes = n
		case "nproc":
			l.MaxProcesses = n
		case "fsize":
			l.MaxFileBytes = n
		default:
			return l, fmt.Errorf("unknown limit %q", name)
		}
	}
	return l, nil
}

// MaybeReexec turns the process into the launcher when it was started by
// RlimitSandbox. It must be the first call in main and in TestMain. It
// returns only when the process is not a launcher.
func MaybeReexec() {
	if os.Getenv(launcherEnv) != "1" {
		return
	}
	status := os.NewFile(statusFD, "launcher-status")
	fail := func(format string, args ...any) {
		fmt.Fprintf(status, format, args...)
		os.Exit(127)
	}
	if len(os.Args) < 2 {
		fail("launcher: missing program")
	}
	limits, err := decodeLimits(os.Getenv(limitsEnv))
	if err != nil {
		fail("launcher: %v", err)
	}
	env := make([]string, 0, len(os.Environ()))
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, launcherEnv+"=") || strings.HasPrefix(kv, limitsEnv+"=") {
			continue
		}
		env = append(env, kv)
	}
	program, argv := os.Args[1], os.Args[1:]
	unix.CloseOnExec(statusFD)

	if err := applyLimits(limits); err != nil {
		fail("launcher: %v", err)
	}
	err = unix.Exec(program, argv, env)
	fail("exec %s: %v", program, err)
}

func applyLimits(l registry.ResourceLimits) error {
	if l.MaxCPUSeconds > 0 {
		// SIGXCPU at the soft limit, SIGKILL one second later.
		if err := setLimit(unix.RLIMIT_CPU, l.MaxCPUSeconds, l.MaxCPUSeconds+1); err != nil {
			return fmt.Errorf("RLIMIT_CPU: %w", err)
		}
	}
	if l.MaxMemoryBytes > 0 {
		if err := setLimit(unix.RLIMIT_AS, l.MaxMemoryBytes, l.MaxMemoryBytes); err != nil {
			return fmt.Errorf("RLIMIT_AS: %w", err)
		}
	}
	if l.MaxProcesses > 0 {
		if err := setLimit(unix.RLIMIT_NPROC, l.MaxProcesses, l.MaxProcesses); err != nil {
			return fmt.Errorf("RLIMIT_NPROC: %w", err)
		}
	}
	if l.MaxFileBytes > 0 {
		if err := setLimit(unix.RLIMIT_FSIZE, l.MaxFileBytes, l.MaxFileBytes); err != nil {
			return fmt.Errorf("RLIMIT_FSIZE: %w", err)
		}
	}
	return nil
}

// setLimit never raises the existing hard limit, which would need privileges.
func setLimit(resource int, soft, hard uint64) error {
	var cur unix.Rlimit
	if err := unix.Getrlimit(resource, &cur); err != nil {
		return err
	}
	if hard > cur.Max {
		hard = cur.Max
	}
	if soft > hard {
		soft = hard
	}
	return unix.Setrlimit(resource, &unix.Rlimit{Cur: soft, Max: hard})
}
