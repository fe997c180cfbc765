//go:build unix

package sandbox

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateGroup asks the whole group to stop.
func terminateGroup(pid int) {
	_ = unix.Kill(-pid, unix.SIGTERM)
}

// killGroup kills the whole group; ESRCH once it is gone is ignored.
func killGroup(pid int) {
	_ = unix.Kill(-pid, unix.SIGKILL)
}

// termination describes how a child exited when it was killed by a signal.
// limit names the exhausted resource for limit signals.
type termination struct {
	signal string
	limit  string
	killed bool
}

func signalOf(state *os.ProcessState) (termination, bool) {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return termination{}, false
	}
	sig := ws.Signal()
	t := termination{signal: unix.SignalName(sig)}
	if t.signal == "" {
		t.signal = sig.String()
	}
	switch sig {
	case unix.SIGXCPU:
		t.limit = "cpu"
	case unix.SIGXFSZ:
		t.limit = "file_size"
	case unix.SIGKILL:
		t.killed = true
	}
	return t, true
}
