//go:build !unix

package sandbox

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

func terminateGroup(pid int) { killGroup(pid) }

func killGroup(pid int) {
	if p, err := os.FindProcess(pid); err == nil {
		_ = p.Kill()
	}
}

type termination struct {
	signal string
	limit  string
	killed bool
}

func signalOf(*os.ProcessState) (termination, bool) { return termination{}, false }
