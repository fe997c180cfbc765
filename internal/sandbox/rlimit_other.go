//go:build !(linux || darwin)

package sandbox

import (
	"errors"
	"runtime"
)

func newRlimitSandbox() (ProcessSandbox, error) {
	return nil, errors.New("rlimits are not supported on " + runtime.GOOS)
}

// MaybeReexec is a no-op where no launcher is used.
func MaybeReexec() {}
