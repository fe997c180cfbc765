//go:build linux

package sandbox

import (
	"time"

	"github.com/prometheus/procfs"
)

// probe samples CPU time and virtual memory size from /proc. It reports
// false once the process is gone.
func probe(pid int) (usage, bool) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return usage{}, false
	}
	stat, err := proc.Stat()
	if err != nil || stat.State == "Z" {
		return usage{}, false
	}
	return usage{
		cpu:    time.Duration(stat.CPUTime() * float64(time.Second)),
		memory: uint64(stat.VirtualMemory()),
	}, true
}
