package server

import (
	"os"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// currentRSS reads this process's resident set size, the same
// gopsutil-based approach internal/workerpool uses for its own
// memory-threshold recycling.
func currentRSS() (uint64, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}

// processExists reports whether pid refers to a running process using a
// signal-0 probe.
func processExists(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
