//go:build windows

package lock

import "os"

// processAlive checks pid liveness. On Windows FindProcess fails for pids
// that no longer exist, so the error is the probe.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = proc.Release()
	return true
}
