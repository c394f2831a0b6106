//go:build !windows

package envlock

import (
	"errors"
	"os"
	"syscall"
)

// processAlive probes pid with signal 0. EPERM means the process exists but
// belongs to another user.
func processAlive(pid int) error {
	if pid <= 0 {
		return errors.New("invalid PID")
	}
	proc, _ := os.FindProcess(pid)
	err := proc.Signal(syscall.Signal(0))
	if err == nil || errors.Is(err, syscall.EPERM) {
		return nil
	}
	return err
}
