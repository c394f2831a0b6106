//go:build windows

package envlock

import (
	"errors"
	"syscall"
)

func processAlive(pid int) error {
	if pid <= 0 {
		return errors.New("invalid PID")
	}
	h, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return err
	}
	return syscall.CloseHandle(h)
}
