//go:build !windows

package main

import (
	"os"
	"syscall"
)

var pauseSignals = []os.Signal{syscall.SIGUSR1}

func isPauseSignal(sig os.Signal) bool {
	return sig == syscall.SIGUSR1
}
