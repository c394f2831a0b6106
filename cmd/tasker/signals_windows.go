//go:build windows

package main

import "os"

var pauseSignals []os.Signal

func isPauseSignal(os.Signal) bool {
	return false
}
