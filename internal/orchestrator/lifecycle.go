package orchestrator

import (
	"errors"
	"fmt"

	"github.com/codefionn/tasker/internal/audit"
)

// ErrInvalidTransition is returned for a status change the lifecycle forbids.
var ErrInvalidTransition = errors.New("invalid session status transition")

// ErrNotResumable is returned by Resume for a session that is not PAUSED.
var ErrNotResumable = fmt.Errorf("%w: only paused sessions can be resumed", ErrInvalidTransition)

var allowedTransitions = map[audit.SessionStatus]map[audit.SessionStatus]struct{}{
	audit.StatusRunning: {
		audit.StatusSuccess: {},
		audit.StatusLost:    {},
		audit.StatusFailed:  {},
		audit.StatusPaused:  {},
		audit.StatusAborted: {},
	},
	audit.StatusPaused: {
		audit.StatusRunning: {},
		audit.StatusAborted: {},
	},
	audit.StatusSuccess: {},
	audit.StatusLost:    {},
	audit.StatusFailed:  {},
	audit.StatusAborted: {},
}

func validateTransition(from, to audit.SessionStatus) error {
	allowed, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown source status %q", ErrInvalidTransition, from)
	}
	if _, ok := allowed[to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
