// Package envlock makes sure only one session drives the environment at a time.
package envlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/tasker/internal/consts"
)

// ErrEnvironmentBusy is returned when another live session holds the lock.
var ErrEnvironmentBusy = errors.New("environment is in use by another session")

// Holder describes the owner recorded in a lock file.
type Holder struct {
	PID       int
	SessionID string
	Acquired  time.Time
}

// Lock is a file-based lock on the environment.
type Lock struct {
	mu      sync.Mutex
	path    string
	maxAge  time.Duration
	file    *os.File
	session string
	locked  bool
}

// New creates an unlocked Lock for path.
func New(path string) *Lock {
	return &Lock{path: path, maxAge: consts.StaleLockAge}
}

// Acquire takes the lock for sessionID. A lock left behind by a dead process
// or older than the stale age is replaced.
func (l *Lock) Acquire(sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.locked {
		if l.session == sessionID {
			return nil
		}
		return fmt.Errorf("%w: held by session %s in this process", ErrEnvironmentBusy, l.session)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create lock file: %w", err)
		}
		stale, reason := l.checkStale()
		if !stale {
			return fmt.Errorf("%w: %s", ErrEnvironmentBusy, reason)
		}
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale lock (%s): %w", reason, err)
		}
		file, err = os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
		if err != nil {
			if os.IsExist(err) {
				return fmt.Errorf("%w: lock taken concurrently", ErrEnvironmentBusy)
			}
			return fmt.Errorf("failed to create lock file after removing stale one: %w", err)
		}
	}

	l.file = file
	l.session = sessionID
	l.locked = true

	content := fmt.Sprintf("%d\n%s\n%s\n", os.Getpid(), time.Now().Format(time.RFC3339), sessionID)
	if _, err := file.WriteString(content); err != nil {
		l.releaseLocked()
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	if err := file.Sync(); err != nil {
		l.releaseLocked()
		return fmt.Errorf("failed to sync lock file: %w", err)
	}
	return nil
}

func (l *Lock) checkStale() (bool, string) {
	holder, err := ReadHolder(l.path)
	if err != nil {
		return true, err.Error()
	}
	if err := processAlive(holder.PID); err != nil {
		return true, fmt.Sprintf("holder PID %d: %v", holder.PID, err)
	}
	if !holder.Acquired.IsZero() && time.Since(holder.Acquired) > l.maxAge {
		return true, "lock is older than " + l.maxAge.String()
	}
	return false, fmt.Sprintf("session %s (PID %d) is running", holder.SessionID, holder.PID)
}

// Release drops the lock. Releasing an unlocked Lock is a no-op.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.releaseLocked()
}

func (l *Lock) releaseLocked() error {
	if !l.locked {
		return nil
	}
	var err error
	if l.file != nil {
		err = l.file.Close()
		l.file = nil
	}
	if removeErr := os.Remove(l.path); removeErr != nil && !os.IsNotExist(removeErr) {
		err = errors.Join(err, fmt.Errorf("failed to remove lock file: %w", removeErr))
	}
	l.locked = false
	l.session = ""
	return err
}

// Locked reports whether this Lock is held.
func (l *Lock) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// ReadHolder parses the lock file at path.
func ReadHolder(path string) (*Holder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return nil, fmt.Errorf("invalid PID in lock file")
	}
	holder := &Holder{PID: pid}
	if len(lines) >= 2 {
		if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(lines[1])); err == nil {
			holder.Acquired = ts
		}
	}
	if len(lines) >= 3 {
		holder.SessionID = strings.TrimSpace(lines[2])
	}
	return holder, nil
}
