// Package logger provides the leveled file logger shared by every tasker
// component, plus a log/slog bridge for structured step events.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level orders log lines by severity. LevelNone silences a logger.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelNone
)

const timestampLayout = "2006-01-02 15:04:05.000"

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelNone:
		return "NONE"
	}
	return "UNKNOWN"
}

// ParseLevel reads a config value such as "warn". Anything unrecognised is
// treated as info.
func ParseLevel(s string) Level {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, lvl := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError, LevelNone} {
		if name == strings.ToLower(lvl.String()) {
			return lvl
		}
	}
	switch name {
	case "warning":
		return LevelWarn
	case "off":
		return LevelNone
	}
	return LevelInfo
}

// sink is the output shared by a logger and everything derived from it.
type sink struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	closed bool
}

func (s *sink) write(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.w == nil {
		return
	}
	_, _ = io.WriteString(s.w, line)
}

func (s *sink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer = nil
	return err
}

// Logger writes one timestamped line per call. Loggers made by WithPrefix
// share their parent's sink and level threshold at the time of derivation.
type Logger struct {
	out    *sink
	level  atomic.Int32
	prefix string
	owner  bool
}

func newLogger(out *sink, level Level, prefix string, owner bool) *Logger {
	l := &Logger{out: out, prefix: prefix, owner: owner}
	l.level.Store(int32(level))
	return l
}

// New opens logPath for appending, creating its directory as needed. An
// empty path or LevelNone produces a Discard logger.
func New(level Level, logPath string, prefix string) (*Logger, error) {
	if level == LevelNone || logPath == "" {
		return Discard(), nil
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}
	return newLogger(&sink{w: f, closer: f}, level, prefix, true), nil
}

// NewWriter logs to w without taking ownership of it.
func NewWriter(level Level, w io.Writer, prefix string) *Logger {
	if w == nil || level == LevelNone {
		return Discard()
	}
	return newLogger(&sink{w: w}, level, prefix, false)
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return newLogger(&sink{}, LevelNone, "", false)
}

// WithPrefix derives a logger tagged "parent:prefix". Closing it is a no-op.
func (l *Logger) WithPrefix(prefix string) *Logger {
	if l.prefix != "" {
		prefix = l.prefix + ":" + prefix
	}
	return newLogger(l.out, l.GetLevel(), prefix, false)
}

func (l *Logger) SetLevel(level Level) {
	l.level.Store(int32(level))
}

func (l *Logger) GetLevel() Level {
	return Level(l.level.Load())
}

func (l *Logger) enabled(level Level) bool {
	threshold := l.GetLevel()
	return threshold != LevelNone && level >= threshold
}

func (l *Logger) log(level Level, format string, args ...any) {
	if !l.enabled(level) {
		return
	}
	var b strings.Builder
	b.WriteString(time.Now().Format(timestampLayout))
	b.WriteString(" [")
	b.WriteString(level.String())
	b.WriteString("] ")
	if l.prefix != "" {
		b.WriteString("[" + l.prefix + "] ")
	}
	fmt.Fprintf(&b, format, args...)
	b.WriteByte('\n')
	l.out.write(b.String())
}

func (l *Logger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

// Close releases the log file. Only the logger returned by New owns one.
func (l *Logger) Close() error {
	if !l.owner {
		return nil
	}
	return l.out.close()
}

var global atomic.Pointer[Logger]

// Init replaces the process-wide logger, closing the previous one.
func Init(level Level, logPath string) error {
	l, err := New(level, logPath, "")
	if err != nil {
		return err
	}
	if prev := global.Swap(l); prev != nil {
		_ = prev.Close()
	}
	return nil
}

// Global returns the logger installed by Init, or a discarding one.
func Global() *Logger {
	if l := global.Load(); l != nil {
		return l
	}
	global.CompareAndSwap(nil, Discard())
	return global.Load()
}

func Debug(format string, args ...any) { Global().Debug(format, args...) }
func Info(format string, args ...any)  { Global().Info(format, args...) }
func Warn(format string, args ...any)  { Global().Warn(format, args...) }
func Error(format string, args ...any) { Global().Error(format, args...) }
