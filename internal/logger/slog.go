package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// NewSlog fans structured records out to l and, when console is set, to a
// text handler on console that only shows consoleLevel and above.
func NewSlog(l *Logger, console io.Writer, consoleLevel slog.Level) *slog.Logger {
	var handlers []slog.Handler
	if h := NewSlogHandler(l); h != nil {
		handlers = append(handlers, h)
	}
	if console != nil {
		handlers = append(handlers, slog.NewTextHandler(console, &slog.HandlerOptions{Level: consoleLevel}))
	}
	switch len(handlers) {
	case 0:
		return slog.New(slog.DiscardHandler)
	case 1:
		return slog.New(handlers[0])
	}
	return slog.New(slogmulti.Fanout(handlers...))
}

// NewSlogHandler renders records as "msg key=value ..." lines on l.
func NewSlogHandler(l *Logger) slog.Handler {
	if l == nil {
		return nil
	}
	return &lineHandler{log: l}
}

// lineHandler keeps attributes already flattened to dotted keys.
type lineHandler struct {
	log    *Logger
	group  string
	fields []string
}

func (h *lineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.log.enabled(levelOf(level))
}

func (h *lineHandler) Handle(_ context.Context, r slog.Record) error {
	fields := append([]string(nil), h.fields...)
	r.Attrs(func(a slog.Attr) bool {
		fields = flatten(fields, h.group, a)
		return true
	})

	line := r.Message
	if len(fields) > 0 {
		line = strings.TrimSpace(line + " " + strings.Join(fields, " "))
	}
	h.log.log(levelOf(r.Level), "%s", line)
	return nil
}

func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.fields = append([]string(nil), h.fields...)
	for _, a := range attrs {
		next.fields = flatten(next.fields, h.group, a)
	}
	return &next
}

func (h *lineHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.group = join(h.group, name)
	return &next
}

func flatten(fields []string, prefix string, a slog.Attr) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return fields
	}
	key := a.Key
	if key == "" {
		key = "attr"
	}
	key = join(prefix, key)
	if a.Value.Kind() == slog.KindGroup {
		for _, nested := range a.Value.Group() {
			fields = flatten(fields, key, nested)
		}
		return fields
	}
	return append(fields, fmt.Sprintf("%s=%v", key, a.Value))
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func levelOf(level slog.Level) Level {
	switch {
	case level >= slog.LevelError:
		return LevelError
	case level >= slog.LevelWarn:
		return LevelWarn
	case level >= slog.LevelInfo:
		return LevelInfo
	}
	return LevelDebug
}
