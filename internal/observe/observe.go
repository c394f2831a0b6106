// Package observe captures point-in-time snapshots of the environment.
package observe

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/codefionn/tasker/internal/logger"
)

// Ref is an opaque handle to a captured snapshot.
type Ref string

// syntheticPrefix marks refs that point at no real image.
const syntheticPrefix = "none://"

// IsSynthetic reports whether the ref carries no image data.
func (r Ref) IsSynthetic() bool {
	return r == "" || strings.HasPrefix(string(r), syntheticPrefix)
}

// Source produces snapshots of the environment.
type Source interface {
	Capture(ctx context.Context, name string) (Ref, error)
}

// Error is the failure marker returned by a Source.
type Error struct {
	Name string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("observation %q failed: %v", e.Name, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CommandSource captures snapshots by running an external screenshot tool.
type CommandSource struct {
	command []string
	dir     string
	log     *logger.Logger
}

// NewCommandSource returns a source writing <dir>/<name>.png. "{path}" in
// command is replaced with the output file. Callers usually pass a
// per-session directory.
func NewCommandSource(command []string, dir string, log *logger.Logger) *CommandSource {
	if log == nil {
		log = logger.Discard()
	}
	return &CommandSource{command: command, dir: dir, log: log.WithPrefix("observe")}
}

// Dir returns the directory snapshots are written to.
func (s *CommandSource) Dir() string {
	return s.dir
}

// Capture runs the screenshot command and checks that it produced an image.
func (s *CommandSource) Capture(ctx context.Context, name string) (Ref, error) {
	if len(s.command) == 0 {
		return "", &Error{Name: name, Err: fmt.Errorf("no screenshot command configured")}
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", &Error{Name: name, Err: fmt.Errorf("failed to create screenshot directory: %w", err)}
	}
	path := filepath.Join(s.dir, sanitizeName(name)+".png")

	argv := make([]string, len(s.command))
	for i, arg := range s.command {
		argv[i] = strings.ReplaceAll(arg, "{path}", path)
	}

	s.log.Debug("capturing %s: %s", name, strings.Join(argv, " "))
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if out, err := cmd.CombinedOutput(); err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return "", &Error{Name: name, Err: err}
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", &Error{Name: name, Err: fmt.Errorf("screenshot not written: %w", err)}
	}
	if info.Size() == 0 {
		return "", &Error{Name: name, Err: fmt.Errorf("screenshot %s is empty", path)}
	}
	return Ref(path), nil
}

// NullSource returns synthetic refs without touching the environment.
type NullSource struct{}

// Capture returns "none://<name>".
func (NullSource) Capture(ctx context.Context, name string) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return "", &Error{Name: name, Err: err}
	}
	return Ref(syntheticPrefix + name), nil
}

// Encode reads the image behind ref. Synthetic refs return empty values.
func Encode(ref Ref) (mediaType string, data []byte, err error) {
	if ref.IsSynthetic() {
		return "", nil, nil
	}
	data, err = os.ReadFile(string(ref))
	if err != nil {
		return "", nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return mediaTypeFor(string(ref)), data, nil
}

func mediaTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/png"
	}
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, name)
}
