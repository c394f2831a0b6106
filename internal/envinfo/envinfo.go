// Package envinfo describes the machine the loop is driving.
package envinfo

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// IsMacOS reports whether instructions should use macOS key bindings.
func IsMacOS() bool {
	return runtime.GOOS == "darwin"
}

// Describe returns the environment context passed to the reasoning
// capability, e.g. "macOS 14.5; arm64; Browser: firefox".
func Describe(ctx context.Context, browser string) string {
	parts := []string{osName(ctx), runtime.GOARCH}
	if b := strings.TrimSpace(browser); b != "" {
		parts = append(parts, "Browser: "+b)
	}
	return strings.Join(parts, "; ")
}

func osName(ctx context.Context) string {
	switch runtime.GOOS {
	case "darwin":
		out, err := exec.CommandContext(ctx, "sw_vers", "-productVersion").Output()
		if v := strings.TrimSpace(string(out)); err == nil && v != "" {
			return "macOS " + v
		}
		return "macOS"
	case "linux":
		if name := osRelease("/etc/os-release"); name != "" {
			return name
		}
		return "Linux"
	case "windows":
		return "Windows"
	default:
		return runtime.GOOS
	}
}

// osRelease reads PRETTY_NAME from an os-release file.
func osRelease(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if ok && key == "PRETTY_NAME" {
			return strings.Trim(strings.TrimSpace(value), `"'`)
		}
	}
	return ""
}
