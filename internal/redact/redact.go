// Package redact scrubs credentials from text before it is persisted.
package redact

import "regexp"

// Placeholder replaces every detected credential.
const Placeholder = "[REDACTED]"

var patterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-api03-[a-zA-Z0-9_\-]{20,}`),
	regexp.MustCompile(`sk-proj-[a-zA-Z0-9_\-]{32,}`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{32,}`),
	regexp.MustCompile(`AIza[0-9A-Za-z\-_]{35}`),
	regexp.MustCompile(`(A3T[A-Z0-9]|AKIA|AGPA|AIDA|AROA|AIPA|ANPA|ANVA|ASIA)[A-Z0-9]{16}`),
	regexp.MustCompile(`gh[po]_[a-zA-Z0-9]{36}`),
	regexp.MustCompile(`xox[bp]-[0-9]{10,12}-[0-9]{10,12}(-[0-9]{10,12})?-[a-zA-Z0-9]{24,32}`),
	regexp.MustCompile(`(?i)(api[_-]?key|authorization:\s*bearer)\s*[=:]?\s*['"]?[A-Za-z0-9_\-\.]{16,}`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY( BLOCK)?-----`),
}

// String returns s with known credential formats replaced by Placeholder.
func String(s string) string {
	for _, re := range patterns {
		s = re.ReplaceAllString(s, Placeholder)
	}
	return s
}

// Contains reports whether s holds a known credential format.
func Contains(s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
