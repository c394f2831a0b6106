package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)
	codeFence  = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
)

// StripReasoning drops the <think> blocks some models emit before answering.
func StripReasoning(response string) string {
	return strings.TrimSpace(thinkBlock.ReplaceAllString(response, ""))
}

// CleanLLMJSONResponse returns the body of the first code fence, or the
// whole reply when there is none, without reasoning blocks.
func CleanLLMJSONResponse(response string) string {
	body := StripReasoning(response)
	if m := codeFence.FindStringSubmatch(body); m != nil {
		body = m[1]
	}
	return strings.TrimSpace(body)
}

// ExtractJSON decodes the first JSON object in response into target.
func ExtractJSON(response string, target any) error {
	if decodeFirst(response, '{', '}', target) {
		return nil
	}
	return &JSONParseError{Response: response, Message: "no JSON object in reply"}
}

// ExtractJSONArray decodes the first JSON array in response.
func ExtractJSONArray[T any](response string) ([]T, error) {
	var out []T
	if decodeFirst(response, '[', ']', &out) {
		return out, nil
	}
	return nil, &JSONParseError{Response: response, Message: "no JSON array in reply"}
}

// decodeFirst tries the cleaned reply as a whole, then every balanced
// open...close span of the reply in order.
func decodeFirst(response string, open, close byte, target any) bool {
	if cleaned := CleanLLMJSONResponse(response); len(cleaned) > 0 && cleaned[0] == open {
		if json.Unmarshal([]byte(cleaned), target) == nil {
			return true
		}
	}

	text := StripReasoning(response)
	for i := 0; i < len(text); i++ {
		if text[i] != open {
			continue
		}
		end := balancedEnd(text, i, open, close)
		if end < 0 {
			continue
		}
		if json.Unmarshal([]byte(text[i:end+1]), target) == nil {
			return true
		}
	}
	return false
}

// balancedEnd returns the index closing the bracket at start. Brackets
// inside string literals do not count.
func balancedEnd(s string, start int, open, close byte) int {
	depth := 0
	quoted, escape := false, false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if quoted {
			if escape {
				escape = false
			} else if ch == '\\' {
				escape = true
			} else if ch == '"' {
				quoted = false
			}
			continue
		}
		switch ch {
		case '"':
			quoted = true
		case open:
			depth++
		case close:
			if depth--; depth == 0 {
				return i
			}
		}
	}
	return -1
}

// JSONParseError carries the reply that could not be decoded.
type JSONParseError struct {
	Response string
	Message  string
}

func (e *JSONParseError) Error() string {
	return e.Message + ": " + TruncateForError(e.Response, 200)
}

// TruncateForError shortens value to limit runes, marking the cut with "...".
func TruncateForError(value string, limit int) string {
	value = strings.TrimSpace(value)
	if r := []rune(value); len(r) > limit {
		return string(r[:limit]) + "..."
	}
	return value
}
