package perception

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Parsing helpers for model output. The collector's prompts demand a bare
// {"id": ...} object, but small models wrap it in prose, code fences, or
// reasoning tags, so every consumer goes through these.

var thinkTagRe = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripReasoning removes <think>...</think> blocks emitted by reasoning
// models (qwen3 and friends) before any JSON extraction.
func StripReasoning(s string) string {
	return strings.TrimSpace(thinkTagRe.ReplaceAllString(s, ""))
}

// ExtractJSONBlock extracts JSON from a ```json ... ``` code block.
func ExtractJSONBlock(s string) string {
	start := strings.Index(s, "```json")
	if start == -1 {
		start = strings.Index(s, "```")
		if start == -1 {
			return ""
		}
	}

	// Find the newline after the opening fence
	nl := strings.Index(s[start:], "\n")
	if nl == -1 {
		return ""
	}
	start += nl + 1

	end := strings.LastIndex(s, "```")
	if end == -1 || end <= start {
		return ""
	}

	return strings.TrimSpace(s[start:end])
}

// ExtractJSONObject extracts the first balanced JSON object from a string.
func ExtractJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// ExtractJSON pulls a JSON payload out of a model response, trying a code
// block first and falling back to the first balanced object.
func ExtractJSON(response string) string {
	response = StripReasoning(response)
	if block := ExtractJSONBlock(response); block != "" && strings.HasPrefix(block, "{") {
		return block
	}
	return ExtractJSONObject(response)
}

// idPayload matches the single output contract the collector prompts use.
type idPayload struct {
	ID json.RawMessage `json:"id"`
}

// ParseID extracts the "id" field from a model response that was asked to
// return {"id": <value>}. Accepts a bare integer, a digit string, or any
// non-empty string (territory codes come back as "N3"). Returns the value
// as a string; use ParseNumericID when an integer is required.
func ParseID(response string) (string, error) {
	jsonStr := ExtractJSON(response)
	if jsonStr == "" {
		return "", fmt.Errorf("no JSON object in response")
	}

	var payload idPayload
	if err := json.Unmarshal([]byte(jsonStr), &payload); err != nil {
		return "", fmt.Errorf("invalid JSON in response: %w", err)
	}
	if len(payload.ID) == 0 {
		return "", fmt.Errorf("response JSON has no 'id' field")
	}

	raw := strings.TrimSpace(string(payload.ID))

	// String value: strip quotes
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(payload.ID, &s); err != nil {
			return "", fmt.Errorf("invalid 'id' string: %w", err)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return "", fmt.Errorf("empty 'id' in response")
		}
		return s, nil
	}

	// Numeric value: normalize floats like 123.0 to 123
	var f float64
	if err := json.Unmarshal(payload.ID, &f); err != nil {
		return "", fmt.Errorf("unsupported 'id' value %q", raw)
	}
	return strconv.FormatInt(int64(f), 10), nil
}

// ParseNumericID extracts the "id" field and requires it to be an integer.
func ParseNumericID(response string) (int, error) {
	s, err := ParseID(response)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("'id' %q is not numeric", s)
	}
	return n, nil
}
