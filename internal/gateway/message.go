package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractMessage pulls a single human-readable message out of an error body.
// The body may be a decoded JSON value, raw bytes, or a string that itself
// holds JSON. It never fails: unparsable input yields the raw string and an
// unrecognised shape yields fallback.
func ExtractMessage(body any, fallback string) string {
	switch v := body.(type) {
	case nil:
		return fallback
	case json.RawMessage:
		return extractFromBytes(v, fallback)
	case []byte:
		return extractFromBytes(v, fallback)
	case string:
		if strings.Contains(v, "{") && strings.Contains(v, "}") {
			var decoded any
			if err := json.Unmarshal([]byte(v), &decoded); err != nil {
				return v
			}
			if s, ok := decoded.(string); ok {
				return s
			}
			return ExtractMessage(decoded, fallback)
		}
		if strings.TrimSpace(v) == "" {
			return fallback
		}
		return v
	case map[string]any:
		return extractFromMap(v, fallback)
	default:
		return fallback
	}
}

func extractFromBytes(raw []byte, fallback string) string {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		text := strings.TrimSpace(string(raw))
		if text == "" {
			return fallback
		}
		return text
	}
	return ExtractMessage(decoded, fallback)
}

func extractFromMap(body map[string]any, fallback string) string {
	if list, ok := body["Messages"].([]any); ok && len(list) > 0 {
		if first, ok := list[0].(map[string]any); ok {
			for _, key := range []string{"English", "French", "message"} {
				if msg := stringField(first, key); msg != "" {
					return msg
				}
			}
			return "Unknown error"
		}
	}
	if msg := stringField(body, "message"); msg != "" {
		return msg
	}
	if msg := stringField(body, "error"); msg != "" {
		return msg
	}
	return fallback
}

// stringField reads key as text. Falsy values (false, 0) count as absent.
func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		if !v {
			return ""
		}
		return "true"
	case float64:
		if v == 0 {
			return ""
		}
		return fmt.Sprint(v)
	case map[string]any:
		return extractFromMap(v, "")
	default:
		return fmt.Sprint(v)
	}
}
